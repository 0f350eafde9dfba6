package cluster

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"grainrt/pkg/types"
)

var (
	// ErrNotOwner is returned by a silo that does not own the grain in its view.
	ErrNotOwner = errors.New("silo is not the owner of the grain")
	// ErrOwnerUnreachable means the owner could not be contacted. Retryable.
	ErrOwnerUnreachable = errors.New("grain owner unreachable")
	ErrUnknownMessage   = errors.New("unknown directory message kind")
)

// Kind tags a directory message on the wire.
type Kind string

const (
	KindRegister       Kind = "register"
	KindUnregister     Kind = "unregister"
	KindLookup         Kind = "lookup"
	KindReplicate      Kind = "replicate"
	KindHandoff        Kind = "handoff"
	KindUnregisterSilo Kind = "unregister_silo"
)

// Message is the closed set of directory requests exchanged between silos.
type Message interface {
	Kind() Kind
}

// Routable messages are delivered to the owner of a grain and may be
// redirected a bounded number of times.
type Routable interface {
	Message
	Target() types.GrainID
	Hop() int
	NextHop() Routable
}

type RegisterRequest struct {
	Address types.ActivationAddress `json:"address"`
	Hops    int                     `json:"hops,omitempty"`
}

type UnregisterRequest struct {
	Address types.ActivationAddress `json:"address"`
	// Invalidate marks removals caused by a failed delivery.
	Invalidate bool `json:"invalidate,omitempty"`
	Hops       int  `json:"hops,omitempty"`
}

type LookupRequest struct {
	Grain types.GrainID `json:"grain"`
	Hops  int           `json:"hops,omitempty"`
}

// ReplicaOp is the delta a primary pushes to its backups.
type ReplicaOp string

const (
	OpPut    ReplicaOp = "put"
	OpDelete ReplicaOp = "delete"
)

// Record is one directory entry as it travels between silos.
type Record struct {
	Address    types.ActivationAddress `json:"address"`
	VersionTag string                  `json:"version_tag"`
}

type ReplicateRequest struct {
	Primary types.SiloAddress `json:"primary"`
	Op      ReplicaOp         `json:"op"`
	Records []Record          `json:"records"`
}

// HandoffRequest carries primary entries of a leaving silo to their new owner.
type HandoffRequest struct {
	From    types.SiloAddress `json:"from"`
	Records []Record          `json:"records"`
}

type UnregisterSiloRequest struct {
	Silo types.SiloAddress `json:"silo"`
}

func (RegisterRequest) Kind() Kind       { return KindRegister }
func (UnregisterRequest) Kind() Kind     { return KindUnregister }
func (LookupRequest) Kind() Kind         { return KindLookup }
func (ReplicateRequest) Kind() Kind      { return KindReplicate }
func (HandoffRequest) Kind() Kind        { return KindHandoff }
func (UnregisterSiloRequest) Kind() Kind { return KindUnregisterSilo }

func (m RegisterRequest) Target() types.GrainID   { return m.Address.Grain }
func (m UnregisterRequest) Target() types.GrainID { return m.Address.Grain }
func (m LookupRequest) Target() types.GrainID     { return m.Grain }

func (m RegisterRequest) Hop() int   { return m.Hops }
func (m UnregisterRequest) Hop() int { return m.Hops }
func (m LookupRequest) Hop() int     { return m.Hops }

func (m RegisterRequest) NextHop() Routable   { m.Hops++; return m }
func (m UnregisterRequest) NextHop() Routable { m.Hops++; return m }
func (m LookupRequest) NextHop() Routable     { m.Hops++; return m }

// ReplyCode classifies a failed reply so it survives the wire.
type ReplyCode string

const (
	CodeOK             ReplyCode = ""
	CodeNotOwner       ReplyCode = "not_owner"
	CodeNoActiveSilos  ReplyCode = "no_active_silos"
	CodeUnknownMessage ReplyCode = "unknown_message"
	CodeInternal       ReplyCode = "internal"
)

// Reply answers any directory message.
type Reply struct {
	Address types.ActivationAddress `json:"address,omitempty"`
	IsNew   bool                    `json:"is_new,omitempty"`
	Found   bool                    `json:"found,omitempty"`
	// VersionTag of the entry that answered a register or lookup.
	VersionTag string `json:"version_tag,omitempty"`
	// Redirect is the owner as computed by the replying silo when Code is CodeNotOwner.
	Redirect types.SiloAddress `json:"redirect,omitempty"`
	Code     ReplyCode         `json:"code,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Err turns a failed reply back into the matching sentinel error.
func (r Reply) Err() error {
	switch r.Code {
	case CodeOK:
		return nil
	case CodeNotOwner:
		return fmt.Errorf("%w: owner is %s", ErrNotOwner, r.Redirect)
	case CodeNoActiveSilos:
		return ErrNoActiveSilos
	case CodeUnknownMessage:
		return fmt.Errorf("%w: %s", ErrUnknownMessage, r.Error)
	default:
		return errors.New(r.Error)
	}
}

// ErrorReply builds the reply for a handler error.
func ErrorReply(err error) Reply {
	switch {
	case errors.Is(err, ErrNoActiveSilos):
		return Reply{Code: CodeNoActiveSilos, Error: err.Error()}
	case errors.Is(err, ErrUnknownMessage):
		return Reply{Code: CodeUnknownMessage, Error: err.Error()}
	default:
		return Reply{Code: CodeInternal, Error: err.Error()}
	}
}

// NotOwnerReply redirects the sender to owner.
func NotOwnerReply(owner types.SiloAddress) Reply {
	return Reply{Code: CodeNotOwner, Redirect: owner, Error: ErrNotOwner.Error()}
}

type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// Encode wraps m into its tagged wire form.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Kind: m.Kind(), Body: body})
}

// Decode parses a tagged message produced by Encode.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch env.Kind {
	case KindRegister:
		var m RegisterRequest
		err = json.Unmarshal(env.Body, &m)
		msg = m
	case KindUnregister:
		var m UnregisterRequest
		err = json.Unmarshal(env.Body, &m)
		msg = m
	case KindLookup:
		var m LookupRequest
		err = json.Unmarshal(env.Body, &m)
		msg = m
	case KindReplicate:
		var m ReplicateRequest
		err = json.Unmarshal(env.Body, &m)
		msg = m
	case KindHandoff:
		var m HandoffRequest
		err = json.Unmarshal(env.Body, &m)
		msg = m
	case KindUnregisterSilo:
		var m UnregisterSiloRequest
		err = json.Unmarshal(env.Body, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return msg, nil
}
