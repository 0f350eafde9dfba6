package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SiloAddress identifies one running silo process. Generation distinguishes
// restarts on the same host:port.
type SiloAddress struct {
	Host       string
	Port       int
	Generation int64
}

// NewSiloAddress returns an address for host:port with a generation derived from the clock.
func NewSiloAddress(host string, port int) SiloAddress {
	return SiloAddress{Host: host, Port: port, Generation: NewGeneration()}
}

// NewGeneration returns a fresh generation number. Generations grow with wall clock time,
// so a restarted silo always outranks its previous incarnation.
func NewGeneration() int64 {
	return time.Now().UnixMilli()
}

// ParseSiloAddress parses the "host:port@generation" form produced by String.
func ParseSiloAddress(s string) (SiloAddress, error) {
	hp, gen, ok := strings.Cut(s, "@")
	if !ok {
		return SiloAddress{}, fmt.Errorf("silo address %q: missing generation", s)
	}
	host, portStr, err := net.SplitHostPort(hp)
	if err != nil {
		return SiloAddress{}, fmt.Errorf("silo address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return SiloAddress{}, fmt.Errorf("silo address %q: bad port: %w", s, err)
	}
	g, err := strconv.ParseInt(gen, 10, 64)
	if err != nil {
		return SiloAddress{}, fmt.Errorf("silo address %q: bad generation: %w", s, err)
	}
	return SiloAddress{Host: host, Port: port, Generation: g}, nil
}

func (a SiloAddress) Endpoint() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a SiloAddress) String() string {
	return a.Endpoint() + "@" + strconv.FormatInt(a.Generation, 10)
}

func (a SiloAddress) IsZero() bool {
	return a == SiloAddress{}
}

// SameEndpoint reports whether both addresses point at the same host:port,
// ignoring generation.
func (a SiloAddress) SameEndpoint(b SiloAddress) bool {
	return a.Host == b.Host && a.Port == b.Port
}

// Compare orders silo addresses by their string form. Used as the ring tie breaker.
func (a SiloAddress) Compare(b SiloAddress) int {
	return strings.Compare(a.String(), b.String())
}

func (a SiloAddress) MarshalText() ([]byte, error) {
	if a.IsZero() {
		return []byte{}, nil
	}
	return []byte(a.String()), nil
}

func (a *SiloAddress) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*a = SiloAddress{}
		return nil
	}
	parsed, err := ParseSiloAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// SiloStatus is the lifecycle state of a silo as recorded in the membership table.
type SiloStatus int

const (
	StatusNone SiloStatus = iota
	StatusCreated
	StatusJoining
	StatusActive
	StatusShuttingDown
	StatusStopping
	StatusDead
)

var statusNames = map[SiloStatus]string{
	StatusNone:         "None",
	StatusCreated:      "Created",
	StatusJoining:      "Joining",
	StatusActive:       "Active",
	StatusShuttingDown: "ShuttingDown",
	StatusStopping:     "Stopping",
	StatusDead:         "Dead",
}

func (s SiloStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "Unknown(" + strconv.Itoa(int(s)) + ")"
}

// IsTerminating is true for silos that are leaving or already gone.
func (s SiloStatus) IsTerminating() bool {
	return s == StatusShuttingDown || s == StatusStopping || s == StatusDead
}

func (s SiloStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SiloStatus) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown silo status %q", string(b))
}

// GrainID is the identity of a virtual actor.
type GrainID struct {
	TypeCode uint32 `json:"type"`
	Key      string `json:"key"`
}

// GrainIDFromUUID builds a grain identity with a 128-bit key.
func GrainIDFromUUID(typeCode uint32, key uuid.UUID) GrainID {
	return GrainID{TypeCode: typeCode, Key: strings.ReplaceAll(key.String(), "-", "")}
}

func (g GrainID) String() string {
	return strconv.FormatUint(uint64(g.TypeCode), 10) + "/" + g.Key
}

func (g GrainID) IsZero() bool {
	return g == GrainID{}
}

// Compare orders grains by type code and then key.
func (g GrainID) Compare(o GrainID) int {
	switch {
	case g.TypeCode < o.TypeCode:
		return -1
	case g.TypeCode > o.TypeCode:
		return 1
	}
	return strings.Compare(g.Key, o.Key)
}

// ActivationID identifies one in-memory instance of a grain.
type ActivationID string

func NewActivationID() ActivationID {
	return ActivationID(uuid.NewString())
}

// ActivationAddress points at a live activation of a grain on a silo.
type ActivationAddress struct {
	Grain      GrainID      `json:"grain"`
	Activation ActivationID `json:"activation"`
	Silo       SiloAddress  `json:"silo"`
}

// NewActivationAddress creates the address of a fresh activation on silo.
func NewActivationAddress(grain GrainID, silo SiloAddress) ActivationAddress {
	return ActivationAddress{Grain: grain, Activation: NewActivationID(), Silo: silo}
}

func (a ActivationAddress) IsZero() bool {
	return a == ActivationAddress{}
}

func (a ActivationAddress) String() string {
	return fmt.Sprintf("[%s %s on %s]", a.Grain, a.Activation, a.Silo)
}
