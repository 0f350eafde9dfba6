package membership

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"grainrt/pkg/types"
)

var (
	// ErrTableUnavailable wraps transient storage failures of a membership table.
	ErrTableUnavailable = errors.New("membership table unavailable")

	// ErrDeclaredDead is returned once the table says the local silo is dead.
	ErrDeclaredDead = errors.New("local silo declared dead by the cluster")

	// ErrWriteConflict is returned when every attempt of a conditional write
	// lost the version race. It is a transient table failure.
	ErrWriteConflict = fmt.Errorf("table version conflict: %w", ErrTableUnavailable)

	// ErrNotStarted is returned by BeginShutdown on an oracle that never joined.
	ErrNotStarted = errors.New("membership oracle is not started")
)

// SuspectVote is one "I think you are dead" record written by a peer.
type SuspectVote struct {
	Voter types.SiloAddress `json:"voter"`
	At    time.Time         `json:"at"`
}

// Entry is one row of the membership table.
type Entry struct {
	Silo         types.SiloAddress `json:"silo"`
	Status       types.SiloStatus  `json:"status"`
	HostName     string            `json:"host_name"`
	SiloName     string            `json:"silo_name"`
	ProxyPort    int               `json:"proxy_port,omitempty"`
	StartTime    time.Time         `json:"start_time"`
	IAmAliveTime time.Time         `json:"i_am_alive_time"`
	SuspectTimes []SuspectVote     `json:"suspect_times,omitempty"`
}

// Clone returns a deep copy, so callers can mutate suspect lists safely.
func (e Entry) Clone() Entry {
	c := e
	if e.SuspectTimes != nil {
		c.SuspectTimes = append([]SuspectVote(nil), e.SuspectTimes...)
	}
	return c
}

// FreshVotes returns votes not older than expiration, keeping the latest vote per voter.
func (e Entry) FreshVotes(now time.Time, expiration time.Duration) []SuspectVote {
	latest := make(map[types.SiloAddress]time.Time, len(e.SuspectTimes))
	for _, v := range e.SuspectTimes {
		if now.Sub(v.At) > expiration {
			continue
		}
		if t, ok := latest[v.Voter]; !ok || v.At.After(t) {
			latest[v.Voter] = v.At
		}
	}
	out := make([]SuspectVote, 0, len(latest))
	for _, v := range e.SuspectTimes {
		if t, ok := latest[v.Voter]; ok && t.Equal(v.At) {
			out = append(out, v)
			delete(latest, v.Voter)
		}
	}
	return out
}

// AddSuspector appends a vote.
func (e *Entry) AddSuspector(voter types.SiloAddress, at time.Time) {
	e.SuspectTimes = append(e.SuspectTimes, SuspectVote{Voter: voter, At: at})
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s votes=%d alive=%s", e.Silo, e.Status, len(e.SuspectTimes), e.IAmAliveTime.Format(time.RFC3339))
}

// TableVersion guards table-wide writes. A writer reads the table, then presents
// Next(): the version it wants to install together with the etag it has seen.
// Tables reject the write when that etag is no longer current.
type TableVersion struct {
	Version int64  `json:"version"`
	ETag    string `json:"etag"`
}

// Next keeps the observed etag and bumps the version number.
func (v TableVersion) Next() TableVersion {
	return TableVersion{Version: v.Version + 1, ETag: v.ETag}
}

// VersionETag renders a numeric version as an etag, for tables whose etags are counters.
func VersionETag(v int64) string {
	return strconv.FormatInt(v, 10)
}

// EntryWithETag is a table row with its row level concurrency token.
type EntryWithETag struct {
	Entry Entry  `json:"entry"`
	ETag  string `json:"etag"`
}

// TableData is the result of a read: the rows plus the table version.
type TableData struct {
	Entries []EntryWithETag `json:"entries"`
	Version TableVersion    `json:"version"`
}

// Get finds the row of silo.
func (d TableData) Get(silo types.SiloAddress) (EntryWithETag, bool) {
	for _, e := range d.Entries {
		if e.Entry.Silo == silo {
			return e, true
		}
	}
	return EntryWithETag{}, false
}

// Table is the durable, strongly consistent store of membership rows.
//
// InsertRow and UpdateRow report optimistic concurrency conflicts as (false, nil).
// Any returned error means the storage itself failed and the call may be retried.
type Table interface {
	InitializeMembershipTable(ctx context.Context, tryInitVersion bool) error
	ReadRow(ctx context.Context, silo types.SiloAddress) (TableData, error)
	ReadAll(ctx context.Context) (TableData, error)
	InsertRow(ctx context.Context, entry Entry, expected TableVersion) (bool, error)
	UpdateRow(ctx context.Context, entry Entry, etag string, expected TableVersion) (bool, error)
	UpdateIAmAlive(ctx context.Context, entry Entry) error
	DeleteMembershipTableEntries(ctx context.Context, clusterID string) error
	CleanupDefunctSiloEntries(ctx context.Context, before time.Time) error
}

// WriteResult is the outcome of a conditional table write.
type WriteResult int

const (
	WriteOK WriteResult = iota
	WriteConflict
	WriteTransient
)

func (r WriteResult) String() string {
	switch r {
	case WriteOK:
		return "ok"
	case WriteConflict:
		return "conflict"
	default:
		return "transient"
	}
}

// classify maps the (bool, error) contract of Table writes onto WriteResult.
func classify(ok bool, err error) WriteResult {
	switch {
	case err != nil:
		return WriteTransient
	case !ok:
		return WriteConflict
	default:
		return WriteOK
	}
}
