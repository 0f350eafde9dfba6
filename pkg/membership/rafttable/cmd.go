package rafttable

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"grainrt/pkg/membership"
)

// Operation is a membership table mutation replicated through the raft log.
type Operation string

const (
	OpInsert        Operation = "insert"
	OpUpdate        Operation = "update"
	OpIAmAlive      Operation = "i_am_alive"
	OpDeleteCluster Operation = "delete_cluster"
	OpCleanup       Operation = "cleanup"
)

type Cmd struct {
	ID        uuid.UUID               `json:"id"`
	Op        Operation               `json:"op"`
	Entry     membership.Entry        `json:"entry"`
	ETag      string                  `json:"etag,omitempty"`
	Expected  membership.TableVersion `json:"expected"`
	ClusterID string                  `json:"cluster_id,omitempty"`
	Before    time.Time               `json:"before"`
}

func NewCmd(op Operation) Cmd {
	return Cmd{ID: uuid.New(), Op: op}
}

func (c Cmd) validate() error {
	switch c.Op {
	case OpInsert, OpIAmAlive:
		if c.Entry.Silo.IsZero() {
			return fmt.Errorf("invalid command %s: empty silo", c.Op)
		}
	case OpUpdate:
		if c.Entry.Silo.IsZero() || c.ETag == "" {
			return fmt.Errorf("invalid command %s: empty silo or etag", c.Op)
		}
	case OpDeleteCluster:
		if c.ClusterID == "" {
			return fmt.Errorf("invalid command %s: empty cluster id", c.Op)
		}
	case OpCleanup:
	default:
		return fmt.Errorf("unknown operation: %q", c.Op)
	}
	return nil
}
