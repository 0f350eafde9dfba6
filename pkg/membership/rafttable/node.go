package rafttable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"grainrt/internal/config"
	"grainrt/pkg/membership"
)

// ErrStopped is returned to proposals still waiting when the node stops.
var ErrStopped = errors.New("raft node stopped")

// entries kept in the log behind a snapshot, so slow followers can catch up without one
const snapshotCatchUpEntries = 100

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node is one member of the raft group that replicates the membership table.
// Every member applies committed commands to its own MemoryTable.
type Node struct {
	ID    uint64
	Peers map[uint64]string

	underlying    raft.Node
	sm            *membership.MemoryTable
	jr            *raft.MemoryStorage
	conf          *raftpb.ConfState
	tickInterval  time.Duration
	snapshotEvery uint64
	transport     iTransport
	log           *slog.Logger

	appliedIndex  uint64
	snapshotIndex uint64

	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

// NewNode bootstraps a raft member from cfg. A nil transport means HTTP to cfg.Peers.
func NewNode(cfg config.RaftConfig, clusterID string, transport iTransport, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}
	rc := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	rc.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}
	if _, ok := peers[cfg.ID]; !ok {
		return nil, fmt.Errorf("raft id %d is not in the peer list", cfg.ID)
	}
	if transport == nil {
		transport = NewTransport(peers, log)
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:            cfg.ID,
		Peers:         peers,
		conf:          &confState,
		underlying:    raft.StartNode(rc, raftPeers),
		sm:            membership.NewMemoryTable(clusterID),
		jr:            storage,
		tickInterval:  tick,
		snapshotEvery: cfg.SnapshotEvery,
		transport:     transport,
		log:           log.With("component", "raft", "raft_id", cfg.ID),
		proposals:     make(map[uuid.UUID]chan proposeResult),
		ctx:           ctx,
		stop:          cancel,
	}, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				n.log.Error("critical: raft ready handling failed", "error", err)
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.applySnapshot(rd.Snapshot); err != nil {
			return err
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if entry.Index <= n.appliedIndex {
			continue
		}
		switch entry.Type {
		case raftpb.EntryNormal:
			if err := n.applyEntry(entry); err != nil {
				return fmt.Errorf("apply entry %d: %w", entry.Index, err)
			}
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
		n.appliedIndex = entry.Index
	}

	if err := n.maybeSnapshot(); err != nil {
		return err
	}
	n.underlying.Advance()
	return nil
}

func (n *Node) applySnapshot(snap raftpb.Snapshot) error {
	if err := n.jr.ApplySnapshot(snap); err != nil {
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			return nil
		}
		return fmt.Errorf("apply snapshot: %w", err)
	}
	var data membership.TableData
	if err := json.Unmarshal(snap.Data, &data); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	n.sm.Restore(data)
	cs := snap.Metadata.ConfState
	n.conf = &cs
	n.appliedIndex = snap.Metadata.Index
	n.snapshotIndex = snap.Metadata.Index
	n.log.Info("restored membership table from snapshot", "index", snap.Metadata.Index, "version", data.Version.Version)
	return nil
}

// maybeSnapshot compacts the log every snapshotEvery applied entries.
func (n *Node) maybeSnapshot() error {
	if n.snapshotEvery == 0 || n.appliedIndex-n.snapshotIndex < n.snapshotEvery {
		return nil
	}
	data, err := json.Marshal(n.sm.Snapshot())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := n.jr.CreateSnapshot(n.appliedIndex, n.conf, data); err != nil {
		if errors.Is(err, raft.ErrSnapOutOfDate) {
			return nil
		}
		return fmt.Errorf("create snapshot: %w", err)
	}
	if n.appliedIndex > snapshotCatchUpEntries {
		if err := n.jr.Compact(n.appliedIndex - snapshotCatchUpEntries); err != nil && !errors.Is(err, raft.ErrCompacted) {
			return fmt.Errorf("compact log: %w", err)
		}
	}
	n.snapshotIndex = n.appliedIndex
	n.log.Debug("raft snapshot taken", "index", n.appliedIndex)
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		// адрес нового пира приходит в Context
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		n.log.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		n.log.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		n.log.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			err := n.transport.Send(m)
			if m.Type == raftpb.MsgSnap {
				status := raft.SnapshotFinish
				if err != nil {
					status = raft.SnapshotFailure
				}
				n.underlying.ReportSnapshot(m.To, status)
			}
			if err != nil {
				n.underlying.ReportUnreachable(m.To)
				n.log.Debug("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type.String(),
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if len(entry.Data) == 0 {
		return nil
	}

	var cmd Cmd
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	// MemoryTable детерминирована: все реплики получают одинаковые etag
	ctx := context.Background()
	var (
		ok  = true
		err error
	)
	switch cmd.Op {
	case OpInsert:
		ok, err = n.sm.InsertRow(ctx, cmd.Entry, cmd.Expected)
	case OpUpdate:
		ok, err = n.sm.UpdateRow(ctx, cmd.Entry, cmd.ETag, cmd.Expected)
	case OpIAmAlive:
		err = n.sm.UpdateIAmAlive(ctx, cmd.Entry)
	case OpDeleteCluster:
		err = n.sm.DeleteMembershipTableEntries(ctx, cmd.ClusterID)
	case OpCleanup:
		err = n.sm.CleanupDefunctSiloEntries(ctx, cmd.Before)
	default:
		err = fmt.Errorf("unknown command operation: %q", cmd.Op)
	}

	n.notifyProposalResult(cmd.ID, proposeResult{OK: ok, Err: err})
	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

func (n *Node) LeaderAddr() string {
	return n.Peers[n.LeaderID()]
}

type proposeResult struct {
	OK  bool
	Err error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) {
	// отправка под RLock: Stop не закроет канал посреди записи
	n.proposalsMu.RLock()
	defer n.proposalsMu.RUnlock()
	resultChan, ok := n.proposals[cmdID]
	if !ok {
		// команда пришла с другого узла, или Execute уже ушёл по таймауту
		return
	}

	select {
	case resultChan <- result:
	default:
		n.log.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
}

// Execute proposes cmd and waits until this node has applied it.
func (n *Node) Execute(ctx context.Context, cmd Cmd) (bool, error) {
	if err := cmd.validate(); err != nil {
		return false, err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return false, fmt.Errorf("marshal command: %w", err)
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, data); err != nil {
		return false, fmt.Errorf("propose: %w", err)
	}

	select {
	case result, ok := <-resultChan:
		if !ok {
			return false, ErrStopped
		}
		return result.OK, result.Err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// WaitLeader blocks until the group has elected a leader.
func (n *Node) WaitLeader(ctx context.Context) error {
	t := time.NewTicker(n.tickInterval)
	defer t.Stop()
	for n.LeaderID() == raft.None {
		select {
		case <-ctx.Done():
			return fmt.Errorf("raft: no leader elected: %w", ctx.Err())
		case <-n.ctx.Done():
			return ErrStopped
		case <-t.C:
		}
	}
	return nil
}

// Handle обрабатывает входящие Raft-сообщения от других нод
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

// Table returns the local replica; reads may lag the leader.
func (n *Node) Table() *membership.MemoryTable {
	return n.sm
}

func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.log.Info("stopping raft node")

		n.stop()
		n.underlying.Stop()

		n.proposalsMu.Lock()
		for id, resultChan := range n.proposals {
			close(resultChan)
			delete(n.proposals, id)
		}
		n.proposalsMu.Unlock()

		n.log.Info("raft node stopped")
	})
	return nil
}
