// Package runtime assembles one silo: membership table, oracle, grain
// directory, the listener between them and the HTTP server. A Silo owns every
// component it builds; nothing is shared through package state.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"grainrt/internal/config"
	ihttp "grainrt/internal/http"
	"grainrt/pkg/cluster"
	"grainrt/pkg/directory"
	"grainrt/pkg/membership"
	"grainrt/pkg/membership/etcdtable"
	"grainrt/pkg/membership/rafttable"
	"grainrt/pkg/membership/zktable"
	"grainrt/pkg/types"
)

type State int32

const (
	StateCreated State = iota
	StateStarting
	StateActive
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateStarting:
		return "Starting"
	case StateActive:
		return "Active"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var ErrNotCreated = errors.New("silo already started")

type options struct {
	log       *slog.Logger
	table     membership.Table
	transport cluster.Transport
	peers     membership.PeerClient
	noHTTP    bool
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithTable replaces the table selected by membership.table.kind.
func WithTable(t membership.Table) Option {
	return func(o *options) { o.table = t }
}

// WithTransport replaces the HTTP client for directory messages and probes.
func WithTransport(transport cluster.Transport, peers membership.PeerClient) Option {
	return func(o *options) {
		o.transport = transport
		o.peers = peers
	}
}

// WithoutHTTP skips the HTTP server; the silo is reachable only through the
// transport given by WithTransport.
func WithoutHTTP() Option {
	return func(o *options) { o.noHTTP = true }
}

// Silo is the runtime context of one cluster member.
type Silo struct {
	cfg  config.Config
	self types.SiloAddress
	log  *slog.Logger

	table      membership.Table
	closeTable func() error
	raftNode   *rafttable.Node

	oracle   *membership.Oracle
	dir      *directory.LocalDirectory
	listener *directory.Listener
	server   *ihttp.Server

	state    atomic.Int32
	stopMu   sync.Mutex
	raftStop context.CancelFunc
	raftWG   sync.WaitGroup

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// New builds every component of the silo without starting any of them.
func New(cfg config.Config, self types.SiloAddress, opts ...Option) (*Silo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Silo{
		cfg:  cfg,
		self: self,
		log:  o.log.With("silo", self.String()),
		done: make(chan struct{}),
	}

	if o.table != nil {
		s.table = o.table
	} else if err := s.openTable(); err != nil {
		return nil, err
	}

	transport, peers := o.transport, o.peers
	if transport == nil || peers == nil {
		client := cluster.NewHTTPClient(cfg.Directory.RequestTimeout)
		if transport == nil {
			transport = client
		}
		if peers == nil {
			peers = client
		}
	}

	s.oracle = membership.NewOracle(cfg.Membership, cfg.Cluster, self, s.table, peers,
		membership.WithLogger(s.log),
		membership.WithDeathHandler(s.onDeclaredDead),
	)
	s.dir = directory.New(self, cfg.Directory, transport, directory.WithLogger(s.log))
	s.listener = directory.NewListener(s.oracle, s.dir, s.log)

	if !o.noHTTP {
		serverCfg := cfg.Server
		serverCfg.Port = self.Port
		s.server = ihttp.NewServer(serverCfg, s.dir, s.oracle, s.log)
		if s.raftNode != nil {
			s.server.SetRaftNode(s.raftNode)
		}
	}
	return s, nil
}

// openTable connects the membership table named by the config.
func (s *Silo) openTable() error {
	tc := s.cfg.Membership.Table
	clusterID := s.cfg.Cluster.ClusterID
	switch tc.Kind {
	case config.TableMemory:
		s.table = membership.NewMemoryTable(clusterID)
	case config.TableZooKeeper:
		t, err := zktable.Dial(tc.ZooKeeper, clusterID, s.log)
		if err != nil {
			return err
		}
		s.table, s.closeTable = t, t.Close
	case config.TableEtcd:
		t, err := etcdtable.Dial(tc.Etcd, clusterID, s.log)
		if err != nil {
			return err
		}
		s.table, s.closeTable = t, t.Close
	case config.TableRaft:
		node, err := rafttable.NewNode(tc.Raft, clusterID, nil, s.log)
		if err != nil {
			return fmt.Errorf("raft membership table: %w", err)
		}
		s.raftNode = node
		s.table = rafttable.NewTable(node)
	default:
		return fmt.Errorf("unknown membership table kind %q", tc.Kind)
	}
	return nil
}

func (s *Silo) Self() types.SiloAddress { return s.self }

func (s *Silo) State() State { return State(s.state.Load()) }

func (s *Silo) Oracle() *membership.Oracle { return s.oracle }

func (s *Silo) Directory() *directory.LocalDirectory { return s.dir }

// Done is closed once the silo reached Stopped.
func (s *Silo) Done() <-chan struct{} { return s.done }

// Err is the reason the silo stopped on its own, nil after a requested Stop.
func (s *Silo) Err() error {
	<-s.done
	return s.err
}

// Start brings the silo to Active: HTTP first so peers can probe it, then the
// raft node if it hosts the table, then the membership join. The directory gets
// the joined view before Start returns.
func (s *Silo) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return ErrNotCreated
	}
	s.log.Info("silo starting", "cluster", s.cfg.Cluster.ClusterID, "table", s.cfg.Membership.Table.Kind)

	if s.server != nil {
		if err := s.server.Start(); err != nil {
			return s.abortStart(err)
		}
	}

	if s.raftNode != nil {
		raftCtx, cancel := context.WithCancel(context.Background())
		s.raftStop = cancel
		s.raftWG.Add(1)
		go func() {
			defer s.raftWG.Done()
			if err := s.raftNode.Run(raftCtx); err != nil {
				s.log.Error("raft node stopped", "error", err)
			}
		}()
	}

	s.listener.Start(context.Background())
	if err := s.oracle.Start(ctx); err != nil {
		return s.abortStart(fmt.Errorf("join cluster: %w", err))
	}
	if err := s.dir.Repair(ctx, s.oracle.CurrentView()); err != nil {
		s.log.Warn("initial directory repair failed", "error", err)
	}

	if !s.state.CompareAndSwap(int32(StateStarting), int32(StateActive)) {
		// объявлен мёртвым, пока догонял view
		return membership.ErrDeclaredDead
	}
	s.log.Info("silo active", "view_version", s.oracle.CurrentView().Version)
	return nil
}

func (s *Silo) abortStart(err error) error {
	s.log.Error("silo failed to start", "error", err)
	_ = s.shutdown(context.Background())
	s.finish(err)
	return err
}

// Stop leaves the cluster gracefully: announce ShuttingDown, hand the
// directory partition to the next owners, write Dead and release resources.
func (s *Silo) Stop(ctx context.Context) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	switch s.State() {
	case StateCreated:
		s.finish(nil)
		return nil
	case StateStopped:
		return nil
	case StateActive:
	default:
		return fmt.Errorf("silo is %s", s.State())
	}
	s.state.Store(int32(StateStopping))
	s.log.Info("silo stopping")

	var errs []error
	if err := s.oracle.BeginShutdown(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("announce shutdown: %w", err))
	}
	if err := s.dir.Handoff(ctx); err != nil {
		errs = append(errs, fmt.Errorf("directory handoff: %w", err))
	}
	errs = append(errs, s.shutdown(ctx))

	s.finish(nil)
	s.log.Info("silo stopped")
	return errors.Join(errs...)
}

// shutdown releases components in reverse start order.
func (s *Silo) shutdown(ctx context.Context) error {
	var errs []error
	s.listener.Stop()
	if err := s.oracle.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leave membership: %w", err))
	}
	if s.server != nil {
		if err := s.server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.raftNode != nil {
		if s.raftStop != nil {
			s.raftStop()
		}
		_ = s.raftNode.Stop()
		s.raftWG.Wait()
	}
	if s.closeTable != nil {
		if err := s.closeTable(); err != nil {
			errs = append(errs, fmt.Errorf("close membership table: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Silo) finish(err error) {
	s.errOnce.Do(func() {
		s.err = err
		s.state.Store(int32(StateStopped))
		close(s.done)
	})
}

// onDeclaredDead runs on an oracle goroutine, so the teardown is async.
// No handoff: survivors have already repaired around this silo.
func (s *Silo) onDeclaredDead(err error) {
	go func() {
		s.stopMu.Lock()
		defer s.stopMu.Unlock()
		if !s.state.CompareAndSwap(int32(StateActive), int32(StateStopping)) &&
			!s.state.CompareAndSwap(int32(StateStarting), int32(StateStopping)) {
			return
		}
		s.log.Error("silo declared dead, shutting down", "error", err)
		if serr := s.shutdown(context.Background()); serr != nil {
			s.log.Warn("shutdown after death declaration", "error", serr)
		}
		s.finish(err)
	}()
}
