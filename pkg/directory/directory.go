package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"grainrt/internal/config"
	"grainrt/pkg/cluster"
	"grainrt/pkg/membership"
	"grainrt/pkg/telemetry"
	"grainrt/pkg/types"
)

var (
	ErrNotOwner         = cluster.ErrNotOwner
	ErrOwnerUnreachable = cluster.ErrOwnerUnreachable
	// ErrDeadSilo rejects registrations of activations on silos the view considers dead.
	ErrDeadSilo = errors.New("activation silo is dead")
)

// LocalDirectory is the grain directory of one silo. Callers may use any silo:
// requests for grains owned elsewhere are forwarded to the owner.
type LocalDirectory struct {
	self        types.SiloAddress
	cfg         config.DirectoryConfig
	partition   *Partition
	partitioner *cluster.Partitioner
	router      *cluster.Router
	log         *slog.Logger

	view atomic.Pointer[membership.View]
	// cache holds grains owned by other silos; nil when disabled
	cache *LookupCache

	repairMu     sync.Mutex
	lastRepaired int64
}

type Option func(*LocalDirectory)

func WithLogger(l *slog.Logger) Option {
	return func(d *LocalDirectory) { d.log = l }
}

func New(self types.SiloAddress, cfg config.DirectoryConfig, transport cluster.Transport, opts ...Option) *LocalDirectory {
	d := &LocalDirectory{
		self:        self,
		cfg:         cfg,
		partition:   NewPartition(),
		partitioner: cluster.NewPartitioner(cfg.VirtualNodes),
		log:         slog.Default(),
		// -1: первый view с версией 0 тоже должен примениться
		lastRepaired: -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "directory", "silo", self.String())
	d.view.Store(membership.EmptyView())
	if cfg.LookupCacheSize > 0 {
		d.cache = NewLookupCache(cfg.LookupCacheSize, cfg.LookupCacheInitialTTL, cfg.LookupCacheMaxTTL)
	}
	d.router = &cluster.Router{
		Self:      self,
		Local:     d,
		Transport: transport,
		MaxHops:   cfg.MaxForwardHops,
		Logger:    d.log,
	}
	return d
}

func (d *LocalDirectory) Self() types.SiloAddress { return d.self }

// View is the membership view of the last repair.
func (d *LocalDirectory) View() *membership.View { return d.view.Load() }

func (d *LocalDirectory) Router() *cluster.Router { return d.router }

func (d *LocalDirectory) Partition() *Partition { return d.partition }

// Cache is the lookup cache of remotely owned grains, nil when disabled.
func (d *LocalDirectory) Cache() *LookupCache { return d.cache }

// ownedElsewhere reports whether g is owned by another silo in the current ring.
func (d *LocalDirectory) ownedElsewhere(g types.GrainID) bool {
	own, _, err := d.router.IsOwner(g)
	return err == nil && !own
}

func (d *LocalDirectory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.RequestTimeout)
}

// Register installs addr unless the grain already has an activation. The
// returned address is the winner; isNew is false when addr lost the race.
func (d *LocalDirectory) Register(ctx context.Context, addr types.ActivationAddress) (types.ActivationAddress, bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	remote := d.ownedElsewhere(addr.Grain)
	reply, err := d.router.Route(ctx, cluster.RegisterRequest{Address: addr})
	d.count("register", reply, err)
	if err != nil {
		return types.ActivationAddress{}, false, fmt.Errorf("register %s: %w", addr.Grain, err)
	}
	if remote {
		d.cache.Put(reply.Address, reply.VersionTag)
	}
	return reply.Address, reply.IsNew, nil
}

// Unregister removes the entry of addr.Grain only if it still points at addr.
func (d *LocalDirectory) Unregister(ctx context.Context, addr types.ActivationAddress) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	d.cache.Invalidate(addr)
	reply, err := d.router.Route(ctx, cluster.UnregisterRequest{Address: addr})
	d.count("unregister", reply, err)
	if err != nil {
		return fmt.Errorf("unregister %s: %w", addr.Grain, err)
	}
	return nil
}

// Invalidate drops an entry after a message to addr could not be delivered.
func (d *LocalDirectory) Invalidate(ctx context.Context, addr types.ActivationAddress) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	d.cache.Invalidate(addr)
	reply, err := d.router.Route(ctx, cluster.UnregisterRequest{Address: addr, Invalidate: true})
	d.count("invalidate", reply, err)
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", addr.Grain, err)
	}
	return nil
}

// Lookup asks the owner of g for its activation. Answers about grains owned
// elsewhere are cached; an expired cache entry is revalidated with the owner.
// Activations on silos the view marks dead are never returned.
func (d *LocalDirectory) Lookup(ctx context.Context, g types.GrainID) (types.ActivationAddress, bool, error) {
	remote := d.ownedElsewhere(g)
	if remote {
		if addr, fresh, ok := d.cache.Get(g); ok {
			switch {
			case d.View().IsDead(addr.Silo):
				d.cache.Invalidate(addr)
			case fresh:
				telemetry.DirectoryOps.WithLabelValues("lookup", "cached").Inc()
				return addr, true, nil
			}
		}
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	reply, err := d.router.Route(ctx, cluster.LookupRequest{Grain: g})
	d.count("lookup", reply, err)
	if err != nil {
		return types.ActivationAddress{}, false, fmt.Errorf("lookup %s: %w", g, err)
	}
	if remote {
		if reply.Found {
			d.cache.Put(reply.Address, reply.VersionTag)
		} else {
			d.cache.Forget(g)
		}
	}
	return reply.Address, reply.Found, nil
}

// LocalLookup reads only this silo's partition, whatever role the entry has.
func (d *LocalDirectory) LocalLookup(g types.GrainID) (bool, Entry) {
	e, ok := d.partition.Get(g)
	return ok, e
}

// UnregisterSilo removes every entry pointing at silo here and on all active peers.
func (d *LocalDirectory) UnregisterSilo(ctx context.Context, silo types.SiloAddress) error {
	removed := d.removeSilo(silo)
	d.log.Info("unregistered activations of silo", "target", silo.String(), "removed", removed)

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, peer := range d.View().ActiveSilos() {
		if peer == d.self {
			continue
		}
		wg.Add(1)
		go func(peer types.SiloAddress) {
			defer wg.Done()
			if _, err := d.router.Send(ctx, peer, cluster.UnregisterSiloRequest{Silo: silo}); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(peer)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Handle serves directory messages routed to this silo.
func (d *LocalDirectory) Handle(ctx context.Context, msg cluster.Message) (cluster.Reply, error) {
	switch m := msg.(type) {
	case cluster.RegisterRequest:
		return d.guardOwner(m.Address.Grain, func() (cluster.Reply, error) {
			return d.registerLocal(ctx, m.Address)
		})
	case cluster.UnregisterRequest:
		return d.guardOwner(m.Address.Grain, func() (cluster.Reply, error) {
			return d.unregisterLocal(ctx, m.Address, m.Invalidate)
		})
	case cluster.LookupRequest:
		return d.guardOwner(m.Grain, func() (cluster.Reply, error) {
			e, ok := d.partition.Get(m.Grain)
			if !ok || d.View().IsDead(e.Address.Silo) {
				// запись на мёртвом silo остаётся: её заменит следующий Register
				return cluster.Reply{}, nil
			}
			return cluster.Reply{Address: e.Address, Found: true, VersionTag: e.VersionTag}, nil
		})
	case cluster.ReplicateRequest:
		d.applyReplica(m)
		return cluster.Reply{}, nil
	case cluster.HandoffRequest:
		d.adopt(ctx, m)
		return cluster.Reply{}, nil
	case cluster.UnregisterSiloRequest:
		d.removeSilo(m.Silo)
		return cluster.Reply{}, nil
	default:
		return cluster.ErrorReply(fmt.Errorf("%w: %T", cluster.ErrUnknownMessage, msg)), nil
	}
}

// guardOwner answers with a redirect when this silo does not own g in its view.
func (d *LocalDirectory) guardOwner(g types.GrainID, fn func() (cluster.Reply, error)) (cluster.Reply, error) {
	own, owner, err := d.router.IsOwner(g)
	if err != nil {
		return cluster.ErrorReply(err), nil
	}
	if !own {
		return cluster.NotOwnerReply(owner), nil
	}
	return fn()
}

func (d *LocalDirectory) registerLocal(ctx context.Context, addr types.ActivationAddress) (cluster.Reply, error) {
	view := d.View()
	if view.IsDead(addr.Silo) {
		return cluster.ErrorReply(fmt.Errorf("%w: %s", ErrDeadSilo, addr.Silo)), nil
	}

	e, isNew := d.partition.Register(addr, d.self, func(cur Entry) bool {
		// запись о активации на мёртвом silo не должна блокировать новую
		return view.IsDead(cur.Address.Silo)
	})
	if isNew {
		d.replicate(ctx, cluster.OpPut, e)
	}
	return cluster.Reply{Address: e.Address, IsNew: isNew, VersionTag: e.VersionTag}, nil
}

func (d *LocalDirectory) unregisterLocal(ctx context.Context, addr types.ActivationAddress, invalidate bool) (cluster.Reply, error) {
	e, removed := d.partition.Unregister(addr)
	if !removed {
		return cluster.Reply{}, nil
	}
	if invalidate {
		d.log.Debug("entry invalidated", "address", addr.String())
	}
	d.replicate(ctx, cluster.OpDelete, e)
	return cluster.Reply{}, nil
}

func (d *LocalDirectory) applyReplica(m cluster.ReplicateRequest) {
	for _, rec := range m.Records {
		switch m.Op {
		case cluster.OpPut:
			d.partition.PutBackup(rec, m.Primary)
		case cluster.OpDelete:
			d.partition.DeleteBackup(rec)
		}
	}
}

func (d *LocalDirectory) removeSilo(silo types.SiloAddress) int {
	d.cache.RemoveIf(func(a types.ActivationAddress) bool { return a.Silo == silo })
	removed := 0
	for _, g := range d.partition.Grains() {
		d.partition.Update(g, func(e Entry) (Entry, bool) {
			if e.Address.Silo == silo {
				removed++
				return e, false
			}
			return e, true
		})
	}
	return removed
}

func (d *LocalDirectory) backups(g types.GrainID) []types.SiloAddress {
	owners, err := d.router.Owners(g, d.cfg.ReplicationFactor)
	if err != nil || len(owners) < 2 {
		return nil
	}
	return owners[1:]
}

func (d *LocalDirectory) count(op string, reply cluster.Reply, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrNotOwner):
		result = "not_owner"
	case errors.Is(err, ErrOwnerUnreachable):
		result = "unreachable"
	case errors.Is(err, cluster.ErrNoActiveSilos):
		result = "no_silos"
	case err != nil:
		result = "error"
	case op == "register" && !reply.IsNew:
		result = "exists"
	case op == "lookup" && !reply.Found:
		result = "miss"
	}
	telemetry.DirectoryOps.WithLabelValues(op, result).Inc()
}
