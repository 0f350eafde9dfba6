package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"grainrt/internal/config"
	"grainrt/pkg/telemetry"
	"grainrt/pkg/types"
)

// PeerClient is how the oracle talks to other silos.
type PeerClient interface {
	// Probe pings target; any error counts as a missed probe.
	Probe(ctx context.Context, target, from types.SiloAddress, probeNumber int) error
	// Gossip hints target that the table moved to version.
	Gossip(ctx context.Context, target, from types.SiloAddress, version int64) error
}

const (
	stateCreated int32 = iota
	stateJoining
	stateActive
	stateStopping
	stateStopped
)

// Oracle runs the membership protocol of one silo: it joins the cluster through
// the membership table, heartbeats, probes its ring successors, votes suspects
// dead and publishes every new view to subscribers.
type Oracle struct {
	cfg       config.MembershipConfig
	clusterID string
	self      types.SiloAddress
	hostName  string
	siloName  string
	table     Table
	peers     PeerClient
	log       *slog.Logger
	now       func() time.Time

	writeMu sync.Mutex
	myEntry Entry

	refreshMu sync.Mutex
	published bool
	view      atomic.Pointer[View]
	notifier  *notifier

	probeMu  sync.Mutex
	probed   map[types.SiloAddress]int
	probeSeq int

	state      atomic.Int32
	refreshNow chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	onDeclaredDead func(error)
}

type OracleOption func(*Oracle)

func WithLogger(l *slog.Logger) OracleOption {
	return func(o *Oracle) { o.log = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) OracleOption {
	return func(o *Oracle) { o.now = now }
}

// WithDeathHandler is invoked once if the cluster declares this silo dead.
func WithDeathHandler(fn func(error)) OracleOption {
	return func(o *Oracle) { o.onDeclaredDead = fn }
}

func NewOracle(
	cfg config.MembershipConfig,
	cluster config.ClusterConfig,
	self types.SiloAddress,
	table Table,
	peers PeerClient,
	opts ...OracleOption,
) *Oracle {
	o := &Oracle{
		cfg:        cfg,
		clusterID:  cluster.ClusterID,
		self:       self,
		hostName:   cluster.Host,
		siloName:   cluster.SiloName,
		table:      table,
		peers:      peers,
		log:        slog.Default(),
		now:        time.Now,
		notifier:   newNotifier(),
		probed:     make(map[types.SiloAddress]int),
		refreshNow: make(chan struct{}, 1),
	}
	o.view.Store(EmptyView())
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With("component", "membership", "silo", self.String())
	return o
}

func (o *Oracle) Self() types.SiloAddress { return o.self }

// CurrentView returns the latest published view. Never nil.
func (o *Oracle) CurrentView() *View { return o.view.Load() }

func (o *Oracle) Subscribe() *Subscription { return o.notifier.subscribe() }

func (o *Oracle) Unsubscribe(sub *Subscription) { o.notifier.unsubscribe(sub) }

func (o *Oracle) IsActive() bool { return o.state.Load() == stateActive }

// Start joins the cluster: Joining row, retire older generations of this
// endpoint, Active row, then starts the periodic tasks.
func (o *Oracle) Start(ctx context.Context) error {
	if !o.state.CompareAndSwap(stateCreated, stateJoining) {
		return fmt.Errorf("membership oracle already started")
	}

	initCtx, cancel := context.WithTimeout(ctx, o.cfg.TableTimeout)
	err := o.table.InitializeMembershipTable(initCtx, true)
	cancel()
	if err != nil {
		return fmt.Errorf("initialize membership table: %w: %w", ErrTableUnavailable, err)
	}

	now := o.now()
	o.myEntry = Entry{
		Silo:         o.self,
		Status:       types.StatusCreated,
		HostName:     o.hostName,
		SiloName:     o.siloName,
		StartTime:    now,
		IAmAliveTime: now,
	}

	if err := o.updateMyStatus(ctx, types.StatusJoining); err != nil {
		return fmt.Errorf("join as %s: %w", types.StatusJoining, err)
	}
	if err := o.retireOlderGenerations(ctx); err != nil {
		return fmt.Errorf("retire previous generations: %w", err)
	}
	if err := o.updateMyStatus(ctx, types.StatusActive); err != nil {
		return fmt.Errorf("become %s: %w", types.StatusActive, err)
	}
	o.state.Store(stateActive)

	loopCtx, stop := context.WithCancel(context.Background())
	o.cancel = stop
	o.wg.Add(4)
	go o.probeLoop(loopCtx)
	go o.iAmAliveLoop(loopCtx)
	go o.refreshLoop(loopCtx)
	go o.cleanupLoop(loopCtx)

	o.log.Info("silo joined the cluster", "view_version", o.CurrentView().Version)
	return nil
}

// BeginShutdown announces that the silo is leaving. Graceful shutdowns are
// ShuttingDown, abrupt ones Stopping. Calling it again is a no-op.
func (o *Oracle) BeginShutdown(ctx context.Context, graceful bool) error {
	if !o.state.CompareAndSwap(stateActive, stateStopping) {
		if o.state.Load() == stateCreated {
			return ErrNotStarted
		}
		return nil
	}
	status := types.StatusStopping
	if graceful {
		status = types.StatusShuttingDown
	}
	return o.updateMyStatus(ctx, status)
}

// Stop halts the periodic tasks and writes the final Dead row.
func (o *Oracle) Stop(ctx context.Context) error {
	prev := o.state.Swap(stateStopped)
	if prev == stateStopped || prev == stateCreated {
		return nil
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	err := o.updateMyStatus(ctx, types.StatusDead)
	if errors.Is(err, ErrDeclaredDead) {
		err = nil
	}
	o.notifier.closeAll()
	o.log.Info("membership stopped")
	return err
}

// HandleProbe answers a liveness probe from a peer.
func (o *Oracle) HandleProbe(from types.SiloAddress) error {
	switch o.state.Load() {
	case stateActive, stateJoining, stateStopping:
		return nil
	default:
		return fmt.Errorf("silo %s is not running", o.self)
	}
}

// HandleGossip schedules an early table read when a peer has seen a newer version.
func (o *Oracle) HandleGossip(from types.SiloAddress, version int64) {
	if version <= o.CurrentView().Version {
		return
	}
	o.log.Debug("gossip: newer table version", "from", from.String(), "version", version)
	select {
	case o.refreshNow <- struct{}{}:
	default:
	}
}

// Refresh reads the table and publishes a new view if it moved.
func (o *Oracle) Refresh(ctx context.Context) error {
	return o.refresh(ctx)
}

// ProbeTargets returns the silos this oracle is currently watching.
func (o *Oracle) ProbeTargets() []types.SiloAddress {
	o.probeMu.Lock()
	defer o.probeMu.Unlock()
	out := make([]types.SiloAddress, 0, len(o.probed))
	for s := range o.probed {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// ---- table writes ----

func (o *Oracle) updateMyStatus(ctx context.Context, status types.SiloStatus) error {
	o.writeMu.Lock()
	err := o.retry(ctx, "update_status", func(c context.Context) (WriteResult, error) {
		data, err := o.table.ReadAll(c)
		if err != nil {
			return WriteTransient, err
		}
		entry := o.myEntry.Clone()
		entry.Status = status
		entry.IAmAliveTime = o.now()

		var ok bool
		if row, exists := data.Get(o.self); exists {
			if row.Entry.Status == types.StatusDead && status != types.StatusDead {
				return WriteTransient, ErrDeclaredDead
			}
			// голоса других silo сохраняем, это не наши данные
			entry.SuspectTimes = row.Entry.SuspectTimes
			ok, err = o.table.UpdateRow(c, entry, row.ETag, data.Version.Next())
		} else {
			ok, err = o.table.InsertRow(c, entry, data.Version.Next())
		}
		res := classify(ok, err)
		if res == WriteOK {
			o.myEntry = entry
		}
		return res, err
	})
	o.writeMu.Unlock()
	if err != nil {
		return err
	}

	o.log.Info("own status written", "status", status.String())
	o.afterWrite(ctx)
	return nil
}

// retireOlderGenerations declares dead every older incarnation of this endpoint
// that the table still believes alive.
func (o *Oracle) retireOlderGenerations(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.TableTimeout)
	data, err := o.table.ReadAll(rctx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTableUnavailable, err)
	}
	for _, row := range data.Entries {
		e := row.Entry
		if !e.Silo.SameEndpoint(o.self) || e.Silo.Generation >= o.self.Generation || e.Status == types.StatusDead {
			continue
		}
		old := e.Silo
		o.log.Warn("found older generation of this silo still alive in the table", "old", old.String(), "status", e.Status.String())
		err := o.retry(ctx, "retire", func(c context.Context) (WriteResult, error) {
			data, err := o.table.ReadAll(c)
			if err != nil {
				return WriteTransient, err
			}
			row, ok := data.Get(old)
			if !ok || row.Entry.Status == types.StatusDead {
				return WriteOK, nil
			}
			return o.declareDead(c, row, data.Version)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// tryToSuspectOrKill adds this silo's vote against target, or declares it dead
// when the fresh votes (including ours) reach the quorum.
func (o *Oracle) tryToSuspectOrKill(ctx context.Context, target types.SiloAddress) (WriteResult, error) {
	data, err := o.table.ReadAll(ctx)
	if err != nil {
		return WriteTransient, err
	}
	if mine, ok := data.Get(o.self); ok && mine.Entry.Status == types.StatusDead {
		o.applyTable(data)
		return WriteTransient, ErrDeclaredDead
	}
	row, ok := data.Get(target)
	if !ok || row.Entry.Status == types.StatusDead {
		o.applyTable(data)
		return WriteOK, nil
	}

	now := o.now()
	fresh := row.Entry.FreshVotes(now, o.cfg.DeathVoteExpiration)
	myVote := 1
	for _, v := range fresh {
		if v.Voter == o.self {
			myVote = 0
			break
		}
	}

	activeSilos := 0
	for _, e := range data.Entries {
		if e.Entry.Status == types.StatusActive {
			activeSilos++
		}
	}

	votes := len(fresh) + myVote
	if votes >= o.cfg.NumVotesForDeathDeclaration || votes >= (activeSilos+1)/2 {
		o.log.Info("declaring silo dead",
			"target", target.String(),
			"fresh_votes", len(fresh),
			"quorum", o.cfg.NumVotesForDeathDeclaration,
			"active_silos", activeSilos)
		return o.declareDead(ctx, row, data.Version)
	}

	entry := row.Entry.Clone()
	idx := -1
	for i, v := range entry.SuspectTimes {
		if v.Voter == o.self {
			idx = i
			break
		}
	}
	if idx == -1 && len(entry.SuspectTimes) >= o.cfg.NumVotesForDeathDeclaration {
		// список полон - перезаписываем самый старый голос
		idx = 0
		for i, v := range entry.SuspectTimes {
			if v.At.Before(entry.SuspectTimes[idx].At) {
				idx = i
			}
		}
	}
	vote := SuspectVote{Voter: o.self, At: now}
	if idx == -1 {
		entry.SuspectTimes = append(entry.SuspectTimes, vote)
	} else {
		entry.SuspectTimes[idx] = vote
	}

	ok, err = o.table.UpdateRow(ctx, entry, row.ETag, data.Version.Next())
	res := classify(ok, err)
	if res == WriteOK {
		telemetry.SuspicionVotes.Inc()
		o.log.Info("voted silo as suspect", "target", target.String(), "fresh_votes", len(fresh)+1)
		o.afterWrite(ctx)
	}
	return res, err
}

func (o *Oracle) declareDead(ctx context.Context, row EntryWithETag, version TableVersion) (WriteResult, error) {
	entry := row.Entry.Clone()
	entry.AddSuspector(o.self, o.now())
	entry.Status = types.StatusDead

	ok, err := o.table.UpdateRow(ctx, entry, row.ETag, version.Next())
	res := classify(ok, err)
	if res == WriteOK {
		telemetry.DeathDeclarations.Inc()
		o.log.Warn("silo declared dead", "target", entry.Silo.String())
		o.afterWrite(ctx)
	}
	return res, err
}

// retry runs a conditional table write until it succeeds, re-reading the table
// on every attempt. Conflicts and transient failures are retried with backoff.
func (o *Oracle) retry(ctx context.Context, op string, fn func(context.Context) (WriteResult, error)) error {
	backoff := o.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxWriteAttempts; attempt++ {
		c, cancel := context.WithTimeout(ctx, o.cfg.TableTimeout)
		res, err := fn(c)
		cancel()

		if errors.Is(err, ErrDeclaredDead) {
			o.handleDeclaredDead()
			return err
		}
		telemetry.TableWrites.WithLabelValues(op, res.String()).Inc()

		switch res {
		case WriteOK:
			return nil
		case WriteConflict:
			lastErr = fmt.Errorf("%s: %w", op, ErrWriteConflict)
		default:
			lastErr = fmt.Errorf("%s: %w: %w", op, ErrTableUnavailable, err)
		}
		o.log.Debug("table write failed, retrying", "op", op, "attempt", attempt, "result", res.String(), "error", err)

		if attempt == o.cfg.MaxWriteAttempts {
			break
		}
		if !sleepCtx(ctx, jitter(backoff)) {
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, o.cfg.MaxWriteAttempts, lastErr)
}

// afterWrite re-reads the table and tells the peers about the new version.
func (o *Oracle) afterWrite(ctx context.Context) {
	if err := o.refresh(ctx); err != nil {
		o.log.Warn("refresh after write failed", "error", err)
		return
	}
	o.gossip()
}

// ---- view maintenance ----

func (o *Oracle) refresh(ctx context.Context) error {
	c, cancel := context.WithTimeout(ctx, o.cfg.TableTimeout)
	defer cancel()
	data, err := o.table.ReadAll(c)
	if err != nil {
		return fmt.Errorf("read membership table: %w: %w", ErrTableUnavailable, err)
	}
	o.applyTable(data)
	return nil
}

// applyTable installs data as the current view unless a view of the same or a
// newer version is already published.
func (o *Oracle) applyTable(data TableData) {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	cur := o.view.Load()
	if o.published && data.Version.Version <= cur.Version {
		return
	}
	v := NewView(data)
	o.view.Store(v)
	o.published = true

	for silo, status := range v.Changes(cur) {
		o.log.Info("membership change", "target", silo.String(), "status", status.String(), "view_version", v.Version)
	}
	telemetry.ViewVersion.WithLabelValues(o.self.String()).Set(float64(v.Version))
	telemetry.ActiveSilos.WithLabelValues(o.self.String()).Set(float64(len(v.ActiveSilos())))

	o.updateProbedSilos(v)
	o.notifier.publish(v)

	if v.IsDead(o.self) && o.state.Load() == stateActive {
		go o.handleDeclaredDead()
	}
}

func (o *Oracle) handleDeclaredDead() {
	if !o.state.CompareAndSwap(stateActive, stateStopped) {
		return
	}
	o.log.Error("this silo was declared dead by the cluster, it must rejoin with a new generation")
	if o.cancel != nil {
		o.cancel()
	}
	if o.onDeclaredDead != nil {
		o.onDeclaredDead(ErrDeclaredDead)
	}
}

// updateProbedSilos picks the NumProbedSilos ring successors of this silo,
// preferring silos nobody suspects yet.
func (o *Oracle) updateProbedSilos(v *View) {
	ring := append([]types.SiloAddress(nil), v.ActiveSilos()...)
	if !v.IsActive(o.self) {
		ring = append(ring, o.self)
		sort.Slice(ring, func(i, j int) bool { return ring[i].Compare(ring[j]) < 0 })
	}
	me := 0
	for i, s := range ring {
		if s == o.self {
			me = i
			break
		}
	}

	now := o.now()
	var healthy, suspected []types.SiloAddress
	for i := 1; i < len(ring); i++ {
		s := ring[(me+i)%len(ring)]
		if len(v.Entries[s].FreshVotes(now, o.cfg.DeathVoteExpiration)) > 0 {
			suspected = append(suspected, s)
		} else {
			healthy = append(healthy, s)
		}
	}
	chosen := append(healthy, suspected...)
	if len(chosen) > o.cfg.NumProbedSilos {
		chosen = chosen[:o.cfg.NumProbedSilos]
	}

	o.probeMu.Lock()
	defer o.probeMu.Unlock()
	next := make(map[types.SiloAddress]int, len(chosen))
	for _, s := range chosen {
		next[s] = o.probed[s]
	}
	o.probed = next
}

// ---- periodic tasks ----

func (o *Oracle) probeLoop(ctx context.Context) {
	defer o.wg.Done()

	// случайный сдвиг, чтобы silo не пинговали друг друга синхронно
	if !sleepCtx(ctx, jitter(o.cfg.ProbePeriod)) {
		return
	}
	ticker := time.NewTicker(o.cfg.ProbePeriod)
	defer ticker.Stop()
	for {
		o.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Oracle) probeOnce(ctx context.Context) {
	o.probeMu.Lock()
	o.probeSeq++
	n := o.probeSeq
	targets := make([]types.SiloAddress, 0, len(o.probed))
	for s := range o.probed {
		targets = append(targets, s)
	}
	o.probeMu.Unlock()

	var wg sync.WaitGroup
	for _, s := range targets {
		wg.Add(1)
		go func(target types.SiloAddress) {
			defer wg.Done()
			o.probe(ctx, target, n)
		}(s)
	}
	wg.Wait()
}

func (o *Oracle) probe(ctx context.Context, target types.SiloAddress, n int) {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
	err := o.peers.Probe(pctx, target, o.self, n)
	cancel()
	if ctx.Err() != nil {
		return
	}

	o.probeMu.Lock()
	missed, watched := o.probed[target]
	if watched {
		if err == nil {
			missed = 0
		} else {
			missed++
		}
		o.probed[target] = missed
	}
	o.probeMu.Unlock()

	if err == nil {
		telemetry.Probes.WithLabelValues("ok").Inc()
		return
	}
	telemetry.Probes.WithLabelValues("missed").Inc()
	if !watched {
		// view changed while the probe was in flight
		return
	}
	o.log.Warn("missed probe", "target", target.String(), "probe", n, "missed", missed, "error", err)
	if missed < o.cfg.NumMissedProbesLimit {
		return
	}

	err = o.retry(ctx, "suspect", func(c context.Context) (WriteResult, error) {
		return o.tryToSuspectOrKill(c, target)
	})
	if err != nil && !errors.Is(err, ErrDeclaredDead) {
		o.log.Error("failed to suspect silo", "target", target.String(), "error", err)
	}
}

func (o *Oracle) iAmAliveLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.IAmAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.writeMu.Lock()
			o.myEntry.IAmAliveTime = o.now()
			entry := o.myEntry.Clone()
			o.writeMu.Unlock()

			c, cancel := context.WithTimeout(ctx, o.cfg.TableTimeout)
			if err := o.table.UpdateIAmAlive(c, entry); err != nil {
				o.log.Warn("I-am-alive update failed", "error", err)
			}
			cancel()
		}
	}
}

func (o *Oracle) refreshLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.TableRefreshPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.refreshNow:
		}
		if err := o.refresh(ctx); err != nil && ctx.Err() == nil {
			o.log.Warn("periodic table read failed", "error", err)
		}
	}
}

func (o *Oracle) cleanupLoop(ctx context.Context) {
	defer o.wg.Done()
	if o.cfg.DefunctCleanupPeriod <= 0 || o.cfg.DefunctRetention <= 0 {
		return
	}
	ticker := time.NewTicker(o.cfg.DefunctCleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := o.now().Add(-o.cfg.DefunctRetention)
			c, cancel := context.WithTimeout(ctx, o.cfg.TableTimeout)
			if err := o.table.CleanupDefunctSiloEntries(c, before); err != nil {
				o.log.Warn("defunct entries cleanup failed", "error", err)
			} else {
				o.log.Debug("defunct entries cleaned up", "before", before)
			}
			cancel()
		}
	}
}

// gossip tells every other live silo about the current table version. Best effort.
func (o *Oracle) gossip() {
	if !o.cfg.GossipEnabled || o.peers == nil {
		return
	}
	v := o.CurrentView()
	for _, s := range v.Silos(types.StatusActive, types.StatusJoining, types.StatusShuttingDown) {
		if s == o.self {
			continue
		}
		go func(target types.SiloAddress) {
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ProbeTimeout)
			defer cancel()
			if err := o.peers.Gossip(ctx, target, o.self, v.Version); err != nil {
				o.log.Debug("gossip failed", "target", target.String(), "error", err)
			}
		}(s)
	}
}
