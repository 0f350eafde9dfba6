package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"grainrt/internal/config"
	"grainrt/pkg/cluster"
	"grainrt/pkg/membership"
	"grainrt/pkg/types"
)

// inprocNet связывает silo одного процесса: директорные сообщения проходят
// через wire-кодек, пробы и gossip идут напрямую в оракул
type inprocNet struct {
	mu    sync.RWMutex
	silos map[types.SiloAddress]*Silo
	down  map[types.SiloAddress]bool
}

func newInprocNet() *inprocNet {
	return &inprocNet{
		silos: make(map[types.SiloAddress]*Silo),
		down:  make(map[types.SiloAddress]bool),
	}
}

func (n *inprocNet) add(s *Silo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.silos[s.Self()] = s
}

func (n *inprocNet) kill(addr types.SiloAddress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = true
}

func (n *inprocNet) target(to, from types.SiloAddress) (*Silo, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.silos[to]
	if !ok || n.down[to] || n.down[from] {
		return nil, fmt.Errorf("silo %s unreachable", to)
	}
	return s, nil
}

func (n *inprocNet) Send(ctx context.Context, target types.SiloAddress, msg cluster.Message) (cluster.Reply, error) {
	s, err := n.target(target, types.SiloAddress{})
	if err != nil {
		return cluster.Reply{}, err
	}
	raw, err := cluster.Encode(msg)
	if err != nil {
		return cluster.Reply{}, err
	}
	decoded, err := cluster.Decode(raw)
	if err != nil {
		return cluster.Reply{}, err
	}
	reply, err := s.Directory().Handle(ctx, decoded)
	if err != nil {
		return cluster.ErrorReply(err), nil
	}
	return reply, nil
}

func (n *inprocNet) Probe(_ context.Context, target, from types.SiloAddress, _ int) error {
	s, err := n.target(target, from)
	if err != nil {
		return err
	}
	return s.Oracle().HandleProbe(from)
}

func (n *inprocNet) Gossip(_ context.Context, target, from types.SiloAddress, version int64) error {
	s, err := n.target(target, from)
	if err != nil {
		return err
	}
	s.Oracle().HandleGossip(from, version)
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Cluster.ClusterID = "test"

	m := &cfg.Membership
	m.ProbePeriod = 20 * time.Millisecond
	m.ProbeTimeout = 10 * time.Millisecond
	m.NumMissedProbesLimit = 2
	m.NumProbedSilos = 2
	m.NumVotesForDeathDeclaration = 2
	m.IAmAlivePeriod = 50 * time.Millisecond
	m.TableRefreshPeriod = 30 * time.Millisecond
	m.DefunctCleanupPeriod = 0
	m.TableTimeout = time.Second
	m.MaxWriteAttempts = 20
	m.RetryBackoff = time.Millisecond

	cfg.Directory.RequestTimeout = time.Second
	cfg.Directory.ReplicationTimeout = 500 * time.Millisecond
	return cfg
}

func siloAddr(i int) types.SiloAddress {
	return types.SiloAddress{Host: "10.0.0.1", Port: 30000 + i, Generation: 1}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newSilo(t *testing.T, net *inprocNet, tbl membership.Table, i int) *Silo {
	t.Helper()
	s, err := New(testConfig(), siloAddr(i), WithTable(tbl), WithTransport(net, net), WithoutHTTP())
	if err != nil {
		t.Fatalf("new silo %d: %v", i, err)
	}
	net.add(s)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// startCluster запускает n silo на общей таблице и ждёт, пока директории всех
// увидят всех
func startCluster(t *testing.T, n int) (*inprocNet, []*Silo) {
	t.Helper()
	net := newInprocNet()
	tbl := membership.NewMemoryTable("test")
	silos := make([]*Silo, n)
	for i := range silos {
		silos[i] = newSilo(t, net, tbl, i)
		if err := silos[i].Start(context.Background()); err != nil {
			t.Fatalf("start silo %d: %v", i, err)
		}
	}
	waitUntil(t, "every directory to see the whole cluster", func() bool {
		for _, s := range silos {
			if len(s.Directory().View().ActiveSilos()) != n {
				return false
			}
		}
		return true
	})
	return net, silos
}

func grain(i int) types.GrainID {
	return types.GrainID{TypeCode: 9, Key: fmt.Sprintf("account-%d", i)}
}

func TestSilo_Lifecycle(t *testing.T) {
	tbl := membership.NewMemoryTable("test")
	s := newSilo(t, newInprocNet(), tbl, 1)
	if s.State() != StateCreated {
		t.Fatalf("state = %s", s.State())
	}

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateActive {
		t.Fatalf("state after start = %s", s.State())
	}
	if err := s.Start(ctx); !errors.Is(err, ErrNotCreated) {
		t.Fatalf("second start = %v", err)
	}
	if v := s.Directory().View(); !v.IsActive(s.Self()) {
		t.Fatal("directory did not get the joined view")
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if s.State() != StateStopped || s.Err() != nil {
		t.Fatalf("state = %s, err = %v", s.State(), s.Err())
	}
	data, _ := tbl.ReadAll(ctx)
	row, ok := data.Get(s.Self())
	if !ok || row.Entry.Status != types.StatusDead {
		t.Fatalf("row after stop = %+v, %v", row, ok)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSilo_StopBeforeStart(t *testing.T) {
	s := newSilo(t, newInprocNet(), membership.NewMemoryTable("test"), 1)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s", s.State())
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Membership.Table.Kind = "sqlite"
	if _, err := New(cfg, siloAddr(1)); err == nil {
		t.Fatal("unknown table kind accepted")
	}
}

func TestCluster_RegisterLookupAcrossSilos(t *testing.T) {
	_, silos := startCluster(t, 3)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		g := grain(i)
		first := types.NewActivationAddress(g, silos[i%3].Self())
		got, isNew, err := silos[(i+1)%3].Directory().Register(ctx, first)
		if err != nil || !isNew || got != first {
			t.Fatalf("grain %d: register = %v, %v, %v", i, got, isNew, err)
		}

		// гонка двух активаций: побеждает первая
		second := types.NewActivationAddress(g, silos[(i+2)%3].Self())
		got, isNew, err = silos[(i+2)%3].Directory().Register(ctx, second)
		if err != nil || isNew || got != first {
			t.Fatalf("grain %d: duplicate register = %v, %v, %v", i, got, isNew, err)
		}

		for _, s := range silos {
			addr, found, err := s.Directory().Lookup(ctx, g)
			if err != nil || !found || addr != first {
				t.Fatalf("grain %d: lookup on %s = %v, %v, %v", i, s.Self(), addr, found, err)
			}
		}
	}

	if err := silos[0].Directory().Unregister(ctx, types.NewActivationAddress(grain(0), silos[0].Self())); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := silos[2].Directory().Lookup(ctx, grain(0)); !found {
		t.Fatal("unregister of a foreign activation removed the entry")
	}
}

func TestCluster_GracefulLeaveHandsOffPartition(t *testing.T) {
	net, silos := startCluster(t, 3)
	ctx := context.Background()

	registered := make(map[types.GrainID]types.ActivationAddress)
	for i := 0; i < 40; i++ {
		addr := types.NewActivationAddress(grain(i), silos[0].Self())
		if _, _, err := silos[1].Directory().Register(ctx, addr); err != nil {
			t.Fatal(err)
		}
		registered[addr.Grain] = addr
	}

	leaving := silos[2]
	if err := leaving.Stop(ctx); err != nil {
		t.Fatalf("graceful stop: %v", err)
	}
	net.kill(leaving.Self())

	waitUntil(t, "survivors to drop the leaving silo", func() bool {
		return !silos[0].Directory().View().IsActive(leaving.Self()) &&
			!silos[1].Directory().View().IsActive(leaving.Self())
	})
	waitUntil(t, "every entry to be found after the leave", func() bool {
		for g, want := range registered {
			addr, found, err := silos[1].Directory().Lookup(ctx, g)
			if err != nil || !found || addr != want {
				return false
			}
		}
		return true
	})
}

func TestCluster_CrashedSiloDeclaredDead(t *testing.T) {
	net, silos := startCluster(t, 3)
	ctx := context.Background()
	victim := silos[2]

	// grains whose directory entry lives on the victim, activations elsewhere
	registered := make(map[types.GrainID]types.ActivationAddress)
	for i := 0; len(registered) < 5 && i < 1000; i++ {
		g := grain(i)
		owner, err := silos[0].Directory().Router().Owner(g)
		if err != nil {
			t.Fatal(err)
		}
		if owner != victim.Self() {
			continue
		}
		addr := types.NewActivationAddress(g, silos[0].Self())
		if _, _, err := silos[0].Directory().Register(ctx, addr); err != nil {
			t.Fatal(err)
		}
		registered[g] = addr
	}
	if len(registered) == 0 {
		t.Fatal("no grain owned by the victim")
	}

	net.kill(victim.Self())

	waitUntil(t, "the crashed silo to be declared dead", func() bool {
		return silos[0].Oracle().CurrentView().IsDead(victim.Self())
	})
	waitUntil(t, "backups to take over the victim's entries", func() bool {
		for g, want := range registered {
			addr, found, err := silos[1].Directory().Lookup(ctx, g)
			if err != nil || !found || addr != want {
				return false
			}
		}
		return true
	})

	// жертва читает таблицу, видит себя мёртвой и останавливается сама
	select {
	case <-victim.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("declared dead silo kept running")
	}
	if !errors.Is(victim.Err(), membership.ErrDeclaredDead) {
		t.Fatalf("victim err = %v", victim.Err())
	}
}
