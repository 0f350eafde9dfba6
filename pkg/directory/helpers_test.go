package directory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"grainrt/internal/config"
	"grainrt/pkg/cluster"
	"grainrt/pkg/membership"
	"grainrt/pkg/types"
)

func silo(i int) types.SiloAddress {
	return types.SiloAddress{Host: "10.0.0.1", Port: 20000 + i, Generation: 1}
}

func grain(i int) types.GrainID {
	return types.GrainID{TypeCode: 42, Key: fmt.Sprintf("player-%d", i)}
}

func testConfig() config.DirectoryConfig {
	cfg := config.DefaultDirectory()
	cfg.RequestTimeout = time.Second
	cfg.ReplicationTimeout = 500 * time.Millisecond
	// кэш проверяется отдельно: здесь каждый lookup идёт к владельцу
	cfg.LookupCacheSize = 0
	return cfg
}

func cachedConfig() config.DirectoryConfig {
	cfg := testConfig()
	cfg.LookupCacheSize = 16
	cfg.LookupCacheInitialTTL = time.Minute
	cfg.LookupCacheMaxTTL = 4 * time.Minute
	return cfg
}

// viewOf строит view с заданными статусами silo
func viewOf(version int64, statuses map[types.SiloAddress]types.SiloStatus) *membership.View {
	data := membership.TableData{Version: membership.TableVersion{Version: version}}
	for s, st := range statuses {
		data.Entries = append(data.Entries, membership.EntryWithETag{
			Entry: membership.Entry{Silo: s, Status: st},
		})
	}
	return membership.NewView(data)
}

func activeView(version int64, silos ...types.SiloAddress) *membership.View {
	st := make(map[types.SiloAddress]types.SiloStatus, len(silos))
	for _, s := range silos {
		st[s] = types.StatusActive
	}
	return viewOf(version, st)
}

// inprocNet доставляет сообщения между директориями в одном процессе,
// прогоняя их через wire-кодек
type inprocNet struct {
	mu    sync.RWMutex
	nodes map[types.SiloAddress]*LocalDirectory
	down  map[types.SiloAddress]bool
	sent  map[cluster.Kind]int
}

func newInprocNet() *inprocNet {
	return &inprocNet{
		nodes: make(map[types.SiloAddress]*LocalDirectory),
		down:  make(map[types.SiloAddress]bool),
		sent:  make(map[cluster.Kind]int),
	}
}

func (n *inprocNet) Send(ctx context.Context, target types.SiloAddress, msg cluster.Message) (cluster.Reply, error) {
	n.mu.Lock()
	node, ok := n.nodes[target]
	down := n.down[target]
	n.sent[msg.Kind()]++
	n.mu.Unlock()

	if !ok || down {
		return cluster.Reply{}, fmt.Errorf("dial %s: connection refused", target)
	}
	data, err := cluster.Encode(msg)
	if err != nil {
		return cluster.Reply{}, err
	}
	decoded, err := cluster.Decode(data)
	if err != nil {
		return cluster.Reply{}, err
	}
	return node.Handle(ctx, decoded)
}

func (n *inprocNet) kill(s types.SiloAddress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[s] = true
}

func (n *inprocNet) count(k cluster.Kind) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.sent[k]
}

type testCluster struct {
	net  *inprocNet
	dirs map[types.SiloAddress]*LocalDirectory
}

func newTestCluster(t *testing.T, n int, cfg config.DirectoryConfig) *testCluster {
	t.Helper()
	c := &testCluster{net: newInprocNet(), dirs: make(map[types.SiloAddress]*LocalDirectory)}
	var silos []types.SiloAddress
	for i := 1; i <= n; i++ {
		s := silo(i)
		d := New(s, cfg, c.net)
		c.net.nodes[s] = d
		c.dirs[s] = d
		silos = append(silos, s)
	}
	c.repairAll(t, activeView(1, silos...))
	return c
}

func (c *testCluster) repairAll(t *testing.T, v *membership.View) {
	t.Helper()
	for s, d := range c.dirs {
		if c.net.down[s] {
			continue
		}
		if err := d.Repair(context.Background(), v); err != nil {
			t.Fatalf("repair on %s: %v", s, err)
		}
	}
}

// grainWithOwners подбирает грейн с заданными primary и первым backup
func grainWithOwners(t *testing.T, d *LocalDirectory, primary, backup types.SiloAddress) types.GrainID {
	t.Helper()
	for i := 0; i < 100_000; i++ {
		owners, err := d.Router().Owners(grain(i), 2)
		if err != nil {
			t.Fatalf("owners: %v", err)
		}
		if owners[0] == primary && (backup.IsZero() || (len(owners) > 1 && owners[1] == backup)) {
			return grain(i)
		}
	}
	t.Fatalf("no grain with primary %s and backup %s", primary, backup)
	return types.GrainID{}
}
