package directory

import (
	"context"
	"sync"
	"testing"
	"time"

	"grainrt/pkg/membership"
)

// fakeSource раздаёт view через настоящую подписку оракула
type fakeSource struct {
	mu   sync.Mutex
	subs []*membership.Subscription
	ch   chan *membership.View
}

func (s *fakeSource) Subscribe() *membership.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ch = make(chan *membership.View, 16)
	sub := &membership.Subscription{C: s.ch}
	s.subs = append(s.subs, sub)
	return sub
}

func (s *fakeSource) Unsubscribe(*membership.Subscription) {}

func (s *fakeSource) publish(v *membership.View) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	ch <- v
}

type recordingRepairer struct {
	mu       sync.Mutex
	versions []int64
	running  int
	overlap  bool
	gate     chan struct{}
}

func (r *recordingRepairer) Repair(_ context.Context, v *membership.View) error {
	r.mu.Lock()
	r.running++
	if r.running > 1 {
		r.overlap = true
	}
	r.versions = append(r.versions, v.Version)
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	r.running--
	r.mu.Unlock()
	return nil
}

func (r *recordingRepairer) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.versions...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestListener_AppliesViewsInOrderOnce(t *testing.T) {
	src := &fakeSource{}
	rep := &recordingRepairer{}
	l := NewListener(src, rep, nil)
	l.Start(context.Background())
	defer l.Stop()

	src.publish(activeView(1, silo(1)))
	waitFor(t, func() bool { return l.LastApplied() == 1 })
	src.publish(activeView(1, silo(1)))
	src.publish(activeView(0, silo(1)))
	src.publish(activeView(2, silo(1), silo(2)))
	waitFor(t, func() bool { return l.LastApplied() == 2 })

	got := rep.seen()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("repairs applied for versions %v, want [1 2]", got)
	}
}

func TestListener_CoalescesBurstAndNeverOverlaps(t *testing.T) {
	src := &fakeSource{}
	rep := &recordingRepairer{gate: make(chan struct{})}
	l := NewListener(src, rep, nil)
	l.Start(context.Background())
	defer l.Stop()

	src.publish(activeView(1, silo(1)))
	waitFor(t, func() bool { return len(rep.seen()) == 1 })

	// пока идёт repair для v1, копятся v2..v5
	for v := int64(2); v <= 5; v++ {
		src.publish(activeView(v, silo(1)))
	}
	close(rep.gate)
	waitFor(t, func() bool { return l.LastApplied() == 5 })

	got := rep.seen()
	if got[len(got)-1] != 5 {
		t.Fatalf("last repair for version %d, want 5", got[len(got)-1])
	}
	if len(got) != 2 {
		t.Fatalf("expected the burst to be coalesced into one repair, got %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("repairs out of order: %v", got)
		}
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.overlap {
		t.Fatal("two repairs ran concurrently")
	}
}

func TestListener_DrivesDirectoryRepair(t *testing.T) {
	src := &fakeSource{}
	d := New(silo(1), testConfig(), newInprocNet())
	l := NewListener(src, d, nil)
	l.Start(context.Background())
	defer l.Stop()

	src.publish(activeView(3, silo(1)))
	waitFor(t, func() bool { return l.LastApplied() == 3 })
	if d.View().Version != 3 || d.Router().Ring().Len() != 1 {
		t.Fatalf("directory view=%d ring=%d", d.View().Version, d.Router().Ring().Len())
	}
}
