package membership

import "sync"

// Subscription delivers membership views. Only the newest undelivered view is
// kept: a slow consumer skips intermediate views but never sees them out of order.
type Subscription struct {
	C <-chan *View

	ch chan *View
}

type notifier struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
	last *View
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[*Subscription]struct{})}
}

func (n *notifier) subscribe() *Subscription {
	ch := make(chan *View, 1)
	sub := &Subscription{C: ch, ch: ch}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[sub] = struct{}{}
	if n.last != nil {
		ch <- n.last
	}
	return sub
}

func (n *notifier) unsubscribe(sub *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[sub]; ok {
		delete(n.subs, sub)
		close(sub.ch)
	}
}

// publish must be called with views in increasing version order.
func (n *notifier) publish(v *View) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.last = v
	for sub := range n.subs {
		// вытесняем устаревший view, если потребитель не успел его забрать
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- v
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for sub := range n.subs {
		delete(n.subs, sub)
		close(sub.ch)
	}
}
