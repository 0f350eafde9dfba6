package directory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"grainrt/pkg/membership"
)

// ViewSource publishes membership views.
type ViewSource interface {
	Subscribe() *membership.Subscription
	Unsubscribe(sub *membership.Subscription)
}

// Repairer is what the listener drives on every new view.
type Repairer interface {
	Repair(ctx context.Context, view *membership.View) error
}

// Listener applies membership views to a directory one at a time and in
// version order. Views that queue up while a repair runs are coalesced into
// the newest one.
type Listener struct {
	source ViewSource
	target Repairer
	log    *slog.Logger

	last   atomic.Int64
	sub    *membership.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewListener(source ViewSource, target Repairer, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	l := &Listener{
		source: source,
		target: target,
		log:    log.With("component", "directory-listener"),
	}
	l.last.Store(-1)
	return l
}

// LastApplied is the version of the last view handed to Repair.
func (l *Listener) LastApplied() int64 { return l.last.Load() }

func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.sub = l.source.Subscribe()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

// Stop unsubscribes and waits for an in-flight repair to finish.
func (l *Listener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.source.Unsubscribe(l.sub)
	l.wg.Wait()
}

func (l *Listener) run(ctx context.Context) {
	for {
		var view *membership.View
		select {
		case <-ctx.Done():
			return
		case v, ok := <-l.sub.C:
			if !ok {
				return
			}
			view = v
		}

		// забираем всё, что успело накопиться, и применяем только самый новый view
	drain:
		for {
			select {
			case v, ok := <-l.sub.C:
				if !ok {
					break drain
				}
				if v.Version > view.Version {
					view = v
				}
			default:
				break drain
			}
		}

		if view.Version <= l.last.Load() {
			continue
		}
		if err := l.target.Repair(ctx, view); err != nil {
			l.log.Warn("directory repair finished with errors", "view_version", view.Version, "error", err)
		}
		l.last.Store(view.Version)
	}
}
