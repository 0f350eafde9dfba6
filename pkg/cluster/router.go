package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"grainrt/pkg/types"
)

// Handler processes directory messages addressed to this silo.
type Handler interface {
	Handle(ctx context.Context, msg Message) (Reply, error)
}

// Transport delivers a directory message to a remote silo.
type Transport interface {
	Send(ctx context.Context, target types.SiloAddress, msg Message) (Reply, error)
}

const defaultMaxHops = 2

// Router sends grain-addressed messages to the silo owning the grain: locally
// when this silo is the owner, over the transport otherwise.
type Router struct {
	Self      types.SiloAddress
	Local     Handler
	Transport Transport
	// MaxHops bounds how many ErrNotOwner redirects are followed.
	MaxHops int
	Logger  *slog.Logger

	mu   sync.RWMutex
	ring *Ring
}

// UpdateRing installs the ring of a newer view.
func (r *Router) UpdateRing(ring *Ring) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ring != nil && ring.Version() < r.ring.Version() {
		return
	}
	r.ring = ring
	r.logger().Debug("ring updated", "view_version", ring.Version(), "silos", ring.Len())
}

// Ring returns the current ring, or an empty one before the first view.
func (r *Router) Ring() *Ring {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ring == nil {
		return NewRing(nil, 1, 0)
	}
	return r.ring
}

// Owners returns [primary, backups...] for g under the current ring.
func (r *Router) Owners(g types.GrainID, n int) ([]types.SiloAddress, error) {
	return r.Ring().Owners(g, n)
}

func (r *Router) Owner(g types.GrainID) (types.SiloAddress, error) {
	return r.Ring().Owner(g)
}

// IsOwner reports whether this silo is the primary of g.
func (r *Router) IsOwner(g types.GrainID) (bool, types.SiloAddress, error) {
	owner, err := r.Owner(g)
	if err != nil {
		return false, types.SiloAddress{}, err
	}
	return owner == r.Self, owner, nil
}

// Route delivers msg to the owner of its grain and follows redirects up to
// MaxHops times. Transport failures come back as ErrOwnerUnreachable.
func (r *Router) Route(ctx context.Context, msg Routable) (Reply, error) {
	target, err := r.Owner(msg.Target())
	if err != nil {
		return Reply{}, err
	}

	maxHops := r.MaxHops
	if maxHops <= 0 {
		maxHops = defaultMaxHops
	}

	for {
		local := target == r.Self
		r.trace(msg, target, local)

		var reply Reply
		if local {
			reply, err = r.Local.Handle(ctx, msg)
			if err != nil {
				return Reply{}, err
			}
		} else {
			reply, err = r.Transport.Send(ctx, target, msg)
			if err != nil {
				return Reply{}, fmt.Errorf("%w: %s: %w", ErrOwnerUnreachable, target, err)
			}
		}

		if reply.Code != CodeNotOwner {
			return reply, reply.Err()
		}
		// получатель считает владельцем другой silo - идём туда, но не бесконечно
		if msg.Hop() >= maxHops || reply.Redirect.IsZero() || reply.Redirect == target {
			return reply, reply.Err()
		}
		msg = msg.NextHop()
		target = reply.Redirect
	}
}

// Send delivers a non-routable message, such as a replication push, to target.
func (r *Router) Send(ctx context.Context, target types.SiloAddress, msg Message) (Reply, error) {
	if target == r.Self {
		return r.Local.Handle(ctx, msg)
	}
	reply, err := r.Transport.Send(ctx, target, msg)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %s: %w", ErrOwnerUnreachable, target, err)
	}
	if err := reply.Err(); err != nil && !errors.Is(err, ErrNotOwner) {
		return reply, err
	}
	return reply, nil
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Router) trace(msg Routable, target types.SiloAddress, local bool) {
	where := "remote"
	if local {
		where = "local"
	}
	r.logger().Debug("route",
		"kind", string(msg.Kind()),
		"grain", msg.Target().String(),
		"target", target.String(),
		"where", where,
		"hop", msg.Hop())
}
