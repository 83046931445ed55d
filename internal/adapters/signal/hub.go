package signal

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
)

// ErrNoRoute is returned by Hub endpoints when nobody joined as the recipient.
var ErrNoRoute = fmt.Errorf("%w: recipient not connected", errs.ErrRemoteUnavailable)

// Hub is an in-process rendezvous channel. Delivery is synchronous, so
// envelopes arrive in exactly the order they were sent.
type Hub struct {
	deliverMu sync.Mutex

	mu     sync.RWMutex
	routes map[domain.UserID]*Endpoint
	log    zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		routes: make(map[domain.UserID]*Endpoint),
		log:    log.With().Str("module", "signal.hub").Logger(),
	}
}

// Endpoint returns a new channel attached to the hub.
func (h *Hub) Endpoint() *Endpoint {
	return &Endpoint{hub: h, subs: make(map[int]func(core.Envelope))}
}

func (h *Hub) route(user domain.UserID) (*Endpoint, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ep, ok := h.routes[user]
	return ep, ok
}

type Endpoint struct {
	hub *Hub

	mu     sync.RWMutex
	subs   map[int]func(core.Envelope)
	next   int
	closed bool
}

// Join routes envelopes for user to this endpoint. The last join wins.
func (e *Endpoint) Join(user domain.UserID) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return errs.ErrClosed
	}
	e.hub.mu.Lock()
	e.hub.routes[user] = e
	e.hub.mu.Unlock()
	e.hub.log.Debug().Str("user", string(user)).Msg("joined")
	return nil
}

// Leave removes the route for user if it still points at this endpoint.
func (e *Endpoint) Leave(user domain.UserID) error {
	e.hub.mu.Lock()
	if e.hub.routes[user] == e {
		delete(e.hub.routes, user)
	}
	e.hub.mu.Unlock()
	e.hub.log.Debug().Str("user", string(user)).Msg("left")
	return nil
}

func (e *Endpoint) Send(env core.Envelope) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return errs.ErrClosed
	}
	dst, ok := e.hub.route(env.To)
	if !ok {
		return fmt.Errorf("send %s to %s: %w", env.Type, env.To, ErrNoRoute)
	}
	e.hub.deliverMu.Lock()
	defer e.hub.deliverMu.Unlock()
	dst.deliver(env)
	return nil
}

func (e *Endpoint) deliver(env core.Envelope) {
	e.mu.RLock()
	fns := make([]func(core.Envelope), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (e *Endpoint) Subscribe(fn func(core.Envelope)) (cancel func()) {
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Close detaches the endpoint and every user routed to it.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.subs = make(map[int]func(core.Envelope))
	e.mu.Unlock()

	e.hub.mu.Lock()
	for user, ep := range e.hub.routes {
		if ep == e {
			delete(e.hub.routes, user)
		}
	}
	e.hub.mu.Unlock()
	return nil
}
