// Package signaling moves envelopes between the call loop and a rendezvous
// channel. Outbound envelopes are stamped with a per-leg sequence number;
// inbound ones are handed to the router on the loop, in arrival order, with
// replays dropped.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
)

// Router receives inbound envelopes on the call loop. Returning an error
// wrapping ErrSignalingDeliveryDropped or ErrSessionNotFound marks the
// envelope as an expected drop.
type Router interface {
	Route(env core.Envelope) error
}

type RouterFunc func(env core.Envelope) error

func (f RouterFunc) Route(env core.Envelope) error { return f(env) }

type Options struct {
	Post   func(func()) bool
	Logger zerolog.Logger
	// OnDrop is told about every dropped inbound envelope.
	OnDrop func(reason string)
}

type leg struct {
	sid  domain.SessionID
	user domain.UserID
}

// Adapter is confined to the call loop except for the channel subscription,
// which only posts.
type Adapter struct {
	ch     core.RendezvousChannel
	post   func(func()) bool
	log    zerolog.Logger
	onDrop func(string)

	outSeq map[leg]uint64
	inSeq  map[leg]uint64
}

func New(ch core.RendezvousChannel, opts Options) *Adapter {
	onDrop := opts.OnDrop
	if onDrop == nil {
		onDrop = func(string) {}
	}
	return &Adapter{
		ch:     ch,
		post:   opts.Post,
		log:    opts.Logger.With().Str("module", "app.signaling").Logger(),
		onDrop: onDrop,
		outSeq: make(map[leg]uint64),
		inSeq:  make(map[leg]uint64),
	}
}

// Join makes envelopes addressed to user reach this adapter.
func (a *Adapter) Join(user domain.UserID) error {
	return a.ch.Join(user)
}

func (a *Adapter) Leave(user domain.UserID) error {
	return a.ch.Leave(user)
}

// Send stamps env with the next sequence of its sending leg, encodes payload
// and hands it to the channel. Ordering per session follows the channel's
// ordering guarantee. The returned error is informational.
func (a *Adapter) Send(env core.Envelope, payload any) error {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", env.Type, err)
		}
		env.Payload = raw
	}
	k := leg{env.SessionID, env.From}
	a.outSeq[k]++
	env.Seq = a.outSeq[k]

	if err := a.ch.Send(env); err != nil {
		a.log.Warn().Err(err).
			Str("sid", string(env.SessionID)).
			Str("type", string(env.Type)).
			Str("to", string(env.To)).
			Msg("signaling send failed")
		return err
	}
	return nil
}

// Start subscribes to the channel and feeds r. The returned func unsubscribes.
func (a *Adapter) Start(r Router) (cancel func()) {
	return a.ch.Subscribe(func(env core.Envelope) {
		if !a.post(func() { a.deliver(r, env) }) {
			a.log.Debug().Str("sid", string(env.SessionID)).Msg("loop stopped, envelope discarded")
		}
	})
}

func (a *Adapter) deliver(r Router, env core.Envelope) {
	k := leg{env.SessionID, env.To}
	if env.Seq != 0 {
		if env.Seq <= a.inSeq[k] {
			a.drop(env, "duplicate", errs.ErrSignalingDeliveryDropped)
			return
		}
		a.inSeq[k] = env.Seq
	}

	err := r.Route(env)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrSessionNotFound):
		a.drop(env, "unknown_session", err)
	case errors.Is(err, errs.ErrSignalingDeliveryDropped):
		a.drop(env, "stale", err)
	default:
		a.log.Error().Err(err).
			Str("sid", string(env.SessionID)).
			Str("type", string(env.Type)).
			Msg("route envelope")
	}
}

func (a *Adapter) drop(env core.Envelope, reason string, err error) {
	a.log.Warn().Err(err).
		Str("sid", string(env.SessionID)).
		Str("type", string(env.Type)).
		Str("from", string(env.From)).
		Uint64("seq", env.Seq).
		Str("reason", reason).
		Msg("signaling message dropped")
	a.onDrop(reason)
}

// Forget clears the sequence state of a finished leg.
func (a *Adapter) Forget(sid domain.SessionID, user domain.UserID) {
	k := leg{sid, user}
	delete(a.outSeq, k)
	delete(a.inSeq, k)
}

// Decode unmarshals an envelope payload into v.
func Decode(env core.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", errs.ErrSignalingDeliveryDropped, env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", errs.ErrSignalingDeliveryDropped, env.Type, err)
	}
	return nil
}
