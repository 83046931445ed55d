// Package session holds the authoritative phase of one call attempt.
//
// A Machine is not safe for concurrent use. It is driven from the call loop;
// the only goroutine it touches on its own is the clock timer, whose expiry is
// handed back through Options.Post.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
)

const DefaultRingTimeout = 30 * time.Second

type Event string

const (
	EventDial         Event = "dial"
	EventRing         Event = "ring"
	EventOpen         Event = "open"
	EventRemoteAccept Event = "remote_accept"
	EventAccept       Event = "accept"
	EventDecline      Event = "decline"
	EventConnected    Event = "connected"
	EventHangup       Event = "hangup"
	EventFail         Event = "fail"
)

// Terminal reports whether the event always ends the session.
func (e Event) Terminal() bool {
	return e == EventDecline || e == EventHangup || e == EventFail
}

var transitions = fsm.Events{
	{Name: string(EventDial), Src: []string{string(domain.PhaseIdle)}, Dst: string(domain.PhaseDialing)},
	{Name: string(EventRing), Src: []string{string(domain.PhaseIdle)}, Dst: string(domain.PhaseRinging)},
	{Name: string(EventOpen), Src: []string{string(domain.PhaseIdle)}, Dst: string(domain.PhaseActive)},
	{Name: string(EventRemoteAccept), Src: []string{string(domain.PhaseDialing)}, Dst: string(domain.PhaseConnecting)},
	{Name: string(EventAccept), Src: []string{string(domain.PhaseRinging)}, Dst: string(domain.PhaseConnecting)},
	{Name: string(EventDecline), Src: []string{string(domain.PhaseRinging)}, Dst: string(domain.PhaseEnded)},
	{Name: string(EventConnected), Src: []string{string(domain.PhaseConnecting)}, Dst: string(domain.PhaseActive)},
	{Name: string(EventHangup), Src: []string{string(domain.PhaseActive)}, Dst: string(domain.PhaseEnded)},
	{Name: string(EventFail), Src: []string{
		string(domain.PhaseIdle),
		string(domain.PhaseDialing),
		string(domain.PhaseRinging),
		string(domain.PhaseConnecting),
		string(domain.PhaseActive),
	}, Dst: string(domain.PhaseFailed)},
}

// Change is emitted to observers after a transition has been fully applied.
type Change struct {
	Session domain.Session
	From    domain.Phase
	Event   Event
}

type Observer func(Change)

type Options struct {
	Clock       clock.Clock
	RingTimeout time.Duration
	// Post hands timer expiry back to the goroutine that owns the machine.
	Post   func(func()) bool
	Logger zerolog.Logger
}

type Machine struct {
	fsm  *fsm.FSM
	sess domain.Session

	clock       clock.Clock
	ringTimeout time.Duration
	post        func(func()) bool
	log         zerolog.Logger

	observers []Observer
	pending   []Change
	notifying bool

	timer    *clock.Timer
	timerGen uint64
}

// New wraps s, which must be in the idle phase.
func New(s domain.Session, opts Options) *Machine {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) bool { fn(); return true }
	}
	s.Phase = domain.PhaseIdle
	if s.StartedAt.IsZero() {
		s.StartedAt = opts.Clock.Now()
	}

	m := &Machine{
		sess:        s,
		clock:       opts.Clock,
		ringTimeout: opts.RingTimeout,
		post:        opts.Post,
		log:         opts.Logger.With().Str("sid", string(s.ID)).Str("user", string(s.LocalUserID)).Logger(),
	}
	m.fsm = fsm.NewFSM(
		string(domain.PhaseIdle),
		transitions,
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.apply(e)
			},
		},
	)
	return m
}

func (m *Machine) ID() domain.SessionID { return m.sess.ID }

func (m *Machine) Snapshot() domain.Session { return m.sess }

func (m *Machine) Phase() domain.Phase { return m.sess.Phase }

// Observe registers o for every future phase change. Observers run in
// registration order; a transition fired from inside an observer is delivered
// after the current change has reached every observer.
func (m *Machine) Observe(o Observer) {
	m.observers = append(m.observers, o)
}

// Can reports whether ev is legal from the current phase for this session kind.
func (m *Machine) Can(ev Event) bool {
	return m.guard(ev) == nil && m.fsm.Can(string(ev))
}

// Fire applies ev. Terminal events need a reason; any other reason is ignored.
// An illegal event leaves the phase unchanged and returns ErrInvalidTransition.
func (m *Machine) Fire(ev Event, reason domain.EndReason) error {
	from := m.sess.Phase
	if err := m.guard(ev); err != nil {
		return err
	}
	if ev.Terminal() && reason == domain.ReasonNone {
		return fmt.Errorf("%w: %s needs an end reason", errs.ErrInvalidTransition, ev)
	}
	if !ev.Terminal() {
		reason = domain.ReasonNone
	}
	if !m.fsm.Can(string(ev)) {
		return fmt.Errorf("%w: %s from %s", errs.ErrInvalidTransition, ev, from)
	}

	if err := m.fsm.Event(context.Background(), string(ev), reason); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return fmt.Errorf("%w: %s from %s", errs.ErrInvalidTransition, ev, from)
		}
		return fmt.Errorf("%w: %s from %s: %v", errs.ErrInvalidTransition, ev, from, err)
	}

	m.armTimer()
	m.log.Debug().Str("module", "app.session").
		Str("event", string(ev)).
		Str("from", string(from)).
		Str("to", string(m.sess.Phase)).
		Msg("phase changed")

	m.pending = append(m.pending, Change{Session: m.sess, From: from, Event: ev})
	m.flush()
	return nil
}

func (m *Machine) guard(ev Event) error {
	if m.sess.Phase.IsTerminal() {
		return fmt.Errorf("%w: session already %s", errs.ErrInvalidTransition, m.sess.Phase)
	}
	switch ev {
	case EventOpen:
		if m.sess.Kind != domain.KindChat {
			return fmt.Errorf("%w: only chat sessions open directly", errs.ErrInvalidTransition)
		}
	case EventDial, EventRing:
		if !m.sess.Kind.UsesMedia() {
			return fmt.Errorf("%w: %s sessions do not %s", errs.ErrInvalidTransition, m.sess.Kind, ev)
		}
	}
	return nil
}

// apply runs inside the fsm transition; it must not call back into m.fsm.
func (m *Machine) apply(e *fsm.Event) {
	now := m.clock.Now()
	m.sess.Phase = domain.Phase(e.Dst)
	switch {
	case m.sess.Phase == domain.PhaseActive:
		m.sess.ConnectedAt = now
	case m.sess.Phase.IsTerminal():
		m.sess.EndedAt = now
		if len(e.Args) > 0 {
			if r, ok := e.Args[0].(domain.EndReason); ok {
				m.sess.EndReason = r
			}
		}
	}
}

func (m *Machine) flush() {
	if m.notifying {
		return
	}
	m.notifying = true
	defer func() { m.notifying = false }()
	for len(m.pending) > 0 {
		c := m.pending[0]
		m.pending = m.pending[1:]
		for _, o := range m.observers {
			o(c)
		}
	}
}

func (m *Machine) armTimer() {
	m.stopTimer()
	phase := m.sess.Phase
	if phase != domain.PhaseDialing && phase != domain.PhaseRinging {
		return
	}
	gen := m.timerGen
	m.timer = m.clock.AfterFunc(m.ringTimeout, func() {
		m.post(func() {
			if gen != m.timerGen || m.sess.Phase != phase {
				return
			}
			m.log.Info().Str("module", "app.session").Str("phase", string(phase)).Msg("ring timeout")
			if err := m.Fire(EventFail, domain.ReasonTimeout); err != nil {
				m.log.Warn().Err(err).Str("module", "app.session").Msg("timeout transition rejected")
			}
		})
	})
}

func (m *Machine) stopTimer() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
