package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/telecall/internal/app/loop"
	"github.com/dkeye/telecall/internal/app/media"
	"github.com/dkeye/telecall/internal/app/peer"
	"github.com/dkeye/telecall/internal/app/session"
	"github.com/dkeye/telecall/internal/app/signaling"
	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
	"github.com/dkeye/telecall/internal/metrics"
	"github.com/dkeye/telecall/internal/storage"
)

const (
	maxChatLen     = 4096
	saveTimeout    = 5 * time.Second
	finishedFactor = 8
)

type Config struct {
	RingTimeout      time.Duration
	GracePeriod      time.Duration
	RetainEnded      time.Duration
	RetainMax        int
	SubscriberBuffer int
}

func DefaultConfig() Config {
	return Config{
		RingTimeout:      session.DefaultRingTimeout,
		GracePeriod:      peer.DefaultGracePeriod,
		RetainEnded:      time.Minute,
		RetainMax:        1024,
		SubscriberBuffer: 32,
	}
}

type Deps struct {
	Channel core.RendezvousChannel
	Devices core.DeviceProvider
	Peers   core.PeerFactory
	Clock   clock.Clock
	Metrics *metrics.Collector
	Store   storage.CallLog
	Policy  Policy
}

type legKey struct {
	sid  domain.SessionID
	user domain.UserID
}

// leg is one endpoint's view of a session. Both legs of a session may live in
// the same registry.
type leg struct {
	key     legKey
	machine *session.Machine
	media   *media.Controller
	peer    *peer.Controller

	offer       *webrtc.SessionDescription
	remoteEnded bool
	// heard is set once the remote leg sent anything besides a hangup.
	heard       bool
}

type subscriber struct {
	ch chan core.Notification
}

// Registry is the process-wide call directory. Every field below loop is
// confined to the loop goroutine; exported methods hop onto it with Do.
type Registry struct {
	cfg  Config
	deps Deps
	loop *loop.Loop
	sig  *signaling.Adapter
	log  zerolog.Logger

	stopSignal func()
	saves      sync.WaitGroup

	legs     map[legKey]*leg
	active   map[domain.UserID]*leg
	ended    *expirable.LRU[legKey, domain.Session]
	// finished outlives ended so late or replayed offers cannot reopen a
	// session after its snapshot expired.
	finished *lru.Cache[legKey, struct{}]
	subs     map[domain.UserID]map[*subscriber]struct{}
	online   map[domain.UserID]bool
	conns    map[domain.UserID]int
	closed   bool
}

var _ core.CallClient = (*Registry)(nil)

func NewRegistry(cfg Config, deps Deps) *Registry {
	def := DefaultConfig()
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = def.RingTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.RetainEnded <= 0 {
		cfg.RetainEnded = def.RetainEnded
	}
	if cfg.RetainMax <= 0 {
		cfg.RetainMax = def.RetainMax
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Store == nil {
		deps.Store = storage.Nop{}
	}
	if deps.Policy == nil {
		deps.Policy = SimplePolicy{}
	}

	finished, err := lru.New[legKey, struct{}](cfg.RetainMax * finishedFactor)
	if err != nil {
		// only a non-positive size fails
		panic(err)
	}

	l := loop.New()
	r := &Registry{
		cfg:      cfg,
		deps:     deps,
		loop:     l,
		log:      log.With().Str("module", "app.registry").Logger(),
		legs:     make(map[legKey]*leg),
		active:   make(map[domain.UserID]*leg),
		ended:    expirable.NewLRU[legKey, domain.Session](cfg.RetainMax, nil, cfg.RetainEnded),
		finished: finished,
		subs:     make(map[domain.UserID]map[*subscriber]struct{}),
		online:   make(map[domain.UserID]bool),
		conns:    make(map[domain.UserID]int),
	}
	r.sig = signaling.New(deps.Channel, signaling.Options{
		Post:   l.Post,
		Logger: r.log,
		OnDrop: deps.Metrics.SignalingDropped,
	})
	go l.Run(context.Background())
	r.stopSignal = r.sig.Start(signaling.RouterFunc(r.route))
	return r
}

// call runs fn on the loop. If ctx ends first fn may still run later.
func (r *Registry) call(ctx context.Context, fn func() error) error {
	var err error
	if derr := r.loop.Do(ctx, func() { err = fn() }); derr != nil {
		return derr
	}
	return err
}

// Connect marks local reachable until the matching Disconnect. Connections
// are counted, so one user may hold several.
func (r *Registry) Connect(ctx context.Context, local domain.UserID) error {
	return r.call(ctx, func() error {
		if r.closed {
			return errs.ErrClosed
		}
		if err := r.join(local); err != nil {
			return err
		}
		r.conns[local]++
		return nil
	})
}

// Disconnect drops one connection of local. When the last one goes the user
// is offline: inbound offers are rejected as remoteUnavailable and the
// channel route is released once no live session needs it.
func (r *Registry) Disconnect(ctx context.Context, local domain.UserID) error {
	return r.call(ctx, func() error {
		if r.closed {
			return errs.ErrClosed
		}
		n, ok := r.conns[local]
		if !ok {
			return nil
		}
		if n > 1 {
			r.conns[local] = n - 1
			return nil
		}
		delete(r.conns, local)
		delete(r.online, local)
		r.log.Info().Str("user", string(local)).Msg("user offline")
		r.leaveIfIdle(local)
		return nil
	})
}

// leaveIfIdle releases the channel route of an offline user without legs.
func (r *Registry) leaveIfIdle(user domain.UserID) {
	if r.online[user] {
		return
	}
	for key := range r.legs {
		if key.user == user {
			return
		}
	}
	if err := r.sig.Leave(user); err != nil {
		r.log.Warn().Err(err).Str("user", string(user)).Msg("leave channel")
	}
}

func (r *Registry) join(user domain.UserID) error {
	if r.online[user] {
		return nil
	}
	if err := r.sig.Join(user); err != nil {
		return fmt.Errorf("join %s: %w", user, err)
	}
	r.online[user] = true
	r.log.Info().Str("user", string(user)).Msg("user online")
	return nil
}

func (r *Registry) StartCall(ctx context.Context, local, remote domain.UserID, kind domain.Kind) (domain.Session, error) {
	var snap domain.Session
	err := r.call(ctx, func() error {
		if r.closed {
			return errs.ErrClosed
		}
		if local == remote {
			return errs.ErrSelfCall
		}
		if _, err := domain.ParseKind(string(kind)); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrInvalidKind, err)
		}
		if cur, busy := r.active[local]; busy {
			return fmt.Errorf("%w: session %s is %s", errs.ErrAlreadyInCall, cur.key.sid, cur.machine.Phase())
		}
		if err := r.join(local); err != nil {
			return err
		}

		l := r.newLeg(domain.Session{
			ID:           domain.NewSessionID(),
			LocalUserID:  local,
			RemoteUserID: remote,
			Kind:         kind,
			Direction:    domain.DirectionOutbound,
		})
		if kind == domain.KindChat {
			r.mustFire(l, session.EventOpen, domain.ReasonNone)
			if err := r.send(l, core.MsgOffer, nil); err != nil {
				r.fail(l, err)
			}
		} else {
			r.mustFire(l, session.EventDial, domain.ReasonNone)
			r.dial(l)
		}
		snap = l.machine.Snapshot()
		return nil
	})
	return snap, err
}

// dial acquires local media, then offers.
func (r *Registry) dial(l *leg) {
	l.media.Acquire(mediaRequest(l.machine.Snapshot().Kind), func(err error) {
		if err != nil {
			r.fail(l, err)
			return
		}
		if err := l.peer.Attach(l.media.Tracks()...); err != nil {
			r.fail(l, err)
			return
		}
		if err := l.peer.Offer(); err != nil {
			r.fail(l, err)
		}
	})
}

// HandleIncoming registers an inbound session offered by remote. A busy local
// user answers with a remoteUnavailable hangup and ErrAlreadyInCall.
func (r *Registry) HandleIncoming(ctx context.Context, sid domain.SessionID, remote, local domain.UserID, kind domain.Kind, offer *webrtc.SessionDescription) (domain.Session, error) {
	var snap domain.Session
	err := r.call(ctx, func() error {
		if r.closed {
			return errs.ErrClosed
		}
		l, err := r.handleIncoming(sid, remote, local, kind, offer)
		if err != nil {
			return err
		}
		snap = l.machine.Snapshot()
		return nil
	})
	return snap, err
}

func (r *Registry) handleIncoming(sid domain.SessionID, remote, local domain.UserID, kind domain.Kind, offer *webrtc.SessionDescription) (*leg, error) {
	if local == remote {
		return nil, errs.ErrSelfCall
	}
	if _, err := domain.ParseKind(string(kind)); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidKind, err)
	}
	if kind.UsesMedia() && offer == nil {
		return nil, fmt.Errorf("%w: %s offer without description", errs.ErrSignalingDeliveryDropped, kind)
	}
	if cur, busy := r.active[local]; busy {
		r.log.Info().
			Str("sid", string(sid)).
			Str("user", string(local)).
			Str("from", string(remote)).
			Str("current", string(cur.key.sid)).
			Msg("busy, rejecting incoming call")
		r.reject(sid, local, remote)
		return nil, fmt.Errorf("%w: session %s is %s", errs.ErrAlreadyInCall, cur.key.sid, cur.machine.Phase())
	}

	l := r.newLeg(domain.Session{
		ID:           sid,
		LocalUserID:  local,
		RemoteUserID: remote,
		Kind:         kind,
		Direction:    domain.DirectionInbound,
	})
	if kind == domain.KindChat {
		r.mustFire(l, session.EventOpen, domain.ReasonNone)
	} else {
		l.offer = offer
		r.mustFire(l, session.EventRing, domain.ReasonNone)
	}
	return l, nil
}

// reject answers an offer that never got a leg.
func (r *Registry) reject(sid domain.SessionID, local, remote domain.UserID) {
	env := core.Envelope{SessionID: sid, From: local, To: remote, Type: core.MsgHangup}
	_ = r.sig.Send(env, core.HangupPayload{Reason: domain.ReasonRemoteUnavailable})
	r.sig.Forget(sid, local)
}

func (r *Registry) Accept(ctx context.Context, local domain.UserID, sid domain.SessionID) (domain.Session, error) {
	var snap domain.Session
	err := r.call(ctx, func() error {
		l, err := r.lookup(local, sid)
		if err != nil {
			return err
		}
		if l.machine.Snapshot().Direction != domain.DirectionInbound {
			return fmt.Errorf("%w: cannot accept an outbound session", errs.ErrInvalidTransition)
		}
		if err := l.machine.Fire(session.EventAccept, domain.ReasonNone); err != nil {
			return err
		}
		l.media.Acquire(mediaRequest(l.machine.Snapshot().Kind), func(err error) {
			if err != nil {
				r.fail(l, err)
				return
			}
			if err := l.peer.Attach(l.media.Tracks()...); err != nil {
				r.fail(l, err)
				return
			}
			offer := l.offer
			l.offer = nil
			if offer == nil {
				r.fail(l, fmt.Errorf("%w: no pending offer", errs.ErrNegotiationFailed))
				return
			}
			if err := l.peer.HandleOffer(*offer); err != nil {
				r.fail(l, err)
			}
		})
		snap = l.machine.Snapshot()
		return nil
	})
	return snap, err
}

func (r *Registry) Decline(ctx context.Context, local domain.UserID, sid domain.SessionID) error {
	return r.call(ctx, func() error {
		l, err := r.lookup(local, sid)
		if err != nil {
			return err
		}
		return l.machine.Fire(session.EventDecline, domain.ReasonLocalHangup)
	})
}

// EndCall routes a hangup into the session. The entry is evicted by the
// terminal phase change, not here, so simultaneous hangups tear down once.
func (r *Registry) EndCall(ctx context.Context, local domain.UserID, sid domain.SessionID, reason domain.EndReason) error {
	if reason == domain.ReasonNone {
		reason = domain.ReasonLocalHangup
	}
	if _, ok := domain.ParseEndReason(string(reason)); !ok {
		return fmt.Errorf("%w: unknown end reason %q", errs.ErrInvalidTransition, reason)
	}
	return r.call(ctx, func() error {
		l, err := r.lookup(local, sid)
		if err != nil {
			return err
		}
		return r.end(l, reason)
	})
}

func (r *Registry) end(l *leg, reason domain.EndReason) error {
	switch l.machine.Phase() {
	case domain.PhaseActive:
		return l.machine.Fire(session.EventHangup, reason)
	case domain.PhaseRinging:
		return l.machine.Fire(session.EventDecline, reason)
	default:
		return l.machine.Fire(session.EventFail, reason)
	}
}

func (r *Registry) SetTrackEnabled(ctx context.Context, local domain.UserID, sid domain.SessionID, kind domain.TrackKind, enabled bool) (core.MediaState, error) {
	var st core.MediaState
	err := r.call(ctx, func() error {
		l, err := r.lookup(local, sid)
		if err != nil {
			return err
		}
		if l.media == nil {
			return fmt.Errorf("%w: chat sessions carry no media", errs.ErrInvalidTransition)
		}
		switch l.machine.Phase() {
		case domain.PhaseDialing, domain.PhaseConnecting, domain.PhaseActive:
		default:
			return fmt.Errorf("%w: no media while %s", errs.ErrInvalidTransition, l.machine.Phase())
		}
		if err := l.media.SetTrackEnabled(kind, enabled); err != nil {
			return err
		}
		st = l.media.State()
		return nil
	})
	return st, err
}

func (r *Registry) SendChat(ctx context.Context, local domain.UserID, sid domain.SessionID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxChatLen {
		return fmt.Errorf("%w: length must be 1..%d", errs.ErrInvalidMessage, maxChatLen)
	}
	return r.call(ctx, func() error {
		l, err := r.lookup(local, sid)
		if err != nil {
			return err
		}
		if l.machine.Phase() != domain.PhaseActive {
			return fmt.Errorf("%w: chat needs an active session", errs.ErrInvalidTransition)
		}
		_ = r.send(l, core.MsgChat, core.ChatPayload{Text: text})
		return nil
	})
}

func (r *Registry) Session(ctx context.Context, local domain.UserID, sid domain.SessionID) (domain.Session, error) {
	var snap domain.Session
	err := r.call(ctx, func() error {
		key := legKey{sid, local}
		if l, ok := r.legs[key]; ok {
			snap = l.machine.Snapshot()
			return nil
		}
		if s, ok := r.ended.Get(key); ok {
			snap = s
			return nil
		}
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, sid)
	})
	return snap, err
}

func (r *Registry) Active(ctx context.Context, local domain.UserID) (domain.Session, bool, error) {
	var (
		snap domain.Session
		ok   bool
	)
	err := r.call(ctx, func() error {
		if l, found := r.active[local]; found {
			snap, ok = l.machine.Snapshot(), true
		}
		return nil
	})
	return snap, ok, err
}

func (r *Registry) MediaState(ctx context.Context, local domain.UserID, sid domain.SessionID) (core.MediaState, error) {
	st := core.MediaState{Local: []core.TrackState{}, Remote: []core.RemoteTrack{}}
	err := r.call(ctx, func() error {
		key := legKey{sid, local}
		if l, ok := r.legs[key]; ok {
			if l.media != nil {
				st = l.media.State()
			}
			return nil
		}
		if _, ok := r.ended.Peek(key); ok {
			return nil
		}
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, sid)
	})
	return st, err
}

func (r *Registry) History(ctx context.Context, local domain.UserID, limit int) ([]domain.Session, error) {
	return r.deps.Store.ListByUser(ctx, local, limit)
}

// Subscribe streams notifications for every session of local. The channel is
// closed by cancel, by Close, or when the policy disconnects a slow reader.
func (r *Registry) Subscribe(ctx context.Context, local domain.UserID) (<-chan core.Notification, func(), error) {
	sub := &subscriber{ch: make(chan core.Notification, r.cfg.SubscriberBuffer)}
	err := r.call(ctx, func() error {
		if r.closed {
			return errs.ErrClosed
		}
		set, ok := r.subs[local]
		if !ok {
			set = make(map[*subscriber]struct{})
			r.subs[local] = set
		}
		set[sub] = struct{}{}
		r.deps.Metrics.SubscriberAdded()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.loop.Post(func() { r.removeSub(local, sub) })
		})
	}
	return sub.ch, cancel, nil
}

// Close hangs up every live leg, disconnects subscribers and stops the loop.
func (r *Registry) Close(ctx context.Context) error {
	err := r.call(ctx, func() error {
		if r.closed {
			return nil
		}
		r.closed = true
		legs := make([]*leg, 0, len(r.legs))
		for _, l := range r.legs {
			legs = append(legs, l)
		}
		for _, l := range legs {
			if err := r.end(l, domain.ReasonLocalHangup); err != nil {
				r.log.Warn().Err(err).Str("sid", string(l.key.sid)).Msg("hangup on close")
			}
		}
		for user, set := range r.subs {
			for sub := range set {
				r.removeSub(user, sub)
			}
		}
		r.log.Info().Int("legs", len(legs)).Msg("registry closed")
		return nil
	})
	if errors.Is(err, errs.ErrClosed) {
		err = nil
	}
	r.stopSignal()
	r.loop.Stop()
	r.saves.Wait()
	return err
}

func (r *Registry) lookup(local domain.UserID, sid domain.SessionID) (*leg, error) {
	key := legKey{sid, local}
	if l, ok := r.legs[key]; ok {
		return l, nil
	}
	if s, ok := r.ended.Peek(key); ok {
		return nil, fmt.Errorf("%w: session already %s", errs.ErrInvalidTransition, s.Phase)
	}
	return nil, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, sid)
}

func (r *Registry) newLeg(s domain.Session) *leg {
	s.StartedAt = r.deps.Clock.Now()
	key := legKey{s.ID, s.LocalUserID}
	l := &leg{key: key}
	legLog := r.log.With().Str("sid", string(s.ID)).Str("user", string(s.LocalUserID)).Logger()

	l.machine = session.New(s, session.Options{
		Clock:       r.deps.Clock,
		RingTimeout: r.cfg.RingTimeout,
		Post:        r.loop.Post,
		Logger:      legLog,
	})
	if s.Kind.UsesMedia() {
		l.media = media.New(s.ID, media.Options{
			Provider: r.deps.Devices,
			Post:     r.loop.Post,
			Logger:   legLog,
		})
		l.peer = peer.New(core.PeerParams{SessionID: s.ID, LocalUserID: s.LocalUserID, Kind: s.Kind}, peer.Options{
			Factory:     r.deps.Peers,
			Clock:       r.deps.Clock,
			GracePeriod: r.cfg.GracePeriod,
			Post:        r.loop.Post,
			Send: func(t core.MessageType, payload any) error {
				return r.send(l, t, payload)
			},
			Logger: legLog,
		})
		l.media.OnAttach(l.peer.AddTrack)
		l.media.OnChange(func() {
			st := l.media.State()
			r.notify(s.LocalUserID, core.Notification{Type: core.NotifyMedia, Session: l.machine.Snapshot(), Media: &st})
		})
		l.peer.OnRemoteTrack(l.media.AddRemote)
		l.peer.OnConnected(func() {
			if l.machine.Can(session.EventConnected) {
				r.mustFire(l, session.EventConnected, domain.ReasonNone)
			}
		})
		l.peer.OnFailed(func(err error) { r.fail(l, err) })
	}
	l.machine.Observe(func(c session.Change) { r.onChange(l, c) })

	r.legs[key] = l
	r.active[s.LocalUserID] = l
	r.deps.Metrics.CallStarted(s)
	legLog.Info().
		Str("remote", string(s.RemoteUserID)).
		Str("kind", string(s.Kind)).
		Str("direction", string(s.Direction)).
		Msg("session created")
	return l
}

func (r *Registry) onChange(l *leg, c session.Change) {
	r.deps.Metrics.Transition(c.From, c.Session.Phase)
	if c.Session.Phase.IsTerminal() {
		r.teardown(l, c.Session)
	}
	n := core.Notification{Type: core.NotifyPhase, Session: c.Session, From: c.From}
	if c.Session.Phase.IsTerminal() {
		n.Message = c.Session.EndReason.Describe()
		n.Category = c.Session.EndReason.Category()
	}
	r.notify(c.Session.LocalUserID, n)
}

// teardown is the single exit path of a leg; a terminal phase is reached only
// once, so it runs once.
func (r *Registry) teardown(l *leg, s domain.Session) {
	if l.media != nil {
		l.media.Release()
	}
	if l.peer != nil {
		l.peer.Teardown()
	}
	if !l.remoteEnded {
		_ = r.send(l, core.MsgHangup, core.HangupPayload{Reason: s.EndReason})
	}
	r.sig.Forget(l.key.sid, l.key.user)

	delete(r.legs, l.key)
	if r.active[l.key.user] == l {
		delete(r.active, l.key.user)
	}
	r.ended.Add(l.key, s)
	r.finished.Add(l.key, struct{}{})
	r.deps.Metrics.CallEnded(s)
	r.leaveIfIdle(l.key.user)

	r.log.Info().
		Str("sid", string(s.ID)).
		Str("user", string(s.LocalUserID)).
		Str("phase", string(s.Phase)).
		Str("reason", string(s.EndReason)).
		Dur("duration", s.Duration()).
		Msg("session finished")

	r.saves.Add(1)
	go func() {
		defer r.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := r.deps.Store.Save(ctx, s); err != nil {
			r.log.Error().Err(err).Str("sid", string(s.ID)).Msg("save call log")
		}
	}()
}

// fail converts a terminal-outcome error into a failed phase.
func (r *Registry) fail(l *leg, err error) {
	reason, ok := errs.EndReasonOf(err)
	if !ok {
		reason = domain.ReasonNegotiationFailed
	}
	if !l.machine.Can(session.EventFail) {
		return
	}
	r.log.Warn().Err(err).
		Str("sid", string(l.key.sid)).
		Str("user", string(l.key.user)).
		Str("reason", string(reason)).
		Msg("session failed")
	r.mustFire(l, session.EventFail, reason)
}

// mustFire is for transitions the caller has already proven legal.
func (r *Registry) mustFire(l *leg, ev session.Event, reason domain.EndReason) {
	if err := l.machine.Fire(ev, reason); err != nil {
		r.log.Error().Err(err).Str("sid", string(l.key.sid)).Str("event", string(ev)).Msg("transition rejected")
	}
}

func (r *Registry) send(l *leg, t core.MessageType, payload any) error {
	s := l.machine.Snapshot()
	env := core.Envelope{SessionID: s.ID, From: s.LocalUserID, To: s.RemoteUserID, Type: t}
	if t == core.MsgOffer {
		env.Kind = s.Kind
	}
	return r.sig.Send(env, payload)
}

func (r *Registry) notify(user domain.UserID, n core.Notification) {
	for sub := range r.subs[user] {
		select {
		case sub.ch <- n:
			continue
		default:
		}
		switch r.deps.Policy.OnBackPressure(user, n) {
		case DisconnectSubscriber:
			r.log.Warn().Str("user", string(user)).Msg("slow subscriber disconnected")
			r.removeSub(user, sub)
		case DropNotification:
			r.log.Debug().Str("user", string(user)).Str("type", string(n.Type)).Msg("notification dropped")
		}
	}
}

func (r *Registry) removeSub(user domain.UserID, sub *subscriber) {
	set := r.subs[user]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.subs, user)
	}
	close(sub.ch)
	r.deps.Metrics.SubscriberRemoved()
}

func mediaRequest(kind domain.Kind) core.MediaRequest {
	return core.MediaRequest{Audio: kind.UsesMedia(), Video: kind == domain.KindVideo}
}

// route handles one inbound envelope on the loop.
func (r *Registry) route(env core.Envelope) error {
	if r.closed {
		return fmt.Errorf("%w: registry closed", errs.ErrSignalingDeliveryDropped)
	}
	key := legKey{env.SessionID, env.To}
	l, ok := r.legs[key]
	if !ok {
		if r.finished.Contains(key) {
			return fmt.Errorf("%w: %s for finished session", errs.ErrSignalingDeliveryDropped, env.Type)
		}
		if env.Type != core.MsgOffer {
			return fmt.Errorf("%w: %s for %s", errs.ErrSessionNotFound, env.Type, env.SessionID)
		}
		return r.routeIncoming(env)
	}
	if env.From != l.machine.Snapshot().RemoteUserID {
		return fmt.Errorf("%w: %s from unexpected sender %s", errs.ErrSignalingDeliveryDropped, env.Type, env.From)
	}
	if env.Type != core.MsgHangup {
		l.heard = true
	}

	switch env.Type {
	case core.MsgOffer:
		return r.routeOffer(l, env)
	case core.MsgAnswer:
		return r.routeAnswer(l, env)
	case core.MsgCandidate:
		if l.peer == nil {
			return fmt.Errorf("%w: candidate for chat session", errs.ErrSignalingDeliveryDropped)
		}
		var ci webrtc.ICECandidateInit
		if err := signaling.Decode(env, &ci); err != nil {
			return err
		}
		return l.peer.HandleCandidate(ci)
	case core.MsgHangup:
		var p core.HangupPayload
		if len(env.Payload) > 0 {
			if err := signaling.Decode(env, &p); err != nil {
				return err
			}
		}
		r.remoteHangup(l, p.Reason)
		return nil
	case core.MsgChat:
		if l.machine.Phase() != domain.PhaseActive {
			return fmt.Errorf("%w: chat while %s", errs.ErrSignalingDeliveryDropped, l.machine.Phase())
		}
		var p core.ChatPayload
		if err := signaling.Decode(env, &p); err != nil {
			return err
		}
		r.notify(l.key.user, core.Notification{
			Type:    core.NotifyChat,
			Session: l.machine.Snapshot(),
			Chat:    &core.ChatMessage{From: env.From, Text: p.Text, SentAt: r.deps.Clock.Now()},
		})
		return nil
	}
	return fmt.Errorf("%w: unknown message type %q", errs.ErrSignalingDeliveryDropped, env.Type)
}

func (r *Registry) routeIncoming(env core.Envelope) error {
	if !r.online[env.To] {
		r.log.Info().
			Str("sid", string(env.SessionID)).
			Str("user", string(env.To)).
			Str("from", string(env.From)).
			Msg("offline, rejecting incoming call")
		r.reject(env.SessionID, env.To, env.From)
		return nil
	}
	var offer *webrtc.SessionDescription
	if env.Kind.UsesMedia() {
		var sd webrtc.SessionDescription
		if err := signaling.Decode(env, &sd); err != nil {
			return err
		}
		offer = &sd
	}
	_, err := r.handleIncoming(env.SessionID, env.From, env.To, env.Kind, offer)
	if errors.Is(err, errs.ErrAlreadyInCall) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrSignalingDeliveryDropped, err)
	}
	return nil
}

func (r *Registry) routeOffer(l *leg, env core.Envelope) error {
	if l.peer == nil {
		return fmt.Errorf("%w: repeated chat offer", errs.ErrSignalingDeliveryDropped)
	}
	var sd webrtc.SessionDescription
	if err := signaling.Decode(env, &sd); err != nil {
		return err
	}
	switch l.machine.Phase() {
	case domain.PhaseRinging:
		l.offer = &sd
		return nil
	case domain.PhaseConnecting, domain.PhaseActive:
		if l.offer != nil {
			// accept has not applied the first offer yet
			l.offer = &sd
			return nil
		}
		if err := l.peer.HandleOffer(sd); err != nil {
			r.fail(l, err)
		}
		return nil
	}
	return fmt.Errorf("%w: offer while %s", errs.ErrSignalingDeliveryDropped, l.machine.Phase())
}

func (r *Registry) routeAnswer(l *leg, env core.Envelope) error {
	if l.peer == nil {
		return fmt.Errorf("%w: answer for chat session", errs.ErrSignalingDeliveryDropped)
	}
	var sd webrtc.SessionDescription
	if err := signaling.Decode(env, &sd); err != nil {
		return err
	}
	switch l.machine.Phase() {
	case domain.PhaseDialing:
		if err := l.machine.Fire(session.EventRemoteAccept, domain.ReasonNone); err != nil {
			return err
		}
	case domain.PhaseConnecting, domain.PhaseActive:
	default:
		return fmt.Errorf("%w: answer while %s", errs.ErrSignalingDeliveryDropped, l.machine.Phase())
	}
	if err := l.peer.HandleAnswer(sd); err != nil {
		r.fail(l, err)
	}
	return nil
}

// remoteHangup ends l because the other leg left. The reason the remote
// recorded decides how the local side reads it.
func (r *Registry) remoteHangup(l *leg, remote domain.EndReason) {
	l.remoteEnded = true
	var err error
	switch l.machine.Phase() {
	case domain.PhaseActive:
		if remote == domain.ReasonRemoteUnavailable && !l.heard {
			// a chat opens before the callee answers; this is a rejection
			err = l.machine.Fire(session.EventFail, domain.ReasonRemoteUnavailable)
			break
		}
		err = l.machine.Fire(session.EventHangup, domain.ReasonRemoteHangup)
	case domain.PhaseRinging:
		err = l.machine.Fire(session.EventDecline, domain.ReasonRemoteHangup)
	case domain.PhaseDialing:
		err = l.machine.Fire(session.EventFail, domain.ReasonRemoteUnavailable)
	case domain.PhaseConnecting:
		reason := domain.ReasonRemoteHangup
		if remote == domain.ReasonMediaDenied || remote == domain.ReasonNegotiationFailed {
			reason = remote
		}
		err = l.machine.Fire(session.EventFail, reason)
	default:
		err = l.machine.Fire(session.EventFail, domain.ReasonRemoteHangup)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("sid", string(l.key.sid)).Msg("remote hangup")
	}
}
