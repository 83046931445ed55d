// Package peer negotiates the single peer connection of one session leg.
package peer

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/errs"
)

const DefaultGracePeriod = 10 * time.Second

type Options struct {
	Factory     core.PeerFactory
	Clock       clock.Clock
	GracePeriod time.Duration
	// Post hands connection callbacks back to the call loop.
	Post func(func()) bool
	// Send transmits a signaling payload to the remote leg.
	Send   func(t core.MessageType, payload any) error
	Logger zerolog.Logger
}

// Controller is confined to the call loop. Callbacks from the underlying
// connection are re-posted onto the loop before they touch any state.
type Controller struct {
	params core.PeerParams
	opts   Options
	log    zerolog.Logger

	pc         core.PeerConnection
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	seen       map[string]struct{}
	connected  bool
	closed     bool
	graceTimer *clock.Timer
	graceGen   uint64

	onConnected   func()
	onFailed      func(error)
	onRemoteTrack func(core.RemoteTrack)
}

func New(params core.PeerParams, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Controller{
		params: params,
		opts:   opts,
		log: opts.Logger.With().
			Str("module", "app.peer").
			Str("sid", string(params.SessionID)).
			Str("user", string(params.LocalUserID)).
			Logger(),
		seen: make(map[string]struct{}),
	}
}

// OnConnected fires once, the first time the transport reports connected.
func (c *Controller) OnConnected(fn func()) { c.onConnected = fn }

// OnFailed fires when the transport stays disconnected or failed for longer
// than the grace period.
func (c *Controller) OnFailed(fn func(error)) { c.onFailed = fn }

func (c *Controller) OnRemoteTrack(fn func(core.RemoteTrack)) { c.onRemoteTrack = fn }

func (c *Controller) Connected() bool { return c.connected }

func (c *Controller) ensure() (core.PeerConnection, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: peer connection closed", errs.ErrNegotiationFailed)
	}
	if c.pc != nil {
		return c.pc, nil
	}
	pc, err := c.opts.Factory.NewPeer(c.params)
	if err != nil {
		return nil, fmt.Errorf("%w: create peer connection: %v", errs.ErrNegotiationFailed, err)
	}
	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		c.opts.Post(func() { c.sendCandidate(ci) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.opts.Post(func() { c.handleState(s) })
	})
	pc.OnTrack(func(rt core.RemoteTrack) {
		c.opts.Post(func() {
			if c.closed {
				return
			}
			c.log.Info().Str("track", rt.ID).Str("kind", string(rt.Kind)).Msg("remote track")
			if c.onRemoteTrack != nil {
				c.onRemoteTrack(rt)
			}
		})
	})
	c.pc = pc
	return pc, nil
}

// Attach adds local tracks before the first offer or answer is created.
func (c *Controller) Attach(tracks ...core.LocalTrack) error {
	pc, err := c.ensure()
	if err != nil {
		return err
	}
	for _, t := range tracks {
		if err := pc.AddLocalTrack(t); err != nil {
			return fmt.Errorf("%w: attach %s track: %v", errs.ErrNegotiationFailed, t.Kind(), err)
		}
	}
	return nil
}

// AddTrack attaches a track to a connection that may already be negotiated;
// if so a fresh offer is sent.
func (c *Controller) AddTrack(t core.LocalTrack) error {
	if err := c.Attach(t); err != nil {
		return err
	}
	if !c.remoteSet {
		return nil
	}
	c.log.Info().Str("kind", string(t.Kind())).Msg("renegotiating for new track")
	return c.Offer()
}

// Offer creates a local offer and sends it. Send failures are returned as-is.
func (c *Controller) Offer() error {
	pc, err := c.ensure()
	if err != nil {
		return err
	}
	sd, err := pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", errs.ErrNegotiationFailed, err)
	}
	return c.opts.Send(core.MsgOffer, sd)
}

// HandleOffer applies a remote offer, initial or renegotiation, and answers it.
func (c *Controller) HandleOffer(sd webrtc.SessionDescription) error {
	pc, err := c.ensure()
	if err != nil {
		return err
	}
	answer, err := pc.ApplyOffer(sd)
	if err != nil {
		return fmt.Errorf("%w: apply offer: %v", errs.ErrNegotiationFailed, err)
	}
	c.remoteSet = true
	c.flushCandidates()
	if err := c.opts.Send(core.MsgAnswer, answer); err != nil {
		c.log.Warn().Err(err).Msg("send answer")
	}
	return nil
}

func (c *Controller) HandleAnswer(sd webrtc.SessionDescription) error {
	pc, err := c.ensure()
	if err != nil {
		return err
	}
	if err := pc.ApplyAnswer(sd); err != nil {
		return fmt.Errorf("%w: apply answer: %v", errs.ErrNegotiationFailed, err)
	}
	c.remoteSet = true
	c.flushCandidates()
	return nil
}

// HandleCandidate applies a trickled remote candidate. Candidates that arrive
// before the remote description are held back; duplicates and anything after
// teardown are ignored.
func (c *Controller) HandleCandidate(ci webrtc.ICECandidateInit) error {
	if c.closed {
		return nil
	}
	key := candidateKey(ci)
	if _, dup := c.seen[key]; dup {
		return nil
	}
	c.seen[key] = struct{}{}

	if !c.remoteSet {
		c.pending = append(c.pending, ci)
		return nil
	}
	if err := c.pc.AddICECandidate(ci); err != nil {
		// a single bad candidate is not fatal, ICE keeps trying the others
		c.log.Warn().Err(err).Msg("add ice candidate")
	}
	return nil
}

func (c *Controller) flushCandidates() {
	pending := c.pending
	c.pending = nil
	for _, ci := range pending {
		if err := c.pc.AddICECandidate(ci); err != nil {
			c.log.Warn().Err(err).Msg("add buffered ice candidate")
		}
	}
	if len(pending) > 0 {
		c.log.Debug().Int("count", len(pending)).Msg("flushed buffered candidates")
	}
}

func (c *Controller) sendCandidate(ci webrtc.ICECandidateInit) {
	if c.closed {
		return
	}
	if err := c.opts.Send(core.MsgCandidate, ci); err != nil {
		c.log.Debug().Err(err).Msg("send ice candidate")
	}
}

func (c *Controller) handleState(s webrtc.PeerConnectionState) {
	if c.closed {
		return
	}
	c.log.Debug().Str("state", s.String()).Msg("connection state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if c.graceTimer != nil {
			c.log.Info().Msg("connection recovered")
		}
		c.stopGrace()
		if !c.connected {
			c.connected = true
			if c.onConnected != nil {
				c.onConnected()
			}
		}
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		c.armGrace(s)
	}
}

func (c *Controller) armGrace(s webrtc.PeerConnectionState) {
	if c.graceTimer != nil {
		return
	}
	c.log.Warn().Str("state", s.String()).Dur("grace", c.opts.GracePeriod).Msg("connection lost, waiting for recovery")
	gen := c.graceGen
	c.graceTimer = c.opts.Clock.AfterFunc(c.opts.GracePeriod, func() {
		c.opts.Post(func() {
			if gen != c.graceGen || c.closed {
				return
			}
			c.graceTimer = nil
			if c.onFailed != nil {
				c.onFailed(fmt.Errorf("%w: connection %s for %s", errs.ErrNegotiationFailed, s, c.opts.GracePeriod))
			}
		})
	})
}

func (c *Controller) stopGrace() {
	c.graceGen++
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

// Teardown closes the connection. Safe to call more than once.
func (c *Controller) Teardown() {
	if c.closed {
		return
	}
	c.closed = true
	c.stopGrace()
	c.pending = nil
	if c.pc == nil {
		return
	}
	if err := c.pc.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close peer connection")
	}
	c.pc = nil
	c.log.Info().Msg("peer connection closed")
}

func candidateKey(ci webrtc.ICECandidateInit) string {
	key := ci.Candidate
	if ci.SDPMid != nil {
		key += "|" + *ci.SDPMid
	}
	if ci.SDPMLineIndex != nil {
		key += fmt.Sprintf("|%d", *ci.SDPMLineIndex)
	}
	return key
}
