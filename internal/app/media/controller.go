// Package media owns the local capture tracks of one session.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
)

type Options struct {
	Provider core.DeviceProvider
	// Post hands device completions back to the call loop.
	Post   func(func()) bool
	Logger zerolog.Logger
}

// Controller is confined to the call loop. Device requests run on their own
// goroutine and complete through Options.Post.
type Controller struct {
	sid      domain.SessionID
	provider core.DeviceProvider
	post     func(func()) bool
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	local    []core.LocalTrack
	remote   []core.RemoteTrack
	inflight map[domain.TrackKind]bool
	// desired holds the last requested enabled state per kind so that a
	// toggle made while a request is in flight applies to its tracks.
	desired  map[domain.TrackKind]bool
	released bool

	attach   func(core.LocalTrack) error
	onChange func()
}

func New(sid domain.SessionID, opts Options) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		sid:      sid,
		provider: opts.Provider,
		post:     opts.Post,
		log:      opts.Logger.With().Str("module", "app.media").Str("sid", string(sid)).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[domain.TrackKind]bool),
		desired:  make(map[domain.TrackKind]bool),
	}
}

// OnAttach sets the hook used to add lazily acquired tracks to the peer
// connection.
func (c *Controller) OnAttach(fn func(core.LocalTrack) error) { c.attach = fn }

// OnChange sets a callback fired whenever State() would return something new.
func (c *Controller) OnChange(fn func()) { c.onChange = fn }

// Acquire requests devices without blocking the loop. done runs on the loop
// with nil or an error wrapping ErrMediaAcquisitionDenied. If the controller
// is released before the devices arrive they are stopped at once and done is
// never called.
func (c *Controller) Acquire(req core.MediaRequest, done func(error)) {
	if c.released {
		return
	}
	if req.Audio {
		c.inflight[domain.TrackAudio] = true
	}
	if req.Video {
		c.inflight[domain.TrackVideo] = true
	}
	go c.request(req, func(tracks []core.LocalTrack, err error) {
		if req.Audio {
			delete(c.inflight, domain.TrackAudio)
		}
		if req.Video {
			delete(c.inflight, domain.TrackVideo)
		}
		if err == nil && len(tracks) == 0 {
			err = fmt.Errorf("%w: no devices", errs.ErrMediaAcquisitionDenied)
		}
		if err != nil {
			done(err)
			return
		}
		c.applyDesired(tracks)
		c.local = append(c.local, tracks...)
		c.log.Info().Int("tracks", len(tracks)).Msg("local media acquired")
		c.changed()
		done(nil)
	})
}

// SetTrackEnabled toggles an existing track in place. A missing track is
// acquired and attached when enabled is true; the result shows up through
// OnChange. Disabling a missing track only affects tracks still being
// requested.
func (c *Controller) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	if c.released {
		return fmt.Errorf("%w: media released", errs.ErrInvalidTransition)
	}
	c.desired[kind] = enabled
	found := false
	for _, t := range c.local {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
			found = true
		}
	}
	if found {
		c.log.Info().Str("kind", string(kind)).Bool("enabled", enabled).Msg("track toggled")
		c.changed()
		return nil
	}
	if !enabled || c.inflight[kind] {
		return nil
	}

	c.inflight[kind] = true
	req := core.MediaRequest{Audio: kind == domain.TrackAudio, Video: kind == domain.TrackVideo}
	go c.request(req, func(tracks []core.LocalTrack, err error) {
		delete(c.inflight, kind)
		if err != nil {
			c.log.Warn().Err(err).Str("kind", string(kind)).Msg("lazy track acquisition failed")
			return
		}
		c.applyDesired(tracks)
		for _, t := range tracks {
			c.local = append(c.local, t)
			if c.attach == nil {
				continue
			}
			if err := c.attach(t); err != nil {
				c.log.Error().Err(err).Str("track", t.ID()).Msg("attach lazy track")
			}
		}
		c.changed()
	})
	return nil
}

func (c *Controller) applyDesired(tracks []core.LocalTrack) {
	for _, t := range tracks {
		if want, ok := c.desired[t.Kind()]; ok {
			t.SetEnabled(want)
		}
	}
}

// request runs off the loop.
func (c *Controller) request(req core.MediaRequest, complete func([]core.LocalTrack, error)) {
	tracks, err := c.provider.RequestMedia(c.ctx, req)
	if err != nil && !errors.Is(err, errs.ErrMediaAcquisitionDenied) {
		err = fmt.Errorf("%w: %v", errs.ErrMediaAcquisitionDenied, err)
	}
	posted := c.post(func() {
		if c.released {
			stopAll(tracks, c.log)
			return
		}
		complete(tracks, err)
	})
	if !posted {
		stopAll(tracks, c.log)
	}
}

// Release stops every local track. Safe to call more than once.
func (c *Controller) Release() {
	if c.released {
		return
	}
	c.released = true
	c.cancel()
	n := len(c.local)
	stopAll(c.local, c.log)
	c.local = nil
	c.remote = nil
	if n > 0 {
		c.log.Info().Int("tracks", n).Msg("local media released")
	}
}

func (c *Controller) Released() bool { return c.released }

// Tracks returns the current local tracks.
func (c *Controller) Tracks() []core.LocalTrack {
	out := make([]core.LocalTrack, len(c.local))
	copy(out, c.local)
	return out
}

// AddRemote records a track received from the peer.
func (c *Controller) AddRemote(rt core.RemoteTrack) {
	if c.released {
		return
	}
	c.remote = append(c.remote, rt)
	c.changed()
}

func (c *Controller) State() core.MediaState {
	st := core.MediaState{
		Local:  make([]core.TrackState, 0, len(c.local)),
		Remote: make([]core.RemoteTrack, len(c.remote)),
	}
	for _, t := range c.local {
		st.Local = append(st.Local, core.TrackState{ID: t.ID(), Kind: t.Kind(), Enabled: t.Enabled()})
	}
	copy(st.Remote, c.remote)
	return st
}

func (c *Controller) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

func stopAll(tracks []core.LocalTrack, log zerolog.Logger) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			log.Warn().Err(err).Str("track", t.ID()).Msg("stop track")
		}
	}
}
