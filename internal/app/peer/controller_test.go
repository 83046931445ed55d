package peer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/telecall/internal/adapters/devices"
	"github.com/dkeye/telecall/internal/adapters/rtc/rtctest"
	"github.com/dkeye/telecall/internal/app/loop"
	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
)

type sent struct {
	typ     core.MessageType
	payload any
}

type harness struct {
	loop    *loop.Loop
	clock   *clock.Mock
	factory *rtctest.Factory
	ctrl    *Controller
	params  core.PeerParams

	sent      []sent
	connected int
	failed    []error
	remote    []core.RemoteTrack
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := loop.New()
	go l.Run(context.Background())
	t.Cleanup(l.Stop)

	h := &harness{
		loop:    l,
		clock:   clock.NewMock(),
		factory: rtctest.NewFactory(),
		params:  core.PeerParams{SessionID: "sid-1", LocalUserID: "alice", Kind: domain.KindVideo},
	}
	h.ctrl = New(h.params, Options{
		Factory: h.factory,
		Clock:   h.clock,
		Post:    l.Post,
		Send: func(typ core.MessageType, payload any) error {
			h.sent = append(h.sent, sent{typ, payload})
			return nil
		},
		Logger: zerolog.Nop(),
	})
	h.ctrl.OnConnected(func() { h.connected++ })
	h.ctrl.OnFailed(func(err error) { h.failed = append(h.failed, err) })
	h.ctrl.OnRemoteTrack(func(rt core.RemoteTrack) { h.remote = append(h.remote, rt) })
	return h
}

func (h *harness) do(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, h.loop.Do(context.Background(), fn))
}

func (h *harness) fake() *rtctest.Peer {
	return h.factory.Peer(h.params.SessionID, h.params.LocalUserID)
}

func (h *harness) sentTypes(t *testing.T) []core.MessageType {
	var out []core.MessageType
	h.do(t, func() {
		for _, s := range h.sent {
			out = append(out, s.typ)
		}
	})
	return out
}

func candidate(s string) webrtc.ICECandidateInit {
	mid := "0"
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid}
}

func TestController_OfferAnswer(t *testing.T) {
	h := newHarness(t)

	tracks, err := devices.NewFakeProvider().RequestMedia(context.Background(), core.MediaRequest{Audio: true, Video: true})
	require.NoError(t, err)

	h.do(t, func() {
		assert.NoError(t, h.ctrl.Attach(tracks...))
		assert.NoError(t, h.ctrl.Offer())
	})
	require.NotNil(t, h.fake())
	assert.Len(t, h.fake().Tracks(), 2)

	// the local candidate gathered for the offer is trickled after it
	require.Eventually(t, func() bool {
		types := h.sentTypes(t)
		return len(types) == 2 && types[0] == core.MsgOffer && types[1] == core.MsgCandidate
	}, time.Second, 5*time.Millisecond)

	h.do(t, func() {
		assert.NoError(t, h.ctrl.HandleAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}))
	})
	assert.Equal(t, "answer", h.fake().RemoteDescription().SDP)
}

func TestController_AnswerOffer(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() {
		assert.NoError(t, h.ctrl.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))
	})

	types := h.sentTypes(t)
	require.NotEmpty(t, types)
	assert.Equal(t, core.MsgAnswer, types[0])
	assert.Equal(t, 1, h.fake().Answers())
}

func TestController_CandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() {
		assert.NoError(t, h.ctrl.HandleCandidate(candidate("c1")))
		assert.NoError(t, h.ctrl.HandleCandidate(candidate("c2")))
		assert.NoError(t, h.ctrl.HandleCandidate(candidate("c1")))
	})
	assert.Nil(t, h.fake(), "no connection needed to buffer")

	h.do(t, func() {
		assert.NoError(t, h.ctrl.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))
		assert.NoError(t, h.ctrl.HandleCandidate(candidate("c3")))
		assert.NoError(t, h.ctrl.HandleCandidate(candidate("c2")))
	})

	var got []string
	for _, c := range h.fake().RemoteCandidates() {
		got = append(got, c.Candidate)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, got)
}

func TestController_ConnectedOnce(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() { assert.NoError(t, h.ctrl.Offer()) })

	p := h.fake()
	p.SetConnectionState(webrtc.PeerConnectionStateConnecting)
	p.SetConnectionState(webrtc.PeerConnectionStateConnected)
	p.SetConnectionState(webrtc.PeerConnectionStateConnected)

	require.Eventually(t, func() bool {
		var n int
		h.do(t, func() { n = h.connected })
		return n == 1
	}, time.Second, 5*time.Millisecond)

	h.do(t, func() { assert.True(t, h.ctrl.Connected()) })
}

func TestController_GracePeriod(t *testing.T) {
	t.Run("recovers in time", func(t *testing.T) {
		h := newHarness(t)
		h.do(t, func() { assert.NoError(t, h.ctrl.Offer()) })
		p := h.fake()
		p.SetConnectionState(webrtc.PeerConnectionStateConnected)
		p.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
		h.do(t, func() {})

		h.clock.Add(DefaultGracePeriod / 2)
		p.SetConnectionState(webrtc.PeerConnectionStateConnected)
		h.do(t, func() {})
		h.clock.Add(DefaultGracePeriod)

		assert.Never(t, func() bool {
			var n int
			h.do(t, func() { n = len(h.failed) })
			return n > 0
		}, 50*time.Millisecond, 5*time.Millisecond)
	})

	t.Run("fails after grace", func(t *testing.T) {
		h := newHarness(t)
		h.do(t, func() { assert.NoError(t, h.ctrl.Offer()) })
		h.fake().SetConnectionState(webrtc.PeerConnectionStateFailed)
		h.do(t, func() {})

		h.clock.Add(DefaultGracePeriod)
		require.Eventually(t, func() bool {
			var n int
			h.do(t, func() { n = len(h.failed) })
			return n == 1
		}, time.Second, 5*time.Millisecond)
		h.do(t, func() { assert.ErrorIs(t, h.failed[0], errs.ErrNegotiationFailed) })
	})
}

func TestController_Teardown(t *testing.T) {
	h := newHarness(t)
	h.do(t, func() {
		assert.NoError(t, h.ctrl.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))
	})
	p := h.fake()
	before := len(h.sentTypes(t))

	h.do(t, func() {
		h.ctrl.Teardown()
		h.ctrl.Teardown()
		assert.NoError(t, h.ctrl.HandleCandidate(candidate("late")))
	})
	assert.Equal(t, 1, p.CloseCount())
	assert.Empty(t, p.RemoteCandidates())

	p.EmitCandidate(candidate("local-late"))
	p.SetConnectionState(webrtc.PeerConnectionStateConnected)
	p.EmitTrack(core.RemoteTrack{ID: "r1", Kind: domain.TrackAudio})
	h.do(t, func() {})
	h.do(t, func() {
		assert.Len(t, h.sent, before)
		assert.Zero(t, h.connected)
		assert.Empty(t, h.remote)
		assert.ErrorIs(t, h.ctrl.Offer(), errs.ErrNegotiationFailed)
	})
}

func TestController_FactoryFailure(t *testing.T) {
	h := newHarness(t)
	h.factory.FailNext(errors.New("no ice agent"))
	h.do(t, func() { assert.ErrorIs(t, h.ctrl.Offer(), errs.ErrNegotiationFailed) })
}

func TestController_RenegotiatesLateTrack(t *testing.T) {
	h := newHarness(t)
	tracks, err := devices.NewFakeProvider().RequestMedia(context.Background(), core.MediaRequest{Video: true})
	require.NoError(t, err)

	h.do(t, func() {
		assert.NoError(t, h.ctrl.AddTrack(tracks[0]))
	})
	assert.Equal(t, 0, h.fake().Offers(), "nothing negotiated yet")

	h.do(t, func() {
		assert.NoError(t, h.ctrl.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}))
		assert.NoError(t, h.ctrl.AddTrack(tracks[0]))
	})
	assert.Equal(t, 1, h.fake().Offers())
}
