package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/telecall/internal/adapters/devices"
	"github.com/dkeye/telecall/internal/adapters/rtc/rtctest"
	"github.com/dkeye/telecall/internal/adapters/signal"
	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
	"github.com/dkeye/telecall/internal/errs"
)

const (
	doctor  domain.UserID = "dr-house"
	patient domain.UserID = "patient-42"
	nurse   domain.UserID = "nurse-joy"
)

type memLog struct {
	mu    sync.Mutex
	saved []domain.Session
}

func (m *memLog) Save(_ context.Context, s domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, s)
	return nil
}

func (m *memLog) ListByUser(_ context.Context, user domain.UserID, _ int) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.saved {
		if s.LocalUserID == user {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memLog) Close() error { return nil }

type node struct {
	reg     *Registry
	devices *devices.FakeProvider
	store   *memLog
}

type testbed struct {
	clock *clock.Mock
	peers *rtctest.Factory
	hub   *signal.Hub
}

func newTestbed() *testbed {
	peers := rtctest.NewFactory()
	peers.AutoConnect = true
	return &testbed{clock: clock.NewMock(), peers: peers, hub: signal.NewHub()}
}

func (tb *testbed) node(t *testing.T, cfg Config, users ...domain.UserID) *node {
	t.Helper()
	ep := tb.hub.Endpoint()
	n := &node{devices: devices.NewFakeProvider(), store: &memLog{}}
	n.reg = NewRegistry(cfg, Deps{
		Channel: ep,
		Devices: n.devices,
		Peers:   tb.peers,
		Clock:   tb.clock,
		Store:   n.store,
	})
	t.Cleanup(func() {
		_ = n.reg.Close(context.Background())
		_ = ep.Close()
	})
	for _, u := range users {
		require.NoError(t, n.reg.Connect(context.Background(), u))
	}
	return n
}

func waitPhase(t *testing.T, r *Registry, user domain.UserID, sid domain.SessionID, want domain.Phase) domain.Session {
	t.Helper()
	var got domain.Session
	require.Eventually(t, func() bool {
		s, err := r.Session(context.Background(), user, sid)
		if err != nil {
			return false
		}
		got = s
		return s.Phase == want
	}, 2*time.Second, 5*time.Millisecond, "session %s of %s never reached %s (last %s)", sid, user, want, got.Phase)
	return got
}

func waitIncoming(t *testing.T, r *Registry, user domain.UserID) domain.Session {
	t.Helper()
	var got domain.Session
	require.Eventually(t, func() bool {
		s, ok, err := r.Active(context.Background(), user)
		got = s
		return err == nil && ok
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func phases(ch <-chan core.Notification, until domain.Phase) []domain.Phase {
	var out []domain.Phase
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return out
			}
			if n.Type != core.NotifyPhase {
				continue
			}
			out = append(out, n.Session.Phase)
			if n.Session.Phase == until || n.Session.Phase.IsTerminal() {
				return out
			}
		case <-timeout:
			return out
		}
	}
}

func connectVideo(t *testing.T, tb *testbed, caller, callee *node) domain.SessionID {
	t.Helper()
	ctx := context.Background()
	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindVideo)
	require.NoError(t, err)
	in := waitIncoming(t, callee.reg, patient)
	require.Equal(t, s.ID, in.ID)
	waitPhase(t, callee.reg, patient, s.ID, domain.PhaseRinging)

	_, err = callee.reg.Accept(ctx, patient, s.ID)
	require.NoError(t, err)
	waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseActive)
	waitPhase(t, callee.reg, patient, s.ID, domain.PhaseActive)
	return s.ID
}

func TestRegistry_VideoCallConnects(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()

	events, cancel, err := caller.reg.Subscribe(ctx, doctor)
	require.NoError(t, err)
	defer cancel()

	sid := connectVideo(t, tb, caller, callee)

	assert.Equal(t, []domain.Phase{domain.PhaseDialing, domain.PhaseConnecting, domain.PhaseActive},
		phases(events, domain.PhaseActive))

	s, err := caller.reg.Session(ctx, doctor, sid)
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionOutbound, s.Direction)
	assert.False(t, s.ConnectedAt.IsZero())

	in, err := callee.reg.Session(ctx, patient, sid)
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionInbound, in.Direction)
	assert.Equal(t, doctor, in.RemoteUserID)

	st, err := caller.reg.MediaState(ctx, doctor, sid)
	require.NoError(t, err)
	assert.Len(t, st.Local, 2)
	assert.NotEmpty(t, tb.peers.Peer(sid, patient).RemoteCandidates())
}

func TestRegistry_BusyCalleeRejects(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	other := tb.node(t, Config{}, nurse)
	ctx := context.Background()

	chat, err := other.reg.StartCall(ctx, nurse, patient, domain.KindChat)
	require.NoError(t, err)
	waitPhase(t, callee.reg, patient, chat.ID, domain.PhaseActive)

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindVideo)
	require.NoError(t, err)
	failed := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseFailed)
	assert.Equal(t, domain.ReasonRemoteUnavailable, failed.EndReason)

	cur, ok, err := callee.reg.Active(ctx, patient)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chat.ID, cur.ID)
	assert.Equal(t, domain.PhaseActive, cur.Phase)
}

func TestRegistry_MediaDenied(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	tb.node(t, Config{}, patient)
	caller.devices.Deny(true)
	ctx := context.Background()

	events, cancel, err := caller.reg.Subscribe(ctx, doctor)
	require.NoError(t, err)
	defer cancel()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDialing, s.Phase)

	failed := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseFailed)
	assert.Equal(t, domain.ReasonMediaDenied, failed.EndReason)
	assert.Equal(t, 0, caller.devices.Issued())
	assert.Equal(t, 0, tb.peers.Count())

	seen := phases(events, domain.PhaseFailed)
	assert.Equal(t, []domain.Phase{domain.PhaseDialing, domain.PhaseFailed}, seen)
}

func TestRegistry_FailureNotificationExplainsReason(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	caller.devices.Deny(true)
	ctx := context.Background()

	events, cancel, err := caller.reg.Subscribe(ctx, doctor)
	require.NoError(t, err)
	defer cancel()

	_, err = caller.reg.StartCall(ctx, doctor, patient, domain.KindAudio)
	require.NoError(t, err)
	for n := range events {
		if n.Type == core.NotifyPhase && n.Session.Phase == domain.PhaseFailed {
			assert.Equal(t, domain.CategoryDevice, n.Category)
			assert.Contains(t, n.Message, "permissions")
			return
		}
	}
	t.Fatal("no failure notification")
}

func TestRegistry_DialTimeout(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{RingTimeout: time.Hour}, patient)
	ctx := context.Background()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindAudio)
	require.NoError(t, err)
	waitPhase(t, callee.reg, patient, s.ID, domain.PhaseRinging)

	tb.clock.Add(29 * time.Second)
	time.Sleep(20 * time.Millisecond)
	cur, err := caller.reg.Session(ctx, doctor, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDialing, cur.Phase)

	tb.clock.Add(time.Second)
	failed := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseFailed)
	assert.Equal(t, domain.ReasonTimeout, failed.EndReason)
	assert.Equal(t, 0, caller.devices.Live())

	require.Eventually(t, func() bool {
		_, ok, err := callee.reg.Active(ctx, patient)
		return err == nil && !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistry_ToggleVideoWithoutRenegotiation(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()
	sid := connectVideo(t, tb, caller, callee)
	offers := tb.peers.Peer(sid, doctor).Offers()

	videoEnabled := func(st core.MediaState) bool {
		for _, tr := range st.Local {
			if tr.Kind == domain.TrackVideo {
				return tr.Enabled
			}
		}
		t.Fatal("no video track")
		return false
	}

	st, err := caller.reg.SetTrackEnabled(ctx, doctor, sid, domain.TrackVideo, false)
	require.NoError(t, err)
	assert.False(t, videoEnabled(st))

	st, err = caller.reg.SetTrackEnabled(ctx, doctor, sid, domain.TrackVideo, true)
	require.NoError(t, err)
	assert.True(t, videoEnabled(st))

	s, err := caller.reg.Session(ctx, doctor, sid)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseActive, s.Phase)
	assert.Equal(t, offers, tb.peers.Peer(sid, doctor).Offers())
}

func TestRegistry_AddVideoToAudioCallRenegotiates(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindAudio)
	require.NoError(t, err)
	waitPhase(t, callee.reg, patient, s.ID, domain.PhaseRinging)
	_, err = callee.reg.Accept(ctx, patient, s.ID)
	require.NoError(t, err)
	waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseActive)

	_, err = caller.reg.SetTrackEnabled(ctx, doctor, s.ID, domain.TrackVideo, true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return tb.peers.Peer(s.ID, doctor).Offers() == 2 && tb.peers.Peer(s.ID, patient).Answers() == 2
	}, 2*time.Second, 5*time.Millisecond)

	cur, err := caller.reg.Session(ctx, doctor, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseActive, cur.Phase)
}

func TestRegistry_CancelBeforeNegotiation(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	tb.node(t, Config{}, patient)
	release := caller.devices.Hold()
	ctx := context.Background()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindVideo)
	require.NoError(t, err)
	require.NoError(t, caller.reg.EndCall(ctx, doctor, s.ID, domain.ReasonNone))
	release()

	ended := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseFailed)
	assert.Equal(t, domain.ReasonLocalHangup, ended.EndReason)
	require.Eventually(t, func() bool { return caller.devices.Live() == 0 }, time.Second, 5*time.Millisecond)

	st, err := caller.reg.MediaState(ctx, doctor, s.ID)
	require.NoError(t, err)
	assert.Empty(t, st.Local)

	_, ok, err := caller.reg.Active(ctx, doctor)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegistry_Guards(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	tb.node(t, Config{}, patient)
	ctx := context.Background()

	_, err := caller.reg.StartCall(ctx, doctor, doctor, domain.KindVideo)
	assert.ErrorIs(t, err, errs.ErrSelfCall)

	_, err = caller.reg.StartCall(ctx, doctor, patient, domain.Kind("fax"))
	assert.ErrorIs(t, err, errs.ErrInvalidKind)

	first, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindVideo)
	require.NoError(t, err)
	_, err = caller.reg.StartCall(ctx, doctor, nurse, domain.KindChat)
	assert.ErrorIs(t, err, errs.ErrAlreadyInCall)

	cur, err := caller.reg.Session(ctx, doctor, first.ID)
	require.NoError(t, err)
	assert.False(t, cur.Phase.IsTerminal())

	_, err = caller.reg.Accept(ctx, doctor, first.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)

	err = caller.reg.EndCall(ctx, doctor, "no-such-session", domain.ReasonNone)
	assert.ErrorIs(t, err, errs.ErrSessionNotFound)

	err = caller.reg.SendChat(ctx, doctor, first.ID, "   ")
	assert.ErrorIs(t, err, errs.ErrInvalidMessage)
}

func TestRegistry_SimultaneousHangup(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()
	sid := connectVideo(t, tb, caller, callee)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = caller.reg.EndCall(ctx, doctor, sid, domain.ReasonNone) }()
	go func() { defer wg.Done(); _ = callee.reg.EndCall(ctx, patient, sid, domain.ReasonNone) }()
	wg.Wait()

	a := waitPhase(t, caller.reg, doctor, sid, domain.PhaseEnded)
	b := waitPhase(t, callee.reg, patient, sid, domain.PhaseEnded)
	assert.Contains(t, []domain.EndReason{domain.ReasonLocalHangup, domain.ReasonRemoteHangup}, a.EndReason)
	assert.Contains(t, []domain.EndReason{domain.ReasonLocalHangup, domain.ReasonRemoteHangup}, b.EndReason)
	assert.Equal(t, 1, tb.peers.Peer(sid, doctor).CloseCount())
	assert.Equal(t, 1, tb.peers.Peer(sid, patient).CloseCount())

	err := caller.reg.EndCall(ctx, doctor, sid, domain.ReasonNone)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestRegistry_RemoteHangupEndsCall(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()
	sid := connectVideo(t, tb, caller, callee)

	require.NoError(t, callee.reg.EndCall(ctx, patient, sid, domain.ReasonNone))
	s := waitPhase(t, caller.reg, doctor, sid, domain.PhaseEnded)
	assert.Equal(t, domain.ReasonRemoteHangup, s.EndReason)
	assert.Equal(t, 0, caller.devices.Live())
	assert.Equal(t, 0, callee.devices.Live())
}

func TestRegistry_DeclineReachesCaller(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindVideo)
	require.NoError(t, err)
	waitPhase(t, callee.reg, patient, s.ID, domain.PhaseRinging)
	require.NoError(t, callee.reg.Decline(ctx, patient, s.ID))

	declined := waitPhase(t, callee.reg, patient, s.ID, domain.PhaseEnded)
	assert.Equal(t, domain.ReasonLocalHangup, declined.EndReason)
	failed := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseFailed)
	assert.Equal(t, domain.ReasonRemoteUnavailable, failed.EndReason)
}

func TestRegistry_CallingOfflineUser(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	ctx := context.Background()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindAudio)
	require.NoError(t, err)
	failed := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseFailed)
	assert.Equal(t, domain.ReasonRemoteUnavailable, failed.EndReason)
}

func TestRegistry_ChatBypassesMedia(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()

	events, cancel, err := callee.reg.Subscribe(ctx, patient)
	require.NoError(t, err)
	defer cancel()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindChat)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseActive, s.Phase)
	waitPhase(t, callee.reg, patient, s.ID, domain.PhaseActive)

	require.NoError(t, caller.reg.SendChat(ctx, doctor, s.ID, "  Your results are in.  "))

	var got *core.ChatMessage
	timeout := time.After(2 * time.Second)
	for got == nil {
		select {
		case n := <-events:
			if n.Type == core.NotifyChat {
				got = n.Chat
			}
		case <-timeout:
			t.Fatal("chat message not delivered")
		}
	}
	assert.Equal(t, doctor, got.From)
	assert.Equal(t, "Your results are in.", got.Text)

	_, err = caller.reg.SetTrackEnabled(ctx, doctor, s.ID, domain.TrackAudio, true)
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
	assert.Equal(t, 0, caller.devices.Requests())
	assert.Equal(t, 0, tb.peers.Count())
}

func TestRegistry_EndedSessionsAreRetainedAndLogged(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindChat)
	require.NoError(t, err)
	waitPhase(t, callee.reg, patient, s.ID, domain.PhaseActive)
	require.NoError(t, caller.reg.EndCall(ctx, doctor, s.ID, domain.ReasonNone))

	ended := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseEnded)
	assert.Equal(t, domain.ReasonLocalHangup, ended.EndReason)

	// a new call is allowed once the previous one is terminal
	next, err := caller.reg.StartCall(ctx, doctor, nurse, domain.KindChat)
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, next.ID)

	require.NoError(t, caller.reg.Close(ctx))
	history, err := caller.reg.History(ctx, doctor, 10)
	require.NoError(t, err)
	ids := make([]domain.SessionID, 0, len(history))
	for _, h := range history {
		ids = append(ids, h.ID)
	}
	assert.ElementsMatch(t, []domain.SessionID{s.ID, next.ID}, ids)
}

func TestRegistry_SlowSubscriberIsDisconnected(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{SubscriberBuffer: 1}, doctor)
	tb.node(t, Config{}, patient)
	ctx := context.Background()

	events, cancel, err := caller.reg.Subscribe(ctx, doctor)
	require.NoError(t, err)
	defer cancel()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindChat)
	require.NoError(t, err)
	require.NoError(t, caller.reg.EndCall(ctx, doctor, s.ID, domain.ReasonNone))

	n, ok := <-events
	require.True(t, ok)
	assert.Equal(t, domain.PhaseActive, n.Session.Phase)
	_, ok = <-events
	assert.False(t, ok)
}

func TestRegistry_SubscribeCancel(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	ctx := context.Background()

	events, cancel, err := caller.reg.Subscribe(ctx, doctor)
	require.NoError(t, err)
	cancel()
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestRegistry_CloseEndsLiveCalls(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()
	sid := connectVideo(t, tb, caller, callee)

	require.NoError(t, caller.reg.Close(ctx))
	require.NoError(t, caller.reg.Close(ctx))
	assert.Equal(t, 0, caller.devices.Live())

	s := waitPhase(t, callee.reg, patient, sid, domain.PhaseEnded)
	assert.Equal(t, domain.ReasonRemoteHangup, s.EndReason)

	_, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindChat)
	assert.ErrorIs(t, err, errs.ErrClosed)
}

func TestRegistry_HandleIncoming(t *testing.T) {
	tb := newTestbed()
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()

	s, err := callee.reg.HandleIncoming(ctx, "chat-1", nurse, patient, domain.KindChat, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseActive, s.Phase)
	assert.Equal(t, domain.DirectionInbound, s.Direction)

	_, err = callee.reg.HandleIncoming(ctx, "video-1", doctor, patient, domain.KindVideo, nil)
	assert.ErrorIs(t, err, errs.ErrSignalingDeliveryDropped, "media offers need a description")

	_, err = callee.reg.HandleIncoming(ctx, "video-2", doctor, patient, domain.KindVideo, &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	assert.ErrorIs(t, err, errs.ErrAlreadyInCall)

	cur, ok, err := callee.reg.Active(ctx, patient)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SessionID("chat-1"), cur.ID)
}

func TestRegistry_BusyChatCalleeRejects(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	other := tb.node(t, Config{}, nurse)
	ctx := context.Background()

	chat, err := other.reg.StartCall(ctx, nurse, patient, domain.KindChat)
	require.NoError(t, err)
	waitPhase(t, callee.reg, patient, chat.ID, domain.PhaseActive)

	// the caller's chat is active before the rejection arrives
	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindChat)
	require.NoError(t, err)
	failed := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseFailed)
	assert.Equal(t, domain.ReasonRemoteUnavailable, failed.EndReason)

	cur, ok, err := callee.reg.Active(ctx, patient)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chat.ID, cur.ID)
}

func TestRegistry_ChatHangupAfterMessagesEndsNormally(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindChat)
	require.NoError(t, err)
	waitPhase(t, callee.reg, patient, s.ID, domain.PhaseActive)
	require.NoError(t, callee.reg.SendChat(ctx, patient, s.ID, "hello"))
	require.NoError(t, callee.reg.EndCall(ctx, patient, s.ID, domain.ReasonLocalHangup))

	ended := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseEnded)
	assert.Equal(t, domain.ReasonRemoteHangup, ended.EndReason)
}

func TestRegistry_ToggleWhileAcquiring(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	tb.node(t, Config{}, patient)
	ctx := context.Background()

	release := caller.devices.Hold()
	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindVideo)
	require.NoError(t, err)
	st, err := caller.reg.SetTrackEnabled(ctx, doctor, s.ID, domain.TrackVideo, false)
	require.NoError(t, err)
	assert.Empty(t, st.Local)
	release()

	require.Eventually(t, func() bool {
		st, err := caller.reg.MediaState(ctx, doctor, s.ID)
		return err == nil && len(st.Local) == 2
	}, 2*time.Second, 5*time.Millisecond)
	st, err = caller.reg.MediaState(ctx, doctor, s.ID)
	require.NoError(t, err)
	for _, tr := range st.Local {
		assert.Equal(t, tr.Kind != domain.TrackVideo, tr.Enabled, tr.Kind)
	}
}

func TestRegistry_DisconnectedUserIsUnavailable(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	ctx := context.Background()

	require.NoError(t, callee.reg.Disconnect(ctx, nurse), "never connected")

	// two streams; closing one keeps the user reachable
	require.NoError(t, callee.reg.Connect(ctx, patient))
	require.NoError(t, callee.reg.Disconnect(ctx, patient))
	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindChat)
	require.NoError(t, err)
	waitPhase(t, callee.reg, patient, s.ID, domain.PhaseActive)
	require.NoError(t, caller.reg.EndCall(ctx, doctor, s.ID, domain.ReasonLocalHangup))
	require.Eventually(t, func() bool {
		_, ok, err := callee.reg.Active(ctx, patient)
		return err == nil && !ok
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, callee.reg.Disconnect(ctx, patient))
	for _, kind := range []domain.Kind{domain.KindChat, domain.KindAudio} {
		s, err := caller.reg.StartCall(ctx, doctor, patient, kind)
		require.NoError(t, err)
		// the ring timer never fires on the mock clock, so this is the rejection
		failed := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseFailed)
		assert.Equal(t, domain.ReasonRemoteUnavailable, failed.EndReason, kind)
	}
}

func TestRegistry_DisconnectDuringCallRejectsNewOffers(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{}, patient)
	other := tb.node(t, Config{}, nurse)
	ctx := context.Background()

	chat, err := other.reg.StartCall(ctx, nurse, patient, domain.KindChat)
	require.NoError(t, err)
	waitPhase(t, callee.reg, patient, chat.ID, domain.PhaseActive)
	require.NoError(t, callee.reg.Disconnect(ctx, patient))

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindChat)
	require.NoError(t, err)
	failed := waitPhase(t, caller.reg, doctor, s.ID, domain.PhaseFailed)
	assert.Equal(t, domain.ReasonRemoteUnavailable, failed.EndReason)

	// the live chat still receives the hangup
	require.NoError(t, other.reg.EndCall(ctx, nurse, chat.ID, domain.ReasonLocalHangup))
	require.Eventually(t, func() bool {
		_, ok, err := callee.reg.Active(ctx, patient)
		return err == nil && !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistry_ReplayedOfferAfterRetentionIsDropped(t *testing.T) {
	tb := newTestbed()
	caller := tb.node(t, Config{}, doctor)
	callee := tb.node(t, Config{RetainEnded: time.Millisecond}, patient)
	ctx := context.Background()

	s, err := caller.reg.StartCall(ctx, doctor, patient, domain.KindChat)
	require.NoError(t, err)
	waitIncoming(t, callee.reg, patient)
	require.NoError(t, caller.reg.EndCall(ctx, doctor, s.ID, domain.ReasonLocalHangup))
	require.Eventually(t, func() bool {
		_, ok, err := callee.reg.Active(ctx, patient)
		return err == nil && !ok
	}, 2*time.Second, 5*time.Millisecond)

	// let the retained snapshot expire
	require.Eventually(t, func() bool {
		_, err := callee.reg.Session(ctx, patient, s.ID)
		return errors.Is(err, errs.ErrSessionNotFound)
	}, 2*time.Second, 5*time.Millisecond)

	replay := tb.hub.Endpoint()
	t.Cleanup(func() { _ = replay.Close() })
	require.NoError(t, replay.Send(core.Envelope{SessionID: s.ID, From: doctor, To: patient, Type: core.MsgOffer, Kind: domain.KindChat}))

	_, ok, err := callee.reg.Active(ctx, patient)
	require.NoError(t, err)
	assert.False(t, ok)
}
