package devices

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/dkeye/telecall/internal/domain"
)

type trackState int32

const (
	trackStateOk trackState = iota
	trackStateMuted
	trackStateStopped
)

// sampleTrack is a local capture track. Samples written while muted are
// dropped; the RTP side stays negotiated so unmuting needs no renegotiation.
type sampleTrack struct {
	kind  domain.TrackKind
	local *webrtc.TrackLocalStaticSample
	state atomic.Int32 // trackStateOk by default

	stopOnce sync.Once
	onStop   func() error
	stopErr  error
}

func newSampleTrack(kind domain.TrackKind, id, streamID string, onStop func() error) (*sampleTrack, error) {
	mime := webrtc.MimeTypeOpus
	if kind == domain.TrackVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, err
	}
	return &sampleTrack{kind: kind, local: local, onStop: onStop}, nil
}

func (t *sampleTrack) ID() string { return t.local.ID() }

func (t *sampleTrack) Kind() domain.TrackKind { return t.kind }

func (t *sampleTrack) Local() webrtc.TrackLocal { return t.local }

func (t *sampleTrack) Enabled() bool {
	return trackState(t.state.Load()) == trackStateOk
}

func (t *sampleTrack) SetEnabled(enabled bool) {
	next := trackStateMuted
	if enabled {
		next = trackStateOk
	}
	for {
		cur := t.state.Load()
		if trackState(cur) == trackStateStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *sampleTrack) Stopped() bool {
	return trackState(t.state.Load()) == trackStateStopped
}

// WriteSample forwards s unless the track is muted or stopped.
func (t *sampleTrack) WriteSample(s media.Sample) error {
	if trackState(t.state.Load()) != trackStateOk {
		return nil
	}
	return t.local.WriteSample(s)
}

func (t *sampleTrack) Stop() error {
	t.stopOnce.Do(func() {
		t.state.Store(int32(trackStateStopped))
		if t.onStop != nil {
			t.stopErr = t.onStop()
		}
	})
	return t.stopErr
}
