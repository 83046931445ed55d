package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/telecall/internal/domain"
)

type MediaRequest struct {
	Video bool
	Audio bool
}

// LocalTrack is one capture track owned by a media controller.
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Enabled() bool
	// SetEnabled mutes or unmutes the track without touching negotiation.
	SetEnabled(bool)
	// Local returns the RTP source attached to a peer connection; nil when the
	// track has no RTP side.
	Local() webrtc.TrackLocal
	// Stop releases the underlying device. Safe to call twice.
	Stop() error
}

// DeviceProvider grants access to capture devices. Denial or a missing device
// is reported as errs.ErrMediaAcquisitionDenied.
type DeviceProvider interface {
	RequestMedia(ctx context.Context, req MediaRequest) ([]LocalTrack, error)
}
