package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/telecall/internal/domain"
)

// RemoteTrack describes a track received from the peer.
type RemoteTrack struct {
	ID       string           `json:"id"`
	StreamID string           `json:"stream_id"`
	Kind     domain.TrackKind `json:"kind"`
}

// PeerConnection is the negotiation surface of one underlying peer connection.
type PeerConnection interface {
	// CreateOffer creates and applies a local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer applies a remote offer and returns the applied local answer.
	ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a capture track to the connection.
	AddLocalTrack(LocalTrack) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	// Close should stop all underlying media resources.
	Close() error
}

// PeerParams identifies the leg a peer connection is created for.
type PeerParams struct {
	SessionID   domain.SessionID
	LocalUserID domain.UserID
	Kind        domain.Kind
}

type PeerFactory interface {
	NewPeer(p PeerParams) (PeerConnection, error)
}
