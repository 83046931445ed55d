// Package errs holds the call error taxonomy. Handlers map these sentinels to
// transport codes; terminal outcomes map to a session end reason.
package errs

import (
	"errors"

	"github.com/dkeye/telecall/internal/domain"
)

// Caller-misuse guards. Returned synchronously, never change a session.
var (
	ErrAlreadyInCall     = errors.New("user already has an active call")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSelfCall          = errors.New("cannot call yourself")
	ErrInvalidKind       = errors.New("invalid session kind")
	ErrInvalidMessage    = errors.New("invalid chat message")
	ErrClosed            = errors.New("call registry closed")
)

// Terminal outcomes. Converted into a failed phase with the matching end reason.
var (
	ErrMediaAcquisitionDenied = errors.New("media acquisition denied")
	ErrNegotiationFailed      = errors.New("peer negotiation failed")
	ErrTimeout                = errors.New("call timed out")
	ErrRemoteUnavailable      = errors.New("remote party unavailable")
)

// ErrSignalingDeliveryDropped is logged only: stale or duplicate signaling is an
// expected race after hangup.
var ErrSignalingDeliveryDropped = errors.New("signaling message dropped")

// EndReasonOf maps a terminal-outcome error to the end reason recorded on the
// session. ok is false for errors that must not end a call.
func EndReasonOf(err error) (domain.EndReason, bool) {
	switch {
	case err == nil:
		return domain.ReasonNone, false
	case errors.Is(err, ErrMediaAcquisitionDenied):
		return domain.ReasonMediaDenied, true
	case errors.Is(err, ErrNegotiationFailed):
		return domain.ReasonNegotiationFailed, true
	case errors.Is(err, ErrTimeout):
		return domain.ReasonTimeout, true
	case errors.Is(err, ErrRemoteUnavailable):
		return domain.ReasonRemoteUnavailable, true
	}
	return domain.ReasonNone, false
}
