package domain

// EndReason is set only once a session reaches a terminal phase.
type EndReason string

const (
	ReasonNone              EndReason = ""
	ReasonLocalHangup       EndReason = "localHangup"
	ReasonRemoteHangup      EndReason = "remoteHangup"
	ReasonMediaDenied       EndReason = "mediaDenied"
	ReasonNegotiationFailed EndReason = "negotiationFailed"
	ReasonTimeout           EndReason = "timeout"
	ReasonRemoteUnavailable EndReason = "remoteUnavailable"
)

// ReasonCategory groups end reasons so a UI can point users at permissions or
// at their connection.
type ReasonCategory string

const (
	CategoryNone    ReasonCategory = ""
	CategoryUser    ReasonCategory = "user"
	CategoryPeer    ReasonCategory = "peer"
	CategoryDevice  ReasonCategory = "device"
	CategoryNetwork ReasonCategory = "network"
)

func ParseEndReason(raw string) (EndReason, bool) {
	switch r := EndReason(raw); r {
	case ReasonLocalHangup, ReasonRemoteHangup, ReasonMediaDenied,
		ReasonNegotiationFailed, ReasonTimeout, ReasonRemoteUnavailable:
		return r, true
	}
	return ReasonNone, false
}

func (r EndReason) Category() ReasonCategory {
	switch r {
	case ReasonLocalHangup:
		return CategoryUser
	case ReasonRemoteHangup, ReasonRemoteUnavailable:
		return CategoryPeer
	case ReasonMediaDenied:
		return CategoryDevice
	case ReasonNegotiationFailed, ReasonTimeout:
		return CategoryNetwork
	}
	return CategoryNone
}

// Describe returns the text shown to users when a call ends.
func (r EndReason) Describe() string {
	switch r {
	case ReasonLocalHangup:
		return "You ended the call."
	case ReasonRemoteHangup:
		return "The other participant ended the call."
	case ReasonMediaDenied:
		return "Camera or microphone unavailable. Check your device permissions."
	case ReasonNegotiationFailed:
		return "Could not establish a connection. Check your network and try again."
	case ReasonTimeout:
		return "No answer. The call timed out."
	case ReasonRemoteUnavailable:
		return "The person you are calling is unavailable."
	}
	return ""
}
