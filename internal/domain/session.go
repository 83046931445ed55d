package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Kind is chosen when a session is created and never changes.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindChat  Kind = "chat"
)

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(raw); k {
	case KindVideo, KindAudio, KindChat:
		return k, nil
	}
	return "", fmt.Errorf("unknown session kind %q", raw)
}

// UsesMedia reports whether sessions of this kind acquire devices and a peer connection.
func (k Kind) UsesMedia() bool { return k == KindVideo || k == KindAudio }

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseDialing    Phase = "dialing"
	PhaseRinging    Phase = "ringing"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	PhaseEnded      Phase = "ended"
	PhaseFailed     Phase = "failed"
)

func (p Phase) IsTerminal() bool {
	return p == PhaseEnded || p == PhaseFailed
}

type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

func ParseTrackKind(raw string) (TrackKind, error) {
	switch k := TrackKind(raw); k {
	case TrackAudio, TrackVideo:
		return k, nil
	}
	return "", fmt.Errorf("unknown track kind %q", raw)
}

// Session is a read-only snapshot of one call attempt. The live record is owned
// by the call registry and mutated only through the session state machine.
type Session struct {
	ID           SessionID `json:"session_id"`
	LocalUserID  UserID    `json:"local_user_id"`
	RemoteUserID UserID    `json:"remote_user_id"`
	Kind         Kind      `json:"kind"`
	Direction    Direction `json:"direction"`
	Phase        Phase     `json:"phase"`
	StartedAt    time.Time `json:"started_at"`
	ConnectedAt  time.Time `json:"connected_at,omitzero"`
	EndedAt      time.Time `json:"ended_at,omitzero"`
	EndReason    EndReason `json:"end_reason,omitempty"`
}

// Duration is the connected time of the session, zero if it never became active.
func (s Session) Duration() time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.ConnectedAt)
}
