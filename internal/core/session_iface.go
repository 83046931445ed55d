package core

import (
	"context"
	"time"

	"github.com/dkeye/telecall/internal/domain"
)

type NotificationType string

const (
	NotifyPhase NotificationType = "phase"
	NotifyChat  NotificationType = "chat"
	NotifyMedia NotificationType = "media"
)

// Notification is what UI surfaces receive for the sessions of one user.
type Notification struct {
	Type     NotificationType      `json:"type"`
	Session  domain.Session        `json:"session"`
	From     domain.Phase          `json:"from,omitempty"`
	Message  string                `json:"message,omitempty"`
	Category domain.ReasonCategory `json:"category,omitempty"`
	Chat     *ChatMessage          `json:"chat,omitempty"`
	Media    *MediaState           `json:"media,omitempty"`
}

type ChatMessage struct {
	From   domain.UserID `json:"from"`
	Text   string        `json:"text"`
	SentAt time.Time     `json:"sent_at"`
}

type TrackState struct {
	ID      string           `json:"id"`
	Kind    domain.TrackKind `json:"kind"`
	Enabled bool             `json:"enabled"`
}

// MediaState is the local and remote track view of one session.
type MediaState struct {
	Local  []TrackState  `json:"local"`
	Remote []RemoteTrack `json:"remote"`
}

// CallClient is the one handle every call-initiating surface uses, so guard
// and error behavior is identical everywhere.
type CallClient interface {
	StartCall(ctx context.Context, local, remote domain.UserID, kind domain.Kind) (domain.Session, error)
	Accept(ctx context.Context, local domain.UserID, sid domain.SessionID) (domain.Session, error)
	Decline(ctx context.Context, local domain.UserID, sid domain.SessionID) error
	EndCall(ctx context.Context, local domain.UserID, sid domain.SessionID, reason domain.EndReason) error
	SetTrackEnabled(ctx context.Context, local domain.UserID, sid domain.SessionID, kind domain.TrackKind, enabled bool) (MediaState, error)
	SendChat(ctx context.Context, local domain.UserID, sid domain.SessionID, text string) error

	Session(ctx context.Context, local domain.UserID, sid domain.SessionID) (domain.Session, error)
	Active(ctx context.Context, local domain.UserID) (domain.Session, bool, error)
	MediaState(ctx context.Context, local domain.UserID, sid domain.SessionID) (MediaState, error)
	// History lists finished sessions of local, newest first.
	History(ctx context.Context, local domain.UserID, limit int) ([]domain.Session, error)

	// Connect marks local as reachable for inbound calls.
	Connect(ctx context.Context, local domain.UserID) error
	// Disconnect undoes one Connect.
	Disconnect(ctx context.Context, local domain.UserID) error
	Subscribe(ctx context.Context, local domain.UserID) (<-chan Notification, func(), error)
}
