package core

import (
	"encoding/json"

	"github.com/dkeye/telecall/internal/domain"
)

type MessageType string

const (
	MsgOffer     MessageType = "offer"
	MsgAnswer    MessageType = "answer"
	MsgCandidate MessageType = "iceCandidate"
	MsgHangup    MessageType = "hangup"
	MsgChat      MessageType = "chat"
)

// Envelope is one opaque signaling message between the two legs of a session.
// Kind is only set on offers; Seq is stamped per sending leg.
type Envelope struct {
	SessionID domain.SessionID `json:"session_id"`
	From      domain.UserID    `json:"from"`
	To        domain.UserID    `json:"to"`
	Type      MessageType      `json:"type"`
	Kind      domain.Kind      `json:"kind,omitempty"`
	Seq       uint64           `json:"seq,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

type HangupPayload struct {
	Reason domain.EndReason `json:"reason"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

// RendezvousChannel abstracts the external relay that carries envelopes
// between endpoints. Envelopes sent on one channel arrive in send order.
// Owned by the adapter; the adapter must Close() it.
type RendezvousChannel interface {
	// Join announces that envelopes addressed to user should be delivered here.
	Join(user domain.UserID) error
	// Leave undoes Join; senders then see the user as unreachable.
	Leave(user domain.UserID) error
	Send(env Envelope) error
	// Subscribe registers fn for every inbound envelope. fn must not block.
	Subscribe(fn func(Envelope)) (cancel func())
	Close() error
}
