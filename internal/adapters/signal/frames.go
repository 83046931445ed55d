package signal

import (
	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
)

type frameType string

const (
	frameJoin  frameType = "join"
	frameLeave frameType = "leave"
	frameRelay frameType = "relay"
	framePing  frameType = "ping"
	framePong  frameType = "pong"
	frameError frameType = "error"
)

const codeUnavailable = "unavailable"

// frame is the WebSocket wire unit between a Client and a Relay.
type frame struct {
	Type     frameType      `json:"type"`
	User     domain.UserID  `json:"user,omitempty"`
	Envelope *core.Envelope `json:"envelope,omitempty"`
	Code     string         `json:"code,omitempty"`
	Error    string         `json:"error,omitempty"`
}
