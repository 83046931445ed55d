package app

import (
	"github.com/dkeye/telecall/internal/core"
	"github.com/dkeye/telecall/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropNotification
	DisconnectSubscriber
)

// Policy decides what happens when a notification subscriber is not keeping
// up and its buffer is full.
type Policy interface {
	OnBackPressure(user domain.UserID, n core.Notification) BackpressureAction
}

// SimplePolicy disconnects the slow subscriber; it reconnects and re-reads
// the session state.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.UserID, core.Notification) BackpressureAction {
	return DisconnectSubscriber
}

// LossyPolicy keeps the subscriber and drops chat and media updates, but
// still disconnects on a lost phase change.
type LossyPolicy struct{}

func (LossyPolicy) OnBackPressure(_ domain.UserID, n core.Notification) BackpressureAction {
	if n.Type == core.NotifyPhase {
		return DisconnectSubscriber
	}
	return DropNotification
}
