package model

import "time"

type DeliveryState string

const (
	StateSending DeliveryState = "sending"
	StateSent    DeliveryState = "sent"
	StateFailed  DeliveryState = "failed"
)

// PendingMessage is a client-side optimistic copy of an outgoing message.
// It is never persisted.
type PendingMessage struct {
	TempID    string
	SessionID string
	Sender    Sender
	Text      string
	CreatedAt time.Time
	State     DeliveryState
	Err       error
}
