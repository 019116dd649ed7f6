package model

import (
	"sort"
	"time"
)

type Sender string

const (
	SenderUser  Sender = "user"
	SenderAdmin Sender = "admin"
)

// Valid reports whether s is one of the two chat parties.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAdmin
}

// Message is a persisted chat message. ID and CreatedAt are assigned by the
// store on append; Read is the only field that ever changes afterwards.
type Message struct {
	ID        int64     `json:"id,string"`
	SessionID string    `json:"sessionId"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// ReadOnAppend is the initial read flag for a message from sender.
// Admin replies never count as unread.
func ReadOnAppend(sender Sender) bool {
	return sender == SenderAdmin
}

// Before orders messages by CreatedAt, ties broken by ID.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// SortMessages sorts in place into session order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Before(msgs[j])
	})
}

// StoreTime is the timestamp precision every backend can round-trip.
func StoreTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
