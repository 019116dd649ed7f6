package model

import "time"

// Conversation summarises one session's log for the admin dashboard.
type Conversation struct {
	SessionID    string    `json:"sessionId"`
	LastMessage  string    `json:"lastMessage"`
	LastSender   Sender    `json:"lastSender"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int       `json:"messageCount"`
	Unread       int       `json:"unread"`

	// LastMessageID breaks timestamp ties when summaries are merged.
	LastMessageID int64 `json:"-"`
}
