// Package events carries chat changes from the instance that made them to
// every instance with push subscribers.
package events

import (
	"context"
	"sync"

	"github.com/mahaj/studio-chat/pkg/model"
)

type Type string

const (
	MessageAppended Type = "message.appended"
	SessionRead     Type = "session.read"
	SessionPurged   Type = "session.purged"
)

// Event is a change notification. Message is set for MessageAppended.
// An empty SessionID on SessionPurged means every session.
type Event struct {
	Type      Type           `json:"type"`
	SessionID string         `json:"sessionId"`
	Message   *model.Message `json:"message,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Handler func(ctx context.Context, e Event)

// Local delivers events to in-process handlers synchronously.
type Local struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Subscribe(h Handler) {
	l.mu.Lock()
	l.handlers = append(l.handlers, h)
	l.mu.Unlock()
}

func (l *Local) Publish(ctx context.Context, e Event) error {
	l.mu.RLock()
	handlers := l.handlers
	l.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, e)
	}
	return nil
}

func (l *Local) Close() error { return nil }
