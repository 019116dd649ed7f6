package store

import (
	"context"
	"sync"
	"time"

	"github.com/mahaj/studio-chat/pkg/conversation"
	"github.com/mahaj/studio-chat/pkg/model"
)

// MemoryStore keeps messages in process memory. It is the ephemeral
// fallback and the store used by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]model.Message
	index    *conversation.Index
	opts     Options
	closed   bool
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]model.Message),
		index:    conversation.NewIndex(),
		opts:     opts.withDefaults(),
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Append(_ context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Message{}, ErrClosed
	}

	var prev time.Time
	if msgs := s.sessions[sessionID]; len(msgs) > 0 {
		prev = msgs[len(msgs)-1].CreatedAt
	}
	msg := s.opts.newMessage(sessionID, sender, text, prev)
	if sender == model.SenderAdmin {
		s.markReadLocked(sessionID)
	}
	s.sessions[sessionID] = append(s.sessions[sessionID], msg)
	s.index.Apply(msg)
	return msg, nil
}

func (s *MemoryStore) Import(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, existing := range s.sessions[msg.SessionID] {
		if existing.ID == msg.ID {
			return nil
		}
	}
	msgs := append(s.sessions[msg.SessionID], msg)
	model.SortMessages(msgs)
	s.sessions[msg.SessionID] = msgs
	s.index.Apply(msg)
	return nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string, opts ListOptions) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	msgs := make([]model.Message, len(s.sessions[sessionID]))
	copy(msgs, s.sessions[sessionID])
	return applyListOptions(msgs, opts), nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.index.List(), nil
}

func (s *MemoryStore) MarkRead(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.markReadLocked(sessionID), nil
}

func (s *MemoryStore) markReadLocked(sessionID string) int {
	updated := 0
	msgs := s.sessions[sessionID]
	for i := range msgs {
		if msgs[i].Sender == model.SenderUser && !msgs[i].Read {
			msgs[i].Read = true
			updated++
		}
	}
	s.index.MarkRead(sessionID)
	return updated
}

func (s *MemoryStore) Purge(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if sessionID == "" {
		s.sessions = make(map[string][]model.Message)
		s.index.Reset()
		return nil
	}
	delete(s.sessions, sessionID)
	s.index.Remove(sessionID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
