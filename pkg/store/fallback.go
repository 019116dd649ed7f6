package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mahaj/studio-chat/pkg/conversation"
	"github.com/mahaj/studio-chat/pkg/logger"
	"github.com/mahaj/studio-chat/pkg/metrics"
	"github.com/mahaj/studio-chat/pkg/model"
)

// FallbackStore serves from primary and degrades to secondary whenever the
// primary reports ErrUnavailable. Reads merge both so messages written
// during an outage stay visible once the primary is back.
//
// Read marks taken while the primary is down (an admin reply or an explicit
// mark-read) are queued and replayed against the primary before its next
// call. Purge is never degraded: it fails until the primary can delete.
type FallbackStore struct {
	primary   MessageStore
	secondary MessageStore
	metrics   *metrics.Metrics
	degraded  atomic.Bool

	mu      sync.Mutex
	unreads map[string]struct{}
}

func NewFallbackStore(primary, secondary MessageStore, m *metrics.Metrics) *FallbackStore {
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		metrics:   m,
		unreads:   make(map[string]struct{}),
	}
}

func (s *FallbackStore) Name() string { return s.primary.Name() }

// Secondary names the store used while the primary is down.
func (s *FallbackStore) Secondary() string { return s.secondary.Name() }

// Degraded reports whether the most recent primary call failed.
func (s *FallbackStore) Degraded() bool { return s.degraded.Load() }

// fellBack records the outcome of a primary call and reports whether the
// caller should use the secondary instead.
func (s *FallbackStore) fellBack(ctx context.Context, op string, err error) bool {
	if err == nil {
		if s.degraded.Swap(false) {
			slog.InfoContext(ctx, "primary message store recovered", "driver", s.primary.Name())
		}
		return false
	}
	if !errors.Is(err, ErrUnavailable) {
		return false
	}
	s.degraded.Store(true)
	if s.metrics != nil {
		s.metrics.StoreFallbacks.WithLabelValues(op).Inc()
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{Driver: logger.Ptr(s.primary.Name())})
	slog.WarnContext(ctx, "primary message store unavailable, using fallback",
		"op", op, "fallback", s.secondary.Name(), "error", err)
	return true
}

// queueRead records that the primary still holds unread user messages of
// sessionID that the secondary has already marked read.
func (s *FallbackStore) queueRead(sessionID string) {
	s.mu.Lock()
	s.unreads[sessionID] = struct{}{}
	s.mu.Unlock()
}

// replayReads applies queued read marks to the primary. It stops at the
// first ErrUnavailable and keeps the rest queued. The lock is held
// throughout so no primary write overtakes the replay.
func (s *FallbackStore) replayReads(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID := range s.unreads {
		n, err := s.primary.MarkRead(ctx, sessionID)
		if errors.Is(err, ErrUnavailable) {
			return
		}
		if err != nil {
			slog.WarnContext(ctx, "replaying read marks failed", "session_id", sessionID, "error", err)
			continue
		}
		slog.InfoContext(ctx, "replayed read marks on primary", "session_id", sessionID, "updated", n)
		delete(s.unreads, sessionID)
	}
}

func (s *FallbackStore) dropQueuedReads(sessionID string) {
	s.mu.Lock()
	if sessionID == "" {
		clear(s.unreads)
	} else {
		delete(s.unreads, sessionID)
	}
	s.mu.Unlock()
}

func (s *FallbackStore) Append(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	s.replayReads(ctx)
	msg, err := s.primary.Append(ctx, sessionID, sender, text)
	if s.fellBack(ctx, "append", err) {
		msg, err = s.secondary.Append(ctx, sessionID, sender, text)
		if err == nil && sender == model.SenderAdmin {
			s.queueRead(sessionID)
		}
		return msg, err
	}
	if err == nil && sender == model.SenderAdmin {
		// Anything the secondary holds for the session predates this reply.
		if _, serr := s.secondary.MarkRead(ctx, sessionID); serr != nil {
			slog.WarnContext(ctx, "marking fallback messages read failed", "session_id", sessionID, "error", serr)
		}
	}
	return msg, err
}

func (s *FallbackStore) List(ctx context.Context, sessionID string, opts ListOptions) ([]model.Message, error) {
	s.replayReads(ctx)
	primary, err := s.primary.List(ctx, sessionID, opts)
	if s.fellBack(ctx, "list", err) {
		return s.secondary.List(ctx, sessionID, opts)
	}
	if err != nil {
		return nil, err
	}

	secondary, err := s.secondary.List(ctx, sessionID, opts)
	if err != nil || len(secondary) == 0 {
		return primary, nil
	}
	return mergeMessages(primary, secondary, opts), nil
}

func mergeMessages(a, b []model.Message, opts ListOptions) []model.Message {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]model.Message, 0, len(a)+len(b))
	for _, set := range [][]model.Message{a, b} {
		for _, m := range set {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	model.SortMessages(out)
	return applyListOptions(out, ListOptions{Limit: opts.Limit})
}

func (s *FallbackStore) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	s.replayReads(ctx)
	primary, err := s.primary.ListConversations(ctx)
	if s.fellBack(ctx, "list_conversations", err) {
		return s.secondary.ListConversations(ctx)
	}
	if err != nil {
		return nil, err
	}

	secondary, err := s.secondary.ListConversations(ctx)
	if err != nil || len(secondary) == 0 {
		return primary, nil
	}
	return conversation.Merge(primary, secondary), nil
}

// MarkRead applies to both stores; the count is the total changed. When
// the primary is down its share is queued for replay.
func (s *FallbackStore) MarkRead(ctx context.Context, sessionID string) (int, error) {
	s.replayReads(ctx)
	n, err := s.primary.MarkRead(ctx, sessionID)
	fell := s.fellBack(ctx, "mark_read", err)
	if err != nil && !fell {
		return 0, err
	}
	m, serr := s.secondary.MarkRead(ctx, sessionID)
	if fell {
		if serr != nil {
			return 0, serr
		}
		s.queueRead(sessionID)
		return m, nil
	}
	if serr != nil {
		return n, nil
	}
	return n + m, nil
}

// Purge deletes from both stores. It returns the primary's error rather
// than degrading, since a delete applied only to the secondary would be
// undone when the primary comes back.
func (s *FallbackStore) Purge(ctx context.Context, sessionID string) error {
	s.replayReads(ctx)
	if err := s.primary.Purge(ctx, sessionID); err != nil {
		if errors.Is(err, ErrUnavailable) {
			s.degraded.Store(true)
			slog.WarnContext(ctx, "primary message store unavailable, refusing purge",
				"driver", s.primary.Name(), "session_id", sessionID, "error", err)
		}
		return err
	}
	s.fellBack(ctx, "purge", nil)
	if err := s.secondary.Purge(ctx, sessionID); err != nil {
		return err
	}
	s.dropQueuedReads(sessionID)
	return nil
}

func (s *FallbackStore) Close() error {
	return errors.Join(s.primary.Close(), s.secondary.Close())
}
