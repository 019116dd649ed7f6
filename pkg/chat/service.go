// Package chat validates chat requests and applies them to the message
// store, announcing every change on the event publisher.
package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/mahaj/studio-chat/pkg/events"
	"github.com/mahaj/studio-chat/pkg/logger"
	"github.com/mahaj/studio-chat/pkg/metrics"
	"github.com/mahaj/studio-chat/pkg/model"
	"github.com/mahaj/studio-chat/pkg/session"
	"github.com/mahaj/studio-chat/pkg/store"
)

const (
	DefaultLimit = 100
	MaxLimit     = 200
	maxTextLen   = 4000
)

type Service struct {
	store     store.MessageStore
	publisher events.Publisher
	metrics   *metrics.Metrics
}

func NewService(s store.MessageStore, p events.Publisher, m *metrics.Metrics) *Service {
	return &Service{store: s, publisher: p, metrics: m}
}

func validSession(sessionID string) error {
	if sessionID == "" {
		return model.Required("sessionId")
	}
	if !session.Valid(sessionID) {
		return &model.ValidationError{Field: "sessionId", Reason: "is malformed"}
	}
	return nil
}

// Send appends a message. Nothing is stored when validation fails.
func (s *Service) Send(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.Message{}, model.Required("text")
	}
	if len(text) > maxTextLen {
		return model.Message{}, &model.ValidationError{Field: "text", Reason: "is too long"}
	}
	if err := validSession(sessionID); err != nil {
		return model.Message{}, err
	}
	if sender == "" {
		sender = model.SenderUser
	}
	if !sender.Valid() {
		return model.Message{}, &model.ValidationError{Field: "sender", Reason: "must be user or admin"}
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{SessionID: logger.Ptr(sessionID)})
	msg, err := s.store.Append(ctx, sessionID, sender, text)
	if err != nil {
		slog.ErrorContext(ctx, "append failed", "sender", sender, "error", err)
		return model.Message{}, err
	}
	if s.metrics != nil {
		s.metrics.MessagesAppended.WithLabelValues(string(sender)).Inc()
	}
	slog.DebugContext(ctx, "message appended", "id", msg.ID, "text", logger.Truncate(text, 40))

	s.publish(ctx, events.Event{Type: events.MessageAppended, SessionID: sessionID, Message: &msg})
	return msg, nil
}

// History lists a session oldest first. limit is clamped to MaxLimit and
// defaults to DefaultLimit; the newest messages are kept.
func (s *Service) History(ctx context.Context, sessionID string, sinceID int64, limit int) ([]model.Message, error) {
	if err := validSession(sessionID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	return s.store.List(ctx, sessionID, store.ListOptions{SinceID: sinceID, Limit: limit})
}

func (s *Service) Conversations(ctx context.Context) ([]model.Conversation, error) {
	return s.store.ListConversations(ctx)
}

func (s *Service) MarkRead(ctx context.Context, sessionID string) (int, error) {
	if err := validSession(sessionID); err != nil {
		return 0, err
	}
	n, err := s.store.MarkRead(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.publish(ctx, events.Event{Type: events.SessionRead, SessionID: sessionID})
	}
	return n, nil
}

// Purge deletes one session, or all of them when sessionID is empty.
func (s *Service) Purge(ctx context.Context, sessionID string) error {
	if sessionID != "" {
		if err := validSession(sessionID); err != nil {
			return err
		}
	}
	if err := s.store.Purge(ctx, sessionID); err != nil {
		return err
	}
	slog.InfoContext(ctx, "messages purged", "session_id", sessionID, "all", sessionID == "")
	s.publish(ctx, events.Event{Type: events.SessionPurged, SessionID: sessionID})
	return nil
}

// publish is best effort: a lost event only delays a client until its
// next poll.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.publisher == nil {
		return
	}
	outcome := "ok"
	if err := s.publisher.Publish(ctx, e); err != nil {
		outcome = "error"
		slog.WarnContext(ctx, "publishing event failed", "type", e.Type, "error", err)
	}
	if s.metrics != nil {
		s.metrics.EventsPublished.WithLabelValues(publisherName(s.publisher), outcome).Inc()
	}
}

func publisherName(p events.Publisher) string {
	switch p.(type) {
	case *events.KafkaPublisher:
		return "kafka"
	case *events.Local:
		return "local"
	}
	return "other"
}
