package store

import (
	"context"
	"time"

	"github.com/mahaj/studio-chat/pkg/metrics"
	"github.com/mahaj/studio-chat/pkg/model"
)

// Instrumented records the latency and outcome of every call on the
// wrapped store.
type Instrumented struct {
	MessageStore
	metrics *metrics.Metrics
}

func Instrument(s MessageStore, m *metrics.Metrics) MessageStore {
	if m == nil {
		return s
	}
	return &Instrumented{MessageStore: s, metrics: m}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.StoreOps.WithLabelValues(s.MessageStore.Name(), op, outcome).Observe(time.Since(start).Seconds())
}

func (s *Instrumented) Append(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	start := time.Now()
	msg, err := s.MessageStore.Append(ctx, sessionID, sender, text)
	s.observe("append", start, err)
	return msg, err
}

func (s *Instrumented) List(ctx context.Context, sessionID string, opts ListOptions) ([]model.Message, error) {
	start := time.Now()
	msgs, err := s.MessageStore.List(ctx, sessionID, opts)
	s.observe("list", start, err)
	return msgs, err
}

func (s *Instrumented) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	start := time.Now()
	convs, err := s.MessageStore.ListConversations(ctx)
	s.observe("list_conversations", start, err)
	return convs, err
}

func (s *Instrumented) MarkRead(ctx context.Context, sessionID string) (int, error) {
	start := time.Now()
	n, err := s.MessageStore.MarkRead(ctx, sessionID)
	s.observe("mark_read", start, err)
	return n, err
}

func (s *Instrumented) Purge(ctx context.Context, sessionID string) error {
	start := time.Now()
	err := s.MessageStore.Purge(ctx, sessionID)
	s.observe("purge", start, err)
	return err
}

// Unwrap returns the instrumented store.
func (s *Instrumented) Unwrap() MessageStore {
	return s.MessageStore
}
