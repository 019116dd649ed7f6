package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/studio-chat/pkg/conversation"
	"github.com/mahaj/studio-chat/pkg/model"
)

// RedisStore keeps one stream per session plus a set of known sessions.
// Stream entries are immutable, so read state for user messages is a
// per-session watermark: every user message with an id at or below it
// has been read.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
	locks  sessionLocks
}

func NewRedisStore(client *redis.Client, prefix string, opts Options) *RedisStore {
	if prefix == "" {
		prefix = "chat"
	}
	return &RedisStore{client: client, prefix: prefix, opts: opts.withDefaults()}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) streamKey(sessionID string) string {
	return s.prefix + ":session:" + sessionID
}

func (s *RedisStore) readMarkKey(sessionID string) string {
	return s.prefix + ":readmark:" + sessionID
}

func (s *RedisStore) sessionsKey() string {
	return s.prefix + ":sessions"
}

func (s *RedisStore) Append(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	var prev time.Time
	last, err := s.client.XRevRangeN(ctx, s.streamKey(sessionID), "+", "-", 1).Result()
	if err != nil {
		return model.Message{}, unavailable(s.Name(), "append", err)
	}
	if len(last) > 0 {
		if m, err := decodeStreamMessage(sessionID, last[0]); err == nil {
			prev = m.CreatedAt
		}
	}

	msg := s.opts.newMessage(sessionID, sender, text, prev)
	if err := s.write(ctx, msg); err != nil {
		return model.Message{}, unavailable(s.Name(), "append", err)
	}
	return msg, nil
}

func (s *RedisStore) write(ctx context.Context, m model.Message) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamKey(m.SessionID),
			Values: map[string]any{
				"id":         strconv.FormatInt(m.ID, 10),
				"sender":     string(m.Sender),
				"text":       m.Text,
				"created_at": m.CreatedAt.UnixMilli(),
				"read":       boolField(m.Read),
			},
		})
		pipe.SAdd(ctx, s.sessionsKey(), m.SessionID)
		if m.Sender == model.SenderAdmin {
			pipe.Set(ctx, s.readMarkKey(m.SessionID), m.ID, 0)
		}
		return nil
	})
	return err
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeStreamMessage(sessionID string, entry redis.XMessage) (model.Message, error) {
	field := func(name string) string {
		v, _ := entry.Values[name].(string)
		return v
	}
	id, err := strconv.ParseInt(field("id"), 10, 64)
	if err != nil {
		return model.Message{}, fmt.Errorf("stream entry %s: bad id: %w", entry.ID, err)
	}
	ms, err := strconv.ParseInt(field("created_at"), 10, 64)
	if err != nil {
		return model.Message{}, fmt.Errorf("stream entry %s: bad created_at: %w", entry.ID, err)
	}
	return model.Message{
		ID:        id,
		SessionID: sessionID,
		Sender:    model.Sender(field("sender")),
		Text:      field("text"),
		CreatedAt: time.UnixMilli(ms).UTC(),
		Read:      field("read") == "1",
	}, nil
}

// Import appends msg unless the session already holds its id.
func (s *RedisStore) Import(ctx context.Context, msg model.Message) error {
	existing, err := s.session(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	for _, m := range existing {
		if m.ID == msg.ID {
			return nil
		}
	}
	return unavailable(s.Name(), "import", s.write(ctx, msg))
}

// session loads a whole stream with read state applied.
func (s *RedisStore) session(ctx context.Context, sessionID string) ([]model.Message, error) {
	entries, err := s.client.XRange(ctx, s.streamKey(sessionID), "-", "+").Result()
	if err != nil {
		return nil, unavailable(s.Name(), "list", err)
	}
	mark, err := s.client.Get(ctx, s.readMarkKey(sessionID)).Int64()
	if err != nil && err != redis.Nil {
		return nil, unavailable(s.Name(), "list", err)
	}

	msgs := make([]model.Message, 0, len(entries))
	for _, e := range entries {
		m, err := decodeStreamMessage(sessionID, e)
		if err != nil {
			return nil, err
		}
		if m.Sender == model.SenderUser && m.ID <= mark {
			m.Read = true
		}
		msgs = append(msgs, m)
	}
	// Imports may land out of order.
	model.SortMessages(msgs)
	return msgs, nil
}

func (s *RedisStore) List(ctx context.Context, sessionID string, opts ListOptions) ([]model.Message, error) {
	msgs, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return applyListOptions(msgs, opts), nil
}

func (s *RedisStore) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	ids, err := s.client.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, unavailable(s.Name(), "list_conversations", err)
	}
	var all []model.Message
	for _, id := range ids {
		msgs, err := s.session(ctx, id)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}
	return conversation.Scan(all), nil
}

func (s *RedisStore) MarkRead(ctx context.Context, sessionID string) (int, error) {
	msgs, err := s.session(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	var (
		updated int
		mark    int64
	)
	for _, m := range msgs {
		if m.ID > mark {
			mark = m.ID
		}
		if m.Sender == model.SenderUser && !m.Read {
			updated++
		}
	}
	if updated == 0 {
		return 0, nil
	}
	if err := s.client.Set(ctx, s.readMarkKey(sessionID), mark, 0).Err(); err != nil {
		return 0, unavailable(s.Name(), "mark_read", err)
	}
	return updated, nil
}

func (s *RedisStore) Purge(ctx context.Context, sessionID string) error {
	ids := []string{sessionID}
	if sessionID == "" {
		var err error
		ids, err = s.client.SMembers(ctx, s.sessionsKey()).Result()
		if err != nil {
			return unavailable(s.Name(), "purge", err)
		}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.streamKey(id), s.readMarkKey(id))
			pipe.SRem(ctx, s.sessionsKey(), id)
		}
		return nil
	})
	return unavailable(s.Name(), "purge", err)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
