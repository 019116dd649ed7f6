package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/mahaj/studio-chat/pkg/conversation"
	"github.com/mahaj/studio-chat/pkg/model"
)

const (
	fileMsgPrefix = "msg/"
	// fileMsgEnd is the first key after every "msg/" key.
	fileMsgEnd = "msg0"
)

// FileStore persists messages in a local pebble database. Keys sort as
//
//	msg/<escaped session>/<created_at ms>/<id>
//
// so a prefix scan yields a session in order. The conversation index is
// rebuilt from a full scan on open and kept in memory afterwards.
type FileStore struct {
	mu    sync.Mutex
	db    *pebble.DB
	index *conversation.Index
	opts  Options
}

func NewFileStore(db *pebble.DB, opts Options) (*FileStore, error) {
	s := &FileStore{
		db:    db,
		index: conversation.NewIndex(),
		opts:  opts.withDefaults(),
	}
	all, err := s.scan([]byte(fileMsgPrefix), []byte(fileMsgEnd))
	if err != nil {
		return nil, err
	}
	s.index.Rebuild(all)
	return s, nil
}

func (s *FileStore) Name() string { return "file" }

func sessionPrefix(sessionID string) []byte {
	return []byte(fileMsgPrefix + url.PathEscape(sessionID) + "/")
}

func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	end[len(end)-1]++
	return end
}

func messageKey(m model.Message) []byte {
	return []byte(fmt.Sprintf("%s%020d/%020d", sessionPrefix(m.SessionID), m.CreatedAt.UnixMilli(), m.ID))
}

func (s *FileStore) scan(lower, upper []byte) ([]model.Message, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, unavailable(s.Name(), "scan", err)
	}
	defer iter.Close()

	var out []model.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m model.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, unavailable(s.Name(), "scan", err)
	}
	return out, nil
}

func (s *FileStore) put(m model.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.db.Set(messageKey(m), data, pebble.Sync)
}

// Append commits the admin-reply read marks and the new message in one
// batch, so a failed write leaves the session untouched.
func (s *FileStore) Append(_ context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev time.Time
	if c, ok := s.index.Get(sessionID); ok {
		prev = c.Timestamp
	}
	msg := s.opts.newMessage(sessionID, sender, text, prev)

	batch := s.db.NewBatch()
	defer batch.Close()
	if sender == model.SenderAdmin {
		if _, err := s.stageMarkRead(batch, sessionID); err != nil {
			return model.Message{}, err
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return model.Message{}, err
	}
	if err := batch.Set(messageKey(msg), data, nil); err != nil {
		return model.Message{}, unavailable(s.Name(), "append", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return model.Message{}, unavailable(s.Name(), "append", err)
	}
	if sender == model.SenderAdmin {
		s.index.MarkRead(sessionID)
	}
	s.index.Apply(msg)
	return msg, nil
}

func (s *FileStore) Import(_ context.Context, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey(msg)
	if _, closer, err := s.db.Get(key); err == nil {
		closer.Close()
		return nil
	}
	if err := s.put(msg); err != nil {
		return unavailable(s.Name(), "import", err)
	}
	s.index.Apply(msg)
	return nil
}

func (s *FileStore) List(_ context.Context, sessionID string, opts ListOptions) ([]model.Message, error) {
	prefix := sessionPrefix(sessionID)
	msgs, err := s.scan(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, err
	}
	return applyListOptions(msgs, opts), nil
}

func (s *FileStore) ListConversations(_ context.Context) ([]model.Conversation, error) {
	return s.index.List(), nil
}

func (s *FileStore) MarkRead(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markReadLocked(sessionID)
}

func (s *FileStore) markReadLocked(sessionID string) (int, error) {
	batch := s.db.NewBatch()
	defer batch.Close()
	updated, err := s.stageMarkRead(batch, sessionID)
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		if err := batch.Commit(pebble.Sync); err != nil {
			return 0, unavailable(s.Name(), "mark_read", err)
		}
	}
	s.index.MarkRead(sessionID)
	return updated, nil
}

// stageMarkRead adds a read mark for each unread user message to batch.
func (s *FileStore) stageMarkRead(batch *pebble.Batch, sessionID string) (int, error) {
	prefix := sessionPrefix(sessionID)
	msgs, err := s.scan(prefix, prefixEnd(prefix))
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, m := range msgs {
		if m.Sender != model.SenderUser || m.Read {
			continue
		}
		m.Read = true
		data, err := json.Marshal(m)
		if err != nil {
			return 0, err
		}
		if err := batch.Set(messageKey(m), data, nil); err != nil {
			return 0, unavailable(s.Name(), "mark_read", err)
		}
		updated++
	}
	return updated, nil
}

func (s *FileStore) Purge(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		if err := s.db.DeleteRange([]byte(fileMsgPrefix), []byte(fileMsgEnd), pebble.Sync); err != nil {
			return unavailable(s.Name(), "purge", err)
		}
		s.index.Reset()
		return nil
	}
	prefix := sessionPrefix(sessionID)
	if err := s.db.DeleteRange(prefix, prefixEnd(prefix), pebble.Sync); err != nil {
		return unavailable(s.Name(), "purge", err)
	}
	s.index.Remove(sessionID)
	return nil
}

// Close closes the underlying pebble database.
func (s *FileStore) Close() error {
	return s.db.Close()
}
