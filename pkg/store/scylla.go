package store

import (
	"context"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/studio-chat/pkg/conversation"
	"github.com/mahaj/studio-chat/pkg/db"
	"github.com/mahaj/studio-chat/pkg/model"
)

const scyllaSchema = `CREATE TABLE IF NOT EXISTS chat_messages (
	session_id text,
	created_at timestamp,
	id bigint,
	sender text,
	text text,
	is_read boolean,
	PRIMARY KEY ((session_id), created_at, id)
) WITH CLUSTERING ORDER BY (created_at ASC, id ASC)`

const scyllaColumns = `session_id, created_at, id, sender, text, is_read`

// ScyllaStore partitions messages by session, clustered in session order.
type ScyllaStore struct {
	session *db.Session
	opts    Options
	locks   sessionLocks
}

func NewScyllaStore(session *db.Session, opts Options) (*ScyllaStore, error) {
	if err := session.Query(scyllaSchema).Exec(); err != nil {
		return nil, unavailable("scylla", "migrate", err)
	}
	return &ScyllaStore{session: session, opts: opts.withDefaults()}, nil
}

func (s *ScyllaStore) Name() string { return "scylla" }

func (s *ScyllaStore) Append(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	var prev time.Time
	err := s.session.Query(
		`SELECT created_at FROM chat_messages WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionID,
	).WithContext(ctx).Scan(&prev)
	if err != nil && err != gocql.ErrNotFound {
		return model.Message{}, unavailable(s.Name(), "append", err)
	}

	msg := s.opts.newMessage(sessionID, sender, text, prev.UTC())
	if err := s.insert(ctx, msg); err != nil {
		return model.Message{}, unavailable(s.Name(), "append", err)
	}
	if sender == model.SenderAdmin {
		if _, err := s.MarkRead(ctx, sessionID); err != nil {
			return model.Message{}, err
		}
	}
	return msg, nil
}

func (s *ScyllaStore) insert(ctx context.Context, m model.Message) error {
	return s.session.Query(
		`INSERT INTO chat_messages (`+scyllaColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		m.SessionID, m.CreatedAt, m.ID, string(m.Sender), m.Text, m.Read,
	).WithContext(ctx).Exec()
}

// Import relies on INSERT being an upsert on the full primary key.
func (s *ScyllaStore) Import(ctx context.Context, msg model.Message) error {
	return unavailable(s.Name(), "import", s.insert(ctx, msg))
}

func (s *ScyllaStore) scan(iter *gocql.Iter) ([]model.Message, error) {
	var (
		out    []model.Message
		m      model.Message
		sender string
	)
	for iter.Scan(&m.SessionID, &m.CreatedAt, &m.ID, &sender, &m.Text, &m.Read) {
		m.Sender = model.Sender(sender)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ScyllaStore) List(ctx context.Context, sessionID string, opts ListOptions) ([]model.Message, error) {
	iter := s.session.Query(
		`SELECT `+scyllaColumns+` FROM chat_messages WHERE session_id = ?`,
		sessionID,
	).WithContext(ctx).Iter()
	msgs, err := s.scan(iter)
	if err != nil {
		return nil, unavailable(s.Name(), "list", err)
	}
	return applyListOptions(msgs, opts), nil
}

// ListConversations scans the whole table; the session set is small enough
// for a studio inbox.
func (s *ScyllaStore) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	iter := s.session.Query(`SELECT ` + scyllaColumns + ` FROM chat_messages`).WithContext(ctx).Iter()
	msgs, err := s.scan(iter)
	if err != nil {
		return nil, unavailable(s.Name(), "list_conversations", err)
	}
	return conversation.Scan(msgs), nil
}

func (s *ScyllaStore) MarkRead(ctx context.Context, sessionID string) (int, error) {
	msgs, err := s.List(ctx, sessionID, ListOptions{})
	if err != nil {
		return 0, err
	}

	batch := s.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, m := range msgs {
		if m.Sender != model.SenderUser || m.Read {
			continue
		}
		batch.Query(
			`UPDATE chat_messages SET is_read = true WHERE session_id = ? AND created_at = ? AND id = ?`,
			m.SessionID, m.CreatedAt, m.ID,
		)
	}
	if batch.Size() == 0 {
		return 0, nil
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return 0, unavailable(s.Name(), "mark_read", err)
	}
	return batch.Size(), nil
}

func (s *ScyllaStore) Purge(ctx context.Context, sessionID string) error {
	q := s.session.Query(`TRUNCATE chat_messages`)
	if sessionID != "" {
		q = s.session.Query(`DELETE FROM chat_messages WHERE session_id = ?`, sessionID)
	}
	return unavailable(s.Name(), "purge", q.WithContext(ctx).Exec())
}

func (s *ScyllaStore) Close() error {
	s.session.Close()
	return nil
}
