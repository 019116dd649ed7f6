package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mahaj/studio-chat/pkg/conversation"
	"github.com/mahaj/studio-chat/pkg/model"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id         BIGINT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender     TEXT NOT NULL,
		text       TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		is_read    BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_session_idx
		ON chat_messages (session_id, created_at, id)`,
}

const markReadSQL = `UPDATE chat_messages SET is_read = TRUE
	WHERE session_id = $1 AND sender = 'user' AND NOT is_read`

type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPostgresStore creates the schema if needed. The pool is owned by the
// store and closed with it.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts Options) (*PostgresStore, error) {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, unavailable("postgres", "migrate", err)
		}
	}
	return &PostgresStore{pool: pool, opts: opts.withDefaults()}, nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Append(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	var msg model.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Serializes appends per session for the clamp below.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
			return err
		}
		var prev time.Time
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(created_at), 'epoch'::timestamptz) FROM chat_messages WHERE session_id = $1`,
			sessionID,
		).Scan(&prev)
		if err != nil {
			return err
		}

		msg = s.opts.newMessage(sessionID, sender, text, prev.UTC())
		if sender == model.SenderAdmin {
			if _, err := tx.Exec(ctx, markReadSQL, sessionID); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO chat_messages (id, session_id, sender, text, created_at, is_read)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			msg.ID, msg.SessionID, string(msg.Sender), msg.Text, msg.CreatedAt, msg.Read,
		)
		return err
	})
	if err != nil {
		return model.Message{}, unavailable(s.Name(), "append", err)
	}
	return msg, nil
}

func (s *PostgresStore) Import(ctx context.Context, msg model.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, session_id, sender, text, created_at, is_read)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.SessionID, string(msg.Sender), msg.Text, msg.CreatedAt, msg.Read,
	)
	return unavailable(s.Name(), "import", err)
}

func (s *PostgresStore) List(ctx context.Context, sessionID string, opts ListOptions) ([]model.Message, error) {
	// Newest first so LIMIT keeps the tail, reversed below.
	query := `SELECT id, session_id, sender, text, created_at, is_read
		FROM chat_messages
		WHERE session_id = $1 AND id > $2
		ORDER BY created_at DESC, id DESC`
	args := []any{sessionID, opts.SinceID}
	if opts.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(s.Name(), "list", err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, unavailable(s.Name(), "list", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return applyListOptions(msgs, ListOptions{}), nil
}

func scanMessage(row pgx.CollectableRow) (model.Message, error) {
	var (
		m      model.Message
		sender string
	)
	if err := row.Scan(&m.ID, &m.SessionID, &sender, &m.Text, &m.CreatedAt, &m.Read); err != nil {
		return model.Message{}, err
	}
	m.Sender = model.Sender(sender)
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (session_id)
			session_id, id, text, sender, created_at,
			COUNT(*) OVER (PARTITION BY session_id),
			COUNT(*) FILTER (WHERE sender = 'user' AND NOT is_read) OVER (PARTITION BY session_id)
		FROM chat_messages
		ORDER BY session_id, created_at DESC, id DESC`)
	if err != nil {
		return nil, unavailable(s.Name(), "list_conversations", err)
	}

	convs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Conversation, error) {
		var (
			c      model.Conversation
			sender string
		)
		err := row.Scan(&c.SessionID, &c.LastMessageID, &c.LastMessage, &sender, &c.Timestamp, &c.MessageCount, &c.Unread)
		c.LastSender = model.Sender(sender)
		c.Timestamp = c.Timestamp.UTC()
		return c, err
	})
	if err != nil {
		return nil, unavailable(s.Name(), "list_conversations", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	conversation.Sort(convs)
	return convs, nil
}

func (s *PostgresStore) MarkRead(ctx context.Context, sessionID string) (int, error) {
	tag, err := s.pool.Exec(ctx, markReadSQL, sessionID)
	if err != nil {
		return 0, unavailable(s.Name(), "mark_read", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Purge(ctx context.Context, sessionID string) error {
	var err error
	if sessionID == "" {
		_, err = s.pool.Exec(ctx, `DELETE FROM chat_messages`)
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, sessionID)
	}
	return unavailable(s.Name(), "purge", err)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
