package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mahaj/studio-chat/pkg/conversation"
	"github.com/mahaj/studio-chat/pkg/model"
)

type messageRow struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false"`
	SessionID string    `gorm:"not null;index:idx_chat_session,priority:1"`
	Sender    string    `gorm:"not null"`
	Text      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false;index:idx_chat_session,priority:2"`
	IsRead    bool      `gorm:"column:is_read;not null;default:false"`
}

func (messageRow) TableName() string { return "chat_messages" }

func rowFromMessage(m model.Message) messageRow {
	return messageRow{
		ID:        m.ID,
		SessionID: m.SessionID,
		Sender:    string(m.Sender),
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
		IsRead:    m.Read,
	}
}

func (r messageRow) message() model.Message {
	return model.Message{
		ID:        r.ID,
		SessionID: r.SessionID,
		Sender:    model.Sender(r.Sender),
		Text:      r.Text,
		CreatedAt: r.CreatedAt.UTC(),
		Read:      r.IsRead,
	}
}

// SQLStore keeps messages in a relational database through gorm. It is
// used with the embedded sqlite driver.
type SQLStore struct {
	db   *gorm.DB
	opts Options
}

func NewSQLStore(db *gorm.DB, opts Options) (*SQLStore, error) {
	if err := db.AutoMigrate(&messageRow{}); err != nil {
		return nil, unavailable("sqlite", "migrate", err)
	}
	return &SQLStore{db: db, opts: opts.withDefaults()}, nil
}

func (s *SQLStore) Name() string { return "sqlite" }

func (s *SQLStore) Append(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last messageRow
		var prev time.Time
		res := tx.Where("session_id = ?", sessionID).
			Order("created_at DESC, id DESC").
			Limit(1).
			Find(&last)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			prev = last.CreatedAt.UTC()
		}

		msg = s.opts.newMessage(sessionID, sender, text, prev)
		if sender == model.SenderAdmin {
			if _, err := markReadRows(tx, sessionID); err != nil {
				return err
			}
		}
		row := rowFromMessage(msg)
		return tx.Create(&row).Error
	})
	if err != nil {
		return model.Message{}, unavailable(s.Name(), "append", err)
	}
	return msg, nil
}

func (s *SQLStore) Import(ctx context.Context, msg model.Message) error {
	row := rowFromMessage(msg)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	return unavailable(s.Name(), "import", err)
}

func (s *SQLStore) List(ctx context.Context, sessionID string, opts ListOptions) ([]model.Message, error) {
	q := s.db.WithContext(ctx).
		Where("session_id = ? AND id > ?", sessionID, opts.SinceID).
		Order("created_at DESC, id DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, unavailable(s.Name(), "list", err)
	}
	msgs := make([]model.Message, len(rows))
	for i, r := range rows {
		msgs[len(rows)-1-i] = r.message()
	}
	return msgs, nil
}

func (s *SQLStore) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var rows []messageRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, unavailable(s.Name(), "list_conversations", err)
	}
	msgs := make([]model.Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.message()
	}
	return conversation.Scan(msgs), nil
}

func (s *SQLStore) MarkRead(ctx context.Context, sessionID string) (int, error) {
	n, err := markReadRows(s.db.WithContext(ctx), sessionID)
	if err != nil {
		return 0, unavailable(s.Name(), "mark_read", err)
	}
	return n, nil
}

func markReadRows(tx *gorm.DB, sessionID string) (int, error) {
	res := tx.Model(&messageRow{}).
		Where("session_id = ? AND sender = ? AND is_read = ?", sessionID, string(model.SenderUser), false).
		Update("is_read", true)
	return int(res.RowsAffected), res.Error
}

func (s *SQLStore) Purge(ctx context.Context, sessionID string) error {
	q := s.db.WithContext(ctx)
	if sessionID == "" {
		q = q.Where("1 = 1")
	} else {
		q = q.Where("session_id = ?", sessionID)
	}
	return unavailable(s.Name(), "purge", q.Delete(&messageRow{}).Error)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
