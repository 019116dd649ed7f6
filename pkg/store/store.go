// Package store persists chat messages. Every backend implements
// MessageStore with identical semantics; the driver is chosen by
// configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mahaj/studio-chat/pkg/model"
	"github.com/mahaj/studio-chat/pkg/snowflake"
)

var (
	// ErrUnavailable marks failures of the backend itself (connection,
	// timeout, driver errors). Callers may degrade to another store.
	ErrUnavailable = errors.New("message store unavailable")
	ErrClosed      = errors.New("message store closed")
)

type ListOptions struct {
	// SinceID returns only messages with a larger id.
	SinceID int64
	// Limit keeps the newest Limit messages; zero means no limit.
	Limit int
}

type MessageStore interface {
	// Append persists a message, assigning its id, timestamp and read flag.
	// An admin reply also marks the session's earlier user messages read.
	Append(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error)
	// List returns a session's messages ordered by CreatedAt then ID.
	List(ctx context.Context, sessionID string, opts ListOptions) ([]model.Message, error)
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	// MarkRead flags every unread user message of the session as read and
	// reports how many changed.
	MarkRead(ctx context.Context, sessionID string) (int, error)
	// Purge deletes a session's messages, or every message when sessionID is empty.
	Purge(ctx context.Context, sessionID string) error
	Name() string
	Close() error
}

// Importer writes an existing message verbatim. Used by migrations.
type Importer interface {
	Import(ctx context.Context, msg model.Message) error
}

// OpError carries the failing operation and backend.
type OpError struct {
	Driver string
	Op     string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Driver, e.Op, e.Err)
}

func (e *OpError) Unwrap() []error {
	return []error{ErrUnavailable, e.Err}
}

func unavailable(driver, op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Driver: driver, Op: op, Err: err}
}

// applyListOptions filters an ordered slice.
func applyListOptions(msgs []model.Message, opts ListOptions) []model.Message {
	if opts.SinceID > 0 {
		filtered := msgs[:0:0]
		for _, m := range msgs {
			if m.ID > opts.SinceID {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs
}

// Options are shared by every backend.
type Options struct {
	IDs *snowflake.Node
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.IDs == nil {
		o.IDs = snowflake.MustNode(1)
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// newMessage builds the record for an append. prev is the session's last
// timestamp; the new one never sorts before it.
func (o Options) newMessage(sessionID string, sender model.Sender, text string, prev time.Time) model.Message {
	createdAt := model.StoreTime(o.Now())
	if createdAt.Before(prev) {
		createdAt = prev
	}
	return model.Message{
		ID:        o.IDs.Generate(),
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		CreatedAt: createdAt,
		Read:      model.ReadOnAppend(sender),
	}
}

// sessionLocks serializes appends per session within one process. Backends
// without a transactional read-then-write use it so the createdAt clamp
// sees the previous append.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func (l *sessionLocks) lock(sessionID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sessionLock)
	}
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{}
		l.locks[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		if sl.refs--; sl.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
