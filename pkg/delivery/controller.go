// Package delivery tracks outgoing messages from the optimistic local copy
// until the server's canonical message replaces it.
package delivery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mahaj/studio-chat/pkg/model"
)

// Sender persists one message. *client.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error)
}

// Entry is one outgoing message. Message is set once State is StateSent.
type Entry struct {
	model.PendingMessage
	Message *model.Message
}

type Controller struct {
	sender Sender
	now    func() time.Time

	mu       sync.Mutex
	entries  []*Entry
	onChange func(sessionID string)
}

func New(s Sender) *Controller {
	return &Controller{sender: s, now: time.Now}
}

// OnChange registers a callback fired after every local state change,
// outside the controller's lock.
func (c *Controller) OnChange(fn func(sessionID string)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *Controller) notify(sessionID string) {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(sessionID)
	}
}

// Submit renders text optimistically and makes exactly one send call. It
// never fails: errors leave the entry in StateFailed for Retry. It returns
// the entry's temp id, or "" when text is blank.
func (c *Controller) Submit(ctx context.Context, sessionID string, sender model.Sender, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	e := &Entry{PendingMessage: model.PendingMessage{
		TempID:    uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		CreatedAt: c.now(),
		State:     model.StateSending,
	}}
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
	c.notify(sessionID)

	c.send(ctx, e)
	return e.TempID
}

func (c *Controller) send(ctx context.Context, e *Entry) {
	msg, err := c.sender.Send(ctx, e.SessionID, e.Sender, e.Text)

	c.mu.Lock()
	if err != nil {
		e.State = model.StateFailed
		e.Err = err
	} else {
		e.State = model.StateSent
		e.Err = nil
		e.Message = &msg
	}
	c.mu.Unlock()

	if err != nil {
		slog.WarnContext(ctx, "message send failed", "session_id", e.SessionID, "temp_id", e.TempID, "error", err)
	}
	c.notify(e.SessionID)
}

// Retry re-sends a failed entry under a new temp id and a fresh timestamp.
// The failed entry is removed first. It returns "" when tempID is not a
// failed entry.
func (c *Controller) Retry(ctx context.Context, tempID string) string {
	c.mu.Lock()
	i := c.indexLocked(tempID)
	if i < 0 || c.entries[i].State != model.StateFailed {
		c.mu.Unlock()
		return ""
	}
	old := c.entries[i]
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	c.mu.Unlock()

	return c.Submit(ctx, old.SessionID, old.Sender, old.Text)
}

// Discard drops a failed or sent entry. Entries still sending are kept.
func (c *Controller) Discard(tempID string) bool {
	c.mu.Lock()
	i := c.indexLocked(tempID)
	if i < 0 || c.entries[i].State == model.StateSending {
		c.mu.Unlock()
		return false
	}
	sid := c.entries[i].SessionID
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	c.mu.Unlock()
	c.notify(sid)
	return true
}

func (c *Controller) indexLocked(tempID string) int {
	for i, e := range c.entries {
		if e.TempID == tempID {
			return i
		}
	}
	return -1
}

// Entries returns copies of the session's entries in submission order.
func (c *Controller) Entries(sessionID string) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if e.SessionID != sessionID {
			continue
		}
		cp := *e
		if e.Message != nil {
			m := *e.Message
			cp.Message = &m
		}
		out = append(out, cp)
	}
	return out
}

// Settle drops sent entries whose canonical message is in fetched. They
// are superseded by server data from then on.
func (c *Controller) Settle(sessionID string, fetched []model.Message) {
	ids := make(map[int64]bool, len(fetched))
	for _, m := range fetched {
		ids[m.ID] = true
	}
	c.mu.Lock()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.SessionID == sessionID && e.State == model.StateSent && ids[e.Message.ID] {
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(c.entries); i++ {
		c.entries[i] = nil
	}
	c.entries = kept
	c.mu.Unlock()
}
