package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/studio-chat/pkg/model"
)

var errNetwork = errors.New("connection refused")

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	fail  bool
	next  int64
}

func (f *fakeSender) Send(_ context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	if f.fail {
		return model.Message{}, errNetwork
	}
	f.next++
	return model.Message{ID: f.next, SessionID: sessionID, Sender: sender, Text: text, CreatedAt: time.Now()}, nil
}

func (f *fakeSender) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func TestSubmitReplacesPendingWithCanonical(t *testing.T) {
	s := &fakeSender{}
	c := New(s)
	var seen []model.DeliveryState
	c.OnChange(func(sid string) {
		for _, e := range c.Entries(sid) {
			seen = append(seen, e.State)
		}
	})

	id := c.Submit(context.Background(), "S1", model.SenderUser, " hi ")
	require.NotEmpty(t, id)

	assert.Equal(t, []string{"hi"}, s.calls, "exactly one network call")
	assert.Equal(t, []model.DeliveryState{model.StateSending, model.StateSent}, seen)

	entries := c.Entries("S1")
	require.Len(t, entries, 1)
	assert.Equal(t, model.StateSent, entries[0].State)
	require.NotNil(t, entries[0].Message)
	assert.Equal(t, int64(1), entries[0].Message.ID)
	assert.Empty(t, c.Entries("S2"))
}

func TestSubmitFailureStaysVisible(t *testing.T) {
	s := &fakeSender{fail: true}
	c := New(s)

	id := c.Submit(context.Background(), "S1", model.SenderUser, "test")

	entries := c.Entries("S1")
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].TempID)
	assert.Equal(t, model.StateFailed, entries[0].State)
	assert.ErrorIs(t, entries[0].Err, errNetwork)
	assert.Nil(t, entries[0].Message)
}

func TestSubmitIgnoresBlankText(t *testing.T) {
	s := &fakeSender{}
	c := New(s)
	assert.Empty(t, c.Submit(context.Background(), "S1", model.SenderUser, "   "))
	assert.Empty(t, s.calls)
	assert.Empty(t, c.Entries("S1"))
}

func TestRetryReplacesFailedEntry(t *testing.T) {
	s := &fakeSender{fail: true}
	c := New(s)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	failed := c.Submit(context.Background(), "S1", model.SenderUser, "test")
	require.Len(t, c.Entries("S1"), 1)

	assert.Empty(t, c.Retry(context.Background(), "unknown"))

	s.setFail(false)
	c.now = func() time.Time { return base.Add(time.Minute) }
	retried := c.Retry(context.Background(), failed)
	require.NotEmpty(t, retried)
	assert.NotEqual(t, failed, retried)

	entries := c.Entries("S1")
	require.Len(t, entries, 1, "the failed entry is removed, not duplicated")
	assert.Equal(t, retried, entries[0].TempID)
	assert.Equal(t, model.StateSent, entries[0].State)
	assert.Equal(t, base.Add(time.Minute), entries[0].CreatedAt, "retry uses a fresh timestamp")
	assert.Len(t, s.calls, 2)

	assert.Empty(t, c.Retry(context.Background(), retried), "only failed entries can be retried")
}

func TestDiscardAndSettle(t *testing.T) {
	s := &fakeSender{fail: true}
	c := New(s)
	failed := c.Submit(context.Background(), "S1", model.SenderUser, "lost")
	assert.True(t, c.Discard(failed))
	assert.False(t, c.Discard(failed))
	assert.Empty(t, c.Entries("S1"))

	s.setFail(false)
	c.Submit(context.Background(), "S1", model.SenderUser, "one")
	c.Submit(context.Background(), "S1", model.SenderUser, "two")
	entries := c.Entries("S1")
	require.Len(t, entries, 2)

	c.Settle("S1", []model.Message{*entries[0].Message})
	left := c.Entries("S1")
	require.Len(t, left, 1)
	assert.Equal(t, "two", left[0].Text)

	c.Settle("S2", []model.Message{*left[0].Message})
	assert.Len(t, c.Entries("S1"), 1, "settle is per session")
}
