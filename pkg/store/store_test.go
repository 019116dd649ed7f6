package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/studio-chat/pkg/conversation"
	"github.com/mahaj/studio-chat/pkg/db"
	"github.com/mahaj/studio-chat/pkg/model"
	"github.com/mahaj/studio-chat/pkg/snowflake"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type factory func(t *testing.T, c *clock) MessageStore

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T, c *clock) MessageStore {
			return NewMemoryStore(Options{IDs: snowflake.MustNode(1), Now: c.Now})
		},
		"file": func(t *testing.T, c *clock) MessageStore {
			pdb, err := db.OpenPebble(t.TempDir())
			require.NoError(t, err)
			s, err := NewFileStore(pdb, Options{IDs: snowflake.MustNode(1), Now: c.Now})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func texts(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func assertIndexMatchesScan(t *testing.T, s MessageStore, sessions ...string) {
	t.Helper()
	ctx := context.Background()
	var all []model.Message
	for _, id := range sessions {
		msgs, err := s.List(ctx, id, ListOptions{})
		require.NoError(t, err)
		all = append(all, msgs...)
	}
	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, conversation.Scan(all), convs)
}

func TestStoreConformance(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("scenario A", func(t *testing.T) {
				c := newClock()
				s := open(t, c)
				ctx := context.Background()

				_, err := s.Append(ctx, "S1", model.SenderUser, "hi")
				require.NoError(t, err)
				c.Add(time.Second)
				_, err = s.Append(ctx, "S1", model.SenderAdmin, "hello")
				require.NoError(t, err)

				msgs, err := s.List(ctx, "S1", ListOptions{})
				require.NoError(t, err)
				assert.Equal(t, []string{"hi", "hello"}, texts(msgs))

				convs, err := s.ListConversations(ctx)
				require.NoError(t, err)
				require.Len(t, convs, 1)
				assert.Equal(t, model.Conversation{
					SessionID:     "S1",
					LastMessage:   "hello",
					LastSender:    model.SenderAdmin,
					Timestamp:     msgs[1].CreatedAt,
					MessageCount:  2,
					Unread:        0,
					LastMessageID: msgs[1].ID,
				}, convs[0])
			})

			t.Run("user messages start unread", func(t *testing.T) {
				c := newClock()
				s := open(t, c)
				ctx := context.Background()

				m, err := s.Append(ctx, "S1", model.SenderUser, "anyone there?")
				require.NoError(t, err)
				assert.False(t, m.Read)
				assert.NotZero(t, m.ID)

				convs, err := s.ListConversations(ctx)
				require.NoError(t, err)
				require.Len(t, convs, 1)
				assert.Equal(t, 1, convs[0].Unread)
			})

			t.Run("ordering survives a frozen or rewound clock", func(t *testing.T) {
				c := newClock()
				s := open(t, c)
				ctx := context.Background()

				for i := 0; i < 5; i++ {
					_, err := s.Append(ctx, "S1", model.SenderUser, fmt.Sprintf("m%d", i))
					require.NoError(t, err)
				}
				c.Add(-time.Minute)
				_, err := s.Append(ctx, "S1", model.SenderUser, "m5")
				require.NoError(t, err)

				msgs, err := s.List(ctx, "S1", ListOptions{})
				require.NoError(t, err)
				assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4", "m5"}, texts(msgs))
				for i := 1; i < len(msgs); i++ {
					assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
					assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
				}
			})

			t.Run("list is repeatable", func(t *testing.T) {
				c := newClock()
				s := open(t, c)
				ctx := context.Background()
				for i := 0; i < 3; i++ {
					c.Add(time.Millisecond)
					_, err := s.Append(ctx, "S1", model.SenderUser, fmt.Sprintf("m%d", i))
					require.NoError(t, err)
				}

				first, err := s.List(ctx, "S1", ListOptions{})
				require.NoError(t, err)
				second, err := s.List(ctx, "S1", ListOptions{})
				require.NoError(t, err)
				assert.Equal(t, first, second)
			})

			t.Run("concurrent sessions never interleave", func(t *testing.T) {
				c := newClock()
				s := open(t, c)
				ctx := context.Background()

				var wg sync.WaitGroup
				for _, id := range []string{"S1", "S2"} {
					wg.Add(1)
					go func(id string) {
						defer wg.Done()
						for i := 0; i < 20; i++ {
							_, err := s.Append(ctx, id, model.SenderUser, fmt.Sprintf("%s-%d", id, i))
							assert.NoError(t, err)
						}
					}(id)
				}
				wg.Wait()

				for _, id := range []string{"S1", "S2"} {
					msgs, err := s.List(ctx, id, ListOptions{})
					require.NoError(t, err)
					require.Len(t, msgs, 20)
					for i, m := range msgs {
						assert.Equal(t, id, m.SessionID)
						assert.Equal(t, fmt.Sprintf("%s-%d", id, i), m.Text)
					}
				}
				assertIndexMatchesScan(t, s, "S1", "S2")
			})

			t.Run("scenario D purge", func(t *testing.T) {
				c := newClock()
				s := open(t, c)
				ctx := context.Background()

				_, err := s.Append(ctx, "S1", model.SenderUser, "one")
				require.NoError(t, err)
				_, err = s.Append(ctx, "S2", model.SenderUser, "two")
				require.NoError(t, err)

				require.NoError(t, s.Purge(ctx, "S1"))

				msgs, err := s.List(ctx, "S1", ListOptions{})
				require.NoError(t, err)
				assert.Empty(t, msgs)
				assert.NotNil(t, msgs)

				convs, err := s.ListConversations(ctx)
				require.NoError(t, err)
				require.Len(t, convs, 1)
				assert.Equal(t, "S2", convs[0].SessionID)

				msgs, err = s.List(ctx, "S2", ListOptions{})
				require.NoError(t, err)
				assert.Equal(t, []string{"two"}, texts(msgs))

				require.NoError(t, s.Purge(ctx, ""))
				convs, err = s.ListConversations(ctx)
				require.NoError(t, err)
				assert.Empty(t, convs)
			})

			t.Run("mark read", func(t *testing.T) {
				c := newClock()
				s := open(t, c)
				ctx := context.Background()

				for _, text := range []string{"a", "b", "c"} {
					_, err := s.Append(ctx, "S1", model.SenderUser, text)
					require.NoError(t, err)
				}
				_, err := s.Append(ctx, "S2", model.SenderUser, "other")
				require.NoError(t, err)

				n, err := s.MarkRead(ctx, "S1")
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				n, err = s.MarkRead(ctx, "S1")
				require.NoError(t, err)
				assert.Zero(t, n)

				msgs, err := s.List(ctx, "S1", ListOptions{})
				require.NoError(t, err)
				for _, m := range msgs {
					assert.True(t, m.Read)
				}
				assertIndexMatchesScan(t, s, "S1", "S2")
			})

			t.Run("since and limit", func(t *testing.T) {
				c := newClock()
				s := open(t, c)
				ctx := context.Background()

				var ids []int64
				for i := 0; i < 6; i++ {
					c.Add(time.Millisecond)
					m, err := s.Append(ctx, "S1", model.SenderUser, fmt.Sprintf("m%d", i))
					require.NoError(t, err)
					ids = append(ids, m.ID)
				}

				msgs, err := s.List(ctx, "S1", ListOptions{SinceID: ids[3]})
				require.NoError(t, err)
				assert.Equal(t, []string{"m4", "m5"}, texts(msgs))

				msgs, err = s.List(ctx, "S1", ListOptions{Limit: 2})
				require.NoError(t, err)
				assert.Equal(t, []string{"m4", "m5"}, texts(msgs))

				msgs, err = s.List(ctx, "S1", ListOptions{SinceID: ids[0], Limit: 3})
				require.NoError(t, err)
				assert.Equal(t, []string{"m3", "m4", "m5"}, texts(msgs))
			})

			t.Run("import is idempotent", func(t *testing.T) {
				c := newClock()
				s := open(t, c)
				ctx := context.Background()
				imp, ok := s.(Importer)
				require.True(t, ok)

				m := model.Message{
					ID:        42,
					SessionID: "S9",
					Sender:    model.SenderUser,
					Text:      "imported",
					CreatedAt: model.StoreTime(c.Now()),
					Read:      true,
				}
				require.NoError(t, imp.Import(ctx, m))
				require.NoError(t, imp.Import(ctx, m))

				msgs, err := s.List(ctx, "S9", ListOptions{})
				require.NoError(t, err)
				assert.Equal(t, []model.Message{m}, msgs)
				assertIndexMatchesScan(t, s, "S9")
			})
		})
	}
}

func TestFileStoreRebuildsIndexOnOpen(t *testing.T) {
	dir := t.TempDir()
	c := newClock()
	ctx := context.Background()

	pdb, err := db.OpenPebble(dir)
	require.NoError(t, err)
	s, err := NewFileStore(pdb, Options{Now: c.Now})
	require.NoError(t, err)
	_, err = s.Append(ctx, "email_a_at_b_dot_com", model.SenderUser, "hello")
	require.NoError(t, err)
	c.Add(time.Second)
	_, err = s.Append(ctx, "anon_1", model.SenderUser, "hey")
	require.NoError(t, err)
	before, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	pdb, err = db.OpenPebble(dir)
	require.NoError(t, err)
	reopened, err := NewFileStore(pdb, Options{Now: c.Now})
	require.NoError(t, err)
	defer reopened.Close()

	after, err := reopened.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "anon_1", after[0].SessionID)
}

func TestFileStoreFailedAdminReplyLeavesSessionUnread(t *testing.T) {
	dir := t.TempDir()
	c := newClock()
	ctx := context.Background()

	pdb, err := db.OpenPebble(dir)
	require.NoError(t, err)
	s, err := NewFileStore(pdb, Options{Now: c.Now})
	require.NoError(t, err)
	_, err = s.Append(ctx, "S1", model.SenderUser, "hi")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ro, err := pebble.Open(dir, &pebble.Options{ReadOnly: true})
	require.NoError(t, err)
	s, err = NewFileStore(ro, Options{Now: c.Now})
	require.NoError(t, err)
	defer s.Close()

	c.Add(time.Second)
	_, err = s.Append(ctx, "S1", model.SenderAdmin, "hello")
	require.ErrorIs(t, err, ErrUnavailable)

	msgs, err := s.List(ctx, "S1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Read, "no read mark without the reply")
	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].Unread)
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore(Options{})
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), "S1", model.SenderUser, "late")
	assert.ErrorIs(t, err, ErrClosed)
}

// brokenStore fails every call as an unreachable backend would.
type brokenStore struct{ err error }

func (b *brokenStore) Name() string { return "broken" }
func (b *brokenStore) Append(context.Context, string, model.Sender, string) (model.Message, error) {
	return model.Message{}, b.err
}
func (b *brokenStore) List(context.Context, string, ListOptions) ([]model.Message, error) {
	return nil, b.err
}
func (b *brokenStore) ListConversations(context.Context) ([]model.Conversation, error) {
	return nil, b.err
}
func (b *brokenStore) MarkRead(context.Context, string) (int, error) { return 0, b.err }
func (b *brokenStore) Purge(context.Context, string) error          { return b.err }
func (b *brokenStore) Close() error                                 { return nil }

func TestFallbackUsesSecondaryWhenPrimaryUnavailable(t *testing.T) {
	ctx := context.Background()
	primary := &brokenStore{err: unavailable("broken", "append", errors.New("connection refused"))}
	secondary := NewMemoryStore(Options{})
	s := NewFallbackStore(primary, secondary, nil)

	m, err := s.Append(ctx, "S1", model.SenderUser, "hi")
	require.NoError(t, err)
	assert.True(t, s.Degraded())

	msgs, err := s.List(ctx, "S1", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []model.Message{m}, msgs)

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
}

func TestFallbackDoesNotMaskOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	s := NewFallbackStore(&brokenStore{err: boom}, NewMemoryStore(Options{}), nil)

	_, err := s.Append(context.Background(), "S1", model.SenderUser, "hi")
	assert.ErrorIs(t, err, boom)
	assert.False(t, s.Degraded())
}

func TestFallbackMergesOutageWrites(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	ids := snowflake.MustNode(1)
	primary := NewMemoryStore(Options{IDs: ids, Now: c.Now})
	secondary := NewMemoryStore(Options{IDs: ids, Now: c.Now})
	s := NewFallbackStore(primary, secondary, nil)

	_, err := primary.Append(ctx, "S1", model.SenderUser, "before outage")
	require.NoError(t, err)
	c.Add(time.Second)
	_, err = secondary.Append(ctx, "S1", model.SenderUser, "during outage")
	require.NoError(t, err)

	msgs, err := s.List(ctx, "S1", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"before outage", "during outage"}, texts(msgs))

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].MessageCount)
	assert.Equal(t, "during outage", convs[0].LastMessage)

	n, err := s.MarkRead(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpErrorIsUnavailable(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := fmt.Errorf("listing: %w", unavailable("postgres", "list", cause))

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "postgres list")
	assert.NoError(t, unavailable("postgres", "list", nil))
}

// flakyStore wraps a working store and reports ErrUnavailable while down.
type flakyStore struct {
	MessageStore
	down atomic.Bool
}

func (f *flakyStore) fail(op string) error {
	return unavailable("flaky", op, errors.New("connection refused"))
}

func (f *flakyStore) Append(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	if f.down.Load() {
		return model.Message{}, f.fail("append")
	}
	return f.MessageStore.Append(ctx, sessionID, sender, text)
}

func (f *flakyStore) List(ctx context.Context, sessionID string, opts ListOptions) ([]model.Message, error) {
	if f.down.Load() {
		return nil, f.fail("list")
	}
	return f.MessageStore.List(ctx, sessionID, opts)
}

func (f *flakyStore) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	if f.down.Load() {
		return nil, f.fail("list_conversations")
	}
	return f.MessageStore.ListConversations(ctx)
}

func (f *flakyStore) MarkRead(ctx context.Context, sessionID string) (int, error) {
	if f.down.Load() {
		return 0, f.fail("mark_read")
	}
	return f.MessageStore.MarkRead(ctx, sessionID)
}

func (f *flakyStore) Purge(ctx context.Context, sessionID string) error {
	if f.down.Load() {
		return f.fail("purge")
	}
	return f.MessageStore.Purge(ctx, sessionID)
}

func newFlakyPair(c *clock) (*flakyStore, *MemoryStore, *FallbackStore) {
	opts := Options{IDs: snowflake.MustNode(1), Now: c.Now}
	primary := &flakyStore{MessageStore: NewMemoryStore(opts)}
	secondary := NewMemoryStore(opts)
	return primary, secondary, NewFallbackStore(primary, secondary, nil)
}

func TestFallbackPurgeFailsWhilePrimaryDown(t *testing.T) {
	ctx := context.Background()
	primary, _, s := newFlakyPair(newClock())

	_, err := s.Append(ctx, "S1", model.SenderUser, "hi")
	require.NoError(t, err)

	primary.down.Store(true)
	err = s.Purge(ctx, "S1")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, s.Degraded())

	primary.down.Store(false)
	msgs, err := s.List(ctx, "S1", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, texts(msgs), "a refused purge deletes nothing")

	require.NoError(t, s.Purge(ctx, "S1"))
	msgs, err = s.List(ctx, "S1", ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestFallbackAdminReplyDuringOutageMarksPrimaryRead(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	primary, _, s := newFlakyPair(c)

	_, err := s.Append(ctx, "S1", model.SenderUser, "hi")
	require.NoError(t, err)
	c.Add(time.Second)

	primary.down.Store(true)
	reply, err := s.Append(ctx, "S1", model.SenderAdmin, "hello")
	require.NoError(t, err)
	primary.down.Store(false)

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "hello", convs[0].LastMessage)
	assert.Equal(t, model.SenderAdmin, convs[0].LastSender)
	assert.Equal(t, reply.CreatedAt, convs[0].Timestamp)
	assert.Equal(t, 2, convs[0].MessageCount)
	assert.Zero(t, convs[0].Unread)

	c.Add(time.Second)
	_, err = s.Append(ctx, "S1", model.SenderUser, "thanks")
	require.NoError(t, err)
	convs, err = s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].Unread, "messages after the reply stay unread")
}

func TestFallbackMarkReadDuringOutageIsReplayed(t *testing.T) {
	ctx := context.Background()
	primary, _, s := newFlakyPair(newClock())

	_, err := s.Append(ctx, "S1", model.SenderUser, "hi")
	require.NoError(t, err)

	primary.down.Store(true)
	_, err = s.MarkRead(ctx, "S1")
	require.NoError(t, err)
	primary.down.Store(false)

	msgs, err := s.List(ctx, "S1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
}

func TestFallbackAdminReplyMarksOutageMessagesRead(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	primary, secondary, s := newFlakyPair(c)

	primary.down.Store(true)
	_, err := s.Append(ctx, "S1", model.SenderUser, "anyone?")
	require.NoError(t, err)
	primary.down.Store(false)
	c.Add(time.Second)

	_, err = s.Append(ctx, "S1", model.SenderAdmin, "here")
	require.NoError(t, err)

	held, err := secondary.List(ctx, "S1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.True(t, held[0].Read)

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Zero(t, convs[0].Unread)
	assert.Equal(t, "here", convs[0].LastMessage)
}

func TestSessionLocksSerializePerSession(t *testing.T) {
	var locks sessionLocks
	var (
		wg     sync.WaitGroup
		active atomic.Int32
		peak   atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("S1")
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())

	unlockA := locks.lock("A")
	unlockB := locks.lock("B")
	unlockB()
	unlockA()
	assert.Empty(t, locks.locks, "idle sessions release their lock")
}
