package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/studio-chat/pkg/events"
	"github.com/mahaj/studio-chat/pkg/metrics"
	"github.com/mahaj/studio-chat/pkg/model"
	"github.com/mahaj/studio-chat/pkg/store"
)

func newService(t *testing.T) (*Service, *[]events.Event) {
	t.Helper()
	bus := events.NewLocal()
	var seen []events.Event
	bus.Subscribe(func(_ context.Context, e events.Event) { seen = append(seen, e) })
	return NewService(store.NewMemoryStore(store.Options{}), bus, metrics.New()), &seen
}

func TestSendValidation(t *testing.T) {
	svc, seen := newService(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		sessionID string
		sender    model.Sender
		text      string
		field     string
	}{
		{"missing text", "S1", model.SenderUser, "   ", "text"},
		{"missing session", "", model.SenderUser, "hi", "sessionId"},
		{"bad session", "a/b", model.SenderUser, "hi", "sessionId"},
		{"bad sender", "S1", "bot", "hi", "sender"},
		{"too long", "S1", model.SenderUser, strings.Repeat("x", maxTextLen+1), "text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Send(ctx, tc.sessionID, tc.sender, tc.text)
			require.ErrorIs(t, err, model.ErrValidation)
			var verr *model.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	convs, err := svc.Conversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs, "rejected sends never persist")
	assert.Empty(t, *seen)
}

func TestSendPublishesAndDefaultsSender(t *testing.T) {
	svc, seen := newService(t)
	ctx := context.Background()

	msg, err := svc.Send(ctx, "S1", "", "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, model.SenderUser, msg.Sender)
	assert.Equal(t, "hello", msg.Text)

	require.Len(t, *seen, 1)
	assert.Equal(t, events.MessageAppended, (*seen)[0].Type)
	assert.Equal(t, msg, *(*seen)[0].Message)
}

func TestHistoryLimits(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	for i := 0; i < MaxLimit+10; i++ {
		_, err := svc.Send(ctx, "S1", model.SenderUser, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	msgs, err := svc.History(ctx, "S1", 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, DefaultLimit)
	assert.Equal(t, fmt.Sprintf("m%d", MaxLimit+9), msgs[len(msgs)-1].Text)

	msgs, err = svc.History(ctx, "S1", 0, 10_000)
	require.NoError(t, err)
	assert.Len(t, msgs, MaxLimit)

	msgs, err = svc.History(ctx, "S1", msgs[len(msgs)-2].ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	_, err = svc.History(ctx, "", 0, 0)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestMarkReadAndPurgePublish(t *testing.T) {
	svc, seen := newService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, "S1", model.SenderUser, "hi")
	require.NoError(t, err)

	n, err := svc.MarkRead(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.MarkRead(ctx, "S1")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, svc.Purge(ctx, ""))

	var types []events.Type
	for _, e := range *seen {
		types = append(types, e.Type)
	}
	assert.Equal(t, []events.Type{events.MessageAppended, events.SessionRead, events.SessionPurged}, types)
}
