package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/studio-chat/pkg/api"
	"github.com/mahaj/studio-chat/pkg/auth"
	"github.com/mahaj/studio-chat/pkg/chat"
	"github.com/mahaj/studio-chat/pkg/config"
	"github.com/mahaj/studio-chat/pkg/contact"
	"github.com/mahaj/studio-chat/pkg/events"
	"github.com/mahaj/studio-chat/pkg/model"
	"github.com/mahaj/studio-chat/pkg/realtime"
	"github.com/mahaj/studio-chat/pkg/store"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := realtime.NewHub(nil)
	go hub.Run(ctx)
	bus := events.NewLocal()
	bus.Subscribe(hub.Dispatch)
	messages := store.NewFallbackStore(store.NewMemoryStore(store.Options{}), store.NewMemoryStore(store.Options{}), nil)

	router := api.NewRouter(ctx, api.Deps{
		Chat:      chat.NewService(messages, bus, nil),
		Auth:      auth.NewService(auth.NewMemoryStore(), auth.NewTokens("secret", time.Hour), []string{"owner@studio.test"}),
		Contact:   contact.NewService(contact.NewMemoryStore()),
		Hub:       hub,
		Store:     messages,
		RateLimit: config.RateLimitConfig{RPS: 1000, Burst: 1000},
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientChatFlow(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()

	visitor, err := New(srv.URL)
	require.NoError(t, err)
	admin, err := New(srv.URL + "/")
	require.NoError(t, err)

	res, err := admin.Register(ctx, "owner@studio.test", "hunter22", "Owner")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, res.Role)
	assert.Equal(t, res.Token, admin.Token())

	sent, err := visitor.Send(ctx, "S1", model.SenderUser, "hi")
	require.NoError(t, err)
	_, err = admin.Send(ctx, "S1", model.SenderAdmin, "hello")
	require.NoError(t, err)

	msgs, err := visitor.List(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, sent.ID, msgs[0].ID)

	msgs, err = visitor.History(ctx, "S1", sent.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)

	convs, err := admin.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Zero(t, convs[0].Unread)

	require.NoError(t, admin.Purge(ctx, "S1"))
	msgs, err = visitor.List(ctx, "S1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.Send(ctx, "", model.SenderUser, "hi")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "sessionId required", apiErr.Message)

	_, err = c.MarkRead(ctx, "S1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = New("ftp://example.com")
	assert.Error(t, err)
}

func TestClientSubscribeReceivesPush(t *testing.T) {
	srv := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := New(srv.URL)
	require.NoError(t, err)
	hints, err := c.Subscribe(ctx, "S1")
	require.NoError(t, err)

	// The hub registers the socket asynchronously; resend until it lands.
	var got events.Event
	require.Eventually(t, func() bool {
		_, err := c.Send(context.Background(), "S1", model.SenderUser, "ping")
		require.NoError(t, err)
		select {
		case got = <-hints:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, events.MessageAppended, got.Type)
	assert.Equal(t, "S1", got.SessionID)

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-hints:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}
