// Package client is a typed HTTP client for the chat API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/studio-chat/pkg/events"
	"github.com/mahaj/studio-chat/pkg/model"
)

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

type AuthResult struct {
	Token     string     `json:"token"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Role      model.Role `json:"role"`
	SessionID string     `json:"sessionId"`
}

type Client struct {
	base *url.URL
	http *http.Client

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url must be http or https: %q", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Register(ctx context.Context, email, password, name string) (AuthResult, error) {
	var res AuthResult
	body := map[string]string{"email": email, "password": password, "name": name}
	if err := c.do(ctx, http.MethodPost, "/auth/register", nil, body, &res); err != nil {
		return AuthResult{}, err
	}
	c.SetToken(res.Token)
	return res, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (AuthResult, error) {
	var res AuthResult
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, body, &res); err != nil {
		return AuthResult{}, err
	}
	c.SetToken(res.Token)
	return res, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, nil); err != nil {
		return err
	}
	c.SetToken("")
	return nil
}

func (c *Client) Send(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	var msg model.Message
	body := map[string]string{"sessionId": sessionID, "sender": string(sender), "text": text}
	err := c.do(ctx, http.MethodPost, "/chat", nil, body, &msg)
	return msg, err
}

// List fetches the session's most recent messages, oldest first.
func (c *Client) List(ctx context.Context, sessionID string) ([]model.Message, error) {
	return c.History(ctx, sessionID, 0, 0)
}

// History is List with an id cursor and a limit. Zero values use the
// server defaults.
func (c *Client) History(ctx context.Context, sessionID string, sinceID int64, limit int) ([]model.Message, error) {
	q := url.Values{"sessionId": {sessionID}}
	if sinceID > 0 {
		q.Set("since", strconv.FormatInt(sinceID, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var msgs []model.Message
	err := c.do(ctx, http.MethodGet, "/chat", q, nil, &msgs)
	return msgs, err
}

func (c *Client) Conversations(ctx context.Context) ([]model.Conversation, error) {
	var res struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	err := c.do(ctx, http.MethodGet, "/chat", nil, nil, &res)
	return res.Conversations, err
}

func (c *Client) MarkRead(ctx context.Context, sessionID string) (int, error) {
	var res struct {
		Updated int `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, "/chat/read", nil, map[string]string{"sessionId": sessionID}, &res)
	return res.Updated, err
}

// Purge deletes one session, or every session when sessionID is empty.
func (c *Client) Purge(ctx context.Context, sessionID string) error {
	var q url.Values
	if sessionID != "" {
		q = url.Values{"sessionId": {sessionID}}
	}
	return c.do(ctx, http.MethodDelete, "/chat", q, nil, nil)
}

// Subscribe opens the push channel for sessionID. The returned channel is
// closed when ctx is done or the connection drops.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (<-chan events.Event, error) {
	u := *c.base
	u.Scheme = "ws"
	if c.base.Scheme == "https" {
		u.Scheme = "wss"
	}
	u.Path = c.base.Path + "/chat/ws"
	q := url.Values{}
	if sessionID != "" {
		q.Set("sessionId", sessionID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Add("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dialing push channel: %w", err)
	}

	out := make(chan events.Event, 16)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// The server batches queued events into one frame.
			for _, line := range bytes.Split(data, []byte{'\n'}) {
				var e events.Event
				if json.Unmarshal(line, &e) != nil {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
