// Package chatsdk is the client core of the friend chat: friend-scoped
// conversation windows, optimistic sends reconciled against the server,
// push-delivered messages and a durable per-user message cache.
//
// Example:
//
//	client := chatsdk.NewClient(chatsdk.WithBaseURL("https://chat.example.com/api"))
//	transport := chatsdk.NewWSChannel(client, nil)
//	cache := chatsdk.NewPersistenceCache(chatsdk.NewMemoryBackend())
//
//	session := chatsdk.NewSession(client, transport, cache)
//	_ = session.Init(ctx, chatsdk.Auth{Token: token, UserID: "me"})
//	defer session.Teardown()
//
//	friends, _ := session.Friends().List(ctx, "ali")
//	_ = session.Windows().Open(ctx, friends[0])
//	_, _ = session.Store().SendMessage(ctx, friends[0].ID, "hello")
package chatsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8000/api"
	DefaultTimeout = 30 * time.Second
)

// Client talks to the chat backend over HTTP. It is safe for concurrent use.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	logger     zerolog.Logger

	mu   sync.RWMutex
	auth Auth
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithWSURL overrides the push channel URL. By default it is derived from the
// base URL.
func WithWSURL(u string) ClientOption {
	return func(c *Client) { c.wsURL = u }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client. Auth is attached later with SetAuth, once the
// external auth module has a token.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetAuth sets or replaces the bearer token and local user id.
func (c *Client) SetAuth(auth Auth) {
	c.mu.Lock()
	c.auth = auth
	c.mu.Unlock()
}

// Auth returns the current credentials.
func (c *Client) Auth() Auth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.auth
}

// UserID returns the local user id.
func (c *Client) UserID() string {
	return c.Auth().UserID
}

// BaseURL returns the HTTP API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WSURL returns the push channel URL without credentials.
func (c *Client) WSURL() string {
	if c.wsURL != "" {
		return c.wsURL
	}
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs an authorized JSON request and decodes a 2xx body into
// out (when out is non-nil). Failures come back as *Error.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body, out any) error {
	token := c.Auth().Token
	if token == "" {
		return opError(ErrAuthMissing, op, nil)
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return opError(ErrNetworkFailure, op, fmt.Errorf("failed to marshal request: %w", err))
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return opError(ErrNetworkFailure, op, fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return opError(ErrNetworkFailure, op, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return opError(ErrNetworkFailure, op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Msg     string `json:"msg"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil {
			apiErr.Message = firstNonEmpty(e.Msg, e.Message, e.Error)
		}
		c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("request rejected")
		return opError(ErrNetworkFailure, op, apiErr)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return opError(ErrNetworkFailure, op, fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return nil
}

// ============================================================================
// Friends API
// ============================================================================

func (c *Client) listFriends(ctx context.Context) ([]Friend, error) {
	var friends []Friend
	if err := c.doRequest(ctx, "list friends", http.MethodGet, "/friends/list", nil, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

func (c *Client) removeFriend(ctx context.Context, friendID string) error {
	return c.doRequest(ctx, "remove friend", http.MethodDelete, "/friends/"+url.PathEscape(friendID), nil, nil)
}

// ============================================================================
// Messages API
// ============================================================================

func (c *Client) history(ctx context.Context, friendID string) ([]serverMessage, error) {
	var msgs []serverMessage
	if err := c.doRequest(ctx, "load history", http.MethodGet, "/messages/"+url.PathEscape(friendID), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) createMessage(ctx context.Context, to, text string) (*serverMessage, error) {
	var msg serverMessage
	payload := map[string]string{"to": to, "text": text}
	if err := c.doRequest(ctx, "send message", http.MethodPost, "/messages", payload, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, opError(ErrNetworkFailure, "send message", fmt.Errorf("response carries no message id"))
	}
	return &msg, nil
}

func (c *Client) updateMessage(ctx context.Context, serverID, text string) (*serverMessage, error) {
	var msg serverMessage
	payload := map[string]string{"text": text}
	if err := c.doRequest(ctx, "edit message", http.MethodPut, "/messages/"+url.PathEscape(serverID), payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) deleteMessage(ctx context.Context, serverID string) error {
	return c.doRequest(ctx, "delete message", http.MethodDelete, "/messages/"+url.PathEscape(serverID), nil, nil)
}
