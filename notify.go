package chatsdk

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// NotificationFeed
// ============================================================================

// MaxNotifications is the number of notifications the feed retains.
const MaxNotifications = 10

// Notification is a peer message as seen by the notification feed.
type Notification struct {
	MessageID string    `json:"messageId,omitempty"`
	FriendID  string    `json:"friendId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// NotificationFeed is a read-only subscriber of receiveMessage. It keeps the
// most recent peer messages, newest first, and unread counts per friend. It
// never touches conversation state.
type NotificationFeed struct {
	client *Client
	relay  *WebhookRelay
	logger zerolog.Logger

	mu     sync.Mutex
	items  []Notification
	unread map[string]int
}

// NewNotificationFeed creates a feed. relay is optional.
func NewNotificationFeed(client *Client, relay *WebhookRelay) *NotificationFeed {
	return &NotificationFeed{
		client: client,
		relay:  relay,
		logger: client.logger.With().Str("component", "notifications").Logger(),
		unread: make(map[string]int),
	}
}

// HandleEvent is a TransportChannel subscriber for receiveMessage. A push
// repeating a retained message id is dropped.
func (f *NotificationFeed) HandleEvent(ev Event) {
	m, ok := ev.(InboundMessage)
	if !ok || m.From == f.client.UserID() {
		return
	}
	n := Notification{MessageID: m.ID, FriendID: m.From, Text: m.Text, CreatedAt: m.CreatedAt}

	f.mu.Lock()
	if n.MessageID != "" {
		for _, it := range f.items {
			if it.MessageID == n.MessageID {
				f.mu.Unlock()
				return
			}
		}
	}
	f.items = append([]Notification{n}, f.items...)
	if len(f.items) > MaxNotifications {
		f.items = f.items[:MaxNotifications]
	}
	f.unread[n.FriendID]++
	f.mu.Unlock()

	if f.relay != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), f.relay.timeout)
			defer cancel()
			if err := f.relay.Deliver(ctx, n); err != nil {
				f.logger.Warn().Err(err).Str("friend", n.FriendID).Msg("webhook relay failed")
			}
		}()
	}
}

// Items returns the retained notifications, newest first.
func (f *NotificationFeed) Items() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.items...)
}

// Unread returns the number of unread messages from friendID.
func (f *NotificationFeed) Unread(friendID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread[friendID]
}

// TotalUnread sums unread counts over all friends.
func (f *NotificationFeed) TotalUnread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.unread {
		total += n
	}
	return total
}

// MarkRead resets friendID's unread count.
func (f *NotificationFeed) MarkRead(friendID string) {
	f.mu.Lock()
	delete(f.unread, friendID)
	f.mu.Unlock()
}

// Clear drops every notification and unread count.
func (f *NotificationFeed) Clear() {
	f.mu.Lock()
	f.items = nil
	f.unread = make(map[string]int)
	f.mu.Unlock()
}

// ============================================================================
// Webhook relay
// ============================================================================

const (
	WebhookSource          = "chatsdk"
	WebhookSignatureHeader = "X-Chat-Signature"
)

// WebhookPayload is the body posted by WebhookRelay.
type WebhookPayload struct {
	Source       string       `json:"source"`
	Event        string       `json:"event"`
	Timestamp    int64        `json:"timestamp"`
	Notification Notification `json:"notification"`
}

// WebhookRelay forwards notifications to an HTTP endpoint, signed with
// HMAC-SHA256.
type WebhookRelay struct {
	url        string
	secret     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewWebhookRelay creates a relay posting to url.
func NewWebhookRelay(url, secret string) (*WebhookRelay, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookRelay{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		timeout:    10 * time.Second,
	}, nil
}

// Deliver posts one notification.
func (r *WebhookRelay) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(WebhookPayload{
		Source:       WebhookSource,
		Event:        EventMessageReceived,
		Timestamp:    time.Now().Unix(),
		Notification: n,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(WebhookSignatureHeader, SignWebhook(body, r.secret))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: "webhook rejected"}
	}
	return nil
}

// SignWebhook returns the signature header value for body.
func SignWebhook(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature, with or without the
// "sha256=" prefix, in constant time.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseNotification parses a relay body.
func ParseNotification(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != WebhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook payload")
	}
	if payload.Notification.FriendID == "" {
		return nil, fmt.Errorf("missing friendId in webhook payload")
	}
	return &payload, nil
}

// ============================================================================
// Webhook receiver
// ============================================================================

// WebhookHandlerFunc handles a verified relay payload.
type WebhookHandlerFunc func(payload *WebhookPayload) error

// WebhookReceiver verifies, parses and dispatches relay requests.
type WebhookReceiver struct {
	secret string
	handle WebhookHandlerFunc
}

func NewWebhookReceiver(secret string, handle WebhookHandlerFunc) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookReceiver{secret: secret, handle: handle}, nil
}

// Handle processes one request body and returns the status code and the
// response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseNotification(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.handle(payload); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP makes the receiver an http.Handler.
func (w *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	writeJSON := func(status int, v any) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		json.NewEncoder(rw).Encode(v)
	}

	if r.Method != http.MethodPost {
		writeJSON(http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}

	writeJSON(w.Handle(string(body), r.Header.Get(WebhookSignatureHeader)))
}
