package chatsdk

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Session
// ============================================================================

// Session wires the chat components of one authenticated user: it hydrates
// the store from the cache, feeds push events into the store and the
// notification feed, and tears everything down on logout.
type Session struct {
	client    *Client
	transport TransportChannel
	cache     *PersistenceCache
	logger    zerolog.Logger

	friends       *FriendDirectory
	store         *ConversationStore
	windows       *ChatWindowManager
	notifications *NotificationFeed

	mu     sync.Mutex
	active bool
	unsubs []func()
}

type sessionOptions struct {
	relay *WebhookRelay
}

type SessionOption func(*sessionOptions)

// WithWebhookRelay forwards every notification to relay.
func WithWebhookRelay(relay *WebhookRelay) SessionOption {
	return func(o *sessionOptions) { o.relay = relay }
}

// NewSession builds the components. transport and cache may be nil.
func NewSession(client *Client, transport TransportChannel, cache *PersistenceCache, opts ...SessionOption) *Session {
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		client:    client,
		transport: transport,
		cache:     cache,
		logger:    client.logger.With().Str("component", "session").Logger(),
	}
	s.friends = NewFriendDirectory(client)
	s.store = NewConversationStore(client, cache, transport)
	s.windows = NewChatWindowManager(s.store, s.friends)
	s.notifications = NewNotificationFeed(client, o.relay)

	s.friends.OnRemoved(func(friendID string) { s.windows.Close(friendID) })
	s.windows.OnOpen(func(f Friend) { s.notifications.MarkRead(f.ID) })
	return s
}

// Init starts the session for auth. The cached conversations of the user are
// loaded and the push channel is connected; a transport failure is logged
// and leaves the HTTP paths usable.
func (s *Session) Init(ctx context.Context, auth Auth) error {
	if auth.Token == "" || auth.UserID == "" {
		return opError(ErrAuthMissing, "init session", nil)
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active {
		if err := s.Teardown(); err != nil {
			s.logger.Warn().Err(err).Msg("teardown of previous session failed")
		}
	}

	s.client.SetAuth(auth)
	s.store.Reset()
	s.friends.Refresh()
	s.notifications.Clear()

	if s.cache != nil {
		s.store.Hydrate(s.cache.Load(auth.UserID))
	}

	var unsubs []func()
	if s.transport != nil {
		unsubs = append(unsubs,
			s.transport.Subscribe(EventReceiveMessage, s.store.HandleEvent),
			s.transport.Subscribe(EventReceiveMessage, s.notifications.HandleEvent),
		)
		if err := s.transport.Connect(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("push channel unavailable")
		}
	}

	s.mu.Lock()
	s.active = true
	s.unsubs = unsubs
	s.mu.Unlock()

	s.logger.Info().Str("user", auth.UserID).Msg("session started")
	return nil
}

// Teardown closes every window, stops push delivery, flushes the cache and
// closes the push channel. Cached conversations stay on disk.
func (s *Session) Teardown() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.windows.CloseAll()
	for _, unsub := range unsubs {
		unsub()
	}

	var errs []error
	if s.cache != nil {
		if err := s.cache.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active reports whether Init succeeded and Teardown has not run since.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) Client() *Client { return s.client }
func (s *Session) Transport() TransportChannel { return s.transport }
func (s *Session) Friends() *FriendDirectory { return s.friends }
func (s *Session) Store() *ConversationStore { return s.store }
func (s *Session) Windows() *ChatWindowManager { return s.windows }
func (s *Session) Notifications() *NotificationFeed { return s.notifications }
