package chatsdk

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Store events
// ============================================================================

// Store event names passed to handlers registered with ConversationStore.On.
const (
	EventMessageLocal     = "message.local"
	EventMessageConfirmed = "message.confirmed"
	EventMessageFailed    = "message.failed"
	EventMessageReceived  = "message.received"
	EventMessageEdited    = "message.edited"
	EventMessageDeleted   = "message.deleted"
)

// StoreEventHandler handles store events. It runs after the mutation is
// applied, outside the store lock.
type StoreEventHandler func(event string, msg Message)

type storeEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]StoreEventHandler
	logger    zerolog.Logger
}

// On registers a handler for a store event.
func (e *storeEmitter) On(event string, handler StoreEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *storeEmitter) emit(event string, msg Message) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Interface("panic", r).Str("event", event).Msg("store handler panicked")
				}
			}()
			h(event, msg.clone())
		}()
	}
}

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore owns one ordered message sequence per friend. Entries
// appear in client arrival order and are never re-sorted. Every mutation is
// handed to the persistence cache.
type ConversationStore struct {
	storeEmitter

	client    *Client
	cache     *PersistenceCache
	transport TransportChannel
	history   singleflight.Group

	mu sync.Mutex
	// epoch changes on Reset and Hydrate. Outcomes of requests started under
	// an earlier epoch belong to a previous session and are dropped.
	epoch uint64
	convs map[string][]Message
}

// NewConversationStore creates an empty store. cache and transport may be
// nil: nothing is persisted, and sends are not announced on the push channel.
func NewConversationStore(client *Client, cache *PersistenceCache, transport TransportChannel) *ConversationStore {
	logger := client.logger.With().Str("component", "store").Logger()
	return &ConversationStore{
		storeEmitter: storeEmitter{
			listeners: make(map[string][]StoreEventHandler),
			logger:    logger,
		},
		client:    client,
		cache:     cache,
		transport: transport,
		convs:     make(map[string][]Message),
	}
}

// persistLocked hands the full state to the cache. Called with s.mu held so
// that snapshots reach the cache in mutation order.
func (s *ConversationStore) persistLocked() {
	if s.cache == nil {
		return
	}
	userID := s.client.UserID()
	if userID == "" {
		return
	}
	s.cache.Save(userID, Snapshot(s.convs))
}

func (s *ConversationStore) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func indexOf(msgs []Message, id Identity) int {
	for i, m := range msgs {
		if m.Identity == id {
			return i
		}
	}
	return -1
}

func (s *ConversationStore) requireAuth(op string) (string, error) {
	auth := s.client.Auth()
	if auth.Token == "" || auth.UserID == "" {
		return "", opError(ErrAuthMissing, op, nil)
	}
	return auth.UserID, nil
}

// ── Loading ──────────────────────────────────────────────

// EnsureLoaded makes sure friendID's conversation is in memory. A non-empty
// sequence is kept as is; otherwise the history is fetched once, even under
// concurrent callers. Messages received while the fetch was in flight stay
// after the history.
func (s *ConversationStore) EnsureLoaded(ctx context.Context, friendID string) error {
	if s.HasMessages(friendID) {
		return nil
	}
	localID, err := s.requireAuth("load history")
	if err != nil {
		return err
	}

	epoch := s.currentEpoch()
	key := strconv.FormatUint(epoch, 10) + "/" + friendID
	_, err, _ = s.history.Do(key, func() (any, error) {
		if s.HasMessages(friendID) {
			return nil, nil
		}
		records, err := s.client.history(ctx, friendID)
		if err != nil {
			s.logger.Warn().Err(err).Str("friend", friendID).Msg("history fetch failed")
			return nil, err
		}

		loaded := make([]Message, 0, len(records))
		seen := make(map[string]bool, len(records))
		for _, r := range records {
			m := r.toMessage(friendID, localID)
			if m.Identity.Addressable() {
				if seen[m.Identity.ServerID()] {
					continue
				}
				seen[m.Identity.ServerID()] = true
			}
			loaded = append(loaded, m)
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			s.logger.Debug().Str("friend", friendID).Msg("session changed, history discarded")
			return nil, nil
		}
		for _, m := range s.convs[friendID] {
			if m.Identity.Addressable() && seen[m.Identity.ServerID()] {
				continue
			}
			loaded = append(loaded, m)
		}
		s.convs[friendID] = loaded
		s.persistLocked()
		s.mu.Unlock()

		s.logger.Debug().Str("friend", friendID).Int("count", len(records)).Msg("history loaded")
		return nil, nil
	})
	return err
}

// ── Sending ──────────────────────────────────────────────

// SendMessage appends a provisional message at once, then creates it on the
// server. On success the provisional entry is replaced in place by the
// confirmed message, which is returned and announced on the push channel. On
// failure the provisional entry is removed and the error returned.
func (s *ConversationStore) SendMessage(ctx context.Context, friendID, text string) (Message, error) {
	const op = "send message"
	localID, err := s.requireAuth(op)
	if err != nil {
		return Message{}, err
	}
	if strings.TrimSpace(text) == "" {
		return Message{}, opError(ErrInvalidTarget, op, errors.New("empty message"))
	}

	pending := Message{
		Identity:       NewProvisional(),
		ConversationID: friendID,
		Text:           text,
		Sender:         SenderSelf,
		Timestamp:      time.Now().UTC(),
	}
	s.mu.Lock()
	epoch := s.epoch
	s.convs[friendID] = append(s.convs[friendID], pending)
	s.persistLocked()
	s.mu.Unlock()
	s.emit(EventMessageLocal, pending)

	record, err := s.client.createMessage(ctx, friendID, text)
	if err != nil {
		s.rollback(pending, epoch)
		s.logger.Warn().Err(err).Str("friend", friendID).Msg("send failed, rolled back")
		return Message{}, err
	}

	confirmed := record.toMessage(friendID, localID)
	confirmed.Sender = SenderSelf
	if confirmed.Text == "" {
		confirmed.Text = text
	}
	if !s.reconcile(pending, confirmed, epoch) {
		s.logger.Debug().Str("friend", friendID).Msg("session changed, send outcome not applied")
		return confirmed, nil
	}
	s.emit(EventMessageConfirmed, confirmed)

	if s.transport != nil {
		ev := OutboundMessage{ID: confirmed.Identity.ServerID(), To: friendID, From: localID, Text: confirmed.Text}
		if err := s.transport.Send(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("friend", friendID).Msg("push notification of sent message failed")
		}
	}
	return confirmed, nil
}

// reconcile replaces the provisional entry with its confirmed outcome. When
// the confirmed id is already present (its echo arrived first) the
// provisional entry is dropped instead. It reports false, leaving the state
// untouched, when the provisional entry is gone: the store was reset or
// rehydrated while the request was in flight.
func (s *ConversationStore) reconcile(pending, confirmed Message, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}

	msgs := s.convs[pending.ConversationID]
	idx := indexOf(msgs, pending.Identity)
	if idx < 0 {
		return false
	}
	if indexOf(msgs, confirmed.Identity) >= 0 {
		s.convs[pending.ConversationID] = append(msgs[:idx:idx], msgs[idx+1:]...)
	} else {
		msgs[idx] = confirmed
	}
	s.persistLocked()
	return true
}

func (s *ConversationStore) rollback(pending Message, epoch uint64) {
	s.mu.Lock()
	msgs := s.convs[pending.ConversationID]
	idx := indexOf(msgs, pending.Identity)
	if s.epoch != epoch || idx < 0 {
		s.mu.Unlock()
		return
	}
	s.convs[pending.ConversationID] = append(msgs[:idx:idx], msgs[idx+1:]...)
	s.persistLocked()
	s.mu.Unlock()
	s.emit(EventMessageFailed, pending)
}

// ── Edit / delete ────────────────────────────────────────

// target returns the message an edit or delete may act on. Only addressable
// messages sent by the local user qualify.
func (s *ConversationStore) target(op, friendID string, id Identity) (Message, error) {
	if !id.Addressable() {
		return Message{}, opError(ErrInvalidTarget, op, errors.New("message is not confirmed"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexOf(s.convs[friendID], id)
	if idx < 0 {
		return Message{}, opError(ErrInvalidTarget, op, errors.New("message not found"))
	}
	m := s.convs[friendID][idx]
	if m.Sender != SenderSelf {
		return Message{}, opError(ErrInvalidTarget, op, errors.New("message was not sent by the local user"))
	}
	return m.clone(), nil
}

// EditMessage replaces the text of a confirmed message sent by the local
// user. Provisional messages are rejected without any request. On failure
// the message is left untouched.
func (s *ConversationStore) EditMessage(ctx context.Context, friendID string, id Identity, newText string) (Message, error) {
	const op = "edit message"
	if _, err := s.requireAuth(op); err != nil {
		return Message{}, err
	}
	epoch := s.currentEpoch()
	if _, err := s.target(op, friendID, id); err != nil {
		return Message{}, err
	}

	record, err := s.client.updateMessage(ctx, id.ServerID(), newText)
	if err != nil {
		return Message{}, err
	}

	text := record.Text
	if text == "" {
		text = newText
	}
	editedAt := time.Now().UTC()
	if record.EditedAt != nil {
		editedAt = *record.EditedAt
	}

	s.mu.Lock()
	msgs := s.convs[friendID]
	idx := indexOf(msgs, id)
	if s.epoch != epoch || idx < 0 {
		s.mu.Unlock()
		return Message{}, opError(ErrInvalidTarget, op, errors.New("message removed while editing"))
	}
	msgs[idx].Text = text
	msgs[idx].IsEdited = true
	msgs[idx].EditedAt = &editedAt
	updated := msgs[idx].clone()
	s.persistLocked()
	s.mu.Unlock()

	s.emit(EventMessageEdited, updated)
	return updated, nil
}

// DeleteMessage removes a confirmed message sent by the local user, on the
// server and then locally.
func (s *ConversationStore) DeleteMessage(ctx context.Context, friendID string, id Identity) error {
	const op = "delete message"
	if _, err := s.requireAuth(op); err != nil {
		return err
	}
	epoch := s.currentEpoch()
	m, err := s.target(op, friendID, id)
	if err != nil {
		return err
	}

	if err := s.client.deleteMessage(ctx, id.ServerID()); err != nil {
		return err
	}

	s.mu.Lock()
	msgs := s.convs[friendID]
	idx := indexOf(msgs, id)
	if s.epoch != epoch || idx < 0 {
		s.mu.Unlock()
		return nil
	}
	s.convs[friendID] = append(msgs[:idx:idx], msgs[idx+1:]...)
	s.persistLocked()
	s.mu.Unlock()

	s.emit(EventMessageDeleted, m)
	return nil
}

// ── Receiving ────────────────────────────────────────────

// HandleEvent is a TransportChannel subscriber for receiveMessage.
func (s *ConversationStore) HandleEvent(ev Event) {
	if m, ok := ev.(InboundMessage); ok {
		s.ReceiveMessage(m)
	}
}

// ReceiveMessage applies a pushed message to the conversation with the
// counterpart of the local user. A message whose id is already present is
// not appended again; if it carries an edit, the stored entry is updated in
// place. Self echoes without an id are ignored since local sends enter
// through SendMessage.
func (s *ConversationStore) ReceiveMessage(ev InboundMessage) {
	localID := s.client.UserID()
	var friendID string
	sender := SenderPeer
	switch {
	case localID != "" && ev.From == localID:
		if ev.ID == "" {
			return
		}
		friendID = ev.To
		sender = SenderSelf
	case localID == "" || ev.To == localID:
		friendID = ev.From
	default:
		s.logger.Debug().Str("from", ev.From).Str("to", ev.To).Msg("ignoring message for another user")
		return
	}

	msg := Message{
		Identity:       Confirmed(ev.ID),
		ConversationID: friendID,
		Text:           ev.Text,
		Sender:         sender,
		Timestamp:      ev.CreatedAt,
		IsEdited:       ev.IsEdited,
		EditedAt:       ev.EditedAt,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.IsEdited && msg.EditedAt == nil {
		now := time.Now().UTC()
		msg.EditedAt = &now
	}

	s.mu.Lock()
	msgs := s.convs[friendID]
	if msg.Identity.Addressable() {
		if idx := indexOf(msgs, msg.Identity); idx >= 0 {
			existing := msgs[idx]
			if !ev.IsEdited || (existing.IsEdited && existing.Text == ev.Text) {
				s.mu.Unlock()
				return
			}
			msgs[idx].Text = ev.Text
			msgs[idx].IsEdited = true
			msgs[idx].EditedAt = msg.EditedAt
			updated := msgs[idx].clone()
			s.persistLocked()
			s.mu.Unlock()
			s.emit(EventMessageEdited, updated)
			return
		}
	}
	s.convs[friendID] = append(msgs, msg)
	s.persistLocked()
	s.mu.Unlock()

	s.emit(EventMessageReceived, msg)
}

// ── Queries ──────────────────────────────────────────────

// Messages returns a copy of friendID's conversation in display order.
func (s *ConversationStore) Messages(friendID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.convs[friendID]
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}

// HasConversation reports whether a conversation state exists for friendID,
// even an empty one.
func (s *ConversationStore) HasConversation(friendID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.convs[friendID]
	return ok
}

// HasMessages reports whether friendID's conversation is non-empty.
func (s *ConversationStore) HasMessages(friendID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs[friendID]) > 0
}

// Find looks up a message by server id.
func (s *ConversationStore) Find(friendID, serverID string) (Message, bool) {
	if serverID == "" {
		return Message{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := indexOf(s.convs[friendID], Confirmed(serverID)); idx >= 0 {
		return s.convs[friendID][idx].clone(), true
	}
	return Message{}, false
}

// Snapshot returns a deep copy of every conversation.
func (s *ConversationStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot(s.convs).clone()
}

// ── Lifecycle ────────────────────────────────────────────

// Hydrate replaces the in-memory state with a cached snapshot. Provisional
// entries left by an earlier process are dropped: their sends can no longer
// be reconciled.
func (s *ConversationStore) Hydrate(snap Snapshot) {
	convs := make(map[string][]Message, len(snap))
	dropped := 0
	for friendID, msgs := range snap {
		kept := make([]Message, 0, len(msgs))
		for _, m := range msgs {
			if m.Identity.IsProvisional() {
				dropped++
				continue
			}
			m = m.clone()
			m.ConversationID = friendID
			kept = append(kept, m)
		}
		convs[friendID] = kept
	}

	s.mu.Lock()
	s.epoch++
	s.convs = convs
	if dropped > 0 {
		s.persistLocked()
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Info().Int("dropped", dropped).Msg("discarded unconfirmed messages from cache")
	}
}

// Reset forgets every conversation. Nothing is persisted.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	s.epoch++
	s.convs = make(map[string][]Message)
	s.mu.Unlock()
}
