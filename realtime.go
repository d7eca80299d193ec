package chatsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Events
// ============================================================================

// Event names on the push channel.
const (
	EventJoin           = "join"
	EventMessage        = "message"
	EventReceiveMessage = "receiveMessage"
)

// Event is one of the push channel variants: Join, OutboundMessage or
// InboundMessage. The set is closed.
type Event interface {
	EventName() string
	isEvent()
}

// Join registers the connection under the local user id so the server can
// target pushes.
type Join struct {
	UserID string
}

// OutboundMessage tells the server that the local user sent a message. ID is
// the confirmed server id when known.
type OutboundMessage struct {
	ID   string `json:"id,omitempty"`
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text"`
}

// InboundMessage is a message pushed by the server.
type InboundMessage struct {
	ID        string     `json:"id,omitempty"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"createdAt"`
	IsEdited  bool       `json:"isEdited,omitempty"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

func (Join) EventName() string            { return EventJoin }
func (OutboundMessage) EventName() string { return EventMessage }
func (InboundMessage) EventName() string  { return EventReceiveMessage }

func (Join) isEvent()            {}
func (OutboundMessage) isEvent() {}
func (InboundMessage) isEvent()  {}

// envelope is the wire format of every frame.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func encodeEvent(ev Event) ([]byte, error) {
	var data any
	switch e := ev.(type) {
	case Join:
		data = e.UserID
	case OutboundMessage:
		data = e
	case InboundMessage:
		data = e
	default:
		return nil, fmt.Errorf("unsupported event %T", ev)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: ev.EventName(), Data: raw})
}

// decodeEvent parses and validates a frame. Anything that is not a well-formed
// member of the event set is rejected here and never reaches subscribers.
func decodeEvent(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	switch env.Event {
	case EventJoin:
		var userID string
		if err := json.Unmarshal(env.Data, &userID); err != nil || userID == "" {
			return nil, fmt.Errorf("invalid %s payload", env.Event)
		}
		return Join{UserID: userID}, nil
	case EventMessage:
		var m OutboundMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		if m.To == "" || m.From == "" {
			return nil, fmt.Errorf("invalid %s payload: missing to/from", env.Event)
		}
		return m, nil
	case EventReceiveMessage:
		var m InboundMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", env.Event, err)
		}
		if m.To == "" || m.From == "" {
			return nil, fmt.Errorf("invalid %s payload: missing to/from", env.Event)
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}

// ============================================================================
// TransportChannel
// ============================================================================

// ErrNotConnected is returned by Send while the channel is down. Outbound
// events are not queued across disconnection.
var ErrNotConnected = errors.New("transport not connected")

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// TransportChannel is the persistent push connection of one authenticated
// session.
type TransportChannel interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, ev Event) error
	Subscribe(eventName string, handler func(Event)) (unsubscribe func())
	Close() error
	State() ConnState
}

// TransportConfig configures a WSChannel.
type TransportConfig struct {
	// AutoReconnect is off by default: reconnecting is the caller's decision.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	Logger               *zerolog.Logger
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ============================================================================
// Subscriptions
// ============================================================================

type subscription struct {
	id      int
	handler func(Event)
}

type subscribers struct {
	mu     sync.RWMutex
	nextID int
	byName map[string][]subscription
}

func newSubscribers() *subscribers {
	return &subscribers{byName: make(map[string][]subscription)}
}

func (s *subscribers) add(name string, h func(Event)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.byName[name] = append(s.byName[name], subscription{id: id, handler: h})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			subs := s.byName[name]
			for i, sub := range subs {
				if sub.id == id {
					s.byName[name] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// dispatch runs handlers synchronously so that events are seen in frame order.
func (s *subscribers) dispatch(ev Event, logger zerolog.Logger) {
	s.mu.RLock()
	handlers := append([]subscription(nil), s.byName[ev.EventName()]...)
	s.mu.RUnlock()
	for _, sub := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Str("event", ev.EventName()).Msg("subscriber panicked")
				}
			}()
			sub.handler(ev)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return r.attempt, delay
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a websocket TransportChannel. On every successful connect it
// sends Join with the local user id.
type WSChannel struct {
	client *Client
	config *TransportConfig
	logger zerolog.Logger
	subs   *subscribers
	recon  *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	stateHandlers    []func(ConnState)
}

// NewWSChannel creates an unconnected channel. Call Connect to establish it.
func NewWSChannel(client *Client, config *TransportConfig) *WSChannel {
	cfg := TransportConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &WSChannel{
		client: client,
		config: &cfg,
		logger: cfg.Logger.With().Str("component", "transport").Logger(),
		subs:   newSubscribers(),
		recon:  newReconnector(&cfg),
		state:  StateDisconnected,
	}
}

// Subscribe registers a handler for an event name. Handlers run on the read
// loop and must not block.
func (ws *WSChannel) Subscribe(eventName string, handler func(Event)) func() {
	return ws.subs.add(eventName, handler)
}

// OnStateChange registers a handler for connection state transitions.
func (ws *WSChannel) OnStateChange(h func(ConnState)) {
	ws.mu.Lock()
	ws.stateHandlers = append(ws.stateHandlers, h)
	ws.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSChannel) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSChannel) setState(s ConnState) {
	ws.mu.Lock()
	if ws.state == s {
		ws.mu.Unlock()
		return
	}
	ws.state = s
	handlers := append([]func(ConnState){}, ws.stateHandlers...)
	ws.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

// Connect dials the push endpoint and joins the local user's channel.
func (ws *WSChannel) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.mu.Unlock()

	ws.setState(StateConnecting)
	if err := ws.dial(ctx); err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	return nil
}

func (ws *WSChannel) dial(ctx context.Context) error {
	auth := ws.client.Auth()
	if auth.Token == "" || auth.UserID == "" {
		return opError(ErrAuthMissing, "connect transport", nil)
	}

	wsURL := ws.client.WSURL() + "?token=" + url.QueryEscape(auth.Token)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return opError(ErrNetworkFailure, "connect transport", fmt.Errorf("websocket dial: %w", err))
	}

	join, err := encodeEvent(Join{UserID: auth.UserID})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return opError(ErrNetworkFailure, "connect transport", fmt.Errorf("join: %w", err))
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.setState(StateConnected)
	ws.logger.Debug().Str("user", auth.UserID).Msg("joined push channel")

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)
	return nil
}

// Close shuts the connection down. It never triggers a reconnect.
func (ws *WSChannel) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()

	ws.setState(StateDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes one event. It fails with ErrNotConnected while the channel is down.
func (ws *WSChannel) Send(ctx context.Context, ev Event) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.logger.Warn().Err(err).Msg("push channel lost")
			ws.setState(StateDisconnected)
			if ws.config.AutoReconnect {
				go ws.reconnectLoop()
			}
			return
		}

		ev, err := decodeEvent(data)
		if err != nil {
			ws.logger.Debug().Err(err).Msg("dropped frame")
			continue
		}
		ws.subs.dispatch(ev, ws.logger)
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ws.logger.Warn().Err(err).Msg("heartbeat failed")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WSChannel) reconnectLoop() {
	for ws.recon.shouldReconnect() {
		attempt, delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting push channel")

		time.Sleep(delay)

		ws.mu.Lock()
		stop := ws.intentionalClose
		ws.mu.Unlock()
		if stop {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := ws.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		ws.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
	}
	ws.setState(StateDisconnected)
}
