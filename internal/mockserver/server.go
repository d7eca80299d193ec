// Package mockserver is an in-process chat backend for tests and local
// development. It serves the friend, message and push endpoints the client
// talks to, keeps everything in memory and can inject failures.
package mockserver

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Wire types
// ============================================================================

// Friend uses the field names of the original backend.
type Friend struct {
	ID         string `json:"_id"`
	FullName   string `json:"fullname"`
	ProfilePic string `json:"profilePic,omitempty"`
}

// Message is a stored chat message.
type Message struct {
	ID         string     `json:"_id"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Text       string     `json:"text"`
	CreatedAt  time.Time  `json:"createdAt"`
	IsEdited   bool       `json:"isEdited"`
	EditedAt   *time.Time `json:"editedAt,omitempty"`
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outbound struct {
	ID   string `json:"id"`
	To   string `json:"to"`
	From string `json:"from"`
	Text string `json:"text"`
}

type push struct {
	ID        string     `json:"id,omitempty"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"createdAt"`
	IsEdited  bool       `json:"isEdited,omitempty"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

// ============================================================================
// Server
// ============================================================================

type user struct {
	id      string
	name    string
	friends []string
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is the mock backend. Create it with New, register users, then
// Start it.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	ln     net.Listener

	mu           sync.Mutex
	tokens       map[string]string
	users        map[string]*user
	messages     []*Message
	rooms        map[string]map[*wsClient]struct{}
	requests     map[string]int
	failures     map[string]int
	holds        map[string]chan struct{}
	echoToSender bool
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithEchoToSender makes every push go to the sender's connections too.
func WithEchoToSender() Option {
	return func(s *Server) { s.echoToSender = true }
}

// New builds the server and its routes.
func New(opts ...Option) *Server {
	s := &Server{
		logger:   zerolog.Nop(),
		tokens:   make(map[string]string),
		users:    make(map[string]*user),
		rooms:    make(map[string]map[*wsClient]struct{}),
		requests: make(map[string]int),
		failures: make(map[string]int),
		holds:    make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		Immutable:             true,
	})

	api := s.app.Group("/api", s.track)
	api.Get("/ws", s.upgrade, websocket.New(s.handleWS))

	api.Use(s.authenticate)
	api.Get("/friends/list", s.listFriends)
	api.Delete("/friends/:id", s.removeFriend)
	api.Get("/messages/:friendId", s.history)
	api.Post("/messages", s.createMessage)
	api.Put("/messages/:id", s.updateMessage)
	api.Delete("/messages/:id", s.deleteMessage)
	return s
}

// App exposes the fiber app, e.g. for app.Test.
func (s *Server) App() *fiber.App { return s.app }

// Start listens on addr ("127.0.0.1:0" for a free port) and serves in the
// background. It returns the API base URL.
func (s *Server) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.ln = ln
	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.logger.Debug().Err(err).Msg("listener stopped")
		}
	}()
	return "http://" + ln.Addr().String() + "/api", nil
}

// Close stops the server and drops every push connection.
func (s *Server) Close() error {
	s.mu.Lock()
	for _, room := range s.rooms {
		for c := range room {
			c.conn.Close()
		}
	}
	s.rooms = make(map[string]map[*wsClient]struct{})
	s.mu.Unlock()
	return s.app.Shutdown()
}

// ── Fixtures ─────────────────────────────────────────────

// AddUser registers a user reachable with token.
func (s *Server) AddUser(token, userID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = userID
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = &user{id: userID, name: name}
	}
}

// Befriend makes a and b friends of each other.
func (s *Server) Befriend(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		u := s.users[pair[0]]
		if u == nil {
			continue
		}
		found := false
		for _, f := range u.friends {
			found = found || f == pair[1]
		}
		if !found {
			u.friends = append(u.friends, pair[1])
		}
	}
}

// Seed stores a message as if it had been sent earlier. A missing id or
// timestamp is filled in.
func (s *Server) Seed(m Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.messages = append(s.messages, &m)
	return m
}

// Messages returns every stored message in creation order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = *m
	}
	return out
}

// Requests counts requests made to "METHOD /path", e.g.
// "GET /api/messages/alice".
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

// FailNext answers the next n requests to route with a 500.
func (s *Server) FailNext(route string, n int) {
	s.mu.Lock()
	s.failures[route] += n
	s.mu.Unlock()
}

// Push sends a receiveMessage event to every connection of the recipient.
func (s *Server) Push(from, to, text, id string) {
	s.deliver(push{ID: id, From: from, To: to, Text: text, CreatedAt: time.Now().UTC()}, false)
}

// Connections returns how many push connections userID has.
func (s *Server) Connections(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[userID])
}

// Hold parks every request to route until release is called. Holds apply
// before injected failures, so a held request can still fail.
func (s *Server) Hold(route string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[route] = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[route] == ch {
				delete(s.holds, route)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// ── Middleware ───────────────────────────────────────────

func (s *Server) track(c *fiber.Ctx) error {
	route := c.Method() + " " + c.Path()
	s.mu.Lock()
	s.requests[route]++
	hold := s.holds[route]
	s.mu.Unlock()

	if hold != nil {
		<-hold
	}

	s.mu.Lock()
	fail := s.failures[route] > 0
	if fail {
		s.failures[route]--
	}
	s.mu.Unlock()

	if fail {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"msg": "injected failure"})
	}
	return c.Next()
}

func (s *Server) authenticate(c *fiber.Ctx) error {
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	s.mu.Lock()
	userID, ok := s.tokens[token]
	s.mu.Unlock()
	if token == "" || !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"msg": "unauthorized"})
	}
	c.Locals("user", userID)
	return c.Next()
}

func (s *Server) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	s.mu.Lock()
	userID, ok := s.tokens[c.Query("token")]
	s.mu.Unlock()
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"msg": "unauthorized"})
	}
	c.Locals("user", userID)
	return c.Next()
}

func localUser(c *fiber.Ctx) string {
	id, _ := c.Locals("user").(string)
	return id
}

// ── Friends ──────────────────────────────────────────────

func (s *Server) listFriends(c *fiber.Ctx) error {
	s.mu.Lock()
	u := s.users[localUser(c)]
	out := make([]Friend, 0)
	if u != nil {
		for _, id := range u.friends {
			name := id
			if f := s.users[id]; f != nil && f.name != "" {
				name = f.name
			}
			out = append(out, Friend{ID: id, FullName: name})
		}
	}
	s.mu.Unlock()
	return c.JSON(out)
}

func (s *Server) removeFriend(c *fiber.Ctx) error {
	me, other := localUser(c), c.Params("id")
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	for _, pair := range [][2]string{{me, other}, {other, me}} {
		u := s.users[pair[0]]
		if u == nil {
			continue
		}
		for i, f := range u.friends {
			if f == pair[1] {
				u.friends = append(u.friends[:i:i], u.friends[i+1:]...)
				removed = true
				break
			}
		}
	}
	if !removed {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"msg": "not a friend"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ── Messages ─────────────────────────────────────────────

func (s *Server) history(c *fiber.Ctx) error {
	me, friend := localUser(c), c.Params("friendId")
	s.mu.Lock()
	out := make([]Message, 0)
	for _, m := range s.messages {
		if (m.SenderID == me && m.ReceiverID == friend) || (m.SenderID == friend && m.ReceiverID == me) {
			out = append(out, *m)
		}
	}
	s.mu.Unlock()
	return c.JSON(out)
}

func (s *Server) createMessage(c *fiber.Ctx) error {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil || req.To == "" || strings.TrimSpace(req.Text) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"msg": "to and text are required"})
	}

	m := s.Seed(Message{SenderID: localUser(c), ReceiverID: req.To, Text: req.Text})
	s.deliver(push{ID: m.ID, From: m.SenderID, To: m.ReceiverID, Text: m.Text, CreatedAt: m.CreatedAt}, s.echoToSender)
	return c.Status(fiber.StatusCreated).JSON(m)
}

func (s *Server) findOwned(c *fiber.Ctx) (*Message, int, error) {
	me, id := localUser(c), c.Params("id")
	for i, m := range s.messages {
		if m.ID != id {
			continue
		}
		if m.SenderID != me {
			return nil, -1, c.Status(fiber.StatusForbidden).JSON(fiber.Map{"msg": "not your message"})
		}
		return m, i, nil
	}
	return nil, -1, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"msg": "message not found"})
}

func (s *Server) updateMessage(c *fiber.Ctx) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"msg": "text is required"})
	}

	s.mu.Lock()
	m, _, resp := s.findOwned(c)
	if m == nil {
		s.mu.Unlock()
		return resp
	}
	now := time.Now().UTC()
	m.Text = req.Text
	m.IsEdited = true
	m.EditedAt = &now
	out := *m
	s.mu.Unlock()
	return c.JSON(out)
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	s.mu.Lock()
	m, i, resp := s.findOwned(c)
	if m == nil {
		s.mu.Unlock()
		return resp
	}
	s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
	s.mu.Unlock()
	return c.JSON(fiber.Map{"msg": "deleted"})
}

// ── Push channel ─────────────────────────────────────────

func (s *Server) handleWS(conn *websocket.Conn) {
	userID, _ := conn.Locals("user").(string)
	client := &wsClient{conn: conn}
	joined := false

	defer func() {
		s.mu.Lock()
		if room := s.rooms[userID]; room != nil {
			delete(room, client)
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Event {
		case "join":
			var id string
			if json.Unmarshal(env.Data, &id) != nil || id != userID || joined {
				continue
			}
			s.mu.Lock()
			if s.rooms[userID] == nil {
				s.rooms[userID] = make(map[*wsClient]struct{})
			}
			s.rooms[userID][client] = struct{}{}
			s.mu.Unlock()
			joined = true
		case "message":
			var out outbound
			if json.Unmarshal(env.Data, &out) != nil || out.To == "" || out.From != userID {
				continue
			}
			p := push{ID: out.ID, From: out.From, To: out.To, Text: out.Text, CreatedAt: time.Now().UTC()}
			s.mu.Lock()
			for _, m := range s.messages {
				if out.ID != "" && m.ID == out.ID {
					p.CreatedAt = m.CreatedAt
					p.Text = m.Text
				}
			}
			s.mu.Unlock()
			s.deliver(p, false)
		}
	}
}

func (s *Server) deliver(p push, toSender bool) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	frame, err := json.Marshal(envelope{Event: "receiveMessage", Data: data})
	if err != nil {
		return
	}

	s.mu.Lock()
	var targets []*wsClient
	for c := range s.rooms[p.To] {
		targets = append(targets, c)
	}
	if toSender {
		for c := range s.rooms[p.From] {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.write(frame); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug().Err(err).Str("to", p.To).Msg("push failed")
		}
	}
}
