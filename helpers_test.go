package chatsdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

const (
	testToken = "test-token"
	testUser  = "me"

	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

// fakeAPI is a scriptable chat backend. Routes are keyed "METHOD /path"
// relative to the API root.
type fakeAPI struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	friends  []Friend
	history  map[string][]serverMessage
	requests map[string]int
	failures map[string]int
	nextID   int
	created  []serverMessage
	// hold, when set, blocks a route until the channel is closed.
	hold map[string]chan struct{}
	// beforeReply runs after a message is created and before it is returned.
	beforeReply func(serverMessage)
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{
		t:        t,
		history:  make(map[string][]serverMessage),
		requests: make(map[string]int),
		failures: make(map[string]int),
		hold:     make(map[string]chan struct{}),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeAPI) url() string { return f.server.URL + "/api" }

func (f *fakeAPI) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[route]
}

func (f *fakeAPI) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.requests {
		n += c
	}
	return n
}

func (f *fakeAPI) failNext(route string, n int) {
	f.mu.Lock()
	f.failures[route] += n
	f.mu.Unlock()
}

func (f *fakeAPI) holdRoute(route string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.hold[route] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeAPI) setFriends(friends ...Friend) {
	f.mu.Lock()
	f.friends = friends
	f.mu.Unlock()
}

func (f *fakeAPI) setHistory(friendID string, msgs ...serverMessage) {
	f.mu.Lock()
	f.history[friendID] = msgs
	f.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	route := r.Method + " " + path

	f.mu.Lock()
	f.requests[route]++
	fail := f.failures[route] > 0
	if fail {
		f.failures[route]--
	}
	hold := f.hold[route]
	f.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "unauthorized"})
		return
	}
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": "boom"})
		return
	}

	switch {
	case route == "GET /friends/list":
		f.mu.Lock()
		friends := append([]Friend{}, f.friends...)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, friends)

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/friends/"):
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && strings.HasPrefix(path, "/messages/"):
		friendID := strings.TrimPrefix(path, "/messages/")
		f.mu.Lock()
		msgs := append([]serverMessage{}, f.history[friendID]...)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, msgs)

	case route == "POST /messages":
		var req struct {
			To   string `json:"to"`
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.nextID++
		m := serverMessage{
			ID:         fmt.Sprintf("m%d", f.nextID),
			SenderID:   testUser,
			ReceiverID: req.To,
			Text:       req.Text,
			CreatedAt:  time.Date(2024, 5, 1, 12, 0, f.nextID, 0, time.UTC),
		}
		f.created = append(f.created, m)
		hook := f.beforeReply
		f.mu.Unlock()
		if hook != nil {
			hook(m)
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"_id": m.ID, "senderId": m.SenderID, "receiverId": m.ReceiverID,
			"text": m.Text, "createdAt": m.CreatedAt,
		})

	case r.Method == http.MethodPut && strings.HasPrefix(path, "/messages/"):
		var req struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		editedAt := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
		writeJSON(w, http.StatusOK, serverMessage{
			ID:       strings.TrimPrefix(path, "/messages/"),
			SenderID: testUser,
			Text:     req.Text,
			IsEdited: true,
			EditedAt: &editedAt,
		})

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/messages/"):
		writeJSON(w, http.StatusOK, map[string]string{"msg": "deleted"})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"msg": "not found"})
	}
}

// newTestClient returns a client for api, authenticated as testUser.
func newTestClient(api *fakeAPI) *Client {
	c := NewClient(WithBaseURL(api.url()), WithTimeout(5*time.Second))
	c.SetAuth(Auth{Token: testToken, UserID: testUser})
	return c
}

func peerRecord(id, from, text string, sec int) serverMessage {
	return serverMessage{
		ID:         id,
		SenderID:   from,
		ReceiverID: testUser,
		Text:       text,
		CreatedAt:  time.Date(2024, 5, 1, 10, 0, sec, 0, time.UTC),
	}
}

// recordingTransport is an in-memory TransportChannel.
type recordingTransport struct {
	mu      sync.Mutex
	subs    *subscribers
	sent    []Event
	sendErr error
	state   ConnState
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{subs: newSubscribers(), state: StateDisconnected}
}

func (r *recordingTransport) Connect(context.Context) error {
	r.mu.Lock()
	r.state = StateConnected
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) Send(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, ev)
	return nil
}

func (r *recordingTransport) Subscribe(name string, h func(Event)) func() {
	return r.subs.add(name, h)
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	r.state = StateDisconnected
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *recordingTransport) deliver(ev Event) {
	r.subs.dispatch(ev, zerolog.Nop())
}

func (r *recordingTransport) sentEvents() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.sent...)
}
