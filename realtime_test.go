package chatsdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// subscribedEvents lists event names with at least one handler.
func (ws *WSChannel) subscribedEvents() []string {
	ws.subs.mu.RLock()
	defer ws.subs.mu.RUnlock()
	var names []string
	for name, subs := range ws.subs.byName {
		if len(subs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// Wire codec
// ============================================================================

func TestEncodeEvent(t *testing.T) {
	data, err := encodeEvent(Join{UserID: "me"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"join","data":"me"}`, string(data))

	data, err = encodeEvent(OutboundMessage{ID: "m1", To: "a", From: "me", Text: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"message","data":{"id":"m1","to":"a","from":"me","text":"hi"}}`, string(data))

	data, err = encodeEvent(OutboundMessage{To: "a", From: "me", Text: "hi"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
}

func TestDecodeEvent(t *testing.T) {
	t2 := time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)

	valid := []struct {
		name  string
		frame string
		want  Event
	}{
		{"join", `{"event":"join","data":"me"}`, Join{UserID: "me"}},
		{"message", `{"event":"message","data":{"to":"a","from":"me","text":"hi"}}`, OutboundMessage{To: "a", From: "me", Text: "hi"}},
		{"receive", `{"event":"receiveMessage","data":{"id":"p1","from":"a","to":"me","text":"yo","createdAt":"2024-05-01T11:00:00Z"}}`,
			InboundMessage{ID: "p1", From: "a", To: "me", Text: "yo", CreatedAt: t2}},
	}
	for _, tt := range valid {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeEvent([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("missing createdAt defaults to now", func(t *testing.T) {
		got, err := decodeEvent([]byte(`{"event":"receiveMessage","data":{"from":"a","to":"me","text":"yo"}}`))
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), got.(InboundMessage).CreatedAt, time.Minute)
	})

	invalid := map[string]string{
		"not json":        `{"event":`,
		"unknown event":   `{"event":"typing","data":{"from":"a"}}`,
		"empty join":      `{"event":"join","data":""}`,
		"join object":     `{"event":"join","data":{"userId":"me"}}`,
		"missing from":    `{"event":"receiveMessage","data":{"to":"me","text":"yo"}}`,
		"missing to":      `{"event":"message","data":{"from":"me","text":"yo"}}`,
		"wrong text type": `{"event":"receiveMessage","data":{"from":"a","to":"me","text":5}}`,
	}
	for name, frame := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := decodeEvent([]byte(frame))
			assert.Error(t, err)
		})
	}
}

// ============================================================================
// WSChannel
// ============================================================================

// wsPeer is the server side of a test push channel.
type wsPeer struct {
	t      *testing.T
	server *httptest.Server
	frames chan []byte

	mu     sync.Mutex
	conns  []*websocket.Conn
	tokens []string
}

func newWSPeer(t *testing.T) *wsPeer {
	t.Helper()
	p := &wsPeer{t: t, frames: make(chan []byte, 64)}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.tokens = append(p.tokens, r.URL.Query().Get("token"))
		p.mu.Unlock()

		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			p.frames <- data
		}
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *wsPeer) wsURL() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http") + "/ws"
}

func (p *wsPeer) conn(i int) *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.conns) {
		return nil
	}
	return p.conns[i]
}

func (p *wsPeer) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *wsPeer) push(i int, frame string) {
	p.t.Helper()
	require.NoError(p.t, p.conn(i).Write(context.Background(), websocket.MessageText, []byte(frame)))
}

func (p *wsPeer) next() string {
	p.t.Helper()
	select {
	case f := <-p.frames:
		return string(f)
	case <-time.After(testWait):
		p.t.Fatal("timed out waiting for frame")
		return ""
	}
}

func newTestChannel(p *wsPeer, config *TransportConfig) (*Client, *WSChannel) {
	client := NewClient(WithWSURL(p.wsURL()))
	client.SetAuth(Auth{Token: "tok en", UserID: testUser})
	return client, NewWSChannel(client, config)
}

func TestWSChannelConnectJoins(t *testing.T) {
	peer := newWSPeer(t)
	_, ch := newTestChannel(peer, nil)

	var states []ConnState
	var mu sync.Mutex
	ch.OnStateChange(func(s ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, StateConnected, ch.State())
	assert.JSONEq(t, `{"event":"join","data":"me"}`, peer.next())

	peer.mu.Lock()
	assert.Equal(t, []string{"tok en"}, peer.tokens)
	peer.mu.Unlock()

	// Connecting again is a no-op.
	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, 1, peer.connCount())

	require.NoError(t, ch.Close())
	assert.Equal(t, StateDisconnected, ch.State())

	mu.Lock()
	assert.Equal(t, []ConnState{StateConnecting, StateConnected, StateDisconnected}, states)
	mu.Unlock()
}

func TestWSChannelDispatch(t *testing.T) {
	peer := newWSPeer(t)
	_, ch := newTestChannel(peer, nil)
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Close()
	peer.next()

	var mu sync.Mutex
	var got []string
	unsub := ch.Subscribe(EventReceiveMessage, func(ev Event) {
		mu.Lock()
		got = append(got, ev.(InboundMessage).Text)
		mu.Unlock()
	})
	ch.Subscribe(EventReceiveMessage, func(Event) { panic("bad handler") })
	assert.Equal(t, []string{EventReceiveMessage}, ch.subscribedEvents())

	peer.push(0, `{"event":"receiveMessage","data":{"id":"1","from":"a","to":"me","text":"one"}}`)
	peer.push(0, `{"event":"typing","data":{}}`)
	peer.push(0, `garbage`)
	peer.push(0, `{"event":"receiveMessage","data":{"to":"me","text":"no sender"}}`)
	peer.push(0, `{"event":"receiveMessage","data":{"id":"2","from":"a","to":"me","text":"two"}}`)

	received := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}
	require.Eventually(t, func() bool { return len(received()) == 2 }, testWait, testTick)
	assert.Equal(t, []string{"one", "two"}, received())

	unsub()
	unsub()
	peer.push(0, `{"event":"receiveMessage","data":{"id":"3","from":"a","to":"me","text":"three"}}`)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"one", "two"}, received())
	assert.Equal(t, []string{EventReceiveMessage}, ch.subscribedEvents())
}

func TestWSChannelSend(t *testing.T) {
	ctx := context.Background()
	peer := newWSPeer(t)
	_, ch := newTestChannel(peer, nil)

	err := ch.Send(ctx, OutboundMessage{To: "a", From: testUser, Text: "early"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, ch.Connect(ctx))
	peer.next()

	require.NoError(t, ch.Send(ctx, OutboundMessage{ID: "m1", To: "a", From: testUser, Text: "hi"}))
	assert.JSONEq(t, `{"event":"message","data":{"id":"m1","to":"a","from":"me","text":"hi"}}`, peer.next())

	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Send(ctx, OutboundMessage{To: "a", From: testUser, Text: "late"}), ErrNotConnected)
}

func TestWSChannelConnectFailures(t *testing.T) {
	t.Run("auth missing", func(t *testing.T) {
		peer := newWSPeer(t)
		client, ch := newTestChannel(peer, nil)
		client.SetAuth(Auth{Token: "tok"})
		err := ch.Connect(context.Background())
		assert.ErrorIs(t, err, ErrAuthMissing)
		assert.Zero(t, peer.connCount())
		assert.Equal(t, StateDisconnected, ch.State())
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		client := NewClient(WithWSURL("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"))
		client.SetAuth(Auth{Token: "tok", UserID: testUser})
		ch := NewWSChannel(client, nil)

		err := ch.Connect(context.Background())
		assert.ErrorIs(t, err, ErrNetworkFailure)
		assert.Equal(t, StateDisconnected, ch.State())
	})
}

func TestWSChannelDropWithoutReconnect(t *testing.T) {
	peer := newWSPeer(t)
	_, ch := newTestChannel(peer, nil)
	require.NoError(t, ch.Connect(context.Background()))
	peer.next()

	peer.conn(0).Close(websocket.StatusGoingAway, "bye")
	require.Eventually(t, func() bool { return ch.State() == StateDisconnected }, testWait, testTick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, peer.connCount())
}

func TestWSChannelAutoReconnect(t *testing.T) {
	peer := newWSPeer(t)
	_, ch := newTestChannel(peer, &TransportConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	})
	require.NoError(t, ch.Connect(context.Background()))
	defer ch.Close()
	assert.JSONEq(t, `{"event":"join","data":"me"}`, peer.next())

	peer.conn(0).Close(websocket.StatusGoingAway, "restart")

	require.Eventually(t, func() bool { return peer.connCount() == 2 }, testWait, testTick)
	assert.JSONEq(t, `{"event":"join","data":"me"}`, peer.next())
	require.Eventually(t, func() bool { return ch.State() == StateConnected }, testWait, testTick)
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&TransportConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		MaxReconnectAttempts: 5,
	})

	var last time.Duration
	for i := 1; i <= 5; i++ {
		require.True(t, r.shouldReconnect())
		attempt, delay := r.nextDelay()
		assert.Equal(t, i, attempt)
		assert.LessOrEqual(t, delay, time.Second)
		if i <= 3 {
			assert.Greater(t, delay, last)
		}
		last = delay
	}
	assert.False(t, r.shouldReconnect())
	assert.Equal(t, time.Second, last)

	unlimited := newReconnector(&TransportConfig{ReconnectBaseDelay: time.Millisecond, ReconnectMaxDelay: time.Millisecond, MaxReconnectAttempts: -1})
	for i := 0; i < 100; i++ {
		unlimited.nextDelay()
	}
	assert.True(t, unlimited.shouldReconnect())
}
