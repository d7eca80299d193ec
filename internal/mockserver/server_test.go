package mockserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	s := New()
	s.AddUser("tok-me", "me", "Me")
	s.AddUser("tok-a", "a", "Alice")
	s.AddUser("tok-b", "b", "Bob")
	s.Befriend("me", "a")
	s.Befriend("me", "b")
	return s
}

func do(t *testing.T, s *Server, method, path, token, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestAuth(t *testing.T) {
	s := newServer(t)
	status, _ := do(t, s, http.MethodGet, "/api/friends/list", "", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = do(t, s, http.MethodGet, "/api/friends/list", "nope", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, 2, s.Requests("GET /api/friends/list"))
}

func TestFriends(t *testing.T) {
	s := newServer(t)

	status, body := do(t, s, http.MethodGet, "/api/friends/list", "tok-me", "")
	require.Equal(t, http.StatusOK, status)
	var friends []Friend
	require.NoError(t, json.Unmarshal([]byte(body), &friends))
	assert.Equal(t, []Friend{{ID: "a", FullName: "Alice"}, {ID: "b", FullName: "Bob"}}, friends)

	status, _ = do(t, s, http.MethodDelete, "/api/friends/a", "tok-me", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = do(t, s, http.MethodDelete, "/api/friends/a", "tok-me", "")
	assert.Equal(t, http.StatusNotFound, status)

	_, body = do(t, s, http.MethodGet, "/api/friends/list", "tok-a", "")
	assert.JSONEq(t, `[]`, body)
}

func TestMessageLifecycle(t *testing.T) {
	s := newServer(t)
	s.Seed(Message{ID: "old", SenderID: "a", ReceiverID: "me", Text: "earlier"})
	s.Seed(Message{SenderID: "b", ReceiverID: "me", Text: "other chat"})

	status, body := do(t, s, http.MethodPost, "/api/messages", "tok-me", `{"to":"a","text":"hi"}`)
	require.Equal(t, http.StatusCreated, status)
	var created Message
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "me", created.SenderID)
	assert.Equal(t, "a", created.ReceiverID)
	assert.False(t, created.CreatedAt.IsZero())

	status, _ = do(t, s, http.MethodPost, "/api/messages", "tok-me", `{"to":"a","text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, status)

	_, body = do(t, s, http.MethodGet, "/api/messages/a", "tok-me", "")
	var history []Message
	require.NoError(t, json.Unmarshal([]byte(body), &history))
	require.Len(t, history, 2)
	assert.Equal(t, "earlier", history[0].Text)
	assert.Equal(t, "hi", history[1].Text)

	t.Run("only the sender may edit or delete", func(t *testing.T) {
		status, _ := do(t, s, http.MethodPut, "/api/messages/old", "tok-me", `{"text":"mine now"}`)
		assert.Equal(t, http.StatusForbidden, status)
		status, _ = do(t, s, http.MethodDelete, "/api/messages/old", "tok-me", "")
		assert.Equal(t, http.StatusForbidden, status)
		status, _ = do(t, s, http.MethodPut, "/api/messages/missing", "tok-me", `{"text":"x"}`)
		assert.Equal(t, http.StatusNotFound, status)
	})

	status, body = do(t, s, http.MethodPut, "/api/messages/"+created.ID, "tok-me", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, status)
	var edited Message
	require.NoError(t, json.Unmarshal([]byte(body), &edited))
	assert.Equal(t, "hello", edited.Text)
	assert.True(t, edited.IsEdited)
	require.NotNil(t, edited.EditedAt)

	status, _ = do(t, s, http.MethodDelete, "/api/messages/"+created.ID, "tok-me", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, s.Messages(), 2)
}

func TestFailNext(t *testing.T) {
	s := newServer(t)
	s.FailNext("GET /api/messages/a", 1)

	status, _ := do(t, s, http.MethodGet, "/api/messages/a", "tok-me", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	status, _ = do(t, s, http.MethodGet, "/api/messages/a", "tok-me", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, s.Requests("GET /api/messages/a"))
}

func TestHold(t *testing.T) {
	s := newServer(t)
	release := s.Hold("POST /api/messages")
	s.FailNext("POST /api/messages", 1)

	done := make(chan int, 1)
	go func() {
		status, _ := do(t, s, http.MethodPost, "/api/messages", "tok-me", `{"to":"a","text":"held"}`)
		done <- status
	}()

	require.Eventually(t, func() bool { return s.Requests("POST /api/messages") == 1 }, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("request answered while held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	release()
	select {
	case status := <-done:
		assert.Equal(t, http.StatusInternalServerError, status)
	case <-time.After(time.Second):
		t.Fatal("request still held after release")
	}

	status, _ := do(t, s, http.MethodPost, "/api/messages", "tok-me", `{"to":"a","text":"free"}`)
	assert.Equal(t, http.StatusCreated, status)
	assert.Len(t, s.Messages(), 1)
}

func TestUpgradeRequired(t *testing.T) {
	s := newServer(t)
	status, _ := do(t, s, http.MethodGet, "/api/ws?token=tok-me", "", "")
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

func TestStart(t *testing.T) {
	s := newServer(t)
	base, err := s.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, strings.HasPrefix(base, "http://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(base, "/api"))

	req, err := http.NewRequest(http.MethodGet, base+"/friends/list", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-b")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
