package chatsdk

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// ChatWindowManager
// ============================================================================

// WindowState is the lifecycle state of a chat window.
type WindowState string

const (
	WindowClosed  WindowState = "closed"
	WindowLoading WindowState = "loading"
	WindowReady   WindowState = "ready"
)

// Window describes one open chat window. Slot is its stacking position, in
// the order windows were opened.
type Window struct {
	Friend Friend
	Slot   int
	State  WindowState
	// Err is the history fetch failure of a window that became ready without
	// its history.
	Err error
}

type windowEntry struct {
	friend Friend
	state  WindowState
	err    error
}

// ChatWindowManager keeps the ordered set of open chat windows.
type ChatWindowManager struct {
	store     *ConversationStore
	directory *FriendDirectory
	logger    zerolog.Logger

	mu       sync.Mutex
	open     []*windowEntry
	onScroll []func(friendID string)
	onOpen   []func(Friend)
}

// NewChatWindowManager creates a manager over store. When directory is
// non-nil and loaded, Open refuses friends it does not know.
func NewChatWindowManager(store *ConversationStore, directory *FriendDirectory) *ChatWindowManager {
	w := &ChatWindowManager{
		store:     store,
		directory: directory,
		logger:    store.logger.With().Str("component", "windows").Logger(),
	}
	scroll := func(_ string, msg Message) { w.scrollToLatest(msg.ConversationID) }
	store.On(EventMessageLocal, scroll)
	store.On(EventMessageReceived, scroll)
	return w
}

func (w *ChatWindowManager) find(friendID string) (int, *windowEntry) {
	for i, e := range w.open {
		if e.friend.ID == friendID {
			return i, e
		}
	}
	return -1, nil
}

// Open shows friend's window and loads its conversation. A conversation
// with cached messages is ready at once; otherwise the window is loading
// until the history fetch resolves. A failed fetch still leaves the window
// ready, with the error recorded and returned.
func (w *ChatWindowManager) Open(ctx context.Context, friend Friend) error {
	if w.directory != nil && w.directory.Loaded() {
		if _, ok := w.directory.Lookup(friend.ID); !ok {
			return opError(ErrInvalidTarget, "open window", fmt.Errorf("unknown friend %q", friend.ID))
		}
	}

	w.mu.Lock()
	_, e := w.find(friend.ID)
	switch {
	case e != nil && e.err == nil:
		w.mu.Unlock()
		return nil
	case e == nil:
		e = &windowEntry{friend: friend}
		w.open = append(w.open, e)
	}
	if w.store.HasMessages(friend.ID) {
		e.state = WindowReady
		e.err = nil
	} else {
		e.state = WindowLoading
	}
	state := e.state
	handlers := append([]func(Friend){}, w.onOpen...)
	w.mu.Unlock()

	for _, h := range handlers {
		h(friend)
	}
	if state == WindowReady {
		return nil
	}

	err := w.store.EnsureLoaded(ctx, friend.ID)

	w.mu.Lock()
	if _, cur := w.find(friend.ID); cur == e {
		e.state = WindowReady
		e.err = err
	}
	w.mu.Unlock()
	if err != nil {
		w.logger.Warn().Err(err).Str("friend", friend.ID).Msg("window opened without history")
	}
	return err
}

// Close hides friendID's window. Its conversation stays cached.
func (w *ChatWindowManager) Close(friendID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	i, e := w.find(friendID)
	if e == nil {
		return false
	}
	w.open = append(w.open[:i:i], w.open[i+1:]...)
	return true
}

// CloseAll closes every window.
func (w *ChatWindowManager) CloseAll() {
	w.mu.Lock()
	w.open = nil
	w.mu.Unlock()
}

// Windows returns the open windows in slot order.
func (w *ChatWindowManager) Windows() []Window {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Window, len(w.open))
	for i, e := range w.open {
		out[i] = Window{Friend: e.friend, Slot: i, State: e.state, Err: e.err}
	}
	return out
}

// State returns the state of friendID's window; WindowClosed when not open.
func (w *ChatWindowManager) State(friendID string) WindowState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, e := w.find(friendID); e != nil {
		return e.state
	}
	return WindowClosed
}

func (w *ChatWindowManager) IsOpen(friendID string) bool {
	return w.State(friendID) != WindowClosed
}

// OnScrollToLatest registers a handler for the intent to scroll an open
// window to its newest message.
func (w *ChatWindowManager) OnScrollToLatest(h func(friendID string)) {
	w.mu.Lock()
	w.onScroll = append(w.onScroll, h)
	w.mu.Unlock()
}

// OnOpen registers a handler called whenever a window is shown.
func (w *ChatWindowManager) OnOpen(h func(Friend)) {
	w.mu.Lock()
	w.onOpen = append(w.onOpen, h)
	w.mu.Unlock()
}

func (w *ChatWindowManager) scrollToLatest(friendID string) {
	w.mu.Lock()
	_, e := w.find(friendID)
	handlers := append([]func(string){}, w.onScroll...)
	w.mu.Unlock()
	if e == nil {
		return
	}
	for _, h := range handlers {
		h(friendID)
	}
}
