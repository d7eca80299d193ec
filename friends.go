package chatsdk

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// FriendDirectory
// ============================================================================

// FriendDirectory fetches the friend list once per trigger and answers
// filtered views of it. A failed fetch consumes the trigger: nothing is
// refetched until Refresh.
type FriendDirectory struct {
	client *Client
	logger zerolog.Logger
	group  singleflight.Group

	mu        sync.RWMutex
	friends   []Friend
	fetched   bool
	lastErr   error
	onRemoved []func(friendID string)
}

func NewFriendDirectory(client *Client) *FriendDirectory {
	return &FriendDirectory{
		client: client,
		logger: client.logger.With().Str("component", "friends").Logger(),
	}
}

// List returns the friends whose display name contains searchTerm, ignoring
// case, in server order. An empty term matches everyone. When the fetch of
// the current trigger failed, the list is empty and the failure is returned.
func (d *FriendDirectory) List(ctx context.Context, searchTerm string) ([]Friend, error) {
	d.mu.RLock()
	fetched := d.fetched
	d.mu.RUnlock()

	if !fetched {
		_, _, _ = d.group.Do("friends", func() (any, error) {
			d.mu.RLock()
			done := d.fetched
			d.mu.RUnlock()
			if done {
				return nil, nil
			}

			friends, err := d.client.listFriends(ctx)
			d.mu.Lock()
			d.fetched = true
			d.friends = friends
			d.lastErr = err
			d.mu.Unlock()
			if err != nil {
				d.logger.Warn().Err(err).Msg("friend list fetch failed")
			}
			return nil, err
		})
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastErr != nil {
		return []Friend{}, d.lastErr
	}
	return filterFriends(d.friends, searchTerm), nil
}

func filterFriends(friends []Friend, term string) []Friend {
	term = strings.ToLower(term)
	out := make([]Friend, 0, len(friends))
	for _, f := range friends {
		if term == "" || strings.Contains(strings.ToLower(f.DisplayName), term) {
			out = append(out, f)
		}
	}
	return out
}

// Refresh arms a new trigger; the next List fetches again.
func (d *FriendDirectory) Refresh() {
	d.mu.Lock()
	d.fetched = false
	d.lastErr = nil
	d.mu.Unlock()
	d.group.Forget("friends")
}

// Loaded reports whether the current trigger fetched a list successfully.
func (d *FriendDirectory) Loaded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fetched && d.lastErr == nil
}

// LastError returns the failure of the current trigger, if any.
func (d *FriendDirectory) LastError() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastErr
}

// Lookup finds a friend in the fetched list.
func (d *FriendDirectory) Lookup(friendID string) (Friend, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, f := range d.friends {
		if f.ID == friendID {
			return f, true
		}
	}
	return Friend{}, false
}

// Remove unfriends friendID on the server and drops it from the list.
func (d *FriendDirectory) Remove(ctx context.Context, friendID string) error {
	if err := d.client.removeFriend(ctx, friendID); err != nil {
		return err
	}

	d.mu.Lock()
	for i, f := range d.friends {
		if f.ID == friendID {
			d.friends = append(d.friends[:i:i], d.friends[i+1:]...)
			break
		}
	}
	handlers := append([]func(string){}, d.onRemoved...)
	d.mu.Unlock()

	d.logger.Info().Str("friend", friendID).Msg("friend removed")
	for _, h := range handlers {
		h(friendID)
	}
	return nil
}

// OnRemoved registers a handler called after a successful Remove.
func (d *FriendDirectory) OnRemoved(h func(friendID string)) {
	d.mu.Lock()
	d.onRemoved = append(d.onRemoved, h)
	d.mu.Unlock()
}
