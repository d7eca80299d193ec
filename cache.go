package chatsdk

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// PersistenceCache
// ============================================================================

// DefaultDebounce bounds how long a snapshot may sit in memory before it is
// written.
const DefaultDebounce = 300 * time.Millisecond

const cacheKeyPrefix = "chatMessages_"

// CacheKey returns the durable key of a user's conversation snapshot.
func CacheKey(userID string) string {
	return cacheKeyPrefix + userID
}

// Backend is a durable key/value store.
type Backend interface {
	// Get returns ok=false when the key does not exist.
	Get(key string) (data []byte, ok bool, err error)
	Put(key string, data []byte) error
	Close() error
}

// PersistenceCache keeps one snapshot of all conversations per user. Writes
// are debounced: bursts of Save calls within one interval produce a single
// write of the latest snapshot.
type PersistenceCache struct {
	backend  Backend
	debounce time.Duration
	logger   zerolog.Logger

	// writeMu serializes backend writes so that a snapshot taken later is
	// never overwritten by an earlier one. Lock order: writeMu, then mu.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]Snapshot
	timer   *time.Timer
}

type CacheOption func(*PersistenceCache)

// WithDebounce sets the write debounce interval. Zero or less writes
// synchronously on every Save.
func WithDebounce(d time.Duration) CacheOption {
	return func(c *PersistenceCache) { c.debounce = d }
}

func WithCacheLogger(logger zerolog.Logger) CacheOption {
	return func(c *PersistenceCache) { c.logger = logger }
}

// NewPersistenceCache creates a cache over backend.
func NewPersistenceCache(backend Backend, opts ...CacheOption) *PersistenceCache {
	c := &PersistenceCache{
		backend:  backend,
		debounce: DefaultDebounce,
		logger:   zerolog.Nop(),
		pending:  make(map[string]Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "cache").Logger()
	return c
}

// Save schedules a write of the complete snapshot for userID. The snapshot is
// copied; callers may keep mutating their own state.
func (c *PersistenceCache) Save(userID string, state Snapshot) {
	key := CacheKey(userID)
	snap := state.clone()

	if c.debounce <= 0 {
		c.writeMu.Lock()
		err := c.write(key, snap)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Error().Err(err).Str("key", key).Msg("cache write failed")
		}
		return
	}

	c.mu.Lock()
	c.pending[key] = snap
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.flushTimer)
	}
	c.mu.Unlock()
}

// Load returns the stored snapshot for userID. A missing or unreadable value
// yields an empty snapshot; corruption is logged, never returned.
func (c *PersistenceCache) Load(userID string) Snapshot {
	key := CacheKey(userID)
	if err := c.Flush(); err != nil {
		c.logger.Error().Err(err).Msg("cache flush before load failed")
	}

	data, ok, err := c.backend.Get(key)
	if err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("cache read failed")
		return Snapshot{}
	}
	if !ok {
		return Snapshot{}
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.logger.Warn().
			Err(opError(ErrCorruptCache, "load cache", err)).
			Str("key", key).
			Msg("discarding corrupt cache")
		return Snapshot{}
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap
}

// Flush writes pending snapshots immediately. Concurrent flushes are applied
// in the order they took their snapshots.
func (c *PersistenceCache) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	pending := c.pending
	c.pending = make(map[string]Snapshot)
	c.mu.Unlock()

	var firstErr error
	for key, snap := range pending {
		if err := c.write(key, snap); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes and releases the backend.
func (c *PersistenceCache) Close() error {
	flushErr := c.Flush()
	if err := c.backend.Close(); err != nil {
		return err
	}
	return flushErr
}

func (c *PersistenceCache) flushTimer() {
	if err := c.Flush(); err != nil {
		c.logger.Error().Err(err).Msg("debounced cache write failed")
	}
}

func (c *PersistenceCache) write(key string, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.backend.Put(key, data)
}
