package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/circlesocial/chatsdk"
)

// newLogger builds the console logger on stderr. --verbose wins over the
// configured level.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.WarnLevel
	if cfg.Default.LogLevel != "" {
		if l, err := zerolog.ParseLevel(cfg.Default.LogLevel); err == nil {
			level = l
		}
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// openBackend opens the cache backend named in the config.
func openBackend(cfg *Config) (chatsdk.Backend, error) {
	dir := cfg.Default.CacheDir
	if dir == "" {
		base, err := configDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "cache")
	}

	if err := checkCacheBackend(cfg.Default.CacheBackend); err != nil {
		return nil, err
	}
	switch cfg.Default.CacheBackend {
	case "memory":
		return chatsdk.NewMemoryBackend(), nil
	case "sqlite":
		return chatsdk.OpenSQLiteBackend(filepath.Join(dir, "chat.db"))
	default:
		return chatsdk.NewFileBackend(dir)
	}
}

// chatEnv is everything a chat command needs.
type chatEnv struct {
	cfg     *Config
	logger  zerolog.Logger
	session *chatsdk.Session
	cache   *chatsdk.PersistenceCache
}

// close tears the session down and closes the cache, flushing it.
func (e *chatEnv) close() {
	if err := e.session.Teardown(); err != nil {
		e.logger.Warn().Err(err).Msg("teardown failed")
	}
	if err := e.cache.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("closing cache failed")
	}
}

// openSession builds and starts a session from the config. The push channel
// is only connected when withPush is set.
func openSession(ctx context.Context, withPush bool, sessionOpts ...chatsdk.SessionOption) (*chatEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("not logged in. Run 'chatsdk login <token> <user-id>' first")
	}
	logger := newLogger(cfg)

	opts := []chatsdk.ClientOption{chatsdk.WithClientLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsdk.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.WSURL != "" {
		opts = append(opts, chatsdk.WithWSURL(cfg.Default.WSURL))
	}
	client := chatsdk.NewClient(opts...)

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	cache := chatsdk.NewPersistenceCache(backend, chatsdk.WithCacheLogger(logger))

	var transport chatsdk.TransportChannel
	if withPush {
		transport = chatsdk.NewWSChannel(client, &chatsdk.TransportConfig{
			AutoReconnect: true,
			Logger:        &logger,
		})
	}

	session := chatsdk.NewSession(client, transport, cache, sessionOpts...)
	if err := session.Init(ctx, chatsdk.Auth{Token: cfg.Auth.Token, UserID: cfg.Auth.UserID}); err != nil {
		cache.Close()
		return nil, err
	}
	return &chatEnv{cfg: cfg, logger: logger, session: session, cache: cache}, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
