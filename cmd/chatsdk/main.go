package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsdk/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL      string `toml:"base_url"`
	WSURL        string `toml:"ws_url"`
	CacheBackend string `toml:"cache_backend"`
	CacheDir     string `toml:"cache_dir"`
	LogLevel     string `toml:"log_level"`
}

// ConfigAuth holds the credentials handed over by the auth service.
type ConfigAuth struct {
	Token       string `toml:"token"`
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsdk (or $CHATSDK_HOME), creating it if
// needed.
func configDir() (string, error) {
	dir := os.Getenv("CHATSDK_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".chatsdk")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		case "cache_backend":
			if err := checkCacheBackend(value); err != nil {
				return err
			}
			cfg.Default.CacheBackend = value
		case "cache_dir":
			cfg.Default.CacheDir = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "display_name":
			cfg.Auth.DisplayName = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

func checkCacheBackend(name string) error {
	switch name {
	case "", "memory", "file", "sqlite":
		return nil
	}
	return fmt.Errorf("unknown cache backend %q (valid: memory, file, sqlite)", name)
}

// checkConfig reports settings a chat command would reject or silently
// ignore. Files edited by hand bypass setConfigValue.
func checkConfig(cfg *Config) []string {
	var problems []string
	if err := checkCacheBackend(cfg.Default.CacheBackend); err != nil {
		problems = append(problems, "default.cache_backend: "+err.Error())
	}
	if cfg.Default.LogLevel != "" {
		if _, err := zerolog.ParseLevel(cfg.Default.LogLevel); err != nil {
			problems = append(problems, fmt.Sprintf("default.log_level: unknown level %q", cfg.Default.LogLevel))
		}
	}
	if p := checkURL("default.base_url", cfg.Default.BaseURL, "http", "https"); p != "" {
		problems = append(problems, p)
	}
	if p := checkURL("default.ws_url", cfg.Default.WSURL, "ws", "wss"); p != "" {
		problems = append(problems, p)
	}
	if (cfg.Auth.Token == "") != (cfg.Auth.UserID == "") {
		problems = append(problems, "auth: token and user_id must be set together")
	}
	return problems
}

func checkURL(key, raw string, schemes ...string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Sprintf("%s: %q is not an absolute URL", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return ""
		}
	}
	return fmt.Sprintf("%s: scheme %q not one of %s", key, u.Scheme, strings.Join(schemes, ", "))
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose    bool
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:          "chatsdk",
	Short:        "Friend chat CLI",
	Long:         "Command-line client for the friend chat: list friends, read and send messages,\nlisten for pushes, and run a local development backend.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
