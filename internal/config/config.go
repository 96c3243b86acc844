// Package config handles loading, validating, and writing the bookaudit
// configuration from ~/.bookaudit/config.yaml.
//
// The config defines:
//   - Server bind address (host:port) for the ingest/admin HTTP surface
//   - Audit database location
//   - Where the genesis key comes from (environment variable or key file)
//   - Append retry policy (attempt cap, backoff bounds, loop timeout)
//   - Live feed toggle
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bookapi/bookaudit/internal/audit"
)

// MinGenesisKeyLength is the shortest genesis key Load accepts.
const MinGenesisKeyLength = 16

// ErrNoGenesisKey is returned by ResolveKey when neither the environment
// variable nor the key file supplies a key.
var ErrNoGenesisKey = errors.New("no genesis key configured")

// Config is the top-level bookaudit configuration.
// Loaded from ~/.bookaudit/config.yaml, with sensible defaults for fields
// that are not explicitly set.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Genesis GenesisConfig `yaml:"genesis"`
	Append  AppendConfig  `yaml:"append"`
	Feed    FeedConfig    `yaml:"feed"`
}

// ServerConfig defines where the HTTP surface listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig locates the SQLite audit database. A relative path is
// resolved against the config directory.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// GenesisConfig says where the deployment's initial chain key lives.
// The key never lives in the audit database: the verifier replays the
// chain from it, so storing it next to the entries would let anyone who
// can rewrite the database also re-sign it.
type GenesisConfig struct {
	KeyEnv  string `yaml:"keyEnv"`
	KeyFile string `yaml:"keyFile"`
}

// AppendConfig is the conflict-retry policy of the appender.
//
// MaxAttempts: 0 = retry until TimeoutMs elapses.
// TimeoutMs: bounds the whole retry loop; 0 = no timeout.
type AppendConfig struct {
	MaxAttempts int `yaml:"maxAttempts"`
	BaseDelayMs int `yaml:"baseDelayMs"`
	MaxDelayMs  int `yaml:"maxDelayMs"`
	TimeoutMs   int `yaml:"timeoutMs"`
}

// RetryPolicy converts the config section to the audit log's policy.
func (a AppendConfig) RetryPolicy() audit.RetryPolicy {
	return audit.RetryPolicy{
		MaxAttempts: a.MaxAttempts,
		BaseDelay:   time.Duration(a.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(a.MaxDelayMs) * time.Millisecond,
		Timeout:     time.Duration(a.TimeoutMs) * time.Millisecond,
	}
}

// FeedConfig controls the websocket feed of committed entries at /api/feed.
type FeedConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file yet; `bookaudit config generate` writes one.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// StorePath returns the audit database path, resolving a relative path
// against dir.
func (c *Config) StorePath(dir string) string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(dir, c.Store.Path)
}

// ResolveKey returns the genesis key: the environment variable named by
// KeyEnv if set and non-empty, otherwise the contents of KeyFile (resolved
// against dir, surrounding whitespace trimmed).
func (g GenesisConfig) ResolveKey(dir string) ([]byte, error) {
	if g.KeyEnv != "" {
		if v := os.Getenv(g.KeyEnv); v != "" {
			return checkKey([]byte(v), "$"+g.KeyEnv)
		}
	}
	if g.KeyFile == "" {
		return nil, fmt.Errorf("%w: set $%s or genesis.keyFile", ErrNoGenesisKey, g.KeyEnv)
	}

	path := g.KeyFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: key file %s does not exist", ErrNoGenesisKey, path)
		}
		return nil, fmt.Errorf("reading genesis key file %s: %w", path, err)
	}
	return checkKey(bytes.TrimSpace(data), path)
}

func checkKey(key []byte, source string) ([]byte, error) {
	if len(key) < MinGenesisKeyLength {
		return nil, fmt.Errorf("genesis key from %s is %d bytes, need at least %d",
			source, len(key), MinGenesisKeyLength)
	}
	return key, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `bookaudit config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# bookaudit configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# store:
#   path: SQLite audit database, relative to this directory unless absolute
#
# genesis:
#   keyEnv: Environment variable holding the genesis key (checked first)
#   keyFile: File holding the genesis key, relative to this directory unless absolute
#
# append:
#   maxAttempts: Conditional commits per append before giving up (0 = until timeout)
#   baseDelayMs: First backoff delay after a lost commit race
#   maxDelayMs: Backoff ceiling
#   timeoutMs: Bound on the whole retry loop (0 = none)
#
# feed:
#   enabled: Stream committed entries over websocket at /api/feed

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Store: StoreConfig{
			Path: "audit.db",
		},
		Genesis: GenesisConfig{
			KeyEnv: "BOOKAUDIT_GENESIS_KEY",
		},
		Append: AppendConfig{
			MaxAttempts: 0,
			BaseDelayMs: 5,
			MaxDelayMs:  250,
			TimeoutMs:   10000,
		},
		Feed: FeedConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if cfg.Genesis.KeyEnv == "" && cfg.Genesis.KeyFile == "" {
		return fmt.Errorf("genesis: one of keyEnv or keyFile is required")
	}

	if err := cfg.Append.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	return nil
}
