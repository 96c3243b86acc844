package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 3200 {
		t.Errorf("default port: expected 3200, got %d", cfg.Server.Port)
	}
	if cfg.Store.Path != "audit.db" {
		t.Errorf("default store path: expected audit.db, got %q", cfg.Store.Path)
	}
	if cfg.Genesis.KeyEnv != "BOOKAUDIT_GENESIS_KEY" {
		t.Errorf("default key env: expected BOOKAUDIT_GENESIS_KEY, got %q", cfg.Genesis.KeyEnv)
	}
	if cfg.Append.MaxAttempts != 0 {
		t.Errorf("default max attempts: expected 0, got %d", cfg.Append.MaxAttempts)
	}
	if cfg.Append.TimeoutMs != 10000 {
		t.Errorf("default timeout: expected 10000, got %d", cfg.Append.TimeoutMs)
	}
	if !cfg.Feed.Enabled {
		t.Error("default feed: expected true")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
store:
  path: /var/lib/bookaudit/audit.db
genesis:
  keyEnv: ""
  keyFile: genesis.key
append:
  maxAttempts: 20
  baseDelayMs: 2
  maxDelayMs: 100
  timeoutMs: 0
feed:
  enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:9090" {
		t.Errorf("addr: expected 0.0.0.0:9090, got %q", cfg.Server.Addr())
	}
	if got := cfg.StorePath(dir); got != "/var/lib/bookaudit/audit.db" {
		t.Errorf("absolute store path should be kept, got %q", got)
	}
	if cfg.Genesis.KeyFile != "genesis.key" {
		t.Errorf("key file: expected genesis.key, got %q", cfg.Genesis.KeyFile)
	}
	p := cfg.Append.RetryPolicy()
	if p.MaxAttempts != 20 || p.BaseDelay != 2*time.Millisecond || p.MaxDelay != 100*time.Millisecond || p.Timeout != 0 {
		t.Errorf("unexpected retry policy: %+v", p)
	}
	if cfg.Feed.Enabled {
		t.Error("feed: expected false")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(`{{{invalid yaml`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
append:
  maxAttempts: 5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Append.MaxAttempts != 5 {
		t.Errorf("max attempts: expected 5, got %d", cfg.Append.MaxAttempts)
	}
	if cfg.Append.BaseDelayMs != 5 || cfg.Append.MaxDelayMs != 250 {
		t.Errorf("backoff bounds should keep defaults, got %+v", cfg.Append)
	}
	if got := cfg.StorePath(dir); got != filepath.Join(dir, "audit.db") {
		t.Errorf("relative store path should resolve against dir, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	modify := func(f func(c *Config)) Config {
		c := *applyDefaults()
		f(&c)
		return c
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", *applyDefaults(), false},
		{"empty host", modify(func(c *Config) { c.Server.Host = "" }), true},
		{"port 0", modify(func(c *Config) { c.Server.Port = 0 }), true},
		{"port 65536", modify(func(c *Config) { c.Server.Port = 65536 }), true},
		{"empty store path", modify(func(c *Config) { c.Store.Path = "" }), true},
		{"no key source", modify(func(c *Config) { c.Genesis = GenesisConfig{} }), true},
		{"key file only", modify(func(c *Config) { c.Genesis = GenesisConfig{KeyFile: "k"} }), false},
		{"negative attempts", modify(func(c *Config) { c.Append.MaxAttempts = -1 }), true},
		{"zero base delay", modify(func(c *Config) { c.Append.BaseDelayMs = 0 }), true},
		{"max below base", modify(func(c *Config) { c.Append.MaxDelayMs = 1 }), true},
		{"negative timeout", modify(func(c *Config) { c.Append.TimeoutMs = -1 }), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(&tt.cfg)
			if tt.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestResolveKey(t *testing.T) {
	dir := t.TempDir()
	key := "0123456789abcdef-genesis"
	if err := os.WriteFile(filepath.Join(dir, "genesis.key"), []byte(key+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Run("env wins", func(t *testing.T) {
		t.Setenv("BOOKAUDIT_TEST_KEY", "from-the-environment")
		got, err := GenesisConfig{KeyEnv: "BOOKAUDIT_TEST_KEY", KeyFile: "genesis.key"}.ResolveKey(dir)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "from-the-environment" {
			t.Errorf("expected env key, got %q", got)
		}
	})

	t.Run("file fallback", func(t *testing.T) {
		t.Setenv("BOOKAUDIT_TEST_KEY", "")
		got, err := GenesisConfig{KeyEnv: "BOOKAUDIT_TEST_KEY", KeyFile: "genesis.key"}.ResolveKey(dir)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != key {
			t.Errorf("expected trimmed file key, got %q", got)
		}
	})

	t.Run("missing", func(t *testing.T) {
		t.Setenv("BOOKAUDIT_TEST_KEY", "")
		_, err := GenesisConfig{KeyEnv: "BOOKAUDIT_TEST_KEY"}.ResolveKey(dir)
		if !errors.Is(err, ErrNoGenesisKey) {
			t.Errorf("expected ErrNoGenesisKey, got %v", err)
		}
		_, err = GenesisConfig{KeyFile: "absent.key"}.ResolveKey(dir)
		if !errors.Is(err, ErrNoGenesisKey) {
			t.Errorf("expected ErrNoGenesisKey for absent file, got %v", err)
		}
	})

	t.Run("too short", func(t *testing.T) {
		t.Setenv("BOOKAUDIT_TEST_KEY", "short")
		if _, err := (GenesisConfig{KeyEnv: "BOOKAUDIT_TEST_KEY"}).ResolveKey(dir); err == nil {
			t.Error("short key should be rejected")
		}
	})
}

func TestWriteDefault_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}
	if cfg.Server.Port != 3200 {
		t.Errorf("roundtrip port: expected 3200, got %d", cfg.Server.Port)
	}
	if cfg.Append.RetryPolicy().MaxDelay != 250*time.Millisecond {
		t.Errorf("roundtrip max delay: got %s", cfg.Append.RetryPolicy().MaxDelay)
	}
}

func TestWatcher_ConfigChange(t *testing.T) {
	dir := t.TempDir()
	fired := make(chan struct{}, 8)

	w, err := NewWatcher(dir, WatchTargets{OnConfigChange: func() { fired <- struct{}{} }})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "actors.yaml"), []byte("actors: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteDefault(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("OnConfigChange did not fire")
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
}
