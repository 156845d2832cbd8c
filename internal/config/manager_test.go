package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeConfig(t, "config.yaml", `
logging:
  level: debug
  console: true
http:
  addr: "127.0.0.1:9090"
storage:
  path: ./test.db
  artifact_dir: ./artifacts
engine:
  workers: 8
  retry_base: 250ms
`)
	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Fatalf("http.addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Engine.Workers != 8 {
		t.Fatalf("engine.workers = %d", cfg.Engine.Workers)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	p := writeConfig(t, "config.json", `{"storage":{"path":"x","artifact_dir":"y"},"shedule":{}}`)
	if _, err := NewManager(p).Load(); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestReloadPublishesOnlyRealChanges(t *testing.T) {
	p := writeConfig(t, "config.yaml", "storage:\n  path: ./a.db\n  artifact_dir: ./arts\n")
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx := context.Background()

	// A rewrite with identical content must not publish.
	if err := os.WriteFile(p, []byte("storage:\n  path: ./a.db\n  artifact_dir: ./arts\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(ctx)
	select {
	case cfg := <-sub:
		t.Fatalf("unchanged config published: %+v", cfg)
	default:
	}

	// A content change commits and publishes.
	if err := os.WriteFile(p, []byte("storage:\n  path: ./b.db\n  artifact_dir: ./arts\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(ctx)
	select {
	case cfg := <-sub:
		if cfg.Storage.Path != "./b.db" {
			t.Fatalf("published path = %q", cfg.Storage.Path)
		}
	case <-time.After(time.Second):
		t.Fatal("changed config never published")
	}
	if m.Get().Storage.Path != "./b.db" {
		t.Fatalf("committed path = %q", m.Get().Storage.Path)
	}

	// A broken file keeps the previous snapshot in force.
	if err := os.WriteFile(p, []byte("storage: ["), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(ctx)
	if m.Get().Storage.Path != "./b.db" {
		t.Fatalf("broken reload replaced snapshot: %q", m.Get().Storage.Path)
	}

	// A config the validator rejects is not committed either.
	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })
	if err := os.WriteFile(p, []byte("storage:\n  path: ./c.db\n  artifact_dir: ./arts\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(ctx)
	if m.Get().Storage.Path != "./b.db" {
		t.Fatalf("rejected reload committed: %q", m.Get().Storage.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"ok", func(c *Config) {}, false},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }, true},
		{"missing artifact dir", func(c *Config) { c.Storage.ArtifactDir = "" }, true},
		{"email enabled without host", func(c *Config) {
			c.Delivery.Email = &EmailConfig{Enabled: true, From: "a@b.c"}
		}, true},
		{"telegram enabled without token", func(c *Config) {
			c.Delivery.Telegram = &TelegramConfig{Enabled: true}
		}, true},
		{"email disabled needs nothing", func(c *Config) {
			c.Delivery.Email = &EmailConfig{Enabled: false}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{
				Storage: StorageConfig{Path: "./db", ArtifactDir: "./arts"},
			}
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", " 5s "); err != nil || d != 5*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage should fail")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
