package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  host: 127.0.0.1
  port: 9090
database:
  url: sqlite:///tmp/test.db
upstreams:
  refine_base_url: http://refine:8081
  summarize_base_url: http://summarize:8082
  tooler_base_url: http://tooler:8083
  timeout_seconds: 10
tooler:
  artifacts_dir: /var/lib/voxrelay/artifacts
  codex:
    mode: full-auto
    mock: true
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:9090" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr())
	}
	if cfg.Upstreams.RefineBaseURL != "http://refine:8081" {
		t.Fatalf("unexpected refine url %q", cfg.Upstreams.RefineBaseURL)
	}
	if cfg.Upstreams.Timeout().Seconds() != 10 {
		t.Fatalf("unexpected timeout %v", cfg.Upstreams.Timeout())
	}
	if !cfg.Tooler.Codex.Mock || cfg.Tooler.Codex.Mode != "full-auto" {
		t.Fatalf("codex config not applied: %+v", cfg.Tooler.Codex)
	}
	// Defaults survive partial overrides.
	if cfg.Logging.Level != "info" {
		t.Fatalf("default logging level lost: %q", cfg.Logging.Level)
	}
	if cfg.Bot.MaxAttempts != 3 {
		t.Fatalf("default bot attempts lost: %d", cfg.Bot.MaxAttempts)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("server:\n  listen_addr: oops\n"))
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("VOXRELAY_DB", "sqlite:///env/expanded.db")
	cfg, err := Parse([]byte("database:\n  url: ${VOXRELAY_DB}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Database.URL != "sqlite:///env/expanded.db" {
		t.Fatalf("env not expanded: %q", cfg.Database.URL)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no database", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"bad codex mode", func(c *Config) { c.Tooler.Codex.Mode = "yolo" }, "codex.mode"},
		{"bad tail lines", func(c *Config) { c.Tooler.TailLines = -1 }, "tail_lines"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8181\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8181 {
		t.Fatalf("unexpected port %d", cfg.Server.Port)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
