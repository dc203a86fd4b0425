// Package config loads the voxrelay configuration from a YAML file with
// environment variable expansion and strict field checking.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the voxrelay server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Upstreams UpstreamsConfig `yaml:"upstreams"`
	Bot       BotConfig       `yaml:"bot"`
	Tooler    ToolerConfig    `yaml:"tooler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// URL is a sqlite:/// database URL.
	URL string `yaml:"url"`
}

// UpstreamsConfig holds base URLs for the collaborator services. An empty
// base URL disables the corresponding pipeline stage where the stage is
// optional (asr, tts), and fails routing where it is required.
type UpstreamsConfig struct {
	ASRBaseURL       string `yaml:"asr_base_url"`
	RefineBaseURL    string `yaml:"refine_base_url"`
	SummarizeBaseURL string `yaml:"summarize_base_url"`
	TTSBaseURL       string `yaml:"tts_base_url"`
	ToolerBaseURL    string `yaml:"tooler_base_url"`

	// TimeoutSeconds bounds each collaborator HTTP call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the per-call timeout as a duration.
func (u UpstreamsConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// BotConfig configures delivery notifications back to the chat surface.
type BotConfig struct {
	// CallbackURL receives the final summary payload. Empty disables
	// delivery notifications.
	CallbackURL    string `yaml:"callback_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxAttempts    int    `yaml:"max_attempts"`
}

// Timeout returns the notification timeout as a duration.
func (b BotConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// ToolerConfig configures the tool run supervisor.
type ToolerConfig struct {
	// ArtifactsDir is the root directory for per-run artifact folders.
	ArtifactsDir string `yaml:"artifacts_dir"`

	// TailLines is the default number of log lines returned by the
	// tail endpoints.
	TailLines int `yaml:"tail_lines"`

	// RunAsUser, when set, drops tool process privileges to this
	// system user before exec.
	RunAsUser string `yaml:"run_as_user"`

	Codex CodexConfig `yaml:"codex"`
	Git   GitConfig   `yaml:"git"`
}

// CodexConfig configures the codex CLI adapter.
type CodexConfig struct {
	// Home is the CODEX_HOME directory holding auth.json.
	Home string `yaml:"home"`

	// Mode selects the sandbox profile: "readonly" or "full-auto".
	Mode string `yaml:"mode"`

	// Model overrides the CLI's default model when set.
	Model string `yaml:"model"`

	// Mock short-circuits the adapter to an echo command.
	Mock bool `yaml:"mock"`
}

// GitConfig configures the git-autocommit adapter.
type GitConfig struct {
	// Push enables pushing the autocommit branch to origin.
	Push bool `yaml:"push"`
}

// PipelineConfig configures the dispatch worker.
type PipelineConfig struct {
	// RecoverySweepSchedule is a cron expression for re-enqueueing
	// non-terminal tasks. Empty disables the periodic sweep; the
	// startup sweep always runs.
	RecoverySweepSchedule string `yaml:"recovery_sweep_schedule"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a config with working defaults for local development.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{URL: "sqlite:///data/voxrelay.db"},
		Upstreams: UpstreamsConfig{
			TimeoutSeconds: 20,
		},
		Bot: BotConfig{
			TimeoutSeconds: 5,
			MaxAttempts:    3,
		},
		Tooler: ToolerConfig{
			ArtifactsDir: "data/artifacts",
			TailLines:    100,
			Codex: CodexConfig{
				Mode: "readonly",
			},
		},
		Pipeline: PipelineConfig{
			RecoverySweepSchedule: "@every 5m",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path, expands ${VAR} references from the
// environment, and decodes it strictly over the defaults. Unknown keys are
// an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes the same way Load does.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Upstreams.TimeoutSeconds <= 0 {
		return fmt.Errorf("upstreams.timeout_seconds must be positive")
	}
	if c.Bot.TimeoutSeconds <= 0 {
		return fmt.Errorf("bot.timeout_seconds must be positive")
	}
	if c.Bot.MaxAttempts <= 0 {
		return fmt.Errorf("bot.max_attempts must be positive")
	}
	if c.Tooler.ArtifactsDir == "" {
		return fmt.Errorf("tooler.artifacts_dir is required")
	}
	if c.Tooler.TailLines <= 0 {
		return fmt.Errorf("tooler.tail_lines must be positive")
	}
	switch c.Tooler.Codex.Mode {
	case "readonly", "full-auto":
	default:
		return fmt.Errorf("tooler.codex.mode must be readonly or full-auto, got %q", c.Tooler.Codex.Mode)
	}
	return nil
}
