// Package config provides YAML-based configuration loading for Parlor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/zulandar/parlor/internal/persona"
)

// Environment variables holding the two required secrets.
const (
	EnvDiscordToken = "DISCORD_TOKEN"
	EnvAPIKey       = "OPENROUTER_API_KEY"
)

// Config is the top-level Parlor configuration, loaded from parlor.yaml.
type Config struct {
	Completion CompletionConfig `yaml:"completion"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Database   DatabaseConfig   `yaml:"database"`
	Status     StatusConfig     `yaml:"status"`
	Log        LogConfig        `yaml:"log"`
	Personas   []PersonaConfig  `yaml:"personas"`

	// Secrets are never read from YAML; see LoadSecrets.
	DiscordToken string `yaml:"-"`
	APIKey       string `yaml:"-"`

	dir string // directory of the config file, for relative prompt_file paths
}

// CompletionConfig holds settings for the upstream completion endpoint.
type CompletionConfig struct {
	BaseURL           string  `yaml:"base_url"`
	Model             string  `yaml:"model"`
	Temperature       float32 `yaml:"temperature"`
	TimeoutSec        int     `yaml:"timeout_sec"`
	Referer           string  `yaml:"referer"`
	Title             string  `yaml:"title"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// SessionsConfig tunes the session lifecycle.
type SessionsConfig struct {
	IdleTimeoutMin int    `yaml:"idle_timeout_min"`
	ReaperSchedule string `yaml:"reaper_schedule"`
	CloseDelayMs   int    `yaml:"close_delay_ms"`
	ThinkingTTLSec int    `yaml:"thinking_ttl_sec"`
	CloseCommand   string `yaml:"close_command"`
}

// DatabaseConfig selects the session ledger backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mysql"
	DSN    string `yaml:"dsn"`
}

// StatusConfig configures the HTTP status endpoint. Empty Addr disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// PersonaConfig is the YAML form of a persona. Exactly one of Prompt and
// PromptFile must be set.
type PersonaConfig struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	Trigger         string `yaml:"trigger"`
	OriginChannelID string `yaml:"origin_channel_id"`
	SlowmodeSec     int    `yaml:"slowmode_sec"`
	ChannelSuffix   string `yaml:"channel_suffix"`
	Label           string `yaml:"label"`
	Thinking        string `yaml:"thinking"`
	Welcome         string `yaml:"welcome"`
	Prompt          string `yaml:"prompt"`
	PromptFile      string `yaml:"prompt_file"`
}

// Load reads a YAML config file from path and returns a validated Config.
// Secrets are not loaded; call LoadSecrets separately.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := parse(data, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	return parse(data, ".")
}

func parse(data []byte, dir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.dir = dir
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSecrets reads the Discord token and completion API key from the
// environment. If envFile is non-empty and exists, it is loaded first without
// overriding variables already set. Missing secrets are an error.
func (c *Config) LoadSecrets(envFile string) error {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("config: load %s: %w", envFile, err)
			}
		}
	}
	c.DiscordToken = strings.TrimSpace(os.Getenv(EnvDiscordToken))
	c.APIKey = strings.TrimSpace(os.Getenv(EnvAPIKey))

	var missing []string
	if c.DiscordToken == "" {
		missing = append(missing, EnvDiscordToken)
	}
	if c.APIKey == "" {
		missing = append(missing, EnvAPIKey)
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required secrets: %s", strings.Join(missing, ", "))
	}
	return nil
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Completion.BaseURL == "" {
		c.Completion.BaseURL = "https://openrouter.ai/api/v1"
	}
	c.Completion.BaseURL = strings.TrimRight(c.Completion.BaseURL, "/")
	if c.Completion.Model == "" {
		c.Completion.Model = "qwen/qwen3-235b-a22b"
	}
	if c.Completion.Temperature == 0 {
		c.Completion.Temperature = 0.7
	}
	if c.Completion.TimeoutSec == 0 {
		c.Completion.TimeoutSec = 30
	}
	if c.Sessions.IdleTimeoutMin == 0 {
		c.Sessions.IdleTimeoutMin = 30
	}
	if c.Sessions.ReaperSchedule == "" {
		c.Sessions.ReaperSchedule = "@every 5m"
	}
	if c.Sessions.CloseDelayMs == 0 {
		c.Sessions.CloseDelayMs = 1000
	}
	if c.Sessions.ThinkingTTLSec == 0 {
		c.Sessions.ThinkingTTLSec = 3
	}
	if c.Sessions.CloseCommand == "" {
		c.Sessions.CloseCommand = "!close"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "parlor.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	for i := range c.Personas {
		p := &c.Personas[i]
		if p.ID == "" {
			p.ID = strings.TrimPrefix(strings.ToLower(p.Trigger), "!")
		}
		if p.Name == "" {
			p.Name = strings.ToUpper(p.ID)
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		errs = append(errs, "completion.temperature must be between 0 and 2")
	}
	if c.Completion.TimeoutSec < 0 {
		errs = append(errs, "completion.timeout_sec must not be negative")
	}
	if c.Sessions.IdleTimeoutMin < 0 {
		errs = append(errs, "sessions.idle_timeout_min must not be negative")
	}
	if _, err := cron.ParseStandard(c.Sessions.ReaperSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("sessions.reaper_schedule %q is invalid: %v", c.Sessions.ReaperSchedule, err))
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if len(c.Personas) == 0 {
		errs = append(errs, "at least one persona is required")
	}
	triggers := make(map[string]int)
	ids := make(map[string]int)
	for i, p := range c.Personas {
		if p.Trigger == "" {
			errs = append(errs, fmt.Sprintf("personas[%d].trigger is required", i))
		} else if j, dup := triggers[strings.ToLower(p.Trigger)]; dup {
			errs = append(errs, fmt.Sprintf("personas[%d].trigger %q duplicates personas[%d]", i, p.Trigger, j))
		} else {
			triggers[strings.ToLower(p.Trigger)] = i
		}
		if j, dup := ids[p.ID]; dup {
			errs = append(errs, fmt.Sprintf("personas[%d].id %q duplicates personas[%d]", i, p.ID, j))
		} else {
			ids[p.ID] = i
		}
		if p.OriginChannelID == "" {
			errs = append(errs, fmt.Sprintf("personas[%d].origin_channel_id is required", i))
		}
		if p.SlowmodeSec < 0 || p.SlowmodeSec > 21600 {
			errs = append(errs, fmt.Sprintf("personas[%d].slowmode_sec must be between 0 and 21600", i))
		}
		if (p.Prompt == "") == (p.PromptFile == "") {
			errs = append(errs, fmt.Sprintf("personas[%d]: exactly one of prompt and prompt_file is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IdleTimeout returns the session idle threshold.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Sessions.IdleTimeoutMin) * time.Minute
}

// CloseDelay returns the pause between the closing notice and channel deletion.
func (c *Config) CloseDelay() time.Duration {
	return time.Duration(c.Sessions.CloseDelayMs) * time.Millisecond
}

// ThinkingTTL returns how long the thinking indicator stays visible.
func (c *Config) ThinkingTTL() time.Duration {
	return time.Duration(c.Sessions.ThinkingTTLSec) * time.Second
}

// CompletionTimeout returns the per-read timeout for the completion stream.
func (c *Config) CompletionTimeout() time.Duration {
	return time.Duration(c.Completion.TimeoutSec) * time.Second
}

// BuildPersonas resolves prompt files and converts the YAML personas into
// persona values. If only is non-empty, personas whose ID is not listed are
// skipped; unknown IDs in only are an error.
func (c *Config) BuildPersonas(only []string) ([]persona.Persona, error) {
	want := make(map[string]bool, len(only))
	for _, id := range only {
		want[id] = true
	}

	var out []persona.Persona
	for _, pc := range c.Personas {
		if len(want) > 0 && !want[pc.ID] {
			continue
		}
		delete(want, pc.ID)

		prompt := pc.Prompt
		if pc.PromptFile != "" {
			path := pc.PromptFile
			if !filepath.IsAbs(path) {
				path = filepath.Join(c.dir, path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("config: persona %s: read prompt: %w", pc.ID, err)
			}
			prompt = string(data)
		}

		out = append(out, persona.Persona{
			ID:              pc.ID,
			Name:            pc.Name,
			Trigger:         pc.Trigger,
			OriginChannelID: pc.OriginChannelID,
			SlowmodeSec:     pc.SlowmodeSec,
			ChannelSuffix:   pc.ChannelSuffix,
			Label:           pc.Label,
			Thinking:        pc.Thinking,
			Welcome:         pc.Welcome,
			Prompt:          strings.TrimSpace(prompt),
		})
	}

	if len(want) > 0 {
		var unknown []string
		for id := range want {
			unknown = append(unknown, id)
		}
		slices.Sort(unknown)
		return nil, fmt.Errorf("config: unknown persona(s): %s", strings.Join(unknown, ", "))
	}
	return out, nil
}
