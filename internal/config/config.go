package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.wabot/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	AI             AI     `toml:"ai"`
	Cache          Cache  `toml:"cache"`
}

// AI configures the OpenAI-compatible backend used for replies and
// voice transcription.
type AI struct {
	BaseURL         string `toml:"base_url"`
	APIKey          string `toml:"api_key"`
	ChatModel       string `toml:"chat_model"`
	TranscribeModel string `toml:"transcribe_model"`
	Language        string `toml:"language"`
	Instruction     string `toml:"instruction"`
}

// Cache configures TTLs and the contact-directory flush debounce.
// Zero values fall back to the defaults below.
type Cache struct {
	GroupsTTL     duration `toml:"groups_ttl"`
	HistoryTTL    duration `toml:"history_ttl"`
	FlushDebounce duration `toml:"flush_debounce"`
}

const (
	DefaultGroupsTTL     = 24 * time.Hour
	DefaultHistoryTTL    = 6 * time.Hour
	DefaultFlushDebounce = 5 * time.Second
)

// duration lets TOML carry values like "24h" or "5s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// GroupsTTL returns the configured groups snapshot TTL or the default.
func (c *Config) GroupsTTL() time.Duration {
	if c.Cache.GroupsTTL > 0 {
		return time.Duration(c.Cache.GroupsTTL)
	}
	return DefaultGroupsTTL
}

// HistoryTTL returns the configured history snapshot TTL or the default.
func (c *Config) HistoryTTL() time.Duration {
	if c.Cache.HistoryTTL > 0 {
		return time.Duration(c.Cache.HistoryTTL)
	}
	return DefaultHistoryTTL
}

// FlushDebounce returns the contact-directory flush quiet period.
func (c *Config) FlushDebounce() time.Duration {
	if c.Cache.FlushDebounce > 0 {
		return time.Duration(c.Cache.FlushDebounce)
	}
	return DefaultFlushDebounce
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to a usable zero
// config (env-only) when the file is missing or unreadable.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
		cfg.applyEnv()
	}
	return cfg
}

// applyEnv overlays environment variables on top of file values.
// A .env in the working directory is loaded first if present.
func (c *Config) applyEnv() {
	_ = godotenv.Load()
	if v := os.Getenv("WABOT_AI_BASE_URL"); v != "" {
		c.AI.BaseURL = v
	}
	if v := os.Getenv("WABOT_AI_KEY"); v != "" {
		c.AI.APIKey = v
	} else if c.AI.APIKey == "" {
		c.AI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("WABOT_AI_CHAT_MODEL"); v != "" {
		c.AI.ChatModel = v
	}
	if v := os.Getenv("WABOT_AI_TRANSCRIBE_MODEL"); v != "" {
		c.AI.TranscribeModel = v
	}
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
