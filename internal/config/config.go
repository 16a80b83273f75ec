package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all recall configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Engine      EngineConfig      `yaml:"engine"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Ingest      IngestConfig      `yaml:"ingest"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EngineConfig carries the decay and scheduling constants.
type EngineConfig struct {
	MemoryThreshold          float64 `yaml:"memory_threshold"`
	MinLambda                float64 `yaml:"min_lambda"` // per hour
	MaxLambda                float64 `yaml:"max_lambda"`
	DefaultLambda            float64 `yaml:"default_lambda"`
	LambdaStep               float64 `yaml:"lambda_step"`          // fractional λ change per adaptation
	ReinforceConfidence      float64 `yaml:"reinforce_confidence"` // combined confidence needed to slow decay
	MinReviewIntervalHours   float64 `yaml:"min_review_interval_hours"`
	MaxReviewIntervalHours   float64 `yaml:"max_review_interval_hours"`
	ReminderCooldownHours    float64 `yaml:"reminder_cooldown_hours"`
	MaxNotificationsPerCheck int     `yaml:"max_notifications_per_check"`
	StaleNodeDays            float64 `yaml:"stale_node_days"`
}

type DispatchConfig struct {
	Interval     time.Duration `yaml:"interval"`
	SinkTimeout  time.Duration `yaml:"sink_timeout"`
	Sink         string        `yaml:"sink"` // "log", "webhook", "file"
	WebhookURL   string        `yaml:"webhook_url"`
	EventDir     string        `yaml:"event_dir"`
	MaxFailures  uint32        `yaml:"max_failures"`  // consecutive webhook failures before the breaker opens
	OpenDuration time.Duration `yaml:"open_duration"` // how long the breaker stays open
}

type PersistenceConfig struct {
	SaveInterval  time.Duration `yaml:"save_interval"`
	Timeout       time.Duration `yaml:"timeout"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

type IngestConfig struct {
	QueueSize    int     `yaml:"queue_size"`
	RatePerSec   float64 `yaml:"rate_per_sec"`
	Burst        int     `yaml:"burst"`
	JournalLimit int     `yaml:"journal_limit"` // max journaled events kept
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Engine: EngineConfig{
			MemoryThreshold:          0.4,
			MinLambda:                0.05,
			MaxLambda:                0.2,
			DefaultLambda:            0.1,
			LambdaStep:               0.1,
			ReinforceConfidence:      0.7,
			MinReviewIntervalHours:   1,
			MaxReviewIntervalHours:   7 * 24,
			ReminderCooldownHours:    6,
			MaxNotificationsPerCheck: 5,
			StaleNodeDays:            30,
		},
		Dispatch: DispatchConfig{
			Interval:     time.Minute,
			SinkTimeout:  5 * time.Second,
			Sink:         "log",
			MaxFailures:  3,
			OpenDuration: 30 * time.Second,
		},
		Persistence: PersistenceConfig{
			SaveInterval:  5 * time.Minute,
			Timeout:       10 * time.Second,
			PruneInterval: 24 * time.Hour,
		},
		Ingest: IngestConfig{
			QueueSize:    256,
			RatePerSec:   20,
			Burst:        40,
			JournalLimit: 10000,
		},
	}
}

// DefaultPath returns ~/.recall/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".recall", "config.yaml"), nil
}

// Load reads a YAML config file over the defaults, then applies RECALL_*
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("RECALL_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("RECALL_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("RECALL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RECALL_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("RECALL_WEBHOOK_URL"); v != "" {
		c.Dispatch.Sink = "webhook"
		c.Dispatch.WebhookURL = v
	}
	return nil
}

// Validate rejects configurations that would break the engine's bounds.
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.MinLambda <= 0:
		return fmt.Errorf("engine.min_lambda must be > 0, got %v", e.MinLambda)
	case e.MaxLambda < e.MinLambda:
		return fmt.Errorf("engine.max_lambda (%v) < min_lambda (%v)", e.MaxLambda, e.MinLambda)
	case e.DefaultLambda < e.MinLambda || e.DefaultLambda > e.MaxLambda:
		return fmt.Errorf("engine.default_lambda %v outside [%v, %v]", e.DefaultLambda, e.MinLambda, e.MaxLambda)
	case e.MemoryThreshold < 0 || e.MemoryThreshold > 1:
		return fmt.Errorf("engine.memory_threshold %v outside [0, 1]", e.MemoryThreshold)
	case e.LambdaStep < 0 || e.LambdaStep >= 1:
		return fmt.Errorf("engine.lambda_step %v outside [0, 1)", e.LambdaStep)
	case e.MinReviewIntervalHours <= 0:
		return fmt.Errorf("engine.min_review_interval_hours must be > 0")
	case e.MaxReviewIntervalHours < e.MinReviewIntervalHours:
		return fmt.Errorf("engine.max_review_interval_hours < min_review_interval_hours")
	case e.ReminderCooldownHours < 0:
		return fmt.Errorf("engine.reminder_cooldown_hours must be >= 0")
	case e.MaxNotificationsPerCheck < 1:
		return fmt.Errorf("engine.max_notifications_per_check must be >= 1")
	case e.StaleNodeDays <= 0:
		return fmt.Errorf("engine.stale_node_days must be > 0")
	case e.MaxReviewIntervalHours > MaxHours:
		return fmt.Errorf("engine.max_review_interval_hours must be <= %v", float64(MaxHours))
	case e.ReminderCooldownHours > MaxHours:
		return fmt.Errorf("engine.reminder_cooldown_hours must be <= %v", float64(MaxHours))
	case e.StaleNodeDays*24 > MaxHours:
		return fmt.Errorf("engine.stale_node_days must be <= %v", float64(MaxHours/24))
	}
	switch c.Dispatch.Sink {
	case "log", "file":
	case "webhook":
		if c.Dispatch.WebhookURL == "" {
			return fmt.Errorf("dispatch.sink webhook requires dispatch.webhook_url")
		}
	default:
		return fmt.Errorf("unknown dispatch.sink %q", c.Dispatch.Sink)
	}
	if c.Dispatch.SinkTimeout <= 0 || c.Persistence.Timeout <= 0 {
		return fmt.Errorf("dispatch.sink_timeout and persistence.timeout must be > 0")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// MaxHours is the longest interval, about a century, any hour or day
// setting may name. Beyond it durations approach time.Duration's range.
const MaxHours = 100 * 365 * 24

// Hours converts a fractional hour count into a Duration, saturating at the
// Duration range.
func Hours(h float64) time.Duration {
	d := h * float64(time.Hour)
	switch {
	case d >= math.MaxInt64:
		return math.MaxInt64
	case d <= math.MinInt64:
		return math.MinInt64
	}
	return time.Duration(d)
}

func (e EngineConfig) MinReviewInterval() time.Duration { return Hours(e.MinReviewIntervalHours) }
func (e EngineConfig) MaxReviewInterval() time.Duration { return Hours(e.MaxReviewIntervalHours) }
func (e EngineConfig) ReminderCooldown() time.Duration  { return Hours(e.ReminderCooldownHours) }
func (e EngineConfig) StaleAfter() time.Duration        { return Hours(e.StaleNodeDays * 24) }
