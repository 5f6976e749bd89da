package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/nidhogg/nuka-cognition/internal/memory"
	"github.com/nidhogg/nuka-cognition/internal/resonance"
	"github.com/nidhogg/nuka-cognition/internal/session"
	"github.com/nidhogg/nuka-cognition/internal/trait"
)

// EnvPrefix prefixes every environment override, e.g. COGNITION_BACKEND.
const EnvPrefix = "COGNITION"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Engine   EngineConfig   `json:"engine"`
	Database DatabaseConfig `json:"database"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type EngineConfig struct {
	MaxCacheSize             int                 `json:"max_cache_size"`
	DefaultDecayRate         float64             `json:"default_decay_rate"`
	DefaultReinforcementRate float64             `json:"default_reinforcement_rate"`
	PromotionMode            string              `json:"promotion_mode"`
	SweepInterval            Duration            `json:"sweep_interval"`
	SweepConcurrency         int                 `json:"sweep_concurrency"`
	Traits                   []trait.Definition  `json:"traits,omitempty"`
	Correlations             []trait.Correlation `json:"correlations,omitempty"`
}

type DatabaseConfig struct {
	Backend  string         `json:"backend"`
	SQLite   SQLiteConfig   `json:"sqlite"`
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

type PostgresConfig struct {
	DSN           string `json:"dsn"`
	MigrationsDir string `json:"migrations_dir"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Duration reads "90s"-style strings or plain nanosecond numbers.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		if x == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(x)
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Overrides are read from COGNITION_* environment variables after the
// file is loaded. Zero values leave the file setting alone.
type Overrides struct {
	Port          int           `envconfig:"PORT"`
	LogLevel      string        `envconfig:"LOG_LEVEL"`
	Backend       string        `envconfig:"BACKEND"`
	MaxCacheSize  int           `envconfig:"MAX_CACHE_SIZE"`
	PromotionMode string        `envconfig:"PROMOTION_MODE"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL"`
}

// Default returns a configuration that runs without any database.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Engine: EngineConfig{
			MaxCacheSize:             memory.DefaultMaxCacheSize,
			DefaultDecayRate:         trait.DefaultDecayRate,
			DefaultReinforcementRate: trait.DefaultReinforcementRate,
			PromotionMode:            resonance.PromoteOnPriorIntensity.String(),
			SweepInterval:            Duration(time.Minute),
			SweepConcurrency:         session.DefaultSweepConcurrency,
		},
		Database: DatabaseConfig{
			Backend:  BackendMemory,
			Postgres: PostgresConfig{MigrationsDir: "migrations"},
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file over the defaults, substitutes environment
// variable references, applies COGNITION_* overrides and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.Database.Backend = strings.ToLower(strings.TrimSpace(cfg.Database.Backend))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays COGNITION_* environment variables.
func (c *Config) ApplyEnv() error {
	var o Overrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	if o.Port != 0 {
		c.Server.Port = o.Port
	}
	if o.LogLevel != "" {
		c.Server.LogLevel = o.LogLevel
	}
	if o.Backend != "" {
		c.Database.Backend = o.Backend
	}
	if o.MaxCacheSize != 0 {
		c.Engine.MaxCacheSize = o.MaxCacheSize
	}
	if o.PromotionMode != "" {
		c.Engine.PromotionMode = o.PromotionMode
	}
	if o.SweepInterval != 0 {
		c.Engine.SweepInterval = Duration(o.SweepInterval)
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	e := c.Engine
	if e.MaxCacheSize <= 0 {
		return fmt.Errorf("engine.max_cache_size must be positive, got %d", e.MaxCacheSize)
	}
	if e.DefaultDecayRate < 0 {
		return fmt.Errorf("engine.default_decay_rate must not be negative, got %v", e.DefaultDecayRate)
	}
	if e.DefaultReinforcementRate <= 0 {
		return fmt.Errorf("engine.default_reinforcement_rate must be positive, got %v", e.DefaultReinforcementRate)
	}
	if e.SweepInterval <= 0 {
		return fmt.Errorf("engine.sweep_interval must be positive")
	}
	if _, err := resonance.ParsePromotionMode(e.PromotionMode); err != nil {
		return fmt.Errorf("engine.promotion_mode: %w", err)
	}
	for _, t := range e.Traits {
		if t.DecayRate < 0 {
			return fmt.Errorf("engine.traits[%s].decay_rate must not be negative", t.Name)
		}
	}

	switch c.Database.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Database.Postgres.DSN == "" {
			return fmt.Errorf("database.postgres.dsn is required for the postgres backend")
		}
	case BackendRedis:
		if c.Database.Redis.URL == "" {
			return fmt.Errorf("database.redis.url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown database.backend %q", c.Database.Backend)
	}
	return nil
}

// Session converts the engine section into session settings.
func (e EngineConfig) Session() (session.Config, error) {
	mode, err := resonance.ParsePromotionMode(e.PromotionMode)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		MaxCacheSize: e.MaxCacheSize,
		Trait: trait.Config{
			DefaultDecayRate:         e.DefaultDecayRate,
			DefaultReinforcementRate: e.DefaultReinforcementRate,
		},
		PromotionMode: mode,
		Definitions:   e.Traits,
		Correlations:  e.Correlations,
	}, nil
}
