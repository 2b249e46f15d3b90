package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/mathgate/pkg/breaker"
	"github.com/pario-ai/mathgate/pkg/executor"
	"github.com/pario-ai/mathgate/pkg/journal"
	"github.com/pario-ai/mathgate/pkg/router"
)

// Failure policies for the lightweight breaker.
const (
	PolicyErrorsOnly    = "errors_only"
	PolicyLowConfidence = "low_confidence"
)

// Config holds all mathgate configuration.
type Config struct {
	Listen         string          `yaml:"listen"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	Log            LogConfig       `yaml:"log"`
	Cache          CacheConfig     `yaml:"cache"`
	Router         RouterConfig    `yaml:"router"`
	Executor       executor.Config `yaml:"executor"`
	Server         ServerConfig    `yaml:"server"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CacheConfig controls the result cache.
type CacheConfig struct {
	MaxCapacity         int           `yaml:"max_capacity"`
	TimeToLive          time.Duration `yaml:"time_to_live"`
	TimeToIdle          time.Duration `yaml:"time_to_idle"`
	SimilarityThreshold float32       `yaml:"similarity_threshold"`
	// PersistentStorePath is a SQLite file path or a redis:// URL. Empty
	// keeps the cache in memory only.
	PersistentStorePath string        `yaml:"persistent_store_path"`
	Shards              int           `yaml:"shards"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// RouterConfig controls confidence routing and the lightweight breaker.
type RouterConfig struct {
	router.Config `yaml:",inline"`
	FailurePolicy string         `yaml:"failure_policy"`
	Breaker       breaker.Config `yaml:"breaker"`
	Journal       journal.Config `yaml:"journal"`
}

// ServerConfig controls the HTTP surface. A zero RateLimit disables limiting.
type ServerConfig struct {
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	lw, pw := executor.DefaultFakeModels()
	return &Config{
		Listen:         ":8080",
		RequestTimeout: 30 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			MaxCapacity:         10000,
			TimeToLive:          time.Hour,
			TimeToIdle:          10 * time.Minute,
			SimilarityThreshold: 0.95,
			Shards:              16,
			SweepInterval:       time.Minute,
		},
		Router: RouterConfig{
			Config:        router.DefaultConfig(),
			FailurePolicy: PolicyLowConfidence,
			Breaker:       breaker.DefaultConfig(),
			Journal:       journal.Config{RetentionDays: 30},
		},
		Executor: executor.Config{
			Kind: "local",
			Local: executor.LocalConfig{
				Loader:      "fake",
				Lightweight: lw,
				Powerful:    pw,
			},
			Remote: executor.RemoteConfig{
				Timeout:    10 * time.Second,
				MaxRetries: 2,
			},
			EmbeddingCacheSize: 1024,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Cache.MaxCapacity <= 0 {
		bad("cache.max_capacity must be positive, got %d", c.Cache.MaxCapacity)
	}
	if !unit(c.Cache.SimilarityThreshold) {
		bad("cache.similarity_threshold must be in [0,1], got %v", c.Cache.SimilarityThreshold)
	}
	if !unit(c.Router.ConfidenceThreshold) {
		bad("router.confidence_threshold must be in [0,1], got %v", c.Router.ConfidenceThreshold)
	}
	if !unit(c.Router.MaxUncertainty) {
		bad("router.max_uncertainty must be in [0,1], got %v", c.Router.MaxUncertainty)
	}
	if c.Router.Breaker.Threshold <= 0 {
		bad("router.breaker.threshold must be positive, got %d", c.Router.Breaker.Threshold)
	}
	if c.Router.Breaker.HalfOpenTrials <= 0 {
		bad("router.breaker.half_open_trials must be positive, got %d", c.Router.Breaker.HalfOpenTrials)
	}
	if c.Router.Journal.RetentionDays < 0 {
		bad("router.journal.retention_days must not be negative")
	}

	for name, d := range map[string]time.Duration{
		"request_timeout":         c.RequestTimeout,
		"cache.time_to_live":      c.Cache.TimeToLive,
		"cache.time_to_idle":      c.Cache.TimeToIdle,
		"cache.sweep_interval":    c.Cache.SweepInterval,
		"router.breaker.cooldown": c.Router.Breaker.Cooldown,
		"executor.remote.timeout": c.Executor.Remote.Timeout,
	} {
		if d < 0 {
			bad("%s must not be negative, got %v", name, d)
		}
	}

	switch c.Router.FailurePolicy {
	case PolicyErrorsOnly, PolicyLowConfidence:
	default:
		bad("unknown router.failure_policy %q", c.Router.FailurePolicy)
	}
	switch strings.ToLower(c.Executor.Kind) {
	case "", "local":
	case "remote":
		if c.Executor.Remote.LightweightURL == "" || c.Executor.Remote.PowerfulURL == "" {
			bad("executor.remote requires lightweight_url and powerful_url")
		}
	default:
		bad("unknown executor.kind %q", c.Executor.Kind)
	}
	if c.Server.RateLimit < 0 || c.Server.Burst < 0 {
		bad("server.rate_limit and server.burst must not be negative")
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func unit(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && f >= 0 && f <= 1
}
