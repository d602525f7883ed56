// Package config loads application configuration from file and
// environment, and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridian-archives/enrich-cli/internal/resilience"
	"github.com/meridian-archives/enrich-cli/internal/review"
	"github.com/meridian-archives/enrich-cli/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Registry RegistryConfig `yaml:"registry" mapstructure:"registry"`
	Timeouts TimeoutsConfig `yaml:"timeouts" mapstructure:"timeouts"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Breaker  BreakerConfig  `yaml:"breaker" mapstructure:"breaker"`
	Budget   BudgetConfig   `yaml:"budget" mapstructure:"budget"`
	Scorer   ScorerConfig   `yaml:"scorer" mapstructure:"scorer"`
	Review   review.Config  `yaml:"review" mapstructure:"review"`
	Worker   WorkerConfig   `yaml:"worker" mapstructure:"worker"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	Path        string            `yaml:"path" mapstructure:"path"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// RegistryConfig configures the agent registry transport.
type RegistryConfig struct {
	URL              string        `yaml:"url" mapstructure:"url"`
	DialTimeout      time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial" mapstructure:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" mapstructure:"reconnect_max"`
	ToolRPS          float64       `yaml:"tool_rps" mapstructure:"tool_rps"`
	ToolBurst        int           `yaml:"tool_burst" mapstructure:"tool_burst"`
}

// TimeoutsConfig configures per-tool invocation deadlines.
type TimeoutsConfig struct {
	Default time.Duration            `yaml:"default" mapstructure:"default"`
	Tools   map[string]time.Duration `yaml:"tools" mapstructure:"tools"`
}

// Policy converts the config section into a timeout policy, filling
// unset tools from the built-in defaults.
func (t TimeoutsConfig) Policy() resilience.TimeoutPolicy {
	policy := resilience.DefaultTimeoutPolicy()
	if t.Default > 0 {
		policy.Default = t.Default
	}
	for tool, d := range t.Tools {
		if d > 0 {
			policy.Tools[tool] = d
		}
	}
	return policy
}

// RetryConfig overrides entries of the per-kind retry table.
type RetryConfig struct {
	Kinds map[string]RetryKindConfig `yaml:"kinds" mapstructure:"kinds"`
}

// RetryKindConfig overrides one error kind's retry policy.
type RetryKindConfig struct {
	Retryable      *bool         `yaml:"retryable" mapstructure:"retryable"`
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// Table converts the config section into a policy table over the
// built-in defaults.
func (r RetryConfig) Table() resilience.PolicyTable {
	table := resilience.DefaultPolicyTable()
	for name, override := range r.Kinds {
		kind := resilience.ErrorKind(name)
		policy, ok := table[kind]
		if !ok {
			continue
		}
		if override.Retryable != nil {
			policy.Retryable = *override.Retryable
		}
		if override.MaxAttempts > 0 {
			policy.MaxAttempts = override.MaxAttempts
		}
		if override.InitialBackoff > 0 {
			policy.InitialBackoff = override.InitialBackoff
		}
		if override.MaxBackoff > 0 {
			policy.MaxBackoff = override.MaxBackoff
		}
		table[kind] = policy
	}
	return table
}

// BreakerConfig configures the per-tool circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// BudgetConfig configures cost ceilings.
type BudgetConfig struct {
	DailyUSD        float64            `yaml:"daily_usd" mapstructure:"daily_usd"`
	ReserveFraction float64            `yaml:"reserve_fraction" mapstructure:"reserve_fraction"`
	Estimates       map[string]float64 `yaml:"estimates" mapstructure:"estimates"`
}

// ScorerConfig configures completeness scoring.
type ScorerConfig struct {
	SchemaPath      string  `yaml:"schema_path" mapstructure:"schema_path"`
	ConfidenceFloor float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
}

// WorkerConfig configures the queue consumer.
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency" mapstructure:"concurrency"`
	Lease           time.Duration `yaml:"lease" mapstructure:"lease"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	TaskMaxAttempts int           `yaml:"task_max_attempts" mapstructure:"task_max_attempts"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "enrich.db")
	v.SetDefault("registry.url", "ws://localhost:9700/agents")
	v.SetDefault("registry.dial_timeout", "10s")
	v.SetDefault("registry.reconnect_initial", "500ms")
	v.SetDefault("registry.reconnect_max", "30s")
	v.SetDefault("registry.tool_rps", 5.0)
	v.SetDefault("registry.tool_burst", 2)
	v.SetDefault("timeouts.default", "60s")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", "30s")
	v.SetDefault("budget.daily_usd", 0.0)
	v.SetDefault("budget.reserve_fraction", 0.2)
	v.SetDefault("scorer.confidence_floor", 0.7)
	v.SetDefault("review.auto_accept_threshold", 0.95)
	v.SetDefault("review.max_reprocess", 3)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.lease", "15m")
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.task_max_attempts", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
