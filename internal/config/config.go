package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/lead-enrich/internal/enrich"
	"github.com/sells-group/lead-enrich/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig                                   `yaml:"store" mapstructure:"store"`
	Redis     RedisConfig                                   `yaml:"redis" mapstructure:"redis"`
	Breakers  map[string]resilience.ProviderBreakerSettings `yaml:"breakers" mapstructure:"breakers"`
	Tasks     map[string]enrich.TaskConfig                  `yaml:"tasks" mapstructure:"tasks"`
	TasksFile string                                        `yaml:"tasks_file" mapstructure:"tasks_file"`
	Providers map[string]enrich.ProviderConfig              `yaml:"providers" mapstructure:"providers"`
	Retry     RetryConfig                                   `yaml:"retry" mapstructure:"retry"`
	Batch     BatchConfig                                   `yaml:"batch" mapstructure:"batch"`
	Dedup     DedupConfig                                   `yaml:"dedup" mapstructure:"dedup"`
	Server    ServerConfig                                  `yaml:"server" mapstructure:"server"`
	Log       LogConfig                                     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the shared circuit breaker state. An empty Addr
// keeps breaker state in process memory.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// RetryConfig configures retries of startup connections.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// BatchConfig configures batch enrichment.
type BatchConfig struct {
	Size       int `yaml:"size" mapstructure:"size"`
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
}

// DedupConfig configures duplicate detection.
type DedupConfig struct {
	Threshold          int `yaml:"threshold" mapstructure:"threshold"`
	AutoMergeThreshold int `yaml:"auto_merge_threshold" mapstructure:"auto_merge_threshold"`
	CandidateLimit     int `yaml:"candidate_limit" mapstructure:"candidate_limit"`
}

// ServerConfig configures the operator HTTP server.
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
	v.SetDefault("store.database_url", "lead-enrich.db")
	v.SetDefault("redis.key_prefix", "circuit:")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("batch.size", 10)
	v.SetDefault("batch.max_retries", 2)
	v.SetDefault("dedup.threshold", 80)
	v.SetDefault("dedup.auto_merge_threshold", 95)
	v.SetDefault("dedup.candidate_limit", 50)
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

// Enrichment returns the task configuration. A TasksFile replaces the inline
// tasks and providers sections.
func (c *Config) Enrichment() (*enrich.Config, error) {
	if c.TasksFile != "" {
		return enrich.LoadConfig(c.TasksFile)
	}
	ec := &enrich.Config{Tasks: c.Tasks, Providers: c.Providers}
	if err := ec.Validate(); err != nil {
		return nil, err
	}
	return ec, nil
}

// BreakerConfigs returns one breaker config per provider. Providers named in
// ec's providers or tasks get default settings when the breakers section
// omits them. Pass the config returned by Enrichment so providers that only
// appear in a tasks_file are covered; a nil ec falls back to the inline
// sections.
func (c *Config) BreakerConfigs(ec *enrich.Config) map[string]resilience.BreakerConfig {
	if ec == nil {
		ec = &enrich.Config{Tasks: c.Tasks, Providers: c.Providers}
	}
	settings := make(map[string]resilience.ProviderBreakerSettings, len(c.Breakers))
	for name, s := range c.Breakers {
		settings[name] = s
	}
	for name := range ec.Providers {
		if _, ok := settings[name]; !ok {
			settings[name] = resilience.ProviderBreakerSettings{}
		}
	}
	for name, tc := range ec.Tasks {
		provider := tc.Provider
		if provider == "" {
			provider = name
		}
		if _, ok := settings[provider]; !ok {
			settings[provider] = resilience.ProviderBreakerSettings{}
		}
	}
	return resilience.FromBreakerSettings(settings)
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
