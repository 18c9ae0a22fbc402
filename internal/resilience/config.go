package resilience

import (
	"time"
)

// ProviderBreakerSettings mirrors the per-provider breaker section of the
// application config.
type ProviderBreakerSettings struct {
	Threshold       int `yaml:"threshold" mapstructure:"threshold"`
	OpenTimeoutSecs int `yaml:"open_timeout_secs" mapstructure:"open_timeout_secs"`
}

// FromBreakerSettings converts config values to BreakerConfigs, applying
// defaults to zero fields.
func FromBreakerSettings(settings map[string]ProviderBreakerSettings) map[string]BreakerConfig {
	out := make(map[string]BreakerConfig, len(settings))
	for name, s := range settings {
		cfg := DefaultBreakerConfig()
		if s.Threshold > 0 {
			cfg.Threshold = s.Threshold
		}
		if s.OpenTimeoutSecs > 0 {
			cfg.OpenTimeout = time.Duration(s.OpenTimeoutSecs) * time.Second
		}
		out[name] = cfg
	}
	return out
}

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	return cfg
}
