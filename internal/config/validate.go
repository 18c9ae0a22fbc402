package config

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings the given command mode depends on and
// reports every problem at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	if c.Dedup.Threshold < 0 || c.Dedup.Threshold > 100 {
		errs = append(errs, "dedup.threshold must be between 0 and 100")
	}
	if c.Dedup.AutoMergeThreshold < c.Dedup.Threshold || c.Dedup.AutoMergeThreshold > 100 {
		errs = append(errs, "dedup.auto_merge_threshold must be between dedup.threshold and 100")
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.validateBatch()...)
	case "enrich", "batch":
		errs = append(errs, c.validateBatch()...)
	case "dedupe", "merge", "breakers", "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateBatch() []string {
	var errs []string
	if c.Batch.Size < 1 || c.Batch.Size > 100 {
		errs = append(errs, "batch.size must be between 1 and 100")
	}
	if c.Batch.MaxRetries < 0 {
		errs = append(errs, "batch.max_retries must be >= 0")
	}
	return errs
}
