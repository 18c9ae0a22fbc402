package enrich

import (
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-enrich/internal/model"
)

const defaultTaskTimeout = 30 * time.Second

// TaskConfig configures one task type.
type TaskConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Provider    string `yaml:"provider" mapstructure:"provider"`
}

// Timeout returns the per-task deadline, defaulting to 30s.
func (tc TaskConfig) Timeout() time.Duration {
	if tc.TimeoutSecs <= 0 {
		return defaultTaskTimeout
	}
	return time.Duration(tc.TimeoutSecs) * time.Second
}

// ProviderConfig configures one external provider.
type ProviderConfig struct {
	URL          string  `yaml:"url" mapstructure:"url"`
	APIKey       string  `yaml:"api_key" mapstructure:"api_key"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
}

// Config maps task types to providers and limits. Task types absent from
// Tasks are disabled.
type Config struct {
	Tasks     map[string]TaskConfig     `yaml:"tasks" mapstructure:"tasks"`
	Providers map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
}

// LoadConfig reads the task configuration from a YAML file with a top-level
// "enrichment" key.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: read config %s", path)
	}

	var wrapper struct {
		Enrichment Config `yaml:"enrichment"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "enrich: parse config")
	}

	cfg := &wrapper.Enrichment
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown task type keys.
func (c *Config) Validate() error {
	for name := range c.Tasks {
		if !model.TaskType(name).Valid() {
			return eris.Errorf("enrich: unknown task type %q in config", name)
		}
	}
	return nil
}

// Task returns the config for task and whether the task is enabled.
func (c *Config) Task(task model.TaskType) (TaskConfig, bool) {
	if c == nil {
		return TaskConfig{}, false
	}
	tc, ok := c.Tasks[string(task)]
	if !ok || !tc.Enabled {
		return tc, false
	}
	if tc.Provider == "" {
		tc.Provider = string(task)
	}
	return tc, true
}

// EnabledTasks returns the enabled task types in canonical order.
func (c *Config) EnabledTasks() []model.TaskType {
	var out []model.TaskType
	for _, t := range model.AllTaskTypes() {
		if _, ok := c.Task(t); ok {
			out = append(out, t)
		}
	}
	return out
}
