package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/enrich"
	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/resilience"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "lead-enrich.db", cfg.Store.DatabaseURL)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, "circuit:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 10, cfg.Batch.Size)
	assert.Equal(t, 2, cfg.Batch.MaxRetries)
	assert.Equal(t, 80, cfg.Dedup.Threshold)
	assert.Equal(t, 95, cfg.Dedup.AutoMergeThreshold)
	assert.Equal(t, 50, cfg.Dedup.CandidateLimit)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/leads
  max_conns: 20
redis:
  addr: localhost:6379
breakers:
  twilio:
    threshold: 3
    open_timeout_secs: 60
tasks:
  phone_lookup:
    enabled: true
    timeout_secs: 5
    provider: twilio
  email:
    enabled: true
providers:
  twilio:
    url: https://lookup.example.test
    rate_limit_rps: 4
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(20), cfg.Store.MaxConns)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Breakers["twilio"].Threshold)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Defaults still apply for unset values
	assert.Equal(t, 10, cfg.Batch.Size)

	ec, err := cfg.Enrichment()
	require.NoError(t, err)
	tc, ok := ec.Task(model.TaskPhoneLookup)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, tc.Timeout())
	assert.Equal(t, "twilio", tc.Provider)
	assert.InDelta(t, 4.0, ec.Providers["twilio"].RateLimitRPS, 0.001)

	breakers := cfg.BreakerConfigs(ec)
	assert.Equal(t, resilience.BreakerConfig{Threshold: 3, OpenTimeout: time.Minute}, breakers["twilio"])
	assert.Equal(t, resilience.DefaultBreakerConfig(), breakers["email"], "task providers get default breakers")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("ENRICH_STORE_DRIVER", "postgres")
	t.Setenv("ENRICH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ENRICH_SERVER_PORT", "3000")
	t.Setenv("ENRICH_REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [\n"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestEnrichment_TasksFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
enrichment:
  tasks:
    coverage:
      enabled: true
`), 0o644))

	cfg := &Config{TasksFile: path, Tasks: map[string]enrich.TaskConfig{"email": {Enabled: true}}}
	ec, err := cfg.Enrichment()
	require.NoError(t, err)
	assert.Equal(t, []model.TaskType{model.TaskCoverage}, ec.EnabledTasks())
}

func TestBreakerConfigs_TasksFileProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
enrichment:
  tasks:
    phone_lookup:
      enabled: true
      provider: twilio
    coverage:
      enabled: true
  providers:
    twilio:
      url: https://lookup.example.test
    opencnam:
      url: https://cnam.example.test
`), 0o644))

	cfg := &Config{
		TasksFile: path,
		Breakers:  map[string]resilience.ProviderBreakerSettings{"twilio": {Threshold: 2}},
	}
	ec, err := cfg.Enrichment()
	require.NoError(t, err)

	breakers := cfg.BreakerConfigs(ec)
	require.Len(t, breakers, 3)
	assert.Equal(t, 2, breakers["twilio"].Threshold)
	assert.Equal(t, resilience.DefaultBreakerConfig(), breakers["opencnam"])
	assert.Equal(t, resilience.DefaultBreakerConfig(), breakers["coverage"], "task name is the default provider")
}

func TestBreakerConfigs_NilUsesInlineSections(t *testing.T) {
	cfg := &Config{
		Tasks:     map[string]enrich.TaskConfig{"email": {Enabled: true, Provider: "hunter"}},
		Providers: map[string]enrich.ProviderConfig{"twilio": {}},
	}
	breakers := cfg.BreakerConfigs(nil)
	assert.Len(t, breakers, 2)
	assert.Contains(t, breakers, "hunter")
	assert.Contains(t, breakers, "twilio")
}

func TestEnrichment_UnknownTask(t *testing.T) {
	cfg := &Config{Tasks: map[string]enrich.TaskConfig{"fax": {Enabled: true}}}
	_, err := cfg.Enrichment()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "leads.db"
	cfg.Batch.Size = 10
	cfg.Batch.MaxRetries = 2
	cfg.Dedup.Threshold = 80
	cfg.Dedup.AutoMergeThreshold = 95
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate(t *testing.T) {
	for _, mode := range []string{"serve", "enrich", "batch", "dedupe", "merge", "breakers", "migrate"} {
		assert.NoError(t, validDefaults().Validate(mode), mode)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""
	cfg.Server.Port = 0
	cfg.Batch.Size = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "batch.size must be between 1 and 100")
}

func TestValidate_DedupThresholds(t *testing.T) {
	cfg := validDefaults()
	cfg.Dedup.AutoMergeThreshold = 70

	err := cfg.Validate("dedupe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto_merge_threshold")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
