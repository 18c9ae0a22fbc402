package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrich/internal/config"
	"github.com/sells-group/lead-enrich/internal/enrich"
	"github.com/sells-group/lead-enrich/internal/resilience"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "env.db"),
		},
		Redis: config.RedisConfig{KeyPrefix: "circuit:"},
		Tasks: map[string]enrich.TaskConfig{
			"phone_lookup": {Enabled: true, Provider: "twilio"},
		},
		Providers: map[string]enrich.ProviderConfig{
			"twilio": {URL: "http://127.0.0.1:1/lookup"},
		},
		Retry:  config.RetryConfig{MaxAttempts: 1},
		Batch:  config.BatchConfig{Size: 10, MaxRetries: 1},
		Dedup:  config.DedupConfig{Threshold: 80, AutoMergeThreshold: 95, CandidateLimit: 50},
		Server: config.ServerConfig{Port: 8080},
		Log:    config.LogConfig{Level: "info", Format: "json"},
	}
}

func TestAppEnv_Close_Nil(t *testing.T) {
	env := &appEnv{}
	assert.NotPanics(t, func() { env.Close() })
}

func TestInitStore_SQLite(t *testing.T) {
	cfg = testConfig(t)

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, st.Ping(context.Background()))
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = testConfig(t)
	cfg.Store.Driver = "mysql"

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	cfg = testConfig(t)
	cfg.Batch.Size = 0

	env, err := initEnv(context.Background(), "batch")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.size")
}

func TestInitEnv_UnknownTask(t *testing.T) {
	cfg = testConfig(t)
	cfg.Tasks["fax"] = enrich.TaskConfig{Enabled: true}

	_, err := initEnv(context.Background(), "enrich")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task type")
}

func TestInitEnv_MemoryBreakers(t *testing.T) {
	cfg = testConfig(t)

	env, err := initEnv(context.Background(), "serve")
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Redis)
	assert.Equal(t, []string{"twilio"}, env.Breaker.Providers())
	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Detector)
	assert.NotNil(t, env.Merger)
	assert.NotNil(t, newServer(env, 0).Handler())
}

func TestInitEnv_RedisBreakers(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg = testConfig(t)
	cfg.Redis.Addr = mr.Addr()

	env, err := initEnv(context.Background(), "breakers")
	require.NoError(t, err)
	defer env.Close()
	require.NotNil(t, env.Redis)

	ok, err := env.Breaker.ForceOpen(context.Background(), "twilio")
	require.NoError(t, err)
	require.True(t, ok)

	// A second process sharing the Redis instance sees the open circuit.
	other := resilience.NewBreaker(resilience.NewRedisStateStore(env.Redis, "circuit:"), cfg.BreakerConfigs(nil))
	st, err := other.State(context.Background(), "twilio")
	require.NoError(t, err)
	assert.Equal(t, resilience.CircuitOpen, st.State)
}

func TestInitEnv_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg = testConfig(t)
	cfg.Redis.Addr = addr

	env, err := initEnv(context.Background(), "breakers")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}

func TestInitEnv_TasksFileProvidersGetBreakers(t *testing.T) {
	cfg = testConfig(t)
	cfg.Tasks = nil
	cfg.Providers = nil
	cfg.TasksFile = filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(cfg.TasksFile, []byte(`
enrichment:
  tasks:
    email:
      enabled: true
      provider: hunter
  providers:
    hunter:
      url: http://127.0.0.1:1/find
`), 0o644))

	env, err := initEnv(context.Background(), "enrich")
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, []string{"hunter"}, env.Breaker.Providers())
	_, ok := env.Breaker.Config("hunter")
	assert.True(t, ok)
}
