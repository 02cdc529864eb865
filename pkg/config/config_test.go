package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManagerDefaults(t *testing.T) {
	cfg, err := LoadManager()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.ManagerHost)
	assert.Equal(t, 8080, cfg.ManagerPort)
	assert.Equal(t, "127.0.0.1", cfg.NATSHost)
	assert.Equal(t, 4222, cfg.NATSPort)
	assert.Equal(t, "warren_tasks", cfg.PostgresDatabase)
	assert.Equal(t, 3, cfg.RetryLimit)
	assert.Equal(t, 30*time.Second, cfg.QuestionDeadline)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogJSON)
}

func TestLoadManagerEnvOverrides(t *testing.T) {
	t.Setenv("NATS_HOST", "nats.internal")
	t.Setenv("NATS_PORT", "4333")
	t.Setenv("RETRY_LIMIT", "5")
	t.Setenv("LOG_JSON", "true")

	cfg, err := LoadManager()
	require.NoError(t, err)

	assert.Equal(t, "nats.internal", cfg.NATSHost)
	assert.Equal(t, 4333, cfg.NATSPort)
	assert.Equal(t, 5, cfg.RetryLimit)
	assert.True(t, cfg.LogJSON)
}

func TestLoadManagerDurationOverride(t *testing.T) {
	t.Setenv("WORKER_TIMEOUT", "45s")

	cfg, err := LoadManager()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.WorkerTimeout)
}

func TestLoadWorkerDefaults(t *testing.T) {
	cfg, err := LoadWorker()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.MaxConcurrentTasks)
	assert.Equal(t, 2048, cfg.MaxMemoryMB)
	assert.Equal(t, []string{"true"}, cfg.AgentCommand)
	assert.Empty(t, cfg.Tags)
}

func TestLoadWorkerCommaSeparatedSlices(t *testing.T) {
	t.Setenv("WORKER_TAGS", "gpu,fast,us-east")
	t.Setenv("AGENT_COMMAND", "python3,agent.py,--headless")
	t.Setenv("AGENT_ENV", "FOO=bar,BAZ=qux")

	cfg, err := LoadWorker()
	require.NoError(t, err)

	assert.Equal(t, []string{"gpu", "fast", "us-east"}, cfg.Tags)
	assert.Equal(t, []string{"python3", "agent.py", "--headless"}, cfg.AgentCommand)
	assert.Equal(t, []string{"FOO=bar", "BAZ=qux"}, cfg.AgentEnv)
}

func TestLoadWorkerExplicitID(t *testing.T) {
	t.Setenv("WORKER_ID", "worker-fixed")
	cfg, err := LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, "worker-fixed", cfg.WorkerID)
}
