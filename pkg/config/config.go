// Package config resolves the environment-variable configuration surface
// for both processes, layering viper's env binding over the defaults the
// Manager and Worker already fall back to in code (pkg/manager.DefaultConfig,
// pkg/worker.DefaultConfig).
package config

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// sliceDecodeHook lets WORKER_TAGS, AGENT_COMMAND and AGENT_ENV arrive as a
// single comma-separated env var and still unmarshal into a []string field.
func sliceDecodeHook() viper.DecoderConfigOption {
	return viper.DecodeHook(mapstructure.StringToSliceHookFunc(","))
}

// Manager holds the process-level configuration for cmd/manager.
type Manager struct {
	ManagerHost string `mapstructure:"manager_host"`
	ManagerPort int    `mapstructure:"manager_port"`

	NATSHost string `mapstructure:"nats_host"`
	NATSPort int    `mapstructure:"nats_port"`

	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`

	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDatabase string `mapstructure:"postgres_database"`

	// BoltDataDir is used only when PostgresHost resolves to no reachable
	// server at startup and cmd/manager falls back to the local BoltDB
	// store (pkg/storage.NewBoltStore takes a directory, not a file).
	BoltDataDir string `mapstructure:"bolt_data_dir"`

	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	WorkerTimeout       time.Duration `mapstructure:"worker_timeout"`
	OfflineGrace        time.Duration `mapstructure:"offline_grace"`
	DispatchAckDeadline time.Duration `mapstructure:"dispatch_ack_deadline"`
	RetryLimit          int           `mapstructure:"retry_limit"`
	QuestionDeadline    time.Duration `mapstructure:"question_deadline"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

// Worker holds the process-level configuration for cmd/worker.
type Worker struct {
	WorkerID string   `mapstructure:"worker_id"`
	Tags     []string `mapstructure:"worker_tags"`

	NATSHost string `mapstructure:"nats_host"`
	NATSPort int    `mapstructure:"nats_port"`

	RedisHost     string `mapstructure:"redis_host"`
	RedisPort     int    `mapstructure:"redis_port"`
	RedisPassword string `mapstructure:"redis_password"`

	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
	MaxMemoryMB        int `mapstructure:"max_memory_mb"`

	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`
	ProgressIntervalMS  int `mapstructure:"progress_interval_ms"`
	ShutdownDeadlineMS  int `mapstructure:"shutdown_deadline_ms"`

	AgentCommand []string `mapstructure:"agent_command"`
	AgentEnv     []string `mapstructure:"agent_env"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadManager reads MANAGER_*, NATS_*, REDIS_*, POSTGRES_* and the shared
// reconciliation tunables from the environment, applying the documented
// defaults where unset.
func LoadManager() (*Manager, error) {
	v := newViper()

	v.SetDefault("manager_host", "0.0.0.0")
	v.SetDefault("manager_port", 8080)
	v.SetDefault("nats_host", "127.0.0.1")
	v.SetDefault("nats_port", 4222)
	v.SetDefault("redis_host", "127.0.0.1")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_password", "")
	v.SetDefault("postgres_host", "127.0.0.1")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "warren")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_database", "warren_tasks")
	v.SetDefault("bolt_data_dir", "./warren-manager-data")
	v.SetDefault("health_check_interval", 10*time.Second)
	v.SetDefault("worker_timeout", 30*time.Second)
	v.SetDefault("offline_grace", 60*time.Second)
	v.SetDefault("dispatch_ack_deadline", 15*time.Second)
	v.SetDefault("retry_limit", 3)
	v.SetDefault("question_deadline", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	for _, key := range []string{
		"manager_host", "manager_port", "nats_host", "nats_port",
		"redis_host", "redis_port", "redis_password",
		"postgres_host", "postgres_port", "postgres_user", "postgres_password", "postgres_database",
		"bolt_data_dir", "health_check_interval", "worker_timeout", "offline_grace",
		"dispatch_ack_deadline", "retry_limit", "question_deadline",
		"log_level", "log_json",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var cfg Manager
	if err := v.Unmarshal(&cfg, sliceDecodeHook()); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWorker reads WORKER_*, NATS_*, REDIS_* and the execution tunables
// from the environment, applying pkg/worker.DefaultConfig's defaults where
// unset.
func LoadWorker() (*Worker, error) {
	v := newViper()

	v.SetDefault("worker_id", "")
	v.SetDefault("worker_tags", []string{})
	v.SetDefault("nats_host", "127.0.0.1")
	v.SetDefault("nats_port", 4222)
	v.SetDefault("redis_host", "127.0.0.1")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_password", "")
	v.SetDefault("max_concurrent_tasks", 4)
	v.SetDefault("max_memory_mb", 2048)
	v.SetDefault("heartbeat_interval_ms", 10000)
	v.SetDefault("progress_interval_ms", 5000)
	v.SetDefault("shutdown_deadline_ms", 30000)
	v.SetDefault("agent_command", []string{"true"})
	v.SetDefault("agent_env", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	for _, key := range []string{
		"worker_id", "worker_tags", "nats_host", "nats_port",
		"redis_host", "redis_port", "redis_password",
		"max_concurrent_tasks", "max_memory_mb",
		"heartbeat_interval_ms", "progress_interval_ms", "shutdown_deadline_ms",
		"agent_command", "agent_env", "log_level", "log_json",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var cfg Worker
	if err := v.Unmarshal(&cfg, sliceDecodeHook()); err != nil {
		return nil, err
	}
	return &cfg, nil
}
