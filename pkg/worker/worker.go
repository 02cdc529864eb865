// Package worker implements the Worker runtime: register with the
// Manager, accept tasks over the bus, run each one in an external agent
// process, and report progress, completion and heartbeats.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/cache"
	"github.com/cuemby/warren-tasks/pkg/log"
	"github.com/cuemby/warren-tasks/pkg/metrics"
	"github.com/cuemby/warren-tasks/pkg/types"
)

// Config holds the Worker's startup configuration, bound from environment
// variables.
type Config struct {
	WorkerID            string
	Hostname            string
	Tags                []string
	MaxConcurrentTasks  int
	MaxMemoryMB         int
	HeartbeatInterval   time.Duration
	ProgressInterval    time.Duration
	ShutdownDeadline    time.Duration
	AgentCommand        []string
	AgentEnv            []string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: 4,
		MaxMemoryMB:        2048,
		HeartbeatInterval:  10 * time.Second,
		ProgressInterval:   5 * time.Second,
		ShutdownDeadline:   30 * time.Second,
	}
}

// Worker executes tasks dispatched by the Manager over the bus.
type Worker struct {
	cfg   Config
	bus   bus.Bus
	cache cache.Cache

	logger zerolog.Logger

	mu          sync.Mutex
	activeTasks map[string]*TaskInstance
	paused      bool

	subs []bus.Subscription

	stopCh chan struct{}
	doneCh chan struct{}
}

// TaskInstance tracks one task currently executing on this Worker.
type TaskInstance struct {
	Task      types.Task
	StartedAt time.Time
	Status    types.TaskState
	Metrics   types.ProgressMetrics
	cancel    context.CancelFunc
	stdin     io.WriteCloser
}

// NewWorker resolves identity and wires the bus/cache adapters.
func NewWorker(cfg Config, b bus.Bus, c cache.Cache) *Worker {
	if cfg.WorkerID == "" {
		hostname := cfg.Hostname
		if hostname == "" {
			hostname, _ = os.Hostname()
		}
		cfg.WorkerID = fmt.Sprintf("%s-%04x", hostname, rand.Intn(1<<16))
	}
	return &Worker{
		cfg:         cfg,
		bus:         b,
		cache:       c,
		logger:      log.WithWorkerID(cfg.WorkerID),
		activeTasks: make(map[string]*TaskInstance),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// ID returns the Worker's resolved identity.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Start registers with the Manager, subscribes to its inbound subjects, and
// launches the heartbeat loop.
func (w *Worker) Start(ctx context.Context) error {
	reg := types.Worker{
		WorkerID: w.cfg.WorkerID,
		Hostname: w.cfg.Hostname,
		Tags:     w.cfg.Tags,
		Capabilities: types.Capabilities{
			MaxConcurrentTasks: w.cfg.MaxConcurrentTasks,
			MaxMemoryMB:        w.cfg.MaxMemoryMB,
			FeatureTags:        w.cfg.Tags,
		},
		Status:        types.WorkerStatusIdle,
		RegisteredAt:  time.Now().UTC(),
		LastHeartbeat: time.Now().UTC(),
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	if err := w.bus.Publish(ctx, bus.WorkerRegister(), payload); err != nil {
		return fmt.Errorf("publish registration: %w", err)
	}

	subjects := []struct {
		subject string
		handler bus.Handler
	}{
		{bus.WorkerTask(w.cfg.WorkerID), w.handleTaskAssignment},
		{bus.WorkerBroadcastAll(), w.handleBroadcast},
		{bus.WorkerBroadcast(w.cfg.WorkerID), w.handleBroadcast},
		{bus.WorkerCommand(w.cfg.WorkerID), w.handleCommand},
	}
	for _, s := range subjects {
		sub, err := w.bus.Subscribe(ctx, s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		w.subs = append(w.subs, sub)
	}

	go w.heartbeatLoop()

	w.logger.Info().Str("worker_id", w.cfg.WorkerID).Msg("worker started")
	return nil
}

// Stop performs the graceful shutdown sequence: stop accepting work, wait
// up to shutdown_deadline for active tasks, then tear down subscriptions.
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stopCh)

	w.mu.Lock()
	w.paused = true
	remaining := len(w.activeTasks)
	w.mu.Unlock()

	if remaining > 0 {
		deadline := time.NewTimer(w.cfg.ShutdownDeadline)
		defer deadline.Stop()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
	waitLoop:
		for {
			select {
			case <-deadline.C:
				w.forceTerminateAll()
				break waitLoop
			case <-ticker.C:
				w.mu.Lock()
				n := len(w.activeTasks)
				w.mu.Unlock()
				if n == 0 {
					break waitLoop
				}
			}
		}
	}

	for _, sub := range w.subs {
		_ = sub.Unsubscribe()
	}

	status := types.Worker{WorkerID: w.cfg.WorkerID, Status: types.WorkerStatusOffline}
	payload, _ := json.Marshal(status)
	_ = w.bus.Publish(ctx, bus.WorkerRegister(), payload)

	close(w.doneCh)
	return nil
}

func (w *Worker) forceTerminateAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, inst := range w.activeTasks {
		if inst.cancel != nil {
			inst.cancel()
		}
		w.logger.Warn().Str("task_id", id).Msg("force-terminated at shutdown deadline")
	}
}

func (w *Worker) heartbeatLoop() {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sendHeartbeat()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) sendHeartbeat() {
	w.mu.Lock()
	load := len(w.activeTasks)
	w.mu.Unlock()

	hb := struct {
		WorkerID   string           `json:"worker_id"`
		Load       int              `json:"current_load"`
		SystemInfo types.SystemInfo `json:"system_info"`
	}{
		WorkerID: w.cfg.WorkerID,
		Load:     load,
		SystemInfo: types.SystemInfo{
			OS: "linux",
		},
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.bus.Publish(ctx, bus.WorkerHeartbeat(), payload); err != nil {
		w.logger.Warn().Err(err).Msg("failed to publish heartbeat")
		return
	}
	metrics.ActiveTasksGauge.Set(float64(load))
	_ = w.cache.Set(ctx, "worker:"+w.cfg.WorkerID+":live", "1", 30*time.Second)
}

// capacity returns the Worker's effective concurrency ceiling, 0 while paused.
func (w *Worker) capacity() int {
	if w.paused {
		return 0
	}
	return w.cfg.MaxConcurrentTasks
}
