package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/cache"
	"github.com/cuemby/warren-tasks/pkg/log"
	"github.com/cuemby/warren-tasks/pkg/metrics"
	"github.com/cuemby/warren-tasks/pkg/storage"
	"github.com/cuemby/warren-tasks/pkg/types"
)

// Config holds the tunables left as configuration parameters.
type Config struct {
	HealthCheckInterval time.Duration
	WorkerTimeout       time.Duration
	OfflineGrace        time.Duration
	DispatchAckDeadline time.Duration
	RetryLimit          int
	QuestionDeadline    time.Duration
	DurableBufferLimit  int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		HealthCheckInterval: 10 * time.Second,
		WorkerTimeout:       30 * time.Second,
		OfflineGrace:        60 * time.Second,
		DispatchAckDeadline: 15 * time.Second,
		RetryLimit:          3,
		QuestionDeadline:    30 * time.Second,
		DurableBufferLimit:  1000,
	}
}

// Manager is the single authoritative control plane process. It owns the
// bus/cache/store adapters and exposes the registry, scheduler,
// and RPC-broker operations that the reconciler, scheduler and ingestor
// subsystems drive from their own ticker loops.
type Manager struct {
	cfg Config

	bus   bus.Bus
	cache cache.Cache
	store storage.Store

	logger zerolog.Logger

	broker *rpcBroker
}

// NewManager wires the adapters into a Manager. The caller is responsible
// for connecting bus/cache/store beforehand; the store may be nil only for
// tests exercising cache-only paths (the Worker may run store-less, but
// the Manager always requires one).
func NewManager(cfg Config, b bus.Bus, c cache.Cache, s storage.Store) *Manager {
	return &Manager{
		cfg:    cfg,
		bus:    b,
		cache:  c,
		store:  s,
		logger: log.WithComponent("manager"),
		broker: newRPCBroker(b, s, cfg.QuestionDeadline),
	}
}

// Shutdown resolves every outstanding Pending RPC with a synthesized
// shutdown reply and closes the store.
func (m *Manager) Shutdown() error {
	m.broker.shutdown()
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}

// --- Registry ---

// RegisterWorker upserts a Worker at status=idle and adds it to the active set.
// Idempotent: a duplicate registration collapses to the same row and the
// same set membership.
func (m *Manager) RegisterWorker(ctx context.Context, w *types.Worker) error {
	if w.Status == "" {
		w.Status = types.WorkerStatusIdle
	}
	now := time.Now().UTC()
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	w.LastHeartbeat = now
	w.UpdatedAt = now

	if err := m.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	if err := m.cacheWorker(ctx, w); err != nil {
		m.logger.Warn().Err(err).Str("worker_id", w.WorkerID).Msg("cache projection write failed")
	}
	if err := m.cache.SAdd(ctx, "workers:active", w.WorkerID); err != nil {
		m.logger.Warn().Err(err).Str("worker_id", w.WorkerID).Msg("active set add failed")
	}
	metrics.WorkersTotal.WithLabelValues(string(w.Status)).Inc()
	return nil
}

// Heartbeat refreshes last_heartbeat and the short-lived cache projection.
func (m *Manager) Heartbeat(ctx context.Context, workerID string, load int, sysInfo types.SystemInfo) error {
	w, err := m.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("heartbeat from unknown worker %s", workerID)
	}
	w.LastHeartbeat = time.Now().UTC()
	w.CurrentLoad = load
	w.SystemInfo = sysInfo
	if w.Status == types.WorkerStatusUnresponsive || w.Status == types.WorkerStatusOffline {
		w.Status = types.WorkerStatusIdle
	}
	if err := m.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return m.cacheWorker(ctx, w)
}

// SetWorkerStatus transitions a Worker's status, updating both store and cache.
func (m *Manager) SetWorkerStatus(ctx context.Context, workerID string, status types.WorkerStatus) error {
	w, err := m.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if w == nil {
		return fmt.Errorf("unknown worker %s", workerID)
	}
	w.Status = status
	if status == types.WorkerStatusUnresponsive {
		w.UnresponsiveAt = time.Now().UTC()
	}
	if err := m.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return m.cacheWorker(ctx, w)
}

func (m *Manager) cacheWorker(ctx context.Context, w *types.Worker) error {
	blob, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return m.cache.Set(ctx, "worker:"+w.WorkerID, string(blob), 0)
}

// GetWorker merges cache and store per the reconciliation rule: cache wins
// if its last_heartbeat is newer, else store wins; ties on last_heartbeat
// prefer the later value either way since they are then equal.
func (m *Manager) GetWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	stored, err := m.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}

	blob, err := m.cache.Get(ctx, "worker:"+workerID)
	if err != nil {
		if err == cache.ErrNotFound {
			return stored, nil
		}
		m.logger.Warn().Err(err).Str("worker_id", workerID).Msg("cache read failed, falling back to store")
		return stored, nil
	}

	var cached types.Worker
	if err := json.Unmarshal([]byte(blob), &cached); err != nil {
		return stored, nil
	}
	if stored == nil {
		return &cached, nil
	}
	if cached.LastHeartbeat.After(stored.LastHeartbeat) {
		return &cached, nil
	}
	return stored, nil
}

// ListWorkers lists from the durable store; status filtering happens there.
// The merged per-worker view above is reserved for point lookups where
// cache freshness matters (heartbeat races); bulk listing favors the store
// since is already the source of truth for anything not actively heartbeating.
func (m *Manager) ListWorkers(ctx context.Context, statusFilter types.WorkerStatus) ([]*types.Worker, error) {
	workers, err := m.store.ListWorkers(ctx, statusFilter)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	return workers, nil
}

// --- Tasks ---

// NewTaskID assigns a fresh task identifier.
func NewTaskID() string {
	return uuid.New().String()
}

func (m *Manager) CreateTask(ctx context.Context, t *types.Task) error {
	if t.TaskID == "" {
		t.TaskID = NewTaskID()
	}
	if t.Status == "" {
		t.Status = types.TaskStatePending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.RetryLimit == 0 {
		t.RetryLimit = m.cfg.RetryLimit
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	metrics.TasksTotal.WithLabelValues(string(t.Status)).Inc()
	return nil
}

func (m *Manager) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (m *Manager) UpdateTask(ctx context.Context, t *types.Task) error {
	if err := m.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (m *Manager) ListTasks(ctx context.Context, status types.TaskState, limit int) ([]*types.Task, error) {
	tasks, err := m.store.ListTasks(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func (m *Manager) ListTasksByWorker(ctx context.Context, workerID string) ([]*types.Task, error) {
	tasks, err := m.store.ListTasksByWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by worker: %w", err)
	}
	return tasks, nil
}

// ReassignTask is the sanctioned exception to single-writer-after-assignment:
// compare-and-set on assigned_worker, for direct worker-to-worker handoff.
func (m *Manager) ReassignTask(ctx context.Context, taskID, fromWorker, toWorker string) (bool, error) {
	ok, err := m.store.ReassignTask(ctx, taskID, fromWorker, toWorker)
	if err != nil {
		return false, fmt.Errorf("reassign task: %w", err)
	}
	return ok, nil
}

// DispatchTask publishes the assignment to the Worker's direct task subject
// and marks the task assigned, the Worker busy (optimistic).
func (m *Manager) DispatchTask(ctx context.Context, t *types.Task, workerID string) error {
	t.AssignedWorker = workerID
	t.Status = types.TaskStateAssigned
	if err := m.UpdateTask(ctx, t); err != nil {
		return err
	}
	if err := m.SetWorkerStatus(ctx, workerID, types.WorkerStatusBusy); err != nil {
		m.logger.Warn().Err(err).Str("worker_id", workerID).Msg("failed to mark worker busy optimistically")
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := m.bus.Publish(ctx, bus.WorkerTask(workerID), payload); err != nil {
		return fmt.Errorf("publish task assignment: %w", err)
	}
	metrics.TasksDispatched.Inc()
	return nil
}

// --- Questions / RPC broker ---

func (m *Manager) RecordQuestion(ctx context.Context, q *types.PendingRPC) error {
	return m.broker.register(ctx, q)
}

func (m *Manager) AnswerQuestion(ctx context.Context, questionID, answer, guidanceType string) error {
	return m.broker.resolve(ctx, questionID, answer, "manager", guidanceType)
}

func (m *Manager) ListPendingQuestions(ctx context.Context) ([]*types.PendingRPC, error) {
	return m.broker.list(), nil
}

func (m *Manager) ApproveSessionEnd(ctx context.Context, workerID string, approved bool, reason string) error {
	return m.broker.resolveSessionEnd(ctx, workerID, approved, reason)
}

const waitingWorkersKey = "workers:awaiting_task"

// RecordNextTaskWaiting marks workerID as having an outstanding next-task
// request, so the Scheduler treats it as a targeted dispatch candidate
// instead of waiting for its next idle-poll turn.
func (m *Manager) RecordNextTaskWaiting(ctx context.Context, workerID string) error {
	return m.cache.SAdd(ctx, waitingWorkersKey, workerID)
}

// ClearNextTaskWaiting drops workerID's outstanding next-task request, once
// it has been dispatched a task or gone offline.
func (m *Manager) ClearNextTaskWaiting(ctx context.Context, workerID string) error {
	return m.cache.SRem(ctx, waitingWorkersKey, workerID)
}

// ListNextTaskWaiting returns every Worker ID with an outstanding next-task
// request.
func (m *Manager) ListNextTaskWaiting(ctx context.Context) ([]string, error) {
	return m.cache.SMembers(ctx, waitingWorkersKey)
}

// --- Sessions ---

func (m *Manager) CreateSession(ctx context.Context, sess *types.Session) error {
	if sess.SessionID == "" {
		sess.SessionID = uuid.New().String()
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	sess.Status = types.SessionStatusOpen
	return m.store.CreateSession(ctx, sess)
}

func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	return m.store.CloseSession(ctx, sessionID)
}

// --- Events / progress (delegated to the ingestor, exposed for reads) ---

func (m *Manager) ListEventsByWorker(ctx context.Context, workerID string, limit int) ([]*types.Event, error) {
	return m.store.ListEventsByWorker(ctx, workerID, limit)
}

func (m *Manager) ListProgress(ctx context.Context, taskID string) ([]*types.ProgressRecord, error) {
	return m.store.ListProgress(ctx, taskID)
}

// Bus, Cache, Store expose the adapters to sibling subsystems (scheduler,
// reconciler, ingestor) that are constructed around a *Manager rather than
// each holding their own adapter handles.
func (m *Manager) Bus() bus.Bus       { return m.bus }
func (m *Manager) Cache() cache.Cache { return m.cache }
func (m *Manager) Store() storage.Store { return m.store }
func (m *Manager) Config() Config     { return m.cfg }
func (m *Manager) Logger() zerolog.Logger { return m.logger }
