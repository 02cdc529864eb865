// Package reconciler implements the registry sweep: workers that stop
// heartbeating are marked unresponsive and any task they held is requeued
// for the Scheduler to re-dispatch, or escalated to failed once its retry
// limit is exhausted. Workers that stay unresponsive past the offline
// grace period are marked offline.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren-tasks/pkg/log"
	"github.com/cuemby/warren-tasks/pkg/manager"
	"github.com/cuemby/warren-tasks/pkg/metrics"
	"github.com/cuemby/warren-tasks/pkg/types"
)

// Reconciler sweeps the worker registry on a fixed tick.
type Reconciler struct {
	manager *manager.Manager
	logger  zerolog.Logger
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewReconciler creates a Reconciler driving mgr's registry.
func NewReconciler(mgr *manager.Manager) *Reconciler {
	return &Reconciler{
		manager: mgr,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	interval := r.manager.Config().HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile performs one registry sweep.
func (r *Reconciler) reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.sweepWorkerHealth(ctx); err != nil {
		r.logger.Error().Err(err).Msg("failed to sweep worker health")
	}

	return nil
}

// sweepWorkerHealth flips idle/busy workers past worker_timeout to
// unresponsive (requeuing any task they held) and unresponsive workers
// past offline_grace to offline.
func (r *Reconciler) sweepWorkerHealth(ctx context.Context) error {
	cfg := r.manager.Config()

	workers, err := r.manager.ListWorkers(ctx, "")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, w := range workers {
		switch w.Status {
		case types.WorkerStatusIdle, types.WorkerStatusBusy:
			if now.Sub(w.LastHeartbeat) > cfg.WorkerTimeout {
				if err := r.manager.SetWorkerStatus(ctx, w.WorkerID, types.WorkerStatusUnresponsive); err != nil {
					r.logger.Error().Err(err).Str("worker_id", w.WorkerID).Msg("failed to mark worker unresponsive")
					continue
				}
				metrics.WorkersMarkedUnresponsive.Inc()
				r.logger.Warn().
					Str("worker_id", w.WorkerID).
					Dur("since_heartbeat", now.Sub(w.LastHeartbeat)).
					Msg("worker marked unresponsive")
				if err := r.reassignWorkerTasks(ctx, w.WorkerID); err != nil {
					r.logger.Error().Err(err).Str("worker_id", w.WorkerID).Msg("failed to requeue tasks from unresponsive worker")
				}
			}

		case types.WorkerStatusUnresponsive:
			if w.UnresponsiveAt.IsZero() || now.Sub(w.UnresponsiveAt) > cfg.OfflineGrace {
				if err := r.manager.SetWorkerStatus(ctx, w.WorkerID, types.WorkerStatusOffline); err != nil {
					r.logger.Error().Err(err).Str("worker_id", w.WorkerID).Msg("failed to mark worker offline")
					continue
				}
				r.logger.Warn().Str("worker_id", w.WorkerID).Msg("worker marked offline")
			}
		}
	}

	return nil
}

// reassignWorkerTasks requeues every non-terminal task held by a newly
// unresponsive worker back to pending with retry_count incremented, so
// the Scheduler's normal dispatch path picks it up. A task that has
// already exhausted its retry limit is escalated straight to failed
// instead of being requeued again.
func (r *Reconciler) reassignWorkerTasks(ctx context.Context, workerID string) error {
	tasks, err := r.manager.ListTasksByWorker(ctx, workerID)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}

		if t.RetryCount >= t.RetryLimit {
			t.Status = types.TaskStateFailed
			t.ErrorMessage = "worker_lost"
			if err := r.manager.UpdateTask(ctx, t); err != nil {
				r.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to escalate orphaned task")
				continue
			}
			metrics.TasksFailedWorkerLost.Inc()
			r.logger.Warn().Str("task_id", t.TaskID).Msg("task escalated to failed, worker lost")
			continue
		}

		t.RetryCount++
		t.Status = types.TaskStatePending
		t.AssignedWorker = ""
		if err := r.manager.UpdateTask(ctx, t); err != nil {
			r.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to requeue task")
			continue
		}
		metrics.TasksRequeued.Inc()
		r.logger.Info().
			Str("task_id", t.TaskID).
			Str("from_worker", workerID).
			Int("retry_count", t.RetryCount).
			Msg("requeued task from unresponsive worker")
	}

	return nil
}
