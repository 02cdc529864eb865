// Package scheduler implements the dispatch loop: filter idle,
// headroom-bearing workers, rank them, and assign pending tasks, highest
// priority first and oldest first within a priority, to the best
// candidate. It also sweeps assigned tasks that missed their
// dispatch ack deadline and re-queues or escalates them.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren-tasks/pkg/log"
	"github.com/cuemby/warren-tasks/pkg/manager"
	"github.com/cuemby/warren-tasks/pkg/metrics"
	"github.com/cuemby/warren-tasks/pkg/types"
)

// Scheduler assigns pending tasks to idle workers on a fixed tick.
type Scheduler struct {
	manager *manager.Manager
	logger  zerolog.Logger
	mu      sync.Mutex
	stopCh  chan struct{}

	// assignedAt tracks when a task was last dispatched, so a missed
	// dispatch_ack_deadline can be detected without a durable column.
	assignedAt map[string]time.Time
}

// NewScheduler creates a Scheduler driving mgr's task queue.
func NewScheduler(mgr *manager.Manager) *Scheduler {
	return &Scheduler{
		manager:    mgr,
		logger:     log.WithComponent("scheduler"),
		stopCh:     make(chan struct{}),
		assignedAt: make(map[string]time.Time),
	}
}

// Start begins the scheduler loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			if err := s.dispatchPending(ctx); err != nil {
				s.logger.Error().Err(err).Msg("dispatch cycle failed")
			}
			if err := s.sweepMissedAcks(ctx); err != nil {
				s.logger.Error().Err(err).Msg("ack sweep failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// dispatchPending performs one filter→rank→dispatch cycle.
func (s *Scheduler) dispatchPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.manager.ListTasks(ctx, types.TaskStatePending, 0)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if ri, rj := pending[i].Priority.Rank(), pending[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	workers, err := s.manager.ListWorkers(ctx, types.WorkerStatusIdle)
	if err != nil {
		return err
	}

	waitingIDs, err := s.manager.ListNextTaskWaiting(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list workers awaiting next task")
	}
	waiting := make(map[string]bool, len(waitingIDs))
	for _, id := range waitingIDs {
		waiting[id] = true
	}

	for _, t := range pending {
		timer := metrics.NewTimer()

		candidates := filterCandidates(workers, t)
		if len(candidates) == 0 {
			s.logger.Debug().Str("task_id", t.TaskID).Msg("no candidate workers available")
			continue
		}
		rankCandidates(candidates, waiting)
		chosen := candidates[0]

		if err := s.manager.DispatchTask(ctx, t, chosen.WorkerID); err != nil {
			s.logger.Error().Err(err).Str("task_id", t.TaskID).Str("worker_id", chosen.WorkerID).Msg("failed to dispatch task")
			metrics.TasksRejected.WithLabelValues("dispatch_error").Inc()
			continue
		}
		s.assignedAt[t.TaskID] = time.Now().UTC()
		timer.ObserveDuration(metrics.TaskDispatchLatency)

		if waiting[chosen.WorkerID] {
			if err := s.manager.ClearNextTaskWaiting(ctx, chosen.WorkerID); err != nil {
				s.logger.Warn().Err(err).Str("worker_id", chosen.WorkerID).Msg("failed to clear next task wait")
			}
			delete(waiting, chosen.WorkerID)
		}

		chosen.CurrentLoad++
		if chosen.CurrentLoad >= chosen.Capabilities.MaxConcurrentTasks {
			chosen.Status = types.WorkerStatusBusy
			workers = removeWorker(workers, chosen.WorkerID)
		}

		s.logger.Info().
			Str("task_id", t.TaskID).
			Str("worker_id", chosen.WorkerID).
			Msg("dispatched task")
	}

	return nil
}

// sweepMissedAcks re-queues tasks still in assigned state past the ack
// deadline, escalating to failed once retry_limit is exhausted.
func (s *Scheduler) sweepMissedAcks(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := s.manager.Config().DispatchAckDeadline
	assigned, err := s.manager.ListTasks(ctx, types.TaskStateAssigned, 0)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, t := range assigned {
		since, ok := s.assignedAt[t.TaskID]
		if !ok || now.Sub(since) < deadline {
			continue
		}
		delete(s.assignedAt, t.TaskID)

		if t.RetryCount >= t.RetryLimit {
			t.Status = types.TaskStateFailed
			t.ErrorMessage = "worker did not acknowledge dispatch before deadline"
			if err := s.manager.UpdateTask(ctx, t); err != nil {
				s.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to mark task failed")
				continue
			}
			metrics.TasksFailedWorkerLost.Inc()
			s.logger.Warn().Str("task_id", t.TaskID).Msg("task escalated to failed after exhausting retries")
			continue
		}

		t.RetryCount++
		t.Status = types.TaskStatePending
		t.AssignedWorker = ""
		if err := s.manager.UpdateTask(ctx, t); err != nil {
			s.logger.Error().Err(err).Str("task_id", t.TaskID).Msg("failed to requeue task")
			continue
		}
		metrics.TasksRequeued.Inc()
		s.logger.Info().Str("task_id", t.TaskID).Int("retry_count", t.RetryCount).Msg("requeued task after missed ack")
	}

	return nil
}

// filterCandidates returns the workers that are Available (idle with load
// headroom). Worker tags are not matched against the task.
func filterCandidates(workers []*types.Worker, t *types.Task) []*types.Worker {
	var out []*types.Worker
	for _, w := range workers {
		if !w.Available() {
			continue
		}
		out = append(out, w)
	}
	return out
}

// rankCandidates orders candidates with an outstanding next-task request
// first, then by lowest current_load, then most recent last_heartbeat, in
// place.
func rankCandidates(candidates []*types.Worker, waiting map[string]bool) {
	sort.Slice(candidates, func(i, j int) bool {
		wi, wj := waiting[candidates[i].WorkerID], waiting[candidates[j].WorkerID]
		if wi != wj {
			return wi
		}
		if candidates[i].CurrentLoad != candidates[j].CurrentLoad {
			return candidates[i].CurrentLoad < candidates[j].CurrentLoad
		}
		return candidates[i].LastHeartbeat.After(candidates[j].LastHeartbeat)
	})
}

func removeWorker(workers []*types.Worker, workerID string) []*types.Worker {
	out := workers[:0]
	for _, w := range workers {
		if w.WorkerID != workerID {
			out = append(out, w)
		}
	}
	return out
}
