package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/metrics"
	"github.com/cuemby/warren-tasks/pkg/types"
)

// BroadcastEnvelope distinguishes a broadcast task assignment from a plain
// operator announcement on the same wire subject.
type BroadcastEnvelope struct {
	Kind    string      `json:"kind"`
	Task    *types.Task `json:"task,omitempty"`
	Message string      `json:"message,omitempty"`
}

const claimTTL = 60 * time.Second

func (w *Worker) handleTaskAssignment(ctx context.Context, msg bus.Message) {
	var t types.Task
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		w.logger.Warn().Err(err).Msg("dropping malformed task assignment")
		return
	}
	w.acceptTask(ctx, &t)
}

func (w *Worker) handleBroadcast(ctx context.Context, msg bus.Message) {
	var env BroadcastEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		w.logger.Warn().Err(err).Msg("dropping malformed broadcast")
		return
	}
	switch env.Kind {
	case "task":
		if env.Task == nil {
			return
		}
		env.Task.Broadcast = true
		w.acceptTask(ctx, env.Task)
	default:
		w.logger.Info().Str("message", env.Message).Msg("received operator broadcast")
	}
}

// acceptTask runs the task-acceptance flow: capacity check, claim lease
// for broadcast-dispatched work, then hand off to runTask.
func (w *Worker) acceptTask(ctx context.Context, t *types.Task) {
	w.mu.Lock()
	if len(w.activeTasks) >= w.capacity() {
		w.mu.Unlock()
		w.rejectTask(ctx, t.TaskID, "queue_full")
		return
	}
	w.mu.Unlock()

	if t.Broadcast {
		claimKey := fmt.Sprintf("task:%s:claimed", t.TaskID)
		won, err := w.cache.SetNX(ctx, claimKey, w.cfg.WorkerID, claimTTL)
		if err != nil {
			w.logger.Warn().Err(err).Str("task_id", t.TaskID).Msg("claim attempt failed")
			return
		}
		if !won {
			return
		}
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	inst := &TaskInstance{
		Task:      *t,
		StartedAt: time.Now().UTC(),
		Status:    types.TaskStateRunning,
		cancel:    cancel,
	}

	w.mu.Lock()
	w.activeTasks[t.TaskID] = inst
	w.mu.Unlock()
	metrics.ActiveTasksGauge.Set(float64(len(w.activeTasks)))

	w.publishEvent(ctx, t.TaskID, types.EventTaskStarted, nil)
	w.publishProgress(ctx, inst, 0, "starting")

	go w.runTask(taskCtx, inst)
}

func (w *Worker) rejectTask(ctx context.Context, taskID, reason string) {
	payload, _ := json.Marshal(struct {
		WorkerID string `json:"worker_id"`
		Reason   string `json:"reason"`
	}{WorkerID: w.cfg.WorkerID, Reason: reason})
	if err := w.bus.Publish(ctx, bus.TaskRejected(taskID), payload); err != nil {
		w.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to publish rejection")
	}
}

// runTask executes the external agent, consumes its output for observable
// markers, and reports completion.
func (w *Worker) runTask(ctx context.Context, inst *TaskInstance) {
	timer := metrics.NewTimer()
	t := &inst.Task

	defer func() {
		w.mu.Lock()
		delete(w.activeTasks, t.TaskID)
		remaining := len(w.activeTasks)
		w.mu.Unlock()
		metrics.ActiveTasksGauge.Set(float64(remaining))
	}()

	deadline := ctx
	var cancel context.CancelFunc
	if t.TimeoutMS > 0 {
		deadline, cancel = context.WithTimeout(ctx, time.Duration(t.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	args := w.cfg.AgentCommand
	if len(args) == 0 {
		args = []string{"true"}
	}
	cmd := exec.CommandContext(deadline, args[0], args[1:]...)
	// On deadline or cancellation the agent gets SIGTERM; if it has not
	// exited 10s later it is killed.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second
	cmd.Env = append(cmd.Env, w.cfg.AgentEnv...)
	cmd.Env = append(cmd.Env,
		"TASK_ID="+t.TaskID,
		"WORKER_ID="+w.cfg.WorkerID,
		"TASK_DESCRIPTION="+t.Description,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.finishTask(ctx, inst, false, fmt.Sprintf("stdin pipe: %v", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.finishTask(ctx, inst, false, fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		w.finishTask(ctx, inst, false, fmt.Sprintf("stderr pipe: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		w.finishTask(ctx, inst, false, fmt.Sprintf("start agent: %v", err))
		return
	}

	w.mu.Lock()
	inst.stdin = stdin
	w.mu.Unlock()

	progressDone := make(chan struct{})
	go w.periodicProgress(ctx, inst, progressDone)

	var wg sync.WaitGroup
	wg.Add(2)
	go w.scanOutput(ctx, inst, stdout, &wg)
	go w.scanOutput(ctx, inst, stderr, &wg)
	wg.Wait()

	err = cmd.Wait()
	_ = stdin.Close()
	close(progressDone)

	if deadline.Err() == context.DeadlineExceeded {
		w.escalateTimeout(cmd)
		w.finishTaskState(ctx, inst, types.TaskStateTimeout, "deadline exceeded")
		metrics.TaskExecutionDuration.WithLabelValues("timeout").Observe(timer.Duration().Seconds())
		return
	}
	if err != nil {
		w.finishTask(ctx, inst, false, err.Error())
		metrics.TaskExecutionDuration.WithLabelValues("failed").Observe(timer.Duration().Seconds())
		return
	}
	w.finishTask(ctx, inst, true, "")
	metrics.TaskExecutionDuration.WithLabelValues("completed").Observe(timer.Duration().Seconds())
}

// escalateTimeout sends SIGTERM then, after a 10s grace window, SIGKILL.
func (w *Worker) escalateTimeout(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.AfterFunc(10*time.Second, func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
}

func (w *Worker) scanOutput(ctx context.Context, inst *TaskInstance, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		w.observeLine(ctx, inst, line)
	}
}

// observeLine increments per-task counters from observable markers in
// agent output (tool names, page navigations, screenshot events, error
// keywords), and dispatches the agent's interactive RPC markers: a
// "question:" line blocks this task's scan until the Manager answers (the
// agent is itself blocked reading stdin for the same reply), while
// "session_end:" is fire-and-forget since the agent keeps running either
// way.
func (w *Worker) observeLine(ctx context.Context, inst *TaskInstance, line string) {
	lower := strings.ToLower(line)

	switch {
	case strings.HasPrefix(lower, questionMarkerPrefix):
		w.handleQuestionMarker(ctx, inst, line)
		return
	case strings.HasPrefix(lower, sessionEndMarkerPrefix):
		reason := parseMarkerLine(line, sessionEndMarkerPrefix)
		go w.requestSessionEnd(ctx, inst, reason)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case strings.Contains(lower, "tool_call"):
		inst.Metrics.ToolCalls++
	case strings.Contains(lower, "navigate") || strings.Contains(lower, "page_visit"):
		inst.Metrics.PagesVisited++
	case strings.Contains(lower, "screenshot"):
		inst.Metrics.Screenshots++
	case strings.Contains(lower, "network_request"):
		inst.Metrics.NetworkRequests++
	case strings.Contains(lower, "error"):
		inst.Task.Analytics.ErrorsObserved++
	}
}

func (w *Worker) periodicProgress(ctx context.Context, inst *TaskInstance, done <-chan struct{}) {
	interval := w.cfg.ProgressInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	percent := 0
	for {
		select {
		case <-ticker.C:
			if percent < 90 {
				percent += 10
			}
			w.publishProgress(ctx, inst, percent, "running")
		case <-done:
			return
		}
	}
}

func (w *Worker) publishProgress(ctx context.Context, inst *TaskInstance, percent int, phase string) {
	w.mu.Lock()
	metricsSnapshot := inst.Metrics
	w.mu.Unlock()

	rec := types.ProgressRecord{
		TaskID:          inst.Task.TaskID,
		WorkerID:        w.cfg.WorkerID,
		Status:          types.TaskStateRunning,
		PercentComplete: percent,
		Phase:           phase,
		Metrics:         metricsSnapshot,
		Timestamp:       time.Now().UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, bus.TaskProgress(inst.Task.TaskID), payload); err != nil {
		w.logger.Warn().Err(err).Str("task_id", inst.Task.TaskID).Msg("failed to publish progress")
	}
}

func (w *Worker) publishEvent(ctx context.Context, taskID string, eventType types.EventType, data map[string]string) {
	ev := types.Event{
		WorkerID:  w.cfg.WorkerID,
		TaskID:    taskID,
		EventType: eventType,
		EventData: data,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := w.bus.Publish(ctx, bus.TaskEvent(string(eventType)), payload); err != nil {
		w.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to publish event")
	}
}

func (w *Worker) finishTask(ctx context.Context, inst *TaskInstance, success bool, errMsg string) {
	state := types.TaskStateCompleted
	if !success {
		state = types.TaskStateFailed
	}
	w.finishTaskState(ctx, inst, state, errMsg)
}

func (w *Worker) finishTaskState(ctx context.Context, inst *TaskInstance, state types.TaskState, errMsg string) {
	w.mu.Lock()
	analytics := inst.Task.Analytics
	w.mu.Unlock()

	completion := struct {
		TaskID       string              `json:"task_id"`
		WorkerID     string              `json:"worker_id"`
		Success      bool                `json:"success"`
		ErrorMessage string              `json:"error_message,omitempty"`
		Analytics    types.TaskAnalytics `json:"analytics"`
	}{
		TaskID:       inst.Task.TaskID,
		WorkerID:     w.cfg.WorkerID,
		Success:      state == types.TaskStateCompleted,
		ErrorMessage: errMsg,
		Analytics:    analytics,
	}
	payload, err := json.Marshal(completion)
	if err == nil {
		if err := w.bus.Publish(ctx, bus.TaskCompletion(), payload); err != nil {
			w.logger.Warn().Err(err).Str("task_id", inst.Task.TaskID).Msg("failed to publish completion")
		}
	}

	eventType := types.EventTaskCompleted
	if state != types.TaskStateCompleted {
		eventType = types.EventTaskFailed
	}
	w.publishEvent(ctx, inst.Task.TaskID, eventType, map[string]string{"status": string(state)})

	w.mu.Lock()
	remaining := len(w.activeTasks)
	paused := w.paused
	w.mu.Unlock()
	if remaining <= 1 {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = w.cache.SRem(cacheCtx, "workers:busy", w.cfg.WorkerID)

		if !paused {
			go w.requestNextTask(context.Background())
		}
	}
}
