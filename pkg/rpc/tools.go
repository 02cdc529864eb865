package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/events"
	"github.com/cuemby/warren-tasks/pkg/manager"
	"github.com/cuemby/warren-tasks/pkg/types"
)

// ContainerSpawner is the single well-defined container-spawn capability
// spawn_worker_container delegates to, in place of the source's two
// overlapping spawn flows. Production deployments inject a client for a
// real container platform; LocalExecSpawner below covers local/dev use.
type ContainerSpawner interface {
	Spawn(ctx context.Context, image string, env []string) (containerID string, err error)
}

// LocalExecSpawner launches a worker subprocess directly. It treats image
// as the path to the worker binary and never containerizes anything,
// matching pkg/worker's "opaque child process" framing.
type LocalExecSpawner struct {
	Command string
}

// NewLocalExecSpawner creates a LocalExecSpawner defaulting to command when
// no per-call image is given.
func NewLocalExecSpawner(command string) *LocalExecSpawner {
	if command == "" {
		command = "warren-worker"
	}
	return &LocalExecSpawner{Command: command}
}

func (s *LocalExecSpawner) Spawn(ctx context.Context, image string, env []string) (string, error) {
	bin := image
	if bin == "" {
		bin = s.Command
	}
	cmd := exec.Command(bin)
	cmd.Env = append(cmd.Env, env...)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn worker process: %w", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()
	return fmt.Sprintf("pid-%d", pid), nil
}

// RegisterTools binds the twelve named operator tools onto srv, each a
// thin adapter from JSON-RPC params to a pkg/manager call. broker
// backs monitor_task_realtime; spawner backs spawn_worker_container and
// may be nil if container spawning isn't configured for this deployment.
func RegisterTools(srv *Server, mgr *manager.Manager, broker *events.Broker, spawner ContainerSpawner) {
	srv.RegisterTool("list_workers", listWorkersTool(mgr))
	srv.RegisterTool("get_worker_status", getWorkerStatusTool(mgr))
	srv.RegisterTool("assign_task", assignTaskTool(mgr))
	srv.RegisterTool("get_task_status", getTaskStatusTool(mgr))
	srv.RegisterTool("monitor_task_realtime", monitorTaskRealtimeTool(broker))
	srv.RegisterTool("broadcast", broadcastTool(mgr))
	srv.RegisterTool("list_pending_questions", listPendingQuestionsTool(mgr))
	srv.RegisterTool("answer_worker_question", answerWorkerQuestionTool(mgr))
	srv.RegisterTool("assign_task_to_waiting_worker", assignTaskToWaitingWorkerTool(mgr))
	srv.RegisterTool("approve_session_end", approveSessionEndTool(mgr))
	srv.RegisterTool("get_worker_analytics", getWorkerAnalyticsTool(mgr))
	srv.RegisterTool("spawn_worker_container", spawnWorkerContainerTool(spawner))
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}

func listWorkersTool(mgr *manager.Manager) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			StatusFilter string `json:"status_filter"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		workers, err := mgr.ListWorkers(ctx, types.WorkerStatus(p.StatusFilter))
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "workers": workers}, nil
	}
}

func getWorkerStatusTool(mgr *manager.Manager) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkerID string `json:"worker_id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.WorkerID == "" {
			return nil, fmt.Errorf("worker_id is required")
		}
		w, err := mgr.GetWorker(ctx, p.WorkerID)
		if err != nil {
			return nil, err
		}
		if w == nil {
			return nil, fmt.Errorf("unknown worker %s", p.WorkerID)
		}
		recentEvents, err := mgr.ListEventsByWorker(ctx, p.WorkerID, 20)
		if err != nil {
			return nil, err
		}
		tasks, err := mgr.ListTasksByWorker(ctx, p.WorkerID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":       true,
			"worker":        w,
			"recent_events": recentEvents,
			"task_count":    len(tasks),
		}, nil
	}
}

func assignTaskTool(mgr *manager.Manager) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Description string `json:"description"`
			Priority    string `json:"priority"`
			WorkerID    string `json:"worker_id"`
			TimeoutMS   int    `json:"timeout_ms"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.Description == "" {
			return nil, fmt.Errorf("description is required")
		}
		priority := types.TaskPriority(p.Priority)
		if priority == "" {
			priority = types.TaskPriorityNormal
		}
		t := &types.Task{
			TaskID:      manager.NewTaskID(),
			Description: p.Description,
			Priority:    priority,
			TimeoutMS:   p.TimeoutMS,
		}

		if p.WorkerID != "" {
			w, err := mgr.GetWorker(ctx, p.WorkerID)
			if err != nil {
				return nil, err
			}
			if w == nil || !w.Available() {
				return nil, fmt.Errorf("worker %s is not available", p.WorkerID)
			}
			if err := mgr.CreateTask(ctx, t); err != nil {
				return nil, err
			}
			if err := mgr.DispatchTask(ctx, t, p.WorkerID); err != nil {
				return nil, err
			}
			return map[string]any{"success": true, "task_id": t.TaskID, "worker_id": p.WorkerID}, nil
		}

		if err := mgr.CreateTask(ctx, t); err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "task_id": t.TaskID, "worker_id": ""}, nil
	}
}

func getTaskStatusTool(mgr *manager.Manager) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			TaskID          string `json:"task_id"`
			IncludeTimeline bool   `json:"include_timeline"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.TaskID == "" {
			return nil, fmt.Errorf("task_id is required")
		}
		t, err := mgr.GetTask(ctx, p.TaskID)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("unknown task %s", p.TaskID)
		}
		result := map[string]any{"success": true, "task": t}
		if p.IncludeTimeline {
			progress, err := mgr.ListProgress(ctx, p.TaskID)
			if err != nil {
				return nil, err
			}
			result["progress"] = progress
		}
		return result, nil
	}
}

// monitorTaskRealtimeTool subscribes to the ingestor's progress broker and
// collects records matching task_id for up to duration_seconds, then
// returns the batch in one response. The stdio transport can't push
// unsolicited frames mid-call, so this is a bounded wait rather than a
// true server-push stream of progress records.
func monitorTaskRealtimeTool(broker *events.Broker) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			TaskID          string `json:"task_id"`
			DurationSeconds int    `json:"duration_seconds"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.TaskID == "" {
			return nil, fmt.Errorf("task_id is required")
		}
		if broker == nil {
			return nil, fmt.Errorf("realtime monitoring is not available")
		}

		duration := time.Duration(p.DurationSeconds) * time.Second
		if duration <= 0 {
			duration = 10 * time.Second
		}
		if duration > 60*time.Second {
			duration = 60 * time.Second
		}

		sub := broker.Subscribe()
		defer broker.Unsubscribe(sub)

		deadline := time.NewTimer(duration)
		defer deadline.Stop()

		var records []*types.ProgressRecord
		for {
			select {
			case rec, ok := <-sub:
				if !ok {
					return map[string]any{"success": true, "records": records}, nil
				}
				if rec.TaskID == p.TaskID {
					records = append(records, rec)
				}
			case <-deadline.C:
				return map[string]any{"success": true, "records": records}, nil
			case <-ctx.Done():
				return map[string]any{"success": true, "records": records}, nil
			}
		}
	}
}

func broadcastTool(mgr *manager.Manager) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Message          string   `json:"message"`
			TargetSessionIDs []string `json:"target_session_ids"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.Message == "" {
			return nil, fmt.Errorf("message is required")
		}

		envelope := struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}{Kind: "message", Message: p.Message}
		payload, err := json.Marshal(envelope)
		if err != nil {
			return nil, err
		}

		if len(p.TargetSessionIDs) == 0 {
			if err := mgr.Bus().Publish(ctx, bus.WorkerBroadcastAll(), payload); err != nil {
				return nil, err
			}
			workers, err := mgr.ListWorkers(ctx, "")
			count := 0
			if err == nil {
				count = len(workers)
			}
			return map[string]any{"success": true, "recipients_count": count}, nil
		}

		recipients := 0
		for _, sessionID := range p.TargetSessionIDs {
			sess, err := mgr.Store().GetSession(ctx, sessionID)
			if err != nil || sess == nil {
				continue
			}
			if err := mgr.Bus().Publish(ctx, bus.WorkerBroadcast(sess.WorkerID), payload); err != nil {
				continue
			}
			recipients++
		}
		return map[string]any{"success": true, "recipients_count": recipients}, nil
	}
}

func listPendingQuestionsTool(mgr *manager.Manager) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Filter string `json:"filter"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		questions, err := mgr.ListPendingQuestions(ctx)
		if err != nil {
			return nil, err
		}
		if p.Filter != "" {
			filtered := make([]*types.PendingRPC, 0, len(questions))
			for _, q := range questions {
				if string(q.Kind) == p.Filter {
					filtered = append(filtered, q)
				}
			}
			questions = filtered
		}
		return map[string]any{"success": true, "questions": questions}, nil
	}
}

func answerWorkerQuestionTool(mgr *manager.Manager) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			QuestionID   string `json:"question_id"`
			Answer       string `json:"answer"`
			GuidanceType string `json:"guidance_type"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.QuestionID == "" {
			return nil, fmt.Errorf("question_id is required")
		}
		if err := mgr.AnswerQuestion(ctx, p.QuestionID, p.Answer, p.GuidanceType); err != nil {
			if err == manager.ErrNotFound {
				return map[string]any{"success": true, "status": "not_found"}, nil
			}
			return nil, err
		}
		return map[string]any{"success": true, "status": "ok"}, nil
	}
}

// assignTaskToWaitingWorkerTool targets a freshly created Task straight at
// a Worker with an outstanding next_task_request, instead of waiting for
// the scheduler's next dispatch cycle to pick it up as a candidate. The
// task is published on the Worker's direct task subject via the normal
// DispatchTask path, not by answering the original next_task_request
// (which the Manager already acknowledged with answer "waiting" the moment
// the request arrived).
func assignTaskToWaitingWorkerTool(mgr *manager.Manager) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkerID    string `json:"worker_id"`
			Description string `json:"description"`
			Priority    string `json:"priority"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.WorkerID == "" || p.Description == "" {
			return nil, fmt.Errorf("worker_id and description are required")
		}

		waiting, err := mgr.ListNextTaskWaiting(ctx)
		if err != nil {
			return nil, err
		}
		found := false
		for _, id := range waiting {
			if id == p.WorkerID {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("worker %s has no pending next_task_request", p.WorkerID)
		}

		priority := types.TaskPriority(p.Priority)
		if priority == "" {
			priority = types.TaskPriorityNormal
		}
		t := &types.Task{
			TaskID:      manager.NewTaskID(),
			Description: p.Description,
			Priority:    priority,
		}
		if err := mgr.CreateTask(ctx, t); err != nil {
			return nil, err
		}
		if err := mgr.DispatchTask(ctx, t, p.WorkerID); err != nil {
			return nil, err
		}
		if err := mgr.ClearNextTaskWaiting(ctx, p.WorkerID); err != nil {
			mgr.Logger().Warn().Err(err).Str("worker_id", p.WorkerID).Msg("failed to clear next task wait")
		}
		return map[string]any{"success": true, "task_id": t.TaskID, "worker_id": p.WorkerID}, nil
	}
}

func approveSessionEndTool(mgr *manager.Manager) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			WorkerID          string `json:"worker_id"`
			Approved          bool   `json:"approved"`
			Reason            string `json:"reason"`
			FinalInstructions string `json:"final_instructions"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if p.WorkerID == "" {
			return nil, fmt.Errorf("worker_id is required")
		}
		reason := p.Reason
		if p.FinalInstructions != "" {
			reason = fmt.Sprintf("%s | final_instructions: %s", reason, p.FinalInstructions)
		}
		if err := mgr.ApproveSessionEnd(ctx, p.WorkerID, p.Approved, reason); err != nil {
			if err == manager.ErrNotFound {
				return map[string]any{"success": true, "status": "not_found"}, nil
			}
			return nil, err
		}
		return map[string]any{"success": true, "status": "ok"}, nil
	}
}

func getWorkerAnalyticsTool(mgr *manager.Manager) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			TimeRange string `json:"time_range"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}

		window := 24 * time.Hour
		if p.TimeRange != "" {
			if d, err := time.ParseDuration(p.TimeRange); err == nil {
				window = d
			}
		}
		cutoff := time.Now().UTC().Add(-window)

		completed, err := mgr.ListTasks(ctx, types.TaskStateCompleted, 0)
		if err != nil {
			return nil, err
		}
		failed, err := mgr.ListTasks(ctx, types.TaskStateFailed, 0)
		if err != nil {
			return nil, err
		}

		var totals types.TaskAnalytics
		completedCount := 0
		for _, t := range completed {
			if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				continue
			}
			totals.ToolCalls += t.Analytics.ToolCalls
			totals.PagesVisited += t.Analytics.PagesVisited
			totals.Screenshots += t.Analytics.Screenshots
			totals.NetworkRequests += t.Analytics.NetworkRequests
			totals.ErrorsObserved += t.Analytics.ErrorsObserved
			completedCount++
		}
		failedCount := 0
		for _, t := range failed {
			if t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
				continue
			}
			failedCount++
		}

		workers, err := mgr.ListWorkers(ctx, "")
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"success":         true,
			"time_range":      p.TimeRange,
			"worker_count":    len(workers),
			"tasks_completed": completedCount,
			"tasks_failed":    failedCount,
			"analytics":       totals,
		}, nil
	}
}

func spawnWorkerContainerTool(spawner ContainerSpawner) ToolFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Tags        []string `json:"tags"`
			MaxTasks    int      `json:"max_tasks"`
			MaxMemoryMB int      `json:"max_memory_mb"`
			Name        string   `json:"name"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
		if spawner == nil {
			return nil, fmt.Errorf("container spawning is not configured")
		}

		name := p.Name
		if name == "" {
			name = "worker-" + manager.NewTaskID()[:8]
		}
		env := []string{
			"WORKER_ID=" + name,
			fmt.Sprintf("MAX_CONCURRENT_TASKS=%d", p.MaxTasks),
			fmt.Sprintf("MAX_MEMORY_MB=%d", p.MaxMemoryMB),
			"WORKER_TAGS=" + strings.Join(p.Tags, ","),
		}

		containerID, err := spawner.Spawn(ctx, "", env)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"success":      true,
			"container_id": containerID,
			"name":         name,
			"registered":   false,
		}, nil
	}
}
