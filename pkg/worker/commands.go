package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cuemby/warren-tasks/pkg/bus"
)

// Command is the control message shape accepted on worker.command.<id>:
// {pause, resume, stop, update_config, clear_queue, status}.
type Command struct {
	Action string            `json:"action"`
	Config map[string]string `json:"config,omitempty"`
}

func (w *Worker) handleCommand(ctx context.Context, msg bus.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		w.logger.Warn().Err(err).Msg("dropping malformed command")
		return
	}

	switch cmd.Action {
	case "pause":
		w.mu.Lock()
		w.paused = true
		w.mu.Unlock()
		w.logger.Info().Msg("worker paused, capacity set to zero")

	case "resume":
		w.mu.Lock()
		w.paused = false
		w.mu.Unlock()
		w.logger.Info().Msg("worker resumed")

	case "stop":
		w.logger.Info().Msg("stop command received, beginning graceful shutdown")
		go func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownDeadline+5*time.Second)
			defer cancel()
			_ = w.Stop(stopCtx)
		}()

	case "update_config":
		w.applyConfigUpdate(cmd.Config)

	case "clear_queue":
		w.mu.Lock()
		cleared := len(w.activeTasks)
		for id, inst := range w.activeTasks {
			if inst.cancel != nil {
				inst.cancel()
			}
			delete(w.activeTasks, id)
		}
		w.mu.Unlock()
		w.logger.Info().Int("cleared", cleared).Msg("cleared active task queue")

	case "status":
		w.reportStatus(ctx, msg.ReplyHandle)

	default:
		w.logger.Warn().Str("action", cmd.Action).Msg("unknown command action")
	}
}

func (w *Worker) applyConfigUpdate(cfg map[string]string) {
	if v, ok := cfg["max_concurrent_tasks"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			w.mu.Lock()
			w.cfg.MaxConcurrentTasks = n
			w.mu.Unlock()
		}
	}
}

func (w *Worker) reportStatus(ctx context.Context, replyHandle string) {
	if replyHandle == "" {
		return
	}
	w.mu.Lock()
	load := len(w.activeTasks)
	paused := w.paused
	w.mu.Unlock()

	status := struct {
		WorkerID string `json:"worker_id"`
		Load     int    `json:"current_load"`
		Paused   bool   `json:"paused"`
	}{WorkerID: w.cfg.WorkerID, Load: load, Paused: paused}

	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := w.bus.Reply(ctx, replyHandle, payload); err != nil {
		w.logger.Warn().Err(err).Msg("failed to reply to status command")
	}
}
