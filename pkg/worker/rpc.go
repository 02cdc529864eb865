package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/warren-tasks/pkg/bus"
)

// questionRequest is the payload published on manager.question,
// manager.next_task and manager.end_session — the Worker's half of every
// interactive Pending RPC the Manager resolves.
type questionRequest struct {
	WorkerID     string            `json:"worker_id"`
	SessionID    string            `json:"session_id,omitempty"`
	Question     string            `json:"question,omitempty"`
	QuestionType string            `json:"question_type,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// rpcReply mirrors the manager's reply envelope for a resolved Pending RPC.
type rpcReply struct {
	Answer       string `json:"answer"`
	GuidanceType string `json:"guidance_type,omitempty"`
	AnsweredBy   string `json:"answered_by"`
	Approved     bool   `json:"approved,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

const rpcRequestTimeout = 30 * time.Second

const (
	questionMarkerPrefix   = "question:"
	sessionEndMarkerPrefix = "session_end:"
)

// parseMarkerLine strips a recognized stdout prefix and trims the rest.
func parseMarkerLine(line, prefix string) string {
	return strings.TrimSpace(line[len(prefix):])
}

// handleQuestionMarker parses a "question:<type>:<text>" stdout line and
// asks the Manager on the agent's behalf, blocking until answered — the
// agent itself is blocked reading stdin for the same reply, so there is
// nothing else to scan from this task until askQuestion returns.
func (w *Worker) handleQuestionMarker(ctx context.Context, inst *TaskInstance, line string) {
	rest := parseMarkerLine(line, questionMarkerPrefix)
	questionType := "clarification"
	question := rest
	if idx := strings.Index(rest, ":"); idx >= 0 {
		questionType = strings.TrimSpace(rest[:idx])
		question = strings.TrimSpace(rest[idx+1:])
	}
	w.askQuestion(ctx, inst, questionType, question)
}

// askQuestion publishes a question on manager.question.<worker_id> and
// writes the operator's (or timeout's) answer back to the agent's stdin.
func (w *Worker) askQuestion(ctx context.Context, inst *TaskInstance, questionType, question string) {
	req := questionRequest{
		WorkerID:     w.cfg.WorkerID,
		SessionID:    inst.Task.SessionID,
		Question:     question,
		QuestionType: questionType,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}

	w.logger.Info().Str("task_id", inst.Task.TaskID).Str("question", question).Msg("agent asked a question")
	resp, err := w.bus.Request(ctx, bus.ManagerQuestion(w.cfg.WorkerID), payload, rpcRequestTimeout)
	if err != nil {
		w.logger.Warn().Err(err).Str("task_id", inst.Task.TaskID).Msg("question request failed")
		return
	}

	var reply rpcReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		w.logger.Warn().Err(err).Str("task_id", inst.Task.TaskID).Msg("malformed question reply")
		return
	}
	w.writeToAgent(inst, reply.Answer)
}

// requestSessionEnd asks the operator whether this session may end. The
// agent keeps running regardless of the answer; approval only governs
// whether the Manager closes the session row.
func (w *Worker) requestSessionEnd(ctx context.Context, inst *TaskInstance, reason string) {
	req := questionRequest{WorkerID: w.cfg.WorkerID, SessionID: inst.Task.SessionID, Question: reason}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}

	resp, err := w.bus.Request(ctx, bus.ManagerEndSession(w.cfg.WorkerID), payload, rpcRequestTimeout)
	if err != nil {
		w.logger.Warn().Err(err).Str("task_id", inst.Task.TaskID).Msg("session end request failed")
		return
	}

	var reply rpcReply
	if err := json.Unmarshal(resp, &reply); err != nil {
		w.logger.Warn().Err(err).Str("task_id", inst.Task.TaskID).Msg("malformed session end reply")
		return
	}
	w.logger.Info().Bool("approved", reply.Approved).Str("task_id", inst.Task.TaskID).Msg("session end request resolved")
}

// requestNextTask asks the Manager for fresh work once this Worker has
// gone idle. The Manager acknowledges with answer "waiting" immediately, so
// this never blocks for the length of an actual dispatch; the assignment
// itself, if one comes, arrives later on worker.task.<worker_id>.
func (w *Worker) requestNextTask(ctx context.Context) {
	req := questionRequest{WorkerID: w.cfg.WorkerID}
	payload, err := json.Marshal(req)
	if err != nil {
		return
	}
	resp, err := w.bus.Request(ctx, bus.ManagerNextTask(w.cfg.WorkerID), payload, 5*time.Second)
	if err != nil {
		w.logger.Warn().Err(err).Msg("next task request failed")
		return
	}
	var reply rpcReply
	if err := json.Unmarshal(resp, &reply); err == nil {
		w.logger.Debug().Str("status", reply.Answer).Msg("next task request acknowledged")
	}
}

// writeToAgent feeds an answer back into the agent's stdin so a task
// blocked on askQuestion can resume.
func (w *Worker) writeToAgent(inst *TaskInstance, answer string) {
	w.mu.Lock()
	stdin := inst.stdin
	w.mu.Unlock()
	if stdin == nil {
		return
	}
	if _, err := fmt.Fprintln(stdin, answer); err != nil {
		w.logger.Warn().Err(err).Str("task_id", inst.Task.TaskID).Msg("failed to write answer to agent stdin")
	}
}
