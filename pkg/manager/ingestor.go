package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/events"
	"github.com/cuemby/warren-tasks/pkg/log"
	"github.com/cuemby/warren-tasks/pkg/metrics"
	"github.com/cuemby/warren-tasks/pkg/types"
)

// taskRejectionMessage is the payload a Worker publishes on TaskRejected.
type taskRejectionMessage struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

// taskCompletionMessage is the payload a Worker publishes on TaskCompletion.
type taskCompletionMessage struct {
	TaskID       string              `json:"task_id"`
	WorkerID     string              `json:"worker_id"`
	Success      bool                `json:"success"`
	ResultBlob   string              `json:"result_blob,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Analytics    types.TaskAnalytics `json:"analytics"`
}

// heartbeatMessage is the payload a Worker publishes on WorkerHeartbeat.
type heartbeatMessage struct {
	WorkerID   string            `json:"worker_id"`
	Load       int               `json:"current_load"`
	SystemInfo types.SystemInfo  `json:"system_info"`
}

// questionMessage is the payload underlying every manager.question,
// manager.next_task and manager.end_session request-reply call.
type questionMessage struct {
	WorkerID     string            `json:"worker_id"`
	SessionID    string            `json:"session_id,omitempty"`
	Question     string            `json:"question,omitempty"`
	QuestionType string            `json:"question_type,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
}

// Ingestor subscribes to every worker-originated bus subject and projects
// incoming messages into the cache and durable store. It also intakes the
// three interactive-RPC request-reply flows on behalf of the rpcBroker,
// since both need the same Subscribe-and-route plumbing.
type Ingestor struct {
	mgr    *Manager
	broker *events.Broker
	logger zerolog.Logger

	subs []bus.Subscription
}

// NewIngestor creates an Ingestor bound to mgr. Call Start to subscribe.
func NewIngestor(mgr *Manager) *Ingestor {
	return &Ingestor{
		mgr:    mgr,
		broker: events.NewBroker(),
		logger: log.WithComponent("ingestor"),
	}
}

// Broker exposes the progress fan-out backbone for monitor_task_realtime.
func (i *Ingestor) Broker() *events.Broker { return i.broker }

// Start subscribes to every inbound subject. It is not safe to call twice.
func (i *Ingestor) Start(ctx context.Context) error {
	i.broker.Start()

	subscriptions := []struct {
		subject string
		handler bus.Handler
	}{
		{bus.WorkerRegister(), i.handleRegister},
		{bus.WorkerHeartbeat(), i.handleHeartbeat},
		{bus.TaskProgressWildcard(), i.handleProgress},
		{bus.TaskRejectedWildcard(), i.handleRejection},
		{bus.TaskEventWildcard(), i.handleEvent},
		{bus.TaskCompletion(), i.handleCompletion},
		{bus.WorkerProgressRealtimeWildcard(), i.handleRealtimeStream},
		{bus.ManagerQuestionWildcard(), i.handleQuestion(types.PendingRPCQuestion)},
		{bus.ManagerNextTaskWildcard(), i.handleQuestion(types.PendingRPCNextTaskRequest)},
		{bus.ManagerEndSessionWildcard(), i.handleQuestion(types.PendingRPCSessionEndRequest)},
	}

	for _, s := range subscriptions {
		sub, err := i.mgr.Bus().Subscribe(ctx, s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		i.subs = append(i.subs, sub)
	}
	return nil
}

// Stop tears down every subscription and the progress broker.
func (i *Ingestor) Stop() {
	for _, sub := range i.subs {
		if err := sub.Unsubscribe(); err != nil {
			i.logger.Warn().Err(err).Msg("failed to unsubscribe")
		}
	}
	i.broker.Stop()
}

func (i *Ingestor) malformed(subject string, err error) {
	metrics.MalformedMessagesTotal.WithLabelValues(subject).Inc()
	i.logger.Warn().Err(err).Str("subject", subject).Msg("dropping malformed message")
}

func (i *Ingestor) handleRegister(ctx context.Context, msg bus.Message) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IngestionLatency, "register")

	var w types.Worker
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		i.malformed(msg.Subject, err)
		return
	}
	if err := i.mgr.RegisterWorker(ctx, &w); err != nil {
		i.logger.Error().Err(err).Str("worker_id", w.WorkerID).Msg("failed to register worker")
	}
}

func (i *Ingestor) handleHeartbeat(ctx context.Context, msg bus.Message) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IngestionLatency, "heartbeat")

	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		i.malformed(msg.Subject, err)
		return
	}
	if err := i.mgr.Heartbeat(ctx, hb.WorkerID, hb.Load, hb.SystemInfo); err != nil {
		i.logger.Warn().Err(err).Str("worker_id", hb.WorkerID).Msg("failed to process heartbeat")
	}
}

func (i *Ingestor) handleProgress(ctx context.Context, msg bus.Message) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IngestionLatency, "progress")

	var rec types.ProgressRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		i.malformed(msg.Subject, err)
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	blob, err := json.Marshal(rec)
	if err == nil {
		key := fmt.Sprintf("task:%s:progress", rec.TaskID)
		if err := i.mgr.Cache().Set(ctx, key, string(blob), 0); err != nil {
			i.logger.Warn().Err(err).Str("task_id", rec.TaskID).Msg("failed to cache latest progress")
		}
		timelineKey := fmt.Sprintf("task:%s:timeline", rec.TaskID)
		if err := i.mgr.Cache().LPush(ctx, timelineKey, string(blob)); err == nil {
			_ = i.mgr.Cache().LTrim(ctx, timelineKey, 0, 199)
		}
	}

	i.persistOrDrop(ctx, "progress", func(ctx context.Context) error {
		return i.mgr.Store().AppendProgress(ctx, &rec)
	})

	i.broker.Publish(&rec)
}

func (i *Ingestor) handleRejection(ctx context.Context, msg bus.Message) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IngestionLatency, "rejection")

	taskID := subjectSuffix(msg.Subject, "task.rejected.")
	var rej taskRejectionMessage
	if err := json.Unmarshal(msg.Data, &rej); err != nil {
		i.malformed(msg.Subject, err)
		return
	}

	t, err := i.mgr.GetTask(ctx, taskID)
	if err != nil || t == nil {
		i.logger.Warn().Str("task_id", taskID).Msg("rejection for unknown task")
		return
	}
	t.Status = types.TaskStatePending
	t.AssignedWorker = ""
	t.ErrorMessage = rej.Reason
	if err := i.mgr.UpdateTask(ctx, t); err != nil {
		i.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to requeue rejected task")
		return
	}
	metrics.TasksRejected.WithLabelValues(rej.Reason).Inc()

	i.persistOrDrop(ctx, "rejection", func(ctx context.Context) error {
		return i.mgr.Store().AppendEvent(ctx, &types.Event{
			WorkerID:  rej.WorkerID,
			TaskID:    taskID,
			EventType: types.EventTaskRejected,
			EventData: map[string]string{"reason": rej.Reason},
			Timestamp: time.Now().UTC(),
		})
	})
}

func (i *Ingestor) handleEvent(ctx context.Context, msg bus.Message) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IngestionLatency, "event")

	var ev types.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		i.malformed(msg.Subject, err)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	i.persistOrDrop(ctx, "event", func(ctx context.Context) error {
		return i.mgr.Store().AppendEvent(ctx, &ev)
	})
}

func (i *Ingestor) handleCompletion(ctx context.Context, msg bus.Message) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IngestionLatency, "completion")

	var comp taskCompletionMessage
	if err := json.Unmarshal(msg.Data, &comp); err != nil {
		i.malformed(msg.Subject, err)
		return
	}

	t, err := i.mgr.GetTask(ctx, comp.TaskID)
	if err != nil || t == nil {
		i.logger.Warn().Str("task_id", comp.TaskID).Msg("completion for unknown task")
		return
	}

	now := time.Now().UTC()
	t.CompletedAt = &now
	t.Analytics = comp.Analytics
	if comp.Success {
		t.Status = types.TaskStateCompleted
		t.ResultBlob = comp.ResultBlob
	} else {
		t.Status = types.TaskStateFailed
		t.ErrorMessage = comp.ErrorMessage
	}
	if err := i.mgr.UpdateTask(ctx, t); err != nil {
		i.logger.Error().Err(err).Str("task_id", comp.TaskID).Msg("failed to finalize task")
		return
	}

	if err := i.mgr.SetWorkerStatus(ctx, comp.WorkerID, types.WorkerStatusIdle); err != nil {
		i.logger.Warn().Err(err).Str("worker_id", comp.WorkerID).Msg("failed to free worker after completion")
	}

	eventType := types.EventTaskCompleted
	if !comp.Success {
		eventType = types.EventTaskFailed
	}
	i.persistOrDrop(ctx, "completion", func(ctx context.Context) error {
		return i.mgr.Store().AppendEvent(ctx, &types.Event{
			WorkerID:  comp.WorkerID,
			TaskID:    comp.TaskID,
			EventType: eventType,
			Timestamp: now,
		})
	})
}

func (i *Ingestor) handleRealtimeStream(ctx context.Context, msg bus.Message) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IngestionLatency, "stream")

	var rec types.ProgressRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		i.malformed(msg.Subject, err)
		return
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return
	}
	key := fmt.Sprintf("worker:%s:stream", rec.WorkerID)
	if err := i.mgr.Cache().LPush(ctx, key, string(blob)); err == nil {
		_ = i.mgr.Cache().LTrim(ctx, key, 0, 99)
	}
	i.broker.Publish(&rec)
}

// handleQuestion returns a bus.Handler that records an inbound request-reply
// call of the given kind as a Pending RPC awaiting operator resolution. A
// next_task_request is special: it is acknowledged immediately with
// answer "waiting" (so the Worker's call never blocks on an operator), and
// tracked separately so the Scheduler can target it, rather than being
// registered as a Pending RPC awaiting an operator's answer.
func (i *Ingestor) handleQuestion(kind types.PendingRPCKind) bus.Handler {
	return func(ctx context.Context, msg bus.Message) {
		timer := metrics.NewTimer()
		defer timer.ObserveDurationVec(metrics.IngestionLatency, "rpc_intake")

		var q questionMessage
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			i.malformed(msg.Subject, err)
			return
		}

		if kind == types.PendingRPCNextTaskRequest {
			ack, err := json.Marshal(struct {
				Answer     string `json:"answer"`
				AnsweredBy string `json:"answered_by"`
			}{Answer: "waiting", AnsweredBy: "manager"})
			if err == nil {
				if err := i.mgr.Bus().Reply(ctx, msg.ReplyHandle, ack); err != nil {
					i.logger.Warn().Err(err).Str("worker_id", q.WorkerID).Msg("failed to ack next task request")
				}
			}
			if err := i.mgr.RecordNextTaskWaiting(ctx, q.WorkerID); err != nil {
				i.logger.Error().Err(err).Str("worker_id", q.WorkerID).Msg("failed to record next task wait")
			}
			return
		}

		rpc := &types.PendingRPC{
			QuestionID:   fmt.Sprintf("%s-%d", q.WorkerID, time.Now().UTC().UnixNano()),
			Kind:         kind,
			WorkerID:     q.WorkerID,
			SessionID:    q.SessionID,
			Question:     q.Question,
			QuestionType: q.QuestionType,
			Context:      q.Context,
			ReplyHandle:  msg.ReplyHandle,
			ReceivedAt:   time.Now().UTC(),
		}
		if kind == types.PendingRPCSessionEndRequest {
			rpc.QuestionID = q.WorkerID
		}
		if err := i.mgr.RecordQuestion(ctx, rpc); err != nil {
			i.logger.Error().Err(err).Str("worker_id", q.WorkerID).Msg("failed to register pending rpc")
		}
	}
}

// persistOrDrop writes through to the durable store, counting a drop
// instead of blocking the ingest loop when the store is unavailable.
func (i *Ingestor) persistOrDrop(ctx context.Context, kind string, write func(context.Context) error) {
	if i.mgr.Store() == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := write(writeCtx); err != nil {
		metrics.DurableWritesDroppedTotal.Inc()
		i.logger.Warn().Err(err).Str("kind", kind).Msg("durable write dropped")
	}
}

func subjectSuffix(subject, prefix string) string {
	if len(subject) > len(prefix) && subject[:len(prefix)] == prefix {
		return subject[len(prefix):]
	}
	return subject
}
