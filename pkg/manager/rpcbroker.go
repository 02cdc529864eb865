package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/log"
	"github.com/cuemby/warren-tasks/pkg/metrics"
	"github.com/cuemby/warren-tasks/pkg/storage"
	"github.com/cuemby/warren-tasks/pkg/types"
)

// rpcReply is the envelope sent back on a Pending RPC's reply_handle.
type rpcReply struct {
	Answer       string `json:"answer"`
	GuidanceType string `json:"guidance_type,omitempty"`
	AnsweredBy   string `json:"answered_by"`
	Approved     bool   `json:"approved,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// rpcBroker is the single mutex-guarded, bounded map of in-flight Pending
// RPC reply handles. Every registered request is resolved exactly once,
// by operator action, by timeout, or by shutdown.
type rpcBroker struct {
	bus   bus.Bus
	store storage.Store

	questionDeadline time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry

	logger zerolog.Logger
}

type pendingEntry struct {
	rpc    types.PendingRPC
	timer  *time.Timer
	cancel context.CancelFunc
}

const maxPendingRPCs = 10_000

func newRPCBroker(b bus.Bus, s storage.Store, questionDeadline time.Duration) *rpcBroker {
	if questionDeadline <= 0 {
		questionDeadline = 30 * time.Second
	}
	return &rpcBroker{
		bus:              b,
		store:            s,
		questionDeadline: questionDeadline,
		pending:          make(map[string]*pendingEntry),
		logger:           log.WithComponent("rpcbroker"),
	}
}

// register stores a Pending RPC, persists it durably (for questions), arms
// a timeout timer, and exposes it to the operator surface.
func (b *rpcBroker) register(ctx context.Context, q *types.PendingRPC) error {
	if q.ReceivedAt.IsZero() {
		q.ReceivedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if len(b.pending) >= maxPendingRPCs {
		b.mu.Unlock()
		return fmt.Errorf("pending RPC table full (%d entries)", maxPendingRPCs)
	}
	entry := &pendingEntry{rpc: *q}
	b.pending[q.QuestionID] = entry
	b.mu.Unlock()

	if q.Kind == types.PendingRPCQuestion && b.store != nil {
		if err := b.store.CreateQuestion(ctx, q); err != nil {
			b.logger.Warn().Err(err).Str("question_id", q.QuestionID).Msg("failed to persist question")
		}
	}

	fireAt := b.questionDeadline - time.Second
	if fireAt <= 0 {
		fireAt = b.questionDeadline
	}
	timer := time.AfterFunc(fireAt, func() {
		b.timeout(q.QuestionID)
	})

	b.mu.Lock()
	if e, ok := b.pending[q.QuestionID]; ok {
		e.timer = timer
	} else {
		timer.Stop()
	}
	b.mu.Unlock()

	metrics.PendingQuestionsTotal.Inc()
	return nil
}

// resolve answers a pending question by operator action. A stale reply_handle (already resolved) is a documented no-op.
func (b *rpcBroker) resolve(ctx context.Context, questionID, answer, answeredBy, guidanceType string) error {
	entry, ok := b.take(questionID)
	if !ok {
		return ErrNotFound
	}

	reply := rpcReply{Answer: answer, GuidanceType: guidanceType, AnsweredBy: answeredBy}
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal rpc reply: %w", err)
	}
	if err := b.bus.Reply(ctx, entry.rpc.ReplyHandle, payload); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	if b.store != nil {
		if err := b.store.AnswerQuestion(ctx, questionID, answer, answeredBy); err != nil {
			b.logger.Warn().Err(err).Str("question_id", questionID).Msg("failed to persist answer")
		}
	}

	metrics.PendingRPCResolved.WithLabelValues(string(entry.rpc.Kind), "answered").Inc()
	metrics.PendingQuestionsTotal.Dec()
	return nil
}

// resolveSessionEnd answers a session_end_request by operator approval.
func (b *rpcBroker) resolveSessionEnd(ctx context.Context, workerID string, approved bool, reason string) error {
	entry, ok := b.take(workerID)
	if !ok {
		return ErrNotFound
	}

	reply := rpcReply{Approved: approved, Reason: reason, AnsweredBy: "manager"}
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal rpc reply: %w", err)
	}
	if err := b.bus.Reply(ctx, entry.rpc.ReplyHandle, payload); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	metrics.PendingRPCResolved.WithLabelValues(string(entry.rpc.Kind), "approved").Inc()
	return nil
}

// timeout delivers a synthesized reply when the operator deadline lapses.
func (b *rpcBroker) timeout(questionID string) {
	entry, ok := b.take(questionID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply := rpcReply{Answer: "no response received in time", GuidanceType: "timeout", AnsweredBy: "system"}
	payload, _ := json.Marshal(reply)
	if err := b.bus.Reply(ctx, entry.rpc.ReplyHandle, payload); err != nil {
		b.logger.Warn().Err(err).Str("question_id", questionID).Msg("failed to deliver timeout reply")
	}

	if b.store != nil && entry.rpc.Kind == types.PendingRPCQuestion {
		if err := b.store.AnswerQuestion(ctx, questionID, reply.Answer, "system"); err != nil {
			b.logger.Warn().Err(err).Str("question_id", questionID).Msg("failed to persist timeout answer")
		}
	}

	metrics.PendingRPCResolved.WithLabelValues(string(entry.rpc.Kind), "timeout").Inc()
	metrics.PendingQuestionsTotal.Dec()
}

// shutdown resolves every outstanding handle with a synthesized shutdown
// reply.
func (b *rpcBroker) shutdown() {
	b.mu.Lock()
	entries := make([]*pendingEntry, 0, len(b.pending))
	for id, e := range b.pending {
		entries = append(entries, e)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply := rpcReply{Answer: "manager is shutting down", GuidanceType: "shutdown", AnsweredBy: "system"}
	payload, _ := json.Marshal(reply)
	for _, e := range entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		if err := b.bus.Reply(ctx, e.rpc.ReplyHandle, payload); err != nil {
			b.logger.Warn().Err(err).Str("question_id", e.rpc.QuestionID).Msg("failed to deliver shutdown reply")
		}
		metrics.PendingRPCResolved.WithLabelValues(string(e.rpc.Kind), "shutdown").Inc()
	}
}

func (b *rpcBroker) take(questionID string) (*pendingEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.pending[questionID]
	if !ok {
		return nil, false
	}
	delete(b.pending, questionID)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e, true
}

// list returns a snapshot of every pending RPC, for the operator surface.
func (b *rpcBroker) list() []*types.PendingRPC {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*types.PendingRPC, 0, len(b.pending))
	for _, e := range b.pending {
		rpc := e.rpc
		out = append(out, &rpc)
	}
	return out
}
