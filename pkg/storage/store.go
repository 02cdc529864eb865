package storage

import (
	"context"

	"github.com/cuemby/warren-tasks/pkg/types"
)

// Store defines the durable relational store of record: workers, tasks,
// task_progress, events, questions and sessions. Reads may be served
// under load; writes must be durable before the caller's acknowledgement
// per the bus/store contract.
type Store interface {
	// Workers
	UpsertWorker(ctx context.Context, w *types.Worker) error
	GetWorker(ctx context.Context, workerID string) (*types.Worker, error)
	ListWorkers(ctx context.Context, statusFilter types.WorkerStatus) ([]*types.Worker, error)

	// Tasks
	CreateTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	UpdateTask(ctx context.Context, t *types.Task) error
	// ListTasks returns tasks filtered by status (empty = all), newest first,
	// bounded by limit (0 = unbounded).
	ListTasks(ctx context.Context, status types.TaskState, limit int) ([]*types.Task, error)
	ListTasksByWorker(ctx context.Context, workerID string) ([]*types.Task, error)
	// ReassignTask compare-and-sets fromWorker -> toWorker only if the
	// row's current assigned_worker still equals fromWorker, implementing
	// the reconciler's single-writer-after-assignment invariant.
	ReassignTask(ctx context.Context, taskID, fromWorker, toWorker string) (bool, error)

	// Task progress (append-only)
	AppendProgress(ctx context.Context, p *types.ProgressRecord) error
	ListProgress(ctx context.Context, taskID string) ([]*types.ProgressRecord, error)

	// Events (append-only)
	AppendEvent(ctx context.Context, e *types.Event) error
	ListEventsByWorker(ctx context.Context, workerID string, limit int) ([]*types.Event, error)

	// Questions (Pending RPC durable record)
	CreateQuestion(ctx context.Context, q *types.PendingRPC) error
	AnswerQuestion(ctx context.Context, questionID, answer, answeredBy string) error
	ListQuestions(ctx context.Context, unansweredOnly bool) ([]*types.PendingRPC, error)

	// Sessions
	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	CloseSession(ctx context.Context, sessionID string) error

	// Close releases underlying connections.
	Close() error
}
