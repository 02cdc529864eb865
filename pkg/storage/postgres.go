package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/warren-tasks/pkg/types"
)

// PostgresStore implements Store backed by Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an already-connected pgxpool.Pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the six durable tables and their indices if absent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			status TEXT NOT NULL,
			capabilities JSONB,
			system_info JSONB,
			tags JSONB,
			current_load INTEGER NOT NULL DEFAULT 0,
			registered_at TIMESTAMPTZ NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			assigned_worker TEXT REFERENCES workers(worker_id),
			session_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			timeout_ms INTEGER,
			execution_time_ms BIGINT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_limit INTEGER NOT NULL DEFAULT 3,
			result_blob TEXT,
			error_message TEXT,
			analytics JSONB,
			broadcast BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks (assigned_worker)`,
		`CREATE TABLE IF NOT EXISTS task_progress (
			id BIGSERIAL PRIMARY KEY,
			task_id TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			status TEXT NOT NULL,
			phase TEXT,
			percent_complete INTEGER NOT NULL DEFAULT 0,
			metrics JSONB,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_progress_task ON task_progress (task_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			worker_id TEXT NOT NULL,
			task_id TEXT,
			event_type TEXT NOT NULL,
			event_data JSONB,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_worker ON events (worker_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS questions (
			question_id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			question TEXT,
			question_type TEXT,
			context JSONB,
			asked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			answer TEXT,
			answered_by TEXT,
			answered_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) UpsertWorker(ctx context.Context, w *types.Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	sysInfo, err := json.Marshal(w.SystemInfo)
	if err != nil {
		return fmt.Errorf("marshal system_info: %w", err)
	}
	tags, err := json.Marshal(w.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	meta, err := json.Marshal(w.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workers (worker_id, hostname, status, capabilities, system_info, tags,
			current_load, registered_at, last_heartbeat, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (worker_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			status = EXCLUDED.status,
			capabilities = EXCLUDED.capabilities,
			system_info = EXCLUDED.system_info,
			tags = EXCLUDED.tags,
			current_load = EXCLUDED.current_load,
			last_heartbeat = GREATEST(workers.last_heartbeat, EXCLUDED.last_heartbeat),
			metadata = EXCLUDED.metadata,
			updated_at = now()
	`, w.WorkerID, w.Hostname, string(w.Status), caps, sysInfo, tags,
		w.CurrentLoad, w.RegisteredAt, w.LastHeartbeat, meta)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT worker_id, hostname, status, capabilities, system_info, tags,
			current_load, registered_at, last_heartbeat, metadata, updated_at
		FROM workers WHERE worker_id = $1`, workerID)
	return scanWorker(row)
}

func (s *PostgresStore) ListWorkers(ctx context.Context, statusFilter types.WorkerStatus) ([]*types.Worker, error) {
	query := `SELECT worker_id, hostname, status, capabilities, system_info, tags,
		current_load, registered_at, last_heartbeat, metadata, updated_at FROM workers`
	var rows pgx.Rows
	var err error
	if statusFilter != "" {
		rows, err = s.pool.Query(ctx, query+" WHERE status = $1", string(statusFilter))
	} else {
		rows, err = s.pool.Query(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*types.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWorker(row scannable) (*types.Worker, error) {
	var w types.Worker
	var caps, sysInfo, tags, meta []byte
	if err := row.Scan(&w.WorkerID, &w.Hostname, &w.Status, &caps, &sysInfo, &tags,
		&w.CurrentLoad, &w.RegisteredAt, &w.LastHeartbeat, &meta, &w.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	_ = json.Unmarshal(caps, &w.Capabilities)
	_ = json.Unmarshal(sysInfo, &w.SystemInfo)
	_ = json.Unmarshal(tags, &w.Tags)
	_ = json.Unmarshal(meta, &w.Metadata)
	return &w, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *types.Task) error {
	analytics, err := json.Marshal(t.Analytics)
	if err != nil {
		return fmt.Errorf("marshal analytics: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (task_id, description, status, priority, assigned_worker, session_id,
			created_at, timeout_ms, retry_limit, analytics, broadcast)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10, $11)
	`, t.TaskID, t.Description, string(t.Status), string(t.Priority), t.AssignedWorker, t.SessionID,
		t.CreatedAt, t.TimeoutMS, t.RetryLimit, analytics, t.Broadcast)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, t *types.Task) error {
	analytics, err := json.Marshal(t.Analytics)
	if err != nil {
		return fmt.Errorf("marshal analytics: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE tasks SET status=$2, assigned_worker=NULLIF($3, ''), started_at=$4, completed_at=$5,
			execution_time_ms=$6, retry_count=$7, result_blob=$8, error_message=$9, analytics=$10,
			updated_at=now()
		WHERE task_id = $1
	`, t.TaskID, string(t.Status), t.AssignedWorker, t.StartedAt, t.CompletedAt,
		t.ExecutionTimeMS(), t.RetryCount, t.ResultBlob, t.ErrorMessage, analytics)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	row := s.pool.QueryRow(ctx, taskSelect+` WHERE task_id = $1`, taskID)
	return scanTask(row)
}

const taskSelect = `SELECT task_id, description, status, priority, COALESCE(assigned_worker, ''),
	COALESCE(session_id, ''), created_at, started_at, completed_at, timeout_ms, retry_count,
	retry_limit, COALESCE(result_blob, ''), COALESCE(error_message, ''), analytics, broadcast
	FROM tasks`

func scanTask(row scannable) (*types.Task, error) {
	var t types.Task
	var analytics []byte
	if err := row.Scan(&t.TaskID, &t.Description, &t.Status, &t.Priority, &t.AssignedWorker,
		&t.SessionID, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.TimeoutMS, &t.RetryCount,
		&t.RetryLimit, &t.ResultBlob, &t.ErrorMessage, &analytics, &t.Broadcast); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	_ = json.Unmarshal(analytics, &t.Analytics)
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, status types.TaskState, limit int) ([]*types.Task, error) {
	query := taskSelect
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTasksByWorker(ctx context.Context, workerID string) ([]*types.Task, error) {
	rows, err := s.pool.Query(ctx, taskSelect+` WHERE assigned_worker = $1 ORDER BY created_at DESC`, workerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by worker: %w", err)
	}
	defer rows.Close()
	var out []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReassignTask performs a compare-and-set on assigned_worker, the single
// writer-after-assignment exception the reconciler is granted.
func (s *PostgresStore) ReassignTask(ctx context.Context, taskID, fromWorker, toWorker string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET assigned_worker = $3, status = 'assigned', retry_count = retry_count + 1, updated_at = now()
		WHERE task_id = $1 AND assigned_worker = $2
	`, taskID, fromWorker, toWorker)
	if err != nil {
		return false, fmt.Errorf("reassign task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) AppendProgress(ctx context.Context, p *types.ProgressRecord) error {
	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO task_progress (task_id, worker_id, status, phase, percent_complete, metrics, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.TaskID, p.WorkerID, string(p.Status), p.Phase, p.PercentComplete, metrics, p.Timestamp)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProgress(ctx context.Context, taskID string) ([]*types.ProgressRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, worker_id, status, COALESCE(phase, ''), percent_complete, metrics, timestamp
		FROM task_progress WHERE task_id = $1 ORDER BY timestamp ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	var out []*types.ProgressRecord
	for rows.Next() {
		var p types.ProgressRecord
		var metrics []byte
		if err := rows.Scan(&p.TaskID, &p.WorkerID, &p.Status, &p.Phase, &p.PercentComplete, &metrics, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		_ = json.Unmarshal(metrics, &p.Metrics)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *types.Event) error {
	data, err := json.Marshal(e.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (worker_id, task_id, event_type, event_data, timestamp)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)
	`, e.WorkerID, e.TaskID, string(e.EventType), data, e.Timestamp)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEventsByWorker(ctx context.Context, workerID string, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, worker_id, COALESCE(task_id, ''), event_type, event_data, timestamp
		FROM events WHERE worker_id = $1 ORDER BY timestamp DESC LIMIT $2
	`, workerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		var e types.Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.WorkerID, &e.TaskID, &e.EventType, &data, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		_ = json.Unmarshal(data, &e.EventData)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateQuestion(ctx context.Context, q *types.PendingRPC) error {
	ctxData, err := json.Marshal(q.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO questions (question_id, worker_id, question, question_type, context, asked_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (question_id) DO NOTHING
	`, q.QuestionID, q.WorkerID, q.Question, q.QuestionType, ctxData, q.ReceivedAt)
	if err != nil {
		return fmt.Errorf("create question: %w", err)
	}
	return nil
}

func (s *PostgresStore) AnswerQuestion(ctx context.Context, questionID, answer, answeredBy string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE questions SET answer = $2, answered_by = $3, answered_at = now()
		WHERE question_id = $1 AND answered_at IS NULL
	`, questionID, answer, answeredBy)
	if err != nil {
		return fmt.Errorf("answer question: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListQuestions(ctx context.Context, unansweredOnly bool) ([]*types.PendingRPC, error) {
	query := `SELECT question_id, worker_id, COALESCE(question, ''), COALESCE(question_type, ''),
		context, asked_at, COALESCE(answer, ''), COALESCE(answered_by, ''), answered_at FROM questions`
	if unansweredOnly {
		query += ` WHERE answered_at IS NULL`
	}
	query += ` ORDER BY asked_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var out []*types.PendingRPC
	for rows.Next() {
		var q types.PendingRPC
		var ctxData []byte
		if err := rows.Scan(&q.QuestionID, &q.WorkerID, &q.Question, &q.QuestionType, &ctxData,
			&q.ReceivedAt, &q.Answer, &q.AnsweredBy, &q.AnsweredAt); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		_ = json.Unmarshal(ctxData, &q.Context)
		q.Kind = types.PendingRPCQuestion
		out = append(out, &q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *types.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, worker_id, started_at, status)
		VALUES ($1, $2, $3, $4)
	`, sess.SessionID, sess.WorkerID, sess.StartedAt, string(sess.Status))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, worker_id, started_at, ended_at, tasks_completed, status
		FROM sessions WHERE session_id = $1
	`, sessionID)
	var sess types.Session
	if err := row.Scan(&sess.SessionID, &sess.WorkerID, &sess.StartedAt, &sess.EndedAt,
		&sess.TasksCompleted, &sess.Status); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET ended_at = $2, status = $3 WHERE session_id = $1
	`, sessionID, now, string(types.SessionStatusClosed))
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
