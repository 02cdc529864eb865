package types

import "time"

// WorkerStatus represents the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerStatusInitializing WorkerStatus = "initializing"
	WorkerStatusIdle         WorkerStatus = "idle"
	WorkerStatusBusy         WorkerStatus = "busy"
	WorkerStatusOffline      WorkerStatus = "offline"
	WorkerStatusUnresponsive WorkerStatus = "unresponsive"
)

// Capabilities declares what a Worker can accept.
type Capabilities struct {
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	MaxMemoryMB        int      `json:"max_memory_mb"`
	FeatureTags        []string `json:"feature_tags"`
}

// SystemInfo is a point-in-time snapshot of host resource usage.
type SystemInfo struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    int     `json:"memory_mb"`
	MemoryTotal int     `json:"memory_total_mb"`
	OS          string  `json:"os"`
	Arch        string  `json:"arch"`
}

// Worker is the registry's authoritative record of a remote worker process.
type Worker struct {
	WorkerID       string            `json:"worker_id"`
	Hostname       string            `json:"hostname"`
	Tags           []string          `json:"tags"`
	Capabilities   Capabilities      `json:"capabilities"`
	SystemInfo     SystemInfo        `json:"system_info"`
	Status         WorkerStatus      `json:"status"`
	CurrentLoad    int               `json:"current_load"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	UnresponsiveAt time.Time         `json:"unresponsive_at,omitempty"`
	Metadata       map[string]string `json:"metadata"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// HasTags reports whether the Worker carries every tag in required.
func (w *Worker) HasTags(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(w.Tags))
	for _, t := range w.Tags {
		have[t] = true
	}
	for _, t := range required {
		if !have[t] {
			return false
		}
	}
	return true
}

// Available reports whether the Worker can accept one more task.
func (w *Worker) Available() bool {
	return w.Status == WorkerStatusIdle && w.CurrentLoad < w.Capabilities.MaxConcurrentTasks
}

// TaskPriority orders pending tasks within the scheduler's queue.
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityNormal TaskPriority = "normal"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityUrgent TaskPriority = "urgent"
)

// priorityRank orders TaskPriority values for queue comparisons; higher is dispatched first.
var priorityRank = map[TaskPriority]int{
	TaskPriorityUrgent: 3,
	TaskPriorityHigh:   2,
	TaskPriorityNormal: 1,
	TaskPriorityLow:    0,
}

// Rank returns a comparable ordinal for priority, urgent highest.
func (p TaskPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[TaskPriorityNormal]
}

// TaskState is the lifecycle state of a Task. Terminal states never transition further.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateAssigned  TaskState = "assigned"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateRejected  TaskState = "rejected"
	TaskStateTimeout   TaskState = "timeout"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateRejected, TaskStateTimeout:
		return true
	default:
		return false
	}
}

// TaskAnalytics aggregates counters accumulated from progress records.
type TaskAnalytics struct {
	ToolCalls       int `json:"tool_calls"`
	PagesVisited    int `json:"pages_visited"`
	Screenshots     int `json:"screenshots"`
	NetworkRequests int `json:"network_requests"`
	ErrorsObserved  int `json:"errors_observed"`
}

// Task is a single unit of work dispatched to exactly one Worker.
type Task struct {
	TaskID         string        `json:"task_id"`
	Description    string        `json:"description"`
	Priority       TaskPriority  `json:"priority"`
	AssignedWorker string        `json:"assigned_worker,omitempty"`
	SessionID      string        `json:"session_id,omitempty"`
	Status         TaskState     `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	TimeoutMS      int           `json:"timeout_ms"`
	RetryCount     int           `json:"retry_count"`
	RetryLimit     int           `json:"retry_limit"`
	ResultBlob     string        `json:"result_blob,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Analytics      TaskAnalytics `json:"analytics"`
	Broadcast      bool          `json:"broadcast"`
}

// ExecutionTimeMS returns the elapsed run time once both endpoints are set.
func (t *Task) ExecutionTimeMS() int64 {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt).Milliseconds()
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "open"
	SessionStatusClosed SessionStatus = "closed"
)

// Session groups a sequence of Tasks under one long-lived Worker run.
type Session struct {
	SessionID      string        `json:"session_id"`
	WorkerID       string        `json:"worker_id"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
	TasksCompleted int           `json:"tasks_completed"`
	Status         SessionStatus `json:"status"`
}

// PendingRPCKind distinguishes the three symmetric interactive-RPC flows.
type PendingRPCKind string

const (
	PendingRPCQuestion          PendingRPCKind = "question"
	PendingRPCNextTaskRequest   PendingRPCKind = "next_task_request"
	PendingRPCSessionEndRequest PendingRPCKind = "session_end_request"
)

// PendingRPC is a transient Worker-initiated request awaiting resolution.
// Exactly one of answer/assignment/approval/timeout ever resolves it.
type PendingRPC struct {
	QuestionID   string            `json:"question_id"`
	Kind         PendingRPCKind    `json:"kind"`
	WorkerID     string            `json:"worker_id"`
	SessionID    string            `json:"session_id,omitempty"`
	Question     string            `json:"question,omitempty"`
	QuestionType string            `json:"question_type,omitempty"`
	Context      map[string]string `json:"context,omitempty"`
	ReplyHandle  string            `json:"reply_handle"`
	ReceivedAt   time.Time         `json:"received_at"`

	// Durable resolution fields, populated once the durable questions row is answered.
	Answer     string     `json:"answer,omitempty"`
	AnsweredBy string     `json:"answered_by,omitempty"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// ProgressMetrics carries the per-task observability counters streamed by a Worker.
type ProgressMetrics struct {
	MemoryMB        int `json:"memory_mb"`
	CPUPercent      int `json:"cpu_percent"`
	ToolCalls       int `json:"tool_calls"`
	PagesVisited    int `json:"pages_visited"`
	Screenshots     int `json:"screenshots"`
	NetworkRequests int `json:"network_requests"`
}

// ProgressRecord is one entry of a Task's append-only progress stream.
type ProgressRecord struct {
	TaskID          string          `json:"task_id"`
	WorkerID        string          `json:"worker_id"`
	Status          TaskState       `json:"status"`
	PercentComplete int             `json:"percent_complete"`
	Phase           string          `json:"phase"`
	Metrics         ProgressMetrics `json:"metrics"`
	Timestamp       time.Time       `json:"timestamp"`
}

// EventType names the kind of audited occurrence.
type EventType string

const (
	EventTaskAssigned  EventType = "task_assigned"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskRejected  EventType = "task_rejected"
	EventStatusChange  EventType = "status_change"
	EventWorkerLost    EventType = "worker_lost"
)

// Event is an append-only, Worker-scoped audit record.
type Event struct {
	ID        int64             `json:"id,omitempty"`
	WorkerID  string            `json:"worker_id"`
	TaskID    string            `json:"task_id,omitempty"`
	EventType EventType         `json:"event_type"`
	EventData map[string]string `json:"event_data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
