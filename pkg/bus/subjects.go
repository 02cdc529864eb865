package bus

import "fmt"

// Centralized subject construction. Every bus subject used anywhere in the
// system is built through one of these functions so a typo in a literal
// string can never silently desynchronize a publisher from its subscriber.

// WorkerRegister is the subject workers publish registration records on.
func WorkerRegister() string { return "remote.worker.register" }

// WorkerHeartbeat is the subject workers publish heartbeat records on.
func WorkerHeartbeat() string { return "remote.worker.heartbeat" }

// WorkerTask is the subject the manager dispatches a task assignment to workerID on.
func WorkerTask(workerID string) string { return fmt.Sprintf("worker.task.%s", workerID) }

// TaskRejected is the subject workers publish rejection reasons for taskID on.
func TaskRejected(taskID string) string { return fmt.Sprintf("task.rejected.%s", taskID) }

// TaskRejectedWildcard matches TaskRejected for any taskID.
func TaskRejectedWildcard() string { return "task.rejected.*" }

// TaskProgress is the subject workers publish progress records for taskID on.
func TaskProgress(taskID string) string { return fmt.Sprintf("task.progress.%s", taskID) }

// TaskProgressWildcard matches TaskProgress for any taskID.
func TaskProgressWildcard() string { return "task.progress.*" }

// WorkerProgressRealtime is the subject workers stream analytics for workerID on.
func WorkerProgressRealtime(workerID string) string {
	return fmt.Sprintf("worker.progress.realtime.%s", workerID)
}

// WorkerProgressRealtimeWildcard matches WorkerProgressRealtime for any workerID.
func WorkerProgressRealtimeWildcard() string { return "worker.progress.realtime.*" }

// TaskCompletion is the subject workers publish completion records on.
func TaskCompletion() string { return "task.completion" }

// TaskEvent is the subject workers publish an audit event of eventType on.
func TaskEvent(eventType string) string { return fmt.Sprintf("task.event.%s", eventType) }

// TaskEventWildcard matches TaskEvent for any eventType.
func TaskEventWildcard() string { return "task.event.*" }

// ManagerQuestion is the subject workerID sends questions to the manager on (request-reply).
func ManagerQuestion(workerID string) string { return fmt.Sprintf("manager.question.%s", workerID) }

// ManagerQuestionWildcard matches ManagerQuestion for any workerID.
func ManagerQuestionWildcard() string { return "manager.question.*" }

// ManagerNextTask is the subject workerID requests its next task on (request-reply).
func ManagerNextTask(workerID string) string { return fmt.Sprintf("manager.next_task.%s", workerID) }

// ManagerNextTaskWildcard matches ManagerNextTask for any workerID.
func ManagerNextTaskWildcard() string { return "manager.next_task.*" }

// ManagerEndSession is the subject workerID requests a session end on (request-reply).
func ManagerEndSession(workerID string) string {
	return fmt.Sprintf("manager.end_session.%s", workerID)
}

// ManagerEndSessionWildcard matches ManagerEndSession for any workerID.
func ManagerEndSessionWildcard() string { return "manager.end_session.*" }

// WorkerBroadcastAll is the subject a message broadcast to every worker is published on.
func WorkerBroadcastAll() string { return "worker.broadcast.all" }

// WorkerBroadcast is the subject a message broadcast to workerID specifically is published on.
func WorkerBroadcast(workerID string) string { return fmt.Sprintf("worker.broadcast.%s", workerID) }

// WorkerCommand is the subject control commands for workerID are published on.
func WorkerCommand(workerID string) string { return fmt.Sprintf("worker.command.%s", workerID) }
