package worker

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/cache"
	"github.com/cuemby/warren-tasks/pkg/types"
)

func TestRunTaskPublishesCompletionOnSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-1"
	cfg.AgentCommand = []string{"sh", "-c", "echo tool_call; echo navigate"}
	b := bus.NewMemoryBus()
	w := NewWorker(cfg, b, cache.NewMemoryCache())

	completion := make(chan []byte, 1)
	sub, err := b.Subscribe(context.Background(), bus.TaskCompletion(), func(ctx context.Context, msg bus.Message) {
		completion <- msg.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	task := &types.Task{TaskID: "task-1"}
	w.acceptTask(context.Background(), task)

	select {
	case payload := <-completion:
		var result struct {
			TaskID  string `json:"task_id"`
			Success bool   `json:"success"`
		}
		require.NoError(t, json.Unmarshal(payload, &result))
		assert.Equal(t, "task-1", result.TaskID)
		assert.True(t, result.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task completion")
	}
}

func TestRunTaskPublishesFailureOnNonZeroExit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-1"
	cfg.AgentCommand = []string{"sh", "-c", "exit 1"}
	b := bus.NewMemoryBus()
	w := NewWorker(cfg, b, cache.NewMemoryCache())

	completion := make(chan []byte, 1)
	sub, err := b.Subscribe(context.Background(), bus.TaskCompletion(), func(ctx context.Context, msg bus.Message) {
		completion <- msg.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	w.acceptTask(context.Background(), &types.Task{TaskID: "task-2"})

	select {
	case payload := <-completion:
		var result struct {
			Success bool `json:"success"`
		}
		require.NoError(t, json.Unmarshal(payload, &result))
		assert.False(t, result.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task completion")
	}
}

func TestObserveLineIncrementsCounters(t *testing.T) {
	w, _ := newTestWorker(t, DefaultConfig())
	inst := &TaskInstance{}
	ctx := context.Background()

	w.observeLine(ctx, inst, "tool_call: browser.click")
	w.observeLine(ctx, inst, "navigate to https://example.com")
	w.observeLine(ctx, inst, "screenshot saved")
	w.observeLine(ctx, inst, "network_request GET /api")
	w.observeLine(ctx, inst, "unhandled error occurred")

	assert.Equal(t, 1, inst.Metrics.ToolCalls)
	assert.Equal(t, 1, inst.Metrics.PagesVisited)
	assert.Equal(t, 1, inst.Metrics.Screenshots)
	assert.Equal(t, 1, inst.Metrics.NetworkRequests)
	assert.Equal(t, 1, inst.Task.Analytics.ErrorsObserved)
}

func TestObserveLineQuestionMarkerAsksManagerAndFeedsReplyToStdin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-1"
	b := bus.NewMemoryBus()
	w := NewWorker(cfg, b, cache.NewMemoryCache())

	sub, err := b.Subscribe(context.Background(), bus.ManagerQuestion("worker-1"), func(ctx context.Context, msg bus.Message) {
		var req questionRequest
		require.NoError(t, json.Unmarshal(msg.Data, &req))
		assert.Equal(t, "clarification", req.QuestionType)
		assert.Equal(t, "should I proceed?", req.Question)
		reply, _ := json.Marshal(rpcReply{Answer: "yes, proceed", AnsweredBy: "operator"})
		require.NoError(t, b.Reply(ctx, msg.ReplyHandle, reply))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	r, stdin := io.Pipe()
	inst := &TaskInstance{stdin: stdin}
	done := make(chan struct{})
	var captured string
	go func() {
		buf := make([]byte, 64)
		n, _ := r.Read(buf)
		captured = string(buf[:n])
		close(done)
	}()

	w.observeLine(context.Background(), inst, "question:clarification:should I proceed?")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply to reach agent stdin")
	}
	assert.Contains(t, captured, "yes, proceed")
}

func TestObserveLineSessionEndMarkerRequestsApproval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-1"
	b := bus.NewMemoryBus()
	w := NewWorker(cfg, b, cache.NewMemoryCache())

	resolved := make(chan string, 1)
	sub, err := b.Subscribe(context.Background(), bus.ManagerEndSession("worker-1"), func(ctx context.Context, msg bus.Message) {
		var req questionRequest
		require.NoError(t, json.Unmarshal(msg.Data, &req))
		resolved <- req.Question
		reply, _ := json.Marshal(rpcReply{Approved: true, AnsweredBy: "operator"})
		require.NoError(t, b.Reply(ctx, msg.ReplyHandle, reply))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	inst := &TaskInstance{}
	w.observeLine(context.Background(), inst, "session_end:idle for ten minutes")

	select {
	case reason := <-resolved:
		assert.Equal(t, "idle for ten minutes", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session end request")
	}
}

func TestRequestNextTaskPublishesWorkerID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-1"
	b := bus.NewMemoryBus()
	w := NewWorker(cfg, b, cache.NewMemoryCache())

	received := make(chan string, 1)
	sub, err := b.Subscribe(context.Background(), bus.ManagerNextTask("worker-1"), func(ctx context.Context, msg bus.Message) {
		var req questionRequest
		require.NoError(t, json.Unmarshal(msg.Data, &req))
		received <- req.WorkerID
		reply, _ := json.Marshal(rpcReply{Answer: "waiting", AnsweredBy: "manager"})
		require.NoError(t, b.Reply(ctx, msg.ReplyHandle, reply))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	w.requestNextTask(context.Background())

	select {
	case workerID := <-received:
		assert.Equal(t, "worker-1", workerID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for next task request")
	}
}
