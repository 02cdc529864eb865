package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/cache"
	"github.com/cuemby/warren-tasks/pkg/types"
)

func newTestWorker(t *testing.T, cfg Config) (*Worker, bus.Bus) {
	t.Helper()
	b := bus.NewMemoryBus()
	w := NewWorker(cfg, b, cache.NewMemoryCache())
	return w, b
}

func TestNewWorkerResolvesIDFromHostname(t *testing.T) {
	w, _ := newTestWorker(t, DefaultConfig())
	assert.NotEmpty(t, w.ID())
}

func TestNewWorkerKeepsExplicitID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-fixed"
	w, _ := newTestWorker(t, cfg)
	assert.Equal(t, "worker-fixed", w.ID())
}

func TestStartPublishesRegistration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-1"
	w, b := newTestWorker(t, cfg)

	received := make(chan []byte, 1)
	sub, err := b.Subscribe(context.Background(), bus.WorkerRegister(), func(ctx context.Context, msg bus.Message) {
		received <- msg.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop(context.Background()) }()

	select {
	case data := <-received:
		var reg types.Worker
		require.NoError(t, json.Unmarshal(data, &reg))
		assert.Equal(t, "worker-1", reg.WorkerID)
		assert.Equal(t, types.WorkerStatusIdle, reg.Status)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registration publish")
	}
}

func TestCapacityZeroWhilePaused(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentTasks = 4
	w, _ := newTestWorker(t, cfg)

	assert.Equal(t, 4, w.capacity())
	w.paused = true
	assert.Equal(t, 0, w.capacity())
}

func TestAcceptTaskRejectsWhenAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-1"
	cfg.MaxConcurrentTasks = 0
	cfg.AgentCommand = []string{"true"}
	w, b := newTestWorker(t, cfg)

	task := &types.Task{TaskID: "task-1"}

	rejected := make(chan []byte, 1)
	sub, err := b.Subscribe(context.Background(), bus.TaskRejected(task.TaskID), func(ctx context.Context, msg bus.Message) {
		rejected <- msg.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	w.acceptTask(context.Background(), task)

	select {
	case <-rejected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rejection publish")
	}
}

func TestAcceptTaskBroadcastClaimIsSingleWinner(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-1"
	cfg.MaxConcurrentTasks = 4
	cfg.AgentCommand = []string{"true"}
	w, _ := newTestWorker(t, cfg)

	task := &types.Task{TaskID: "task-1", Broadcast: true}
	w.acceptTask(context.Background(), task)

	w.mu.Lock()
	_, active := w.activeTasks["task-1"]
	w.mu.Unlock()
	assert.True(t, active)

	// A second worker sharing the same cache loses the claim.
	cfg2 := cfg
	cfg2.WorkerID = "worker-2"
	w2 := NewWorker(cfg2, bus.NewMemoryBus(), w.cache)
	w2.acceptTask(context.Background(), &types.Task{TaskID: "task-1", Broadcast: true})

	w2.mu.Lock()
	_, active2 := w2.activeTasks["task-1"]
	w2.mu.Unlock()
	assert.False(t, active2)
}

func TestHandleCommandPauseAndResume(t *testing.T) {
	w, _ := newTestWorker(t, DefaultConfig())
	ctx := context.Background()

	pause, _ := json.Marshal(Command{Action: "pause"})
	w.handleCommand(ctx, bus.Message{Data: pause})
	assert.True(t, w.paused)

	resume, _ := json.Marshal(Command{Action: "resume"})
	w.handleCommand(ctx, bus.Message{Data: resume})
	assert.False(t, w.paused)
}

func TestHandleCommandStatusReplies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerID = "worker-1"
	w, b := newTestWorker(t, cfg)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, bus.WorkerCommand("worker-1"), w.handleCommand)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	statusCmd, _ := json.Marshal(Command{Action: "status"})
	resp, err := b.Request(ctx, bus.WorkerCommand("worker-1"), statusCmd, time.Second)
	require.NoError(t, err)

	var status struct {
		WorkerID string `json:"worker_id"`
		Load     int    `json:"current_load"`
		Paused   bool   `json:"paused"`
	}
	require.NoError(t, json.Unmarshal(resp, &status))
	assert.Equal(t, "worker-1", status.WorkerID)
}

func TestApplyConfigUpdateChangesMaxConcurrentTasks(t *testing.T) {
	w, _ := newTestWorker(t, DefaultConfig())
	w.applyConfigUpdate(map[string]string{"max_concurrent_tasks": "7"})
	assert.Equal(t, 7, w.cfg.MaxConcurrentTasks)
}

func TestApplyConfigUpdateIgnoresInvalidValue(t *testing.T) {
	w, _ := newTestWorker(t, DefaultConfig())
	original := w.cfg.MaxConcurrentTasks
	w.applyConfigUpdate(map[string]string{"max_concurrent_tasks": "not-a-number"})
	assert.Equal(t, original, w.cfg.MaxConcurrentTasks)
}
