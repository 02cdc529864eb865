package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/cache"
	"github.com/cuemby/warren-tasks/pkg/storage"
	"github.com/cuemby/warren-tasks/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr := NewManager(DefaultConfig(), bus.NewMemoryBus(), cache.NewMemoryCache(), store)
	t.Cleanup(func() { _ = mgr.Shutdown() })
	return mgr
}

func TestRegisterWorkerDefaultsToIdle(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	w := &types.Worker{WorkerID: "worker-1", Capabilities: types.Capabilities{MaxConcurrentTasks: 4}}
	require.NoError(t, mgr.RegisterWorker(ctx, w))
	assert.Equal(t, types.WorkerStatusIdle, w.Status)
	assert.False(t, w.RegisteredAt.IsZero())

	got, err := mgr.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, got.Status)
}

func TestRegisterWorkerIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	w := &types.Worker{WorkerID: "worker-1"}
	require.NoError(t, mgr.RegisterWorker(ctx, w))
	require.NoError(t, mgr.RegisterWorker(ctx, w))

	workers, err := mgr.ListWorkers(ctx, "")
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestGetWorkerPrefersNewerCacheProjection(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	w := &types.Worker{WorkerID: "worker-1", Status: types.WorkerStatusIdle}
	require.NoError(t, mgr.RegisterWorker(ctx, w))

	// Write a cache projection with a later heartbeat than the store row,
	// leaving the store row in place.
	cached := *w
	cached.LastHeartbeat = w.LastHeartbeat.Add(time.Second)
	cached.CurrentLoad = 2
	blob, err := json.Marshal(&cached)
	require.NoError(t, err)
	require.NoError(t, mgr.Cache().Set(ctx, "worker:worker-1", string(blob), 0))

	got, err := mgr.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentLoad)
}

func TestHeartbeatUnknownWorkerFails(t *testing.T) {
	mgr := newTestManager(t)
	err := mgr.Heartbeat(context.Background(), "ghost", 0, types.SystemInfo{})
	assert.Error(t, err)
}

func TestHeartbeatRecoversUnresponsiveWorker(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	w := &types.Worker{WorkerID: "worker-1"}
	require.NoError(t, mgr.RegisterWorker(ctx, w))
	require.NoError(t, mgr.SetWorkerStatus(ctx, "worker-1", types.WorkerStatusUnresponsive))

	require.NoError(t, mgr.Heartbeat(ctx, "worker-1", 0, types.SystemInfo{}))

	got, err := mgr.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusIdle, got.Status)
}

func TestCreateTaskAssignsIDAndDefaults(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	task := &types.Task{Description: "do the thing", Priority: types.TaskPriorityNormal}
	require.NoError(t, mgr.CreateTask(ctx, task))

	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, types.TaskStatePending, task.Status)
	assert.Equal(t, mgr.Config().RetryLimit, task.RetryLimit)

	got, err := mgr.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "do the thing", got.Description)
}

func TestDispatchTaskMarksAssignedAndBusy(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	w := &types.Worker{WorkerID: "worker-1", Capabilities: types.Capabilities{MaxConcurrentTasks: 4}}
	require.NoError(t, mgr.RegisterWorker(ctx, w))

	task := &types.Task{Description: "run me"}
	require.NoError(t, mgr.CreateTask(ctx, task))

	received := make(chan []byte, 1)
	sub, err := mgr.Bus().Subscribe(ctx, bus.WorkerTask("worker-1"), func(ctx context.Context, msg bus.Message) {
		received <- msg.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, mgr.DispatchTask(ctx, task, "worker-1"))
	assert.Equal(t, types.TaskStateAssigned, task.Status)
	assert.Equal(t, "worker-1", task.AssignedWorker)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch publish")
	}

	got, err := mgr.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusBusy, got.Status)
}

func TestReassignTaskCompareAndSet(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	task := &types.Task{Description: "move me", AssignedWorker: "worker-1"}
	require.NoError(t, mgr.CreateTask(ctx, task))
	task.AssignedWorker = "worker-1"
	require.NoError(t, mgr.UpdateTask(ctx, task))

	ok, err := mgr.ReassignTask(ctx, task.TaskID, "worker-2", "worker-3")
	require.NoError(t, err)
	assert.False(t, ok, "compare-and-set should fail when fromWorker doesn't match")

	ok, err = mgr.ReassignTask(ctx, task.TaskID, "worker-1", "worker-3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNextTaskWaitingRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.RecordNextTaskWaiting(ctx, "worker-1"))
	require.NoError(t, mgr.RecordNextTaskWaiting(ctx, "worker-2"))

	waiting, err := mgr.ListNextTaskWaiting(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"worker-1", "worker-2"}, waiting)

	require.NoError(t, mgr.ClearNextTaskWaiting(ctx, "worker-1"))
	waiting, err = mgr.ListNextTaskWaiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-2"}, waiting)
}

func TestSessionLifecycle(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	sess := &types.Session{WorkerID: "worker-1"}
	require.NoError(t, mgr.CreateSession(ctx, sess))
	assert.NotEmpty(t, sess.SessionID)
	assert.Equal(t, types.SessionStatusOpen, sess.Status)

	require.NoError(t, mgr.CloseSession(ctx, sess.SessionID))
}
