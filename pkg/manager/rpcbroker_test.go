package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/warren-tasks/pkg/bus"
	"github.com/cuemby/warren-tasks/pkg/storage"
	"github.com/cuemby/warren-tasks/pkg/types"
)

const testQuestionSubject = "worker.question.worker-1"

// askQuestion simulates a Worker's blocking bus.Request and registers the
// resulting Pending RPC with the broker, returning a channel that yields
// the raw reply payload once resolved.
func askQuestion(t *testing.T, ctx context.Context, b bus.Bus, broker *rpcBroker, questionID string, kind types.PendingRPCKind) <-chan []byte {
	t.Helper()
	respCh := make(chan []byte, 1)

	sub, err := b.Subscribe(ctx, testQuestionSubject, func(ctx context.Context, msg bus.Message) {
		q := &types.PendingRPC{
			QuestionID:  questionID,
			Kind:        kind,
			WorkerID:    "worker-1",
			Question:    "what should I do?",
			ReplyHandle: msg.ReplyHandle,
		}
		_ = broker.register(ctx, q)
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	go func() {
		resp, err := b.Request(ctx, testQuestionSubject, []byte("{}"), 5*time.Second)
		if err != nil {
			close(respCh)
			return
		}
		respCh <- resp
	}()

	return respCh
}

func newTestBroker(t *testing.T, questionDeadline time.Duration) (*rpcBroker, bus.Bus, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.NewMemoryBus()
	broker := newRPCBroker(b, store, questionDeadline)
	return broker, b, store
}

func TestBrokerResolveDeliversAnswer(t *testing.T) {
	broker, b, store := newTestBroker(t, 30*time.Second)
	ctx := context.Background()

	respCh := askQuestion(t, ctx, b, broker, "q-1", types.PendingRPCQuestion)
	time.Sleep(20 * time.Millisecond) // let the handler register before we resolve

	require.NoError(t, broker.resolve(ctx, "q-1", "do X", "operator", "guidance"))

	select {
	case payload := <-respCh:
		var reply rpcReply
		require.NoError(t, json.Unmarshal(payload, &reply))
		assert.Equal(t, "do X", reply.Answer)
		assert.Equal(t, "operator", reply.AnsweredBy)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolve reply")
	}

	questions, err := store.ListQuestions(ctx, false)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, "do X", questions[0].Answer)
}

func TestBrokerResolveUnknownHandleIsNotFound(t *testing.T) {
	broker, _, _ := newTestBroker(t, 30*time.Second)
	err := broker.resolve(context.Background(), "ghost", "answer", "operator", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBrokerResolveIsSingleUse(t *testing.T) {
	broker, b, _ := newTestBroker(t, 30*time.Second)
	ctx := context.Background()

	askQuestion(t, ctx, b, broker, "q-1", types.PendingRPCQuestion)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, broker.resolve(ctx, "q-1", "first", "operator", ""))
	err := broker.resolve(ctx, "q-1", "second", "operator", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBrokerResolveSessionEnd(t *testing.T) {
	broker, b, _ := newTestBroker(t, 30*time.Second)
	ctx := context.Background()

	respCh := askQuestion(t, ctx, b, broker, "worker-1", types.PendingRPCSessionEndRequest)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, broker.resolveSessionEnd(ctx, "worker-1", true, "all tasks done"))

	select {
	case payload := <-respCh:
		var reply rpcReply
		require.NoError(t, json.Unmarshal(payload, &reply))
		assert.True(t, reply.Approved)
		assert.Equal(t, "all tasks done", reply.Reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session end reply")
	}
}

func TestBrokerTimeoutDeliversSyntheticReply(t *testing.T) {
	broker, b, store := newTestBroker(t, 80*time.Millisecond)
	ctx := context.Background()

	respCh := askQuestion(t, ctx, b, broker, "q-1", types.PendingRPCQuestion)

	select {
	case payload := <-respCh:
		var reply rpcReply
		require.NoError(t, json.Unmarshal(payload, &reply))
		assert.Equal(t, "timeout", reply.GuidanceType)
		assert.Equal(t, "system", reply.AnsweredBy)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broker timeout reply")
	}

	questions, err := store.ListQuestions(ctx, false)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, "system", questions[0].AnsweredBy)
}

func TestBrokerShutdownResolvesOutstanding(t *testing.T) {
	broker, b, _ := newTestBroker(t, 30*time.Second)
	ctx := context.Background()

	respCh := askQuestion(t, ctx, b, broker, "q-1", types.PendingRPCQuestion)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, broker.list(), 1)
	broker.shutdown()

	select {
	case payload := <-respCh:
		var reply rpcReply
		require.NoError(t, json.Unmarshal(payload, &reply))
		assert.Equal(t, "shutdown", reply.GuidanceType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for shutdown reply")
	}
	assert.Len(t, broker.list(), 0)
}

func TestBrokerListSnapshot(t *testing.T) {
	broker, b, _ := newTestBroker(t, 30*time.Second)
	ctx := context.Background()

	askQuestion(t, ctx, b, broker, "q-1", types.PendingRPCQuestion)
	askQuestion(t, ctx, b, broker, "q-2", types.PendingRPCNextTaskRequest)
	time.Sleep(20 * time.Millisecond)

	pending := broker.list()
	assert.Len(t, pending, 2)
	broker.shutdown()
}
