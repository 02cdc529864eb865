package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	received := make(chan []byte, 1)

	sub, err := b.Subscribe(context.Background(), WorkerHeartbeat(), func(ctx context.Context, msg Message) {
		received <- msg.Data
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), WorkerHeartbeat(), []byte("ping")))

	select {
	case data := <-received:
		assert.Equal(t, "ping", string(data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBusWildcardMatch(t *testing.T) {
	b := NewMemoryBus()
	received := make(chan string, 1)

	sub, err := b.Subscribe(context.Background(), TaskProgressWildcard(), func(ctx context.Context, msg Message) {
		received <- msg.Subject
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(context.Background(), TaskProgress("t-1"), []byte("{}")))

	select {
	case subj := <-received:
		assert.Equal(t, "task.progress.t-1", subj)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBusRequestReply(t *testing.T) {
	b := NewMemoryBus()

	sub, err := b.Subscribe(context.Background(), ManagerQuestion("w-1"), func(ctx context.Context, msg Message) {
		_ = b.Reply(ctx, msg.ReplyHandle, []byte("answer"))
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	resp, err := b.Request(context.Background(), ManagerQuestion("w-1"), []byte("question"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "answer", string(resp))
}

func TestMemoryBusRequestTimeout(t *testing.T) {
	b := NewMemoryBus()
	_, err := b.Subscribe(context.Background(), ManagerQuestion("w-2"), func(ctx context.Context, msg Message) {
		// never replies
	})
	require.NoError(t, err)

	_, err = b.Request(context.Background(), ManagerQuestion("w-2"), []byte("q"), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}
