package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/warren-tasks/pkg/types"
)

func TestSubscribeReceivesPublishedRecord(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	record := &types.ProgressRecord{TaskID: "task-1", Phase: "running"}
	b.Publish(record)

	select {
	case got := <-sub:
		assert.Equal(t, "task-1", got.TaskID)
		assert.Equal(t, "running", got.Phase)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published record")
	}
}

func TestFanOutReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	subA := b.Subscribe()
	subB := b.Subscribe()
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&types.ProgressRecord{TaskID: "task-1"})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case got := <-sub:
			assert.Equal(t, "task-1", got.TaskID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out")
		}
	}
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after unsubscribe")
}
