// Package events implements the in-process fan-out backbone behind the
// monitor_task_realtime operator tool: every progress record the ingestor
// accepts is broadcast to whichever RPC clients are currently watching that
// task.
package events

import (
	"sync"

	"github.com/cuemby/warren-tasks/pkg/types"
)

// Subscriber is a channel that receives progress records for tasks it cares about.
type Subscriber chan *types.ProgressRecord

// Broker fans out progress records to subscribers, each of which filters
// for the task IDs it was asked to watch.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	recordCh    chan *types.ProgressRecord
	stopCh      chan struct{}
}

// NewBroker creates an event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		recordCh:    make(chan *types.ProgressRecord, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish broadcasts a progress record to every subscriber.
func (b *Broker) Publish(record *types.ProgressRecord) {
	select {
	case b.recordCh <- record:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case record := <-b.recordCh:
			b.broadcast(record)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(record *types.ProgressRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- record:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
