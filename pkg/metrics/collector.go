package metrics

import (
	"context"
	"time"

	"github.com/cuemby/warren-tasks/pkg/storage"
	"github.com/cuemby/warren-tasks/pkg/types"
)

// Collector periodically samples registry state into gauge metrics.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector backed by store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15s until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectWorkerMetrics(ctx)
	c.collectTaskMetrics(ctx)
	c.collectPendingRPCMetrics(ctx)
}

func (c *Collector) collectWorkerMetrics(ctx context.Context) {
	workers, err := c.store.ListWorkers(ctx, "")
	if err != nil {
		return
	}
	counts := make(map[types.WorkerStatus]int)
	for _, w := range workers {
		counts[w.Status]++
	}
	for _, status := range []types.WorkerStatus{
		types.WorkerStatusInitializing, types.WorkerStatusIdle, types.WorkerStatusBusy,
		types.WorkerStatusOffline, types.WorkerStatusUnresponsive,
	} {
		WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectTaskMetrics(ctx context.Context) {
	tasks, err := c.store.ListTasks(ctx, "", 0)
	if err != nil {
		return
	}
	counts := make(map[types.TaskState]int)
	for _, t := range tasks {
		counts[t.Status]++
	}
	for state, count := range counts {
		TasksTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *Collector) collectPendingRPCMetrics(ctx context.Context) {
	pending, err := c.store.ListQuestions(ctx, true)
	if err != nil {
		return
	}
	PendingQuestionsTotal.Set(float64(len(pending)))
}
