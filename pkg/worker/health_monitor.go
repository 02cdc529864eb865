package worker

import (
	"context"
	"time"

	"github.com/cuemby/warren-tasks/pkg/health"
)

// DependencyMonitor periodically checks connectivity to the Worker's
// external dependencies (bus, cache, store endpoints) and logs transitions,
// so operators can see degraded mode coming from the Worker's own logs
// rather than only from the Manager's reconciler. A transport outage is
// non-fatal for a Worker — it keeps running in degraded mode rather than
// exiting.
type DependencyMonitor struct {
	worker *Worker

	checkers map[string]health.Checker
	statuses map[string]*health.Status
	config   health.Config

	stopCh chan struct{}
}

// NewDependencyMonitor creates a DependencyMonitor that checks every address
// in endpoints (name -> "host:port") via TCP.
func NewDependencyMonitor(w *Worker, endpoints map[string]string) *DependencyMonitor {
	checkers := make(map[string]health.Checker, len(endpoints))
	statuses := make(map[string]*health.Status, len(endpoints))
	for name, addr := range endpoints {
		checkers[name] = health.NewTCPChecker(addr)
		statuses[name] = health.NewStatus()
	}
	return &DependencyMonitor{
		worker:   w,
		checkers: checkers,
		statuses: statuses,
		config:   health.DefaultConfig(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the monitor loop.
func (m *DependencyMonitor) Start() {
	go m.run()
}

// Stop stops the monitor.
func (m *DependencyMonitor) Stop() {
	close(m.stopCh)
}

func (m *DependencyMonitor) run() {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *DependencyMonitor) checkAll() {
	for name, checker := range m.checkers {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
		result := checker.Check(ctx)
		cancel()

		status := m.statuses[name]
		wasHealthy := status.Healthy
		status.Update(result, m.config)

		if wasHealthy && !status.Healthy {
			m.worker.logger.Warn().Str("dependency", name).Str("message", result.Message).Msg("dependency unreachable, entering degraded mode")
		}
		if !wasHealthy && status.Healthy {
			m.worker.logger.Info().Str("dependency", name).Msg("dependency reachable again")
		}
	}
}

// Healthy reports whether every monitored dependency is currently reachable.
func (m *DependencyMonitor) Healthy() bool {
	for _, status := range m.statuses {
		if !status.Healthy {
			return false
		}
	}
	return true
}
