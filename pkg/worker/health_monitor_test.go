package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/warren-tasks/pkg/health"
)

type fakeChecker struct {
	healthy bool
}

func (f *fakeChecker) Check(ctx context.Context) health.Result {
	return health.Result{Healthy: f.healthy}
}

func (f *fakeChecker) Type() health.CheckType { return health.CheckTypeTCP }

func TestDependencyMonitorHealthyWhenAllCheckersPass(t *testing.T) {
	w, _ := newTestWorker(t, DefaultConfig())
	m := NewDependencyMonitor(w, map[string]string{"bus": "127.0.0.1:1"})
	m.checkers["bus"] = &fakeChecker{healthy: true}
	m.config.Retries = 1

	m.checkAll()
	assert.True(t, m.Healthy())
}

func TestDependencyMonitorUnhealthyAfterFailingChecker(t *testing.T) {
	w, _ := newTestWorker(t, DefaultConfig())
	m := NewDependencyMonitor(w, map[string]string{"bus": "127.0.0.1:1"})
	m.checkers["bus"] = &fakeChecker{healthy: false}
	m.config.Retries = 1

	m.checkAll()
	assert.False(t, m.Healthy())
}

func TestDependencyMonitorMultipleEndpointsAllMustBeHealthy(t *testing.T) {
	w, _ := newTestWorker(t, DefaultConfig())
	m := NewDependencyMonitor(w, map[string]string{"bus": "127.0.0.1:1", "cache": "127.0.0.1:2"})
	m.checkers["bus"] = &fakeChecker{healthy: true}
	m.checkers["cache"] = &fakeChecker{healthy: false}
	m.config.Retries = 1

	m.checkAll()
	assert.False(t, m.Healthy())
}
