package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusStartsHealthy(t *testing.T) {
	s := NewStatus()
	assert.True(t, s.Healthy)
}

func TestStatusBecomesUnhealthyAfterRetriesExhausted(t *testing.T) {
	s := NewStatus()
	cfg := Config{Retries: 3}

	s.Update(Result{Healthy: false}, cfg)
	assert.True(t, s.Healthy, "one failure shouldn't flip healthy before retries is reached")

	s.Update(Result{Healthy: false}, cfg)
	assert.True(t, s.Healthy)

	s.Update(Result{Healthy: false}, cfg)
	assert.False(t, s.Healthy)
	assert.Equal(t, 3, s.ConsecutiveFailures)
}

func TestStatusRecoversOnFirstSuccess(t *testing.T) {
	s := NewStatus()
	cfg := Config{Retries: 1}

	s.Update(Result{Healthy: false}, cfg)
	assert.False(t, s.Healthy)

	s.Update(Result{Healthy: true}, cfg)
	assert.True(t, s.Healthy)
	assert.Equal(t, 0, s.ConsecutiveFailures)
	assert.Equal(t, 1, s.ConsecutiveSuccesses)
}

func TestInStartPeriod(t *testing.T) {
	s := NewStatus()
	assert.False(t, s.InStartPeriod(Config{StartPeriod: 0}))
	assert.True(t, s.InStartPeriod(Config{StartPeriod: time.Hour}))
}
