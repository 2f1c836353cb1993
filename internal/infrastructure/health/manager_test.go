package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthManager_Aggregation(t *testing.T) {
	hm := NewHealthManager(nil)
	assert.True(t, hm.IsHealthy(), "empty manager is healthy")

	hm.Register("stream", func() error { return nil })
	assert.True(t, hm.IsHealthy())

	hm.Register("engine", func() error { return errors.New("not running") })
	assert.False(t, hm.IsHealthy())

	status := hm.GetStatus()
	assert.Equal(t, "Healthy", status["stream"])
	assert.Equal(t, "Unhealthy: not running", status["engine"])
	assert.EqualError(t, hm.Check(), "unhealthy: engine: not running")
}

func TestHealthManager_EvaluateCountsUnhealthy(t *testing.T) {
	var streamErr error
	hm := NewHealthManager(nil)
	hm.Register("stream", func() error { return streamErr })
	hm.Register("pool", func() error { return nil })

	assert.Equal(t, 0, hm.Evaluate())
	streamErr = errors.New("no connected stream")
	assert.Equal(t, 1, hm.Evaluate())
	streamErr = nil
	assert.Equal(t, 0, hm.Evaluate())
}
