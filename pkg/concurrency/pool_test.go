package concurrency

import (
	"sync/atomic"
	"testing"

	"riskguard/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, fields ...interface{})               {}
func (l *noopLogger) Info(msg string, fields ...interface{})                {}
func (l *noopLogger) Warn(msg string, fields ...interface{})                {}
func (l *noopLogger) Error(msg string, fields ...interface{})               {}
func (l *noopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *noopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *noopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "closures", MaxWorkers: 4, MaxCapacity: 100}, &noopLogger{})

	var counter int64
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(func() { atomic.AddInt64(&counter, 1) }))
	}
	pool.Stop()

	assert.Equal(t, int64(50), atomic.LoadInt64(&counter))
	assert.Error(t, pool.Submit(func() {}))
	assert.Error(t, pool.Healthy())
}

func TestWorkerPool_NonBlockingRejectsWhenFull(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "tiny", MaxWorkers: 1, MaxCapacity: 1, NonBlocking: true}, &noopLogger{})
	release := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, pool.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	var rejected bool
	for i := 0; i < 5; i++ {
		if err := pool.Submit(func() {}); err != nil {
			rejected = true
			break
		}
	}
	close(release)
	pool.Stop()

	assert.True(t, rejected)
}

func TestWorkerPool_PanicIsRecovered(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "panics", MaxWorkers: 1, MaxCapacity: 10}, &noopLogger{})

	assert.NotPanics(t, func() {
		pool.SubmitAndWait(func() { panic("boom") })
	})
	var ran int32
	pool.SubmitAndWait(func() { atomic.StoreInt32(&ran, 1) })
	pool.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.Contains(t, pool.Stats(), "failed_tasks")
}

func BenchmarkWorkerPool_Submit(b *testing.B) {
	pool := NewWorkerPool(PoolConfig{
		Name:        "BenchmarkPool",
		MaxWorkers:  10,
		MaxCapacity: 1000,
	}, &noopLogger{})
	defer pool.Stop()

	b.ResetTimer()
	var counter int64
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(func() {
			atomic.AddInt64(&counter, 1)
		})
	}
}
