package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"riskguard/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp() *App {
	return &App{Logger: logging.NewNopLogger()}
}

func TestApp_RunContextStopsOnCancel(t *testing.T) {
	app := newTestApp()
	var order []string
	app.OnShutdown("first", func(context.Context) error { order = append(order, "first"); return nil })
	app.OnShutdown("second", func(context.Context) error { order = append(order, "second"); return errors.New("ignored") })

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	blocker := RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- app.RunContext(ctx, blocker) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunContext did not return")
	}
	<-stopped
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestApp_RunContextPropagatesFailure(t *testing.T) {
	app := newTestApp()
	boom := errors.New("listen: address in use")

	var peerStopped bool
	peer := RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		peerStopped = true
		return nil
	})
	failing := RunnerFunc(func(context.Context) error { return boom })

	err := app.RunContext(context.Background(), peer, failing)
	assert.ErrorIs(t, err, boom)
	assert.True(t, peerStopped, "failure cancels the other runners")
}
