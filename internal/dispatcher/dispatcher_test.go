package dispatcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context) error {
	r.started <- struct{}{}
	<-ctx.Done()
	return nil
}

type failingRunner struct{ err error }

func (r failingRunner) Run(context.Context) error { return r.err }

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 3)
	runners := []Runner{
		&blockingRunner{started: started},
		&blockingRunner{started: started},
		&blockingRunner{started: started},
	}
	dispatch := New(runners, zap.NewNop())
	require.Equal(t, 3, dispatch.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dispatch.Run(ctx) }()

	for i := 0; i < 3; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("worker did not start")
		}
	}

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherWorkerErrorStopsPool(t *testing.T) {
	t.Parallel()

	var stopped atomic.Int32
	blocker := runnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Add(1)
		return nil
	})
	dispatch := New([]Runner{blocker, failingRunner{err: errors.New("boom")}}, nil)

	err := dispatch.Run(context.Background())
	require.ErrorContains(t, err, "worker 1: boom")
	require.Equal(t, int32(1), stopped.Load())
}

func TestDispatcherRequiresWorkers(t *testing.T) {
	t.Parallel()

	require.Error(t, New(nil, nil).Run(context.Background()))
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }
