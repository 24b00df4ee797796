package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDelayBounds(t *testing.T) {
	t.Parallel()

	p := New(100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		want := 100 * time.Millisecond << attempt
		if want > time.Second || want <= 0 {
			want = time.Second
		}
		require.GreaterOrEqual(t, d, want/2, "attempt %d", attempt)
		require.LessOrEqual(t, d, want, "attempt %d", attempt)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	p := New(0, 0)
	require.Equal(t, 250*time.Millisecond, p.base)
	require.Equal(t, 5*time.Second, p.max)
	require.LessOrEqual(t, p.Delay(-3), 250*time.Millisecond)
}

func TestWaitCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New(time.Minute, time.Hour).Wait(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}
