package retry

import (
	"context"
	"testing"
	"time"

	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayCapsAtMaxBackoff(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, Multiplier: 10, MaxBackoff: 3 * time.Second, JitterFraction: 0}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 3*time.Second, p.Delay(5), "should cap, not keep growing")
}

func TestDoRetriesOnlyTransient(t *testing.T) {
	p := Policy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	attempts := 0

	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		return werrors.NewPersistentError("auth failed", "bad credentials", "", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "persistent errors must not be retried")
}

func TestDoExhaustsRetryBudget(t *testing.T) {
	p := Policy{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	attempts := 0

	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		return werrors.NewTransientError("conn reset", "", "", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts, "max_retries=2 means 1 initial + 2 retries = 3 attempts")
	assert.Equal(t, werrors.KindPersistent, werrors.Classify(err), "exhausted transient escalates to persistent")
}

func TestDoSucceedsAfterTransientRetry(t *testing.T) {
	p := Policy{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	attempts := 0

	err := Do(context.Background(), p, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return werrors.NewTransientError("timeout", "", "", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoRespectsCancellation(t *testing.T) {
	p := Policy{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, p, func(ctx context.Context) error {
		return werrors.NewTransientError("x", "", "", nil)
	})
	require.Error(t, err)
}
