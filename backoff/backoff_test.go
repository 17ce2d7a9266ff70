package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{
			name:     "attempt zero returns base",
			base:     2 * time.Second,
			attempt:  0,
			expected: 2 * time.Second,
		},
		{
			name:     "attempt one doubles",
			base:     2 * time.Second,
			attempt:  1,
			expected: 4 * time.Second,
		},
		{
			name:     "attempt two quadruples",
			base:     2 * time.Second,
			attempt:  2,
			expected: 8 * time.Second,
		},
		{
			name:     "negative attempt treated as zero",
			base:     time.Second,
			attempt:  -3,
			expected: time.Second,
		},
		{
			name:     "zero base returns zero",
			base:     0,
			attempt:  5,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestExponential_Overflow(t *testing.T) {
	t.Parallel()

	result := Exponential(time.Hour, 100)

	assert.Equal(t, time.Duration(1<<63-1), result)
}

func TestFullJitter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))

	for range 50 {
		delay := FullJitter(time.Second)

		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.Less(t, delay, time.Second)
	}
}

func TestExponentialWithJitter_Bounds(t *testing.T) {
	t.Parallel()

	for attempt := range 5 {
		delay := ExponentialWithJitter(100*time.Millisecond, attempt)

		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.Less(t, delay, Exponential(100*time.Millisecond, attempt))
	}
}

func TestWaitContext(t *testing.T) {
	t.Parallel()

	t.Run("completes for short duration", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, WaitContext(context.Background(), time.Millisecond))
	})

	t.Run("returns immediately for non-positive duration", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, WaitContext(context.Background(), 0))
		require.NoError(t, WaitContext(context.Background(), -time.Second))
	})

	t.Run("honors cancellation", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := WaitContext(ctx, time.Minute)

		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
