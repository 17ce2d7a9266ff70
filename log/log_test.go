package log

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		level    Level
		expected string
	}{
		{level: LevelDebug, expected: "debug"},
		{level: LevelInfo, expected: "info"},
		{level: LevelWarn, expected: "warn"},
		{level: LevelError, expected: "error"},
		{level: Level(42), expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected Level
		wantErr  bool
	}{
		{name: "debug", input: "debug", expected: LevelDebug},
		{name: "info", input: "info", expected: LevelInfo},
		{name: "warn", input: "warn", expected: LevelWarn},
		{name: "warning alias", input: "warning", expected: LevelWarn},
		{name: "error", input: "error", expected: LevelError},
		{name: "mixed case", input: "InFo", expected: LevelInfo},
		{name: "unknown", input: "verbose", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			level, err := ParseLevel(tt.input)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.input)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestFieldConstructors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	tests := []struct {
		name          string
		field         Field
		expectedKey   string
		expectedValue any
	}{
		{name: "string", field: String("queue", "orders.events"), expectedKey: "queue", expectedValue: "orders.events"},
		{name: "int", field: Int("attempt", 3), expectedKey: "attempt", expectedValue: 3},
		{name: "bool", field: Bool("requeue", true), expectedKey: "requeue", expectedValue: true},
		{name: "duration", field: Duration("elapsed", time.Second), expectedKey: "elapsed", expectedValue: time.Second},
		{name: "err", field: Err(boom), expectedKey: "error", expectedValue: boom},
		{name: "any", field: Any("depth", int64(7)), expectedKey: "depth", expectedValue: int64(7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expectedKey, tt.field.Key)
			assert.Equal(t, tt.expectedValue, tt.field.Value)
		})
	}
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), LevelError, "dropped", String("k", "v"))
	})

	assert.Same(t, logger, logger.With(String("component", "dispatcher")))
	assert.False(t, logger.Enabled(LevelError))
	assert.NoError(t, logger.Sync(context.Background()))
}
