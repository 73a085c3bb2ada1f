package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesLevel(t *testing.T) {
	New(Config{Level: "warn", Format: "json"})
	require.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestNewDefaultsToInfoOnUnknownLevel(t *testing.T) {
	New(Config{Level: "nonsense", Format: "json"})
	require.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}

func TestRecoverPanicLogsAndSwallows(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test-goroutine", map[string]any{"conn_id": "c1"})
		panic("boom")
	}()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "test-goroutine", entry["goroutine"])
	require.Equal(t, "c1", entry["conn_id"])
	require.Equal(t, "boom", entry["panic_value"])
	require.Contains(t, entry, "stack_trace")
}

func TestRecoverPanicNoPanicIsNoop(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	func() {
		defer RecoverPanic(logger, "test-goroutine", nil)
	}()

	require.Empty(t, buf.Bytes())
}

func TestLogErrorIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	LogError(logger, errors.New("boom"), "something failed", map[string]any{"attempt": 3})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "something failed", entry["message"])
	require.Equal(t, float64(3), entry["attempt"])
}
