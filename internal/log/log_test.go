package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/moodle-backup/exportd/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(t.Context(), slog.String("fingerprint", "abc"))
	child := log.ContextAttrs(ctx, slog.Int("attempt", 1))

	logger.InfoContext(ctx, "parent")
	logger.InfoContext(child, "child")
	logger.DebugContext(child, "hidden")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var parent, kid map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &parent))
	require.NoError(t, json.Unmarshal(lines[1], &kid))

	require.Equal(t, "abc", parent["fingerprint"])
	require.NotContains(t, parent, "attempt")
	require.Equal(t, "abc", kid["fingerprint"])
	require.EqualValues(t, 1, kid["attempt"])
}

func TestWithAttrsKeepsContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, true).With("component", "gate")

	ctx := log.ContextAttrs(t.Context(), slog.String("fingerprint", "xyz"))
	logger.DebugContext(ctx, "acquired")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	require.Equal(t, "gate", rec["component"])
	require.Equal(t, "xyz", rec["fingerprint"])
}
