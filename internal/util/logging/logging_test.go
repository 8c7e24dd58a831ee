//go:build unit

package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/alexandremahdhaoui/cvex/internal/util/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in       string
		expected slog.Level
		wantErr  bool
	}{
		{in: "", expected: slog.LevelInfo},
		{in: "DEBUG", expected: slog.LevelDebug},
		{in: "warning", expected: slog.LevelWarn},
		{in: "critical", expected: logging.LevelCritical},
		{in: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lvl, err := logging.ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, lvl)
		})
	}
}

func TestCritical(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logging.Setup(logging.Options{Level: slog.LevelInfo, Output: &buf})

	logging.Critical(context.Background(), "provisioning aborted", "vm", "victim")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "CRITICAL", entry["level"])
	assert.Equal(t, "victim", entry["vm"])
}

func TestSetup_LogrVerbosity(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := logging.Setup(logging.Options{Level: slog.LevelInfo, Output: &buf})

	log.V(1).Info("hidden")
	assert.Empty(t, buf.String())

	log.Info("shown", "vm", "victim")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	debug := logging.Setup(logging.Options{Level: slog.LevelDebug, Output: &buf})
	debug.V(1).Info("visible")
	assert.Contains(t, buf.String(), "visible")
}
