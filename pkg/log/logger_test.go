package log

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelWarn)
	l.SetOutput(&buf)

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN]")
	assert.Contains(t, out, "shown 2")
}

func TestLogger_WithPrefixesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(LevelDebug)
	l.SetOutput(&buf)

	l.With("jobs").With("worker").Debug("tick")

	assert.Contains(t, buf.String(), "[jobs/worker] tick")
	assert.Contains(t, buf.String(), "logger_test.go")
}

func TestNewFileLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "subcache.log")
	fl, err := NewFileLogger(path, LevelInfo)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fl.Close() })

	var buf bytes.Buffer
	fl.SetOutput(&buf)
	fl.Error("boom")
	assert.True(t, strings.Contains(buf.String(), "[ERROR]"))
}
