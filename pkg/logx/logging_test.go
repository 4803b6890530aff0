package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	require.True(t, l.IsZero())
	l.Info("ignored", String("k", "v"))
	require.False(t, l.With(String("comp", "x")).IsZero())
}

func TestJSONLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewJSON(&buf, "debug").With(Component("test"))
	l.Warn("job.failed", String("job", "a"), Int("attempts", 2), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "job.failed", m["message"])
	assert.Equal(t, "test", m["comp"])
	assert.Equal(t, "a", m["job"])
	assert.EqualValues(t, 2, m["attempts"])
	assert.Equal(t, "boom", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go:")
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewJSON(&buf, "warn")
	l.Debug("hidden")
	require.Zero(t, buf.Len())
	require.False(t, l.Enabled(LevelInfo))
	require.True(t, l.Enabled(LevelError))
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobhost.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	log.Info("hello", String("k", "v"))

	// Raising the level through Apply affects loggers handed out earlier.
	require.NoError(t, svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}}))
	log.Info("dropped")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"message":"hello"`)
	assert.NotContains(t, string(b), "dropped")
}

func TestServiceApplyKeepsSinksOnBadFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "jobhost.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: good}})

	err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: filepath.Join(dir, "missing", "x.log")}})
	require.Error(t, err)
	log.Debug("still info level")
	log.Info("still on the old file")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(good)
	require.NoError(t, err)
	assert.Contains(t, string(b), "still on the old file")
	assert.NotContains(t, string(b), "still info level")
}

func TestServiceConsoleOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	svc, log := New(Config{Level: "debug", Console: true, Output: &buf})
	log.With(Component("dispatcher")).Debug("poll", Int("claimed", 0))
	require.NoError(t, svc.Close())
	assert.Contains(t, buf.String(), "poll")
	assert.Contains(t, buf.String(), "dispatcher")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Level{"debug": LevelDebug, " INFO ": LevelInfo, "warning": LevelWarn, "Error": LevelError} {
		got, ok := ParseLevel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseLevel("verbose")
	assert.False(t, ok)
}
