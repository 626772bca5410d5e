package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestFileWriterDefaultsAndOverrides(t *testing.T) {
	assert.Nil(t, FileConfig{}.Writer())

	w := FileConfig{Path: "x.log"}.Writer()
	l, ok := w.(*lj.Logger)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)

	l = FileConfig{Path: "y.log", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.Writer().(*lj.Logger)
	assert.Equal(t, 1, l.MaxSize)
	assert.Equal(t, 9, l.MaxBackups)
	assert.Equal(t, 11, l.MaxAge)
	assert.True(t, l.Compress)
}

func TestParseLevel(t *testing.T) {
	for in, ok := range map[string]bool{"": true, "info": true, "DEBUG": true, "warning": true, "error": true, "loud": false} {
		_, err := ParseLevel(in)
		assert.Equal(t, ok, err == nil, in)
	}
}

func TestNewWritesConsoleAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svcmon.log")
	var console bytes.Buffer
	log, closer, err := New(Config{Level: "debug", Color: true, File: FileConfig{Path: path}}, &console)
	require.NoError(t, err)

	log.With("slot", "h-1").Info("process started", "pid", 42)
	log.Debug("detail")
	require.NoError(t, closer.Close())

	out := console.String()
	assert.Contains(t, out, "\033[32mINFO\033[0m")
	assert.Contains(t, out, "slot=h-1")
	assert.Contains(t, out, "\033[36mDEBUG")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "process started", rec["msg"])
	assert.Equal(t, "h-1", rec["slot"])
	assert.NotContains(t, lines[0], "\033[")
}

func TestNewLevelFilters(t *testing.T) {
	var console bytes.Buffer
	log, _, err := New(Config{Level: "warn", Format: "json"}, &console)
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), `"msg":"shown"`)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, _, err := New(Config{Format: "xml"}, nil)
	assert.Error(t, err)
}

func TestColorHandlerWithoutTime(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, nil, false)).WithGroup("g").With("k", "v")
	log.Error("boom")
	assert.NotContains(t, buf.String(), "time=")
	assert.Contains(t, buf.String(), "\033[31mERROR")
	assert.Contains(t, buf.String(), "g.k=v")
}
