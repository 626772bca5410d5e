//go:build !windows

package build

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcmon/internal/event"
	"github.com/loykin/svcmon/internal/slot"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

// fixture creates <dir>/app.sh and optionally <dir>/app_Build.sh.
func fixture(t *testing.T, appBody, buildBody string) *slot.Slot {
	t.Helper()
	dir := t.TempDir()
	app := filepath.Join(dir, "app.sh")
	writeFile(t, app, appBody)
	if buildBody != "" {
		writeFile(t, filepath.Join(dir, "app_Build.sh"), buildBody)
	}
	s := slot.New(slot.Descriptor{FileName: app}, slot.Options{
		ID: "target", StopGrace: 500 * time.Millisecond, KillWait: time.Second, DrainTimeout: time.Second,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func texts(s *slot.Slot) []string {
	var out []string
	for _, e := range s.Entries() {
		out = append(out, e.Text)
	}
	return out
}

func indexOf(lines []string, prefix string) int {
	for i, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return i
		}
	}
	return -1
}

func waitDone(t *testing.T, r *Runner, target *slot.Slot) {
	t.Helper()
	select {
	case <-r.Done(target):
	case <-time.After(5 * time.Second):
		t.Fatal("build did not complete")
	}
}

type starts struct {
	mu sync.Mutex
	n  int
}

func (s *starts) Notify(e event.Event) {
	if e.Kind == event.KindStart {
		s.mu.Lock()
		s.n++
		s.mu.Unlock()
	}
}

func (s *starts) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func TestBuildSuccessStartsTargetOnce(t *testing.T) {
	target := fixture(t, `exec sleep 30`, `echo compiling; exit 0`)
	counter := &starts{}
	target.Subscribe(counter)

	var results []Result
	r := NewRunner(Options{Ext: ".sh", OnComplete: func(res Result) { results = append(results, res) }})
	require.NoError(t, r.Run(target, true))
	waitDone(t, r, target)
	target.Sync()

	assert.True(t, target.Running())
	assert.Equal(t, 1, counter.count())

	lines := texts(target)
	begin := indexOf(lines, "build started: ")
	output := indexOf(lines, "compiling")
	end := indexOf(lines, "build finished: ")
	started := indexOf(lines, "process started")
	require.True(t, begin >= 0 && output >= 0 && end >= 0 && started >= 0, "log: %v", lines)
	assert.Less(t, begin, output)
	assert.Less(t, output, end)
	assert.Less(t, end, started)

	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].ExitCode)
	assert.True(t, results[0].Started)
	assert.False(t, r.Active(target))
}

func TestBuildFailureSuppressesStart(t *testing.T) {
	target := fixture(t, `exec sleep 30`, `echo broken 1>&2; exit 2`)
	r := NewRunner(Options{Ext: ".sh"})
	require.NoError(t, r.Run(target, true))
	waitDone(t, r, target)

	assert.False(t, target.Running())
	lines := texts(target)
	assert.GreaterOrEqual(t, indexOf(lines, "broken"), 0)
	assert.GreaterOrEqual(t, indexOf(lines, "build finished: "), 0)
	assert.Equal(t, -1, indexOf(lines, "process started"))
}

func TestBuildWithoutStartAfter(t *testing.T) {
	target := fixture(t, `exec sleep 30`, `exit 0`)
	r := NewRunner(Options{Ext: ".sh"})
	require.NoError(t, r.Run(target, false))
	waitDone(t, r, target)
	assert.False(t, target.Running())
}

func TestBuildStopsRunningTargetFirst(t *testing.T) {
	target := fixture(t, `exec sleep 30`, `sleep 0.1; exit 0`)
	require.NoError(t, target.Start())
	pid := target.PID()

	r := NewRunner(Options{Ext: ".sh"})
	require.NoError(t, r.Run(target, true))
	waitDone(t, r, target)

	lines := texts(target)
	assert.Less(t, indexOf(lines, "process stopped"), indexOf(lines, "build started: "))
	assert.True(t, target.Running())
	assert.NotEqual(t, pid, target.PID())
}

func TestMissingBuildScriptSurfacesOnTarget(t *testing.T) {
	target := fixture(t, `exit 0`, "")
	r := NewRunner(Options{Ext: ".sh"})
	err := r.Run(target, true)
	require.ErrorIs(t, err, slot.ErrInvalidTarget)
	assert.GreaterOrEqual(t, indexOf(texts(target), "build script not found: "), 0)
	assert.False(t, r.Active(target))
	assert.False(t, target.Running())
}

func TestSecondBuildRejectedWhileActive(t *testing.T) {
	target := fixture(t, `exit 0`, `sleep 1`)
	r := NewRunner(Options{Ext: ".sh"})
	require.NoError(t, r.Run(target, false))
	assert.ErrorIs(t, r.Run(target, false), ErrBuildInProgress)
	assert.True(t, r.Cancel(target))
}

func TestCancelDoesNotStartTarget(t *testing.T) {
	target := fixture(t, `exec sleep 30`, `exec sleep 30`)
	r := NewRunner(Options{Ext: ".sh", StopGrace: 200 * time.Millisecond, KillWait: time.Second})
	require.NoError(t, r.Run(target, true))
	assert.True(t, r.Active(target))

	assert.True(t, r.Cancel(target))
	assert.False(t, r.Active(target))
	assert.False(t, target.Running())
	assert.GreaterOrEqual(t, indexOf(texts(target), "build finished: "), 0)
	assert.False(t, r.Cancel(target))
}

func TestBuildTransientCannotBeStoppedNormally(t *testing.T) {
	target := fixture(t, `exit 0`, `sleep 1`)
	r := NewRunner(Options{Ext: ".sh"})
	require.NoError(t, r.Run(target, false))
	r.mu.Lock()
	helper := r.active[target].helper
	r.mu.Unlock()
	assert.False(t, helper.CanStop())
	assert.ErrorIs(t, helper.Stop(), slot.ErrStopUnsupported)
	r.Shutdown()
	assert.False(t, r.Active(target))
}

func TestRunRejectsEmptyTarget(t *testing.T) {
	r := NewRunner(Options{})
	assert.ErrorIs(t, r.Run(slot.Empty(), true), slot.ErrInvalidTarget)
}

func TestRunRefusesMissingExecutable(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "built")
	writeFile(t, filepath.Join(dir, "app_Build.sh"), "echo compiling\ntouch "+marker)
	target := slot.New(slot.Descriptor{FileName: filepath.Join(dir, "app.sh")}, slot.Options{ID: "target"})
	defer func() { _ = target.Close() }()

	r := NewRunner(Options{Ext: ".sh"})
	require.ErrorIs(t, r.Run(target, true), slot.ErrInvalidTarget)
	assert.False(t, r.Active(target))

	time.Sleep(200 * time.Millisecond)
	target.Sync()
	assert.Empty(t, texts(target))
	assert.NoFileExists(t, marker)
}
