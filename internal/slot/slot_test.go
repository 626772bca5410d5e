//go:build !windows

package slot

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcmon/internal/event"
	"github.com/loykin/svcmon/internal/logstore"
)

type recorder struct {
	mu     sync.Mutex
	events []event.Event
	ch     chan event.Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan event.Event, 1024)} }

func (r *recorder) Notify(e event.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.ch <- e
}

func (r *recorder) waitFor(t *testing.T, k event.Kind, timeout time.Duration) event.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-r.ch:
			if e.Kind == k {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", k)
			return event.Event{}
		}
	}
}

func (r *recorder) count(k event.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func script(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "svc.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func fastOpts() Options {
	return Options{StopGrace: 500 * time.Millisecond, KillWait: time.Second, DrainTimeout: time.Second}
}

func newSlot(t *testing.T, body string, opts Options) (*Slot, *recorder) {
	t.Helper()
	s := New(Descriptor{FileName: script(t, body)}, opts)
	rec := newRecorder()
	s.Subscribe(rec)
	t.Cleanup(func() { _ = s.Close() })
	return s, rec
}

func texts(s *Slot) []string {
	var out []string
	for _, e := range s.Entries() {
		out = append(out, e.Text)
	}
	return out
}

func TestNeverRunDefaults(t *testing.T) {
	s, _ := newSlot(t, "exit 0", fastOpts())
	assert.False(t, s.Running())
	assert.False(t, s.SelfExit())
	assert.Equal(t, -1, s.ExitCode())
	assert.True(t, s.Valid())
	assert.True(t, s.CanStop())
	assert.Equal(t, StateIdle, s.State())
}

func TestSelfExitRecordsCodeAndFiresExitOnce(t *testing.T) {
	s, rec := newSlot(t, `echo hello; echo oops 1>&2; exit 3`, fastOpts())
	require.NoError(t, s.Start())

	e := rec.waitFor(t, event.KindExit, 5*time.Second)
	assert.Equal(t, 3, e.ExitCode)
	s.Sync()

	assert.False(t, s.Running())
	assert.True(t, s.SelfExit())
	assert.Equal(t, 3, s.ExitCode())
	assert.Equal(t, StateExited, s.State())
	assert.Equal(t, 1, rec.count(event.KindExit))
	assert.Equal(t, 0, rec.count(event.KindStop))
	assert.Equal(t, 1, rec.count(event.KindStart))

	got := texts(s)
	require.NotEmpty(t, got)
	assert.Contains(t, got, "hello")
	assert.Contains(t, got, "oops")
	assert.Equal(t, "process exited (3)", got[len(got)-1])

	for _, entry := range s.Entries() {
		switch entry.Text {
		case "hello":
			assert.Equal(t, logstore.Info, entry.Severity)
		case "oops":
			assert.Equal(t, logstore.Error, entry.Severity)
		}
	}
}

func TestEventsFollowStoreOrder(t *testing.T) {
	s, rec := newSlot(t, `echo a; sleep 0.05; echo b 1>&2; sleep 0.05; echo c`, fastOpts())
	require.NoError(t, s.Start())
	rec.waitFor(t, event.KindExit, 5*time.Second)
	s.Sync()

	var fromEvents []string
	rec.mu.Lock()
	for _, e := range rec.events {
		if e.Kind == event.KindLog || e.Kind == event.KindError {
			fromEvents = append(fromEvents, e.Entry.Text)
		}
	}
	rec.mu.Unlock()
	all := texts(s)
	require.NotEmpty(t, all)
	// The ready notice is written before anyone can subscribe.
	assert.Contains(t, all[0], "ready: ")
	assert.Equal(t, all[1:], fromEvents)

	var captured []string
	for _, x := range texts(s) {
		if x == "a" || x == "b" || x == "c" {
			captured = append(captured, x)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, captured)

	// Start precedes every captured line; Exit follows all of them.
	rec.mu.Lock()
	first, last := rec.events[0], rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	assert.NotEqual(t, event.KindExit, first.Kind)
	assert.Equal(t, event.KindExit, last.Kind)
}

func TestStopFiresStopNotExit(t *testing.T) {
	s, rec := newSlot(t, `exec sleep 30`, fastOpts())
	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	assert.Greater(t, s.PID(), 0)

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	assert.False(t, s.SelfExit())
	assert.Equal(t, StateIdle, s.State())

	s.Sync()
	time.Sleep(100 * time.Millisecond)
	s.Sync()
	assert.Equal(t, 1, rec.count(event.KindStop))
	assert.Equal(t, 0, rec.count(event.KindExit))
	assert.Equal(t, "process stopped", texts(s)[len(texts(s))-1])
}

func TestStopIsBoundedForUnresponsiveChild(t *testing.T) {
	s, _ := newSlot(t, `trap '' TERM; while true; do sleep 0.05; done`, Options{
		StopGrace: 200 * time.Millisecond, KillWait: time.Second, DrainTimeout: 500 * time.Millisecond,
	})
	require.NoError(t, s.Start())
	time.Sleep(100 * time.Millisecond)

	begin := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(begin), 3*time.Second)
	assert.False(t, s.Running())
}

func TestMisuseReturnsErrorsWithoutEvents(t *testing.T) {
	s, rec := newSlot(t, `exec sleep 30`, fastOpts())

	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
	s.Sync()
	assert.Equal(t, 1, rec.count(event.KindStart))
}

func TestStopUnsupported(t *testing.T) {
	opts := fastOpts()
	opts.DisableStop = true
	s, rec := newSlot(t, `exec sleep 30`, opts)
	require.NoError(t, s.Start())

	assert.ErrorIs(t, s.Stop(), ErrStopUnsupported)
	assert.True(t, s.Running())
	s.Sync()
	assert.Equal(t, 0, rec.count(event.KindStop))

	require.NoError(t, s.ForceStop())
	assert.False(t, s.Running())
}

func TestInvalidTargetIsSilent(t *testing.T) {
	s := New(Descriptor{FileName: filepath.Join(t.TempDir(), "missing.exe")}, fastOpts())
	defer s.Close()
	rec := newRecorder()
	s.Subscribe(rec)

	assert.False(t, s.Valid())
	assert.ErrorIs(t, s.Start(), ErrInvalidTarget)
	s.Sync()
	assert.Equal(t, 0, s.Count())
	assert.Empty(t, rec.events)
}

func TestExternalKillIsSelfExit(t *testing.T) {
	s, rec := newSlot(t, `exec sleep 30`, fastOpts())
	require.NoError(t, s.Start())
	require.NoError(t, syscall.Kill(s.PID(), syscall.SIGKILL))

	rec.waitFor(t, event.KindExit, 5*time.Second)
	assert.False(t, s.Running())
	assert.True(t, s.SelfExit())
	assert.Equal(t, 128+int(syscall.SIGKILL), s.ExitCode())
	s.Sync()
	assert.Equal(t, 1, rec.count(event.KindExit))
}

func TestRestartAfterExit(t *testing.T) {
	s, rec := newSlot(t, `echo run`, fastOpts())
	require.NoError(t, s.Start())
	rec.waitFor(t, event.KindExit, 5*time.Second)
	require.NoError(t, s.Start())
	rec.waitFor(t, event.KindExit, 5*time.Second)
	assert.Equal(t, 0, s.ExitCode())
	s.Sync()
	assert.Equal(t, 2, rec.count(event.KindStart))
}

func TestClearLogAndWriteLog(t *testing.T) {
	s, rec := newSlot(t, `exit 0`, fastOpts())
	s.WriteLog(logstore.Notice, "hello")
	assert.Equal(t, "ready: "+s.FileName()+"\nhello", s.GetAllLog())

	s.ClearLog()
	s.Sync()
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, "", s.GetAllLog())
	assert.Equal(t, 1, rec.count(event.KindClear))
	assert.Equal(t, 1, rec.count(event.KindLog))
}

func TestSelectedContext(t *testing.T) {
	s, _ := newSlot(t, `exit 0`, fastOpts())
	assert.Equal(t, "", s.GetSelectedContext())

	s.WriteLog(logstore.Info, "picked")
	sel := -1
	s.SetSelectionSource(func() (int, bool) { return sel, sel >= 0 })
	assert.Equal(t, "", s.GetSelectedContext())
	sel = 1
	assert.Equal(t, "picked", s.GetSelectedContext())
	sel = 99
	assert.Equal(t, "", s.GetSelectedContext())
}

func TestLogTargetRedirect(t *testing.T) {
	target, trec := newSlot(t, `exit 0`, fastOpts())
	opts := fastOpts()
	opts.LogTarget = target
	opts.Notices = &Notices{Started: "begin {name}", Exited: "end {code}"}
	helper, hrec := newSlot(t, `echo from-helper`, opts)

	require.NoError(t, helper.Start())
	hrec.waitFor(t, event.KindExit, 5*time.Second)
	target.Sync()

	assert.Equal(t, 0, helper.Count())
	got := texts(target)
	assert.Equal(t, []string{"ready: " + target.FileName(), "begin svc.sh", "from-helper", "end 0"}, got)
	assert.GreaterOrEqual(t, trec.count(event.KindLog), 3)
}

func TestSettersApplyOnNextStart(t *testing.T) {
	s, rec := newSlot(t, `echo "$1"; pwd`, fastOpts())
	dir := t.TempDir()
	s.SetArgs(`"two words"`)
	s.SetWorkDir(dir)
	s.SetManualControl(true)
	s.SetAutoScroll(true)
	require.NoError(t, s.Start())
	rec.waitFor(t, event.KindExit, 5*time.Second)

	got := texts(s)
	assert.Contains(t, got, "two words")
	resolved, _ := filepath.EvalSymlinks(dir)
	found := false
	for _, l := range got {
		if p, err := filepath.EvalSymlinks(l); err == nil && p == resolved {
			found = true
		}
	}
	assert.True(t, found, "working directory not applied: %v", got)

	d := s.Descriptor()
	assert.True(t, d.ManualControl)
	assert.True(t, d.AutoScroll)
	assert.Equal(t, `"two words"`, d.Args)
}

func TestSetFileNameRevalidates(t *testing.T) {
	s := New(Descriptor{}, fastOpts())
	defer s.Close()
	assert.False(t, s.Valid())
	s.SetFileName(script(t, "exit 0"))
	assert.True(t, s.Valid())
}

func TestEmptySlotIsInert(t *testing.T) {
	s := Empty()
	assert.True(t, s.IsEmpty())
	assert.ErrorIs(t, s.Start(), ErrInvalidTarget)
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)
	s.WriteLog(logstore.Info, "x")
	s.ClearLog()
	s.SetArgs("x")
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, "", s.Args())
	assert.Equal(t, "", s.GetAllLog())
	assert.Equal(t, "", s.GetSelectedContext())
	assert.NoError(t, s.Close())
	s.Subscribe(newRecorder())()
	s.Sync()
	ran := false
	s.AfterEvents(func() { ran = true })
	assert.True(t, ran)
}

func TestCloseStopsProcessAndRejectsCommands(t *testing.T) {
	s := New(Descriptor{FileName: script(t, `exec sleep 30`)}, fastOpts())
	require.NoError(t, s.Start())
	pid := s.PID()
	require.NoError(t, s.Close())
	assert.False(t, s.Running())
	assert.ErrorIs(t, s.Start(), ErrClosed)
	assert.Error(t, syscall.Kill(pid, 0))
	assert.NoError(t, s.Close())
}
