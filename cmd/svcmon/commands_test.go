//go:build !windows

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcmon/internal/logstore"
	"github.com/loykin/svcmon/internal/manager"
	"github.com/loykin/svcmon/internal/metrics"
	"github.com/loykin/svcmon/internal/server"
	"github.com/loykin/svcmon/internal/slot"
	"github.com/loykin/svcmon/pkg/client"
)

// daemon serves the API in-process and returns its base URL.
func daemon(t *testing.T) (string, *manager.Supervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sel := server.NewSelections()
	host := server.NewHost(sel, nil, true, nil)
	sup := manager.New(manager.Options{
		Slot:       slot.Options{StopGrace: 500 * time.Millisecond, KillWait: time.Second, DrainTimeout: time.Second},
		OnRegister: host.OnRegister,
		OnRemove:   host.OnRemove,
	})
	t.Cleanup(func() { _ = sup.Exit(context.Background()) })
	sampler := metrics.NewResourceSampler(metrics.SamplerConfig{Enabled: true, Interval: time.Second})
	ts := httptest.NewServer(server.NewRouter(sup, "/api",
		server.WithSelections(sel), server.WithSampler(sampler)).Handler())
	t.Cleanup(ts.Close)
	return ts.URL + "/api", sup
}

func script(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "svc.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

// run executes the CLI against url and returns what it printed.
func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := buildRoot(&out)
	root.SetArgs(append([]string{"--api-url", url, "--api-timeout", "10s"}, args...))
	root.SetErr(&bytes.Buffer{})
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func listSlots(t *testing.T, url string) []client.SlotStatus {
	t.Helper()
	out, err := run(t, url, "list", "--json")
	require.NoError(t, err)
	var slots []client.SlotStatus
	require.NoError(t, json.Unmarshal([]byte(out), &slots))
	return slots
}

func TestUnreachableDaemon(t *testing.T) {
	_, err := run(t, "http://127.0.0.1:1/api", "list")
	assert.ErrorIs(t, err, errNotReachable)
}

func TestAddQuotesPositionalArgs(t *testing.T) {
	url, _ := daemon(t)
	prog := script(t, "exec sleep 30")

	out, err := run(t, url, "add", prog, "--manual", "--", "-c", "my conf.ini")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	assert.NotEmpty(t, id)

	slots := listSlots(t, url)
	require.Len(t, slots, 1)
	assert.Equal(t, id, slots[0].ID)
	assert.Equal(t, prog, slots[0].FileName)
	assert.Equal(t, `-c "my conf.ini"`, slots[0].Args)
	assert.True(t, slots[0].ManualControl)
	assert.False(t, slots[0].Running)
}

func TestAddRejectsBadArgs(t *testing.T) {
	url, _ := daemon(t)
	prog := script(t, "true")

	_, err := run(t, url, "add", prog, "--args", `-c "unterminated`)
	assert.ErrorContains(t, err, "invalid arguments")

	_, err = run(t, url, "add", prog, "--args", "-v", "--", "-x")
	assert.Error(t, err)
	assert.Empty(t, listSlots(t, url))
}

func TestAddResolvesRelativePaths(t *testing.T) {
	url, _ := daemon(t)
	prog := script(t, "true")
	dir := filepath.Dir(prog)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, err = run(t, url, "add", "./svc.sh", "--manual", "--work-dir", ".")
	require.NoError(t, err)
	slots := listSlots(t, url)
	require.Len(t, slots, 1)
	// t.TempDir may sit behind a symlink, so compare resolved paths.
	want, _ := filepath.EvalSymlinks(prog)
	got, _ := filepath.EvalSymlinks(slots[0].FileName)
	assert.Equal(t, want, got)
	assert.True(t, filepath.IsAbs(slots[0].WorkDir))
}

func TestStartStopByIndex(t *testing.T) {
	url, _ := daemon(t)
	_, err := run(t, url, "add", script(t, "exec sleep 30"), "--manual")
	require.NoError(t, err)

	out, err := run(t, url, "start", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "started")
	assert.True(t, listSlots(t, url)[0].Running)

	_, err = run(t, url, "start", "#0")
	assert.Error(t, err, "second start conflicts")

	out, err = run(t, url, "stop", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")
	assert.False(t, listSlots(t, url)[0].Running)

	_, err = run(t, url, "stop", "5")
	assert.ErrorContains(t, err, "no slot at index 5")
	_, err = run(t, url, "stop", "no-such-handle")
	assert.True(t, client.IsNotFound(err))
}

func TestSetChangesOnlyGivenFlags(t *testing.T) {
	url, _ := daemon(t)
	_, err := run(t, url, "add", script(t, "true"), "--manual", "--args", "-v")
	require.NoError(t, err)

	_, err = run(t, url, "set", "0")
	assert.ErrorContains(t, err, "nothing to change")

	out, err := run(t, url, "set", "0", "--auto-scroll")
	require.NoError(t, err)
	var st client.SlotStatus
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.AutoScroll)
	assert.True(t, st.ManualControl)
	assert.Equal(t, "-v", st.Args)

	_, err = run(t, url, "set", "0", "--manual=false", "--args", "")
	require.NoError(t, err)
	st = listSlots(t, url)[0]
	assert.False(t, st.ManualControl)
	assert.Empty(t, st.Args)
}

func TestCopyMoveRemove(t *testing.T) {
	url, _ := daemon(t)
	a := script(t, "true")
	b := script(t, "true")
	_, err := run(t, url, "add", a, "--manual")
	require.NoError(t, err)
	_, err = run(t, url, "add", b, "--manual")
	require.NoError(t, err)

	_, err = run(t, url, "copy", "0")
	require.NoError(t, err)
	slots := listSlots(t, url)
	require.Len(t, slots, 3)
	assert.Equal(t, []string{a, a, b}, []string{slots[0].FileName, slots[1].FileName, slots[2].FileName})

	_, err = run(t, url, "move", "2", "--to", "0")
	require.NoError(t, err)
	assert.Equal(t, b, listSlots(t, url)[0].FileName)

	_, err = run(t, url, "move", "0", "--delta", "1")
	require.NoError(t, err)
	assert.Equal(t, b, listSlots(t, url)[1].FileName)

	_, err = run(t, url, "move", "0")
	assert.ErrorContains(t, err, "exactly one")
	_, err = run(t, url, "move", "0", "--delta", "1", "--to", "2")
	assert.ErrorContains(t, err, "exactly one")

	_, err = run(t, url, "rm", "1")
	require.NoError(t, err)
	slots = listSlots(t, url)
	require.Len(t, slots, 2)
	assert.Equal(t, a, slots[0].FileName)
	assert.Equal(t, a, slots[1].FileName)
}

func TestLogsWriteSearchSelect(t *testing.T) {
	url, sup := daemon(t)
	out, err := run(t, url, "add", script(t, "true"), "--manual")
	require.NoError(t, err)
	id := strings.TrimSpace(out)

	_, err = run(t, url, "write", "0", "deploy", "started")
	require.NoError(t, err)
	_, err = run(t, url, "write", "0", "--severity", "error", "disk", "full")
	require.NoError(t, err)
	sl, ok := sup.Lookup(id)
	require.True(t, ok)
	sl.Sync()

	out, err = run(t, url, "logs", "0")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "notice")
	assert.Contains(t, lines[0], "deploy started")
	assert.Contains(t, lines[1], "error")
	assert.Contains(t, lines[1], "disk full")

	out, err = run(t, url, "logs", "0", "--from", "1", "--json")
	require.NoError(t, err)
	var e client.LogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &e))
	assert.Equal(t, "error", e.Severity)

	out, err = run(t, url, "search", "0", "DISK")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, err = run(t, url, "search", "0", "DISK", "--case-sensitive")
	require.NoError(t, err)

	out, err = run(t, url, "search", "0", "d.*", "--regex", "--from", "1", "--backward")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)

	_, err = run(t, url, "search", "0", "nothing-like-this", "--from", "0")
	assert.ErrorContains(t, err, "no further match")

	out, err = run(t, url, "select", "0", "1")
	require.NoError(t, err)
	assert.Equal(t, "1\tdisk full\n", out)
	out, err = run(t, url, "select", "0")
	require.NoError(t, err)
	assert.Equal(t, "1\tdisk full\n", out)
	_, err = run(t, url, "select", "0", "--clear")
	require.NoError(t, err)
	out, err = run(t, url, "select", "0")
	require.NoError(t, err)
	assert.Equal(t, "nothing selected\n", out)

	_, err = run(t, url, "select", "0", "x")
	assert.ErrorContains(t, err, "invalid index")

	file := filepath.Join(t.TempDir(), "out.log")
	out, err = run(t, url, "export", "0", "-o", file)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "deploy started")
	assert.Contains(t, string(data), "disk full")

	out, err = run(t, url, "export", "0")
	require.NoError(t, err)
	assert.Equal(t, string(data), out)

	_, err = run(t, url, "clear", "0")
	require.NoError(t, err)
	sl.Sync()
	out, err = run(t, url, "logs", "0")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLogsFollowStopsWithContext(t *testing.T) {
	url, sup := daemon(t)
	out, err := run(t, url, "add", script(t, "true"), "--manual")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	sl, _ := sup.Lookup(id)

	var buf bytes.Buffer
	root := buildRoot(&buf)
	root.SetArgs([]string{"--api-url", url, "logs", id, "-f", "--interval", "20ms"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	sl.WriteLog(logstore.Notice, "first")
	time.Sleep(150 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not return after cancel")
	}
	assert.Contains(t, buf.String(), "first")
}

func TestBulkCommands(t *testing.T) {
	url, _ := daemon(t)
	_, err := run(t, url, "add", script(t, "exec sleep 30"), "--manual")
	require.NoError(t, err)
	_, err = run(t, url, "add", script(t, "exec sleep 30"), "--manual")
	require.NoError(t, err)

	out, err := run(t, url, "start-all")
	require.NoError(t, err)
	assert.Equal(t, "start-all: ok\n", out)
	for _, st := range listSlots(t, url) {
		assert.True(t, st.Running)
	}

	out, err = run(t, url, "stop-all")
	require.NoError(t, err)
	assert.Equal(t, "stop-all: ok\n", out)
	for _, st := range listSlots(t, url) {
		assert.False(t, st.Running)
	}

	_, err = run(t, url, "clear-all")
	require.NoError(t, err)
	_, err = run(t, url, "save")
	require.NoError(t, err)
}

func TestListTableAndResources(t *testing.T) {
	url, _ := daemon(t)
	out, err := run(t, url, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no slots")

	_, err = run(t, url, "add", script(t, "true"), "--manual", "--args", "-v")
	require.NoError(t, err)
	out, err = run(t, url, "ls")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "#"))
	assert.Contains(t, lines[1], "svc.sh")
	assert.Contains(t, lines[1], "(manual)")
	assert.Contains(t, lines[1], "-v")

	out, err = run(t, url, "resources", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "no samples")
}
