//go:build !windows

package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcmon/internal/manager"
	"github.com/loykin/svcmon/internal/server"
	"github.com/loykin/svcmon/internal/slot"
)

func newDaemon(t *testing.T) (*Client, *manager.Supervisor) {
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
	ts := httptest.NewServer(server.NewRouter(sup, "/api", server.WithSelections(sel)).Handler())
	t.Cleanup(ts.Close)
	c, err := New(Config{BaseURL: ts.URL + "/api"})
	require.NoError(t, err)
	return c, sup
}

func script(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "svc.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func TestClientLifecycle(t *testing.T) {
	c, sup := newDaemon(t)
	ctx := context.Background()
	require.True(t, c.IsReachable(ctx))

	id, err := c.Add(ctx, AddRequest{FileName: script(t, "exec sleep 30"), ManualControl: true})
	require.NoError(t, err)

	list, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.False(t, list[0].Running)

	st, err := c.Start(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.Running)

	_, err = c.Start(ctx, id)
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusConflict, ae.Status)

	st, err = c.Stop(ctx, id, false)
	require.NoError(t, err)
	assert.False(t, st.Running)

	args := "--fast"
	st, err = c.Patch(ctx, id, PatchRequest{Args: &args})
	require.NoError(t, err)
	assert.Equal(t, "--fast", st.Args)

	cp, err := c.Copy(ctx, id)
	require.NoError(t, err)
	require.NoError(t, c.MoveBy(ctx, cp, -1))
	st, err = c.Status(ctx, cp)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Index)
	require.NoError(t, c.MoveTo(ctx, cp, 1))

	require.NoError(t, c.Remove(ctx, cp))
	_, err = c.Status(ctx, cp)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 1, sup.Len())
}

func TestClientLogs(t *testing.T) {
	c, sup := newDaemon(t)
	ctx := context.Background()
	id, err := c.Add(ctx, AddRequest{FileName: script(t, "exit 0"), ManualControl: true})
	require.NoError(t, err)
	require.NoError(t, c.ClearLog(ctx, id))
	sup.GetModelByObject(id).Sync()

	require.NoError(t, c.WriteLog(ctx, id, "notice", "first"))
	require.NoError(t, c.WriteLog(ctx, id, "error", "second"))

	entries, err := c.Logs(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "notice", entries[0].Severity)
	assert.Equal(t, "error", entries[1].Severity)
	assert.Equal(t, "system", entries[0].Stream)

	var buf bytes.Buffer
	_, err = c.ExportLog(ctx, id, &buf)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", buf.String())

	from := 0
	res, err := c.Search(ctx, id, SearchQuery{Text: "SEC", From: &from})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, res.Matches)
	require.NotNil(t, res.Next)
	assert.Equal(t, 1, *res.Next)

	sel, err := c.Select(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, "first", sel.Text)
	require.NoError(t, c.ClearSelection(ctx, id))
	sel, err = c.Selection(ctx, id)
	require.NoError(t, err)
	assert.False(t, sel.Selected)

	_, err = c.Resources(ctx, id)
	assert.True(t, IsNotFound(err), "sampling disabled")
}

func TestClientBulk(t *testing.T) {
	c, sup := newDaemon(t)
	ctx := context.Background()
	id, err := c.Add(ctx, AddRequest{FileName: script(t, "exec sleep 30"), ManualControl: true})
	require.NoError(t, err)

	require.NoError(t, c.StartAll(ctx))
	assert.True(t, sup.GetModelByObject(id).Running())
	require.NoError(t, c.StopAll(ctx, true))
	assert.False(t, sup.GetModelByObject(id).Running())
	require.NoError(t, c.ClearAll(ctx))
	require.NoError(t, c.Save(ctx))
}

func TestClientUnreachable(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: time.Second})
	require.NoError(t, err)
	assert.False(t, c.IsReachable(context.Background()))
	_, err = c.List(context.Background())
	assert.Error(t, err)
}

func TestNewRejectsBadCA(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{Enabled: true, CACert: filepath.Join(t.TempDir(), "missing.pem")}})
	assert.Error(t, err)
}
