package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcmon/internal/history"
)

func TestSQLiteSinkSend(t *testing.T) {
	sink, err := New("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })
	ctx := context.Background()

	events := []history.Event{
		{Type: history.EventStart, OccurredAt: time.Now(), Record: history.Record{Slot: "h1", File: "/srv/app", PID: 42, ExitCode: -1}},
		{Type: history.EventExit, OccurredAt: time.Now(), Record: history.Record{Slot: "h1", File: "/srv/app", PID: 42, ExitCode: 3}},
		{Type: history.EventBuild, OccurredAt: time.Now(), Record: history.Record{Slot: "h1", File: "/srv/app_Build.sh", Message: "build ok"}},
	}
	for _, e := range events {
		require.NoError(t, sink.Send(ctx, e))
	}

	var n int
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM slot_history WHERE slot = ?`, "h1").Scan(&n))
	assert.Equal(t, 3, n)

	var code int
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT exit_code FROM slot_history WHERE event = 'exit'`).Scan(&code))
	assert.Equal(t, 3, code)

	var msg sql.NullString
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT message FROM slot_history WHERE event = 'start'`).Scan(&msg))
	assert.False(t, msg.Valid)
	require.NoError(t, sink.db.QueryRowContext(ctx, `SELECT message FROM slot_history WHERE event = 'build'`).Scan(&msg))
	assert.Equal(t, "build ok", msg.String)
}

func TestSQLiteSinkFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	sink, err := New(path)
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventStop, OccurredAt: time.Now()}))
	require.NoError(t, sink.Close())

	again, err := New("sqlite://" + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = again.Close() })
	var n int
	require.NoError(t, again.db.QueryRow(`SELECT COUNT(*) FROM slot_history`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLiteSinkEmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
