package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcmon/internal/slot"
)

func TestSQLiteSaveLoad(t *testing.T) {
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	got, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	want := []slot.Descriptor{
		{FileName: "/opt/a/run", Args: "-v", WorkDir: "/opt/a", AutoScroll: true},
		{FileName: "/opt/b/run", ManualControl: true},
		{FileName: "/opt/c/run"},
	}
	require.NoError(t, db.Save(ctx, want))
	got, err = db.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// shrinking the list drops the tail rows
	require.NoError(t, db.Save(ctx, want[:1]))
	got, err = db.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want[:1], got)
}

func TestSQLiteFilePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slots.db")
	ctx := context.Background()

	db, err := New("sqlite://" + path)
	require.NoError(t, err)
	require.NoError(t, db.Save(ctx, []slot.Descriptor{{FileName: "/x/y"}}))
	require.NoError(t, db.Close())

	db2, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db2.Close() })
	got, err := db2.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "/x/y", got[0].FileName)
}

func TestSQLiteEmptyPath(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
