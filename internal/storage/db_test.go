package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/evetools/tagd/internal/migrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_InMemory(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	assert.NotNil(t, store.DB())
	assert.Equal(t, ":memory:", store.Path())
}

func TestOpen_FilePath(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "actor.db")

	store, err := Open(dbPath)
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	_, err = store.DB().Exec("CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	require.NoError(t, err)
}

func TestMigrations_ApplyCleanly(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	result, err := migrate.NewRunner(store.DB(), Migrations()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(Migrations()), result.Applied)

	for _, table := range []string{"tags", "user_tags", "evaluation_schedule", "_migrations", "_migration_lock"} {
		var count int
		err = store.DB().QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "missing table %s", table)
	}
}

func TestSnapshot(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	_, err = store.DB().Exec("CREATE TABLE t (id INTEGER); INSERT INTO t (id) VALUES (42);")
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, store.Snapshot(context.Background(), dest))

	// The snapshot is a complete, independent database.
	copied, err := Open(dest)
	require.NoError(t, err)
	defer func() {
		_ = copied.Close() // Ignore error in test
	}()

	var id int
	err = copied.DB().QueryRow("SELECT id FROM t").Scan(&id)
	require.NoError(t, err)
	assert.Equal(t, 42, id)
}
