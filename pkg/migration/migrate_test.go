package migration

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestRun はマイグレーションの適用と再実行時のスキップを検証する。
func TestRun(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000002_add_index.up.sql":      {Data: []byte("CREATE INDEX idx_items_name ON items(name);")},
		"migrations/000001_create_items.up.sql":   {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);")},
		"migrations/000001_create_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"migrations/README.md":                    {Data: []byte("ignored")},
	}

	db := openDB(t)
	ctx := context.Background()

	n, err := Run(ctx, db, fsys, "migrations", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = Run(ctx, db, fsys, "migrations", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "適用済みのマイグレーションはスキップされること")

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)
}

// TestRunFailure はSQLエラー時にバージョンが記録されないことを検証する。
func TestRunFailure(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"migrations/000001_broken.up.sql": {Data: []byte("CREATE TABLE (;")},
	}

	db := openDB(t)
	n, err := Run(context.Background(), db, fsys, "migrations", zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, 0, n)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 0, count)
}

// TestCollect はファイル名の解析を検証する。
func TestCollect(t *testing.T) {
	t.Parallel()

	t.Run("バージョン順に並ぶこと", func(t *testing.T) {
		t.Parallel()

		files, err := Collect(fstest.MapFS{
			"m/000010_b.up.sql": {},
			"m/000002_a.up.sql": {},
		}, "m")
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, 2, files[0].Version)
		assert.Equal(t, "a", files[0].Name)
		assert.Equal(t, 10, files[1].Version)
	})

	t.Run("バージョンの重複はエラー", func(t *testing.T) {
		t.Parallel()

		_, err := Collect(fstest.MapFS{
			"m/000001_a.up.sql": {},
			"m/1_b.up.sql":      {},
		}, "m")
		assert.ErrorIs(t, err, ErrInvalidFileName)
	})

	t.Run("数字で始まらないファイル名はエラー", func(t *testing.T) {
		t.Parallel()

		_, err := Collect(fstest.MapFS{"m/init_schema.up.sql": {}}, "m")
		assert.ErrorIs(t, err, ErrInvalidFileName)
	})
}
