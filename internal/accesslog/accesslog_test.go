package accesslog

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/gateway/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(id string, status int) middleware.AccessEntry {
	return middleware.AccessEntry{
		Time:      time.Date(2026, 10, 1, 12, 0, 0, 123456789, time.UTC),
		RequestID: id,
		Method:    http.MethodGet,
		Path:      "/orders/" + id,
		Route:     "orders",
		Status:    status,
		Outcome:   "success",
		Cache:     "MISS",
		Upstream:  "orders:5002",
		ClientIP:  "10.0.0.1",
		UserID:    "user-1",
		Latency:   12 * time.Millisecond,
		BytesOut:  42,
	}
}

// TestStore はSQLiteへの保存と取得を検証する。
func TestStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "access.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Insert(ctx, []middleware.AccessEntry{entry("a", 200), entry("b", 502)}))
	require.NoError(t, store.Insert(ctx, []middleware.AccessEntry{entry("c", 404)}))
	require.NoError(t, store.Insert(ctx, nil))

	got, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].RequestID, "新しい順に返ること")
	assert.Equal(t, "b", got[1].RequestID)
	assert.Equal(t, entry("b", 502), got[1], "全項目が保存されること")
}

// TestStoreReopen は既存のデータベースを開き直してもスキーマ適用が失敗しないことを検証する。
func TestStoreReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "access.db")

	store, err := Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Insert(ctx, []middleware.AccessEntry{entry("a", 200)}))
	require.NoError(t, store.Close())

	store, err = Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// recordingInserter は保存されたエントリを記録する Inserter。
type recordingInserter struct {
	mu      sync.Mutex
	entries []middleware.AccessEntry
	err     error
}

func (r *recordingInserter) Insert(_ context.Context, entries []middleware.AccessEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, entries...)
	return nil
}

func (r *recordingInserter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// TestWriter は非同期保存と終了時の書き出しを検証する。
func TestWriter(t *testing.T) {
	t.Parallel()

	t.Run("キューのエントリが保存されること", func(t *testing.T) {
		t.Parallel()

		ins := &recordingInserter{}
		w := NewWriter(ins, 16, zerolog.Nop())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()

		for i := range 5 {
			w.Record(entry(string(rune('a'+i)), 200))
		}

		assert.Eventually(t, func() bool { return ins.count() == 5 }, time.Second, 10*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
		assert.Equal(t, int64(5), w.Written())
		assert.Zero(t, w.Dropped())
	})

	t.Run("満杯のキューはブロックせずに破棄すること", func(t *testing.T) {
		t.Parallel()

		ins := &recordingInserter{}
		w := NewWriter(ins, 2, zerolog.Nop())

		w.Record(entry("a", 200))
		w.Record(entry("b", 200))
		w.Record(entry("c", 200))
		assert.Equal(t, int64(1), w.Dropped())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, w.Run(ctx))
		assert.Equal(t, 2, ins.count(), "終了時に残りのエントリを保存すること")
	})

	t.Run("保存エラーでも処理を続けること", func(t *testing.T) {
		t.Parallel()

		ins := &recordingInserter{err: errors.New("disk full")}
		w := NewWriter(ins, 4, zerolog.Nop())
		w.Record(entry("a", 200))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, w.Run(ctx))
		assert.Zero(t, w.Written())
	})
}
