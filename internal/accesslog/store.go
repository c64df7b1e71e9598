package accesslog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/nao1215/gateway/pkg/middleware"
	"github.com/nao1215/gateway/pkg/migration"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	insertSQL = `
INSERT INTO access_log (
    requested_at, request_id, method, path, route, status,
    outcome, cache, upstream, client_ip, user_id, latency_ns, bytes_out
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	recentSQL = `
SELECT requested_at, request_id, method, path, route, status,
       outcome, cache, upstream, client_ip, user_id, latency_ns, bytes_out
  FROM access_log
 ORDER BY id DESC
 LIMIT ?`
)

// Store はSQLiteに保存するアクセスログ。
type Store struct {
	db *sql.DB
}

// Open はSQLiteデータベースを開き、スキーマを適用する。
// path に ":memory:" を指定するとインメモリデータベースを使う。
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "アクセスログDBの接続に失敗"), "path", path)
	}
	// SQLiteの書き込みは1接続に直列化する
	db.SetMaxOpenConns(1)

	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("アクセスログのスキーマ適用に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert は複数のエントリを1トランザクションで保存する。
func (s *Store) Insert(ctx context.Context, entries []middleware.AccessEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("INSERT文の準備に失敗: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.Time.UTC().Format(time.RFC3339Nano), e.RequestID, e.Method, e.Path, e.Route, e.Status,
			e.Outcome, e.Cache, e.Upstream, e.ClientIP, e.UserID, int64(e.Latency), e.BytesOut,
		); err != nil {
			return zerr.With(zerr.Wrap(err, "アクセスログの保存に失敗"), "request_id", e.RequestID)
		}
	}
	return tx.Commit()
}

// Recent は新しい順に最大limit件のエントリを返す。
func (s *Store) Recent(ctx context.Context, limit int) ([]middleware.AccessEntry, error) {
	rows, err := s.db.QueryContext(ctx, recentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("アクセスログの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]middleware.AccessEntry, 0, limit)
	for rows.Next() {
		var (
			e         middleware.AccessEntry
			requested string
			latency   int64
		)
		if err := rows.Scan(
			&requested, &e.RequestID, &e.Method, &e.Path, &e.Route, &e.Status,
			&e.Outcome, &e.Cache, &e.Upstream, &e.ClientIP, &e.UserID, &latency, &e.BytesOut,
		); err != nil {
			return nil, fmt.Errorf("アクセスログの読み取りに失敗: %w", err)
		}
		e.Time, err = time.Parse(time.RFC3339Nano, requested)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "時刻の解析に失敗"), "value", requested)
		}
		e.Latency = time.Duration(latency)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}
