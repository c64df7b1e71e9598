package accesslog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nao1215/gateway/pkg/middleware"
	"github.com/rs/zerolog"
)

const (
	// DefaultQueueSize はキューの既定の長さ。
	DefaultQueueSize = 256
	// maxBatch は1トランザクションで保存する最大件数。
	maxBatch = 64
	// flushTimeout は終了時に残りのエントリを保存する際の制限時間。
	flushTimeout = 5 * time.Second
)

// Inserter はエントリの保存先。
type Inserter interface {
	Insert(ctx context.Context, entries []middleware.AccessEntry) error
}

// Writer はアクセスログを非同期に保存する middleware.AccessSink。
// キューが満杯の場合はエントリを破棄し、リクエスト処理を待たせない。
type Writer struct {
	store   Inserter
	queue   chan middleware.AccessEntry
	logger  zerolog.Logger
	dropped atomic.Int64
	written atomic.Int64
}

// NewWriter は長さqueueSizeのキューを持つWriterを生成する。
func NewWriter(store Inserter, queueSize int, logger zerolog.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{
		store:  store,
		queue:  make(chan middleware.AccessEntry, queueSize),
		logger: logger,
	}
}

// Record はエントリをキューに積む。ブロックしない。
func (w *Writer) Record(entry middleware.AccessEntry) {
	select {
	case w.queue <- entry:
	default:
		if w.dropped.Add(1) == 1 {
			w.logger.Warn().Msg("アクセスログのキューが満杯のためエントリを破棄しました")
		}
	}
}

// Dropped はキューが満杯で破棄したエントリ数を返す。
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Written は保存に成功したエントリ数を返す。
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Run はctxがキャンセルされるまでキューのエントリを保存する。
// 終了時はキューに残ったエントリを保存してから戻る。
func (w *Writer) Run(ctx context.Context) error {
	batch := make([]middleware.AccessEntry, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			defer cancel()
			for {
				batch = w.fill(batch)
				if len(batch) == 0 {
					return nil
				}
				w.flush(flushCtx, batch)
				batch = batch[:0]
			}
		case entry := <-w.queue:
			batch = w.fill(append(batch, entry))
			w.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// fill はブロックせずにキューから取り出せるだけバッチに追加する。
func (w *Writer) fill(batch []middleware.AccessEntry) []middleware.AccessEntry {
	for len(batch) < maxBatch {
		select {
		case entry := <-w.queue:
			batch = append(batch, entry)
		default:
			return batch
		}
	}
	return batch
}

func (w *Writer) flush(ctx context.Context, batch []middleware.AccessEntry) {
	if err := w.store.Insert(ctx, batch); err != nil {
		w.logger.Error().Err(err).Int("entries", len(batch)).Msg("アクセスログの保存に失敗しました")
		return
	}
	w.written.Add(int64(len(batch)))
}
