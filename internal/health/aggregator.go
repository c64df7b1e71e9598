package health

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout は依存先ごとの確認の既定のタイムアウト。
const DefaultTimeout = 5 * time.Second

// Dependency は確認対象の依存先。
type Dependency struct {
	Name    string
	Kind    string
	Checker Checker
	// Timeout は確認1回あたりの上限。0の場合は DefaultTimeout。
	Timeout time.Duration
	// DegradedAfter を超えて成功した確認は Degraded とする。0の場合は判定しない。
	DegradedAfter time.Duration
}

// Observer は依存先ごとの確認結果を受け取る。メトリクス収集に使う。
type Observer interface {
	ObserveHealth(name string, status Status, duration time.Duration)
}

// Aggregator は依存先を並行に確認し、結果を集約する。
// 直近のレポートは原子的に差し替えるため、読み出し側は常に一貫した結果を得る。
type Aggregator struct {
	deps       []Dependency
	minHealthy int
	now        func() time.Time
	logger     zerolog.Logger
	observer   Observer

	latest atomic.Pointer[Report]
}

// Option は集約器生成時のオプション。
type Option func(*Aggregator)

// WithMinHealthy は Unhealthy な依存先がある場合に Degraded に留めるために必要な Healthy な依存先の数を指定する。
func WithMinHealthy(n int) Option {
	return func(a *Aggregator) {
		a.minHealthy = n
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithLogger はロガーを指定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithObserver は確認結果の通知先を指定する。
func WithObserver(o Observer) Option {
	return func(a *Aggregator) {
		a.observer = o
	}
}

// NewAggregator は新しい集約器を生成する。
func NewAggregator(deps []Dependency, opts ...Option) *Aggregator {
	a := &Aggregator{
		deps:       deps,
		minHealthy: 1,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Check は全ての依存先を並行に確認してレポートを返す。
// 1つの依存先が遅延または失敗しても、他の依存先の結果には影響しない。
func (a *Aggregator) Check(ctx context.Context) *Report {
	start := a.now()
	records := make([]Record, len(a.deps))

	// 確認の失敗は Record に記録し、他の確認を止めないため常に nil を返す
	var g errgroup.Group
	for i, dep := range a.deps {
		g.Go(func() error {
			records[i] = a.probe(ctx, dep)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{
		Status:        Composite(records, a.minHealthy),
		TotalDuration: a.now().Sub(start),
		CheckedAt:     start,
		Records:       records,
	}
	return report
}

// probe は1つの依存先をタイムアウト付きで確認する。
func (a *Aggregator) probe(ctx context.Context, dep Dependency) Record {
	timeout := dep.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := a.now()
	err := a.run(ctx, dep.Checker)
	elapsed := a.now().Sub(start)

	rec := Record{
		Name:        dep.Name,
		Kind:        dep.Kind,
		Status:      StatusHealthy,
		LastChecked: start,
		Duration:    elapsed,
	}
	switch {
	case err != nil:
		rec.Status = StatusUnhealthy
		rec.Detail = err.Error()
	case dep.DegradedAfter > 0 && elapsed > dep.DegradedAfter:
		rec.Status = StatusDegraded
		rec.Detail = "応答が遅延しています: " + elapsed.String()
	}

	if a.observer != nil {
		a.observer.ObserveHealth(rec.Name, rec.Status, rec.Duration)
	}
	return rec
}

// run は確認処理を実行する。処理がコンテキストに従わない場合でも
// タイムアウトで打ち切り、呼び出し元を待たせない。
func (a *Aggregator) run(ctx context.Context, checker Checker) error {
	done := make(chan error, 1)
	go func() {
		done <- checker.Check(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.New("確認がタイムアウトしました")
		}
		return ctx.Err()
	}
}

// Refresh は依存先を確認し、結果を最新のレポートとして保存する。
// 全体の状態が変化した場合はログに記録する。
func (a *Aggregator) Refresh(ctx context.Context) *Report {
	report := a.Check(ctx)
	prev := a.latest.Swap(report)

	if prev == nil || prev.Status != report.Status {
		event := a.logger.Info()
		if report.Status != StatusHealthy {
			event = a.logger.Warn()
		}
		event.Str("status", string(report.Status)).
			Dur("total_duration", report.TotalDuration).
			Msg("ヘルス状態が変化しました")
	}
	return report
}

// Latest は直近のレポートを返す。まだ確認していない場合は false を返す。
func (a *Aggregator) Latest() (*Report, bool) {
	report := a.latest.Load()
	return report, report != nil
}

// Run は即座に1回確認した後、コンテキストが終了するまで一定間隔で確認を繰り返す。
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) error {
	a.Refresh(ctx)
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Refresh(ctx)
		}
	}
}

// Close は依存先のうち io.Closer を実装するプローブを閉じる。
func (a *Aggregator) Close() error {
	var errs []error
	for _, dep := range a.deps {
		if c, ok := dep.Checker.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
