package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/gateway/pkg/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy() Checker {
	return CheckerFunc(func(context.Context) error { return nil })
}

func failing(msg string) Checker {
	return CheckerFunc(func(context.Context) error { return errors.New(msg) })
}

// hanging はコンテキストを無視して長時間ブロックする確認処理。
func hanging() Checker {
	return CheckerFunc(func(context.Context) error {
		time.Sleep(2 * time.Second)
		return nil
	})
}

// TestComposite は全体状態の集約規則を検証する。
func TestComposite(t *testing.T) {
	t.Parallel()

	rec := func(s Status) Record { return Record{Status: s} }

	tests := []struct {
		name       string
		records    []Record
		minHealthy int
		want       Status
	}{
		{name: "依存先が無い場合はHealthy", records: nil, minHealthy: 1, want: StatusHealthy},
		{name: "全てHealthyならHealthy", records: []Record{rec(StatusHealthy), rec(StatusHealthy)}, minHealthy: 2, want: StatusHealthy},
		{name: "一部Unhealthyでも最低数を満たせばDegraded", records: []Record{rec(StatusHealthy), rec(StatusUnhealthy)}, minHealthy: 1, want: StatusDegraded},
		{name: "最低数を満たさなければUnhealthy", records: []Record{rec(StatusHealthy), rec(StatusUnhealthy)}, minHealthy: 2, want: StatusUnhealthy},
		{name: "全てUnhealthyならUnhealthy", records: []Record{rec(StatusUnhealthy), rec(StatusUnhealthy)}, minHealthy: 0, want: StatusUnhealthy},
		{name: "低速な依存先のみならDegraded", records: []Record{rec(StatusDegraded), rec(StatusHealthy)}, minHealthy: 2, want: StatusDegraded},
		{name: "全て低速でもUnhealthyが無ければDegraded", records: []Record{rec(StatusDegraded), rec(StatusDegraded)}, minHealthy: 1, want: StatusDegraded},
		{name: "Degradedは最低数に数えないこと", records: []Record{rec(StatusHealthy), rec(StatusDegraded), rec(StatusUnhealthy)}, minHealthy: 2, want: StatusUnhealthy},
		{name: "DegradedとUnhealthyのみならUnhealthy", records: []Record{rec(StatusDegraded), rec(StatusUnhealthy)}, minHealthy: 1, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Composite(tt.records, tt.minHealthy))
		})
	}
}

// TestAggregatorCheck は依存先の並行確認を検証する。
func TestAggregatorCheck(t *testing.T) {
	t.Parallel()

	t.Run("遅延する依存先があっても他の結果が報告されること", func(t *testing.T) {
		t.Parallel()

		a := NewAggregator([]Dependency{
			{Name: "orders", Kind: "http", Checker: healthy()},
			{Name: "slow", Kind: "tcp", Checker: hanging(), Timeout: 50 * time.Millisecond},
			{Name: "billing", Kind: "http", Checker: failing("connection refused")},
		}, WithMinHealthy(1))

		start := time.Now()
		report := a.Check(context.Background())
		assert.Less(t, time.Since(start), time.Second)

		require.Len(t, report.Records, 3)
		assert.Equal(t, StatusHealthy, report.Records[0].Status)
		assert.Equal(t, StatusUnhealthy, report.Records[1].Status)
		assert.Contains(t, report.Records[1].Detail, "タイムアウト")
		assert.Equal(t, StatusUnhealthy, report.Records[2].Status)
		assert.Equal(t, "connection refused", report.Records[2].Detail)
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Equal(t, http.StatusOK, report.HTTPStatus())
	})

	t.Run("閾値を超えて成功した依存先はDegradedになること", func(t *testing.T) {
		t.Parallel()

		slowOK := CheckerFunc(func(context.Context) error {
			time.Sleep(30 * time.Millisecond)
			return nil
		})
		a := NewAggregator([]Dependency{{Name: "slow", Checker: slowOK, DegradedAfter: 5 * time.Millisecond}})

		report := a.Check(context.Background())
		assert.Equal(t, StatusDegraded, report.Records[0].Status)
		assert.Equal(t, StatusDegraded, report.Status)
	})

	t.Run("全て失敗した場合は503になること", func(t *testing.T) {
		t.Parallel()

		a := NewAggregator([]Dependency{{Name: "a", Checker: failing("down")}})
		report := a.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, http.StatusServiceUnavailable, report.HTTPStatus())
	})

	t.Run("確認結果がオブザーバーに通知されること", func(t *testing.T) {
		t.Parallel()

		obs := &recordingObserver{}
		a := NewAggregator([]Dependency{
			{Name: "a", Checker: healthy()},
			{Name: "b", Checker: failing("down")},
		}, WithObserver(obs))
		a.Check(context.Background())

		assert.Equal(t, map[string]Status{"a": StatusHealthy, "b": StatusUnhealthy}, obs.snapshot())
	})
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses map[string]Status
}

func (r *recordingObserver) ObserveHealth(name string, status Status, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = map[string]Status{}
	}
	r.statuses[name] = status
}

func (r *recordingObserver) snapshot() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses
}

// TestAggregatorRefresh は最新レポートの保存を検証する。
func TestAggregatorRefresh(t *testing.T) {
	t.Parallel()

	a := NewAggregator([]Dependency{{Name: "a", Checker: healthy()}})

	_, ok := a.Latest()
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		_, ok := a.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	report, _ := a.Latest()
	assert.Equal(t, StatusHealthy, report.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run がコンテキストの終了後に停止しない")
	}
}

// TestReportJSON はレスポンスの形式を検証する。
func TestReportJSON(t *testing.T) {
	t.Parallel()

	checkedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	report := &Report{
		Status:        StatusDegraded,
		TotalDuration: 15 * time.Millisecond,
		CheckedAt:     checkedAt,
		Records: []Record{
			{Name: "orders", Kind: "http", Status: StatusHealthy, LastChecked: checkedAt, Duration: 3 * time.Millisecond},
			{Name: "cache", Kind: "redis", Status: StatusUnhealthy, LastChecked: checkedAt, Duration: 10 * time.Millisecond, Detail: "down"},
		},
	}

	raw, err := json.Marshal(report)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "Degraded", got["status"])
	assert.Equal(t, "15ms", got["totalDuration"])

	entries, ok := got["entries"].(map[string]any)
	require.True(t, ok)
	cacheEntry, ok := entries["cache"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Unhealthy", cacheEntry["status"])
	assert.Equal(t, "down", cacheEntry["description"])
	assert.Equal(t, "redis", cacheEntry["kind"])
}

// TestProbes は各種プローブを検証する。
func TestProbes(t *testing.T) {
	t.Parallel()

	t.Run("HTTPプローブは2xxで成功し5xxで失敗すること", func(t *testing.T) {
		t.Parallel()

		ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer ok.Close()
		ng := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ng.Close()

		client := httpclient.New()
		assert.NoError(t, NewHTTPProbe(client, ok.URL).Check(context.Background()))
		assert.Error(t, NewHTTPProbe(client, ng.URL).Check(context.Background()))
	})

	t.Run("TCPプローブは待ち受け中のポートで成功すること", func(t *testing.T) {
		t.Parallel()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				_ = conn.Close()
			}
		}()

		assert.NoError(t, NewTCPProbe(addr).Check(context.Background()))

		require.NoError(t, ln.Close())
		assert.Error(t, NewTCPProbe(addr).Check(context.Background()))
	})

	t.Run("Redisプローブは接続できない場合に失敗すること", func(t *testing.T) {
		t.Parallel()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		probe, err := NewRedisProbe("redis://" + addr + "/0")
		require.NoError(t, err)
		defer probe.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.Error(t, probe.Check(ctx))
	})

	t.Run("RedisのURLが不正な場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := NewRedisProbe("redis://:bad:port/x")
		assert.Error(t, err)
	})
}
