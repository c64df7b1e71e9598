package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRequest はテストサーバーが受け取ったリクエスト情報を保持する構造体。
type testRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// Query はクエリ文字列。
	Query string
	// Body はリクエストボディ。
	Body []byte
	// Headers はリクエストヘッダー。
	Headers http.Header
}

// closedAddress は接続を拒否するアドレスを返す。
func closedAddress(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// slowServer はリクエストが取り消されるまで応答しないサーバーを起動する。
func slowServer(t *testing.T) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

// TestDo は上流へのリクエスト送信を検証する。
func TestDo(t *testing.T) {
	t.Parallel()

	t.Run("メソッド、パス、ヘッダー、ボディがそのまま送信されること", func(t *testing.T) {
		t.Parallel()

		received := make(chan testRequest, 1)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			received <- testRequest{
				Method:  r.Method,
				Path:    r.URL.Path,
				Query:   r.URL.RawQuery,
				Body:    body,
				Headers: r.Header,
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":1}`))
		}))
		defer ts.Close()

		client := New()
		result := client.Do(context.Background(), Request{
			Method: http.MethodPost,
			URL:    ts.URL + "/orders?expand=items",
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   []byte(`{"name":"test"}`),
		})

		require.NoError(t, result.Err)
		assert.Equal(t, OutcomeSuccess, result.Outcome)
		assert.Equal(t, http.StatusCreated, result.Status)
		assert.Equal(t, `{"id":1}`, string(result.Body))
		assert.Equal(t, "application/json", result.Header.Get("Content-Type"))
		assert.Positive(t, result.Latency)

		req := <-received
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/orders", req.Path)
		assert.Equal(t, "expand=items", req.Query)
		assert.Equal(t, `{"name":"test"}`, string(req.Body))
		assert.Equal(t, "application/json", req.Headers.Get("Content-Type"))
	})

	t.Run("コンテキストのユーザーIDがX-User-IDヘッダーとして伝播されること", func(t *testing.T) {
		t.Parallel()

		received := make(chan string, 1)
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			received <- r.Header.Get("X-User-ID")
		}))
		defer ts.Close()

		ctx := WithUserID(context.Background(), "user-123")
		result := New().Do(ctx, Request{Method: http.MethodGet, URL: ts.URL})
		require.NoError(t, result.Err)
		assert.Equal(t, "user-123", <-received)
	})

	t.Run("上流のエラーステータスはupstream_errorとして返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusServiceUnavailable)
		}))
		defer ts.Close()

		result := New().Do(context.Background(), Request{Method: http.MethodGet, URL: ts.URL})
		require.NoError(t, result.Err)
		assert.Equal(t, OutcomeUpstreamError, result.Outcome)
		assert.Equal(t, http.StatusServiceUnavailable, result.Status)
		assert.Equal(t, "boom\n", string(result.Body))
		assert.False(t, result.Retryable())
	})

	t.Run("リダイレクトは追従せずそのまま返ること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		}))
		defer ts.Close()

		result := New().Do(context.Background(), Request{Method: http.MethodGet, URL: ts.URL + "/here"})
		require.NoError(t, result.Err)
		assert.Equal(t, http.StatusFound, result.Status)
		assert.Equal(t, "/elsewhere", result.Header.Get("Location"))
	})

	t.Run("接続が拒否された場合は再試行可能な結果になること", func(t *testing.T) {
		t.Parallel()

		result := New().Do(context.Background(), Request{Method: http.MethodGet, URL: "http://" + closedAddress(t)})
		require.Error(t, result.Err)
		assert.Equal(t, OutcomeConnectionRefused, result.Outcome)
		assert.True(t, result.Retryable())
	})

	t.Run("タイムアウトした場合はtimeoutになり再試行不可であること", func(t *testing.T) {
		t.Parallel()

		ts := slowServer(t)
		result := New().Do(context.Background(), Request{
			Method:  http.MethodGet,
			URL:     ts.URL,
			Timeout: 50 * time.Millisecond,
		})
		require.Error(t, result.Err)
		assert.Equal(t, OutcomeTimeout, result.Outcome)
		assert.False(t, result.Retryable())
	})

	t.Run("呼び出し元が取り消した場合はcanceledになること", func(t *testing.T) {
		t.Parallel()

		ts := slowServer(t)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		result := New().Do(ctx, Request{Method: http.MethodGet, URL: ts.URL, Timeout: 5 * time.Second})
		require.Error(t, result.Err)
		assert.Equal(t, OutcomeCanceled, result.Outcome)
	})

	t.Run("上限を超えるレスポンスはtransport_failureになること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		}))
		defer ts.Close()

		result := New(WithMaxResponseBytes(16)).Do(context.Background(), Request{Method: http.MethodGet, URL: ts.URL})
		assert.Equal(t, OutcomeTransportFailure, result.Outcome)
		assert.True(t, errors.Is(result.Err, ErrResponseTooLarge))
	})

	t.Run("不正なURLはtransport_failureになること", func(t *testing.T) {
		t.Parallel()

		result := New().Do(context.Background(), Request{Method: http.MethodGet, URL: "://bad"})
		require.Error(t, result.Err)
		assert.Equal(t, OutcomeTransportFailure, result.Outcome)
	})
}
