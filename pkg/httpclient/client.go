package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.trai.ch/zerr"
)

// DefaultMaxResponseBytes は読み込む上流レスポンスボディの既定の上限。
const DefaultMaxResponseBytes int64 = 10 << 20

// ErrResponseTooLarge は上流レスポンスのボディが上限を超えた場合に返される。
var ErrResponseTooLarge = zerr.New("upstream response body too large")

// Outcome は上流呼び出しの結果の分類。
type Outcome string

const (
	// OutcomeSuccess は上流が2xxまたは3xxを返したことを表す。
	OutcomeSuccess Outcome = "success"
	// OutcomeUpstreamError は上流が4xxまたは5xxを返したことを表す。
	OutcomeUpstreamError Outcome = "upstream_error"
	// OutcomeTimeout はリクエスト単位のタイムアウトに達したことを表す。
	OutcomeTimeout Outcome = "timeout"
	// OutcomeConnectionRefused は上流への接続が確立できなかったことを表す。
	OutcomeConnectionRefused Outcome = "connection_refused"
	// OutcomeCanceled は呼び出し元がリクエストを取り消したことを表す。
	OutcomeCanceled Outcome = "canceled"
	// OutcomeTransportFailure は接続確立後の通信エラーを表す。
	OutcomeTransportFailure Outcome = "transport_failure"
)

// Request は上流に送信するリクエスト。
type Request struct {
	Method string
	// URL はスキーム、ホスト、パス、クエリを含む完全なURL。
	URL    string
	Header http.Header
	Body   []byte
	// Timeout は呼び出し全体のタイムアウト。0の場合は呼び出し元のコンテキストのみに従う。
	Timeout time.Duration
}

// Result は上流呼び出しの結果。
type Result struct {
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration
	Outcome Outcome
	// Err はレスポンスが得られなかった場合の原因。
	Err error
}

// Retryable は別のターゲットで再試行してよい結果かを返す。
// 接続の確立に失敗した場合のみ再試行できる。
func (r *Result) Retryable() bool {
	return r.Outcome == OutcomeConnectionRefused
}

// Client はゲートウェイから上流サービスへの通信を行うHTTPクライアント。
// リダイレクトは追従せず、レスポンスはそのまま呼び出し元に返す。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// maxResponseBytes は読み込むレスポンスボディの上限。
	maxResponseBytes int64
}

// Option はクライアント生成時のオプション。
type Option func(*Client)

// WithTransport は使用するトランスポートを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// WithMaxResponseBytes はレスポンスボディの上限を指定する。
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxResponseBytes = n
		}
	}
}

// New は新しい上流通信用HTTPクライアントを生成する。
// タイムアウトはリクエストごとに Request.Timeout で指定する。
func New(opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.MaxIdleConnsPerHost = 64
	// 上流のContent-Encodingをそのまま中継する
	transport.DisableCompression = true

	c := &Client{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxResponseBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do はリクエストを送信し、結果を分類して返す。
// エラーは返さず、失敗の内容は Result.Outcome と Result.Err に格納する。
func (c *Client) Do(ctx context.Context, req Request) *Result {
	start := time.Now()

	attemptCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return &Result{
			Outcome: OutcomeTransportFailure,
			Err:     fmt.Errorf("HTTPリクエストの作成に失敗: %w", err),
			Latency: time.Since(start),
		}
	}
	if req.Header != nil {
		httpReq.Header = req.Header.Clone()
	}

	// コンテキストからユーザーIDを伝播する
	if userID, ok := ctx.Value(contextKeyUserID).(string); ok && httpReq.Header.Get("X-User-ID") == "" {
		httpReq.Header.Set("X-User-ID", userID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &Result{
			Outcome: classify(ctx, attemptCtx, err),
			Err:     zerr.With(fmt.Errorf("HTTPリクエストの送信に失敗: %w", err), "url", req.URL),
			Latency: time.Since(start),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes+1))
	if err != nil {
		return &Result{
			Status:  resp.StatusCode,
			Outcome: classify(ctx, attemptCtx, err),
			Err:     zerr.With(fmt.Errorf("レスポンスボディの読み込みに失敗: %w", err), "url", req.URL),
			Latency: time.Since(start),
		}
	}
	if int64(len(respBody)) > c.maxResponseBytes {
		return &Result{
			Status:  resp.StatusCode,
			Outcome: OutcomeTransportFailure,
			Err:     zerr.With(zerr.Wrap(ErrResponseTooLarge, "レスポンスボディの読み込みを中断"), "limit", c.maxResponseBytes),
			Latency: time.Since(start),
		}
	}

	outcome := OutcomeSuccess
	if resp.StatusCode >= http.StatusBadRequest {
		outcome = OutcomeUpstreamError
	}
	return &Result{
		Status:  resp.StatusCode,
		Header:  resp.Header,
		Body:    respBody,
		Latency: time.Since(start),
		Outcome: outcome,
	}
}

// classify は通信エラーを結果の分類に変換する。
// 呼び出し元の取り消し、リクエスト単位のタイムアウト、接続失敗の順に判定する。
func classify(parent, attempt context.Context, err error) Outcome {
	if errors.Is(parent.Err(), context.Canceled) {
		return OutcomeCanceled
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return OutcomeTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return OutcomeConnectionRefused
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return OutcomeConnectionRefused
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeTransportFailure
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyUserID はコンテキストにユーザーIDを格納するためのキー。
const contextKeyUserID contextKey = "user_id"

// WithUserID はコンテキストにユーザーIDを設定する。
// 上流への転送時に X-User-ID ヘッダーとして伝播される。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}
