package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/nao1215/gateway/internal/route"
	"github.com/nao1215/gateway/pkg/httpclient"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
)

// DefaultTimeout はルートにも設定にもタイムアウトが無い場合の上流呼び出しのタイムアウト。
const DefaultTimeout = 30 * time.Second

var (
	// ErrUpstreamUnavailable は全てのターゲットへの接続に失敗した場合に返される。
	ErrUpstreamUnavailable = zerr.New("all upstream targets unavailable")
	// ErrUpstreamTimeout は上流の応答がタイムアウトした場合に返される。
	ErrUpstreamTimeout = zerr.New("upstream request timed out")
	// ErrUpstreamFailure は接続確立後の通信エラーで応答が得られなかった場合に返される。
	ErrUpstreamFailure = zerr.New("upstream transport failure")
	// ErrCanceled は呼び出し元がリクエストを取り消した場合に返される。
	ErrCanceled = zerr.New("request canceled by caller")
)

// Doer は上流へのリクエストを実行する。
type Doer interface {
	Do(ctx context.Context, req httpclient.Request) *httpclient.Result
}

// Observer は上流呼び出しの結果を受け取る。メトリクス収集に使う。
type Observer interface {
	ObserveUpstream(route, target string, outcome httpclient.Outcome, latency time.Duration)
}

// Inbound はゲートウェイが受信したリクエストのうち転送に必要な情報。
type Inbound struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	// RemoteAddr は呼び出し元のアドレス（"host:port"）。
	RemoteAddr string
	// Scheme は受信時のスキーム。
	Scheme string
	// Host は受信時の Host ヘッダー。
	Host      string
	RequestID string
	// UserID は認証済みの場合のサブジェクト。
	UserID string
}

// Response は上流から得られたレスポンス。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	// Target は応答したターゲットのアドレス。
	Target string
	// Attempts は試行したターゲットの数。
	Attempts int
	Outcome  httpclient.Outcome
	Latency  time.Duration
}

// Forwarder はルートに従ってリクエストを上流に転送する。
type Forwarder struct {
	client   Doer
	timeout  time.Duration
	logger   zerolog.Logger
	observer Observer
}

// Option はフォワーダー生成時のオプション。
type Option func(*Forwarder)

// WithTimeout はルートにタイムアウトが無い場合の既定値を指定する。
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithLogger はロガーを指定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithObserver は上流呼び出しの通知先を指定する。
func WithObserver(o Observer) Option {
	return func(f *Forwarder) {
		f.observer = o
	}
}

// NewForwarder は新しいフォワーダーを生成する。
func NewForwarder(client Doer, opts ...Option) *Forwarder {
	f := &Forwarder{
		client:  client,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward はラウンドロビンで選んだターゲットにリクエストを転送する。
// 接続に失敗した場合のみ次のターゲットを試し、各ターゲットは高々1回しか試さない。
// タイムアウトは再試行せずに ErrUpstreamTimeout を返す。
// 上流が返したエラーステータスはエラーではなく Response としてそのまま返す。
func (f *Forwarder) Forward(ctx context.Context, m *route.Match, in *Inbound) (*Response, error) {
	targets := m.Route.NextTargets()
	timeout := m.Route.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	header := outboundHeader(in)

	if in.UserID != "" {
		ctx = httpclient.WithUserID(ctx, in.UserID)
	}

	attempts := 0
	for _, target := range targets {
		attempts++
		result := f.client.Do(ctx, httpclient.Request{
			Method:  in.Method,
			URL:     target.URL(m.Rewrite(target, in.Path), in.RawQuery),
			Header:  header,
			Body:    in.Body,
			Timeout: timeout,
		})
		if f.observer != nil {
			f.observer.ObserveUpstream(m.Route.Name, target.Address(), result.Outcome, result.Latency)
		}

		switch result.Outcome {
		case httpclient.OutcomeSuccess, httpclient.OutcomeUpstreamError:
			return &Response{
				Status:   result.Status,
				Header:   stripHopByHop(result.Header),
				Body:     result.Body,
				Target:   target.Address(),
				Attempts: attempts,
				Outcome:  result.Outcome,
				Latency:  result.Latency,
			}, nil

		case httpclient.OutcomeConnectionRefused:
			f.logger.Warn().
				Err(result.Err).
				Str("route", m.Route.Name).
				Str("target", target.Address()).
				Int("attempt", attempts).
				Msg("上流への接続に失敗、次のターゲットを試行")

		case httpclient.OutcomeTimeout:
			return nil, zerr.With(zerr.With(zerr.Wrap(ErrUpstreamTimeout, "上流の応答待ちを中断"),
				"target", target.Address()), "timeout", timeout.String())

		case httpclient.OutcomeCanceled:
			return nil, zerr.With(zerr.Wrap(ErrCanceled, "上流呼び出しを中断"), "target", target.Address())

		default:
			err := zerr.With(zerr.Wrap(ErrUpstreamFailure, "上流との通信に失敗"), "target", target.Address())
			if result.Err != nil {
				err = zerr.With(err, "cause", result.Err.Error())
			}
			return nil, err
		}
	}

	return nil, zerr.With(zerr.Wrap(ErrUpstreamUnavailable, "全ターゲットへの接続に失敗"), "attempts", attempts)
}
