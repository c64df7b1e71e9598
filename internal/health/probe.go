package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/nao1215/gateway/pkg/httpclient"
	"github.com/redis/go-redis/v9"
)

// Checker は依存先の稼働確認を行う。nil を返せば稼働中とみなす。
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc は関数を Checker として扱うためのアダプタ。
type CheckerFunc func(ctx context.Context) error

// Check は f(ctx) を呼び出す。
func (f CheckerFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// HTTPProbe はGETリクエストで稼働を確認する。2xxと3xxを稼働中とみなす。
type HTTPProbe struct {
	client *httpclient.Client
	url    string
}

// NewHTTPProbe は新しいHTTPプローブを生成する。
func NewHTTPProbe(client *httpclient.Client, url string) *HTTPProbe {
	return &HTTPProbe{client: client, url: url}
}

// Check は対象URLにGETリクエストを送信する。
func (p *HTTPProbe) Check(ctx context.Context) error {
	result := p.client.Do(ctx, httpclient.Request{Method: http.MethodGet, URL: p.url})
	if result.Err != nil {
		return result.Err
	}
	if result.Outcome != httpclient.OutcomeSuccess {
		return fmt.Errorf("HTTPエラー: status=%d", result.Status)
	}
	return nil
}

// TCPProbe はTCP接続の確立で稼働を確認する。
type TCPProbe struct {
	address string
	dialer  net.Dialer
}

// NewTCPProbe は新しいTCPプローブを生成する。
func NewTCPProbe(address string) *TCPProbe {
	return &TCPProbe{address: address}
}

// Check は対象アドレスに接続し、すぐに切断する。
func (p *TCPProbe) Check(ctx context.Context) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return fmt.Errorf("TCP接続に失敗: %w", err)
	}
	return conn.Close()
}

// RedisProbe はPINGコマンドでRedisの稼働を確認する。
type RedisProbe struct {
	client *redis.Client
}

// NewRedisProbe は "redis://" 形式のURLまたは "host:port" からRedisプローブを生成する。
func NewRedisProbe(target string) (*RedisProbe, error) {
	if strings.HasPrefix(target, "redis://") || strings.HasPrefix(target, "rediss://") {
		opt, err := redis.ParseURL(target)
		if err != nil {
			return nil, fmt.Errorf("RedisのURLの解析に失敗: %w", err)
		}
		return &RedisProbe{client: redis.NewClient(opt)}, nil
	}
	return &RedisProbe{client: redis.NewClient(&redis.Options{Addr: target})}, nil
}

// Check はPINGを送信する。
func (p *RedisProbe) Check(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis PINGに失敗: %w", err)
	}
	return nil
}

// Close はRedisクライアントを閉じる。
func (p *RedisProbe) Close() error {
	return p.client.Close()
}
