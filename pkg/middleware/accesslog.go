package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AccessEntry は1リクエスト分のアクセスログ。
type AccessEntry struct {
	Time      time.Time     `json:"time"`
	RequestID string        `json:"request_id"`
	Method    string        `json:"method"`
	Path      string        `json:"path"`
	Route     string        `json:"route,omitempty"`
	Status    int           `json:"status"`
	Outcome   string        `json:"outcome,omitempty"`
	Cache     string        `json:"cache,omitempty"`
	Upstream  string        `json:"upstream,omitempty"`
	ClientIP  string        `json:"client_ip"`
	UserID    string        `json:"user_id,omitempty"`
	Latency   time.Duration `json:"latency_ns"`
	BytesOut  int           `json:"bytes_out"`
}

// AccessSink はアクセスログの出力先。呼び出しをブロックしてはならない。
type AccessSink interface {
	Record(entry AccessEntry)
}

// AccessLog はリクエストごとに構造化ログを1行出力するGinミドルウェアを返す。
// sinks には同じ内容が渡される。
func AccessLog(logger zerolog.Logger, sinks ...AccessSink) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		entry := AccessEntry{
			Time:      start,
			RequestID: GetRequestID(c),
			Method:    c.Request.Method,
			Path:      path,
			Route:     c.GetString(KeyRoute),
			Status:    c.Writer.Status(),
			Outcome:   c.GetString(KeyOutcome),
			Cache:     c.GetString(KeyCache),
			Upstream:  c.GetString(KeyUpstream),
			ClientIP:  c.ClientIP(),
			UserID:    GetUserID(c),
			Latency:   time.Since(start),
			BytesOut:  max(c.Writer.Size(), 0),
		}

		var event *zerolog.Event
		switch {
		case entry.Status >= 500:
			event = logger.Error()
		case entry.Status >= 400:
			event = logger.Warn()
		default:
			event = logger.Info()
		}
		event.
			Str("request_id", entry.RequestID).
			Str("method", entry.Method).
			Str("path", entry.Path).
			Str("route", entry.Route).
			Int("status", entry.Status).
			Str("outcome", entry.Outcome).
			Str("cache", entry.Cache).
			Str("upstream", entry.Upstream).
			Str("client_ip", entry.ClientIP).
			Dur("latency", entry.Latency).
			Msg("request")

		for _, sink := range sinks {
			sink.Record(entry)
		}
	}
}
