package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gateway/internal/cache"
	"github.com/nao1215/gateway/internal/proxy"
	"github.com/nao1215/gateway/internal/route"
	"github.com/nao1215/gateway/pkg/httpclient"
	"github.com/nao1215/gateway/pkg/middleware"
)

// Ginコンテキストに保存するパイプライン内部の値のキー。
const (
	keyMatch    = "gateway.match"
	keyCacheKey = "gateway.cache_key"
)

// キャッシュ関連のレスポンスヘッダー。
const (
	headerCache = "X-Cache"
	headerAge   = "Age"
	cacheHit    = "HIT"
	cacheMiss   = "MISS"
)

// pipeline はルーティング対象のリクエストを処理するハンドラ列を返す。
// ルート解決 → 認証 → ロール確認 → キャッシュ参照 → 上流への転送の順に実行する。
func (s *Server) pipeline() []gin.HandlerFunc {
	handlers := []gin.HandlerFunc{s.resolveRoute}
	if s.validator != nil {
		handlers = append(handlers, middleware.JWTAuth(s.validator,
			middleware.WithSkipper(func(c *gin.Context) bool {
				return !matchFrom(c).Route.RequiresAuth
			}),
			middleware.WithFailureHandler(authFailure),
		))
	}
	return append(handlers, s.authorize, s.serveFromCache, s.dispatch)
}

// matchFrom はルート解決の結果を取り出す。resolveRoute の後でのみ呼び出すこと。
func matchFrom(c *gin.Context) *route.Match {
	return c.MustGet(keyMatch).(*route.Match)
}

// resolveRoute はメソッドとパスからルートを解決する。一致しない場合は404を返す。
func (s *Server) resolveRoute(c *gin.Context) {
	match, err := s.table.Resolve(c.Request.Method, c.Request.URL.Path)
	if errors.Is(err, route.ErrInvalidPath) {
		abortWithError(c, http.StatusBadRequest, CodeBadRequest, "パスに \".\" または \"..\" のセグメントは使用できません", "")
		return
	}
	if err != nil {
		abortWithError(c, http.StatusNotFound, CodeRouteNotFound, "ルートが見つかりません", "")
		return
	}
	c.Set(keyMatch, match)
	c.Set(middleware.KeyRoute, match.Route.Name)
	c.Next()
}

// authorize は認証が必要なルートでトークンが検証済みかを確認し、必要なロールを要求する。
func (s *Server) authorize(c *gin.Context) {
	r := matchFrom(c).Route
	if !r.RequiresAuth {
		c.Next()
		return
	}

	// 鍵が設定されていない場合は検証できないため拒否する
	if _, ok := middleware.GetClaims(c); !ok {
		abortWithError(c, http.StatusUnauthorized, CodeAuthError, "トークンを検証できません", "")
		return
	}
	requireRoles(r.RequiredRoles...)(c)
}

// requireRoles は指定ロールのいずれかを持たない呼び出し元を403で拒否するハンドラを返す。
func requireRoles(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := middleware.GetClaims(c)
		if !ok || !claims.HasAnyRole(roles...) {
			abortWithError(c, http.StatusForbidden, CodeForbidden, "このリソースへのアクセス権がありません", "")
			return
		}
		c.Next()
	}
}

// serveFromCache はキャッシュ対象のリクエストについて保存済みのレスポンスを返す。
// ヒットした場合は上流に転送しない。
func (s *Server) serveFromCache(c *gin.Context) {
	match := matchFrom(c)
	if !match.Route.Cacheable(c.Request.Method) {
		c.Next()
		return
	}

	key := cache.Key(match.Route.ID(), c.Request.Method, match.Path, c.Request.URL.RawQuery,
		c.Request.Header, match.Route.Cache.VaryHeaders)

	if entry, ok := s.cache.Get(key); ok {
		c.Set(middleware.KeyCache, cacheHit)
		c.Set(middleware.KeyOutcome, string(httpclient.OutcomeSuccess))
		copyHeader(c, entry.Header)
		c.Header(headerCache, cacheHit)
		c.Header(headerAge, strconv.Itoa(int(entry.Age(s.now()).Seconds())))
		writeBody(c, entry.Status, entry.Body)
		c.Abort()
		return
	}

	c.Set(keyCacheKey, key)
	c.Set(middleware.KeyCache, cacheMiss)
	c.Header(headerCache, cacheMiss)
	c.Next()
}

// dispatch はリクエストを上流に転送し、結果を呼び出し元に返す。
func (s *Server) dispatch(c *gin.Context) {
	match := matchFrom(c)

	body, ok := s.readBody(c)
	if !ok {
		return
	}

	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	in := &proxy.Inbound{
		Method:     c.Request.Method,
		Path:       match.Path,
		RawQuery:   c.Request.URL.RawQuery,
		Header:     c.Request.Header,
		Body:       body,
		RemoteAddr: c.Request.RemoteAddr,
		Scheme:     scheme,
		Host:       c.Request.Host,
		RequestID:  middleware.GetRequestID(c),
		UserID:     middleware.GetUserID(c),
	}

	ctx := c.Request.Context()
	resp, err := s.forwarder.Forward(ctx, match, in)
	if err != nil {
		s.forwardFailed(c, match, err)
		return
	}

	c.Set(middleware.KeyOutcome, string(resp.Outcome))
	c.Set(middleware.KeyUpstream, resp.Target)

	// 呼び出し元が切断済みの場合は保存しない
	key := c.GetString(keyCacheKey)
	if key != "" && isSuccess(resp.Status) && ctx.Err() == nil && cache.Storable(resp.Header) {
		s.cache.Put(key, &cache.Entry{
			Status:      resp.Status,
			Header:      resp.Header,
			Body:        resp.Body,
			ContentType: resp.Header.Get("Content-Type"),
			StoredAt:    s.now(),
			TTL:         match.Route.Cache.TTL,
		})
	}

	copyHeader(c, resp.Header)
	writeBody(c, resp.Status, resp.Body)
}

// readBody はリクエストボディを上限付きで読み込む。上限を超えた場合は413を返す。
func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	limit := s.cfg.Server.MaxBodyBytes
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, true
	}
	if limit > 0 && c.Request.ContentLength > limit {
		abortWithError(c, http.StatusRequestEntityTooLarge, CodeRequestTooLarge, "リクエストボディが大きすぎます", "")
		return nil, false
	}

	reader := io.Reader(c.Request.Body)
	if limit > 0 {
		reader = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, http.StatusRequestEntityTooLarge, CodeRequestTooLarge, "リクエストボディが大きすぎます", "")
			return nil, false
		}
		abortWithError(c, http.StatusBadRequest, CodeBadRequest, "リクエストボディの読み取りに失敗しました", "")
		return nil, false
	}
	return body, true
}

// forwardFailed は転送の失敗を分類してエラーレスポンスを返す。
func (s *Server) forwardFailed(c *gin.Context, match *route.Match, err error) {
	event := s.logger.Warn().
		Err(err).
		Str("request_id", middleware.GetRequestID(c)).
		Str("route", match.Route.Name)

	switch {
	case errors.Is(err, proxy.ErrUpstreamTimeout):
		event.Msg("上流の応答がタイムアウトしました")
		abortWithError(c, http.StatusGatewayTimeout, CodeUpstreamTimeout, "上流サービスの応答がタイムアウトしました", "")
	case errors.Is(err, proxy.ErrCanceled):
		event.Msg("呼び出し元が切断したため転送を中断しました")
		c.Set(middleware.KeyOutcome, string(httpclient.OutcomeCanceled))
		c.AbortWithStatus(statusClientClosedRequest)
	case errors.Is(err, proxy.ErrUpstreamUnavailable):
		event.Msg("利用可能な上流サービスがありません")
		abortWithError(c, http.StatusBadGateway, CodeUpstreamUnavailable, "上流サービスに接続できません", "")
	default:
		event.Msg("上流サービスとの通信に失敗しました")
		abortWithError(c, http.StatusBadGateway, CodeUpstreamUnavailable, "上流サービスとの通信に失敗しました", "")
	}
}

// copyHeader は上流のヘッダーをレスポンスに複製する。
// ゲートウェイのミドルウェアが設定済みのヘッダー（リクエストIDやCORS）は上書きしない。
func copyHeader(c *gin.Context, header http.Header) {
	dst := c.Writer.Header()
	for k, vs := range header {
		if _, exists := dst[k]; exists {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}

// writeBody はステータスと本文をそのまま書き込む。
func writeBody(c *gin.Context, status int, body []byte) {
	c.Status(status)
	c.Writer.WriteHeaderNow()
	if len(body) > 0 {
		_, _ = c.Writer.Write(body)
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
