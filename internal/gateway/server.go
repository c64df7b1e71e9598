package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gateway/internal/accesslog"
	"github.com/nao1215/gateway/internal/auth"
	"github.com/nao1215/gateway/internal/cache"
	"github.com/nao1215/gateway/internal/config"
	"github.com/nao1215/gateway/internal/health"
	"github.com/nao1215/gateway/internal/metrics"
	"github.com/nao1215/gateway/internal/proxy"
	"github.com/nao1215/gateway/internal/route"
	"github.com/nao1215/gateway/pkg/httpclient"
	"github.com/nao1215/gateway/pkg/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ゲートウェイ自身が応答する予約パス。ルート定義では使用できない。
const (
	PathHealth   = "/health"
	PathHealthz  = "/healthz"
	PathMetrics  = "/metrics"
	PathHome     = "/api/home"
	PathRequests = "/_gateway/requests"
)

// ReservedPaths は予約パスの一覧。
var ReservedPaths = []string{PathHealth, PathHealthz, PathMetrics, PathHome, PathRequests}

// AdminRole は管理用エンドポイントに必要なロール。
const AdminRole = "admin"

// defaultExposeHeaders はCORSで公開するヘッダーの既定値。
var defaultExposeHeaders = []string{middleware.HeaderRequestID, "X-Cache", "Age"}

// Server はAPI GatewayのHTTPサーバー。
// 受信リクエストを認証し、ルーティングテーブルに従って上流サービスに転送する。
type Server struct {
	// engine はGinのHTTPエンジン。
	engine *gin.Engine
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time

	table     *route.Table
	validator *auth.Validator
	cache     *cache.Cache
	forwarder *proxy.Forwarder
	health    *health.Aggregator
	metrics   *metrics.Metrics

	// accessStore と accessWriter はアクセスログの永続化が無効な場合はnil。
	accessStore  *accesslog.Store
	accessWriter *accesslog.Writer
}

// Option はサーバー生成時のオプション。
type Option func(*Server)

// WithLogger はロガーを指定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithClock は現在時刻を返す関数を指定する。キャッシュの有効期限とトークン検証に使う。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithMetrics はメトリクスの記録先を指定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New は設定からゲートウェイサーバーを構築する。
// ルート定義や鍵の設定に問題がある場合は起動前にエラーを返す。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	table, err := route.NewTable(cfg.Routes, route.WithReservedPaths(ReservedPaths...))
	if err != nil {
		return nil, fmt.Errorf("ルーティングテーブルの構築に失敗: %w", err)
	}
	s.table = table

	if cfg.Auth.SigningKey != "" || cfg.Auth.PublicKeyFile != "" {
		s.validator, err = auth.NewValidator(cfg.Auth, auth.WithClock(s.now))
		if err != nil {
			return nil, fmt.Errorf("トークン検証器の生成に失敗: %w", err)
		}
	}

	s.cache = cache.New(
		cache.WithCapacity(cfg.Cache.Capacity),
		cache.WithShards(cfg.Cache.Shards),
		cache.WithClock(s.now),
		cache.WithObserver(s.metrics),
	)

	client := httpclient.New(httpclient.WithMaxResponseBytes(cfg.Upstream.MaxResponseBytes))
	s.forwarder = proxy.NewForwarder(client,
		proxy.WithTimeout(cfg.Upstream.Timeout),
		proxy.WithLogger(s.logger),
		proxy.WithObserver(s.metrics),
	)

	deps, err := s.dependencies(client)
	if err != nil {
		return nil, err
	}
	s.health = health.NewAggregator(deps,
		health.WithMinHealthy(cfg.Health.MinHealthy),
		health.WithLogger(s.logger),
		health.WithObserver(s.metrics),
	)

	sinks := []middleware.AccessSink{s.metrics}
	if cfg.AccessLog.SQLitePath != "" {
		s.accessStore, err = accesslog.Open(ctx, cfg.AccessLog.SQLitePath, s.logger)
		if err != nil {
			_ = s.health.Close()
			return nil, err
		}
		s.accessWriter = accesslog.NewWriter(s.accessStore, cfg.AccessLog.QueueSize, s.logger)
		sinks = append(sinks, s.accessWriter)
	}

	s.engine = s.newEngine(sinks)
	return s, nil
}

// dependencies は健全性チェックの対象を組み立てる。
func (s *Server) dependencies(client *httpclient.Client) ([]health.Dependency, error) {
	hc := s.cfg.Health
	deps := make([]health.Dependency, 0, len(hc.Dependencies))

	for _, d := range hc.Dependencies {
		dep := health.Dependency{
			Name:          d.Name,
			Kind:          d.Kind,
			Timeout:       d.Timeout,
			DegradedAfter: d.DegradedAfter,
		}
		if dep.Timeout == 0 {
			dep.Timeout = hc.Timeout
		}
		if dep.DegradedAfter == 0 {
			dep.DegradedAfter = hc.DegradedAfter
		}

		switch d.Kind {
		case config.KindHTTP:
			dep.Checker = health.NewHTTPProbe(client, d.Target)
		case config.KindTCP:
			dep.Checker = health.NewTCPProbe(d.Target)
		case config.KindRedis:
			probe, err := health.NewRedisProbe(d.Target)
			if err != nil {
				closeCheckers(deps)
				return nil, fmt.Errorf("依存先 %s の設定が不正: %w", d.Name, err)
			}
			dep.Checker = probe
		default:
			closeCheckers(deps)
			return nil, fmt.Errorf("依存先 %s の種類 %q は未対応です", d.Name, d.Kind)
		}
		deps = append(deps, dep)
	}

	if hc.IncludeUpstreams {
		seen := make(map[string]struct{})
		for _, r := range s.table.Routes() {
			for _, t := range r.Targets {
				addr := t.Address()
				if _, ok := seen[addr]; ok {
					continue
				}
				seen[addr] = struct{}{}
				deps = append(deps, health.Dependency{
					Name:          "upstream:" + addr,
					Kind:          config.KindTCP,
					Checker:       health.NewTCPProbe(addr),
					Timeout:       hc.Timeout,
					DegradedAfter: hc.DegradedAfter,
				})
			}
		}
	}
	return deps, nil
}

// closeCheckers は構築途中で失敗した場合に生成済みのプローブを閉じる。
func closeCheckers(deps []health.Dependency) {
	for _, dep := range deps {
		if c, ok := dep.Checker.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

// newEngine はミドルウェアとエンドポイントを登録したGinエンジンを生成する。
// ミドルウェアは Recovery → RequestID → AccessLog → CORS の順に実行される。
func (s *Server) newEngine(sinks []middleware.AccessSink) *gin.Engine {
	engine := gin.New()
	// 末尾スラッシュの補正はせず、そのまま上流に転送する
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false

	corsCfg := s.cfg.CORS
	if len(corsCfg.ExposeHeaders) == 0 {
		corsCfg.ExposeHeaders = defaultExposeHeaders
	}

	engine.Use(
		middleware.Recovery(s.logger, internalError),
		middleware.RequestID(),
		middleware.AccessLog(s.logger, sinks...),
		middleware.CORS(corsCfg),
	)

	engine.GET(PathHealth, s.handleHealth)
	engine.HEAD(PathHealth, s.handleHealth)
	engine.GET(PathHealthz, s.handleHealthz)
	engine.GET(PathMetrics, gin.WrapH(s.metrics.Handler()))
	engine.GET(PathHome, s.handleHome)

	if s.validator != nil && s.accessStore != nil {
		engine.GET(PathRequests,
			middleware.JWTAuth(s.validator, middleware.WithFailureHandler(authFailure)),
			requireRoles(AdminRole),
			s.handleRecentRequests,
		)
	}

	// 予約パス以外は全てルーティングテーブルに従って転送する
	engine.NoRoute(s.pipeline()...)
	return engine
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run は設定されたポートで待ち受け、ctxがキャンセルされるまでサーバーを動かす。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("ポート %d での待ち受けに失敗: %w", s.cfg.Server.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve はリスナーでリクエストを受け付ける。キャッシュの掃除と健全性の定期確認も並行して動かす。
// ctxがキャンセルされると新規の受け付けを止め、処理中のリクエストを server.shutdown_timeout まで待つ。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	// アクセスログはサーバー停止後に残りを書き出すため、独立したコンテキストで動かす
	writerCtx, stopWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWriter()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", ln.Addr().String()).Int("routes", s.table.Len()).Msg("ゲートウェイを起動します")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーが異常終了: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		defer stopWriter()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		s.logger.Info().Msg("ゲートウェイを停止します")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.cache.Run(gctx, s.cfg.Cache.SweepInterval)
	})

	if s.cfg.Health.Interval > 0 {
		g.Go(func() error {
			return s.health.Run(gctx, s.cfg.Health.Interval)
		})
	}

	if s.accessWriter != nil {
		g.Go(func() error {
			return s.accessWriter.Run(writerCtx)
		})
	}

	return g.Wait()
}

// Close はサーバーが保持する資源を解放する。Serve の終了後に呼び出すこと。
func (s *Server) Close() error {
	var errs []error
	if err := s.health.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.accessStore != nil {
		if err := s.accessStore.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
