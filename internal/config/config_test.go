package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nao1215/gateway/internal/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad はYAML設定の読み込みを検証する。
func TestLoad(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join("testdata", "gateway.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, DefaultReadHeaderTimeout, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, "identity-api", cfg.Auth.Issuer)
	assert.Equal(t, 2048, cfg.Cache.Capacity)
	assert.Equal(t, 24*time.Hour, cfg.CORS.MaxAge)
	assert.Equal(t, []string{"X-Request-ID", "X-Cache", "Age"}, cfg.CORS.ExposeHeaders)
	assert.Equal(t, 15*time.Second, cfg.Health.Interval)
	assert.True(t, cfg.Health.IncludeUpstreams)
	require.Len(t, cfg.Health.Dependencies, 2)
	assert.Equal(t, KindRedis, cfg.Health.Dependencies[1].Kind)
	assert.Equal(t, "data/access_log.db", cfg.AccessLog.SQLitePath)

	require.Len(t, cfg.Routes, 3)
	orders := cfg.Routes[0]
	assert.Equal(t, "/orders/{id}", orders.Pattern)
	assert.True(t, orders.RequiresAuth)
	assert.True(t, orders.Cache.Enabled)
	assert.Equal(t, 30*time.Second, orders.Cache.TTL)
	assert.Equal(t, 5*time.Second, cfg.Routes[1].Timeout)
	assert.Len(t, cfg.Routes[1].Targets, 2)
	assert.Equal(t, []string{"admin"}, cfg.Routes[2].RequiredRoles)
}

// TestLoadOcelot はOcelot形式の文書の変換を検証する。
func TestLoadOcelot(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join("testdata", "ocelot.json"))
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "identity-api", cfg.Auth.Issuer)
	assert.Equal(t, "gateway", cfg.Auth.Audience)
	assert.Equal(t, "ocelot-signing-key", cfg.Auth.SigningKey)

	require.Len(t, cfg.Routes, 2)

	orders := cfg.Routes[0]
	assert.Equal(t, "orders", orders.Name)
	assert.Equal(t, "/orders/{id}", orders.Pattern)
	assert.Equal(t, "/api/orders/{id}", orders.DownstreamPath)
	assert.Equal(t, []string{"GET"}, orders.Methods)
	assert.True(t, orders.RequiresAuth)
	assert.Equal(t, route.CachePolicy{Enabled: true, TTL: 30 * time.Second}, orders.Cache)
	assert.Equal(t, 5*time.Second, orders.Timeout)
	require.Len(t, orders.Targets, 1)
	assert.Equal(t, route.Target{Scheme: "http", Host: "orders", Port: 5002}, orders.Targets[0])

	products := cfg.Routes[1]
	assert.Equal(t, "/products/{*everything}", products.Pattern)
	assert.Equal(t, "/api/products/{*everything}", products.DownstreamPath)
	assert.Equal(t, []string{"admin"}, products.RequiredRoles)
	assert.True(t, products.RequiresAuth)
	assert.Len(t, products.Targets, 2)
}

// TestLoadDefaults は既定値の適用を検証する。
func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("routes: []\n"))
	require.NoError(t, err)
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, int64(DefaultMaxBodyBytes), cfg.Server.MaxBodyBytes)
	assert.Equal(t, DefaultCacheCapacity, cfg.Cache.Capacity)
	assert.Equal(t, DefaultUpstreamTimeout, cfg.Upstream.Timeout)
	assert.Equal(t, DefaultHealthTimeout, cfg.Health.Timeout)
	assert.Equal(t, 1, cfg.Health.MinHealthy)
	assert.Equal(t, DefaultAccessLogQueue, cfg.AccessLog.QueueSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

// TestLoadEnv は環境変数による上書きを検証する。
// t.Setenv を使うため並列実行しない。
func TestLoadEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("JWT_ISSUER", "env-issuer")
	t.Setenv("JWT_AUDIENCE", "env-audience")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join("testdata", "gateway.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.Auth.SigningKey)
	assert.Equal(t, "env-issuer", cfg.Auth.Issuer)
	assert.Equal(t, "env-audience", cfg.Auth.Audience)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

// TestValidate は設定値の検証エラーを確認する。
func TestValidate(t *testing.T) {
	t.Parallel()

	target := []route.Target{{Host: "orders", Port: 80}}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "ポート番号が範囲外",
			mutate: func(c *Config) { c.Server.Port = 70000 },
		},
		{
			name: "未知の健全性チェック種別",
			mutate: func(c *Config) {
				c.Health.Dependencies = []DependencyConfig{{Name: "db", Kind: "grpc", Target: "db:5432"}}
			},
		},
		{
			name: "依存先名の重複",
			mutate: func(c *Config) {
				c.Health.Dependencies = []DependencyConfig{
					{Name: "db", Kind: KindTCP, Target: "db:5432"},
					{Name: "db", Kind: KindTCP, Target: "db:5433"},
				}
			},
		},
		{
			name: "認証必須ルートがあるのに鍵が無い",
			mutate: func(c *Config) {
				c.Routes = []route.Definition{{Pattern: "/orders", Targets: target, RequiresAuth: true}}
			},
		},
		{
			name: "同じパターンとメソッドのルート",
			mutate: func(c *Config) {
				c.Routes = []route.Definition{
					{Pattern: "/orders/{id}", Targets: target},
					{Pattern: "/orders/{key}", Targets: target},
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := &Config{}
			tt.mutate(cfg)
			cfg.ApplyDefaults()

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "ErrInvalidConfig を含むこと: %v", err)
		})
	}
}

// TestLoadErrors は読み込みエラーを検証する。
func TestLoadErrors(t *testing.T) {
	t.Parallel()

	t.Run("存在しないファイル", func(t *testing.T) {
		t.Parallel()

		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnreadable)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("壊れたYAML", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("壊れたJSON", func(t *testing.T) {
		t.Parallel()

		_, err := Parse([]byte(`{"Routes": [`))
		assert.Error(t, err)
	})
}
