package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/gateway/internal/auth"
	"github.com/nao1215/gateway/internal/logging"
	"github.com/nao1215/gateway/internal/route"
	"github.com/nao1215/gateway/pkg/middleware"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// 既定値。
const (
	DefaultPort              = 8080
	DefaultMaxBodyBytes      = 10 << 20
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultCacheCapacity     = 1024
	DefaultCacheShards       = 16
	DefaultSweepInterval     = time.Minute
	DefaultUpstreamTimeout   = 30 * time.Second
	DefaultMaxResponseBytes  = 10 << 20
	DefaultHealthTimeout     = 5 * time.Second
	DefaultAccessLogQueue    = 256
)

var (
	// ErrInvalidConfig は設定値の検証に失敗した場合に返される。
	ErrInvalidConfig = zerr.New("invalid configuration")
	// ErrUnreadable は設定ファイルを読み込めない場合に返される。
	ErrUnreadable = zerr.New("configuration file unreadable")
)

// 健全性チェックの種類。
const (
	KindHTTP  = "http"
	KindTCP   = "tcp"
	KindRedis = "redis"
)

// Config はゲートウェイ全体の設定。起動時に一度だけ読み込み、以降は変更しない。
type Config struct {
	Server    ServerConfig          `yaml:"server" json:"server"`
	Logging   logging.Config        `yaml:"logging" json:"logging"`
	Auth      auth.Config           `yaml:"auth" json:"auth"`
	Cache     CacheConfig           `yaml:"cache" json:"cache"`
	Upstream  UpstreamConfig        `yaml:"upstream" json:"upstream"`
	CORS      middleware.CORSConfig `yaml:"cors" json:"cors"`
	Health    HealthConfig          `yaml:"health" json:"health"`
	AccessLog AccessLogConfig       `yaml:"access_log" json:"access_log"`
	Routes    []route.Definition    `yaml:"routes" json:"routes"`
}

// ServerConfig は受信側HTTPサーバーの設定。
type ServerConfig struct {
	Port int `yaml:"port" json:"port"`
	// MaxBodyBytes は上流へ転送するリクエストボディの上限。超えた場合は413を返す。
	MaxBodyBytes      int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
}

// CacheConfig はレスポンスキャッシュの設定。
type CacheConfig struct {
	Capacity      int           `yaml:"capacity" json:"capacity"`
	Shards        int           `yaml:"shards" json:"shards"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// UpstreamConfig は上流呼び出しの設定。
type UpstreamConfig struct {
	// Timeout はルートにタイムアウトが無い場合の既定値。
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes" json:"max_response_bytes"`
}

// HealthConfig は健全性集約の設定。
type HealthConfig struct {
	// Interval が正の場合はバックグラウンドで定期的にチェックし、最新の結果を返す。
	Interval      time.Duration `yaml:"interval" json:"interval"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	DegradedAfter time.Duration `yaml:"degraded_after" json:"degraded_after"`
	// MinHealthy はUnhealthyな依存先がある場合にDegradedに留めるために必要なHealthyな依存先の数。
	MinHealthy int `yaml:"min_healthy" json:"min_healthy"`
	// IncludeUpstreams が真の場合、ルートの転送先ごとにTCPチェックを追加する。
	IncludeUpstreams bool               `yaml:"include_upstreams" json:"include_upstreams"`
	Dependencies     []DependencyConfig `yaml:"dependencies" json:"dependencies"`
}

// DependencyConfig は1つの依存先の健全性チェック設定。
type DependencyConfig struct {
	Name string `yaml:"name" json:"name"`
	// Kind は "http"、"tcp"、"redis" のいずれか。
	Kind string `yaml:"kind" json:"kind"`
	// Target はhttpではURL、tcpでは "host:port"、redisではURLまたはアドレス。
	Target        string        `yaml:"target" json:"target"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	DegradedAfter time.Duration `yaml:"degraded_after" json:"degraded_after"`
}

// AccessLogConfig はアクセスログの永続化設定。SQLitePathが空の場合は永続化しない。
type AccessLogConfig struct {
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`
	QueueSize  int    `yaml:"queue_size" json:"queue_size"`
}

// Load は設定ファイルを読み込み、既定値と環境変数を適用して検証する。
// YAMLとJSONのどちらも受け付け、Ocelot形式のルート定義は変換して取り込む。
// pathが空の場合は既定値と環境変数のみで構成する。
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", zerr.With(zerr.Wrap(ErrUnreadable, ""), "path", path), err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, zerr.With(zerr.Wrap(err, "設定ファイルの解析に失敗"), "path", path)
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse はYAMLまたはJSONの設定文書を解析する。既定値と検証は適用しない。
func Parse(data []byte) (*Config, error) {
	var doc document
	if err := decode(data, &doc); err != nil {
		return nil, err
	}

	cfg := doc.Config
	if err := doc.mergeOcelot(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decode は文書をデコードする。JSON文書はタブを含むことがあるため一度汎用値に変換してからYAMLノードとして扱う。
func decode(data []byte, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var generic any
		if err := json.Unmarshal(trimmed, &generic); err != nil {
			return zerr.Wrap(err, "JSONの解析に失敗")
		}
		var node yaml.Node
		if err := node.Encode(generic); err != nil {
			return zerr.Wrap(err, "JSONの変換に失敗")
		}
		if err := node.Decode(out); err != nil {
			return zerr.Wrap(err, "設定のデコードに失敗")
		}
		return nil
	}

	if err := yaml.Unmarshal(data, out); err != nil {
		return zerr.Wrap(err, "YAMLの解析に失敗")
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする。
func (c *Config) applyEnv() {
	if v := getEnvOr("PORT", ""); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	c.Auth.SigningKey = getEnvOr("JWT_SECRET", c.Auth.SigningKey)
	c.Auth.Issuer = getEnvOr("JWT_ISSUER", c.Auth.Issuer)
	c.Auth.Audience = getEnvOr("JWT_AUDIENCE", c.Auth.Audience)
	c.Logging.Level = getEnvOr("LOG_LEVEL", c.Logging.Level)
}

// ApplyDefaults は未設定の項目に既定値を入れる。Load は自動的に呼び出す。
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = DefaultCacheCapacity
	}
	if c.Cache.Shards == 0 {
		c.Cache.Shards = DefaultCacheShards
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = DefaultSweepInterval
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}
	if c.Upstream.MaxResponseBytes == 0 {
		c.Upstream.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = DefaultHealthTimeout
	}
	if c.Health.MinHealthy == 0 {
		c.Health.MinHealthy = 1
	}
	for i := range c.Health.Dependencies {
		dep := &c.Health.Dependencies[i]
		dep.Kind = strings.ToLower(dep.Kind)
		if dep.Name == "" {
			dep.Name = dep.Target
		}
	}
	if c.AccessLog.QueueSize == 0 {
		c.AccessLog.QueueSize = DefaultAccessLogQueue
	}
}

// Validate は設定値を検証する。問題があれば起動前に失敗させる。
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, invalid("server.port は1から65535の範囲で指定してください", "port", c.Server.Port))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, invalid("server.max_body_bytes は0以上で指定してください", "max_body_bytes", c.Server.MaxBodyBytes))
	}
	if c.Cache.Capacity < 0 || c.Cache.Shards < 0 {
		errs = append(errs, invalid("cache.capacity と cache.shards は0以上で指定してください", "capacity", c.Cache.Capacity))
	}
	if c.Upstream.Timeout < 0 {
		errs = append(errs, invalid("upstream.timeout は0以上で指定してください", "timeout", c.Upstream.Timeout))
	}
	if c.Health.MinHealthy < 0 {
		errs = append(errs, invalid("health.min_healthy は0以上で指定してください", "min_healthy", c.Health.MinHealthy))
	}

	seen := make(map[string]struct{}, len(c.Health.Dependencies))
	for _, dep := range c.Health.Dependencies {
		switch dep.Kind {
		case KindHTTP, KindTCP, KindRedis:
		default:
			errs = append(errs, invalid("health.dependencies の kind が不正です", "kind", dep.Kind))
		}
		if dep.Target == "" {
			errs = append(errs, invalid("health.dependencies の target が空です", "name", dep.Name))
		}
		if _, ok := seen[dep.Name]; ok {
			errs = append(errs, invalid("health.dependencies の name が重複しています", "name", dep.Name))
		}
		seen[dep.Name] = struct{}{}
	}

	needsAuth := false
	for _, def := range c.Routes {
		if def.RequiresAuth {
			needsAuth = true
			break
		}
	}
	if needsAuth && c.Auth.SigningKey == "" && c.Auth.PublicKeyFile == "" {
		errs = append(errs, invalid("認証が必要なルートがありますが auth.signing_key と auth.public_key_file が未設定です"))
	}

	if _, err := route.NewTable(c.Routes); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", zerr.Wrap(ErrInvalidConfig, "routes"), err))
	}

	return errors.Join(errs...)
}

// invalid はErrInvalidConfigを原因とする検証エラーを作る。
func invalid(msg string, kv ...any) error {
	err := zerr.Wrap(ErrInvalidConfig, msg)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		err = zerr.With(err, key, kv[i+1])
	}
	return err
}

// getEnvOr は環境変数を取得し、未設定の場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
