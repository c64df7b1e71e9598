package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// defaultAllowedMethods はプリフライトで要求メソッドが無い場合に返すメソッド一覧。
var defaultAllowedMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

// CORSConfig はCORSミドルウェアの設定。
type CORSConfig struct {
	// ExposeHeaders はブラウザのスクリプトに公開するレスポンスヘッダー。
	ExposeHeaders []string `yaml:"expose_headers" json:"expose_headers"`
	// MaxAge はプリフライト結果のキャッシュ期間。0の場合は24時間。
	MaxAge time.Duration `yaml:"max_age" json:"max_age"`
}

// CORS は全てのオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// プリフライトリクエストはここで204を返して終了し、後続のハンドラには渡さない。
func CORS(cfg CORSConfig) gin.HandlerFunc {
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	maxAgeValue := strconv.Itoa(int(maxAge.Seconds()))
	exposeValue := strings.Join(cfg.ExposeHeaders, ", ")
	methodsValue := strings.Join(defaultAllowedMethods, ", ")

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")

		if IsPreflight(c.Request) {
			if m := c.GetHeader("Access-Control-Request-Method"); m != "" {
				c.Header("Access-Control-Allow-Methods", strings.ToUpper(m))
			} else {
				c.Header("Access-Control-Allow-Methods", methodsValue)
			}
			if h := c.GetHeader("Access-Control-Request-Headers"); h != "" {
				c.Header("Access-Control-Allow-Headers", h)
			} else {
				c.Header("Access-Control-Allow-Headers", "*")
			}
			c.Header("Access-Control-Max-Age", maxAgeValue)
			c.Writer.Header().Add("Vary", "Origin")
			c.Writer.Header().Add("Vary", "Access-Control-Request-Method")
			c.Writer.Header().Add("Vary", "Access-Control-Request-Headers")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		if exposeValue != "" {
			c.Header("Access-Control-Expose-Headers", exposeValue)
		}
		c.Next()
	}
}

// IsPreflight はリクエストがCORSのプリフライトかを返す。
// Origin と Access-Control-Request-Method を伴う OPTIONS のみをプリフライトとみなし、
// それ以外の OPTIONS は通常のリクエストとして転送する。
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}
