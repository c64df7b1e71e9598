package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gateway/internal/auth"
)

// TokenValidator はBearerトークンを検証してクレームを返す。
type TokenValidator interface {
	Validate(credential string) (*auth.Claims, error)
}

// jwtConfig はJWTAuthの設定。
type jwtConfig struct {
	skip      func(*gin.Context) bool
	onFailure func(*gin.Context, error)
}

// JWTOption はJWTAuthのオプション。
type JWTOption func(*jwtConfig)

// WithSkipper は認証を省略するかを判定する関数を指定する。
func WithSkipper(fn func(*gin.Context) bool) JWTOption {
	return func(c *jwtConfig) {
		c.skip = fn
	}
}

// WithFailureHandler は認証失敗時のレスポンスを書き込む関数を指定する。
// 指定しない場合は401と理由に応じたメッセージを返す。
func WithFailureHandler(fn func(*gin.Context, error)) JWTOption {
	return func(c *jwtConfig) {
		c.onFailure = fn
	}
}

// JWTAuth はAuthorizationヘッダーのBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにクレームとユーザーIDを設定する。
// 失敗した場合は後続のハンドラを呼ばずに終了する。
func JWTAuth(v TokenValidator, opts ...JWTOption) gin.HandlerFunc {
	cfg := &jwtConfig{onFailure: defaultAuthFailure}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if cfg.skip != nil && cfg.skip(c) {
			c.Next()
			return
		}

		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			cfg.onFailure(c, err)
			c.Abort()
			return
		}

		claims, err := v.Validate(token)
		if err != nil {
			cfg.onFailure(c, err)
			c.Abort()
			return
		}

		c.Set(KeyClaims, claims)
		c.Set(KeyUserID, claims.Subject)
		c.Next()
	}
}

// defaultAuthFailure は401と失敗理由を返す。
func defaultAuthFailure(c *gin.Context, err error) {
	body := gin.H{"error": "トークンが無効です"}
	if authErr, ok := auth.AsError(err); ok {
		body["error"] = authErr.Message()
		body["reason"] = string(authErr.Reason)
	}
	c.JSON(http.StatusUnauthorized, body)
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// 認証されていない場合は空文字列を返す。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(KeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetClaims はGinコンテキストから検証済みのクレームを取得する。
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(KeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}
