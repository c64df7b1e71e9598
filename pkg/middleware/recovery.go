package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にスタックトレースをログに出力し、respond でレスポンスを書き込む。
// respond が nil の場合は500エラーを返す。スタックトレースはレスポンスに含めない。
func Recovery(logger zerolog.Logger, respond func(*gin.Context)) gin.HandlerFunc {
	if respond == nil {
		respond = func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "内部サーバーエラーが発生しました",
			})
		}
	}

	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("request_id", GetRequestID(c)).
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("パニックから回復しました")
				respond(c)
				c.Abort()
			}
		}()
		c.Next()
	}
}
