package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/gateway/internal/auth"
	"github.com/nao1215/gateway/pkg/middleware"
)

// Code はエラーレスポンスの機械可読な分類。
type Code string

const (
	CodeAuthError           Code = "AuthError"
	CodeForbidden           Code = "Forbidden"
	CodeRouteNotFound       Code = "RouteNotFound"
	CodeBadRequest          Code = "BadRequest"
	CodeRequestTooLarge     Code = "RequestTooLarge"
	CodeUpstreamUnavailable Code = "UpstreamUnavailable"
	CodeUpstreamTimeout     Code = "UpstreamTimeout"
	CodeInternalError       Code = "InternalError"
)

// statusClientClosedRequest は呼び出し元が応答を待たずに切断したことを表す。
const statusClientClosedRequest = 499

// errorBody はエラーレスポンスの本文。スタックトレースなどの内部情報は含めない。
type errorBody struct {
	Code      Code   `json:"code"`
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id"`
}

// abortWithError はエラーレスポンスを書き込み、後続のハンドラを止める。
func abortWithError(c *gin.Context, status int, code Code, message, reason string) {
	c.Set(middleware.KeyOutcome, string(code))
	c.AbortWithStatusJSON(status, errorBody{
		Code:      code,
		Error:     message,
		Reason:    reason,
		RequestID: middleware.GetRequestID(c),
	})
}

// authFailure はトークン検証の失敗を401で返す。
func authFailure(c *gin.Context, err error) {
	if authErr, ok := auth.AsError(err); ok {
		abortWithError(c, http.StatusUnauthorized, CodeAuthError, authErr.Message(), string(authErr.Reason))
		return
	}
	abortWithError(c, http.StatusUnauthorized, CodeAuthError, "トークンが無効です", "")
}

// internalError はパニック時のレスポンスを返す。
func internalError(c *gin.Context) {
	abortWithError(c, http.StatusInternalServerError, CodeInternalError, "内部サーバーエラーが発生しました", "")
}
