// Package middleware はゲートウェイのリクエスト処理で使用するGinミドルウェアを提供する。
//
// リクエストIDの付与、アクセスログ、パニックリカバリ、CORS、
// Bearerトークンの検証を含む。
package middleware
