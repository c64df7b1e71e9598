// Package httpclient はゲートウェイから上流サービスへのHTTP通信を行うクライアントを提供する。
//
// 呼び出し結果は成功、上流エラー、タイムアウト、接続失敗、取り消し、通信失敗に
// 分類して返す。再試行の判断は呼び出し側が Result.Retryable で行う。
package httpclient
