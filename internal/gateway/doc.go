// Package gateway はAPI Gatewayのリクエスト処理パイプラインを提供する。
//
// 外部からアクセス可能な唯一の入口であり、セキュリティの境界線として機能する。
// 受信リクエストはルーティングテーブルで転送先を解決し、必要に応じてBearerトークンを
// 検証してから上流サービスに転送する。GET/HEADのレスポンスはルートの設定に従って
// キャッシュする。/health、/healthz、/metrics、/api/home、/_gateway/requests は
// ゲートウェイ自身が応答する予約パスであり、ルート定義では使用できない。
package gateway
