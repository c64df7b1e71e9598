// Package health は依存先の稼働確認を並行に行い、全体の稼働状態を集約する。
//
// 確認の種類はHTTP、TCP、Redisの3つ。集約した状態は Healthy、Degraded、
// Unhealthy のいずれかであり、Unhealthy の場合のみエンドポイントは 503 を返す。
package health
