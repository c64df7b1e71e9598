// Package cache は上流レスポンスのメモリ内キャッシュを提供する。
//
// エントリはTTLで失効し、容量を超えた場合はLRUで追い出される。
// 失効は参照時に判定されるため、定期的な Sweep はメモリの回収のみを担う。
package cache
