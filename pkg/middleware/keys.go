package middleware

// Ginコンテキストに格納する値のキー。
const (
	KeyRequestID = "request_id"
	KeyUserID    = "user_id"
	KeyClaims    = "claims"
	// KeyRoute は解決されたルート名。
	KeyRoute = "route"
	// KeyOutcome は上流呼び出しの結果の分類。
	KeyOutcome = "outcome"
	// KeyCache はキャッシュの利用結果（"HIT" または "MISS"）。
	KeyCache = "cache"
	// KeyUpstream は応答した上流のアドレス。
	KeyUpstream = "upstream"
)
