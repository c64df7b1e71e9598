package cache

import (
	"net/http"
	"strings"
)

// Storable は上流のレスポンスヘッダーが共有キャッシュへの保存を許しているかを返す。
// Set-Cookie を含むレスポンスは呼び出し元固有であるため保存しない。
// Cache-Control の no-store、no-cache、private も保存しない。
func Storable(header http.Header) bool {
	if len(header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, value := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "no-store", "no-cache", "private":
				return false
			}
		}
	}
	return true
}
