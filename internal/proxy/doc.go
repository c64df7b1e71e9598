// Package proxy は解決済みのルートに従って上流サービスへリクエストを転送する。
package proxy
