package proxy

import (
	"net"
	"net/http"
	"strings"
)

// hopByHopHeaders は接続ごとに意味を持ち、転送してはならないヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop はホップバイホップヘッダーを除いたヘッダーの複製を返す。
// Connection ヘッダーで列挙されたヘッダーも除去する。
func stripHopByHop(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, v := range out.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

// outboundHeader は上流に送信するヘッダーを組み立てる。
func outboundHeader(in *Inbound) http.Header {
	h := stripHopByHop(in.Header)
	// Host はターゲットのURLから決まる
	h.Del("Host")

	if ip := clientIP(in.RemoteAddr); ip != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			h.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			h.Set("X-Forwarded-For", ip)
		}
	}
	if h.Get("X-Forwarded-Proto") == "" {
		scheme := in.Scheme
		if scheme == "" {
			scheme = "http"
		}
		h.Set("X-Forwarded-Proto", scheme)
	}
	if h.Get("X-Forwarded-Host") == "" && in.Host != "" {
		h.Set("X-Forwarded-Host", in.Host)
	}
	if in.RequestID != "" {
		h.Set("X-Request-ID", in.RequestID)
	}
	// 呼び出し元が偽装した X-User-ID は転送しない。認証済みの値はクライアントが付与する
	h.Del("X-User-ID")
	return h
}

// clientIP は "host:port" 形式のアドレスからホスト部分を取り出す。
func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
