package cache

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// Key はリクエストからキャッシュキーを組み立てる。
// scope（ルートの識別子）、メソッド、パス、キー順に並べたクエリ、varyで指定された
// ヘッダーの値から構成される。scope が異なるルート同士はキーを共有しない。
// path はルート解決に使った正規化済みのパスを渡すこと。
func Key(scope, method, path, rawQuery string, header http.Header, vary []string) string {
	var b strings.Builder

	b.WriteString(scope)
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	if path == "" {
		path = "/"
	}
	b.WriteString(path)

	if rawQuery != "" {
		b.WriteByte('?')
		if values, err := url.ParseQuery(rawQuery); err == nil {
			b.WriteString(values.Encode())
		} else {
			b.WriteString(rawQuery)
		}
	}

	if len(vary) > 0 {
		names := make([]string, 0, len(vary))
		for _, name := range vary {
			names = append(names, http.CanonicalHeaderKey(strings.TrimSpace(name)))
		}
		slices.Sort(names)
		names = slices.Compact(names)

		for _, name := range names {
			b.WriteByte('\n')
			b.WriteString(strings.ToLower(name))
			b.WriteByte('=')
			b.WriteString(strings.Join(header.Values(name), ","))
		}
	}

	return b.String()
}
