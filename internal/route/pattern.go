package route

import (
	"strings"
)

// segmentKind はパスパターンのセグメント種別。
// 値が小さいほど具体的であり、優先順位の比較にそのまま使う。
type segmentKind int

const (
	// segmentLiteral は固定文字列のセグメント（例: "orders"）。
	segmentLiteral segmentKind = iota
	// segmentParam は1セグメントに一致するパラメータ（例: "{id}"）。
	segmentParam
	// segmentCatchAll は残り全てのセグメントに一致するパラメータ（例: "{*rest}"）。
	segmentCatchAll
)

// segment はパスパターンを "/" で分割した1要素。
type segment struct {
	kind segmentKind
	// value はリテラルの場合は文字列、パラメータの場合はパラメータ名。
	value string
}

// parsePattern はパスパターンをセグメント列に変換する。
func parsePattern(pattern string) ([]segment, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, annotate(ErrInvalidPattern, "pattern", pattern)
	}

	parts := splitPath(pattern)
	segments := make([]segment, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))

	for i, part := range parts {
		if part == "" {
			return nil, annotate(ErrInvalidPattern, "pattern", pattern, "reason", "空のセグメント")
		}

		if !strings.HasPrefix(part, "{") {
			if strings.ContainsAny(part, "{}") {
				return nil, annotate(ErrInvalidPattern, "pattern", pattern, "segment", part)
			}
			segments = append(segments, segment{kind: segmentLiteral, value: part})
			continue
		}

		if !strings.HasSuffix(part, "}") {
			return nil, annotate(ErrInvalidPattern, "pattern", pattern, "segment", part)
		}
		name := part[1 : len(part)-1]
		kind := segmentParam
		if rest, ok := strings.CutPrefix(name, "*"); ok {
			kind = segmentCatchAll
			name = rest
			if i != len(parts)-1 {
				return nil, annotate(ErrInvalidPattern, "pattern", pattern, "reason", "キャッチオールは末尾のみ")
			}
		}
		if !validParamName(name) {
			return nil, annotate(ErrInvalidPattern, "pattern", pattern, "segment", part)
		}
		if _, dup := seen[name]; dup {
			return nil, annotate(ErrInvalidPattern, "pattern", pattern, "duplicate_param", name)
		}
		seen[name] = struct{}{}
		segments = append(segments, segment{kind: kind, value: name})
	}

	return segments, nil
}

// validParamName はパラメータ名が英数字・アンダースコア・ハイフンのみで構成されるかを判定する。
func validParamName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// splitPath は前後のスラッシュを除いてパスをセグメントに分割する。
// ルート "/" は空のスライスになる。
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Canonical はデコード済みの受信パスを正規の形に揃える。
// 連続するスラッシュは1つにまとめ、末尾のスラッシュは保持する。
// "." と ".." のセグメントは解決せずに ErrInvalidPath を返す。
func Canonical(p string) (string, error) {
	parts := strings.Split(p, "/")
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "":
			continue
		case ".", "..":
			return "", annotate(ErrInvalidPath, "path", p)
		}
		kept = append(kept, part)
	}

	canonical := "/" + strings.Join(kept, "/")
	if len(kept) > 0 && strings.HasSuffix(p, "/") {
		canonical += "/"
	}
	return canonical, nil
}

// matchSegments はパスのセグメント列がパターンに一致するかを判定し、
// 一致した場合は抽出したパラメータを返す。
func matchSegments(segments []segment, parts []string) (map[string]string, bool) {
	var params map[string]string
	set := func(name, value string) {
		if params == nil {
			params = make(map[string]string, len(segments))
		}
		params[name] = value
	}

	for i, s := range segments {
		if s.kind == segmentCatchAll {
			set(s.value, strings.Join(parts[i:], "/"))
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch s.kind {
		case segmentLiteral:
			if parts[i] != s.value {
				return nil, false
			}
		case segmentParam:
			if parts[i] == "" {
				return nil, false
			}
			set(s.value, parts[i])
		}
	}

	if len(parts) != len(segments) {
		return nil, false
	}
	return params, true
}

// normalizePattern はパラメータ名を除いたパターンの形を返す。
// 同じ形を持つルートは同じリクエスト集合に一致する。
func normalizePattern(segments []segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		switch s.kind {
		case segmentLiteral:
			b.WriteString(s.value)
		case segmentParam:
			b.WriteString("{}")
		case segmentCatchAll:
			b.WriteString("{*}")
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// specificity はルートの優先順位を比較するための値。
type specificity struct {
	catchAll bool
	params   int
	kinds    []segmentKind
}

// newSpecificity はセグメント列から優先順位を計算する。
func newSpecificity(segments []segment) specificity {
	s := specificity{kinds: make([]segmentKind, len(segments))}
	for i, seg := range segments {
		s.kinds[i] = seg.kind
		switch seg.kind {
		case segmentParam:
			s.params++
		case segmentCatchAll:
			s.catchAll = true
			s.params++
		}
	}
	return s
}

// moreSpecificThan は s が other より優先されるかを返す。
// 同順位の場合は false を返し、宣言順で決まる。
func (s specificity) moreSpecificThan(other specificity) bool {
	if s.catchAll != other.catchAll {
		return !s.catchAll
	}
	if s.params != other.params {
		return s.params < other.params
	}
	for i := 0; i < len(s.kinds) && i < len(other.kinds); i++ {
		if s.kinds[i] != other.kinds[i] {
			return s.kinds[i] < other.kinds[i]
		}
	}
	return len(s.kinds) > len(other.kinds)
}
