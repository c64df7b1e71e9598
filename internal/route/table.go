package route

import (
	"net/http"
	"slices"
	"sort"
	"strings"

	"go.trai.ch/zerr"
)

var (
	// ErrNotFound はリクエストに一致するルートが無い場合に返される。
	ErrNotFound = zerr.New("route not found")
	// ErrInvalidPath は受信パスに "." または ".." のセグメントが含まれる場合に返される。
	ErrInvalidPath = zerr.New("request path contains dot segments")
	// ErrInvalidPattern はパスパターンの書式が不正な場合に返される。
	ErrInvalidPattern = zerr.New("invalid route pattern")
	// ErrAmbiguousRoute は同じ形のパターンと重複するメソッドを持つルートが複数ある場合に返される。
	ErrAmbiguousRoute = zerr.New("ambiguous route")
	// ErrNoTargets はルートに転送先が1つも無い場合に返される。
	ErrNoTargets = zerr.New("route has no upstream targets")
	// ErrInvalidTarget は転送先の設定が不正な場合に返される。
	ErrInvalidTarget = zerr.New("invalid upstream target")
	// ErrInvalidMethod は未知のHTTPメソッドが指定された場合に返される。
	ErrInvalidMethod = zerr.New("invalid http method")
	// ErrUnknownPlaceholder は書き換えテンプレートがパターンに無いパラメータを参照した場合に返される。
	ErrUnknownPlaceholder = zerr.New("rewrite template references unknown parameter")
	// ErrReservedPath はゲートウェイ自身が使うパスをルートが上書きしようとした場合に返される。
	ErrReservedPath = zerr.New("route pattern shadows a reserved gateway path")
	// ErrInvalidCachePolicy はキャッシュ有効なのにTTLが正でない場合に返される。
	ErrInvalidCachePolicy = zerr.New("cache enabled without a positive ttl")
)

// annotate はエラーを原因として保持したままメタデータを付与する。
// zerr.With はセンチネルを複製するため、errors.Is で判定できるよう先に包む。
func annotate(err error, kv ...any) error {
	err = zerr.Wrap(err, "")
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		err = zerr.With(err, key, kv[i+1])
	}
	return err
}

// knownMethods はルート定義で指定できるHTTPメソッド。
var knownMethods = map[string]struct{}{
	http.MethodGet: {}, http.MethodHead: {}, http.MethodPost: {}, http.MethodPut: {},
	http.MethodPatch: {}, http.MethodDelete: {}, http.MethodOptions: {},
}

// Table は起動時に構築される不変のルーティングテーブル。
// ルートは優先順位順に並んでおり、最初に一致したルートが選ばれる。
type Table struct {
	routes []*Route
}

// Option はテーブル構築時のオプション。
type Option func(*tableOptions)

type tableOptions struct {
	reserved []string
}

// WithReservedPaths はルートが使用できない予約パスを指定する。
func WithReservedPaths(paths ...string) Option {
	return func(o *tableOptions) {
		o.reserved = append(o.reserved, paths...)
	}
}

// NewTable はルート定義を検証してルーティングテーブルを構築する。
// 不正な定義や曖昧な定義がある場合は起動時に失敗させるためエラーを返す。
func NewTable(defs []Definition, opts ...Option) (*Table, error) {
	options := &tableOptions{}
	for _, opt := range opts {
		opt(options)
	}

	reserved := make(map[string]struct{}, len(options.reserved))
	for _, p := range options.reserved {
		reserved["/"+strings.Trim(p, "/")] = struct{}{}
	}

	routes := make([]*Route, 0, len(defs))
	shapes := make(map[string][]*Route, len(defs))

	for i, def := range defs {
		r, err := compile(def)
		if err != nil {
			return nil, err
		}
		r.id = i

		if _, ok := reserved[normalizePattern(r.segments)]; ok {
			return nil, annotate(ErrReservedPath, "pattern", def.Pattern)
		}

		shape := normalizePattern(r.segments)
		for _, other := range shapes[shape] {
			if methodsOverlap(r, other) {
				err := annotate(ErrAmbiguousRoute, "pattern", def.Pattern)
				return nil, zerr.With(err, "conflicts_with", other.Name)
			}
		}
		shapes[shape] = append(shapes[shape], r)
		routes = append(routes, r)
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].specificity.moreSpecificThan(routes[j].specificity)
	})

	return &Table{routes: routes}, nil
}

// compile はルート定義を検証し、マッチングに使う形に変換する。
func compile(def Definition) (*Route, error) {
	segments, err := parsePattern(def.Pattern)
	if err != nil {
		return nil, err
	}

	if def.Name == "" {
		def.Name = def.Pattern
	}

	def.Methods = slices.Clone(def.Methods)
	def.Targets = slices.Clone(def.Targets)
	def.RequiredRoles = slices.Clone(def.RequiredRoles)

	methods := make(map[string]struct{}, len(def.Methods))
	for i, m := range def.Methods {
		upper := strings.ToUpper(strings.TrimSpace(m))
		if _, ok := knownMethods[upper]; !ok {
			return nil, annotate(ErrInvalidMethod, "route", def.Name, "method", m)
		}
		def.Methods[i] = upper
		methods[upper] = struct{}{}
	}

	if len(def.Targets) == 0 {
		return nil, annotate(ErrNoTargets, "route", def.Name)
	}

	params := make(map[string]segmentKind, len(segments))
	for _, s := range segments {
		if s.kind != segmentLiteral {
			params[s.value] = s.kind
		}
	}
	if err := checkTemplate(def.DownstreamPath, params); err != nil {
		return nil, zerr.With(err, "route", def.Name)
	}

	for _, t := range def.Targets {
		if t.Host == "" || t.Port < 0 || t.Port > 65535 {
			return nil, annotate(ErrInvalidTarget, "route", def.Name, "host", t.Host)
		}
		if s := strings.ToLower(t.Scheme); s != "" && s != "http" && s != "https" {
			return nil, annotate(ErrInvalidTarget, "route", def.Name, "scheme", t.Scheme)
		}
		if err := checkTemplate(t.PathRewrite, params); err != nil {
			return nil, zerr.With(err, "route", def.Name)
		}
	}

	if def.Cache.Enabled && def.Cache.TTL <= 0 {
		return nil, annotate(ErrInvalidCachePolicy, "route", def.Name)
	}

	r := &Route{
		Definition:  def,
		segments:    segments,
		specificity: newSpecificity(segments),
		methods:     methods,
	}
	return r, nil
}

// checkTemplate は書き換えテンプレート内のプレースホルダーがパターンに存在するかを検証する。
func checkTemplate(template string, params map[string]segmentKind) error {
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			return nil
		}
		closeIdx := strings.IndexByte(rest[open:], '}')
		if closeIdx < 0 {
			return annotate(ErrInvalidPattern, "template", template)
		}
		name := rest[open+1 : open+closeIdx]
		kind := segmentParam
		if trimmed, ok := strings.CutPrefix(name, "*"); ok {
			name = trimmed
			kind = segmentCatchAll
		}
		if got, ok := params[name]; !ok || got != kind {
			return annotate(ErrUnknownPlaceholder, "placeholder", rest[open:open+closeIdx+1])
		}
		rest = rest[open+closeIdx+1:]
	}
}

// methodsOverlap は2つのルートが共通して受け付けるメソッドを持つかを返す。
func methodsOverlap(a, b *Route) bool {
	if len(a.methods) == 0 || len(b.methods) == 0 {
		return true
	}
	for m := range a.methods {
		if _, ok := b.methods[m]; ok {
			return true
		}
	}
	return false
}

// Resolve はメソッドとパスに一致するルートを返す。
// パスは Canonical で正規化してから照合し、結果の Match.Path に保持する。
// ドットセグメントを含む場合は ErrInvalidPath、一致するルートが無い場合は ErrNotFound を返す。
func (t *Table) Resolve(method, path string) (*Match, error) {
	canonical, err := Canonical(path)
	if err != nil {
		return nil, err
	}

	parts := splitPath(canonical)
	for _, r := range t.routes {
		if !r.AllowsMethod(method) {
			continue
		}
		params, ok := matchSegments(r.segments, parts)
		if !ok {
			continue
		}
		return &Match{Route: r, Params: params, Path: canonical}, nil
	}
	return nil, annotate(ErrNotFound, "method", method, "path", path)
}

// Routes は優先順位順のルート一覧を返す。
func (t *Table) Routes() []*Route {
	return slices.Clone(t.routes)
}

// Len は登録済みルート数を返す。
func (t *Table) Len() int {
	return len(t.routes)
}
