package route

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Definition は設定ファイルから読み込むルート定義。
type Definition struct {
	// Name はログやメトリクスで使うルート名。省略時はパターンを使う。
	Name string `yaml:"name" json:"name"`
	// Pattern は受信パスのテンプレート（例: "/orders/{id}"）。
	Pattern string `yaml:"pattern" json:"pattern"`
	// Methods は許可するHTTPメソッド。空の場合は全メソッドに一致する。
	Methods []string `yaml:"methods" json:"methods"`
	// Targets は転送先の上流サービス。先頭から順にラウンドロビンで選択する。
	Targets []Target `yaml:"targets" json:"targets"`
	// DownstreamPath はターゲット側に書き換えルールが無い場合の転送先パステンプレート。
	DownstreamPath string `yaml:"downstream_path" json:"downstream_path"`
	// RequiresAuth はBearerトークンによる認証が必要かどうか。
	RequiresAuth bool `yaml:"requires_auth" json:"requires_auth"`
	// RequiredRoles はいずれかを保持している必要があるロール。
	RequiredRoles []string `yaml:"required_roles" json:"required_roles"`
	// Cache はレスポンスキャッシュの設定。
	Cache CachePolicy `yaml:"cache" json:"cache"`
	// Timeout は上流呼び出しのタイムアウト。0の場合はゲートウェイ全体の既定値を使う。
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Target は転送先となる上流サービスのアドレス。
type Target struct {
	// Scheme は "http" または "https"。省略時は "http"。
	Scheme string `yaml:"scheme" json:"scheme"`
	// Host は上流サービスのホスト名。
	Host string `yaml:"host" json:"host"`
	// Port は上流サービスのポート番号。0の場合はスキームの既定ポート。
	Port int `yaml:"port" json:"port"`
	// PathRewrite は転送先パスのテンプレート。パターンのパラメータを参照できる。
	PathRewrite string `yaml:"path_rewrite" json:"path_rewrite"`
}

// Address は "host:port" 形式のアドレスを返す。
func (t Target) Address() string {
	if t.Port == 0 {
		if t.scheme() == "https" {
			return net.JoinHostPort(t.Host, "443")
		}
		return net.JoinHostPort(t.Host, "80")
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// BaseURL はスキームとアドレスからなるベースURLを返す。
func (t Target) BaseURL() string {
	if t.Port == 0 {
		return t.scheme() + "://" + t.Host
	}
	return t.scheme() + "://" + t.Address()
}

// URL はデコード済みのパスとクエリから転送先のURLを組み立てる。
// パスに含まれる "?" や "#" はエスケープされ、クエリやフラグメントにはならない。
func (t Target) URL(path, rawQuery string) string {
	host := t.Host
	if t.Port != 0 {
		host = t.Address()
	}
	u := url.URL{
		Scheme:   t.scheme(),
		Host:     host,
		Path:     path,
		RawQuery: rawQuery,
	}
	return u.String()
}

func (t Target) scheme() string {
	if t.Scheme == "" {
		return "http"
	}
	return strings.ToLower(t.Scheme)
}

// CachePolicy はルート単位のレスポンスキャッシュ設定。
type CachePolicy struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
	// VaryHeaders はキャッシュキーに含めるリクエストヘッダー。
	VaryHeaders []string `yaml:"vary_headers" json:"vary_headers"`
}

// Route はルーティングテーブルに登録済みのルート。
// 読み込み後は不変であり、ラウンドロビンのカウンタのみ更新される。
type Route struct {
	Definition

	segments    []segment
	specificity specificity
	methods     map[string]struct{}
	// id は定義の宣言順の位置。
	id int
	// next はラウンドロビンの次の開始位置。
	next atomic.Uint64
}

// ID はテーブル内でルートを一意に識別する文字列を返す。キャッシュキーの区別に使う。
func (r *Route) ID() string {
	return strconv.Itoa(r.id) + ":" + r.Name
}

// AllowsMethod はルートが指定メソッドを受け付けるかを返す。
// GETを受け付けるルートはHEADも受け付ける。
func (r *Route) AllowsMethod(method string) bool {
	if len(r.methods) == 0 {
		return true
	}
	method = strings.ToUpper(method)
	if _, ok := r.methods[method]; ok {
		return true
	}
	if method == http.MethodHead {
		_, ok := r.methods[http.MethodGet]
		return ok
	}
	return false
}

// NextTargets はラウンドロビンで回転させたターゲットの一覧を返す。
// 呼び出しごとに開始位置が1つずつ進む。先頭が今回の第一候補であり、
// 接続失敗時は後続のターゲットを順に試す。
func (r *Route) NextTargets() []Target {
	n := len(r.Definition.Targets)
	if n == 0 {
		return nil
	}
	start := int((r.next.Add(1) - 1) % uint64(n))
	rotated := make([]Target, 0, n)
	rotated = append(rotated, r.Definition.Targets[start:]...)
	rotated = append(rotated, r.Definition.Targets[:start]...)
	return rotated
}

// Cacheable はメソッドがキャッシュ対象になり得るかを返す。
func (r *Route) Cacheable(method string) bool {
	if !r.Cache.Enabled || r.Cache.TTL <= 0 {
		return false
	}
	return method == http.MethodGet || method == http.MethodHead
}

// Match はルート解決の結果。
type Match struct {
	Route *Route
	// Params はパターンのパラメータに一致した値。
	Params map[string]string
	// Path は照合に使った正規化済みの受信パス。
	Path string
}

// Rewrite はターゲットの書き換えルールに従って転送先パスを組み立てる。
// ターゲットにもルートにもテンプレートが無い場合は受信パスをそのまま返す。
func (m *Match) Rewrite(target Target, inboundPath string) string {
	template := target.PathRewrite
	if template == "" {
		template = m.Route.DownstreamPath
	}
	if template == "" {
		return inboundPath
	}

	out := template
	for _, s := range m.Route.segments {
		switch s.kind {
		case segmentParam:
			out = strings.ReplaceAll(out, "{"+s.value+"}", m.Params[s.value])
		case segmentCatchAll:
			out = strings.ReplaceAll(out, "{*"+s.value+"}", m.Params[s.value])
		}
	}

	// 空のキャッチオールで生じる末尾のスラッシュは受信パスに合わせる
	if len(out) > 1 && strings.HasSuffix(out, "/") && !strings.HasSuffix(inboundPath, "/") {
		out = strings.TrimSuffix(out, "/")
	}
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	return out
}
