package auth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// roleClaimKeys はロールを読み取るクレーム名。
// ASP.NET Identity が発行するトークンのロールURIにも対応する。
var roleClaimKeys = []string{
	"roles",
	"role",
	"http://schemas.microsoft.com/ws/2008/06/identity/claims/role",
}

var (
	hmacAlgorithms  = []string{"HS256", "HS384", "HS512"}
	rsaAlgorithms   = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	ecdsaAlgorithms = []string{"ES256", "ES384", "ES512"}
	eddsaAlgorithms = []string{"EdDSA"}
)

// Config はトークン検証の設定。
type Config struct {
	// Issuer は期待する発行者（iss）。
	Issuer string `yaml:"issuer" json:"issuer"`
	// Audience は期待するオーディエンス（aud）。
	Audience string `yaml:"audience" json:"audience"`
	// SigningKey はHMAC署名の共有秘密鍵。
	SigningKey string `yaml:"signing_key" json:"signing_key"`
	// PublicKeyFile はRSA/ECDSA/Ed25519公開鍵のPEMファイルパス。設定時はSigningKeyより優先する。
	PublicKeyFile string `yaml:"public_key_file" json:"public_key_file"`
	// Algorithms は許可する署名アルゴリズム。省略時は鍵の種類から決める。
	Algorithms []string `yaml:"algorithms" json:"algorithms"`
	// ClockSkew は有効期限の判定で許容する時刻のずれ。既定は0。
	ClockSkew time.Duration `yaml:"clock_skew" json:"clock_skew"`
}

// Claims は検証済みトークンから取り出した認証情報。永続化はしない。
type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	Roles     []string
}

// HasAnyRole は指定ロールのいずれかを保持しているかを返す。
// ロールが指定されていない場合は常にtrue。
func (c *Claims) HasAnyRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if slices.Contains(c.Roles, r) {
			return true
		}
	}
	return false
}

// Option は Validator と Issuer のオプション。
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock は現在時刻の取得関数を差し替える。テストで使用する。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) *options {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Validator はBearerトークンをローカルで検証する。
// ネットワーク通信は行わず、事前に設定された鍵のみを使う。
type Validator struct {
	key      any
	methods  []string
	issuer   string
	audience string
	skew     time.Duration
	now      func() time.Time
}

// NewValidator は設定からトークン検証器を生成する。
func NewValidator(cfg Config, opts ...Option) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, ErrMissingIssuer
	}
	if cfg.Audience == "" {
		return nil, ErrMissingAudience
	}

	key, defaults, err := loadKey(cfg)
	if err != nil {
		return nil, err
	}

	methods := defaults
	if len(cfg.Algorithms) > 0 {
		methods = make([]string, 0, len(cfg.Algorithms))
		for _, alg := range cfg.Algorithms {
			if !slices.Contains(defaults, alg) || jwt.GetSigningMethod(alg) == nil {
				return nil, annotate(ErrUnsupportedAlgorithm, "algorithm", alg)
			}
			methods = append(methods, alg)
		}
	}

	o := buildOptions(opts)
	return &Validator{
		key:      key,
		methods:  methods,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		skew:     cfg.ClockSkew,
		now:      o.now,
	}, nil
}

// loadKey は検証鍵と、その鍵で使えるアルゴリズムの一覧を返す。
func loadKey(cfg Config) (any, []string, error) {
	if cfg.PublicKeyFile == "" {
		if cfg.SigningKey == "" {
			return nil, nil, ErrNoSigningKey
		}
		return []byte(cfg.SigningKey), hmacAlgorithms, nil
	}

	pem, err := os.ReadFile(cfg.PublicKeyFile)
	if err != nil {
		return nil, nil, annotate(fmt.Errorf("%w: %w", ErrInvalidPublicKey, err), "path", cfg.PublicKeyFile)
	}
	if k, err := jwt.ParseRSAPublicKeyFromPEM(pem); err == nil {
		return k, rsaAlgorithms, nil
	}
	if k, err := jwt.ParseECPublicKeyFromPEM(pem); err == nil {
		return k, ecdsaAlgorithms, nil
	}
	if k, err := jwt.ParseEdPublicKeyFromPEM(pem); err == nil {
		return k, eddsaAlgorithms, nil
	}
	return nil, nil, annotate(ErrInvalidPublicKey, "path", cfg.PublicKeyFile)
}

// Validate は資格情報文字列を検証し、成功した場合のみクレームを返す。
// 構造、署名、発行者、オーディエンス、有効期限の順に検査する。
// 失敗時は常に *Error を返す。
func (v *Validator) Validate(credential string) (*Claims, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, newError(ReasonMissingToken, nil)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.methods),
		jwt.WithoutClaimsValidation(),
	)
	mapClaims := jwt.MapClaims{}
	_, err := parser.ParseWithClaims(credential, mapClaims, func(_ *jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, newError(ReasonInvalidSignature, err)
		default:
			return nil, newError(ReasonMalformed, err)
		}
	}

	issuer, err := mapClaims.GetIssuer()
	if err != nil {
		return nil, newError(ReasonMalformed, err)
	}
	if issuer != v.issuer {
		return nil, newError(ReasonIssuerMismatch, fmt.Errorf("got %q", issuer))
	}

	audience, err := mapClaims.GetAudience()
	if err != nil {
		return nil, newError(ReasonMalformed, err)
	}
	if !slices.Contains(audience, v.audience) {
		return nil, newError(ReasonAudienceMismatch, fmt.Errorf("got %v", []string(audience)))
	}

	now := v.now()
	exp, err := mapClaims.GetExpirationTime()
	if err != nil {
		return nil, newError(ReasonMalformed, err)
	}
	if exp == nil {
		return nil, newError(ReasonMissingExpiry, nil)
	}
	if !now.Before(exp.Add(v.skew)) {
		return nil, newError(ReasonExpired, nil)
	}

	claims := &Claims{
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: exp.Time,
	}

	nbf, err := mapClaims.GetNotBefore()
	if err != nil {
		return nil, newError(ReasonMalformed, err)
	}
	if nbf != nil {
		if now.Add(v.skew).Before(nbf.Time) {
			return nil, newError(ReasonNotYetValid, nil)
		}
		claims.NotBefore = nbf.Time
	}

	if claims.Subject, err = mapClaims.GetSubject(); err != nil {
		return nil, newError(ReasonMalformed, err)
	}
	claims.Roles = extractRoles(mapClaims)

	return claims, nil
}

// extractRoles は文字列または文字列配列のロールクレームを重複なく取り出す。
func extractRoles(claims jwt.MapClaims) []string {
	var roles []string
	add := func(r string) {
		if r != "" && !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}

	for _, key := range roleClaimKeys {
		switch v := claims[key].(type) {
		case string:
			add(v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		}
	}
	return roles
}

// BearerToken はAuthorizationヘッダーの値からBearerトークンを取り出す。
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", newError(ReasonMissingToken, nil)
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", newError(ReasonMalformed, errors.New("bearer scheme required"))
	}
	return strings.TrimSpace(token), nil
}
