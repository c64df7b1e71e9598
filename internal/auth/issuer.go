package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer は開発・テスト用にHMAC署名のトークンを発行する。
// 本番のトークン発行は外部のIdentity Providerが担う。
type Issuer struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

// tokenClaims は発行するトークンのクレーム。
type tokenClaims struct {
	jwt.RegisteredClaims
	// Roles は付与するロール。
	Roles []string `json:"roles,omitempty"`
}

// NewIssuer は検証と同じ設定からトークン発行器を生成する。
func NewIssuer(cfg Config, opts ...Option) (*Issuer, error) {
	if cfg.PublicKeyFile != "" || cfg.SigningKey == "" {
		return nil, ErrIssueUnsupported
	}
	o := buildOptions(opts)
	return &Issuer{
		key:      []byte(cfg.SigningKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		now:      o.now,
	}, nil
}

// Issue はサブジェクトとロールを持つトークンを発行する。
func (i *Issuer) Issue(subject string, roles []string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Roles: roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}
