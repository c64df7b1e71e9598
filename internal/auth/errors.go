package auth

import (
	"errors"

	"go.trai.ch/zerr"
)

var (
	// ErrNoSigningKey は署名鍵が設定されていない場合に返される。
	ErrNoSigningKey = zerr.New("no signing key configured")
	// ErrMissingIssuer は検証すべき発行者が設定されていない場合に返される。
	ErrMissingIssuer = zerr.New("issuer is required")
	// ErrMissingAudience は検証すべきオーディエンスが設定されていない場合に返される。
	ErrMissingAudience = zerr.New("audience is required")
	// ErrUnsupportedAlgorithm は未知の署名アルゴリズムが指定された場合に返される。
	ErrUnsupportedAlgorithm = zerr.New("unsupported signing algorithm")
	// ErrInvalidPublicKey は公開鍵ファイルを解釈できない場合に返される。
	ErrInvalidPublicKey = zerr.New("invalid public key")
	// ErrIssueUnsupported はHMAC以外の鍵でトークン発行を試みた場合に返される。
	ErrIssueUnsupported = zerr.New("token issuance requires a shared signing key")
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

// Reason は認証失敗の理由を表す機械可読なコード。
type Reason string

const (
	// ReasonMissingToken はAuthorizationヘッダーが無いことを表す。
	ReasonMissingToken Reason = "missing_token"
	// ReasonMalformed はトークンの構造が不正であることを表す。
	ReasonMalformed Reason = "malformed_token"
	// ReasonInvalidSignature は署名の検証に失敗したことを表す。
	ReasonInvalidSignature Reason = "invalid_signature"
	// ReasonIssuerMismatch は発行者が一致しないことを表す。
	ReasonIssuerMismatch Reason = "issuer_mismatch"
	// ReasonAudienceMismatch はオーディエンスが一致しないことを表す。
	ReasonAudienceMismatch Reason = "audience_mismatch"
	// ReasonMissingExpiry は有効期限クレームが無いことを表す。
	ReasonMissingExpiry Reason = "missing_expiry"
	// ReasonExpired は有効期限が切れていることを表す。
	ReasonExpired Reason = "token_expired"
	// ReasonNotYetValid は利用開始時刻前であることを表す。
	ReasonNotYetValid Reason = "token_not_yet_valid"
)

// messages は理由ごとの利用者向けメッセージ。
var messages = map[Reason]string{
	ReasonMissingToken:     "Authorizationヘッダーが必要です",
	ReasonMalformed:        "トークンの形式が不正です",
	ReasonInvalidSignature: "トークンの署名が無効です",
	ReasonIssuerMismatch:   "トークンの発行者が一致しません",
	ReasonAudienceMismatch: "トークンのオーディエンスが一致しません",
	ReasonMissingExpiry:    "トークンに有効期限がありません",
	ReasonExpired:          "トークンの有効期限が切れています",
	ReasonNotYetValid:      "トークンはまだ有効ではありません",
}

// Error はトークン検証の失敗を表す。
// 検証に失敗した場合、クレームは一切返されない。
type Error struct {
	// Reason は失敗理由。
	Reason Reason
	// Err は原因となったエラー。無い場合はnil。
	Err error
}

func newError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// Error はエラーメッセージを返す。
func (e *Error) Error() string {
	if e.Err != nil {
		return "auth: " + string(e.Reason) + ": " + e.Err.Error()
	}
	return "auth: " + string(e.Reason)
}

// Unwrap は原因となったエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Message は利用者向けのメッセージを返す。内部情報は含まない。
func (e *Error) Message() string {
	if m, ok := messages[e.Reason]; ok {
		return m
	}
	return "トークンが無効です"
}

// AsError はエラーの連鎖から *Error を取り出す。
func AsError(err error) (*Error, bool) {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr, true
	}
	return nil, false
}
