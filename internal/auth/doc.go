// Package auth はBearerトークン（JWT）の検証を提供する。
//
// 検証はローカルで完結し、事前に共有された秘密鍵または公開鍵のみを使う。
// 構造、署名、発行者、オーディエンス、有効期限の順に検査し、
// いずれかに失敗した場合は理由付きの *Error を返す。
// 部分的に信頼されたクレームを返すことはない。
package auth
