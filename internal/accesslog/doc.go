// Package accesslog はゲートウェイのアクセスログをSQLiteに保存する。
//
// Writer はリクエスト処理から受け取ったエントリを有界キューに積み、
// バックグラウンドでまとめて Store に書き込む。保存したエントリは
// /_gateway/requests で新しい順に参照できる。
package accesslog
