// Package config はゲートウェイの設定ファイルを読み込む。
//
// 設定はYAMLまたはJSONで記述する。Ocelot の ocelot.json 形式
// （Routes、GlobalConfiguration、Jwt）も受け付け、ネイティブのルート定義に変換する。
// 環境変数 PORT、JWT_SECRET、JWT_ISSUER、JWT_AUDIENCE、LOG_LEVEL はファイルの値より優先する。
package config
