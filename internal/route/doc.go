// Package route は起動時に読み込むルーティングテーブルを提供する。
//
// 受信リクエストのメソッドとパスから転送先ルートを解決する。
// リテラルのセグメントはパラメータより優先され、キャッチオールは最も優先度が低い。
// 同じ形のパターンでメソッドが重複する定義は曖昧として起動時に拒否する。
package route
