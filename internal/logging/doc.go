// Package logging はゲートウェイ全体で使う zerolog のロガーを組み立てる。
//
// ロガーはグローバル変数に置かず、起動時に生成して各コンポーネントに渡す。
package logging
