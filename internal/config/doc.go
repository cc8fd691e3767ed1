// Package config はプロセス起動時に読み込む設定を提供する。
//
// 既定値、任意の設定ファイル（CONFIG_FILE）、環境変数の順に上書きする。
// 配信間隔・バッチサイズ・ゲートウェイタイムアウトの不正値は起動エラーとし、
// GOOGLE_CLIENT_ID の欠落はトークン検証経路のみを無効化する。
package config
