// Package logging はサービス共通のzapロガーを構築する。
//
// ログレベルは環境変数や設定ファイルから文字列で受け取り、
// 本番向けのJSONエンコーダで出力する。
package logging
