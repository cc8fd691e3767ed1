// Package notification は予約通知の永続化とHTTPインターフェースを提供する。
//
// Store は notifications テーブルと users テーブルへのアクセスを担い、
// 配信予定時刻を過ぎた未配信通知の抽出（SelectDue）と配信済みへの遷移（MarkSent）を提供する。
// 状態は未配信から配信済みへの一方向にしか変化しない。
//
// Server は配信済み通知の一覧、通知の作成、GoogleのIDトークンによるログイン確認を公開する。
package notification
