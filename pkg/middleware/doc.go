// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// IDトークンによる認証と作成権限の確認、パニックリカバリ、CORS設定を含む。
package middleware
