// Package auth は外部から提示されたIDトークンの信頼性を検証する。
//
// 署名・構造・有効期限の検証は golang-jwt に委ね、発行者の公開鍵セット（JWKS）は
// KeySet がキャッシュする。その上で aud・iss・email_verified を個別に確認し、
// 失敗した場合は理由（Reason）付きの RejectedError を返す。
// クレームの詳細はデバッグログにのみ出力し、呼び出し元には渡さない。
package auth
