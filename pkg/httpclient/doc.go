// Package httpclient は外部サービスとのHTTP通信を行うクライアントを提供する。
//
// プッシュ配信ゲートウェイへの送信、OAuth2トークンエンドポイントとの
// トークン交換、公開鍵セット（JWKS）の取得など、JSONを中心とした
// 外部通信パターンを統一する。2xx以外の応答は *StatusError として返すため、
// 呼び出し側はステータスコードに基づいて失敗を分類できる。
package httpclient
