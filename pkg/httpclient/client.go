package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultTimeout はタイムアウト未指定時のリクエストタイムアウト。
const defaultTimeout = 30 * time.Second

// maxErrorBody はStatusErrorに保持するレスポンスボディの最大バイト数。
const maxErrorBody = 512

// Client は外部サービス通信用のHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
}

// Option はClientの生成オプション。
type Option func(*Client)

// WithTimeout はリクエスト全体のタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先のベースURL（例: "https://fcm.googleapis.com"）を指定する。
// 完全なURLを扱う場合はbaseURLにURL全体を渡し、pathを空文字列にする。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError は2xx以外のHTTPレスポンスを表すエラー。
type StatusError struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Body はレスポンスボディの先頭部分。
	Body string
}

// Error はエラーメッセージを返す。
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}
	return c.do(ctx, http.MethodPost, path, bodyReader, "application/json", result)
}

// PostForm は指定パスにフォームエンコードされたボディでPOSTリクエストを送信する。
// OAuth2のトークンエンドポイントとの通信に使用する。
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, result any) error {
	return c.do(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", result)
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, "", result)
}

// do はHTTPリクエストを実行する共通処理。
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	// コンテキストからBearerトークンを伝播する
	if token, ok := ctx.Value(contextKeyBearerToken).(string); ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyBearerToken はコンテキストにBearerトークンを格納するためのキー。
const contextKeyBearerToken contextKey = "bearer_token"

// WithBearerToken はコンテキストにBearerトークンを設定する。
// 設定されたトークンはAuthorizationヘッダーとして送信される。
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKeyBearerToken, token)
}
