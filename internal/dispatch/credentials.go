package dispatch

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/pushboard/pkg/httpclient"
	"golang.org/x/sync/singleflight"
)

// ErrCredentials はゲートウェイの認証情報を取得できなかったことを表す。
var ErrCredentials = errors.New("ゲートウェイの認証情報を取得できません")

const (
	// messagingScope はプッシュ配信APIのOAuthスコープ。
	messagingScope = "https://www.googleapis.com/auth/firebase.messaging"
	// defaultTokenURI はサービスアカウントJSONにtoken_uriがない場合の交換先。
	defaultTokenURI = "https://oauth2.googleapis.com/token"
	// jwtBearerGrant はJWT BearerフローのグラントタイプURI。
	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	// refreshMargin は有効期限のこの時間前にトークンを更新する。
	refreshMargin = time.Minute
)

// TokenSource はゲートウェイ呼び出し用のアクセストークンを返す。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc は関数をTokenSourceとして扱うアダプタ。
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token は関数を呼び出してトークンを返す。
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// ServiceAccount はGoogleのサービスアカウントキー（JSON）の必要な項目。
type ServiceAccount struct {
	// ProjectID はプロジェクトID。
	ProjectID string `json:"project_id"`
	// PrivateKeyID は署名鍵の識別子。
	PrivateKeyID string `json:"private_key_id"`
	// PrivateKey はPEM形式の秘密鍵。
	PrivateKey string `json:"private_key"`
	// ClientEmail はサービスアカウントのメールアドレス。
	ClientEmail string `json:"client_email"`
	// TokenURI はトークン交換エンドポイント。
	TokenURI string `json:"token_uri"`
}

// LoadServiceAccount はサービスアカウントキーのファイルを読み込む。
func LoadServiceAccount(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("サービスアカウントキーの読み込みに失敗: %w", err)
	}
	return ParseServiceAccount(data)
}

// ParseServiceAccount はサービスアカウントキーのJSONを解析する。
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("サービスアカウントキーの解析に失敗: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errors.New("サービスアカウントキーにclient_emailまたはprivate_keyがありません")
	}
	if sa.TokenURI == "" {
		sa.TokenURI = defaultTokenURI
	}
	return &sa, nil
}

// ServiceAccountTokenSource はサービスアカウントの署名付きJWTをアクセストークンに交換する。
// 取得したトークンは有効期限の少し前までキャッシュする。
type ServiceAccountTokenSource struct {
	// account はサービスアカウント情報。
	account *ServiceAccount
	// key は署名に使う秘密鍵。
	key *rsa.PrivateKey
	// client はトークン交換エンドポイントとの通信用HTTPクライアント。
	client *httpclient.Client
	// now は現在時刻を返す関数。
	now func() time.Time

	// mu はtokenとexpiryへの並行アクセスを保護する。
	mu     sync.Mutex
	token  string
	expiry time.Time

	// group は同時に発生したトークン更新を1回にまとめる。
	group singleflight.Group
}

// NewServiceAccountTokenSource は新しいServiceAccountTokenSourceを生成する。
func NewServiceAccountTokenSource(sa *ServiceAccount) (*ServiceAccountTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("秘密鍵の解析に失敗: %w", err)
	}
	return &ServiceAccountTokenSource{
		account: sa,
		key:     key,
		client:  httpclient.New(sa.TokenURI, httpclient.WithTimeout(10*time.Second)),
		now:     time.Now,
	}, nil
}

// tokenResponse はトークン交換エンドポイントのレスポンス。
type tokenResponse struct {
	// AccessToken はアクセストークン。
	AccessToken string `json:"access_token"`
	// ExpiresIn は有効期間（秒）。
	ExpiresIn int64 `json:"expires_in"`
	// TokenType はトークンの種類。
	TokenType string `json:"token_type"`
}

// Token はアクセストークンを返す。キャッシュが有効でなければ取得し直す。
func (s *ServiceAccountTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.now().Before(s.expiry.Add(-refreshMargin)) {
		tok := s.token
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("token", func() (any, error) {
		return s.fetch(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCredentials, err)
	}
	return v.(string), nil
}

// fetch は署名付きJWTを作成してアクセストークンと交換する。
func (s *ServiceAccountTokenSource) fetch(ctx context.Context) (string, error) {
	now := s.now()
	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   s.account.ClientEmail,
		"scope": messagingScope,
		"aud":   s.account.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
	if s.account.PrivateKeyID != "" {
		assertion.Header["kid"] = s.account.PrivateKeyID
	}
	signed, err := assertion.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("アサーションの署名に失敗: %w", err)
	}

	var resp tokenResponse
	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {signed},
	}
	if err := s.client.PostForm(ctx, "", form, &resp); err != nil {
		return "", fmt.Errorf("アクセストークンの取得に失敗: %w", err)
	}
	if resp.AccessToken == "" {
		return "", errors.New("アクセストークンが空です")
	}

	s.mu.Lock()
	s.token = resp.AccessToken
	s.expiry = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	s.mu.Unlock()
	return resp.AccessToken, nil
}
