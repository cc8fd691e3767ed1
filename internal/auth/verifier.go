package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrRejected はトークンが拒否されたことを表す。
// 具体的な理由は RejectedError.Reason で確認する。
var ErrRejected = errors.New("IDトークンが拒否されました")

// ErrMissingAudience は期待するaudienceが設定されていないことを表す。
var ErrMissingAudience = errors.New("audienceが設定されていません")

// DefaultIssuers はGoogleのIDトークンとして受け入れる発行者。
var DefaultIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// Reason はトークンを拒否した理由。
type Reason string

const (
	// ReasonInvalidToken は署名・構造・有効期限のいずれかが不正であることを表す。
	ReasonInvalidToken Reason = "invalid_token"
	// ReasonAudienceMismatch はaudienceが期待値と一致しないことを表す。
	ReasonAudienceMismatch Reason = "audience_mismatch"
	// ReasonIssuerMismatch は発行者が許可リストに含まれないことを表す。
	ReasonIssuerMismatch Reason = "issuer_mismatch"
	// ReasonUnverifiedEmail はメールアドレスが検証済みでないことを表す。
	ReasonUnverifiedEmail Reason = "unverified_email"
)

// RejectedError はトークン拒否の理由を保持するエラー。
type RejectedError struct {
	// Reason は拒否理由。
	Reason Reason
}

// Error はエラーメッセージを返す。
func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRejected.Error(), e.Reason)
}

// Is は errors.Is(err, ErrRejected) を満たすために実装する。
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Principal は検証に成功したトークンから得られる本人情報。
type Principal struct {
	// Email は検証済みのメールアドレス。
	Email string
	// Subject はトークンのsubクレーム。
	Subject string
	// Audience はトークンの宛先（クライアントID）。
	Audience string
	// Issuer はトークンの発行者。
	Issuer string
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time
}

// Verifier はIDトークンを検証する。
type Verifier struct {
	// keys は署名検証に使う公開鍵の取得元。
	keys KeyProvider
	// audience は期待するaudience（OAuthクライアントID）。
	audience string
	// issuers は受け入れる発行者の集合。
	issuers map[string]struct{}
	// logger は検証結果の詳細を出力するロガー。
	logger *zap.Logger
	// now は現在時刻を返す関数。
	now func() time.Time
}

// Option はVerifierの生成オプション。
type Option func(*Verifier)

// WithIssuers は受け入れる発行者を置き換える。空の場合はデフォルトのまま。
func WithIssuers(issuers ...string) Option {
	return func(v *Verifier) {
		if len(issuers) == 0 {
			return
		}
		v.issuers = make(map[string]struct{}, len(issuers))
		for _, iss := range issuers {
			v.issuers[iss] = struct{}{}
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(logger *zap.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier は新しいVerifierを生成する。
// audienceが空の場合は ErrMissingAudience を返す。
func NewVerifier(keys KeyProvider, audience string, opts ...Option) (*Verifier, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	v := &Verifier{
		keys:     keys,
		audience: audience,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	WithIssuers(DefaultIssuers...)(v)
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify はトークンを検証し、成功した場合は本人情報を返す。
// 失敗した場合は *RejectedError を返す。
func (v *Verifier) Verify(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, v.reject(ReasonInvalidToken, zap.String("detail", "トークンが空です"))
	}

	claims := &idTokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("kidヘッダーがありません")
		}
		return v.keys.Key(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, v.reject(ReasonInvalidToken, zap.Error(err))
	}

	if len(claims.Audience) != 1 || claims.Audience[0] != v.audience {
		return nil, v.reject(ReasonAudienceMismatch, zap.Strings("aud", claims.Audience))
	}
	if _, ok := v.issuers[claims.Issuer]; !ok {
		return nil, v.reject(ReasonIssuerMismatch, zap.String("iss", claims.Issuer))
	}
	if !bool(claims.EmailVerified) {
		return nil, v.reject(ReasonUnverifiedEmail, zap.String("email", claims.Email))
	}
	if claims.Email == "" {
		return nil, v.reject(ReasonInvalidToken, zap.String("detail", "emailクレームがありません"))
	}

	p := &Principal{
		Email:    claims.Email,
		Subject:  claims.Subject,
		Audience: claims.Audience[0],
		Issuer:   claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// reject は拒否理由をデバッグログに出力してエラーを返す。
func (v *Verifier) reject(reason Reason, fields ...zap.Field) error {
	v.logger.Debug("IDトークンを拒否", append(fields, zap.String("reason", string(reason)))...)
	return &RejectedError{Reason: reason}
}

// idTokenClaims はGoogle IDトークンのクレーム。
type idTokenClaims struct {
	jwt.RegisteredClaims
	// Email はメールアドレス。
	Email string `json:"email"`
	// EmailVerified はメールアドレスが検証済みかどうか。
	EmailVerified flexBool `json:"email_verified"`
}

// flexBool は真偽値と文字列 "true"/"false" の両方を受け付ける。
type flexBool bool

// UnmarshalJSON はJSON値をflexBoolに変換する。
func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case bool:
		*b = flexBool(x)
	case string:
		*b = flexBool(strings.EqualFold(x, "true"))
	default:
		*b = false
	}
	return nil
}
