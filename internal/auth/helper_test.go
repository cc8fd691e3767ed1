package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKid      = "test-key"
	testAudience = "client-A"
)

// testKey はテスト全体で共有するRSA鍵。生成コストが高いため一度だけ作る。
var testKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
})

// staticKeys は固定の公開鍵を返すKeyProvider。
type staticKeys map[string]*rsa.PublicKey

func (s staticKeys) Key(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if k, ok := s[kid]; ok {
		return k, nil
	}
	return nil, ErrUnknownKey
}

// validClaims は検証に通るクレームを返す。
func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            testAudience,
		"sub":            "1234567890",
		"email":          "editor@example.com",
		"email_verified": true,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}

// signToken はテスト鍵でトークンに署名する。
func signToken(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(testKey())
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return signed
}

// newTestVerifier はテスト鍵を信頼するVerifierを生成する。
func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(staticKeys{testKid: &testKey().PublicKey}, testAudience)
	if err != nil {
		t.Fatalf("NewVerifier失敗: %v", err)
	}
	return v
}

// jwkOf は公開鍵をJWKS形式に変換する。
func jwkOf(kid string, pub *rsa.PublicKey) jwk {
	return jwk{
		Kid: kid,
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
