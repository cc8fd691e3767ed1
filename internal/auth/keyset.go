package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/nao1215/pushboard/pkg/httpclient"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownKey は指定されたkidの公開鍵が鍵セットに存在しないことを表す。
var ErrUnknownKey = errors.New("公開鍵が見つかりません")

// KeyProvider はkidに対応するRSA公開鍵を返す。
type KeyProvider interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// KeySet は発行者が公開するJWKSを取得してキャッシュする。
// キャッシュが古い場合、または未知のkidを要求された場合に再取得する。
type KeySet struct {
	// client はJWKSエンドポイントとの通信用HTTPクライアント。
	client *httpclient.Client
	// ttl はキャッシュの有効期間。
	ttl time.Duration
	// minRefetch は再取得の最小間隔。取得に失敗した場合も次の試行までこの間隔を空ける。
	minRefetch time.Duration
	// now は現在時刻を返す関数。
	now func() time.Time

	// mu はkeys・fetchedAt・attemptedAtへの並行アクセスを保護する。
	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	attemptedAt time.Time

	// group は同時に発生した再取得を1回にまとめる。
	group singleflight.Group
}

// NewKeySet はJWKSのURLを指定してKeySetを生成する。
func NewKeySet(certsURL string) *KeySet {
	return &KeySet{
		client:     httpclient.New(certsURL, httpclient.WithTimeout(10*time.Second)),
		ttl:        time.Hour,
		minRefetch: 30 * time.Second,
		now:        time.Now,
	}
}

// jwks はJWKSエンドポイントのJSON構造。
type jwks struct {
	Keys []jwk `json:"keys"`
}

// jwk は鍵セット内の1つの鍵。
type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// Key はkidに対応する公開鍵を返す。
func (k *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	key, ok := k.keys[kid]
	now := k.now()
	fresh := !k.fetchedAt.IsZero() && now.Sub(k.fetchedAt) < k.ttl
	throttled := !k.attemptedAt.IsZero() && now.Sub(k.attemptedAt) < k.minRefetch
	k.mu.RUnlock()

	if ok && (fresh || throttled) {
		return key, nil
	}
	// 鍵のローテーションやエンドポイント障害で未知のkidが続いても、取得は最小間隔ごとに1回に抑える
	if throttled {
		return nil, fmt.Errorf("%w: kid=%s", ErrUnknownKey, kid)
	}

	if err := k.refresh(ctx); err != nil {
		if ok {
			// 再取得に失敗しても既知の鍵があれば使い続ける
			return key, nil
		}
		return nil, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok := k.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid=%s", ErrUnknownKey, kid)
}

// refresh はJWKSを取得してキャッシュを置き換える。成否にかかわらず試行時刻を記録する。
func (k *KeySet) refresh(ctx context.Context) error {
	_, err, _ := k.group.Do("jwks", func() (any, error) {
		k.mu.Lock()
		k.attemptedAt = k.now()
		k.mu.Unlock()

		var set jwks
		if err := k.client.GetJSON(ctx, "", &set); err != nil {
			return nil, fmt.Errorf("公開鍵セットの取得に失敗: %w", err)
		}

		keys := make(map[string]*rsa.PublicKey, len(set.Keys))
		for _, j := range set.Keys {
			if j.Kty != "RSA" || j.Kid == "" {
				continue
			}
			pub, err := parseRSAPublicKey(j.N, j.E)
			if err != nil {
				return nil, fmt.Errorf("公開鍵の解析に失敗 (kid=%s): %w", j.Kid, err)
			}
			keys[j.Kid] = pub
		}

		k.mu.Lock()
		k.keys = keys
		k.fetchedAt = k.now()
		k.mu.Unlock()
		return nil, nil
	})
	return err
}

// parseRSAPublicKey はbase64url形式のモジュラスと指数からRSA公開鍵を組み立てる。
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("モジュラスのデコードに失敗: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("指数のデコードに失敗: %w", err)
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, errors.New("指数が不正です")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}
