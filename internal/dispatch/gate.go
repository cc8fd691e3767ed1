package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Gate は配信サイクルの同時実行を防ぐ排他制御。
// 取得できなかった場合は ok=false を返し、待機はしない。
type Gate interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// LocalGate はプロセス内で1つのサイクルだけを通す。
type LocalGate struct {
	busy atomic.Bool
}

// TryAcquire はゲートが空いていれば取得する。
func (g *LocalGate) TryAcquire(context.Context) (func(), bool, error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(func() { g.busy.Store(false) }) }, true, nil
}

// releaseScript は自分が取得したリースの場合だけキーを削除する。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript は自分が取得したリースの場合だけ有効期間を延長する。
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// minLeaseTTL はリースの有効期間の下限。
const minLeaseTTL = time.Minute

// LeaseTTL は1サイクルの最長所要時間からリースの有効期間を求める。
// 1サイクルはbatchSize件をconcurrency並列で送り、1件あたり最大timeoutかかる。
func LeaseTTL(batchSize, concurrency int, timeout time.Duration) time.Duration {
	if batchSize <= 0 || concurrency <= 0 || timeout <= 0 {
		return minLeaseTTL
	}
	rounds := (batchSize + concurrency - 1) / concurrency
	return time.Duration(rounds)*timeout + minLeaseTTL
}

// RedisGate はRedisのリースで複数レプリカ間の排他を取る。
// 保持中はttlの1/3ごとにリースを延長し、プロセスが落ちた場合はttl経過で失効する。
type RedisGate struct {
	// client はRedisクライアント。
	client redis.UniversalClient
	// key はリースのキー。
	key string
	// ttl はリースの有効期間。
	ttl time.Duration
}

// NewRedisGate は新しいRedisGateを生成する。ttlが正でない場合は下限値を使う。
func NewRedisGate(client redis.UniversalClient, key string, ttl time.Duration) *RedisGate {
	if ttl <= 0 {
		ttl = minLeaseTTL
	}
	return &RedisGate{client: client, key: key, ttl: ttl}
}

// TryAcquire はリースが空いていれば取得する。
func (g *RedisGate) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("リースの取得に失敗: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go g.renew(token, stop, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			<-done
			// サイクルのコンテキストがキャンセル済みでも解放できるよう独立したコンテキストを使う
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, g.client, []string{g.key}, token).Err()
		})
	}
	return release, true, nil
}

// renew はstopが閉じられるまでリースを延長し続ける。リースを失った場合は延長をやめる。
func (g *RedisGate) renew(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := g.ttl / 3
	if interval <= 0 {
		interval = g.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := renewScript.Run(ctx, g.client, []string{g.key}, token, g.ttl.Milliseconds()).Int64()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}
