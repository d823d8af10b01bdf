package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SweepLockKey はAPIと期限切れバッチが共有するスイープロックのキーです
const SweepLockKey = "sbcntr-estate:sweep"

// releaseScript は自分が取得したロックのときだけキーを削除します
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// refreshScript は自分が取得したロックのときだけTTLを延長します
const refreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// RedisClient はRedisLockが利用するgo-redisクライアントの部分集合です
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLock はAPIの複数インスタンスとバッチの間でスイープを排他するための分散ロックです
// TTLを過ぎたロックは自動的に失効するため、プロセスが落ちてもスイープが止まり続けることはありません
// スイープ中は Sweeper がTTLの1/3ごとに Refresh で延長します
type RedisLock struct {
	client RedisClient
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

func NewRedisLock(client RedisClient, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: key, ttl: ttl}
}

// Acquire はロックを取得します。他のプロセスが保持している場合は false を返します
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return true, nil
}

// Refresh は保持中のロックのTTLを延長します
// TTL切れなどで他のプロセスに奪われていた場合は false を返します
func (l *RedisLock) Refresh(ctx context.Context) (bool, error) {
	l.mu.Lock()
	token := l.token
	l.mu.Unlock()

	if token == "" {
		return false, nil
	}
	n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis refresh %s: %w", l.key, err)
	}
	return n == 1, nil
}

// TTL はロックの有効期間です
func (l *RedisLock) TTL() time.Duration {
	return l.ttl
}

// Release は自分が保持しているロックを解放します
func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", l.key, err)
	}
	return nil
}
