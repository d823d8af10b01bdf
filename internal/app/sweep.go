package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/uma-arai/sbcntr-estate/internal/common/config"
	"github.com/uma-arai/sbcntr-estate/internal/common/logger"
	"github.com/uma-arai/sbcntr-estate/internal/service/batch"
)

// NewSweepLock は REDIS_ADDR が設定されていればAPIとバッチで共有するスイープロックを返します
// 未設定またはRedisに接続できない場合は nil を返し、排他はプロセス内に限られます
// 戻り値の close は常に呼び出してください
func NewSweepLock(ctx context.Context, cfg *config.Config, log *logger.Logger) (batch.SweepLock, func()) {
	if cfg.Redis.Addr == "" {
		return nil, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: 5 * time.Second,
	})
	closeFn := func() {
		if err := rdb.Close(); err != nil {
			log.Warn("failed to close redis client", "error", err)
		}
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, sweep lock is process local", "addr", cfg.Redis.Addr, "error", err)
		return nil, closeFn
	}
	return batch.NewRedisLock(rdb, batch.SweepLockKey, cfg.Sweep.LockTTL), closeFn
}
