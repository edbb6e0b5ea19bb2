package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/pkg/logger"

	goredis "github.com/redis/go-redis/v9"
)

// releaseScript 仅当锁仍由当前持有者持有时才删除。
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript 仅当锁仍由当前持有者持有时才续期，ARGV[2] 为毫秒。
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Config 描述锁所用的 Redis 连接。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// FundingLock 基于 SET NX 实现的互斥锁。
type FundingLock struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewFundingLock 连接 Redis 并返回锁。
func NewFundingLock(ctx context.Context, cfg Config) (*FundingLock, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewFundingLockWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewFundingLockWithClient 复用已有客户端。
func NewFundingLockWithClient(client goredis.UniversalClient, prefix string, ttl time.Duration) *FundingLock {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &FundingLock{client: client, prefix: prefix, ttl: ttl}
}

// Acquire 以 owner 身份获取 key 对应的锁。锁已被占用时返回 LOCK_HELD。
func (l *FundingLock) Acquire(ctx context.Context, key, owner string) (func(context.Context) error, error) {
	fullKey := l.prefix + key
	ok, err := l.client.SetNX(ctx, fullKey, owner, l.ttl).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取资金账户锁失败",
			xerrors.WithMetadata("key", fullKey))
	}
	if !ok {
		holder, _ := l.client.Get(ctx, fullKey).Result()
		return nil, xerrors.New(xerrors.CodeLockHeld,
			fmt.Sprintf("资金账户 %s 正被其他运行使用", key),
			xerrors.WithMetadata("holder", holder))
	}

	stop := l.keepAlive(context.WithoutCancel(ctx), fullKey, owner)
	release := func(ctx context.Context) error {
		stop()
		if err := releaseScript.Run(ctx, l.client, []string{fullKey}, owner).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放资金账户锁失败",
				xerrors.WithMetadata("key", fullKey))
		}
		return nil
	}
	return release, nil
}

// keepAlive 每隔 TTL/3 为仍由 owner 持有的锁续期，直到返回的 stop 被调用或锁已易主。
func (l *FundingLock) keepAlive(ctx context.Context, fullKey, owner string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	log := logger.Named("redis").With(slog.String("key", fullKey), slog.String("owner", owner))

	go func() {
		defer close(done)
		ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := extendScript.Run(ctx, l.client, []string{fullKey}, owner, l.ttl.Milliseconds()).Int64()
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				log.Warn("资金账户锁续期失败", slog.Any("error", err))
			case n == 0:
				log.Error("资金账户锁已过期或被其他运行持有，停止续期")
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Close 关闭 Redis 连接。
func (l *FundingLock) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
