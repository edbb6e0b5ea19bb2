package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	MaxLen   int64
}

// RedisPublisher 将事件以 JSON 形式追加到 Redis list。
type RedisPublisher struct {
	client redis.UniversalClient
	key    string
	maxLen int64
}

// NewRedisPublisher 连接 Redis 并创建 Publisher。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisPublisherWithClient(client, cfg.Key, cfg.MaxLen), nil
}

// NewRedisPublisherWithClient 复用已有客户端。
func NewRedisPublisherWithClient(client redis.UniversalClient, key string, maxLen int64) *RedisPublisher {
	if key == "" {
		key = "tokenswarm:events"
	}
	return &RedisPublisher{client: client, key: key, maxLen: maxLen}
}

// Publish 追加事件，配置了 MaxLen 时只保留最新的事件。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := p.client.RPush(ctx, p.key, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	if p.maxLen > 0 {
		if err := p.client.LTrim(ctx, p.key, -p.maxLen, -1).Err(); err != nil {
			return fmt.Errorf("Redis 裁剪事件列表失败: %w", err)
		}
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
