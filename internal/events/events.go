// Package events publishes workflow progress events to an external sink.
// Delivery is best effort: callers log publish failures and carry on.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"TokenSwarm/internal/config"
)

// Kind 表示事件类型。
type Kind string

// 支持的事件类型。
const (
	KindStageStarted  Kind = "stage_started"
	KindStageFinished Kind = "stage_finished"
	KindTxSubmitted   Kind = "tx_submitted"
	KindTxConfirmed   Kind = "tx_confirmed"
	KindTxFailed      Kind = "tx_failed"
	KindReadFailed    Kind = "read_failed"
	KindRunFinished   Kind = "run_finished"
)

// Event 描述工作流中的一次状态变化。事件中不会出现私钥。
type Event struct {
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Kind       Kind      `json:"kind"`
	Index      *int      `json:"index,omitempty"`
	Address    string    `json:"address,omitempty"`
	TxHash     string    `json:"tx_hash,omitempty"`
	Code       string    `json:"code,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AccountIndex 返回可写入 Event.Index 的指针。
func AccountIndex(i int) *int { return &i }

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop 丢弃所有事件。
type Noop struct{}

// Publish 实现 Publisher。
func (Noop) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (Noop) Close() error { return nil }

// Memory 在内存中保存事件，主要用于测试与调试。
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory 创建内存事件收集器。
func NewMemory() *Memory { return &Memory{} }

// Publish 记录事件。
func (m *Memory) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events 返回已记录事件的副本。
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Close 实现 Publisher。
func (m *Memory) Close() error { return nil }

// Fanout 将事件广播给多个 Publisher。
type Fanout struct {
	publishers []Publisher
}

// NewFanout 创建广播器，忽略 nil。
func NewFanout(publishers ...Publisher) *Fanout {
	set := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			set = append(set, p)
		}
	}
	return &Fanout{publishers: set}
}

// Publish 将事件投递到全部 Publisher，汇总所有错误。
func (f *Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for i, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Close 关闭全部 Publisher。
func (f *Fanout) Close() error {
	var errs []error
	for _, p := range f.publishers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// Open 按配置创建 Publisher。driver 可以用逗号分隔多个目标，例如 "redis,rabbitmq"，
// 此时返回广播到全部目标的 Fanout。
func Open(ctx context.Context, cfg config.EventsConfig, redisCfg config.RedisConfig) (Publisher, error) {
	var drivers []string
	for _, d := range strings.Split(cfg.Driver, ",") {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			drivers = append(drivers, d)
		}
	}
	if len(drivers) <= 1 {
		driver := ""
		if len(drivers) == 1 {
			driver = drivers[0]
		}
		return openOne(ctx, driver, cfg, redisCfg)
	}

	publishers := make([]Publisher, 0, len(drivers))
	for _, driver := range drivers {
		p, err := openOne(ctx, driver, cfg, redisCfg)
		if err != nil {
			_ = NewFanout(publishers...).Close()
			return nil, err
		}
		publishers = append(publishers, p)
	}
	return NewFanout(publishers...), nil
}

func openOne(ctx context.Context, driver string, cfg config.EventsConfig, redisCfg config.RedisConfig) (Publisher, error) {
	switch driver {
	case "", "noop", "none":
		return Noop{}, nil
	case "memory":
		return NewMemory(), nil
	case "redis":
		pub, err := NewRedisPublisher(ctx, RedisConfig{
			Address:  redisCfg.Address,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
			Key:      cfg.Redis.Key,
			MaxLen:   cfg.Redis.MaxLen,
		})
		if err != nil {
			return nil, err
		}
		return pub, nil
	case "rabbitmq":
		pub, err := NewRabbitMQPublisher(RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		})
		if err != nil {
			return nil, err
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("不支持的事件驱动: %s", driver)
	}
}
