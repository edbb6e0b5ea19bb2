package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"TokenSwarm/internal/config"
	"TokenSwarm/internal/web3"
	"TokenSwarm/internal/web3/ethereum"
)

// Dialer builds a chain client from its resolved settings. Tests replace it to
// avoid network access.
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Client, error)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// Option customises registry construction.
type Option func(*options)

type options struct {
	dialer         Dialer
	confirmTimeout time.Duration
}

// WithDialer overrides how chain clients are created.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithConfirmTimeout bounds every confirmation wait of the created clients.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.confirmTimeout = timeout
	}
}

func dialEthereum(ctx context.Context, cfg ethereum.Config) (web3.Client, error) {
	return ethereum.NewClient(ctx, cfg)
}

// NewRegistry loads chain definitions and instantiates concrete clients. When
// no definition file is configured the plain rpc_url becomes the "default"
// chain.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	o := options{dialer: dialEthereum}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	poll := time.Duration(cfg.PollIntervalMillis) * time.Millisecond

	r := &Registry{clients: make(map[string]web3.Client)}
	names := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		chain := defs.Chains[name]
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := o.dialer(ctx, ethereum.Config{
			Name:           name,
			RPCURL:         chain.RPCURL,
			ChainID:        chain.ChainID,
			Notes:          chain.Description,
			PollInterval:   poll,
			ConfirmTimeout: o.confirmTimeout,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if defaultChain == "" {
		defaultChain = defs.Default
	}

	if len(r.clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := o.dialer(ctx, ethereum.Config{
			Name:           "default",
			RPCURL:         cfg.RPCURL,
			ChainID:        cfg.ChainID,
			PollInterval:   poll,
			ConfirmTimeout: o.confirmTimeout,
		})
		if err != nil {
			return nil, err
		}
		r.clients["default"] = client
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	if len(r.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := r.clients[defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
