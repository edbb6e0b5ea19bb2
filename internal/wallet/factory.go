// Package wallet 负责为每次运行生成全新的子账户。
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"

	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/pkg/logger"

	"github.com/ethereum/go-ethereum/crypto"
)

// CodeKeygenFailure 表示私钥生成或账户落盘失败。
const CodeKeygenFailure xerrors.Code = "KEYGEN_FAILURE"

func init() {
	xerrors.Register(CodeKeygenFailure, xerrors.Attributes{
		Message:  "account generation failed",
		Severity: xerrors.SeverityCritical,
		Fatal:    true,
	})
}

// KeySource 产生新的私钥。
type KeySource func() (*ecdsa.PrivateKey, error)

// AccountSink 在账户返回给调用方之前持久化账户列表。
type AccountSink interface {
	SaveAccounts(ctx context.Context, accounts []Account) error
}

// Factory 生成一组互不相关的子账户。
type Factory struct {
	keys KeySource
	sink AccountSink
}

// FactoryOption 定制 Factory。
type FactoryOption func(*Factory)

// WithKeySource 替换私钥来源，主要用于测试。
func WithKeySource(src KeySource) FactoryOption {
	return func(f *Factory) {
		if src != nil {
			f.keys = src
		}
	}
}

// NewFactory 创建账户工厂。sink 为空时生成的账户不会落盘。
func NewFactory(sink AccountSink, opts ...FactoryOption) *Factory {
	f := &Factory{keys: crypto.GenerateKey, sink: sink}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Generate 生成 count 个账户，序号从 0 开始连续递增。账户在返回前已经交给 sink 保存。
func (f *Factory) Generate(ctx context.Context, count int) ([]Account, error) {
	if count <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("账户数量必须大于 0，当前为 %d", count))
	}

	accounts := make([]Account, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := f.keys()
		if err != nil {
			return nil, xerrors.Wrap(CodeKeygenFailure, err, "生成私钥失败",
				xerrors.WithMetadata("index", fmt.Sprint(i)))
		}
		accounts = append(accounts, NewAccount(i, key))
	}

	if f.sink != nil {
		if err := f.sink.SaveAccounts(ctx, accounts); err != nil {
			return nil, xerrors.Wrap(CodeKeygenFailure, err, "保存账户记录失败")
		}
	}

	logger.Named("wallet").Info("子账户已生成", slog.Int("count", len(accounts)))
	return accounts, nil
}
