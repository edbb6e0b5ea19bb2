package workflow

import (
	"context"
	"log/slog"
	"math/big"

	"TokenSwarm/internal/contracts"
	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/events"
	"TokenSwarm/internal/wallet"
	"TokenSwarm/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

// Auditor 读取子账户的原生币与资产余额。
type Auditor struct {
	chain web3.Client
	obs   observer
}

// NewAuditor 创建审计组件。WithRateLimiter 可为读取限速。
func NewAuditor(chain web3.Client, opts ...Option) *Auditor {
	return &Auditor{chain: chain, obs: newObserver(StageAudit, opts)}
}

// Audit 按账户序号依次读取余额。单个账户读取失败会被记录并跳过；
// 只有资产地址为空或 context 结束时返回错误，此时已读取的报告仍会返回。
func (a *Auditor) Audit(ctx context.Context, accounts []wallet.Account, asset common.Address) ([]BalanceReport, error) {
	if asset == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "资产地址为空，无法审计")
	}

	reports := make([]BalanceReport, 0, len(accounts))
	for i := range accounts {
		acct := accounts[i]

		native, err := a.nativeBalance(ctx, acct)
		if err == nil {
			var held *big.Int
			held, err = a.assetBalance(ctx, acct, asset)
			if err == nil {
				a.obs.metrics.ObserveBalanceRead(true)
				reports = append(reports, BalanceReport{
					Index:         acct.Index,
					Address:       acct.Address,
					NativeBalance: native,
					AssetBalance:  held,
				})
				a.obs.log.Info("账户余额",
					slog.Any("account", acct),
					slog.String("native", web3.FormatEther(native)),
					slog.String("asset", web3.FormatUnits(held, assetDecimals)))
				continue
			}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return reports, xerrors.Wrap(CodeAuditFailed, ctxErr, "余额审计被中断")
		}
		a.obs.metrics.ObserveBalanceRead(false)
		wrapped := xerrors.Wrap(CodeAuditFailed, err, "读取账户余额失败",
			xerrors.WithMetadata("address", acct.Address.Hex()))
		a.obs.log.Error("读取账户余额失败，跳过该账户", slog.Any("account", acct), slog.Any("error", err))
		a.obs.emit(ctx, events.Event{
			Kind:    events.KindReadFailed,
			Index:   events.AccountIndex(acct.Index),
			Address: acct.Address.Hex(),
			Code:    string(CodeAuditFailed),
			Message: wrapped.Error(),
		})
	}
	return reports, nil
}

func (a *Auditor) wait(ctx context.Context) error {
	if a.obs.limiter == nil {
		return nil
	}
	return a.obs.limiter.Wait(ctx)
}

func (a *Auditor) nativeBalance(ctx context.Context, acct wallet.Account) (*big.Int, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.chain.BalanceAt(ctx, acct.Address)
}

func (a *Auditor) assetBalance(ctx context.Context, acct wallet.Account, asset common.Address) (*big.Int, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	data, err := contracts.PackBalanceOf(acct.Address)
	if err != nil {
		return nil, err
	}
	out, err := a.chain.CallContract(ctx, asset, data)
	if err != nil {
		return nil, err
	}
	return contracts.UnpackBalance(out)
}
