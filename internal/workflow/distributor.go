package workflow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"

	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/events"
	"TokenSwarm/internal/wallet"
	"TokenSwarm/internal/web3"
)

// Distributor 从资金账户向子账户依次转账。
type Distributor struct {
	chain    web3.Client
	gasLimit uint64
	obs      observer
}

// NewDistributor 创建注资组件。
func NewDistributor(chain web3.Client, gasLimit uint64, opts ...Option) *Distributor {
	if gasLimit == 0 {
		gasLimit = DefaultTransferGas
	}
	return &Distributor{chain: chain, gasLimit: gasLimit, obs: newObserver(StageFunding, opts)}
}

// Distribute 严格按顺序注资：第 i 笔转账确认之后才提交第 i+1 笔，
// 避免资金账户出现 nonce 竞争。单笔失败只影响对应账户，循环继续。
// 返回结果与 accounts 一一对应。
func (d *Distributor) Distribute(ctx context.Context, funder *ecdsa.PrivateKey, accounts []wallet.Account, amount *big.Int) []FundingResult {
	results := make([]FundingResult, 0, len(accounts))
	for i := range accounts {
		acct := accounts[i]
		res := d.fund(ctx, funder, acct, amount)
		if !res.Succeeded {
			d.obs.log.Error("子账户注资失败", slog.Any("account", acct), slog.Any("error", res.Err))
		}
		results = append(results, res)
	}
	return results
}

func (d *Distributor) fund(ctx context.Context, funder *ecdsa.PrivateKey, acct wallet.Account, amount *big.Int) FundingResult {
	fail := func(hash string, err error) FundingResult {
		wrapped := xerrors.Wrap(CodeFundingFailed, err, fmt.Sprintf("向账户 #%d 注资失败", acct.Index),
			xerrors.WithMetadata("address", acct.Address.Hex()))
		d.obs.audit(ctx, &acct, hash, err)
		d.obs.txEvent(ctx, events.KindTxFailed, &acct, hash, err)
		return FundingResult{Account: acct, Err: wrapped}
	}

	if err := ctx.Err(); err != nil {
		return fail("", err)
	}

	pending, err := d.chain.SendTransaction(ctx, funder, web3.TxRequest{
		To:       acct.Address,
		Value:    amount,
		GasLimit: d.gasLimit,
	})
	if err != nil {
		return fail("", err)
	}
	hash := pending.Hash()
	d.obs.txEvent(ctx, events.KindTxSubmitted, &acct, hash.Hex(), nil)

	receipt, err := d.obs.confirm(ctx, pending)
	if err != nil {
		return fail(hash.Hex(), err)
	}

	d.obs.audit(ctx, &acct, hash.Hex(), nil)
	d.obs.txEvent(ctx, events.KindTxConfirmed, &acct, hash.Hex(), nil)
	d.obs.log.Info("子账户注资完成", slog.Any("account", acct), slog.String("tx_hash", hash.Hex()))
	return FundingResult{
		Account:     acct,
		Succeeded:   true,
		TxHash:      &hash,
		BlockNumber: blockNumberOf(receipt),
	}
}
