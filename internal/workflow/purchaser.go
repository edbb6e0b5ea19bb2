package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"TokenSwarm/internal/contracts"
	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/events"
	"TokenSwarm/internal/wallet"
	"TokenSwarm/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// Purchaser 让每个子账户并发购买资产。
type Purchaser struct {
	chain    web3.Client
	gasLimit uint64
	obs      observer
}

// NewPurchaser 创建购买组件。
func NewPurchaser(chain web3.Client, gasLimit uint64, opts ...Option) *Purchaser {
	if gasLimit == 0 {
		gasLimit = DefaultPurchaseGas
	}
	return &Purchaser{chain: chain, gasLimit: gasLimit, obs: newObserver(StagePurchase, opts)}
}

type submission struct {
	pending web3.PendingTx
	err     error
}

// submitAll 为每个账户并发签名并广播 buy()，全部提交完成后才返回。
func (p *Purchaser) submitAll(ctx context.Context, accounts []wallet.Account, asset common.Address, amount *big.Int) []submission {
	data := contracts.PackBuy()
	subs := make([]submission, len(accounts))

	var g errgroup.Group
	for i := range accounts {
		acct := accounts[i]
		g.Go(func() error {
			pending, err := p.chain.SendTransaction(ctx, acct.Key, web3.TxRequest{
				To:       asset,
				Value:    amount,
				Data:     data,
				GasLimit: p.gasLimit,
			})
			if err != nil {
				subs[i] = submission{err: err}
				return nil
			}
			subs[i] = submission{pending: pending}
			p.obs.txEvent(ctx, events.KindTxSubmitted, &acct, pending.Hash().Hex(), nil)
			return nil
		})
	}
	_ = g.Wait()
	return subs
}

// PurchaseAll 先完成所有提交，再并发等待全部确认。任一提交或确认失败都会使整体失败，
// 第一个确认失败会取消其余等待，且不返回部分结果。成功时结果与 accounts 顺序一致。
func (p *Purchaser) PurchaseAll(ctx context.Context, accounts []wallet.Account, asset common.Address, amount *big.Int) ([]PurchaseTx, error) {
	if asset == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "资产地址为空，无法购买")
	}
	if len(accounts) == 0 {
		return []PurchaseTx{}, nil
	}

	subs := p.submitAll(ctx, accounts, asset, amount)
	for i, sub := range subs {
		if sub.err == nil {
			continue
		}
		acct := accounts[i]
		p.obs.audit(ctx, &acct, "", sub.err)
		p.obs.txEvent(ctx, events.KindTxFailed, &acct, "", sub.err)
		p.abandon(ctx, accounts, subs)
		return nil, p.fail(acct, sub.err, "提交购买交易失败")
	}

	txs := make([]PurchaseTx, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	for i := range subs {
		acct := accounts[i]
		pending := subs[i].pending
		g.Go(func() error {
			hash := pending.Hash().Hex()
			receipt, err := p.obs.confirm(gctx, pending)
			if err != nil && gctx.Err() != nil && ctx.Err() == nil && errors.Is(err, context.Canceled) {
				// 其他账户的确认已经失败，整体结果已定。
				p.obs.abandoned(ctx, &acct, hash)
				return nil
			}
			p.obs.audit(ctx, &acct, hash, err)
			if err != nil {
				p.obs.txEvent(ctx, events.KindTxFailed, &acct, hash, err)
				return p.fail(acct, err, "等待购买交易确认失败", xerrors.WithMetadata("tx_hash", hash))
			}
			p.obs.txEvent(ctx, events.KindTxConfirmed, &acct, hash, nil)
			txs[i] = PurchaseTx{Hash: pending.Hash(), BlockNumber: blockNumberOf(receipt)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.obs.log.Error("购买阶段失败", slog.Any("error", err))
		return nil, err
	}

	p.obs.log.Info("全部购买交易已确认", slog.Int("count", len(txs)))
	return txs, nil
}

// PurchaseEach 与 PurchaseAll 的提交方式相同，但每个账户独立等待确认，
// 单个失败不影响其余账户，已确认的交易哈希全部保留。
func (p *Purchaser) PurchaseEach(ctx context.Context, accounts []wallet.Account, asset common.Address, amount *big.Int) ([]PurchaseOutcome, error) {
	if asset == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "资产地址为空，无法购买")
	}

	subs := p.submitAll(ctx, accounts, asset, amount)
	outcomes := make([]PurchaseOutcome, len(accounts))

	var g errgroup.Group
	for i := range subs {
		acct := accounts[i]
		sub := subs[i]
		g.Go(func() error {
			outcomes[i] = PurchaseOutcome{Account: acct}
			if sub.err != nil {
				p.obs.audit(ctx, &acct, "", sub.err)
				p.obs.txEvent(ctx, events.KindTxFailed, &acct, "", sub.err)
				outcomes[i].Err = p.fail(acct, sub.err, "提交购买交易失败", xerrors.WithFatal(false))
				return nil
			}
			hash := sub.pending.Hash()
			outcomes[i].Hash = hash
			receipt, err := p.obs.confirm(ctx, sub.pending)
			p.obs.audit(ctx, &acct, hash.Hex(), err)
			if err != nil {
				p.obs.txEvent(ctx, events.KindTxFailed, &acct, hash.Hex(), err)
				outcomes[i].Err = p.fail(acct, err, "等待购买交易确认失败",
					xerrors.WithMetadata("tx_hash", hash.Hex()), xerrors.WithFatal(false))
				return nil
			}
			p.obs.txEvent(ctx, events.KindTxConfirmed, &acct, hash.Hex(), nil)
			outcomes[i].BlockNumber = blockNumberOf(receipt)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out.Err != nil {
			p.obs.log.Warn("账户购买失败", slog.Any("account", out.Account), slog.Any("error", out.Err))
		}
	}
	return outcomes, nil
}

// abandon 记录在整体失败前已经广播、但不再等待的交易。
func (p *Purchaser) abandon(ctx context.Context, accounts []wallet.Account, subs []submission) {
	for i, sub := range subs {
		if sub.pending == nil {
			continue
		}
		acct := accounts[i]
		hash := sub.pending.Hash().Hex()
		p.obs.log.Warn("放弃等待已广播的购买交易",
			slog.Any("account", acct),
			slog.String("tx_hash", hash),
			slog.String("run_id", RunIDFrom(ctx)))
		p.obs.abandoned(ctx, &acct, hash)
	}
}

func (p *Purchaser) fail(acct wallet.Account, cause error, message string, opts ...xerrors.Option) error {
	opts = append(opts,
		xerrors.WithMetadata("index", fmt.Sprint(acct.Index)),
		xerrors.WithMetadata("address", acct.Address.Hex()))
	return xerrors.Wrap(CodePurchaseFailed, cause, fmt.Sprintf("账户 #%d %s", acct.Index, message), opts...)
}
