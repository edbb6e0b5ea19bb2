package workflow

import (
	"context"
	"log/slog"
	"time"

	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/events"
	"TokenSwarm/internal/storage/mysql"
	"TokenSwarm/internal/wallet"
	"TokenSwarm/internal/web3"
	"TokenSwarm/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ArtifactStore 持久化账户记录与部署记录。
type ArtifactStore interface {
	wallet.AccountSink
	SaveDeployment(ctx context.Context, record DeploymentRecord) error
}

// Locker 提供跨进程互斥。release 只释放由 owner 持有的锁。
type Locker interface {
	Acquire(ctx context.Context, key, owner string) (release func(context.Context) error, err error)
}

// Driver 串联各阶段完成一次运行。
type Driver struct {
	cfg      Config
	chain    web3.Client
	store    ArtifactStore
	settings settings

	factory     *wallet.Factory
	distributor *Distributor
	deployer    *Deployer
	purchaser   *Purchaser
	auditor     *Auditor
	log         *slog.Logger
}

// NewDriver 根据配置组装各阶段组件。
func NewDriver(cfg Config, chain web3.Client, store ArtifactStore, opts ...Option) *Driver {
	opts = append([]Option{WithConfirmTimeout(cfg.ConfirmTimeout)}, opts...)
	s := newSettings(opts)
	if s.limiter == nil {
		if limiter := NewRateLimiter(cfg.AuditRate); limiter != nil {
			opts = append(opts, WithRateLimiter(limiter))
			s.limiter = limiter
		}
	}

	var factoryOpts []wallet.FactoryOption
	if s.keys != nil {
		factoryOpts = append(factoryOpts, wallet.WithKeySource(s.keys))
	}

	return &Driver{
		cfg:         cfg,
		chain:       chain,
		store:       store,
		settings:    s,
		factory:     wallet.NewFactory(store, factoryOpts...),
		distributor: NewDistributor(chain, cfg.Gas.Transfer, opts...),
		deployer:    NewDeployer(chain, cfg.Factory, cfg.Gas.Deploy, opts...),
		purchaser:   NewPurchaser(chain, cfg.Gas.Purchase, opts...),
		auditor:     NewAuditor(chain, opts...),
		log:         logger.Named("workflow"),
	}
}

// Run 执行完整工作流。部署失败或 joined 策略下的购买失败会终止运行；
// 注资与审计的单账户失败只记录不终止。无论成功与否都会写入运行历史。
func (d *Driver) Run(ctx context.Context) (*Run, error) {
	run := &Run{ID: uuid.New(), StartedAt: d.settings.now()}
	ctx = WithRunID(ctx, run.ID.String())
	log := d.log.With(slog.String("run_id", run.ID.String()))
	log.Info("工作流开始", slog.Any("config", d.cfg))

	snapshot, err := d.chain.ChainSnapshot(ctx)
	if err != nil {
		return d.finish(ctx, run, err)
	}
	run.ChainID = snapshot.ChainID
	log.Info("已连接链", slog.String("chain", snapshot.Name),
		slog.String("chain_id", snapshot.ChainID), slog.Uint64("block", snapshot.BlockNumber))

	if d.settings.locker != nil {
		release, err := d.settings.locker.Acquire(ctx, d.cfg.Funder.Hex(), run.ID.String())
		if err != nil {
			return d.finish(ctx, run, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("释放资金账户锁失败", slog.Any("error", err))
			}
		}()
	}

	err = d.stage(ctx, StageAccounts, func() error {
		accounts, err := d.factory.Generate(ctx, d.cfg.AccountCount)
		run.Accounts = accounts
		return err
	})
	if err != nil {
		return d.finish(ctx, run, err)
	}

	_ = d.stage(ctx, StageFunding, func() error {
		run.Funding = d.distributor.Distribute(ctx, d.cfg.FundingKey, run.Accounts, d.cfg.FundAmount)
		return nil
	})
	log.Info("注资阶段结束", slog.Int("funded", run.FundedCount()), slog.Int("total", len(run.Accounts)))

	err = d.stage(ctx, StageDeploy, func() error {
		record, err := d.deployer.Deploy(ctx, d.cfg.FundingKey, d.cfg.Asset)
		if err == nil {
			run.Deployment = &record
		}
		return err
	})
	if err != nil {
		return d.finish(ctx, run, err)
	}

	err = d.stage(ctx, StagePurchase, func() error { return d.purchase(ctx, run) })
	if err != nil {
		return d.finish(ctx, run, err)
	}

	run.Deployment.Transactions = run.Purchases
	if err := d.store.SaveDeployment(ctx, *run.Deployment); err != nil {
		return d.finish(ctx, run, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存部署记录失败"))
	}

	_ = d.stage(ctx, StageAudit, func() error {
		reports, err := d.auditor.Audit(ctx, run.Accounts, run.Deployment.AssetAddress)
		run.Audit = reports
		if err != nil {
			log.Warn("余额审计未完成", slog.Any("error", err))
		}
		return err
	})

	return d.finish(ctx, run, nil)
}

func (d *Driver) purchase(ctx context.Context, run *Run) error {
	asset := run.Deployment.AssetAddress
	if d.cfg.Policy == PolicyIsolated {
		outcomes, err := d.purchaser.PurchaseEach(ctx, run.Accounts, asset, d.cfg.BuyAmount)
		if err != nil {
			return err
		}
		run.PurchaseOutcomes = outcomes
		for _, out := range outcomes {
			if out.Err == nil {
				run.Purchases = append(run.Purchases, PurchaseTx{Hash: out.Hash, BlockNumber: out.BlockNumber})
			}
		}
		return nil
	}

	txs, err := d.purchaser.PurchaseAll(ctx, run.Accounts, asset, d.cfg.BuyAmount)
	if err != nil {
		return err
	}
	run.Purchases = txs
	return nil
}

// stage 包装单个阶段：发出开始与结束事件并记录耗时。
func (d *Driver) stage(ctx context.Context, stage Stage, fn func() error) error {
	obs := observer{settings: d.settings, stage: stage, log: d.log}
	obs.emit(ctx, events.Event{Kind: events.KindStageStarted})

	started := time.Now()
	err := fn()
	d.settings.metrics.ObserveStage(string(stage), time.Since(started))

	finished := events.Event{Kind: events.KindStageFinished}
	if err != nil {
		finished.Code = string(xerrors.CodeOf(err))
		finished.Message = err.Error()
	}
	obs.emit(ctx, finished)
	return err
}

func (d *Driver) finish(ctx context.Context, run *Run, runErr error) (*Run, error) {
	run.FinishedAt = d.settings.now()
	persistCtx := context.WithoutCancel(ctx)

	status := mysql.StatusSucceeded
	if runErr != nil {
		status = mysql.StatusFailed
		d.log.Error("工作流失败",
			slog.String("run_id", run.ID.String()),
			slog.String("code", string(xerrors.CodeOf(runErr))),
			slog.Any("error", runErr))
	} else {
		d.log.Info("工作流完成",
			slog.String("run_id", run.ID.String()),
			slog.Int("accounts", len(run.Accounts)),
			slog.Int("purchases", len(run.Purchases)),
			slog.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)))
	}
	d.settings.metrics.ObserveRun(status)

	finished := events.Event{Kind: events.KindRunFinished, Stage: "run", Message: status}
	if runErr != nil {
		finished.Code = string(xerrors.CodeOf(runErr))
		finished.Message = runErr.Error()
	}
	observer{settings: d.settings, log: d.log}.emit(persistCtx, finished)

	if d.settings.history != nil {
		record := d.record(run, status, runErr)
		if err := d.settings.history.Save(persistCtx, record); err != nil {
			d.log.Error("保存运行历史失败", slog.String("run_id", run.ID.String()), slog.Any("error", err))
		}
	}
	return run, runErr
}

func (d *Driver) record(run *Run, status string, runErr error) mysql.RunRecord {
	record := mysql.RunRecord{
		ID:           run.ID.String(),
		Status:       status,
		ChainID:      run.ChainID,
		Funder:       d.cfg.Funder.Hex(),
		AssetName:    d.cfg.Asset.Name,
		AssetSymbol:  d.cfg.Asset.Symbol,
		AssetSupply:  d.cfg.Asset.Supply,
		AccountCount: len(run.Accounts),
		FundedCount:  run.FundedCount(),
		StartedAt:    run.StartedAt.UnixMilli(),
		FinishedAt:   run.FinishedAt.UnixMilli(),
	}
	if runErr != nil {
		record.ErrorCode = string(xerrors.CodeOf(runErr))
		record.Error = runErr.Error()
	}
	if run.Deployment != nil {
		record.AssetAddress = run.Deployment.AssetAddress.Hex()
	}

	if len(run.PurchaseOutcomes) > 0 {
		for _, out := range run.PurchaseOutcomes {
			entry := mysql.PurchaseEntry{Index: out.Account.Index, Address: out.Account.Address.Hex(), BlockNumber: out.BlockNumber}
			if out.Hash != (common.Hash{}) {
				entry.TxHash = out.Hash.Hex()
			}
			if out.Err != nil {
				entry.Error = out.Err.Error()
			}
			record.Purchases = append(record.Purchases, entry)
		}
	} else {
		for i, tx := range run.Purchases {
			acct := run.Accounts[i]
			record.Purchases = append(record.Purchases, mysql.PurchaseEntry{
				Index:       acct.Index,
				Address:     acct.Address.Hex(),
				TxHash:      tx.Hash.Hex(),
				BlockNumber: tx.BlockNumber,
			})
		}
	}

	for _, rep := range run.Audit {
		record.Balances = append(record.Balances, mysql.BalanceEntry{
			Index:   rep.Index,
			Address: rep.Address.Hex(),
			Native:  rep.NativeBalance.String(),
			Asset:   rep.AssetBalance.String(),
		})
	}
	return record
}
