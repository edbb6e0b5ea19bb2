package workflow

import (
	"context"
	"crypto/ecdsa"
	"log/slog"

	"TokenSwarm/internal/contracts"
	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/events"
	"TokenSwarm/internal/web3"

	"github.com/ethereum/go-ethereum/common"
)

// Deployer 通过工厂合约创建资产。
type Deployer struct {
	chain    web3.Client
	factory  common.Address
	gasLimit uint64
	obs      observer
}

// NewDeployer 创建部署组件。
func NewDeployer(chain web3.Client, factory common.Address, gasLimit uint64, opts ...Option) *Deployer {
	if gasLimit == 0 {
		gasLimit = DefaultDeployGas
	}
	return &Deployer{chain: chain, factory: factory, gasLimit: gasLimit, obs: newObserver(StageDeploy, opts)}
}

// Deploy 调用 createToken 并等待回执，从 TokenCreated 事件中取出资产地址。
// 任何失败都返回 DEPLOYMENT_FAILED，调用方应终止运行。
func (d *Deployer) Deploy(ctx context.Context, funder *ecdsa.PrivateKey, params AssetParams) (DeploymentRecord, error) {
	data, err := contracts.PackCreate(params.Name, params.Symbol, params.TotalSupply)
	if err != nil {
		return DeploymentRecord{}, d.fail(ctx, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码部署参数失败"))
	}

	pending, err := d.chain.SendTransaction(ctx, funder, web3.TxRequest{
		To:       d.factory,
		Data:     data,
		GasLimit: d.gasLimit,
	})
	if err != nil {
		return DeploymentRecord{}, d.fail(ctx, "", err)
	}
	hash := pending.Hash().Hex()
	d.obs.txEvent(ctx, events.KindTxSubmitted, nil, hash, nil)

	receipt, err := d.obs.confirm(ctx, pending)
	if err != nil {
		return DeploymentRecord{}, d.fail(ctx, hash, err)
	}

	asset, err := contracts.CreatedAsset(receipt, d.factory)
	if err != nil {
		return DeploymentRecord{}, d.fail(ctx, hash, err)
	}

	d.obs.audit(ctx, nil, hash, nil)
	d.obs.emit(ctx, events.Event{Kind: events.KindTxConfirmed, TxHash: hash, Address: asset.Hex()})
	d.obs.log.Info("资产部署完成",
		slog.String("asset", asset.Hex()),
		slog.String("symbol", params.Symbol),
		slog.String("tx_hash", hash))

	return DeploymentRecord{
		AssetAddress: asset,
		Name:         params.Name,
		Symbol:       params.Symbol,
		Supply:       params.Supply,
	}, nil
}

func (d *Deployer) fail(ctx context.Context, hash string, cause error) error {
	d.obs.audit(ctx, nil, hash, cause)
	d.obs.txEvent(ctx, events.KindTxFailed, nil, hash, cause)
	opts := []xerrors.Option{xerrors.WithMetadata("factory", d.factory.Hex())}
	if hash != "" {
		opts = append(opts, xerrors.WithMetadata("tx_hash", hash))
	}
	err := xerrors.Wrap(CodeDeploymentFailed, cause, "资产部署失败", opts...)
	d.obs.log.Error("资产部署失败", slog.Any("error", err))
	return err
}
