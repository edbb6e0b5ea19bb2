package workflow

import (
	"context"
	"math/big"
	"time"

	"TokenSwarm/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Stage 标识工作流阶段。
type Stage string

// 工作流阶段，按执行顺序排列。
const (
	StageAccounts Stage = "accounts"
	StageFunding  Stage = "funding"
	StageDeploy   Stage = "deploy"
	StagePurchase Stage = "purchase"
	StageAudit    Stage = "audit"
)

// FundingResult 是单个账户的注资结果。失败时 TxHash 为空。
type FundingResult struct {
	Account     wallet.Account
	Succeeded   bool
	TxHash      *common.Hash
	BlockNumber uint64
	Err         error
}

// AssetParams 描述待部署资产。Supply 为配置中的原始字符串，TotalSupply 为换算后的最小单位数量。
type AssetParams struct {
	Name        string
	Symbol      string
	Supply      string
	TotalSupply *big.Int
}

// PurchaseTx 是一笔已确认的购买交易。
type PurchaseTx struct {
	Hash        common.Hash
	BlockNumber uint64
}

// PurchaseOutcome 是 isolated 策略下单个账户的购买结果。
type PurchaseOutcome struct {
	Account     wallet.Account
	Hash        common.Hash
	BlockNumber uint64
	Err         error
}

// DeploymentRecord 描述已部署资产以及针对它的购买交易。
type DeploymentRecord struct {
	AssetAddress common.Address
	Name         string
	Symbol       string
	Supply       string
	Transactions []PurchaseTx
}

// BalanceReport 是单个账户的余额快照，金额单位为 wei 与资产最小单位。
type BalanceReport struct {
	Index         int
	Address       common.Address
	NativeBalance *big.Int
	AssetBalance  *big.Int
}

// Run 是一次运行的上下文，由 Driver 创建并在各阶段之间传递。
type Run struct {
	ID               uuid.UUID
	ChainID          string
	Accounts         []wallet.Account
	Funding          []FundingResult
	Deployment       *DeploymentRecord
	Purchases        []PurchaseTx
	PurchaseOutcomes []PurchaseOutcome
	Audit            []BalanceReport
	StartedAt        time.Time
	FinishedAt       time.Time
}

// FundedCount 返回注资成功的账户数。
func (r *Run) FundedCount() int {
	n := 0
	for _, res := range r.Funding {
		if res.Succeeded {
			n++
		}
	}
	return n
}

type runIDKey struct{}

// WithRunID 将运行 ID 放入 context，阶段事件会携带它。
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFrom 从 context 中读取运行 ID。
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
