package workflow

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"TokenSwarm/internal/config"
	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/wallet"
	"TokenSwarm/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/time/rate"
)

// PurchasePolicy 决定单个购买失败时的处理方式。
type PurchasePolicy string

// 支持的购买策略。
const (
	// PolicyJoined 任一购买失败即整体失败，不返回部分结果。
	PolicyJoined PurchasePolicy = "joined"
	// PolicyIsolated 每个账户独立记录结果，已确认的交易不会丢失。
	PolicyIsolated PurchasePolicy = "isolated"
)

// 默认 gas 上限与确认超时。
const (
	DefaultTransferGas    uint64 = 21_000
	DefaultDeployGas      uint64 = 5_000_000
	DefaultPurchaseGas    uint64 = 300_000
	DefaultConfirmTimeout        = 120 * time.Second
	assetDecimals                = 18
)

// GasLimits 为各类交易提供固定的 gas 上限。
type GasLimits struct {
	Transfer uint64
	Deploy   uint64
	Purchase uint64
}

// Config 是一次运行的不可变参数。构造后不应再修改。
type Config struct {
	FundingKey     *ecdsa.PrivateKey
	Funder         common.Address
	AccountCount   int
	FundAmount     *big.Int
	BuyAmount      *big.Int
	Factory        common.Address
	Asset          AssetParams
	Gas            GasLimits
	Policy         PurchasePolicy
	ConfirmTimeout time.Duration
	AuditRate      float64
}

// NewConfig 校验原始配置并换算金额。资金私钥缺失或格式错误、账户数量非正、
// 金额为负或无法解析、工厂地址不是十六进制地址时返回 CONFIG_INVALID。
func NewConfig(raw config.WorkflowConfig) (Config, error) {
	if strings.TrimSpace(raw.PrivateKey) == "" {
		return Config{}, invalid("未配置资金账户私钥 (PRIVATE_KEY)", nil)
	}
	key, err := wallet.ParseKey(raw.PrivateKey)
	if err != nil {
		return Config{}, invalid("资金账户私钥格式错误", err)
	}

	if raw.WalletCount <= 0 {
		return Config{}, invalid(fmt.Sprintf("账户数量必须大于 0，当前为 %d", raw.WalletCount), nil)
	}

	fund, err := web3.ParseEther(raw.FundAmount)
	if err != nil {
		return Config{}, invalid("注资金额无效", err)
	}
	buy, err := web3.ParseEther(raw.BuyAmount)
	if err != nil {
		return Config{}, invalid("购买金额无效", err)
	}

	factory := strings.TrimSpace(raw.FactoryAddress)
	if !common.IsHexAddress(factory) {
		return Config{}, invalid(fmt.Sprintf("工厂合约地址无效: %q", raw.FactoryAddress), nil)
	}

	supply, err := web3.ParseUnits(raw.Token.Supply, assetDecimals)
	if err != nil {
		return Config{}, invalid("资产发行总量无效", err)
	}
	if strings.TrimSpace(raw.Token.Name) == "" || strings.TrimSpace(raw.Token.Symbol) == "" {
		return Config{}, invalid("资产名称与符号不能为空", nil)
	}

	policy := PurchasePolicy(strings.ToLower(strings.TrimSpace(raw.PurchasePolicy)))
	switch policy {
	case "":
		policy = PolicyJoined
	case PolicyJoined, PolicyIsolated:
	default:
		return Config{}, invalid(fmt.Sprintf("未知的购买策略: %s", raw.PurchasePolicy), nil)
	}

	timeout := DefaultConfirmTimeout
	if raw.ConfirmTimeoutSeconds != nil {
		if *raw.ConfirmTimeoutSeconds < 0 {
			return Config{}, invalid("确认超时不能为负数", nil)
		}
		timeout = time.Duration(*raw.ConfirmTimeoutSeconds) * time.Second
	}
	if raw.AuditRatePerSecond < 0 {
		return Config{}, invalid("审计速率不能为负数", nil)
	}

	return Config{
		FundingKey:   key,
		Funder:       crypto.PubkeyToAddress(key.PublicKey),
		AccountCount: raw.WalletCount,
		FundAmount:   fund,
		BuyAmount:    buy,
		Factory:      common.HexToAddress(factory),
		Asset: AssetParams{
			Name:        raw.Token.Name,
			Symbol:      raw.Token.Symbol,
			Supply:      strings.TrimSpace(raw.Token.Supply),
			TotalSupply: supply,
		},
		Gas: GasLimits{
			Transfer: orDefault(raw.Gas.Transfer, DefaultTransferGas),
			Deploy:   orDefault(raw.Gas.Deploy, DefaultDeployGas),
			Purchase: orDefault(raw.Gas.Purchase, DefaultPurchaseGas),
		},
		Policy:         policy,
		ConfirmTimeout: timeout,
		AuditRate:      raw.AuditRatePerSecond,
	}, nil
}

// LogValue 不输出资金私钥。
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("funder", c.Funder.Hex()),
		slog.Int("accounts", c.AccountCount),
		slog.String("fund_amount", web3.FormatEther(c.FundAmount)),
		slog.String("buy_amount", web3.FormatEther(c.BuyAmount)),
		slog.String("factory", c.Factory.Hex()),
		slog.String("asset", c.Asset.Symbol),
		slog.String("policy", string(c.Policy)),
		slog.Duration("confirm_timeout", c.ConfirmTimeout),
	)
}

// NewRateLimiter 把每秒读取次数换算为令牌桶，perSecond 非正时返回 nil 表示不限速。
func NewRateLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func orDefault(v, fallback uint64) uint64 {
	if v == 0 {
		return fallback
	}
	return v
}

func invalid(message string, cause error) error {
	if cause == nil {
		return xerrors.New(xerrors.CodeConfigInvalid, message)
	}
	return xerrors.Wrap(xerrors.CodeConfigInvalid, cause, message)
}
