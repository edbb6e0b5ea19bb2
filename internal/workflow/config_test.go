package workflow

import (
	"strings"
	"testing"
	"time"

	"TokenSwarm/internal/config"
	xerrors "TokenSwarm/internal/errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

func validWorkflowConfig(t *testing.T) config.WorkflowConfig {
	t.Helper()
	key := testKey(t)
	return config.WorkflowConfig{
		PrivateKey:     hexutil.Encode(crypto.FromECDSA(key)),
		WalletCount:    3,
		FundAmount:     "0.1",
		BuyAmount:      "0.05",
		FactoryAddress: "0x000000000000000000000000000000000000fac7",
		Token:          config.TokenConfig{Name: "Swarm Token", Symbol: "SWARM", Supply: "1000000"},
	}
}

func TestNewConfigConvertsAmounts(t *testing.T) {
	raw := validWorkflowConfig(t)
	cfg, err := NewConfig(raw)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	if cfg.FundAmount.String() != "100000000000000000" || cfg.BuyAmount.String() != "50000000000000000" {
		t.Fatalf("unexpected amounts %s %s", cfg.FundAmount, cfg.BuyAmount)
	}
	if cfg.Asset.TotalSupply.String() != "1000000"+strings.Repeat("0", 18) {
		t.Fatalf("unexpected supply %s", cfg.Asset.TotalSupply)
	}
	if cfg.Funder != crypto.PubkeyToAddress(cfg.FundingKey.PublicKey) {
		t.Fatal("funder does not match key")
	}
	if cfg.Gas.Transfer != DefaultTransferGas || cfg.Gas.Deploy != DefaultDeployGas || cfg.Gas.Purchase != DefaultPurchaseGas {
		t.Fatalf("unexpected gas defaults %+v", cfg.Gas)
	}
	if cfg.Policy != PolicyJoined || cfg.ConfirmTimeout != DefaultConfirmTimeout {
		t.Fatalf("unexpected policy or timeout: %s %s", cfg.Policy, cfg.ConfirmTimeout)
	}
}

func TestNewConfigRequiresSecret(t *testing.T) {
	raw := validWorkflowConfig(t)
	raw.PrivateKey = "  "
	if _, err := NewConfig(raw); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid || !xerrors.IsFatal(err) {
		t.Fatalf("expected fatal config error, got %v", err)
	}
}

func TestNewConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string]func(*config.WorkflowConfig){
		"bad key":      func(c *config.WorkflowConfig) { c.PrivateKey = "0x1234" },
		"zero count":   func(c *config.WorkflowConfig) { c.WalletCount = 0 },
		"neg amount":   func(c *config.WorkflowConfig) { c.FundAmount = "-1" },
		"bad buy":      func(c *config.WorkflowConfig) { c.BuyAmount = "abc" },
		"bad factory":  func(c *config.WorkflowConfig) { c.FactoryAddress = "factory" },
		"empty symbol": func(c *config.WorkflowConfig) { c.Token.Symbol = "" },
		"bad policy":   func(c *config.WorkflowConfig) { c.PurchasePolicy = "eventual" },
		"neg timeout": func(c *config.WorkflowConfig) {
			v := -1
			c.ConfirmTimeoutSeconds = &v
		},
	}
	for name, mutate := range cases {
		raw := validWorkflowConfig(t)
		mutate(&raw)
		if _, err := NewConfig(raw); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
			t.Fatalf("%s: expected config error, got %v", name, err)
		}
	}
}

func TestNewConfigHonoursOverrides(t *testing.T) {
	raw := validWorkflowConfig(t)
	zero := 0
	raw.ConfirmTimeoutSeconds = &zero
	raw.PurchasePolicy = "Isolated"
	raw.Gas.Purchase = 123

	cfg, err := NewConfig(raw)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	if cfg.ConfirmTimeout != time.Duration(0) || cfg.Policy != PolicyIsolated || cfg.Gas.Purchase != 123 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestConfigLogValueOmitsKey(t *testing.T) {
	raw := validWorkflowConfig(t)
	cfg, err := NewConfig(raw)
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	secret := strings.TrimPrefix(raw.PrivateKey, "0x")
	if strings.Contains(cfg.LogValue().String(), secret) {
		t.Fatal("log value leaked the funding key")
	}
}
