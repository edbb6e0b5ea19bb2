package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"TokenSwarm/internal/config"
	"TokenSwarm/internal/web3"
	"TokenSwarm/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/common"
)

type stubClient struct {
	cfg    ethereum.Config
	closed bool
}

func (s *stubClient) ChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: s.cfg.Name}, nil
}

func (s *stubClient) SendTransaction(context.Context, *ecdsa.PrivateKey, web3.TxRequest) (web3.PendingTx, error) {
	return nil, errors.New("not implemented")
}

func (s *stubClient) CallContract(context.Context, common.Address, []byte) ([]byte, error) {
	return nil, nil
}

func (s *stubClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubClient) Close() { s.closed = true }

func recordingDialer(created *[]*stubClient) Dialer {
	return func(_ context.Context, cfg ethereum.Config) (web3.Client, error) {
		c := &stubClient{cfg: cfg}
		*created = append(*created, c)
		return c, nil
	}
}

func TestRegistryFallsBackToRPCURL(t *testing.T) {
	var created []*stubClient
	reg, err := NewRegistry(context.Background(), config.Web3Config{
		RPCURL:             "http://127.0.0.1:8545",
		PollIntervalMillis: 250,
	}, WithDialer(recordingDialer(&created)), WithConfirmTimeout(time.Minute))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if reg.DefaultChain() != "default" {
		t.Fatalf("unexpected default chain %q", reg.DefaultChain())
	}
	if len(created) != 1 {
		t.Fatalf("expected one client, got %d", len(created))
	}
	cfg := created[0].cfg
	if cfg.PollInterval != 250*time.Millisecond || cfg.ConfirmTimeout != time.Minute {
		t.Fatalf("unexpected client config: %+v", cfg)
	}
}

func TestRegistryUsesDefinitionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := "default: beta\nchains:\n  alpha:\n    rpc_url: http://alpha\n  beta:\n    rpc_url: http://beta\n    chain_id: 5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	var created []*stubClient
	reg, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, RPCURL: "http://ignored"},
		WithDialer(recordingDialer(&created)))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if got := reg.Chains(); len(got) != 2 || got[0] != "alpha" || got[1] != "beta" {
		t.Fatalf("unexpected chains %v", got)
	}
	client, err := reg.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	if client.(*stubClient).cfg.ChainID != 5 {
		t.Fatalf("unexpected default client %+v", client)
	}

	reg.Close()
	for _, c := range created {
		if !c.closed {
			t.Fatalf("client %s was not closed", c.cfg.Name)
		}
	}
}

func TestRegistryRejectsUnknownDefault(t *testing.T) {
	var created []*stubClient
	_, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://x", DefaultChain: "mainnet"},
		WithDialer(recordingDialer(&created)))
	if err == nil {
		t.Fatal("expected error for unknown default chain")
	}
	if len(created) != 1 || !created[0].closed {
		t.Fatal("expected created client to be closed on failure")
	}
}

func TestRegistryRequiresEndpoint(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.Web3Config{}); err == nil {
		t.Fatal("expected error without any endpoint")
	}
}
