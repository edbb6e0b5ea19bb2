package artifacts

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/wallet"
	"TokenSwarm/internal/workflow"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestAccountsRoundTripWithPrivatePermissions(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "data", "accounts.json"), filepath.Join(dir, "data", "deployment.json"))

	var accounts []wallet.Account
	for i := 0; i < 2; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		accounts = append(accounts, wallet.NewAccount(i, key))
	}
	if err := store.SaveAccounts(context.Background(), accounts); err != nil {
		t.Fatalf("save accounts: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data", "accounts.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := store.LoadAccounts()
	if err != nil {
		t.Fatalf("load accounts: %v", err)
	}
	if len(loaded) != 2 || loaded[1].Address != accounts[1].Address || loaded[1].Index != 1 {
		t.Fatalf("unexpected accounts %v", loaded)
	}
}

func TestDeploymentFileShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployment.json")
	store := NewFileStore(filepath.Join(dir, "accounts.json"), path)

	record := workflow.DeploymentRecord{
		AssetAddress: common.HexToAddress("0xa55e7"),
		Name:         "Swarm Token",
		Symbol:       "SWARM",
		Supply:       "1000000",
		Transactions: []workflow.PurchaseTx{
			{Hash: common.HexToHash("0x01"), BlockNumber: 7},
			{Hash: common.HexToHash("0x02"), BlockNumber: 8},
		},
	}
	if err := store.SaveDeployment(context.Background(), record); err != nil {
		t.Fatalf("save deployment: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"address", "name", "symbol", "supply", "transactions"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("deployment file missing %q: %s", key, data)
		}
	}
	txs := doc["transactions"].([]any)
	first := txs[0].(map[string]any)
	if first["hash"] != common.HexToHash("0x01").Hex() || first["blockNumber"].(float64) != 7 {
		t.Fatalf("unexpected transaction entry %v", first)
	}

	loaded, err := store.LoadDeployment()
	if err != nil {
		t.Fatalf("load deployment: %v", err)
	}
	if loaded.AssetAddress != record.AssetAddress || len(loaded.Transactions) != 2 || loaded.Transactions[1].BlockNumber != 8 {
		t.Fatalf("unexpected deployment %+v", loaded)
	}
}

func TestEmptyDeploymentWritesEmptyTransactionList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployment.json")
	store := NewFileStore("", path)
	if err := store.SaveDeployment(context.Background(), workflow.DeploymentRecord{AssetAddress: common.HexToAddress("0x1")}); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, _ := os.ReadFile(path)
	var doc Deployment
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.Transactions == nil {
		t.Fatalf("transactions should be an empty list, got %s", data)
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing.json"), "")
	if _, err := store.LoadAccounts(); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if err := store.SaveAccounts(context.Background(), nil); err != nil {
		t.Fatalf("save empty accounts: %v", err)
	}
	if _, err := NewFileStore("", "").LoadDeployment(); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}
