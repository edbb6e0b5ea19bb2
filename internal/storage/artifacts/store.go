// Package artifacts 将账户记录与部署记录保存为 JSON 文件。
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/wallet"
	"TokenSwarm/internal/workflow"

	"github.com/ethereum/go-ethereum/common"
)

// Deployment 是部署记录文件的结构。
type Deployment struct {
	Address      string        `json:"address"`
	Name         string        `json:"name"`
	Symbol       string        `json:"symbol"`
	Supply       string        `json:"supply"`
	Transactions []Transaction `json:"transactions"`
}

// Transaction 是部署记录中的单笔购买交易。
type Transaction struct {
	Hash        string `json:"hash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// FileStore 实现 workflow.ArtifactStore。账户文件包含私钥，以 0600 权限写入。
type FileStore struct {
	accountsPath   string
	deploymentPath string
}

// NewFileStore 创建文件存储。
func NewFileStore(accountsPath, deploymentPath string) *FileStore {
	return &FileStore{accountsPath: accountsPath, deploymentPath: deploymentPath}
}

// SaveAccounts 覆盖写入账户记录文件。
func (s *FileStore) SaveAccounts(_ context.Context, accounts []wallet.Account) error {
	return writeJSON(s.accountsPath, wallet.ToRecords(accounts), 0o600)
}

// SaveDeployment 覆盖写入部署记录文件。
func (s *FileStore) SaveDeployment(_ context.Context, record workflow.DeploymentRecord) error {
	doc := Deployment{
		Address:      record.AssetAddress.Hex(),
		Name:         record.Name,
		Symbol:       record.Symbol,
		Supply:       record.Supply,
		Transactions: make([]Transaction, 0, len(record.Transactions)),
	}
	for _, tx := range record.Transactions {
		doc.Transactions = append(doc.Transactions, Transaction{Hash: tx.Hash.Hex(), BlockNumber: tx.BlockNumber})
	}
	return writeJSON(s.deploymentPath, doc, 0o644)
}

// LoadAccounts 读取账户记录文件并恢复私钥。
func (s *FileStore) LoadAccounts() ([]wallet.Account, error) {
	var records []wallet.Record
	if err := readJSON(s.accountsPath, &records); err != nil {
		return nil, err
	}
	accounts, err := wallet.FromRecords(records)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "账户记录文件内容无效")
	}
	return accounts, nil
}

// LoadDeployment 读取部署记录文件。
func (s *FileStore) LoadDeployment() (workflow.DeploymentRecord, error) {
	var doc Deployment
	if err := readJSON(s.deploymentPath, &doc); err != nil {
		return workflow.DeploymentRecord{}, err
	}
	if !common.IsHexAddress(doc.Address) {
		return workflow.DeploymentRecord{}, xerrors.New(xerrors.CodeStorageFailure,
			fmt.Sprintf("部署记录中的资产地址无效: %q", doc.Address))
	}
	record := workflow.DeploymentRecord{
		AssetAddress: common.HexToAddress(doc.Address),
		Name:         doc.Name,
		Symbol:       doc.Symbol,
		Supply:       doc.Supply,
	}
	for _, tx := range doc.Transactions {
		record.Transactions = append(record.Transactions, workflow.PurchaseTx{
			Hash:        common.HexToHash(tx.Hash),
			BlockNumber: tx.BlockNumber,
		})
	}
	return record, nil
}

func writeJSON(path string, v any, perm os.FileMode) error {
	if path == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "未配置输出文件路径")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化记录失败")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), perm); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 %s 失败", path))
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置文件权限失败")
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("替换 %s 失败", path))
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取 %s 失败", path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析 %s 失败", path))
	}
	return nil
}
