package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account 是一次运行中生成的子账户。私钥只在内存与账户记录文件中出现。
type Account struct {
	Index   int
	Address common.Address
	Key     *ecdsa.PrivateKey
}

// NewAccount 由私钥推导地址构造账户。
func NewAccount(index int, key *ecdsa.PrivateKey) Account {
	return Account{Index: index, Address: crypto.PubkeyToAddress(key.PublicKey), Key: key}
}

// String 不包含私钥。
func (a Account) String() string {
	return fmt.Sprintf("#%d %s", a.Index, a.Address.Hex())
}

// LogValue 保证账户写入日志时不会带出私钥。
func (a Account) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("index", a.Index),
		slog.String("address", a.Address.Hex()),
	)
}

// Record 是账户记录文件中的单条记录。
type Record struct {
	Index      int    `json:"index"`
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

// ToRecords 把账户转换为可落盘的记录，私钥以 0x 开头的十六进制保存。
func ToRecords(accounts []Account) []Record {
	records := make([]Record, 0, len(accounts))
	for _, acct := range accounts {
		records = append(records, Record{
			Index:      acct.Index,
			Address:    acct.Address.Hex(),
			PrivateKey: hexutil.Encode(crypto.FromECDSA(acct.Key)),
		})
	}
	return records
}

// FromRecords 从记录恢复账户，并校验地址与私钥一致。
func FromRecords(records []Record) ([]Account, error) {
	accounts := make([]Account, 0, len(records))
	for _, rec := range records {
		key, err := ParseKey(rec.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("账户 #%d 私钥无效: %w", rec.Index, err)
		}
		acct := NewAccount(rec.Index, key)
		if !strings.EqualFold(acct.Address.Hex(), rec.Address) {
			return nil, fmt.Errorf("账户 #%d 地址 %s 与私钥不匹配", rec.Index, rec.Address)
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// ParseKey 解析十六进制私钥，允许带或不带 0x 前缀。
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("私钥为空")
	}
	return crypto.HexToECDSA(trimmed)
}
