package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"TokenSwarm/internal/config"
	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/pkg/logger"

	"github.com/go-sql-driver/mysql"
)

// 运行状态。
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const memoryCapacity = 512

// ErrRunNotFound 表示指定运行不存在。
var ErrRunNotFound = errors.New("运行记录不存在")

// ErrRunConflict 表示运行 ID 已存在。
var ErrRunConflict = errors.New("运行记录已存在")

// RunRecord 是一次工作流运行的摘要，绝不包含私钥。时间均为 Unix 毫秒。
type RunRecord struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Error        string          `json:"error,omitempty"`
	ChainID      string          `json:"chain_id,omitempty"`
	Funder       string          `json:"funder"`
	AssetAddress string          `json:"asset_address,omitempty"`
	AssetName    string          `json:"asset_name,omitempty"`
	AssetSymbol  string          `json:"asset_symbol,omitempty"`
	AssetSupply  string          `json:"asset_supply,omitempty"`
	AccountCount int             `json:"account_count"`
	FundedCount  int             `json:"funded_count"`
	Purchases    []PurchaseEntry `json:"purchases,omitempty"`
	Balances     []BalanceEntry  `json:"balances,omitempty"`
	StartedAt    int64           `json:"started_at"`
	FinishedAt   int64           `json:"finished_at"`
}

// PurchaseEntry 记录单个账户的购买交易。
type PurchaseEntry struct {
	Index       int    `json:"index"`
	Address     string `json:"address"`
	TxHash      string `json:"tx_hash,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BalanceEntry 记录单个账户的余额快照，金额为 wei 的十进制字符串。
type BalanceEntry struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
	Native  string `json:"native"`
	Asset   string `json:"asset"`
}

// RunRepository 抽象运行历史的持久化接口。
type RunRepository interface {
	Save(ctx context.Context, record RunRecord) error
	Get(ctx context.Context, id string) (*RunRecord, error)
	ListLatest(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}

// Open 根据配置选择运行历史的实现。
func Open(ctx context.Context, cfg config.HistoryConfig) (RunRepository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		repo, err := NewMemoryRunRepository(cfg.Path)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "mysql":
		repo, err := NewSQLRunRepository(ctx, Config{DSN: cfg.DSN})
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		return nil, xerrors.New(xerrors.CodeConfigInvalid, fmt.Sprintf("暂不支持的存储驱动: %s", cfg.Driver))
	}
}

// MemoryRunRepository 将运行记录追加写入本地 JSONL 文件，并在内存中保留最近的记录。
type MemoryRunRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []RunRecord
}

// NewMemoryRunRepository 创建仓库并从文件恢复历史。
func NewMemoryRunRepository(path string) (*MemoryRunRepository, error) {
	if path == "" {
		path = "runs.jsonl"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &MemoryRunRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录运行结果。
func (m *MemoryRunRepository) Save(_ context.Context, record RunRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.records {
		if existing.ID == record.ID {
			return ErrRunConflict
		}
	}

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开运行日志失败")
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化运行记录失败")
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行日志失败")
	}

	m.records = append([]RunRecord{record}, m.records...)
	if len(m.records) > memoryCapacity {
		m.records = m.records[:memoryCapacity]
	}
	return nil
}

// Get 返回指定运行。
func (m *MemoryRunRepository) Get(_ context.Context, id string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.records {
		if record.ID == id {
			copied := record
			return &copied, nil
		}
	}
	return nil, ErrRunNotFound
}

// ListLatest 返回最近的运行记录，最新的在前。
func (m *MemoryRunRepository) ListLatest(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]RunRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 实现 RunRepository。
func (m *MemoryRunRepository) Close() error { return nil }

func (m *MemoryRunRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取运行日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored []RunRecord
	line := 0
	for scanner.Scan() {
		line++
		var record RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			logger.Named("history").Warn("跳过无法解析的运行记录",
				slog.String("file", m.dataFile), slog.Int("line", line), slog.Any("error", err))
			continue
		}
		restored = append([]RunRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行日志失败")
	}

	if len(restored) > memoryCapacity {
		restored = restored[:memoryCapacity]
	}
	m.records = restored
	return nil
}

// SQLRunRepository 使用 MySQL 存储运行记录。
type SQLRunRepository struct {
	db *sql.DB
}

// NewSQLRunRepository 建立连接池并执行迁移。
func NewSQLRunRepository(ctx context.Context, cfg Config) (*SQLRunRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return &SQLRunRepository{db: db}, nil
}

const (
	insertRunSQL = `INSERT INTO workflow_runs
        (id, status, error_code, error_message, chain_id, funder, asset_address, asset_name, asset_symbol, asset_supply,
         account_count, funded_count, purchases, balances, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectRunColumns = `SELECT id, status, error_code, error_message, chain_id, funder, asset_address, asset_name, asset_symbol,
        asset_supply, account_count, funded_count, purchases, balances, started_at, finished_at
        FROM workflow_runs`
)

// Save 将运行记录写入 MySQL。
func (s *SQLRunRepository) Save(ctx context.Context, record RunRecord) error {
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	purchases, err := json.Marshal(record.Purchases)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码购买记录失败")
	}
	balances, err := json.Marshal(record.Balances)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码余额记录失败")
	}

	_, err = s.db.ExecContext(ctx, insertRunSQL,
		record.ID,
		record.Status,
		record.ErrorCode,
		record.Error,
		record.ChainID,
		record.Funder,
		record.AssetAddress,
		record.AssetName,
		record.AssetSymbol,
		record.AssetSupply,
		record.AccountCount,
		record.FundedCount,
		string(purchases),
		string(balances),
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRunConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	return nil
}

// Get 查询指定运行。
func (s *SQLRunRepository) Get(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, selectRunColumns+` WHERE id = ?`, id)
	record, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListLatest 查询最近的若干条运行记录。
func (s *SQLRunRepository) ListLatest(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectRunColumns+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRunRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		record              RunRecord
		errMessage          sql.NullString
		purchases, balances sql.NullString
	)
	err := row.Scan(&record.ID, &record.Status, &record.ErrorCode, &errMessage, &record.ChainID, &record.Funder,
		&record.AssetAddress, &record.AssetName, &record.AssetSymbol, &record.AssetSupply,
		&record.AccountCount, &record.FundedCount, &purchases, &balances, &record.StartedAt, &record.FinishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
	}
	record.Error = errMessage.String
	if purchases.Valid && purchases.String != "" && purchases.String != "null" {
		if err := json.Unmarshal([]byte(purchases.String), &record.Purchases); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析购买记录失败")
		}
	}
	if balances.Valid && balances.String != "" && balances.String != "null" {
		if err := json.Unmarshal([]byte(balances.String), &record.Balances); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析余额记录失败")
		}
	}
	return &record, nil
}
