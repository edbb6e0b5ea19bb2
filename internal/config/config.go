package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// 默认配置文件位置以及可覆盖它的环境变量。
const (
	DefaultPath = "configs/tokenswarm.json"
	PathEnv     = "TOKENSWARM_CONFIG"
)

// Config 描述了 TokenSwarm 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	Web3     Web3Config     `json:"web3"`
	Workflow WorkflowConfig `json:"workflow"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制只读 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string         `json:"level"`
	Format      string         `json:"format"`
	OutputPaths []string       `json:"output_paths"`
	Audit       AuditLogConfig `json:"audit"`
}

// AuditLogConfig 控制交易审计日志的落盘与滚动。
type AuditLogConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StorageConfig 统一描述运行历史、Redis 等后端的连接信息。
type StorageConfig struct {
	History HistoryConfig `json:"history"`
	Redis   RedisConfig   `json:"redis"`
	Lock    LockConfig    `json:"lock"`
}

// HistoryConfig 选择运行历史的存储方式，memory 驱动写入本地 JSONL 文件。
type HistoryConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	Path   string `json:"path"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// LockConfig 控制资金账户的跨进程锁。
type LockConfig struct {
	Enabled    bool   `json:"enabled"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// EventsConfig 选择阶段事件的投递目标。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisEvents    `json:"redis"`
	RabbitMQ RabbitMQEvents `json:"rabbitmq"`
}

// RedisEvents 指定事件写入的 Redis 列表。
type RedisEvents struct {
	Key    string `json:"key"`
	MaxLen int64  `json:"max_len"`
}

// RabbitMQEvents 描述 RabbitMQ 投递参数。
type RabbitMQEvents struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	RPCURL             string `json:"rpc_url"`
	ChainID            int64  `json:"chain_id"`
	ChainConfig        string `json:"chain_config"`
	DefaultChain       string `json:"default_chain"`
	PollIntervalMillis int    `json:"poll_interval_ms"`
}

// WorkflowConfig 是工作流的原始参数，金额均为以 ether 计的十进制字符串。
type WorkflowConfig struct {
	PrivateKey            string      `json:"private_key"`
	WalletCount           int         `json:"wallet_count"`
	FundAmount            string      `json:"fund_amount"`
	BuyAmount             string      `json:"buy_amount"`
	FactoryAddress        string      `json:"factory_address"`
	Token                 TokenConfig `json:"token"`
	Gas                   GasConfig   `json:"gas"`
	PurchasePolicy        string      `json:"purchase_policy"`
	ConfirmTimeoutSeconds *int        `json:"confirm_timeout_seconds"`
	AuditRatePerSecond    float64     `json:"audit_rate_per_second"`
}

// TokenConfig 描述待部署资产的参数。
type TokenConfig struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Supply string `json:"supply"`
}

// GasConfig 为各类交易提供固定的 gas 上限。
type GasConfig struct {
	Transfer uint64 `json:"transfer"`
	Deploy   uint64 `json:"deploy"`
	Purchase uint64 `json:"purchase"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir        string `json:"data_dir"`
	AccountsFile   string `json:"accounts_file"`
	DeploymentFile string `json:"deployment_file"`
}

// ResolvePath 依次使用命令行参数、环境变量与默认路径。默认路径不存在时返回空串，
// 表示完全依赖环境变量。
func ResolvePath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(PathEnv)); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load 解析指定路径的 JSON 配置文件，随后加载 .env 与环境变量覆盖。
// path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := loadDotEnv(baseDir); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)

	return &cfg, nil
}

// loadDotEnv 加载配置目录与工作目录下的 .env 文件，已存在的环境变量不会被覆盖。
func loadDotEnv(baseDir string) error {
	seen := map[string]struct{}{}
	for _, dir := range []string{baseDir, "."} {
		path := filepath.Clean(filepath.Join(dir, ".env"))
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}

		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("读取 %s 失败: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("加载 %s 失败: %w", path, err)
		}
	}
	return nil
}

// applyEnv 使用环境变量覆盖工作流相关字段。
func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set("PRIVATE_KEY", &c.Workflow.PrivateKey)
	set("FUND_AMOUNT", &c.Workflow.FundAmount)
	set("BUY_AMOUNT", &c.Workflow.BuyAmount)
	set("RPC_URL", &c.Web3.RPCURL)
	set("FACTORY_ADDRESS", &c.Workflow.FactoryAddress)
	set("TOKEN_NAME", &c.Workflow.Token.Name)
	set("TOKEN_SYMBOL", &c.Workflow.Token.Symbol)
	set("TOKEN_SUPPLY", &c.Workflow.Token.Supply)

	if v := strings.TrimSpace(getenv("WALLET_COUNT")); v != "" {
		count, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WALLET_COUNT 不是合法整数: %w", err)
		}
		c.Workflow.WalletCount = count
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	c.Runtime.AccountsFile = c.dataPath(c.Runtime.AccountsFile, "accounts.json")
	c.Runtime.DeploymentFile = c.dataPath(c.Runtime.DeploymentFile, "deployment.json")

	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = c.dataPath(c.Logging.Audit.Path, "audit.log")
	}

	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}
	c.Storage.History.Path = c.dataPath(c.Storage.History.Path, "runs.jsonl")
	if c.Storage.Lock.Prefix == "" {
		c.Storage.Lock.Prefix = "tokenswarm:funding:"
	}
	if c.Storage.Lock.TTLSeconds <= 0 {
		c.Storage.Lock.TTLSeconds = 900
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "noop"
	}
	if c.Events.Redis.Key == "" {
		c.Events.Redis.Key = "tokenswarm:events"
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "tokenswarm.events"
	}
	if c.Events.RabbitMQ.RoutingKey == "" {
		c.Events.RabbitMQ.RoutingKey = "workflow"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.PollIntervalMillis <= 0 {
		c.Web3.PollIntervalMillis = 1000
	}

	w := &c.Workflow
	if w.WalletCount == 0 {
		w.WalletCount = 3
	}
	if w.FundAmount == "" {
		w.FundAmount = "0.1"
	}
	if w.BuyAmount == "" {
		w.BuyAmount = "0.05"
	}
	if w.Token.Name == "" {
		w.Token.Name = "Swarm Token"
	}
	if w.Token.Symbol == "" {
		w.Token.Symbol = "SWARM"
	}
	if w.Token.Supply == "" {
		w.Token.Supply = "1000000"
	}
	if w.Gas.Transfer == 0 {
		w.Gas.Transfer = 21_000
	}
	if w.Gas.Deploy == 0 {
		w.Gas.Deploy = 5_000_000
	}
	if w.Gas.Purchase == 0 {
		w.Gas.Purchase = 300_000
	}
	if w.PurchasePolicy == "" {
		w.PurchasePolicy = "joined"
	}
	if w.ConfirmTimeoutSeconds == nil {
		timeout := 120
		w.ConfirmTimeoutSeconds = &timeout
	}
}

func (c *Config) dataPath(value, fallback string) string {
	if value == "" {
		return filepath.Join(c.Runtime.DataDir, fallback)
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(c.Runtime.DataDir, value)
}
