package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "TokenSwarm/internal/errors"
	"TokenSwarm/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const (
	defaultPollInterval = time.Second
	tipMultiplierBase   = 2
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURL         string
	ChainID        int64
	Notes          string
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// Backend is the subset of ethclient.Client the workflow needs. The
// go-ethereum simulated backend satisfies it as well.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	eth            *ethclient.Client
	backend        Backend
	pollInterval   time.Duration
	confirmTimeout time.Duration

	mu      sync.Mutex
	chainID *big.Int
	senders map[common.Address]*sync.Mutex
}

// Option customises a Client built around an existing backend.
type Option func(*Client)

// WithPollInterval sets how often receipts are polled while waiting.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithConfirmTimeout bounds every confirmation wait. Zero disables the bound.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout >= 0 {
			c.confirmTimeout = timeout
		}
	}
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接以太坊节点失败")
	}
	eth := ethclient.NewClient(rpcClient)

	client := NewBackendClient(cfg.Name, eth,
		WithPollInterval(cfg.PollInterval),
		WithConfirmTimeout(cfg.ConfirmTimeout),
	)
	client.notes = cfg.Notes
	client.rpcClient = rpcClient
	client.eth = eth

	if cfg.ChainID > 0 {
		actual, err := client.resolveChainID(ctx)
		if err != nil {
			client.Close()
			return nil, err
		}
		if actual.Cmp(big.NewInt(cfg.ChainID)) != 0 {
			client.Close()
			return nil, xerrors.New(xerrors.CodeConfigInvalid,
				fmt.Sprintf("链 %s 的 chain id 为 %s，与配置的 %d 不一致", cfg.Name, actual, cfg.ChainID))
		}
	}
	return client, nil
}

// NewBackendClient wraps an existing backend, typically the go-ethereum
// simulated backend in tests.
func NewBackendClient(name string, backend Backend, opts ...Option) *Client {
	c := &Client{
		name:         name,
		backend:      backend,
		pollInterval: defaultPollInterval,
		senders:      make(map[common.Address]*sync.Mutex),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
		c.rpcClient = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) ChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     chainID.String(),
		BlockNumber: head.Number.Uint64(),
		Notes:       c.notes,
	}, nil
}

// SendTransaction signs req with key and broadcasts it. Nonce lookup and
// broadcast are serialized per sender address so two calls from the same key
// never reuse a nonce; different senders proceed concurrently.
func (c *Client) SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, req web3.TxRequest) (web3.PendingTx, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供交易签名私钥")
	}
	if req.GasLimit == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "交易缺少 gas limit")
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	lock := c.senderLock(from)
	lock.Lock()
	defer lock.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易计数失败",
			xerrors.WithMetadata("from", from.Hex()))
	}

	tx, err := c.buildTx(ctx, chainID, nonce, req)
	if err != nil {
		return nil, err
	}
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名交易失败")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "发送交易失败",
			xerrors.WithMetadata("from", from.Hex()),
			xerrors.WithMetadata("nonce", fmt.Sprint(nonce)))
	}
	return &pendingTx{client: c, hash: signed.Hash()}, nil
}

func (c *Client) buildTx(ctx context.Context, chainID *big.Int, nonce uint64, req web3.TxRequest) (*coretypes.Transaction, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取最新区块失败")
	}

	if head.BaseFee == nil {
		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 gas price 失败")
		}
		return coretypes.NewTx(&coretypes.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      req.GasLimit,
			GasPrice: gasPrice,
			Data:     req.Data,
		}), nil
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取 gas tip 失败")
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(tipMultiplierBase))
	feeCap.Add(feeCap, tip)
	return coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       req.GasLimit,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	}), nil
}

// WaitMined polls for the receipt of hash until it is mined, the context ends
// or the confirmation timeout elapses.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	waitCtx := ctx
	if c.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.confirmTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return receipt, xerrors.New(xerrors.CodeTxReverted,
					fmt.Sprintf("交易 %s 执行失败", hash.Hex()),
					xerrors.WithMetadata("tx_hash", hash.Hex()))
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) && waitCtx.Err() == nil {
			return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询交易回执失败",
				xerrors.WithMetadata("tx_hash", hash.Hex()))
		}

		select {
		case <-waitCtx.Done():
			return nil, contextFailure(waitCtx, hash)
		case <-ticker.C:
		}
	}
}

func contextFailure(ctx context.Context, hash common.Hash) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), fmt.Sprintf("等待交易 %s 确认超时", hash.Hex()),
			xerrors.WithMetadata("tx_hash", hash.Hex()))
	}
	return ctx.Err()
}

// CallContract executes a read-only call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "合约调用失败",
			xerrors.WithMetadata("to", to.Hex()))
	}
	return out, nil
}

// BalanceAt returns the native balance of account at the latest block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "查询余额失败",
			xerrors.WithMetadata("address", account.Hex()))
	}
	return balance, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "获取链 ID 失败")
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

func (c *Client) senderLock(addr common.Address) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.senders[addr]
	if !ok {
		lock = &sync.Mutex{}
		c.senders[addr] = lock
	}
	return lock
}

type pendingTx struct {
	client *Client
	hash   common.Hash
}

func (p *pendingTx) Hash() common.Hash { return p.hash }

func (p *pendingTx) Wait(ctx context.Context) (*coretypes.Receipt, error) {
	return p.client.WaitMined(ctx, p.hash)
}

var _ web3.Client = (*Client)(nil)
