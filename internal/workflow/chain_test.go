package workflow

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"TokenSwarm/internal/contracts"
	"TokenSwarm/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// fakeChain 记录调用顺序，并按地址注入失败与延迟。
type fakeChain struct {
	mu    sync.Mutex
	calls []chainCall
	seq   uint64

	factory      common.Address
	asset        common.Address
	omitCreation bool
	sendErr      map[common.Address]error // 按发送方
	transferErr  map[common.Address]error // 按收款方
	waitErr      map[common.Address]error // 按发送方
	revert       map[common.Address]bool  // 按发送方
	sendDelay    map[common.Address]time.Duration
	waitDelay    map[common.Address]time.Duration
	balanceErr   map[common.Address]error
	balances     map[common.Address]*big.Int
	assetBalance *big.Int
	snapshotErr  error
}

type chainCall struct {
	op   string
	from common.Address
	to   common.Address
	data []byte
	hash common.Hash
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		factory:      common.HexToAddress("0xfac7"),
		asset:        common.HexToAddress("0xa55e7"),
		sendErr:      map[common.Address]error{},
		transferErr:  map[common.Address]error{},
		waitErr:      map[common.Address]error{},
		revert:       map[common.Address]bool{},
		sendDelay:    map[common.Address]time.Duration{},
		waitDelay:    map[common.Address]time.Duration{},
		balanceErr:   map[common.Address]error{},
		balances:     map[common.Address]*big.Int{},
		assetBalance: big.NewInt(7),
	}
}

func (c *fakeChain) record(call chainCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeChain) callsOf(op string) []chainCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []chainCall
	for _, call := range c.calls {
		if call.op == op {
			out = append(out, call)
		}
	}
	return out
}

func (c *fakeChain) ops() []chainCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chainCall(nil), c.calls...)
}

func (c *fakeChain) ChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	if c.snapshotErr != nil {
		return web3.ChainSnapshot{}, c.snapshotErr
	}
	return web3.ChainSnapshot{Name: "fake", ChainID: "1337", BlockNumber: 1}, nil
}

func (c *fakeChain) SendTransaction(ctx context.Context, key *ecdsa.PrivateKey, req web3.TxRequest) (web3.PendingTx, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	if d := c.sendDelay[from]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := c.sendErr[from]; err != nil {
		c.record(chainCall{op: "send_failed", from: from, to: req.To, data: req.Data})
		return nil, err
	}
	if err := c.transferErr[req.To]; err != nil {
		c.record(chainCall{op: "send_failed", from: from, to: req.To, data: req.Data})
		return nil, err
	}

	c.mu.Lock()
	c.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], c.seq)
	hash := crypto.Keccak256Hash(buf[:])
	c.mu.Unlock()

	c.record(chainCall{op: "send", from: from, to: req.To, data: req.Data, hash: hash})
	return &fakePending{chain: c, hash: hash, from: from, req: req}, nil
}

func (c *fakeChain) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	args, err := contracts.Asset().Methods["balanceOf"].Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	account := args[0].(common.Address)
	if err := c.balanceErr[account]; err != nil {
		return nil, err
	}
	return contracts.Asset().Methods["balanceOf"].Outputs.Pack(c.assetBalance)
}

func (c *fakeChain) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := c.balanceErr[account]; err != nil {
		return nil, err
	}
	if bal, ok := c.balances[account]; ok {
		return bal, nil
	}
	return big.NewInt(1e17), nil
}

func (c *fakeChain) Close() {}

type fakePending struct {
	chain *fakeChain
	hash  common.Hash
	from  common.Address
	req   web3.TxRequest
}

func (p *fakePending) Hash() common.Hash { return p.hash }

func (p *fakePending) Wait(ctx context.Context) (*coretypes.Receipt, error) {
	c := p.chain
	c.record(chainCall{op: "wait", from: p.from, to: p.req.To, hash: p.hash})

	if d := c.waitDelay[p.from]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := c.waitErr[p.from]; err != nil {
		return nil, err
	}

	receipt := &coretypes.Receipt{
		Status:      coretypes.ReceiptStatusSuccessful,
		TxHash:      p.hash,
		BlockNumber: big.NewInt(10),
	}
	if c.revert[p.from] {
		receipt.Status = coretypes.ReceiptStatusFailed
	}
	if p.req.To == c.factory && !c.omitCreation {
		receipt.Logs = []*coretypes.Log{{
			Address: c.factory,
			Topics: []common.Hash{
				contracts.Factory().Events["TokenCreated"].ID,
				common.BytesToHash(c.asset.Bytes()),
			},
		}}
	}
	return receipt, nil
}

var errInjected = errors.New("injected failure")
