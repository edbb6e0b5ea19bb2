// Package contracts encodes calls to the asset factory and the assets it
// creates, and decodes their results.
package contracts

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

// FactoryABI is the subset of the factory interface the workflow calls.
const FactoryABI = `[
  {"type":"function","name":"createToken","stateMutability":"nonpayable",
   "inputs":[{"name":"name","type":"string"},{"name":"symbol","type":"string"},{"name":"totalSupply","type":"uint256"}],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"TokenCreated","anonymous":false,
   "inputs":[{"name":"token","type":"address","indexed":true},{"name":"name","type":"string","indexed":false},
             {"name":"symbol","type":"string","indexed":false},{"name":"totalSupply","type":"uint256","indexed":false}]}
]`

// AssetABI is the subset of the asset interface the workflow calls.
const AssetABI = `[
  {"type":"function","name":"buy","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// ErrNoCreationEvent is returned when a factory receipt carries no TokenCreated log.
var ErrNoCreationEvent = errors.New("回执中没有 TokenCreated 事件")

var (
	factoryABI = mustParse(FactoryABI)
	assetABI   = mustParse(AssetABI)
)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("解析 ABI 失败: %v", err))
	}
	return parsed
}

// Factory returns the parsed factory ABI.
func Factory() abi.ABI { return factoryABI }

// Asset returns the parsed asset ABI.
func Asset() abi.ABI { return assetABI }

// PackCreate encodes createToken(name, symbol, totalSupply).
func PackCreate(name, symbol string, totalSupply *big.Int) ([]byte, error) {
	if totalSupply == nil {
		return nil, errors.New("totalSupply 不能为空")
	}
	data, err := factoryABI.Pack("createToken", name, symbol, totalSupply)
	if err != nil {
		return nil, fmt.Errorf("编码 createToken 失败: %w", err)
	}
	return data, nil
}

// PackBuy encodes buy().
func PackBuy() []byte {
	data, err := assetABI.Pack("buy")
	if err != nil {
		panic(fmt.Sprintf("编码 buy 失败: %v", err))
	}
	return data
}

// PackBalanceOf encodes balanceOf(account).
func PackBalanceOf(account common.Address) ([]byte, error) {
	data, err := assetABI.Pack("balanceOf", account)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	return data, nil
}

// UnpackBalance decodes the return data of balanceOf.
func UnpackBalance(data []byte) (*big.Int, error) {
	values, err := assetABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("解码 balanceOf 返回值失败: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("balanceOf 返回了 %d 个值", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf 返回值类型异常: %T", values[0])
	}
	return balance, nil
}

// CreatedAsset extracts the address of the asset created by factory from a
// createToken receipt.
func CreatedAsset(receipt *coretypes.Receipt, factory common.Address) (common.Address, error) {
	if receipt == nil {
		return common.Address{}, errors.New("回执为空")
	}
	eventID := factoryABI.Events["TokenCreated"].ID
	for _, log := range receipt.Logs {
		if log == nil || log.Address != factory {
			continue
		}
		if len(log.Topics) < 2 || log.Topics[0] != eventID {
			continue
		}
		asset := common.BytesToAddress(log.Topics[1].Bytes())
		if asset == (common.Address{}) {
			continue
		}
		return asset, nil
	}
	return common.Address{}, ErrNoCreationEvent
}
