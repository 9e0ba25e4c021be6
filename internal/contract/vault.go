package contract

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// Vault contract errors
var (
	ErrMethodNotFound   = errors.New("method not found in vault abi")
	ErrArgCountMismatch = errors.New("argument count does not match abi inputs")
)

// 调用参数模板中的占位符
const (
	PlaceholderWalletAddr = "{walletAddr}"
	PlaceholderAmount     = "{amount}"
	PlaceholderToken      = "{token}"
)

// CallSubstitutions 占位符替换值
type CallSubstitutions struct {
	WalletAddr common.Address
	Amount     *big.Int
	Token      common.Address
}

// VaultContract 金库合约
//
// 补仓与溢出的入口函数名和参数由配置给出, 参数模板支持
// {walletAddr}, {amount}, {token} 占位符, 其余按 ABI 输入类型解析字面量。
type VaultContract struct {
	address common.Address
	abi     abi.ABI
	caller  bind.ContractCaller
}

// NewVaultContract 基于配置的 ABI JSON 创建金库合约实例
func NewVaultContract(address common.Address, abiJSON string, caller bind.ContractCaller) (*VaultContract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}

	return &VaultContract{
		address: address,
		abi:     parsed,
		caller:  caller,
	}, nil
}

// Address 返回合约地址
func (c *VaultContract) Address() common.Address {
	return c.address
}

// PackCall 按参数模板打包一次合约调用
func (c *VaultContract) PackCall(fnName string, argTemplates []string, sub *CallSubstitutions) ([]byte, error) {
	method, ok := c.abi.Methods[fnName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, fnName)
	}
	if len(argTemplates) != len(method.Inputs) {
		return nil, fmt.Errorf("%w: %s expects %d args, got %d",
			ErrArgCountMismatch, fnName, len(method.Inputs), len(argTemplates))
	}

	args := make([]interface{}, len(argTemplates))
	for i, tpl := range argTemplates {
		val, err := resolveArg(tpl, method.Inputs[i].Type, sub)
		if err != nil {
			return nil, fmt.Errorf("arg %d of %s: %w", i, fnName, err)
		}
		args[i] = val
	}

	return c.abi.Pack(fnName, args...)
}

// CallUint 执行只读调用并解出单个 uint256 返回值
func (c *VaultContract) CallUint(ctx context.Context, fnName string, argTemplates []string, sub *CallSubstitutions) (*big.Int, error) {
	data, err := c.PackCall(fnName, argTemplates, sub)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &c.address,
		Data: data,
	}

	result, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	var value *big.Int
	err = c.abi.UnpackIntoInterface(&value, fnName, result)
	if err != nil {
		return nil, err
	}

	return value, nil
}

// resolveArg 解析单个参数模板
func resolveArg(tpl string, typ abi.Type, sub *CallSubstitutions) (interface{}, error) {
	switch tpl {
	case PlaceholderWalletAddr:
		return coerceAddress(sub.WalletAddr, typ)
	case PlaceholderAmount:
		if typ.T != abi.UintTy && typ.T != abi.IntTy {
			return nil, fmt.Errorf("placeholder %s requires integer input, abi has %s", tpl, typ.String())
		}
		return new(big.Int).Set(sub.Amount), nil
	case PlaceholderToken:
		return coerceAddress(sub.Token, typ)
	}
	return parseLiteral(tpl, typ)
}

// coerceAddress 校验占位符对应的 ABI 类型为 address
func coerceAddress(addr common.Address, typ abi.Type) (interface{}, error) {
	if typ.T != abi.AddressTy {
		return nil, fmt.Errorf("placeholder requires address input, abi has %s", typ.String())
	}
	return addr, nil
}

// parseLiteral 按 ABI 类型解析字面量参数
func parseLiteral(s string, typ abi.Type) (interface{}, error) {
	switch typ.T {
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address literal: %q", s)
		}
		return common.HexToAddress(s), nil
	case abi.UintTy, abi.IntTy:
		base := 10
		raw := s
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			base = 16
			raw = s[2:]
		}
		v, ok := new(big.Int).SetString(raw, base)
		if !ok {
			return nil, fmt.Errorf("invalid integer literal: %q", s)
		}
		return v, nil
	case abi.BoolTy:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("invalid bool literal: %q", s)
		}
		return v, nil
	case abi.StringTy:
		return s, nil
	case abi.BytesTy, abi.FixedBytesTy:
		raw := strings.TrimPrefix(s, "0x")
		data, err := hex.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid bytes literal: %q", s)
		}
		if typ.T == abi.FixedBytesTy {
			if len(data) != typ.Size {
				return nil, fmt.Errorf("bytes%d literal has %d bytes", typ.Size, len(data))
			}
			fixed := make([]byte, typ.Size)
			copy(fixed, data)
			return toFixedBytes(fixed, typ.Size), nil
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported abi input type: %s", typ.String())
	}
}

// toFixedBytes 转换为 abi 需要的定长数组类型
func toFixedBytes(data []byte, size int) interface{} {
	switch size {
	case 32:
		var out [32]byte
		copy(out[:], data)
		return out
	case 20:
		var out [20]byte
		copy(out[:], data)
		return out
	case 8:
		var out [8]byte
		copy(out[:], data)
		return out
	case 4:
		var out [4]byte
		copy(out[:], data)
		return out
	default:
		return data
	}
}
