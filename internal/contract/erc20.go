// Package contract provides smart contract ABI bindings for the faucet wallet.
package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20 errors
var (
	ErrInvalidTransferAmount = errors.New("invalid transfer amount")
)

// ERC20ABI is the minimal ABI for faucet token operations.
const ERC20ABI = `[
	{
		"type": "function",
		"name": "symbol",
		"inputs": [],
		"outputs": [{"name": "", "type": "string"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "decimals",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint8"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "balanceOf",
		"inputs": [{"name": "account", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "transfer",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	}
]`

// ERC20Token provides the faucet's view of the payout token.
type ERC20Token struct {
	address common.Address
	abi     abi.ABI
	caller  bind.ContractCaller

	mu            sync.Mutex
	decimals      uint8
	decimalsKnown bool
}

// NewERC20Token creates a token binding. Decimals are fetched lazily on
// first use and cached for the process lifetime.
func NewERC20Token(address common.Address, caller bind.ContractCaller) (*ERC20Token, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, err
	}

	return &ERC20Token{
		address: address,
		abi:     parsed,
		caller:  caller,
	}, nil
}

// Address returns the token contract address.
func (t *ERC20Token) Address() common.Address {
	return t.address
}

// BalanceOf queries the token balance of a holder.
func (t *ERC20Token) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	data, err := t.abi.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{
		To:   &t.address,
		Data: data,
	}

	result, err := t.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}

	var balance *big.Int
	err = t.abi.UnpackIntoInterface(&balance, "balanceOf", result)
	if err != nil {
		return nil, err
	}

	return balance, nil
}

// Decimals returns the token decimals, fetching once from the chain.
func (t *ERC20Token) Decimals(ctx context.Context) (uint8, error) {
	t.mu.Lock()
	if t.decimalsKnown {
		decimals := t.decimals
		t.mu.Unlock()
		return decimals, nil
	}
	t.mu.Unlock()

	data, err := t.abi.Pack("decimals")
	if err != nil {
		return 0, err
	}

	msg := ethereum.CallMsg{
		To:   &t.address,
		Data: data,
	}

	result, err := t.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return 0, err
	}

	var decimals uint8
	err = t.abi.UnpackIntoInterface(&decimals, "decimals", result)
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.decimals = decimals
	t.decimalsKnown = true
	t.mu.Unlock()

	return decimals, nil
}

// PackTransfer packs transfer(to, amount) calldata.
func (t *ERC20Token) PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidTransferAmount
	}
	return t.abi.Pack("transfer", to, amount)
}
