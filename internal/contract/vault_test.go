package contract

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testVaultABI 测试用金库 ABI
const testVaultABI = `[
	{
		"type": "function",
		"name": "withdraw",
		"inputs": [
			{"name": "receiver", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "getAllowance",
		"inputs": [{"name": "receiver", "type": "address"}],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "notify",
		"inputs": [
			{"name": "flag", "type": "bool"},
			{"name": "tag", "type": "string"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	}
]`

var (
	testVaultAddr  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testWalletAddr = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

func newTestVault(t *testing.T, caller *mockCaller) *VaultContract {
	t.Helper()
	vault, err := NewVaultContract(testVaultAddr, testVaultABI, caller)
	require.NoError(t, err)
	return vault
}

func TestNewVaultContract_InvalidABI(t *testing.T) {
	_, err := NewVaultContract(testVaultAddr, "{not json", nil)
	assert.Error(t, err)
}

// TestVaultContract_PackCall_Placeholders 占位符替换
func TestVaultContract_PackCall_Placeholders(t *testing.T) {
	vault := newTestVault(t, nil)

	amount := big.NewInt(1000000)
	data, err := vault.PackCall("withdraw", []string{"{walletAddr}", "{amount}"}, &CallSubstitutions{
		WalletAddr: testWalletAddr,
		Amount:     amount,
	})
	require.NoError(t, err)

	// withdraw(address,uint256) 选择器后跟两个 32 字节字
	assert.Len(t, data, 4+32+32)
	assert.Equal(t, testWalletAddr.Bytes(), data[4+12:4+32])
	assert.Equal(t, uint256Word(amount), data[4+32:])
}

// TestVaultContract_PackCall_Literals 字面量按 ABI 类型解析
func TestVaultContract_PackCall_Literals(t *testing.T) {
	vault := newTestVault(t, nil)

	t.Run("address and integer", func(t *testing.T) {
		data, err := vault.PackCall("withdraw", []string{
			"0x5555555555555555555555555555555555555555",
			"42",
		}, &CallSubstitutions{})
		require.NoError(t, err)
		assert.Equal(t, uint256Word(big.NewInt(42)), data[4+32:])
	})

	t.Run("hex integer", func(t *testing.T) {
		data, err := vault.PackCall("withdraw", []string{
			"0x5555555555555555555555555555555555555555",
			"0xff",
		}, &CallSubstitutions{})
		require.NoError(t, err)
		assert.Equal(t, uint256Word(big.NewInt(255)), data[4+32:])
	})

	t.Run("bool and string", func(t *testing.T) {
		_, err := vault.PackCall("notify", []string{"true", "refill"}, &CallSubstitutions{})
		require.NoError(t, err)
	})

	t.Run("bad address literal", func(t *testing.T) {
		_, err := vault.PackCall("withdraw", []string{"nope", "1"}, &CallSubstitutions{})
		assert.Error(t, err)
	})

	t.Run("bad integer literal", func(t *testing.T) {
		_, err := vault.PackCall("withdraw", []string{
			"0x5555555555555555555555555555555555555555",
			"1.5",
		}, &CallSubstitutions{})
		assert.Error(t, err)
	})
}

// TestVaultContract_PackCall_Errors 方法与参数个数校验
func TestVaultContract_PackCall_Errors(t *testing.T) {
	vault := newTestVault(t, nil)

	_, err := vault.PackCall("missing", nil, &CallSubstitutions{})
	assert.ErrorIs(t, err, ErrMethodNotFound)

	_, err = vault.PackCall("withdraw", []string{"{walletAddr}"}, &CallSubstitutions{WalletAddr: testWalletAddr})
	assert.ErrorIs(t, err, ErrArgCountMismatch)
}

// TestVaultContract_PackCall_PlaceholderTypeMismatch 占位符类型不匹配
func TestVaultContract_PackCall_PlaceholderTypeMismatch(t *testing.T) {
	vault := newTestVault(t, nil)

	// {amount} 放在 address 输入位
	_, err := vault.PackCall("withdraw", []string{"{amount}", "{amount}"}, &CallSubstitutions{
		Amount: big.NewInt(1),
	})
	assert.Error(t, err)
}

// TestVaultContract_CallUint 只读调用解包 uint256
func TestVaultContract_CallUint(t *testing.T) {
	allowance := new(big.Int).Mul(big.NewInt(2), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	caller := &mockCaller{responses: map[string][]byte{
		"eb5a662e": uint256Word(allowance), // getAllowance(address)
	}}
	vault := newTestVault(t, caller)

	// 选择器由 ABI 计算, 测试用表中的键须与其一致
	selector := common.Bytes2Hex(vault.abi.Methods["getAllowance"].ID)
	caller.responses[selector] = uint256Word(allowance)

	value, err := vault.CallUint(context.Background(), "getAllowance", []string{"{walletAddr}"}, &CallSubstitutions{
		WalletAddr: testWalletAddr,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, value.Cmp(allowance))
}
