package service

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// 对外门面: 前端网关和运维接口经由 ClaimManager 访问钱包与补仓视图

// GetFaucetAddress 返回水龙头钱包地址
func (m *ClaimManager) GetFaucetAddress() common.Address {
	return m.wallet.Address()
}

// GetFaucetDecimals 返回派发币小数位
func (m *ClaimManager) GetFaucetDecimals(ctx context.Context, native bool) (uint8, error) {
	return m.wallet.GetFaucetDecimals(ctx, native)
}

// ReadableAmount 将最小单位金额格式化为可读形式
func (m *ClaimManager) ReadableAmount(ctx context.Context, amount *big.Int, native bool) (string, error) {
	return m.wallet.ReadableAmount(ctx, amount, native)
}

// GetWalletBalance 查询任意地址的原生余额
func (m *ClaimManager) GetWalletBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return m.wallet.GetWalletBalance(ctx, addr)
}

// CheckIsContract 判断地址是否部署了合约
func (m *ClaimManager) CheckIsContract(ctx context.Context, addr common.Address) (bool, error) {
	return m.wallet.CheckIsContract(ctx, addr)
}

// GetFaucetBalance 返回缓存的钱包余额
func (m *ClaimManager) GetFaucetBalance(native bool) *big.Int {
	return m.wallet.GetFaucetBalance(native)
}

// GetFaucetRefillCooldown 距下次允许补仓的剩余秒数, 未配置金库返回 0
func (m *ClaimManager) GetFaucetRefillCooldown() int64 {
	if m.refill == nil {
		return 0
	}
	return m.refill.Cooldown()
}
