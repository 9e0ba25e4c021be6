package service

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClaimManager_Facade 门面方法委托钱包视图
func TestClaimManager_Facade(t *testing.T) {
	cfg := nativeFaucetConfig()
	p := newTestPipeline(t, cfg)
	p.loadWallet(t, eth(10), 5)

	assert.Equal(t, p.wallet.Address(), p.mgr.GetFaucetAddress())

	decimals, err := p.mgr.GetFaucetDecimals(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), decimals)

	readable, err := p.mgr.ReadableAmount(context.Background(), eth(2), true)
	require.NoError(t, err)
	assert.Equal(t, "2 ETH", readable)

	assert.Equal(t, 0, p.mgr.GetFaucetBalance(true).Cmp(eth(10)))

	balance, err := p.mgr.GetWalletBalance(context.Background(), common.HexToAddress(testTarget))
	require.NoError(t, err)
	assert.Equal(t, 0, balance.Sign())

	// 未配置金库时冷却为 0
	assert.Equal(t, int64(0), p.mgr.GetFaucetRefillCooldown())
}
