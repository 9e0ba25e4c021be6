package blockchain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/openfaucet/faucet-payout/pkg/logger"
)

// ReceiptWaitConfig 回执等待配置
type ReceiptWaitConfig struct {
	CheckInterval   time.Duration // 初始快速轮询周期
	NotMinedTimeout time.Duration // 超过该时长降速为慢速轮询
	PollInterval    time.Duration // 慢速轮询周期
}

// applyDefaults 填充默认值
func (c *ReceiptWaitConfig) applyDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = 2 * time.Second
	}
	if c.NotMinedTimeout == 0 {
		c.NotMinedTimeout = 2 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
}

// WaitForReceipt 等待交易回执
//
// 先以 CheckInterval 快速轮询; 超过 NotMinedTimeout 仍未上链则降速为
// PollInterval 的慢速轮询, 无限期等待。未找到回执与连接级错误均视为
// 继续等待, 其他 RPC 错误向上返回。仅持有交易哈希, 客户端重建后轮询
// 自然继续。
func WaitForReceipt(ctx context.Context, backend Backend, txHash common.Hash, cfg ReceiptWaitConfig) (*types.Receipt, error) {
	cfg.applyDefaults()

	interval := cfg.CheckInterval
	deadline := time.Now().Add(cfg.NotMinedTimeout)
	slow := false

	for {
		receipt, err := backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && !errors.Is(err, ErrTxNotFound) && !IsConnectionError(err) && !errors.Is(err, ErrClientClosed) {
			return nil, err
		}

		if !slow && time.Now().After(deadline) {
			slow = true
			interval = cfg.PollInterval
			logger.Warn("transaction not mined within timeout, polling receipt",
				zap.String("tx_hash", txHash.Hex()),
				zap.Duration("poll_interval", interval))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
