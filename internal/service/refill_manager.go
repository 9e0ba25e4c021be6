package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openfaucet/faucet-payout/internal/blockchain"
	"github.com/openfaucet/faucet-payout/internal/config"
	"github.com/openfaucet/faucet-payout/internal/contract"
	"github.com/openfaucet/faucet-payout/internal/metrics"
	"github.com/openfaucet/faucet-payout/pkg/logger"
)

var (
	ErrNoAllowance     = errors.New("vault allowance is zero")
	ErrVaultOutOfFunds = errors.New("vault contract balance at or below dust threshold")
	ErrVaultTxReverted = errors.New("vault transaction reverted")
)

// RefillManagerOptions 补仓控制器节奏配置
type RefillManagerOptions struct {
	RetryWindow time.Duration // 两次尝试之间的最小间隔
	ReceiptWait blockchain.ReceiptWaitConfig
}

// applyDefaults 填充默认值
func (o *RefillManagerOptions) applyDefaults() {
	if o.RetryWindow == 0 {
		o.RetryWindow = 60 * time.Second
	}
}

// RefillManager 金库补仓/溢出控制器
//
// 以有效余额 (代币余额 − 未领取奖励负债 − 队列待派发额) 对照触发线:
// 高于溢出线向金库回存, 低于触发线从金库提取。金库交易与派发共用同
// 一 nonce 流。
type RefillManager struct {
	backend blockchain.Backend
	builder *blockchain.TxBuilder
	wallet  *WalletManager
	vault   *contract.VaultContract
	rcfg    *config.RefillContractConfig
	opts    RefillManagerOptions

	unclaimed UnclaimedProvider // 可为 nil
	tokenAddr common.Address    // 原生币模式为零地址

	queuedAmountFn func() *big.Int

	mu          sync.Mutex
	refilling   bool
	lastAttempt time.Time
	lastRefill  time.Time
}

// NewRefillManager 创建补仓控制器
func NewRefillManager(
	backend blockchain.Backend,
	builder *blockchain.TxBuilder,
	wallet *WalletManager,
	vault *contract.VaultContract,
	unclaimed UnclaimedProvider,
	tokenAddr common.Address,
	rcfg *config.RefillContractConfig,
	opts RefillManagerOptions,
) *RefillManager {
	opts.applyDefaults()

	return &RefillManager{
		backend:   backend,
		builder:   builder,
		wallet:    wallet,
		vault:     vault,
		rcfg:      rcfg,
		opts:      opts,
		unclaimed: unclaimed,
		tokenAddr: tokenAddr,
	}
}

// SetQueuedAmountProvider 注入队列待派发额查询
func (m *RefillManager) SetQueuedAmountProvider(fn func() *big.Int) {
	m.queuedAmountFn = fn
}

// Cooldown 距下次允许补仓的剩余秒数, 未配置冷却返回 0
func (m *RefillManager) Cooldown() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastRefill.IsZero() || m.rcfg.CooldownTime == 0 {
		return 0
	}
	next := m.lastRefill.Add(time.Duration(m.rcfg.CooldownTime) * time.Second)
	remaining := time.Until(next)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining.Seconds())
}

// Tick 每轮管线 tick 时的补仓检查
func (m *RefillManager) Tick(ctx context.Context) {
	m.mu.Lock()
	if m.refilling {
		m.mu.Unlock()
		return
	}
	if !m.lastAttempt.IsZero() && time.Since(m.lastAttempt) < m.opts.RetryWindow {
		m.mu.Unlock()
		return
	}
	if !m.lastRefill.IsZero() && time.Since(m.lastRefill) < time.Duration(m.rcfg.CooldownTime)*time.Second {
		m.mu.Unlock()
		return
	}
	m.refilling = true
	m.lastAttempt = time.Now()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.refilling = false
		m.mu.Unlock()
	}()

	effective, err := m.effectiveBalance(ctx)
	if err != nil {
		logger.Warn("failed to compute effective balance", zap.Error(err))
		return
	}

	var action string
	switch {
	case m.rcfg.OverflowBalance.IsSet() && effective.Cmp(m.rcfg.OverflowBalance.Value()) > 0:
		action = "overflow"
		amount := new(big.Int).Sub(effective, m.rcfg.OverflowBalance.Value())
		err = m.overflow(ctx, amount)
	case effective.Cmp(m.rcfg.TriggerBalance.Value()) < 0:
		action = "refill"
		err = m.refillFromVault(ctx)
	default:
		return
	}

	// 无论成败都重新对账, 金库交易已经动用了 nonce 流
	if reconcileErr := m.wallet.LoadWalletState(ctx); reconcileErr != nil {
		logger.Warn("wallet reconciliation after refill attempt failed", zap.Error(reconcileErr))
	}

	if err != nil {
		metrics.RecordRefill(action, false)
		logger.Warn("vault operation failed",
			zap.String("action", action),
			zap.Error(err))
		return
	}

	m.mu.Lock()
	m.lastRefill = time.Now()
	m.mu.Unlock()

	metrics.RecordRefill(action, true)
	logger.Info("vault operation completed",
		zap.String("action", action),
		zap.String("effective_balance", effective.String()))
}

// effectiveBalance 有效余额 = 代币余额 − 未领取奖励负债 − 队列待派发额
func (m *RefillManager) effectiveBalance(ctx context.Context) (*big.Int, error) {
	effective := m.wallet.GetFaucetBalance(false)

	if m.unclaimed != nil {
		liability, err := m.unclaimed.GetUnclaimedBalance(ctx)
		if err != nil {
			return nil, fmt.Errorf("query unclaimed balance: %w", err)
		}
		effective.Sub(effective, liability)
	}

	if m.queuedAmountFn != nil {
		effective.Sub(effective, m.queuedAmountFn())
	}

	return effective, nil
}

// substitutions 金库调用的占位符替换值
func (m *RefillManager) substitutions(amount *big.Int) *contract.CallSubstitutions {
	return &contract.CallSubstitutions{
		WalletAddr: m.wallet.Address(),
		Amount:     amount,
		Token:      m.tokenAddr,
	}
}

// refillFromVault 从金库提取补仓
func (m *RefillManager) refillFromVault(ctx context.Context) error {
	amount := new(big.Int).Set(m.rcfg.RequestAmount.Value())

	// 授权额度检查与封顶
	if m.rcfg.AllowanceFn != "" {
		allowance, err := m.vault.CallUint(ctx, m.rcfg.AllowanceFn, m.rcfg.AllowanceFnArgs, m.substitutions(amount))
		if err != nil {
			return fmt.Errorf("query vault allowance: %w", err)
		}
		if allowance.Sign() == 0 {
			return ErrNoAllowance
		}
		if amount.Cmp(allowance) > 0 {
			amount = allowance
		}
	}

	// 金库余额检查与封顶
	if m.rcfg.CheckContractBalance != "" {
		target := m.vault.Address()
		if m.rcfg.CheckContractBalance != "true" {
			if !common.IsHexAddress(m.rcfg.CheckContractBalance) {
				return fmt.Errorf("invalid check_contract_balance address: %q", m.rcfg.CheckContractBalance)
			}
			target = common.HexToAddress(m.rcfg.CheckContractBalance)
		}
		balance, err := m.backend.BalanceAt(ctx, target, nil)
		if err != nil {
			return fmt.Errorf("query vault balance: %w", err)
		}
		if balance.Cmp(m.rcfg.ContractDustBalance.Value()) <= 0 {
			return ErrVaultOutOfFunds
		}
		if amount.Cmp(balance) > 0 {
			amount = balance
		}
	}

	data, err := m.vault.PackCall(m.rcfg.WithdrawFn, m.rcfg.WithdrawFnArgs, m.substitutions(amount))
	if err != nil {
		return fmt.Errorf("pack withdraw call: %w", err)
	}

	return m.submitVaultTx(ctx, new(big.Int), data, "refill", amount)
}

// overflow 向金库回存溢出部分
func (m *RefillManager) overflow(ctx context.Context, amount *big.Int) error {
	var data []byte
	if m.rcfg.DepositFn != "" {
		packed, err := m.vault.PackCall(m.rcfg.DepositFn, m.rcfg.DepositFnArgs, m.substitutions(amount))
		if err != nil {
			return fmt.Errorf("pack deposit call: %w", err)
		}
		data = packed
	}

	return m.submitVaultTx(ctx, amount, data, "overflow", amount)
}

// submitVaultTx 签名提交金库交易并等待回执
func (m *RefillManager) submitVaultTx(ctx context.Context, value *big.Int, data []byte, action string, amount *big.Int) error {
	nonce := m.wallet.NextNonce()

	req := &blockchain.BuildTxRequest{
		To:       m.vault.Address().Hex(),
		Value:    value,
		Nonce:    nonce,
		Data:     data,
		GasLimit: m.rcfg.WithdrawGasLimit,
	}

	_, raw, err := m.builder.BuildAndSign(ctx, m.backend, req)
	if err != nil {
		return err
	}

	txHash, err := m.backend.SendRawTransaction(ctx, raw)
	if err != nil {
		return err
	}

	m.wallet.ConfirmRefillSubmission()

	logger.Info("vault transaction submitted",
		zap.String("action", action),
		zap.String("tx_hash", txHash.Hex()),
		zap.Uint64("nonce", nonce),
		zap.String("amount", amount.String()))

	receipt, err := blockchain.WaitForReceipt(ctx, m.backend, txHash, m.opts.ReceiptWait)
	if err != nil {
		return err
	}
	if receipt.Status != 1 {
		return fmt.Errorf("%w: hash=%s block=%d", ErrVaultTxReverted, txHash.Hex(), receipt.BlockNumber.Uint64())
	}

	metrics.RecordTxGasUsed(action, receipt.GasUsed)
	return nil
}
