package service

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openfaucet/faucet-payout/internal/blockchain"
	"github.com/openfaucet/faucet-payout/internal/config"
	"github.com/openfaucet/faucet-payout/internal/contract"
	"github.com/openfaucet/faucet-payout/internal/metrics"
	"github.com/openfaucet/faucet-payout/internal/model"
	"github.com/openfaucet/faucet-payout/pkg/logger"
)

var (
	ErrWalletNotReady = errors.New("faucet wallet is not ready")
)

// 状态提示默认文案
const (
	defaultLowFundsWarning    = "The faucet is running out of funds! Faucet balance: {1}"
	defaultNoFundsError       = "The faucet is out of funds!"
	defaultRPCConnectionError = "The faucet could not connect to the network RPC host!"
)

// contractCodeRe 非平凡合约代码的 hex 形态
var contractCodeRe = regexp.MustCompile(`^0x[0-9a-f]{2,}$`)

// WalletManager 热钱包状态管理
//
// 维护 (ready, nonce, nativeBalance, tokenBalance) 的缓存视图,
// 周期性与节点对账。余额由管线在提交时乐观扣减, 对账回写权威值。
type WalletManager struct {
	backend blockchain.Backend
	builder *blockchain.TxBuilder
	cfg     *config.FaucetConfig
	token   *contract.ERC20Token // 原生币模式为 nil

	statusPub StatusPublisher

	mu          sync.Mutex
	state       *model.WalletState
	lastRefresh time.Time
}

// NewWalletManager 创建钱包状态管理器
func NewWalletManager(
	backend blockchain.Backend,
	builder *blockchain.TxBuilder,
	token *contract.ERC20Token,
	statusPub StatusPublisher,
	cfg *config.FaucetConfig,
) *WalletManager {
	return &WalletManager{
		backend:   backend,
		builder:   builder,
		cfg:       cfg,
		token:     token,
		statusPub: statusPub,
		state:     model.NewWalletState(),
	}
}

// Address 返回钱包地址
func (m *WalletManager) Address() common.Address {
	return m.builder.Address()
}

// State 返回钱包状态的深拷贝
func (m *WalletManager) State() *model.WalletState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Ready 返回钱包是否就绪
func (m *WalletManager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Ready
}

// LastRefresh 返回最近一次成功对账时间
func (m *WalletManager) LastRefresh() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRefresh
}

// InvalidateRefresh 作废对账时间戳, 客户端重建后强制下次对账
func (m *WalletManager) InvalidateRefresh() {
	m.mu.Lock()
	m.lastRefresh = time.Time{}
	m.mu.Unlock()
}

// LoadWalletState 与节点对账钱包状态
//
// 并行执行四路读取: pending 余额、pending 交易计数、链 ID (已配置则跳过)、
// 代币余额 (erc20 模式)。节点拒绝 pending 标签时回退 latest。成功则置位
// ready 并发布状态; 失败则标记未就绪并记录日志。
func (m *WalletManager) LoadWalletState(ctx context.Context) error {
	var (
		wg        sync.WaitGroup
		native    *big.Int
		nonce     uint64
		chainID   *big.Int
		tokenBal  *big.Int
		nativeErr error
		nonceErr  error
		chainErr  error
		tokenErr  error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		native, nativeErr = m.backend.PendingBalanceAt(ctx, m.Address())
		if blockchain.IsPendingTagUnsupported(nativeErr) {
			native, nativeErr = m.backend.BalanceAt(ctx, m.Address(), nil)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		nonce, nonceErr = m.backend.PendingNonceAt(ctx, m.Address())
		if blockchain.IsPendingTagUnsupported(nonceErr) {
			nonce, nonceErr = m.backend.NonceAt(ctx, m.Address(), nil)
		}
	}()

	if m.builder.ChainID() == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			chainID, chainErr = m.backend.ChainID(ctx)
		}()
	}

	if m.token != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokenBal, tokenErr = m.token.BalanceOf(ctx, m.Address())
		}()
	}

	wg.Wait()

	err := firstError(nativeErr, nonceErr, chainErr, tokenErr)
	if err != nil {
		m.mu.Lock()
		m.state.Ready = false
		m.mu.Unlock()

		logger.Error("failed to load wallet state",
			zap.String("wallet", m.Address().Hex()),
			zap.Error(err))
		metrics.RecordReconcile(false)
		m.PublishStatus(ctx)
		return err
	}

	if chainID != nil {
		m.builder.SetChainID(chainID)
	}

	m.mu.Lock()
	m.state.Ready = true
	m.state.Nonce = nonce
	m.state.NativeBalance = native
	if m.token != nil {
		m.state.TokenBalance = tokenBal
	} else {
		m.state.TokenBalance = new(big.Int).Set(native)
	}
	m.lastRefresh = time.Now()
	state := m.state.Clone()
	m.mu.Unlock()

	logger.Info("wallet state loaded",
		zap.String("wallet", m.Address().Hex()),
		zap.Uint64("nonce", state.Nonce),
		zap.String("native_balance", state.NativeBalance.String()),
		zap.String("token_balance", state.TokenBalance.String()))

	metrics.RecordReconcile(true)
	metrics.UpdateWalletState(state.Nonce, state.NativeBalance, state.TokenBalance)
	m.PublishStatus(ctx)

	return nil
}

// firstError 返回第一个非空错误
func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// NextNonce 返回下一个未使用的 nonce
func (m *WalletManager) NextNonce() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Nonce
}

// ConfirmSubmission 提交成功后的乐观记账
//
// nonce 自增, 代币余额扣减派发额; 原生币模式下原生余额同步扣减
func (m *WalletManager) ConfirmSubmission(amount *big.Int) {
	m.mu.Lock()
	m.state.Nonce++
	m.state.TokenBalance = new(big.Int).Sub(m.state.TokenBalance, amount)
	if m.token == nil {
		m.state.NativeBalance = new(big.Int).Sub(m.state.NativeBalance, amount)
	}
	state := m.state.Clone()
	m.mu.Unlock()

	metrics.UpdateWalletState(state.Nonce, state.NativeBalance, state.TokenBalance)
}

// ConfirmRefillSubmission 金库交易提交成功后的 nonce 自增
func (m *WalletManager) ConfirmRefillSubmission() {
	m.mu.Lock()
	m.state.Nonce++
	nonce := m.state.Nonce
	m.mu.Unlock()

	metrics.WalletNonceGauge.Set(float64(nonce))
}

// ApplyTxFee 回执到达后的手续费记账
func (m *WalletManager) ApplyTxFee(fee *big.Int) {
	if fee == nil || fee.Sign() == 0 {
		return
	}
	m.mu.Lock()
	m.state.NativeBalance = new(big.Int).Sub(m.state.NativeBalance, fee)
	if m.token == nil {
		m.state.TokenBalance = new(big.Int).Sub(m.state.TokenBalance, fee)
	}
	state := m.state.Clone()
	m.mu.Unlock()

	metrics.UpdateWalletState(state.Nonce, state.NativeBalance, state.TokenBalance)
}

// gasReserve 单笔交易的最大手续费预算
func (m *WalletManager) gasReserve() *big.Int {
	return new(big.Int).Mul(
		new(big.Int).SetUint64(m.cfg.EthTxGasLimit),
		big.NewInt(m.cfg.EthTxMaxFee),
	)
}

// CanCoverClaim 判断钱包能否覆盖一笔派发
//
// 原生余额须高于 gas 预留, 代币余额扣除备用金后须不低于派发额
func (m *WalletManager) CanCoverClaim(amount *big.Int) bool {
	m.mu.Lock()
	state := m.state.Clone()
	m.mu.Unlock()

	if state.NativeBalance.Cmp(m.gasReserve()) <= 0 {
		return false
	}

	available := new(big.Int).Sub(state.TokenBalance, m.cfg.SpareFundsAmount.Value())
	return available.Cmp(amount) >= 0
}

// DeriveStatus 由钱包状态推导粗粒度状态
func (m *WalletManager) DeriveStatus(state *model.WalletState) model.WalletStatus {
	if !state.Ready {
		return model.WalletStatusOffline
	}
	if m.cfg.NoFundsBalance.IsSet() && state.TokenBalance.Cmp(m.cfg.NoFundsBalance.Value()) <= 0 {
		return model.WalletStatusNoFunds
	}
	if state.NativeBalance.Cmp(m.gasReserve()) <= 0 {
		return model.WalletStatusNoFunds
	}
	if m.cfg.LowFundsBalance.IsSet() && state.TokenBalance.Cmp(m.cfg.LowFundsBalance.Value()) <= 0 {
		return model.WalletStatusLowFunds
	}
	return model.WalletStatusNormal
}

// resolveMessage 解析状态提示配置
//
// 未配置或配置为 "true" 使用默认文案, 配置为空串或 "false" 则屏蔽提示,
// 其余文本作为自定义文案
func resolveMessage(configured *string, def string) (string, bool) {
	if configured == nil {
		return def, true
	}
	switch *configured {
	case "", "false":
		return "", false
	case "true":
		return def, true
	}
	return *configured, true
}

// statusMessage 组装状态提示
func (m *WalletManager) statusMessage(ctx context.Context, status model.WalletStatus, state *model.WalletState) (string, model.StatusSeverity) {
	var (
		template string
		enabled  bool
		severity model.StatusSeverity
	)

	switch status {
	case model.WalletStatusLowFunds:
		template, enabled = resolveMessage(m.cfg.LowFundsWarning, defaultLowFundsWarning)
		severity = model.SeverityWarning
	case model.WalletStatusNoFunds:
		template, enabled = resolveMessage(m.cfg.NoFundsError, defaultNoFundsError)
		severity = model.SeverityError
	case model.WalletStatusOffline:
		template, enabled = resolveMessage(m.cfg.RPCConnectionError, defaultRPCConnectionError)
		severity = model.SeverityError
	default:
		return "", ""
	}

	if !enabled {
		return "", severity
	}

	if strings.Contains(template, "{1}") {
		readable, err := m.ReadableAmount(ctx, state.TokenBalance, false)
		if err != nil {
			readable = state.TokenBalance.String()
		}
		template = strings.ReplaceAll(template, "{1}", readable)
	}

	return template, severity
}

// PublishStatus 发布钱包状态
func (m *WalletManager) PublishStatus(ctx context.Context) {
	m.mu.Lock()
	state := m.state.Clone()
	m.mu.Unlock()

	status := m.DeriveStatus(state)
	message, severity := m.statusMessage(ctx, status, state)

	metrics.UpdateWalletStatus(int8(status))

	if m.statusPub == nil {
		return
	}

	msg := &model.WalletStatusMessage{
		Status:    status,
		Severity:  severity,
		Message:   message,
		UpdatedAt: time.Now().UnixMilli(),
	}
	if err := m.statusPub.PublishWalletStatus(ctx, msg); err != nil {
		logger.Warn("failed to publish wallet status",
			zap.String("status", status.String()),
			zap.Error(err))
	}
}

// GetFaucetDecimals 返回派发币小数位
func (m *WalletManager) GetFaucetDecimals(ctx context.Context, native bool) (uint8, error) {
	if native || m.token == nil {
		return 18, nil
	}
	return m.token.Decimals(ctx)
}

// ReadableAmount 将最小单位金额格式化为可读形式
//
// 向下取整到 3 位小数, 后缀代币符号或 ETH
func (m *WalletManager) ReadableAmount(ctx context.Context, amount *big.Int, native bool) (string, error) {
	decimals, err := m.GetFaucetDecimals(ctx, native)
	if err != nil {
		return "", err
	}

	symbol := "ETH"
	if !native && m.token != nil {
		symbol = m.cfg.FaucetCoinSymbol
	}

	value := decimal.NewFromBigInt(amount, -int32(decimals)).RoundDown(3)
	return value.String() + " " + symbol, nil
}

// GetWalletBalance 查询任意地址的原生余额
func (m *WalletManager) GetWalletBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return m.backend.BalanceAt(ctx, addr, nil)
}

// CheckIsContract 判断地址是否部署了合约
func (m *WalletManager) CheckIsContract(ctx context.Context, addr common.Address) (bool, error) {
	code, err := m.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, err
	}
	return contractCodeRe.MatchString(hexutil.Encode(code)), nil
}

// GetFaucetBalance 返回缓存的钱包余额
func (m *WalletManager) GetFaucetBalance(native bool) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if native {
		return new(big.Int).Set(m.state.NativeBalance)
	}
	return new(big.Int).Set(m.state.TokenBalance)
}
