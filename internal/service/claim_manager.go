package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfaucet/faucet-payout/internal/blockchain"
	"github.com/openfaucet/faucet-payout/internal/config"
	"github.com/openfaucet/faucet-payout/internal/contract"
	"github.com/openfaucet/faucet-payout/internal/metrics"
	"github.com/openfaucet/faucet-payout/internal/model"
	"github.com/openfaucet/faucet-payout/internal/repository"
	"github.com/openfaucet/faucet-payout/pkg/logger"
)

var (
	ErrSessionExists  = errors.New("claim with this session already exists")
	ErrInvalidClaim   = errors.New("invalid claim request")
	ErrManagerStopped = errors.New("claim manager stopped")
)

// ClaimManagerOptions 管线节奏配置, 零值使用默认
type ClaimManagerOptions struct {
	ProcessingInterval   time.Duration // tick 周期
	SubmitAttempts       int           // 提交尝试总数
	RetryDelay           time.Duration // 提交失败后的休眠
	HistoryEvictAfter    time.Duration // 终态后保留时长
	RefreshIntervalReady time.Duration // 就绪时的对账间隔
	RefreshIntervalCold  time.Duration // 未就绪时的对账间隔
	ReceiptWait          blockchain.ReceiptWaitConfig
}

// applyDefaults 填充默认值
func (o *ClaimManagerOptions) applyDefaults() {
	if o.ProcessingInterval == 0 {
		o.ProcessingInterval = 2 * time.Second
	}
	if o.SubmitAttempts == 0 {
		o.SubmitAttempts = 4
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.HistoryEvictAfter == 0 {
		o.HistoryEvictAfter = 30 * time.Minute
	}
	if o.RefreshIntervalReady == 0 {
		o.RefreshIntervalReady = 600 * time.Second
	}
	if o.RefreshIntervalCold == 0 {
		o.RefreshIntervalCold = 10 * time.Second
	}
}

// ClaimManager 派发队列与在途管线
//
// 独占持有队列、在途表、历史表和钱包状态的所有权。一笔 ClaimTx 任一
// 时刻只存在于 queue/pending/history 之一。tick 不可重入, 处理在 tick
// 内串行推进, nonce 按提交顺序严格单调。
type ClaimManager struct {
	cfg  *config.FaucetConfig
	opts ClaimManagerOptions

	backend blockchain.Backend
	builder *blockchain.TxBuilder
	wallet  *WalletManager
	token   *contract.ERC20Token // 原生币模式为 nil
	store   repository.ClaimRepository
	events  EventSink      // 可为 nil
	refill  *RefillManager // 可为 nil

	mu               sync.Mutex
	queue            []*model.ClaimTx
	pending          map[string]*model.ClaimTx // txHash → claim
	history          map[uint64]*model.ClaimTx // queueIdx → claim
	claimIdxCounter  uint64
	lastProcessedIdx uint64

	tickRunning atomic.Bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	stopCh    chan struct{}
	watcherWg sync.WaitGroup
}

// NewClaimManager 创建派发管线
func NewClaimManager(
	backend blockchain.Backend,
	builder *blockchain.TxBuilder,
	wallet *WalletManager,
	token *contract.ERC20Token,
	store repository.ClaimRepository,
	events EventSink,
	cfg *config.FaucetConfig,
	opts ClaimManagerOptions,
) *ClaimManager {
	opts.applyDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())

	return &ClaimManager{
		cfg:     cfg,
		opts:    opts,
		backend: backend,
		builder: builder,
		wallet:  wallet,
		token:   token,
		store:   store,
		events:  events,
		pending: make(map[string]*model.ClaimTx),
		history: make(map[uint64]*model.ClaimTx),
		baseCtx: baseCtx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
}

// SetRefillManager 注入金库补仓控制器
func (m *ClaimManager) SetRefillManager(refill *RefillManager) {
	m.refill = refill
}

// Start 恢复持久化队列并启动 tick 循环
func (m *ClaimManager) Start(ctx context.Context) error {
	if err := m.restoreQueue(ctx); err != nil {
		return fmt.Errorf("restore claim queue: %w", err)
	}

	// 启动对账, 失败不阻塞启动, 管线会在钱包就绪前拒绝处理
	if err := m.wallet.LoadWalletState(ctx); err != nil {
		logger.Warn("initial wallet reconciliation failed", zap.Error(err))
	}

	go m.runLoop()

	logger.Info("claim pipeline started",
		zap.Int("restored_queue", len(m.queue)),
		zap.Int("max_pending", m.cfg.EthMaxPending))

	return nil
}

// Stop 停止管线
func (m *ClaimManager) Stop() {
	close(m.stopCh)
	m.cancel()
	m.watcherWg.Wait()
}

// restoreQueue 从持久化存储恢复队列
//
// 恢复顺序决定初始 queueIdx 分配
func (m *ClaimManager) restoreQueue(ctx context.Context) error {
	entries, err := m.store.GetClaimTxQueue(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		claim, ok := model.RestoreClaimTx(entry)
		if !ok {
			logger.Warn("skipping corrupt queued claim",
				zap.String("session", entry.Session),
				zap.String("amount", entry.Amount))
			continue
		}
		m.claimIdxCounter++
		claim.QueueIdx = m.claimIdxCounter
		claim.OnStatusChange(m.emitStatus)
		m.queue = append(m.queue, claim)
	}

	metrics.UpdateQueueLength(len(m.queue), len(m.pending))
	return nil
}

// runLoop tick 循环
func (m *ClaimManager) runLoop() {
	ticker := time.NewTicker(m.opts.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick(m.baseCtx)
		}
	}
}

// Tick 一次管线推进
//
// 不可重入: 上一次 tick 未结束时本次直接跳过
func (m *ClaimManager) Tick(ctx context.Context) {
	if !m.tickRunning.CompareAndSwap(false, true) {
		return
	}
	defer m.tickRunning.Store(false)

	// 排空队列直到在途额度用尽
	for {
		m.mu.Lock()
		if len(m.pending) >= m.cfg.EthMaxPending || len(m.queue) == 0 {
			m.mu.Unlock()
			break
		}
		head := m.queue[0]
		if m.cfg.EthQueueNoFunds && !m.wallet.CanCoverClaim(head.Amount) {
			m.mu.Unlock()
			break
		}
		m.queue = m.queue[1:]
		m.lastProcessedIdx = head.QueueIdx
		queued, pendingCount := len(m.queue), len(m.pending)
		m.mu.Unlock()

		metrics.UpdateQueueLength(queued, pendingCount)
		m.processClaim(ctx, head)
	}

	// 空闲时机会性对账
	m.mu.Lock()
	pendingCount := len(m.pending)
	m.mu.Unlock()

	if pendingCount == 0 {
		interval := m.opts.RefreshIntervalCold
		if m.wallet.Ready() {
			interval = m.opts.RefreshIntervalReady
		}
		if time.Since(m.wallet.LastRefresh()) > interval {
			if err := m.wallet.LoadWalletState(ctx); err != nil {
				logger.Warn("wallet reconciliation failed", zap.Error(err))
			}
		}
	}

	// 钱包就绪且配置了金库时尝试补仓
	if m.refill != nil && m.wallet.Ready() {
		m.refill.Tick(ctx)
	}
}

// AddClaimTransaction 受理一笔派发请求
func (m *ClaimManager) AddClaimTransaction(ctx context.Context, target string, amount *big.Int, session string) (*model.ClaimTx, error) {
	if session == "" || amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidClaim
	}
	if !common.IsHexAddress(target) {
		return nil, fmt.Errorf("%w: bad target address %q", ErrInvalidClaim, target)
	}
	if existing := m.GetClaimTransaction(session); existing != nil {
		return nil, ErrSessionExists
	}

	claim := model.NewClaimTx(common.HexToAddress(target), amount, session, time.Now().UnixMilli())
	claim.OnStatusChange(m.emitStatus)

	m.mu.Lock()
	m.claimIdxCounter++
	claim.QueueIdx = m.claimIdxCounter
	m.queue = append(m.queue, claim)
	queued, pendingCount := len(m.queue), len(m.pending)
	m.mu.Unlock()

	if err := m.store.AddQueuedClaimTx(ctx, claim.Serialize()); err != nil {
		m.mu.Lock()
		for i, c := range m.queue {
			if c == claim {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("persist queued claim: %w", err)
	}

	metrics.RecordClaim("queued")
	metrics.UpdateQueueLength(queued, pendingCount)

	logger.Info("claim queued",
		zap.Uint64("queue_idx", claim.QueueIdx),
		zap.String("session", session),
		zap.String("target", claim.Target.Hex()),
		zap.String("amount", amount.String()))

	return claim, nil
}

// GetClaimTransaction 按会话查找派发, 依次检索队列、在途表、历史表
func (m *ClaimManager) GetClaimTransaction(session string) *model.ClaimTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, claim := range m.queue {
		if claim.Session == session {
			return claim
		}
	}
	for _, claim := range m.pending {
		if claim.Session == session {
			return claim
		}
	}
	for _, claim := range m.history {
		if claim.Session == session {
			return claim
		}
	}
	return nil
}

// GetTransactionQueue 返回队列快照, queueOnly 为 false 时附带在途交易
func (m *ClaimManager) GetTransactionQueue(queueOnly bool) []*model.ClaimTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*model.ClaimTx, 0, len(m.queue)+len(m.pending))
	result = append(result, m.queue...)
	if !queueOnly {
		result = append(result, m.sortedPendingLocked()...)
	}
	return result
}

// sortedPendingLocked 按 queueIdx 升序返回在途交易
func (m *ClaimManager) sortedPendingLocked() []*model.ClaimTx {
	pending := make([]*model.ClaimTx, 0, len(m.pending))
	for _, claim := range m.pending {
		pending = append(pending, claim)
	}
	for i := 1; i < len(pending); i++ {
		for j := i; j > 0 && pending[j-1].QueueIdx > pending[j].QueueIdx; j-- {
			pending[j-1], pending[j] = pending[j], pending[j-1]
		}
	}
	return pending
}

// GetQueuedAmount 返回队列中所有派发额之和
func (m *ClaimManager) GetQueuedAmount() *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := new(big.Int)
	for _, claim := range m.queue {
		total.Add(total, claim.Amount)
	}
	return total
}

// GetLastProcessedClaimIdx 返回最近出队的 queueIdx
func (m *ClaimManager) GetLastProcessedClaimIdx() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProcessedIdx
}

// PendingCount 返回在途交易数量
func (m *ClaimManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// processClaim 处理一笔出队的派发
func (m *ClaimManager) processClaim(ctx context.Context, claim *model.ClaimTx) {
	// 资金与就绪性检查
	if !m.wallet.Ready() {
		m.failClaim(ctx, claim, ErrWalletNotReady.Error())
		return
	}
	if !m.wallet.CanCoverClaim(claim.Amount) {
		m.failClaim(ctx, claim, "faucet wallet has insufficient funds to process this claim")
		return
	}

	claim.SetStatus(model.ClaimStatusProcessing)

	// 构造、签名并提交, 失败后对账重建, 最多 SubmitAttempts 次
	var (
		firstErr error
		txHash   common.Hash
		txHex    string
		nonce    uint64
	)
	submitted := false

	for attempt := 0; attempt < m.opts.SubmitAttempts; attempt++ {
		if attempt > 0 {
			metrics.SubmissionRetriesTotal.Inc()
			select {
			case <-m.stopCh:
				m.failClaim(ctx, claim, ErrManagerStopped.Error())
				return
			case <-time.After(m.opts.RetryDelay):
			}
			// 对账以拾取节点权威 nonce
			if err := m.wallet.LoadWalletState(ctx); err != nil {
				logger.Warn("reconciliation between submit attempts failed", zap.Error(err))
			}
		}

		nonce = m.wallet.NextNonce()

		req, err := m.buildClaimTxRequest(claim, nonce)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		_, raw, err := m.builder.BuildAndSign(ctx, m.backend, req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		hash, err := m.backend.SendRawTransaction(ctx, raw)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logger.Warn("claim submission rejected",
				zap.Uint64("queue_idx", claim.QueueIdx),
				zap.Uint64("nonce", nonce),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		txHash = hash
		txHex = raw
		submitted = true
		break
	}

	if !submitted {
		reason := "transaction submission failed"
		if firstErr != nil {
			reason = firstErr.Error()
		}
		m.failClaim(ctx, claim, reason)
		return
	}

	// 乐观记账并转入在途表
	m.wallet.ConfirmSubmission(claim.Amount)
	m.wallet.PublishStatus(ctx)

	claim.Nonce = nonce
	claim.TxHex = txHex
	claim.TxHash = txHash.Hex()

	m.mu.Lock()
	m.pending[claim.TxHash] = claim
	queued, pendingCount := len(m.queue), len(m.pending)
	m.mu.Unlock()

	if err := m.store.RemoveQueuedClaimTx(ctx, claim.Session); err != nil && !errors.Is(err, repository.ErrQueuedClaimNotFound) {
		logger.Warn("failed to remove claim from durable queue",
			zap.String("session", claim.Session),
			zap.Error(err))
	}

	claim.SetStatus(model.ClaimStatusPending)
	metrics.UpdateQueueLength(queued, pendingCount)

	logger.Info("claim transaction submitted",
		zap.Uint64("queue_idx", claim.QueueIdx),
		zap.String("tx_hash", claim.TxHash),
		zap.Uint64("nonce", nonce))

	// 回执观察者与管线解耦
	m.watcherWg.Add(1)
	go m.watchClaim(claim, txHash)
}

// buildClaimTxRequest 按币种模式组装交易请求
func (m *ClaimManager) buildClaimTxRequest(claim *model.ClaimTx, nonce uint64) (*blockchain.BuildTxRequest, error) {
	if m.token != nil {
		data, err := m.token.PackTransfer(claim.Target, claim.Amount)
		if err != nil {
			return nil, err
		}
		return &blockchain.BuildTxRequest{
			To:    m.token.Address().Hex(),
			Value: new(big.Int),
			Nonce: nonce,
			Data:  data,
		}, nil
	}
	return &blockchain.BuildTxRequest{
		To:    claim.Target.Hex(),
		Value: claim.Amount,
		Nonce: nonce,
	}, nil
}

// watchClaim 等待回执并结算一笔在途派发
func (m *ClaimManager) watchClaim(claim *model.ClaimTx, txHash common.Hash) {
	defer m.watcherWg.Done()

	receipt, err := blockchain.WaitForReceipt(m.baseCtx, m.backend, txHash, m.opts.ReceiptWait)
	if errors.Is(err, context.Canceled) {
		return
	}

	m.mu.Lock()
	delete(m.pending, claim.TxHash)
	queued, pendingCount := len(m.queue), len(m.pending)
	m.mu.Unlock()
	metrics.UpdateQueueLength(queued, pendingCount)

	if err != nil {
		claim.FailReason = err.Error()
		claim.SetStatus(model.ClaimStatusFailed)
		logger.Error("claim transaction failed",
			zap.Uint64("queue_idx", claim.QueueIdx),
			zap.String("tx_hash", claim.TxHash),
			zap.Error(err))
		m.moveToHistory(claim)
		return
	}

	claim.TxBlock = receipt.BlockNumber.Uint64()
	fee := new(big.Int)
	if receipt.EffectiveGasPrice != nil {
		fee.Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	}
	claim.TxFee = fee
	m.wallet.ApplyTxFee(fee)

	if receipt.Status != 1 {
		claim.FailReason = fmt.Sprintf("transaction reverted: hash=%s block=%d gasUsed=%d",
			claim.TxHash, claim.TxBlock, receipt.GasUsed)
		claim.SetStatus(model.ClaimStatusFailed)
		logger.Error("claim transaction reverted",
			zap.Uint64("queue_idx", claim.QueueIdx),
			zap.String("tx_hash", claim.TxHash),
			zap.Uint64("block", claim.TxBlock))
		m.moveToHistory(claim)
		return
	}

	claim.SetStatus(model.ClaimStatusConfirmed)
	metrics.RecordTxGasUsed("claim", receipt.GasUsed)
	metrics.ClaimConfirmationTime.Observe(float64(time.Now().UnixMilli()-claim.CreatedAt) / 1000)

	logger.Info("claim transaction confirmed",
		zap.Uint64("queue_idx", claim.QueueIdx),
		zap.String("tx_hash", claim.TxHash),
		zap.Uint64("block", claim.TxBlock),
		zap.String("tx_fee", fee.String()))

	if m.events != nil {
		stats := &model.ClaimStats{
			Session:     claim.Session,
			Target:      claim.Target.Hex(),
			Amount:      claim.Amount.String(),
			TxHash:      claim.TxHash,
			TxBlock:     claim.TxBlock,
			TxFee:       fee.String(),
			ConfirmedAt: time.Now().UnixMilli(),
		}
		if err := m.events.PublishClaimStats(m.baseCtx, stats); err != nil {
			logger.Warn("failed to publish claim stats",
				zap.String("session", claim.Session),
				zap.Error(err))
		}
	}

	m.moveToHistory(claim)
}

// failClaim 在处理阶段直接判定失败
func (m *ClaimManager) failClaim(ctx context.Context, claim *model.ClaimTx, reason string) {
	claim.FailReason = reason

	if err := m.store.RemoveQueuedClaimTx(ctx, claim.Session); err != nil && !errors.Is(err, repository.ErrQueuedClaimNotFound) {
		logger.Warn("failed to remove claim from durable queue",
			zap.String("session", claim.Session),
			zap.Error(err))
	}

	claim.SetStatus(model.ClaimStatusFailed)
	logger.Warn("claim failed before submission",
		zap.Uint64("queue_idx", claim.QueueIdx),
		zap.String("session", claim.Session),
		zap.String("reason", reason))

	m.moveToHistory(claim)
}

// moveToHistory 终态派发转入历史表并调度淘汰
//
// 历史表按 queueIdx 为键, 避免节点重置后 nonce 复用导致互相覆盖
func (m *ClaimManager) moveToHistory(claim *model.ClaimTx) {
	m.mu.Lock()
	m.history[claim.QueueIdx] = claim
	m.mu.Unlock()

	time.AfterFunc(m.opts.HistoryEvictAfter, func() {
		m.mu.Lock()
		delete(m.history, claim.QueueIdx)
		m.mu.Unlock()
	})

	archive := &model.ClaimArchive{
		QueueIdx:   int64(claim.QueueIdx),
		Session:    claim.Session,
		Target:     claim.Target.Hex(),
		Amount:     claim.Amount.String(),
		Status:     claim.Status.String(),
		Nonce:      int64(claim.Nonce),
		TxHash:     claim.TxHash,
		TxBlock:    int64(claim.TxBlock),
		FailReason: claim.FailReason,
		CreatedAt:  claim.CreatedAt,
		ClosedAt:   time.Now().UnixMilli(),
	}
	if claim.TxFee != nil {
		archive.TxFee = claim.TxFee.String()
	}
	if err := m.store.ArchiveClaim(m.baseCtx, archive); err != nil {
		logger.Warn("failed to archive claim",
			zap.String("session", claim.Session),
			zap.Error(err))
	}
}

// emitStatus 状态转移的统一出口: 指标计数 + Kafka 事件
func (m *ClaimManager) emitStatus(claim *model.ClaimTx, status model.ClaimStatus) {
	metrics.RecordClaim(strings.ToLower(status.String()))

	if m.events == nil {
		return
	}

	update := &model.ClaimStatusUpdate{
		EventID:   uuid.New().String(),
		Session:   claim.Session,
		QueueIdx:  claim.QueueIdx,
		Status:    status.String(),
		Target:    claim.Target.Hex(),
		Amount:    claim.Amount.String(),
		Nonce:     claim.Nonce,
		TxHash:    claim.TxHash,
		TxBlock:   claim.TxBlock,
		Error:     claim.FailReason,
		UpdatedAt: time.Now().UnixMilli(),
	}
	if claim.TxFee != nil {
		update.TxFee = claim.TxFee.String()
	}
	if err := m.events.PublishClaimStatus(m.baseCtx, update); err != nil {
		logger.Warn("failed to publish claim status event",
			zap.String("session", claim.Session),
			zap.String("status", status.String()),
			zap.Error(err))
	}
}
