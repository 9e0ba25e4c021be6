package model

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimStatus 派发交易状态
type ClaimStatus int8

const (
	ClaimStatusQueue      ClaimStatus = 0 // 排队中
	ClaimStatusProcessing ClaimStatus = 1 // 处理中
	ClaimStatusPending    ClaimStatus = 2 // 已提交, 等待回执
	ClaimStatusConfirmed  ClaimStatus = 3 // 已确认
	ClaimStatusFailed     ClaimStatus = 4 // 失败
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimStatusQueue:
		return "QUEUE"
	case ClaimStatusProcessing:
		return "PROCESSING"
	case ClaimStatusPending:
		return "PENDING"
	case ClaimStatusConfirmed:
		return "CONFIRMED"
	case ClaimStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimStatusConfirmed || s == ClaimStatusFailed
}

// ClaimStatusListener 状态变更回调
type ClaimStatusListener func(claim *ClaimTx, status ClaimStatus)

// ClaimTx 一笔派发请求的完整生命周期
//
// 状态单调推进: QUEUE → PROCESSING → PENDING → {CONFIRMED|FAILED},
// QUEUE 与 PROCESSING 均可直接进入 FAILED。Nonce/TxHash 仅在提交成功后赋值。
type ClaimTx struct {
	QueueIdx  uint64         `json:"queue_idx"`
	Status    ClaimStatus    `json:"status"`
	CreatedAt int64          `json:"created_at"` // Unix 毫秒
	Target    common.Address `json:"target"`
	Amount    *big.Int       `json:"amount"`
	Session   string         `json:"session"`

	Nonce      uint64   `json:"nonce"`
	TxHex      string   `json:"tx_hex"`
	TxHash     string   `json:"tx_hash"`
	TxBlock    uint64   `json:"tx_block"`
	TxFee      *big.Int `json:"tx_fee"`
	RetryCount int      `json:"retry_count"` // 仅为持久化保留, 重试循环使用局部计数
	FailReason string   `json:"fail_reason"`

	mu        sync.Mutex
	listeners []ClaimStatusListener
}

// NewClaimTx 创建排队状态的派发请求
func NewClaimTx(target common.Address, amount *big.Int, session string, createdAt int64) *ClaimTx {
	return &ClaimTx{
		Status:    ClaimStatusQueue,
		CreatedAt: createdAt,
		Target:    target,
		Amount:    new(big.Int).Set(amount),
		Session:   session,
	}
}

// OnStatusChange 注册状态变更监听
// 同一监听按状态转移顺序回调, 每次转移恰好通知一次
func (c *ClaimTx) OnStatusChange(fn ClaimStatusListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// SetStatus 推进状态并通知监听者
func (c *ClaimTx) SetStatus(status ClaimStatus) {
	c.mu.Lock()
	if status == c.Status {
		c.mu.Unlock()
		return
	}
	c.Status = status
	listeners := make([]ClaimStatusListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(c, status)
	}
}

// CurrentStatus 并发安全地读取当前状态
func (c *ClaimTx) CurrentStatus() ClaimStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Status
}

// Serialize 导出持久化形态
func (c *ClaimTx) Serialize() *QueuedClaim {
	return &QueuedClaim{
		CreatedAt: c.CreatedAt,
		Target:    c.Target.Hex(),
		Amount:    c.Amount.String(),
		Session:   c.Session,
	}
}

// RestoreClaimTx 从持久化形态重建
func RestoreClaimTx(q *QueuedClaim) (*ClaimTx, bool) {
	amount, ok := new(big.Int).SetString(q.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, false
	}
	return NewClaimTx(common.HexToAddress(q.Target), amount, q.Session, q.CreatedAt), true
}

// ClaimStatusUpdate 状态变更事件 (发送到 Kafka)
type ClaimStatusUpdate struct {
	EventID   string `json:"event_id"`
	Session   string `json:"session"`
	QueueIdx  uint64 `json:"queue_idx"`
	Status    string `json:"status"`
	Target    string `json:"target"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce,omitempty"`
	TxHash    string `json:"tx_hash,omitempty"`
	TxBlock   uint64 `json:"tx_block,omitempty"`
	TxFee     string `json:"tx_fee,omitempty"`
	Error     string `json:"error,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// ClaimStats 派发完成统计 (发送到 Kafka)
type ClaimStats struct {
	Session     string `json:"session"`
	Target      string `json:"target"`
	Amount      string `json:"amount"`
	TxHash      string `json:"tx_hash"`
	TxBlock     uint64 `json:"tx_block"`
	TxFee       string `json:"tx_fee"`
	ConfirmedAt int64  `json:"confirmed_at"`
}
