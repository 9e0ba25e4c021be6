// Package metrics 提供 faucet-payout 服务的 Prometheus 监控指标
package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "faucet_payout"

// 派发管线指标
var (
	// ClaimsTotal 派发总数
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "派发总数",
		},
		[]string{"status"}, // queued, processing, pending, confirmed, failed
	)

	// ClaimQueueGauge 排队中的派发数量
	ClaimQueueGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "claim_queue_length",
			Help:      "当前排队中的派发数量",
		},
	)

	// PendingClaimsGauge 已提交待确认的派发数量
	PendingClaimsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_claims_total",
			Help:      "已提交待确认的派发数量",
		},
	)

	// SubmissionRetriesTotal 提交重试总数
	SubmissionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submission_retries_total",
			Help:      "交易提交重试总数",
		},
	)

	// ClaimConfirmationTime 派发确认耗时
	ClaimConfirmationTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_confirmation_seconds",
			Help:      "派发从入队到确认的耗时(秒)",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// TxGasUsed 交易 Gas 使用量
	TxGasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_gas_used",
			Help:      "链上交易 Gas 使用量",
			Buckets:   []float64{21000, 50000, 100000, 200000, 500000, 1000000},
		},
		[]string{"type"}, // claim, refill, overflow
	)
)

// 钱包状态指标
var (
	// WalletNonceGauge 当前钱包 Nonce
	WalletNonceGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallet_nonce_current",
			Help:      "当前钱包 Nonce",
		},
	)

	// WalletNativeBalanceGauge 钱包原生余额 (wei, float 近似)
	WalletNativeBalanceGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallet_native_balance_wei",
			Help:      "钱包原生余额 (wei)",
		},
	)

	// WalletTokenBalanceGauge 钱包派发币余额 (最小单位, float 近似)
	WalletTokenBalanceGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallet_token_balance_units",
			Help:      "钱包派发币余额 (最小单位)",
		},
	)

	// WalletStatusGauge 钱包粗粒度状态 (0=NORMAL 1=LOWFUNDS 2=NOFUNDS 3=OFFLINE)
	WalletStatusGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallet_status",
			Help:      "钱包粗粒度状态 (0=NORMAL 1=LOWFUNDS 2=NOFUNDS 3=OFFLINE)",
		},
	)

	// WalletReconcilesTotal 钱包对账总数
	WalletReconcilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_reconciles_total",
			Help:      "钱包状态对账总数",
		},
		[]string{"result"}, // success, failed
	)
)

// 补仓指标
var (
	// RefillsTotal 补仓/溢出操作总数
	RefillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refills_total",
			Help:      "金库补仓/溢出操作总数",
		},
		[]string{"action", "result"}, // action: refill/overflow, result: success/failed
	)
)

// Helper functions

// RecordClaim 记录派发状态变更
func RecordClaim(status string) {
	ClaimsTotal.WithLabelValues(status).Inc()
}

// UpdateQueueLength 更新队列长度
func UpdateQueueLength(queued, pending int) {
	ClaimQueueGauge.Set(float64(queued))
	PendingClaimsGauge.Set(float64(pending))
}

// UpdateWalletState 更新钱包状态指标
func UpdateWalletState(nonce uint64, nativeBalance, tokenBalance *big.Int) {
	WalletNonceGauge.Set(float64(nonce))
	if nativeBalance != nil {
		native, _ := new(big.Float).SetInt(nativeBalance).Float64()
		WalletNativeBalanceGauge.Set(native)
	}
	if tokenBalance != nil {
		token, _ := new(big.Float).SetInt(tokenBalance).Float64()
		WalletTokenBalanceGauge.Set(token)
	}
}

// UpdateWalletStatus 更新钱包粗粒度状态
func UpdateWalletStatus(status int8) {
	WalletStatusGauge.Set(float64(status))
}

// RecordReconcile 记录对账结果
func RecordReconcile(success bool) {
	if success {
		WalletReconcilesTotal.WithLabelValues("success").Inc()
	} else {
		WalletReconcilesTotal.WithLabelValues("failed").Inc()
	}
}

// RecordRefill 记录补仓/溢出结果
func RecordRefill(action string, success bool) {
	result := "failed"
	if success {
		result = "success"
	}
	RefillsTotal.WithLabelValues(action, result).Inc()
}

// RecordTxGasUsed 记录交易 Gas 使用量
func RecordTxGasUsed(txType string, gasUsed uint64) {
	if gasUsed > 0 {
		TxGasUsed.WithLabelValues(txType).Observe(float64(gasUsed))
	}
}
