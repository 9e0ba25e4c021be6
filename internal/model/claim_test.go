package model

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimStatus_String(t *testing.T) {
	tests := []struct {
		status   ClaimStatus
		expected string
	}{
		{ClaimStatusQueue, "QUEUE"},
		{ClaimStatusProcessing, "PROCESSING"},
		{ClaimStatusPending, "PENDING"},
		{ClaimStatusConfirmed, "CONFIRMED"},
		{ClaimStatusFailed, "FAILED"},
		{ClaimStatus(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.String())
		})
	}
}

func TestClaimStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status     ClaimStatus
		isTerminal bool
	}{
		{ClaimStatusQueue, false},
		{ClaimStatusProcessing, false},
		{ClaimStatusPending, false},
		{ClaimStatusConfirmed, true},
		{ClaimStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.isTerminal, tt.status.IsTerminal())
		})
	}
}

// TestClaimTx_StatusNotifications 状态转移按顺序恰好通知一次
func TestClaimTx_StatusNotifications(t *testing.T) {
	claim := NewClaimTx(
		common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		big.NewInt(1000),
		"session-1",
		1234567890000,
	)

	var seen []ClaimStatus
	claim.OnStatusChange(func(c *ClaimTx, status ClaimStatus) {
		seen = append(seen, status)
	})

	claim.SetStatus(ClaimStatusProcessing)
	claim.SetStatus(ClaimStatusPending)
	// 重复设置同一状态不应重复通知
	claim.SetStatus(ClaimStatusPending)
	claim.SetStatus(ClaimStatusConfirmed)

	assert.Equal(t, []ClaimStatus{
		ClaimStatusProcessing,
		ClaimStatusPending,
		ClaimStatusConfirmed,
	}, seen)
}

// TestClaimTx_SerializeRoundTrip 持久化形态往返保持不变
func TestClaimTx_SerializeRoundTrip(t *testing.T) {
	amount, _ := new(big.Int).SetString("1000000000000000000", 10)
	claim := NewClaimTx(
		common.HexToAddress("0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa"),
		amount,
		"session-rt",
		1700000000000,
	)

	serialized := claim.Serialize()
	restored, ok := RestoreClaimTx(serialized)
	require.True(t, ok)

	assert.Equal(t, claim.CreatedAt, restored.CreatedAt)
	assert.Equal(t, claim.Target, restored.Target)
	assert.Equal(t, 0, claim.Amount.Cmp(restored.Amount))
	assert.Equal(t, claim.Session, restored.Session)
	assert.Equal(t, ClaimStatusQueue, restored.Status)
}

// TestRestoreClaimTx_Invalid 非法金额拒绝恢复
func TestRestoreClaimTx_Invalid(t *testing.T) {
	_, ok := RestoreClaimTx(&QueuedClaim{
		Session: "bad",
		Target:  "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Amount:  "not-a-number",
	})
	assert.False(t, ok)

	_, ok = RestoreClaimTx(&QueuedClaim{
		Session: "negative",
		Target:  "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Amount:  "-5",
	})
	assert.False(t, ok)
}

// TestNewClaimTx_CopiesAmount 金额深拷贝, 外部修改不影响内部
func TestNewClaimTx_CopiesAmount(t *testing.T) {
	amount := big.NewInt(100)
	claim := NewClaimTx(common.Address{}, amount, "s", 0)

	amount.SetInt64(999)
	assert.Equal(t, int64(100), claim.Amount.Int64())
}

func TestQueuedClaim_TableName(t *testing.T) {
	assert.Equal(t, "faucet_claim_queue", QueuedClaim{}.TableName())
}

func TestClaimArchive_TableName(t *testing.T) {
	assert.Equal(t, "faucet_claim_archive", ClaimArchive{}.TableName())
}
