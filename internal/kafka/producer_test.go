package kafka

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfaucet/faucet-payout/internal/model"
)

// TestProducerConfig_Fields 测试生产者配置字段
func TestProducerConfig_Fields(t *testing.T) {
	cfg := &ProducerConfig{
		Brokers:  []string{"localhost:9092"},
		ClientID: "faucet-payout",
	}

	assert.Len(t, cfg.Brokers, 1)
	assert.Equal(t, "faucet-payout", cfg.ClientID)
}

// TestTopics Topic 命名
func TestTopics(t *testing.T) {
	assert.Equal(t, "claim-status", TopicClaimStatus)
	assert.Equal(t, "claim-stats", TopicClaimStats)
	assert.Equal(t, "claims", TopicClaims)
}

// TestClaimStatusUpdate_Serialization 状态事件序列化
func TestClaimStatusUpdate_Serialization(t *testing.T) {
	update := &model.ClaimStatusUpdate{
		EventID:   "evt-1",
		Session:   "session-1",
		QueueIdx:  7,
		Status:    "PENDING",
		Target:    "0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa",
		Amount:    "1000000000000000000",
		Nonce:     5,
		TxHash:    "0xabc123",
		UpdatedAt: 1700000000000,
	}

	data, err := json.Marshal(update)
	require.NoError(t, err)

	var decoded model.ClaimStatusUpdate
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, update.Session, decoded.Session)
	assert.Equal(t, update.QueueIdx, decoded.QueueIdx)
	assert.Equal(t, update.Status, decoded.Status)
	// 可选字段缺省时不出现在 JSON 中
	assert.NotContains(t, string(data), "tx_fee")
	assert.NotContains(t, string(data), "error")
}

// TestClaimRequest_Deserialization 派发请求反序列化
func TestClaimRequest_Deserialization(t *testing.T) {
	payload := `{"session":"s-1","target":"0xAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAaAa","amount":"1000000000000000000","created_at":1700000000000}`

	var req model.ClaimRequest
	require.NoError(t, json.Unmarshal([]byte(payload), &req))
	assert.Equal(t, "s-1", req.Session)
	assert.Equal(t, "1000000000000000000", req.Amount)
	assert.Equal(t, int64(1700000000000), req.CreatedAt)
}
