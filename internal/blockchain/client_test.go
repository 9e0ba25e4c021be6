package blockchain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestNewClient_Validation 客户端配置校验
func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(&ClientConfig{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")
}

// TestIsConnectionError 连接级错误识别
func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.True(t, IsConnectionError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsConnectionError(errors.New("CONNECTION ERROR: socket hang up")))
	assert.True(t, IsConnectionError(errors.New("unexpected EOF")))
	assert.True(t, IsConnectionError(errors.New("websocket: close 1006 (abnormal closure)")))
	assert.False(t, IsConnectionError(errors.New("nonce too low")))
	assert.False(t, IsConnectionError(errors.New("insufficient funds for gas")))
}

// TestIsPendingTagUnsupported pending 标签拒绝识别
func TestIsPendingTagUnsupported(t *testing.T) {
	assert.False(t, IsPendingTagUnsupported(nil))
	assert.True(t, IsPendingTagUnsupported(errors.New(`"pending" is not yet supported`)))
	assert.False(t, IsPendingTagUnsupported(errors.New("execution reverted")))
}

// TestClient_IsPersistent 传输选择
func TestClient_IsPersistent(t *testing.T) {
	tests := []struct {
		url        string
		persistent bool
	}{
		{"ws://localhost:8546", true},
		{"wss://node.example/ws", true},
		{"/var/run/geth.ipc", true},
		{"http://localhost:8545", false},
		{"https://node.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			c := &Client{url: tt.url}
			assert.Equal(t, tt.persistent, c.IsPersistent())
		})
	}
}

// TestReceiptWaitConfig_Defaults 默认值填充
func TestReceiptWaitConfig_Defaults(t *testing.T) {
	cfg := ReceiptWaitConfig{}
	cfg.applyDefaults()

	assert.NotZero(t, cfg.CheckInterval)
	assert.NotZero(t, cfg.NotMinedTimeout)
	assert.NotZero(t, cfg.PollInterval)
}
