package blockchain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/openfaucet/faucet-payout/pkg/logger"
)

var (
	ErrClientClosed = errors.New("rpc client closed")
	ErrTxNotFound   = errors.New("transaction not found")
)

// connection 级错误特征, 命中后调度重连
var connectionErrorMarkers = []string{
	"connection error",
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"i/o timeout",
	"websocket: close",
	"use of closed network connection",
	"eof",
	"client is closed",
	"no route to host",
}

// IsConnectionError 判断是否为连接级错误
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range connectionErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsPendingTagUnsupported 判断节点是否拒绝 pending 标签查询
func IsPendingTagUnsupported(err error) bool {
	return err != nil && strings.Contains(err.Error(), `"pending" is not yet supported`)
}

// Backend 服务层消费的 RPC 能力集合, 由 *Client 实现
type Backend interface {
	PendingBalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SendRawTransaction(ctx context.Context, rawTxHex string) (common.Hash, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client JSON-RPC 客户端
//
// 按端点 URL 选择传输: ws:// 和 wss:// 为持久双向连接, 以 / 开头为
// 本地 socket, 其余为 HTTP。持久连接断开后拆除客户端并在 2 秒后重建。
type Client struct {
	url string

	mu     sync.RWMutex
	rpc    *rpc.Client
	eth    *ethclient.Client
	closed bool

	reconnectPending bool
	reconnectDelay   time.Duration

	reloadMu        sync.Mutex
	reloadListeners []func()
}

// ClientConfig 客户端配置
type ClientConfig struct {
	URL            string
	ReconnectDelay time.Duration
}

// NewClient 创建客户端并建立首个连接
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc endpoint URL is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = 2 * time.Second
	}

	c := &Client{
		url:            cfg.URL,
		reconnectDelay: reconnectDelay,
	}

	if err := c.dial(context.Background()); err != nil {
		return nil, err
	}

	return c, nil
}

// IsPersistent 判断是否为持久传输 (WebSocket 或本地 socket)
func (c *Client) IsPersistent() bool {
	return strings.HasPrefix(c.url, "ws://") ||
		strings.HasPrefix(c.url, "wss://") ||
		strings.HasPrefix(c.url, "/")
}

// dial 建立连接
func (c *Client) dial(ctx context.Context) error {
	rpcClient, err := rpc.DialContext(ctx, c.url)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.rpc != nil {
		c.rpc.Close()
	}
	c.rpc = rpcClient
	c.eth = ethclient.NewClient(rpcClient)
	c.mu.Unlock()

	return nil
}

// OnReload 注册客户端重建回调
func (c *Client) OnReload(fn func()) {
	c.reloadMu.Lock()
	c.reloadListeners = append(c.reloadListeners, fn)
	c.reloadMu.Unlock()
}

// notifyReload 通知客户端已重建
func (c *Client) notifyReload() {
	c.reloadMu.Lock()
	listeners := make([]func(), len(c.reloadListeners))
	copy(listeners, c.reloadListeners)
	c.reloadMu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Reload 强制重建客户端
func (c *Client) Reload(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.notifyReload()
	return nil
}

// scheduleReconnect 连接丢失后调度重连, 2 秒去抖
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.reconnectPending {
		c.mu.Unlock()
		return
	}
	c.reconnectPending = true
	delay := c.reconnectDelay
	c.mu.Unlock()

	logger.Error("rpc connection lost, scheduling reconnect",
		zap.String("endpoint", c.url),
		zap.Duration("delay", delay))

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectPending = false
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if err := c.dial(context.Background()); err != nil {
			logger.Warn("rpc reconnect failed",
				zap.String("endpoint", c.url),
				zap.Error(err))
			c.scheduleReconnect()
			return
		}

		logger.Info("rpc client reconnected", zap.String("endpoint", c.url))
		c.notifyReload()
	})
}

// getEth 获取底层 ethclient
func (c *Client) getEth() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.eth == nil {
		return nil, ErrClientClosed
	}
	return c.eth, nil
}

// observe 检查调用错误, 连接级错误触发重连调度
func (c *Client) observe(err error) error {
	if err != nil && IsConnectionError(err) && c.IsPersistent() {
		c.scheduleReconnect()
	}
	return err
}

// PendingBalanceAt 查询 pending 标签下的原生余额
func (c *Client) PendingBalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	eth, err := c.getEth()
	if err != nil {
		return nil, err
	}
	balance, err := eth.PendingBalanceAt(ctx, account)
	return balance, c.observe(err)
}

// BalanceAt 查询指定区块的原生余额, blockNumber 为 nil 表示 latest
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	eth, err := c.getEth()
	if err != nil {
		return nil, err
	}
	balance, err := eth.BalanceAt(ctx, account, blockNumber)
	return balance, c.observe(err)
}

// PendingNonceAt 查询 pending 标签下的交易计数
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	eth, err := c.getEth()
	if err != nil {
		return 0, err
	}
	nonce, err := eth.PendingNonceAt(ctx, account)
	return nonce, c.observe(err)
}

// NonceAt 查询指定区块的交易计数, blockNumber 为 nil 表示 latest
func (c *Client) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	eth, err := c.getEth()
	if err != nil {
		return 0, err
	}
	nonce, err := eth.NonceAt(ctx, account, blockNumber)
	return nonce, c.observe(err)
}

// ChainID 查询链 ID
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	eth, err := c.getEth()
	if err != nil {
		return nil, err
	}
	id, err := eth.ChainID(ctx)
	return id, c.observe(err)
}

// SuggestGasPrice 查询建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	eth, err := c.getEth()
	if err != nil {
		return nil, err
	}
	price, err := eth.SuggestGasPrice(ctx)
	return price, c.observe(err)
}

// CodeAt 查询合约代码
func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	eth, err := c.getEth()
	if err != nil {
		return nil, err
	}
	code, err := eth.CodeAt(ctx, account, blockNumber)
	return code, c.observe(err)
}

// TransactionReceipt 查询交易回执, 未上链返回 ethereum.NotFound
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	eth, err := c.getEth()
	if err != nil {
		return nil, err
	}
	receipt, err := eth.TransactionReceipt(ctx, txHash)
	return receipt, c.observe(err)
}

// SendRawTransaction 提交已签名交易
//
// rawTxHex 不带 0x 前缀, 提交时补齐
func (c *Client) SendRawTransaction(ctx context.Context, rawTxHex string) (common.Hash, error) {
	c.mu.RLock()
	rpcClient := c.rpc
	closed := c.closed
	c.mu.RUnlock()

	if closed || rpcClient == nil {
		return common.Hash{}, ErrClientClosed
	}

	var txHash common.Hash
	err := rpcClient.CallContext(ctx, &txHash, "eth_sendRawTransaction", "0x"+rawTxHex)
	return txHash, c.observe(err)
}

// CallContract 执行合约只读调用
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	eth, err := c.getEth()
	if err != nil {
		return nil, err
	}
	result, err := eth.CallContract(ctx, msg, blockNumber)
	return result, c.observe(err)
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
		c.eth = nil
	}
}
