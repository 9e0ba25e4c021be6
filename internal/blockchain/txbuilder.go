package blockchain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrChainIDUnknown = errors.New("chain id not initialized")
	ErrInvalidTarget  = errors.New("invalid target address")
)

// GasPricer 构造 legacy 交易时查询当前 Gas 价格
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// TxBuilder 交易构造与签名
//
// 模式全局配置: legacy 模式在构造时查询节点 Gas 价格并叠加小费,
// EIP-1559 模式直接使用配置的费率上限, 不做运行时查询。
// 签名参数取伦敦硬分叉下的配置链 ID。
type TxBuilder struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address

	legacy   bool
	gasLimit uint64
	maxFee   int64
	prioFee  int64

	mu      sync.RWMutex
	chainID *big.Int
	signer  types.Signer
}

// TxBuilderConfig 构造器配置
type TxBuilderConfig struct {
	WalletKey string // hex 编码私钥, 可带 0x 前缀
	ChainID   int64  // 0 表示启动后从节点查询
	LegacyTx  bool
	GasLimit  uint64
	MaxFee    int64
	PrioFee   int64
}

// BuildTxRequest 单笔交易构造请求
type BuildTxRequest struct {
	To       string
	Value    *big.Int
	Nonce    uint64
	Data     []byte
	GasLimit uint64 // 0 使用配置的默认值
}

// NewTxBuilder 创建交易构造器
func NewTxBuilder(cfg *TxBuilderConfig) (*TxBuilder, error) {
	keyHex := strings.TrimPrefix(cfg.WalletKey, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, err
	}

	b := &TxBuilder{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		legacy:     cfg.LegacyTx,
		gasLimit:   cfg.GasLimit,
		maxFee:     cfg.MaxFee,
		prioFee:    cfg.PrioFee,
	}

	if cfg.ChainID != 0 {
		b.SetChainID(big.NewInt(cfg.ChainID))
	}

	return b, nil
}

// Address 返回钱包地址
func (b *TxBuilder) Address() common.Address {
	return b.address
}

// ChainID 返回当前链 ID, 未初始化返回 nil
func (b *TxBuilder) ChainID() *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.chainID == nil {
		return nil
	}
	return new(big.Int).Set(b.chainID)
}

// SetChainID 更新链参数, 仅链 ID 变化时重建签名器
func (b *TxBuilder) SetChainID(chainID *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chainID != nil && b.chainID.Cmp(chainID) == 0 {
		return
	}
	b.chainID = new(big.Int).Set(chainID)
	b.signer = types.NewLondonSigner(b.chainID)
}

// normalizeTarget 归一化目标地址的 0X 前缀
//
// 仅改写精确的 0X 前缀, 其余大小写保持原样
func normalizeTarget(to string) string {
	if strings.HasPrefix(to, "0X") {
		return "0x" + to[2:]
	}
	return to
}

// BuildAndSign 构造并签名一笔交易
//
// 返回不带 0x 前缀的 hex 编码, 提交路径负责补齐前缀
func (b *TxBuilder) BuildAndSign(ctx context.Context, pricer GasPricer, req *BuildTxRequest) (*types.Transaction, string, error) {
	b.mu.RLock()
	chainID := b.chainID
	signer := b.signer
	b.mu.RUnlock()

	if chainID == nil {
		return nil, "", ErrChainIDUnknown
	}

	to := normalizeTarget(req.To)
	if !common.IsHexAddress(to) {
		return nil, "", ErrInvalidTarget
	}
	toAddr := common.HexToAddress(to)

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = b.gasLimit
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	var tx *types.Transaction
	if b.legacy {
		gasPrice, err := pricer.SuggestGasPrice(ctx)
		if err != nil {
			return nil, "", err
		}
		gasPrice = new(big.Int).Add(gasPrice, big.NewInt(b.prioFee))
		if b.maxFee > 0 && gasPrice.Cmp(big.NewInt(b.maxFee)) > 0 {
			gasPrice = big.NewInt(b.maxFee)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    req.Nonce,
			To:       &toAddr,
			Value:    value,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     req.Data,
		})
	} else {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     req.Nonce,
			To:        &toAddr,
			Value:     value,
			Gas:       gasLimit,
			GasTipCap: big.NewInt(b.prioFee),
			GasFeeCap: big.NewInt(b.maxFee),
			Data:      req.Data,
		})
	}

	signedTx, err := types.SignTx(tx, signer, b.privateKey)
	if err != nil {
		return nil, "", err
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, "", err
	}

	return signedTx, hex.EncodeToString(raw), nil
}
