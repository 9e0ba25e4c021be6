// Package redis 提供钱包状态发布与外部限速器负债查询的 Redis 适配
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/redis/go-redis/v9"

	"github.com/openfaucet/faucet-payout/internal/model"
)

// 状态发布键
//
// 固定键 "wallet" 下发布, 后发覆盖先发, 前端网关直接读取
const (
	statusKeyPrefix = "faucet:status:"
	walletStatusKey = statusKeyPrefix + "wallet"
)

// unclaimedBalanceKey 外部 PoW 限速器维护的未领取奖励总额
const unclaimedBalanceKey = "faucet:rewards:unclaimed"

// StatusPublisher 实现 service.StatusPublisher
type StatusPublisher struct {
	client *redis.Client
}

// NewStatusPublisher 创建状态发布器
func NewStatusPublisher(client *redis.Client) *StatusPublisher {
	return &StatusPublisher{client: client}
}

// PublishWalletStatus 发布钱包状态
func (p *StatusPublisher) PublishWalletStatus(ctx context.Context, msg *model.WalletStatusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.client.Set(ctx, walletStatusKey, data, 0).Err()
}

// GetWalletStatus 读取最近发布的钱包状态
func (p *StatusPublisher) GetWalletStatus(ctx context.Context) (*model.WalletStatusMessage, error) {
	data, err := p.client.Get(ctx, walletStatusKey).Bytes()
	if err != nil {
		return nil, err
	}
	var msg model.WalletStatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UnclaimedProvider 实现 service.UnclaimedProvider
//
// 限速器服务在发放挖矿奖励时维护该计数器, 本服务只读
type UnclaimedProvider struct {
	client *redis.Client
}

// NewUnclaimedProvider 创建负债查询器
func NewUnclaimedProvider(client *redis.Client) *UnclaimedProvider {
	return &UnclaimedProvider{client: client}
}

// GetUnclaimedBalance 查询未领取奖励总额, 键不存在视为 0
func (p *UnclaimedProvider) GetUnclaimedBalance(ctx context.Context) (*big.Int, error) {
	val, err := p.client.Get(ctx, unclaimedBalanceKey).Result()
	if err == redis.Nil {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}

	balance, ok := new(big.Int).SetString(val, 10)
	if !ok {
		return nil, fmt.Errorf("invalid unclaimed balance value: %q", val)
	}
	return balance, nil
}
