// Package service 提供派发管线、钱包状态与金库补仓的业务逻辑
package service

import (
	"context"
	"math/big"

	"github.com/openfaucet/faucet-payout/internal/model"
)

// StatusPublisher 钱包状态发布接口
//
// 状态发布在固定键 "wallet" 下, 后发覆盖先发
type StatusPublisher interface {
	PublishWalletStatus(ctx context.Context, msg *model.WalletStatusMessage) error
}

// EventSink 派发生命周期事件与统计上报接口
type EventSink interface {
	PublishClaimStatus(ctx context.Context, update *model.ClaimStatusUpdate) error
	PublishClaimStats(ctx context.Context, stats *model.ClaimStats) error
}

// UnclaimedProvider 外部限速器的未领取奖励负债查询接口
type UnclaimedProvider interface {
	GetUnclaimedBalance(ctx context.Context) (*big.Int, error)
}
