package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/openfaucet/faucet-payout/internal/model"
)

var (
	ErrQueuedClaimNotFound = errors.New("queued claim not found")
)

// 队列写穿对瞬态数据库错误的重试次数
const writeRetries = 3

// ClaimRepository 派发队列持久化仓储接口
//
// 队列在启动时恢复, 入队和出队都同步写穿。恢复顺序由 id 升序决定。
type ClaimRepository interface {
	GetClaimTxQueue(ctx context.Context) ([]*model.QueuedClaim, error)
	AddQueuedClaimTx(ctx context.Context, entry *model.QueuedClaim) error
	RemoveQueuedClaimTx(ctx context.Context, session string) error

	ArchiveClaim(ctx context.Context, archive *model.ClaimArchive) error
	GetArchivedClaim(ctx context.Context, session string) (*model.ClaimArchive, error)
}

// claimRepository 派发队列仓储实现
type claimRepository struct {
	*Repository
}

// NewClaimRepository 创建派发队列仓储
func NewClaimRepository(db *gorm.DB) ClaimRepository {
	return &claimRepository{
		Repository: NewRepository(db),
	}
}

func (r *claimRepository) GetClaimTxQueue(ctx context.Context) ([]*model.QueuedClaim, error) {
	var entries []*model.QueuedClaim
	err := r.DB(ctx).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *claimRepository) AddQueuedClaimTx(ctx context.Context, entry *model.QueuedClaim) error {
	return r.TransactionWithRetry(ctx, writeRetries, func(ctx context.Context) error {
		return r.DB(ctx).Create(entry).Error
	})
}

func (r *claimRepository) RemoveQueuedClaimTx(ctx context.Context, session string) error {
	return r.TransactionWithRetry(ctx, writeRetries, func(ctx context.Context) error {
		result := r.DB(ctx).
			Where("session = ?", session).
			Delete(&model.QueuedClaim{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrQueuedClaimNotFound
		}
		return nil
	})
}

func (r *claimRepository) ArchiveClaim(ctx context.Context, archive *model.ClaimArchive) error {
	return r.TransactionWithRetry(ctx, writeRetries, func(ctx context.Context) error {
		return r.DB(ctx).Create(archive).Error
	})
}

func (r *claimRepository) GetArchivedClaim(ctx context.Context, session string) (*model.ClaimArchive, error) {
	var archive model.ClaimArchive
	err := r.DB(ctx).
		Where("session = ?", session).
		Order("id DESC").
		First(&archive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrQueuedClaimNotFound
	}
	if err != nil {
		return nil, err
	}
	return &archive, nil
}
