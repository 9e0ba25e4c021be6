package app

import (
	"gorm.io/gorm"

	"github.com/openfaucet/faucet-payout/internal/model"
)

// AutoMigrate 执行数据库迁移
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.QueuedClaim{},
		&model.ClaimArchive{},
	)
}
