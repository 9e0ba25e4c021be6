package model

// QueuedClaim 排队中的派发请求持久化记录
//
// 仅保存重建所需的最小字段, 重启后按 id 升序恢复队列顺序
type QueuedClaim struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Session   string `gorm:"column:session;type:varchar(64);uniqueIndex;not null" json:"session"`
	Target    string `gorm:"column:target;type:varchar(42);not null" json:"target"`
	Amount    string `gorm:"column:amount;type:decimal(78,0);not null" json:"amount"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (QueuedClaim) TableName() string {
	return "faucet_claim_queue"
}

// ClaimArchive 终态派发交易归档
type ClaimArchive struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	QueueIdx   int64  `gorm:"column:queue_idx;type:bigint;index;not null" json:"queue_idx"`
	Session    string `gorm:"column:session;type:varchar(64);index;not null" json:"session"`
	Target     string `gorm:"column:target;type:varchar(42);not null" json:"target"`
	Amount     string `gorm:"column:amount;type:decimal(78,0);not null" json:"amount"`
	Status     string `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Nonce      int64  `gorm:"column:nonce;type:bigint" json:"nonce"`
	TxHash     string `gorm:"column:tx_hash;type:varchar(66)" json:"tx_hash"`
	TxBlock    int64  `gorm:"column:tx_block;type:bigint" json:"tx_block"`
	TxFee      string `gorm:"column:tx_fee;type:decimal(78,0)" json:"tx_fee"`
	FailReason string `gorm:"column:fail_reason;type:varchar(500)" json:"fail_reason"`
	CreatedAt  int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	ClosedAt   int64  `gorm:"column:closed_at;type:bigint;not null" json:"closed_at"`
}

// TableName 返回表名
func (ClaimArchive) TableName() string {
	return "faucet_claim_archive"
}

// ClaimRequest 派发请求 (从 Kafka 消费)
type ClaimRequest struct {
	Session   string `json:"session"`
	Target    string `json:"target"`
	Amount    string `json:"amount"`
	CreatedAt int64  `json:"created_at"`
}
