package appeal

import (
	"time"

	"stakeengine/services/stake"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Appeal contests one penalty. PriorStatus remembers where the stake stood
// before UNDER_APPEAL so a rejection can put it back.
type Appeal struct {
	ID           string         `gorm:"column:id;primaryKey"`
	Code         string         `gorm:"column:code;index"`
	StakeID      string         `gorm:"column:stake_id;index;not null"`
	PenaltyID    string         `gorm:"column:penalty_id;index"`
	UserID       string         `gorm:"column:user_id;index"`
	Reason       string         `gorm:"column:reason;type:text"`
	Evidence     datatypes.JSON `gorm:"column:evidence"`
	Status       Status         `gorm:"column:status;type:varchar(16)"`
	RefundAmount int64          `gorm:"column:refund_amount"`
	PriorStatus  stake.Status   `gorm:"column:prior_status;type:varchar(24)"`
	ReviewedBy   string         `gorm:"column:reviewed_by"`
	ReviewNotes  string         `gorm:"column:review_notes;type:text"`
	DecidedAt    *time.Time     `gorm:"column:decided_at"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}
