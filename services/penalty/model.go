package penalty

import (
	"time"

	"gorm.io/datatypes"
)

// Penalty records one forfeiture against a stake. Percentage is 100 for a
// full miss and 25-99 for graded partial completion. At most one
// non-reversed penalty exists per stake, enforced by the guarded insert in
// the service.
type Penalty struct {
	ID         string         `gorm:"column:id;primaryKey"`
	StakeID    string         `gorm:"column:stake_id;index;not null"`
	UserID     string         `gorm:"column:user_id;index"`
	Amount     int64          `gorm:"column:amount"`
	Currency   string         `gorm:"column:currency;type:varchar(3)"`
	Percentage int            `gorm:"column:percentage"`
	AppliedAt  time.Time      `gorm:"column:applied_at"`
	Reversed   bool           `gorm:"column:reversed"`
	ReversedAt *time.Time     `gorm:"column:reversed_at"`
	Metadata   datatypes.JSON `gorm:"column:metadata"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

// SweepResult summarises one overdue sweep run.
type SweepResult struct {
	Processed int `json:"processed"`
	Expired   int `json:"expired"`
	Skipped   int `json:"skipped"`
	Failures  int `json:"failures"`
}
