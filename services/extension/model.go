package extension

import "time"

const StatusGranted = "GRANTED"

type Extension struct {
	ID          string    `gorm:"column:id;primaryKey"`
	StakeID     string    `gorm:"column:stake_id;index;not null"`
	UserID      string    `gorm:"column:user_id;index"`
	OldDeadline time.Time `gorm:"column:old_deadline"`
	NewDeadline time.Time `gorm:"column:new_deadline"`
	Fee         int64     `gorm:"column:fee"`
	Currency    string    `gorm:"column:currency;type:varchar(3)"`
	Status      string    `gorm:"column:status;type:varchar(16)"`
	Reason      string    `gorm:"column:reason;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// Eligibility reports whether an extension may be requested and, when not,
// machine-readable reason codes.
type Eligibility struct {
	Eligible bool     `json:"eligible"`
	Reasons  []string `json:"reasons,omitempty"`
}

const (
	ReasonNotOpen      = "stake_not_open"
	ReasonPastDeadline = "deadline_passed"
	ReasonLimitReached = "extension_limit_reached"
)
