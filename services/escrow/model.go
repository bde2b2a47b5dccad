package escrow

import "time"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusHeld      Status = "HELD"
	StatusReleased  Status = "RELEASED"
	StatusForfeited Status = "FORFEITED"
	StatusRefunded  Status = "REFUNDED"
)

// EscrowTransaction holds the staked funds for exactly one stake. Terminal
// settlement (RELEASED / FORFEITED / REFUNDED) happens at most once,
// enforced by conditional status updates.
type EscrowTransaction struct {
	ID                string     `gorm:"column:id;primaryKey"`
	Code              string     `gorm:"column:code;index"`
	StakeID           string     `gorm:"column:stake_id;uniqueIndex;not null"`
	UserID            string     `gorm:"column:user_id;index"`
	Amount            int64      `gorm:"column:amount"`
	Currency          string     `gorm:"column:currency;type:varchar(3)"`
	PaymentMethod     string     `gorm:"column:payment_method"`
	Status            Status     `gorm:"column:status;type:varchar(16)"`
	ProviderReference string     `gorm:"column:provider_reference;index"`
	ForfeitedAmount   int64      `gorm:"column:forfeited_amount"`
	ReleasedAmount    int64      `gorm:"column:released_amount"`
	HeldAt            *time.Time `gorm:"column:held_at"`
	SettledAt         *time.Time `gorm:"column:settled_at"`
	CreatedAt         time.Time  `gorm:"column:created_at"`
	UpdatedAt         time.Time  `gorm:"column:updated_at"`
}
