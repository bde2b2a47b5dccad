package stake

import "time"

type Status string

const (
	StatusActive             Status = "ACTIVE"
	StatusCompleted          Status = "COMPLETED"
	StatusPenalized          Status = "PENALIZED"
	StatusPartiallyPenalized Status = "PARTIALLY_PENALIZED"
	StatusExtended           Status = "EXTENDED"
	StatusUnderAppeal        Status = "UNDER_APPEAL"
	StatusRecovered          Status = "RECOVERED"
	StatusExpired            Status = "EXPIRED"
)

type StakeType string

const (
	TypeSelf      StakeType = "SELF"
	TypeSocial    StakeType = "SOCIAL"
	TypeChallenge StakeType = "CHALLENGE"
	TypeTeam      StakeType = "TEAM"
	TypeCharity   StakeType = "CHARITY"
)

// transitions is the full lifecycle table. A status absent from the map is
// terminal. EXTENDED stays open, so it mirrors ACTIVE.
var transitions = map[Status][]Status{
	StatusActive:             {StatusCompleted, StatusPenalized, StatusPartiallyPenalized, StatusExtended, StatusExpired},
	StatusExtended:           {StatusCompleted, StatusPenalized, StatusPartiallyPenalized, StatusExtended, StatusExpired},
	StatusPenalized:          {StatusUnderAppeal},
	StatusPartiallyPenalized: {StatusUnderAppeal},
	StatusUnderAppeal:        {StatusRecovered, StatusPenalized, StatusPartiallyPenalized},
}

// OpenStatuses are the states in which a stake can still be completed,
// extended or swept.
var OpenStatuses = []Status{StatusActive, StatusExtended}

func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func IsOpen(s Status) bool {
	return s == StatusActive || s == StatusExtended
}

func ValidType(t StakeType) bool {
	switch t {
	case TypeSelf, TypeSocial, TypeChallenge, TypeTeam, TypeCharity:
		return true
	}
	return false
}

// Stake is never deleted; its status only moves through the transition
// table via conditional updates.
type Stake struct {
	ID              string     `gorm:"column:id;primaryKey"`
	Code            string     `gorm:"column:code;index"`
	OwnerID         string     `gorm:"column:owner_id;index"`
	Title           string     `gorm:"column:title"`
	StakeType       StakeType  `gorm:"column:stake_type;type:varchar(16)"`
	Amount          int64      `gorm:"column:amount"`
	Currency        string     `gorm:"column:currency;type:varchar(3)"`
	Deadline        time.Time  `gorm:"column:deadline;index"`
	Status          Status     `gorm:"column:status;type:varchar(24);index"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	PenalizedAt     *time.Time `gorm:"column:penalized_at"`
	ExtensionCount  int        `gorm:"column:extension_count"`
	OriginalStakeID string     `gorm:"column:original_stake_id;index"`
	RecoveryTarget  int64      `gorm:"column:recovery_target"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}
