package recovery

import (
	"context"
	"time"

	"stakeengine/pkg/db/option"
	"stakeengine/pkg/errutil"
	"stakeengine/pkg/repository"
	"stakeengine/services/penalty"
	"stakeengine/services/stake"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Eligibility reason codes.
const (
	ReasonNotPenalized  = "original_not_penalized"
	ReasonAlreadyExists = "recovery_already_exists"
)

type Eligibility struct {
	Eligible bool     `json:"eligible"`
	Reasons  []string `json:"reasons,omitempty"`

	// RecoveryTarget is what a recovery stake would chase back.
	RecoveryTarget int64 `json:"recovery_target"`
}

// Service creates second-chance stakes against a lost one. The original
// stake is never mutated; the linkage lives on the new stake and the bonus
// pays out when it completes.
type Service struct {
	db      *gorm.DB
	stake   *stake.Service
	penalty *penalty.Service

	stakes repository.Repository[stake.Stake]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Stake   *stake.Service
	Penalty *penalty.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		stake:   p.Stake,
		penalty: p.Penalty,

		stakes: repository.ProvideStore[stake.Stake](p.DB),
	}
}

func recoverable(s stake.Status) bool {
	switch s {
	case stake.StatusPenalized, stake.StatusPartiallyPenalized, stake.StatusExpired:
		return true
	}
	return false
}

// IsEligible reports whether a recovery stake may be opened against the
// original, and the target amount it would chase.
func (s *Service) IsEligible(ctx context.Context, originalStakeID, userID string) (*Eligibility, error) {
	original, err := s.stakes.FindOne(ctx, &stake.Stake{ID: originalStakeID})
	if err != nil {
		return nil, err
	}
	if original == nil || original.OwnerID != userID {
		return nil, errutil.NotFound("stake not found", nil)
	}

	out := &Eligibility{Eligible: true}
	deny := func(reason string) {
		out.Eligible = false
		out.Reasons = append(out.Reasons, reason)
	}

	if !recoverable(original.Status) {
		deny(ReasonNotPenalized)
	}

	existing, err := s.stakes.FindOne(ctx, &stake.Stake{OriginalStakeID: originalStakeID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		deny(ReasonAlreadyExists)
	}

	if pen, err := s.penalty.FindActivePenalty(ctx, s.db, originalStakeID); err != nil {
		return nil, err
	} else if pen != nil {
		out.RecoveryTarget = pen.Amount
	}

	return out, nil
}

type CreateParams struct {
	OriginalStakeID string
	OwnerID         string
	Title           string
	StakeType       stake.StakeType
	Amount          int64
	Currency        string
	Deadline        time.Time
	PaymentMethod   string
}

// CreateRecoveryStake opens a fresh stake linked to the lost original. The
// recovery target is the forfeited amount; completing the new stake pays
// the recovery bonus against it. Eligibility is re-checked under a lock on
// the original inside the creating transaction, so racing requests cannot
// both open a recovery stake.
func (s *Service) CreateRecoveryStake(ctx context.Context, p CreateParams) (*stake.CreateResult, error) {
	var out *stake.CreateResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		original, err := s.stakes.WithTrx(tx).FindOne(ctx, &stake.Stake{ID: p.OriginalStakeID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if original == nil || original.OwnerID != p.OwnerID {
			return errutil.NotFound("stake not found", nil)
		}
		if !recoverable(original.Status) {
			return errutil.InvalidTransition("original stake is not recoverable", nil)
		}

		existing, err := s.stakes.WithTrx(tx).FindOne(ctx, &stake.Stake{OriginalStakeID: p.OriginalStakeID})
		if err != nil {
			return err
		}
		if existing != nil {
			return errutil.Conflict("a recovery stake already exists for this stake", nil)
		}

		var target int64
		if pen, err := s.penalty.FindActivePenalty(ctx, tx, p.OriginalStakeID); err != nil {
			return err
		} else if pen != nil {
			target = pen.Amount
		}

		out, err = s.stake.CreateStakeTx(ctx, tx, stake.CreateParams{
			OwnerID:         p.OwnerID,
			Title:           p.Title,
			StakeType:       p.StakeType,
			Amount:          p.Amount,
			Currency:        p.Currency,
			Deadline:        p.Deadline,
			PaymentMethod:   p.PaymentMethod,
			OriginalStakeID: p.OriginalStakeID,
			RecoveryTarget:  target,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
