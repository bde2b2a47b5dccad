package extension

import (
	"context"
	"fmt"
	"time"

	"stakeengine/pkg/config"
	"stakeengine/pkg/db/option"
	"stakeengine/pkg/errutil"
	"stakeengine/pkg/repository"
	"stakeengine/services/escrow"
	"stakeengine/services/notification"
	"stakeengine/services/stake"
	"stakeengine/services/wallet"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	policy   config.Policy
	wallet   *wallet.Service
	notifier *notification.Dispatcher

	extensions repository.Repository[Extension]
	stakes     repository.Repository[stake.Stake]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Wallet   *wallet.Service
	Notifier *notification.Dispatcher
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		policy:   p.Config.Policy,
		wallet:   p.Wallet,
		notifier: p.Notifier,

		extensions: repository.ProvideStore[Extension](p.DB),
		stakes:     repository.ProvideStore[stake.Stake](p.DB),
	}
}

// IsEligible checks whether the stake can still be extended. It never
// mutates anything, so a true answer can be stale by the time the request
// lands; RequestExtension re-checks under lock.
func (s *Service) IsEligible(ctx context.Context, stakeID, userID string) (*Eligibility, error) {
	row, err := s.stakes.FindOne(ctx, &stake.Stake{ID: stakeID})
	if err != nil {
		return nil, err
	}
	if row == nil || row.OwnerID != userID {
		return nil, errutil.NotFound("stake not found", nil)
	}

	out := &Eligibility{Eligible: true}
	deny := func(reason string) {
		out.Eligible = false
		out.Reasons = append(out.Reasons, reason)
	}

	if !stake.IsOpen(row.Status) {
		deny(ReasonNotOpen)
	}
	if !row.Deadline.After(time.Now().UTC()) {
		deny(ReasonPastDeadline)
	}
	if row.ExtensionCount >= s.policy.MaxExtensions {
		deny(ReasonLimitReached)
	}

	return out, nil
}

// Fee charges per started day of extension, proportional to the stake.
func (s *Service) Fee(amount int64, oldDeadline, newDeadline time.Time) int64 {
	days := int64(newDeadline.Sub(oldDeadline) / (24 * time.Hour))
	if newDeadline.Sub(oldDeadline)%(24*time.Hour) != 0 {
		days++
	}
	if days < 1 {
		days = 1
	}
	return amount * s.policy.ExtensionFeeBps * days / 10000
}

// RequestExtension pushes the deadline out for a fee debited from the
// wallet. The stake update is guarded on the deadline the caller observed,
// so a stale concurrent writer gets Conflict instead of silently stacking
// extensions.
func (s *Service) RequestExtension(ctx context.Context, stakeID, userID string, newDeadline time.Time, reason string) (*Extension, error) {
	var out *Extension
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row, err := s.stakes.WithTrx(tx).FindOne(ctx, &stake.Stake{ID: stakeID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if row == nil || row.OwnerID != userID {
			return errutil.NotFound("stake not found", nil)
		}
		if !stake.IsOpen(row.Status) {
			return errutil.InvalidTransition(fmt.Sprintf("stake is %s, cannot extend", row.Status), nil)
		}
		if !row.Deadline.After(time.Now().UTC()) {
			return errutil.InvalidTransition("deadline has already passed", nil)
		}
		if row.ExtensionCount >= s.policy.MaxExtensions {
			return errutil.ValidationFailed(fmt.Sprintf("extension limit of %d reached", s.policy.MaxExtensions), nil)
		}
		if !newDeadline.UTC().After(row.Deadline) {
			return errutil.ValidationFailed("new deadline must be after the current deadline", nil)
		}

		fee := s.Fee(row.Amount, row.Deadline, newDeadline.UTC())

		now := time.Now().UTC()
		out = &Extension{
			ID:          s.node.Generate().String(),
			StakeID:     row.ID,
			UserID:      userID,
			OldDeadline: row.Deadline,
			NewDeadline: newDeadline.UTC(),
			Fee:         fee,
			Currency:    row.Currency,
			Status:      StatusGranted,
			Reason:      reason,
			CreatedAt:   now,
		}

		if fee > 0 {
			if _, err := s.wallet.Apply(ctx, tx, wallet.EntryParams{
				UserID:      userID,
				Currency:    row.Currency,
				Type:        wallet.EntryExtensionFee,
				Amount:      -fee,
				StakeID:     row.ID,
				ReferenceID: "extension_fee:" + out.ID,
				Description: "deadline extension fee",
			}); err != nil {
				return err
			}
		}

		// guarded on the observed deadline, not just the status
		res := tx.WithContext(ctx).Model(&stake.Stake{}).
			Where("id = ? AND status IN ? AND deadline = ?", row.ID, stake.OpenStatuses, row.Deadline).
			Updates(map[string]any{
				"status":          stake.StatusExtended,
				"deadline":        out.NewDeadline,
				"extension_count": row.ExtensionCount + 1,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("stake deadline changed concurrently", nil)
		}

		// the fee joins the escrow so a later forfeiture covers it too
		if fee > 0 {
			if err := tx.WithContext(ctx).Model(&escrow.EscrowTransaction{}).
				Where("stake_id = ?", row.ID).
				Updates(map[string]any{
					"amount":     gorm.Expr("amount + ?", fee),
					"updated_at": now,
				}).Error; err != nil {
				return err
			}
		}

		return s.extensions.WithTrx(tx).Create(ctx, out)
	})
	if err != nil {
		return nil, err
	}

	s.notifier.ExtensionGranted(ctx, userID, stakeID)
	return out, nil
}

func (s *Service) ListByStake(ctx context.Context, stakeID string) ([]*Extension, error) {
	return s.extensions.Find(ctx, &Extension{StakeID: stakeID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
}
