package escrow

import (
	"context"
	"fmt"
	"time"

	"stakeengine/pkg/config"
	"stakeengine/pkg/db/option"
	"stakeengine/pkg/errutil"
	"stakeengine/pkg/repository"
	"stakeengine/pkg/sequence"
	"stakeengine/services/wallet"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	policy config.Policy
	seq    sequence.Generator
	wallet *wallet.Service

	escrows repository.Repository[EscrowTransaction]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Wallet *wallet.Service
	Seq    sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		policy: p.Config.Policy,
		seq:    p.Seq,
		wallet: p.Wallet,

		escrows: repository.ProvideStore[EscrowTransaction](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

type CreateParams struct {
	StakeID       string
	UserID        string
	Amount        int64
	Currency      string
	PaymentMethod string
}

// Create opens a PENDING escrow for a stake inside the caller's
// transaction. Amount bounds come from policy, never hard-coded.
func (s *Service) Create(ctx context.Context, tx *gorm.DB, p CreateParams) (*EscrowTransaction, error) {
	if p.Amount < s.policy.MinStakeAmount || p.Amount > s.policy.MaxStakeAmount {
		return nil, errutil.ValidationFailed(
			fmt.Sprintf("stake amount must be between %d and %d", s.policy.MinStakeAmount, s.policy.MaxStakeAmount), nil)
	}

	var code string
	if s.seq != nil {
		var err error
		if code, err = s.seq.NextEscrowCode(ctx); err != nil {
			zap.L().With(traceFields(ctx)...).Warn("failed to issue escrow code", zap.Error(err))
		}
	}

	now := time.Now().UTC()
	row := &EscrowTransaction{
		ID:            s.node.Generate().String(),
		Code:          code,
		StakeID:       p.StakeID,
		UserID:        p.UserID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		PaymentMethod: p.PaymentMethod,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.escrows.WithTrx(tx).Create(ctx, row); err != nil {
		return nil, err
	}

	return row, nil
}

func (s *Service) Get(ctx context.Context, escrowID string) (*EscrowTransaction, error) {
	row, err := s.escrows.FindOne(ctx, &EscrowTransaction{ID: escrowID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("escrow not found", nil)
	}
	return row, nil
}

// GetByStakeID reads the stake's escrow inside the caller's transaction,
// locked so the settlement decision and the commit see the same row.
func (s *Service) GetByStakeID(ctx context.Context, tx *gorm.DB, stakeID string) (*EscrowTransaction, error) {
	row, err := s.escrows.WithTrx(tx).FindOne(ctx, &EscrowTransaction{StakeID: stakeID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("escrow not found", nil)
	}
	return row, nil
}

// ConfirmHold moves a PENDING escrow to HELD after the provider confirms
// the charge, and records the hold on the wallet. Replaying the same
// provider reference is a no-op success.
func (s *Service) ConfirmHold(ctx context.Context, escrowID, providerRef string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		row, err := s.escrows.WithTrx(tx).FindOne(ctx, &EscrowTransaction{ID: escrowID})
		if err != nil {
			return err
		}
		if row == nil {
			return errutil.NotFound("escrow not found", nil)
		}

		if row.Status == StatusHeld && row.ProviderReference == providerRef {
			return nil
		}
		if row.Status != StatusPending {
			return errutil.InvalidTransition(fmt.Sprintf("escrow is %s, cannot hold", row.Status), nil)
		}

		now := time.Now().UTC()
		res := tx.Model(&EscrowTransaction{}).
			Where("id = ? AND status = ?", escrowID, StatusPending).
			Updates(map[string]any{
				"status":             StatusHeld,
				"provider_reference": providerRef,
				"held_at":            now,
				"updated_at":         now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("escrow hold raced with another update", nil)
		}

		_, err = s.wallet.Apply(ctx, tx, wallet.EntryParams{
			UserID:      row.UserID,
			Currency:    row.Currency,
			Type:        wallet.EntryStakeHold,
			Amount:      0,
			Staked:      row.Amount,
			StakeID:     row.StakeID,
			ReferenceID: "hold:" + row.ID,
			Description: "stake funds held in escrow",
		})
		if errutil.IsStatus(err, errutil.StatusConflict) {
			return nil
		}
		return err
	})
}

// Release settles a HELD escrow back to its owner. Exactly once; a second
// call is a no-op success, any other state is an invalid transition.
func (s *Service) Release(ctx context.Context, tx *gorm.DB, escrowID string) (*EscrowTransaction, error) {
	row, err := s.escrows.WithTrx(tx).FindOne(ctx, &EscrowTransaction{ID: escrowID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("escrow not found", nil)
	}
	if row.Status == StatusReleased {
		return row, nil
	}
	if row.Status != StatusHeld {
		return nil, errutil.InvalidTransition(fmt.Sprintf("escrow is %s, cannot release", row.Status), nil)
	}

	now := time.Now().UTC()
	res := tx.Model(&EscrowTransaction{}).
		Where("id = ? AND status = ?", escrowID, StatusHeld).
		Updates(map[string]any{
			"status":          StatusReleased,
			"released_amount": row.Amount,
			"settled_at":      now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("escrow release raced with another settlement", nil)
	}

	row.Status = StatusReleased
	row.ReleasedAmount = row.Amount
	return row, nil
}

// Forfeit settles a HELD escrow against its owner. percentage is how much
// of the escrow is forfeited (100 for a full penalty); the remainder is
// recorded as released.
func (s *Service) Forfeit(ctx context.Context, tx *gorm.DB, escrowID string, percentage int) (*EscrowTransaction, error) {
	if percentage <= 0 || percentage > 100 {
		return nil, errutil.ValidationFailed("forfeit percentage must be in (0, 100]", nil)
	}

	row, err := s.escrows.WithTrx(tx).FindOne(ctx, &EscrowTransaction{ID: escrowID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("escrow not found", nil)
	}
	if row.Status != StatusHeld {
		return nil, errutil.InvalidTransition(fmt.Sprintf("escrow is %s, cannot forfeit", row.Status), nil)
	}

	forfeited := row.Amount * int64(percentage) / 100
	released := row.Amount - forfeited

	now := time.Now().UTC()
	res := tx.Model(&EscrowTransaction{}).
		Where("id = ? AND status = ?", escrowID, StatusHeld).
		Updates(map[string]any{
			"status":           StatusForfeited,
			"forfeited_amount": forfeited,
			"released_amount":  released,
			"settled_at":       now,
			"updated_at":       now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("escrow forfeit raced with another settlement", nil)
	}

	row.Status = StatusForfeited
	row.ForfeitedAmount = forfeited
	row.ReleasedAmount = released
	return row, nil
}

// MarkRefunded records a provider-side refund. Allowed from PENDING and
// HELD; terminal states stay put.
func (s *Service) MarkRefunded(ctx context.Context, escrowID string) error {
	res := s.db.WithContext(ctx).Model(&EscrowTransaction{}).
		Where("id = ? AND status IN ?", escrowID, []Status{StatusPending, StatusHeld}).
		Updates(map[string]any{
			"status":     StatusRefunded,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		row, err := s.Get(ctx, escrowID)
		if err != nil {
			return err
		}
		if row.Status == StatusRefunded {
			return nil
		}
		return errutil.InvalidTransition(fmt.Sprintf("escrow is %s, cannot refund", row.Status), nil)
	}
	return nil
}

// RevertToPending undoes a hold after a failed provider charge so the
// payment can be retried. A PENDING escrow is a no-op.
func (s *Service) RevertToPending(ctx context.Context, escrowID string) error {
	row, err := s.Get(ctx, escrowID)
	if err != nil {
		return err
	}
	if row.Status == StatusPending {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&EscrowTransaction{}).
		Where("id = ? AND status = ?", escrowID, StatusHeld).
		Updates(map[string]any{
			"status":     StatusPending,
			"held_at":    nil,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.InvalidTransition(fmt.Sprintf("escrow is %s, cannot revert", row.Status), nil)
	}
	return nil
}
