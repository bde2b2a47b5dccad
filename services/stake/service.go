package stake

import (
	"context"
	"fmt"
	"time"

	"stakeengine/pkg/config"
	"stakeengine/pkg/db/option"
	"stakeengine/pkg/errutil"
	"stakeengine/pkg/repository"
	"stakeengine/pkg/sequence"
	"stakeengine/services/escrow"
	"stakeengine/services/notification"
	"stakeengine/services/payment"
	"stakeengine/services/wallet"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service drives the stake lifecycle. Every status move goes through
// Transition, a conditional update that makes each financial transition
// happen exactly once no matter how many callers race.
type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	policy   config.Policy
	seq      sequence.Generator
	escrow   *escrow.Service
	wallet   *wallet.Service
	payment  *payment.Service
	notifier *notification.Dispatcher

	stakes repository.Repository[Stake]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Escrow   *escrow.Service
	Wallet   *wallet.Service
	Payment  *payment.Service
	Notifier *notification.Dispatcher
	Seq      sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		policy:   p.Config.Policy,
		seq:      p.Seq,
		escrow:   p.Escrow,
		wallet:   p.Wallet,
		payment:  p.Payment,
		notifier: p.Notifier,

		stakes: repository.ProvideStore[Stake](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

// Transition conditionally moves a stake from one of the given states to
// the target state. Zero touched rows means another writer won the race and
// the caller gets Conflict.
func (s *Service) Transition(ctx context.Context, tx *gorm.DB, stakeID string, from []Status, to Status, extra map[string]any) error {
	for _, f := range from {
		if !CanTransition(f, to) {
			return errutil.InvalidTransition(fmt.Sprintf("stake cannot move %s -> %s", f, to), nil)
		}
	}

	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := tx.WithContext(ctx).Model(&Stake{}).
		Where("id = ? AND status IN ?", stakeID, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("stake status changed concurrently", nil)
	}
	return nil
}

type CreateParams struct {
	OwnerID       string
	Title         string
	StakeType     StakeType
	Amount        int64
	Currency      string
	Deadline      time.Time
	PaymentMethod string

	// recovery linkage, set by the recovery service only
	OriginalStakeID string
	RecoveryTarget  int64
}

type CreateResult struct {
	Stake  *Stake
	Escrow *escrow.EscrowTransaction
	Intent *payment.PaymentIntent
}

// CreateStake opens a stake with its escrow, wallet and payment intent in
// one transaction. The stake is ACTIVE immediately; funds reach HELD only
// when the provider webhook confirms the charge.
func (s *Service) CreateStake(ctx context.Context, p CreateParams) (*CreateResult, error) {
	var out *CreateResult
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.CreateStakeTx(ctx, tx, p)
		return err
	}); err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to create stake", zap.Error(err))
		return nil, err
	}
	return out, nil
}

// CreateStakeTx is CreateStake inside a caller-owned transaction, so callers
// can bind their own preconditions to the same commit.
func (s *Service) CreateStakeTx(ctx context.Context, tx *gorm.DB, p CreateParams) (*CreateResult, error) {
	if !ValidType(p.StakeType) {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown stake type %q", p.StakeType), nil)
	}
	if p.Title == "" {
		return nil, errutil.ValidationFailed("title is required", nil)
	}
	if p.Currency == "" {
		return nil, errutil.ValidationFailed("currency is required", nil)
	}
	if !p.Deadline.After(time.Now().UTC()) {
		return nil, errutil.ValidationFailed("deadline must be in the future", nil)
	}

	var code string
	if s.seq != nil {
		var err error
		if code, err = s.seq.NextStakeCode(ctx); err != nil {
			zap.L().With(traceFields(ctx)...).Warn("failed to issue stake code", zap.Error(err))
		}
	}

	now := time.Now().UTC()
	row := &Stake{
		ID:              s.node.Generate().String(),
		Code:            code,
		OwnerID:         p.OwnerID,
		Title:           p.Title,
		StakeType:       p.StakeType,
		Amount:          p.Amount,
		Currency:        p.Currency,
		Deadline:        p.Deadline.UTC(),
		Status:          StatusActive,
		OriginalStakeID: p.OriginalStakeID,
		RecoveryTarget:  p.RecoveryTarget,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	result := &CreateResult{Stake: row}

	esc, err := s.escrow.Create(ctx, tx, escrow.CreateParams{
		StakeID:       row.ID,
		UserID:        p.OwnerID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		PaymentMethod: p.PaymentMethod,
	})
	if err != nil {
		return nil, err
	}
	result.Escrow = esc

	if err := s.stakes.WithTrx(tx).Create(ctx, row); err != nil {
		return nil, err
	}

	if _, err := s.wallet.Ensure(ctx, tx, p.OwnerID, p.Currency); err != nil {
		return nil, err
	}

	intent, err := s.payment.CreateIntent(ctx, tx, payment.IntentParams{
		StakeID:  row.ID,
		EscrowID: esc.ID,
		UserID:   p.OwnerID,
		Amount:   p.Amount,
		Currency: p.Currency,
	})
	if err != nil {
		return nil, err
	}
	result.Intent = intent

	return result, nil
}

// CompleteStake settles an open stake as won before its deadline: the
// escrow releases, the wallet receives principal plus reward, and the
// streak advances. Calling it on an already COMPLETED stake is a no-op
// success.
func (s *Service) CompleteStake(ctx context.Context, stakeID, ownerID string) (*Stake, error) {
	var out *Stake
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row, err := s.stakes.WithTrx(tx).FindOne(ctx, &Stake{ID: stakeID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if row == nil || row.OwnerID != ownerID {
			return errutil.NotFound("stake not found", nil)
		}

		if row.Status == StatusCompleted {
			out = row
			return nil
		}
		if !IsOpen(row.Status) {
			return errutil.InvalidTransition(fmt.Sprintf("stake is %s, cannot complete", row.Status), nil)
		}
		if time.Now().UTC().After(row.Deadline) {
			return errutil.InvalidTransition("deadline has passed", nil)
		}

		esc, err := s.escrow.GetByStakeID(ctx, tx, row.ID)
		if err != nil {
			return err
		}
		if esc.Status != escrow.StatusHeld {
			return errutil.InvalidTransition("escrow is not funded", nil)
		}

		now := time.Now().UTC()
		if err := s.Transition(ctx, tx, row.ID, OpenStatuses, StatusCompleted, map[string]any{
			"completed_at": now,
		}); err != nil {
			return err
		}

		if _, err := s.escrow.Release(ctx, tx, esc.ID); err != nil {
			return err
		}

		if _, err := s.wallet.Apply(ctx, tx, wallet.EntryParams{
			UserID:      row.OwnerID,
			Currency:    row.Currency,
			Type:        wallet.EntryStakeRelease,
			Amount:      esc.Amount,
			Earned:      esc.Amount,
			StakeID:     row.ID,
			ReferenceID: "release:" + row.ID,
			Description: "stake completed, escrow released",
		}); err != nil {
			return err
		}

		reward := row.Amount * s.policy.RewardBps / 10000
		if reward > 0 {
			if _, err := s.wallet.Apply(ctx, tx, wallet.EntryParams{
				UserID:      row.OwnerID,
				Currency:    row.Currency,
				Type:        wallet.EntryReward,
				Amount:      reward,
				Earned:      reward,
				StakeID:     row.ID,
				ReferenceID: "reward:" + row.ID,
				Description: "completion reward",
			}); err != nil {
				return err
			}
		}

		if row.RecoveryTarget > 0 {
			bonus := row.RecoveryTarget * s.policy.RecoveryBonusBps / 10000
			if bonus > 0 {
				if _, err := s.wallet.Apply(ctx, tx, wallet.EntryParams{
					UserID:      row.OwnerID,
					Currency:    row.Currency,
					Type:        wallet.EntryRecoveryBonus,
					Amount:      bonus,
					Earned:      bonus,
					StakeID:     row.ID,
					ReferenceID: "recovery_bonus:" + row.ID,
					Description: "recovery stake bonus",
				}); err != nil {
					return err
				}
			}
		}

		if err := s.wallet.BumpStreak(ctx, tx, row.OwnerID); err != nil {
			return err
		}

		row.Status = StatusCompleted
		row.CompletedAt = &now
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.StakeCompleted(ctx, ownerID, stakeID)
	return out, nil
}

func (s *Service) GetStake(ctx context.Context, stakeID, ownerID string) (*Stake, error) {
	row, err := s.stakes.FindOne(ctx, &Stake{ID: stakeID})
	if err != nil {
		zap.L().With(traceFields(ctx)...).Error("failed to query stake", zap.Error(err))
		return nil, err
	}
	if row == nil || row.OwnerID != ownerID {
		return nil, errutil.NotFound("stake not found", nil)
	}
	return row, nil
}

func (s *Service) ListStakes(ctx context.Context, ownerID string, status Status) ([]*Stake, error) {
	query := &Stake{OwnerID: ownerID}
	if status != "" {
		query.Status = status
	}

	return s.stakes.Find(ctx, query,
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "desc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
}
