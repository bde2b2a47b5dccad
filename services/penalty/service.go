package penalty

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
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	policy   config.Policy
	stake    *stake.Service
	escrow   *escrow.Service
	wallet   *wallet.Service
	notifier *notification.Dispatcher

	penalties repository.Repository[Penalty]
	stakes    repository.Repository[stake.Stake]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Stake    *stake.Service
	Escrow   *escrow.Service
	Wallet   *wallet.Service
	Notifier *notification.Dispatcher
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		policy:   p.Config.Policy,
		stake:    p.Stake,
		escrow:   p.Escrow,
		wallet:   p.Wallet,
		notifier: p.Notifier,

		penalties: repository.ProvideStore[Penalty](p.DB),
		stakes:    repository.ProvideStore[stake.Stake](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

type sweepOutcome int

const (
	outcomeProcessed sweepOutcome = iota
	outcomeExpired
	outcomeSkipped
)

// ProcessOverdueStakes penalizes every open stake whose deadline has
// passed. Each stake settles in its own transaction; one failure never
// aborts the batch. Re-running over the same data penalizes nothing twice.
func (s *Service) ProcessOverdueStakes(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	result := &SweepResult{}
	cursors := map[stake.Status]time.Time{}

	for {
		var active, extended []*stake.Stake
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			active, err = s.findOverdue(gctx, stake.StatusActive, cursors[stake.StatusActive])
			return err
		})
		g.Go(func() error {
			var err error
			extended, err = s.findOverdue(gctx, stake.StatusExtended, cursors[stake.StatusExtended])
			return err
		})
		if err := g.Wait(); err != nil {
			return result, err
		}
		batch := append(active, extended...)
		if len(batch) == 0 {
			break
		}

		// the deadline cursor moves past rows whose settlement failed, so
		// one bad batch cannot stall the stakes behind it
		if n := len(active); n > 0 {
			cursors[stake.StatusActive] = active[n-1].Deadline
		}
		if n := len(extended); n > 0 {
			cursors[stake.StatusExtended] = extended[n-1].Deadline
		}

		for _, row := range batch {
			outcome, err := s.settleOverdue(ctx, row)
			switch {
			case err != nil:
				result.Failures++
				sweepFailures.Inc()
				zap.L().With(traceFields(ctx)...).Error("overdue settlement failed",
					zap.String("stake_id", row.ID), zap.Error(err))
			case outcome == outcomeProcessed:
				result.Processed++
				sweepProcessed.Inc()
				s.notifier.StakePenalized(ctx, row.OwnerID, row.ID)
			case outcome == outcomeExpired:
				result.Expired++
				sweepExpired.Inc()
				s.notifier.StakeExpired(ctx, row.OwnerID, row.ID)
			default:
				result.Skipped++
				sweepSkipped.Inc()
			}
		}
	}

	sweepRuns.Inc()
	zap.L().With(traceFields(ctx)...).Info("overdue sweep finished",
		zap.Int("processed", result.Processed),
		zap.Int("expired", result.Expired),
		zap.Int("skipped", result.Skipped),
		zap.Int("failures", result.Failures),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (s *Service) findOverdue(ctx context.Context, status stake.Status, after time.Time) ([]*stake.Stake, error) {
	opts := []option.QueryOption{
		option.ApplyOperator(option.Condition{Field: "deadline", Operator: option.LT, Value: time.Now().UTC()}),
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.EQ, Value: status}),
		option.WithSortBy(option.QuerySortBy{SortBy: "deadline", OrderBy: "asc", Allow: map[string]bool{"deadline": true}}),
		option.WithLimit(s.policy.SweepBatchSize),
	}
	if !after.IsZero() {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "deadline", Operator: option.GT, Value: after}))
	}
	return s.stakes.Find(ctx, &stake.Stake{}, opts...)
}

func (s *Service) settleOverdue(ctx context.Context, candidate *stake.Stake) (sweepOutcome, error) {
	outcome := outcomeSkipped
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row, err := s.stakes.WithTrx(tx).FindOne(ctx, &stake.Stake{ID: candidate.ID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if row == nil || !stake.IsOpen(row.Status) {
			return nil
		}
		if row.Deadline.After(time.Now().UTC()) {
			return nil
		}

		esc, err := s.escrow.GetByStakeID(ctx, tx, row.ID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		switch esc.Status {
		case escrow.StatusHeld:
			if err := s.stake.Transition(ctx, tx, row.ID, stake.OpenStatuses, stake.StatusPenalized, map[string]any{
				"penalized_at": now,
			}); err != nil {
				if errutil.IsStatus(err, errutil.StatusConflict) {
					return nil
				}
				return err
			}

			if err := s.applyForfeiture(ctx, tx, row, esc, 100, nil); err != nil {
				return err
			}
			outcome = outcomeProcessed
			return nil

		case escrow.StatusPending:
			// never funded, nothing to forfeit
			if err := s.stake.Transition(ctx, tx, row.ID, stake.OpenStatuses, stake.StatusExpired, nil); err != nil {
				if errutil.IsStatus(err, errutil.StatusConflict) {
					return nil
				}
				return err
			}
			outcome = outcomeExpired
			return nil

		default:
			return nil
		}
	})
	return outcome, err
}

// applyForfeiture settles the escrow, writes the penalty row and the wallet
// entries. percentage is the forfeited share of the escrow.
func (s *Service) applyForfeiture(ctx context.Context, tx *gorm.DB, row *stake.Stake, esc *escrow.EscrowTransaction, percentage int, metadata datatypes.JSON) error {
	// struct queries skip zero values, so the reversed filter is explicit
	if exist, err := s.penalties.WithTrx(tx).FindOne(ctx, &Penalty{StakeID: row.ID},
		option.ApplyOperator(option.Condition{Field: "reversed", Operator: option.EQ, Value: false}),
	); err != nil {
		return err
	} else if exist != nil {
		return errutil.Conflict("stake already carries a penalty", nil)
	}

	settled, err := s.escrow.Forfeit(ctx, tx, esc.ID, percentage)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := s.penalties.WithTrx(tx).Create(ctx, &Penalty{
		ID:         s.node.Generate().String(),
		StakeID:    row.ID,
		UserID:     row.OwnerID,
		Amount:     settled.ForfeitedAmount,
		Currency:   row.Currency,
		Percentage: percentage,
		AppliedAt:  now,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return err
	}

	if _, err := s.wallet.Apply(ctx, tx, wallet.EntryParams{
		UserID:      row.OwnerID,
		Currency:    row.Currency,
		Type:        wallet.EntryForfeiture,
		Amount:      0,
		Lost:        settled.ForfeitedAmount,
		StakeID:     row.ID,
		ReferenceID: "forfeit:" + row.ID,
		Description: fmt.Sprintf("escrow forfeited at %d%%", percentage),
	}); err != nil {
		return err
	}

	if settled.ReleasedAmount > 0 {
		if _, err := s.wallet.Apply(ctx, tx, wallet.EntryParams{
			UserID:      row.OwnerID,
			Currency:    row.Currency,
			Type:        wallet.EntryPartialRelease,
			Amount:      settled.ReleasedAmount,
			StakeID:     row.ID,
			ReferenceID: "partial:" + row.ID,
			Description: "uncharged portion released",
		}); err != nil {
			return err
		}
	}

	return s.wallet.ResetStreak(ctx, tx, row.OwnerID)
}

// ProcessPartialCompletion settles a stake the owner only partly finished.
// pct is the completed share: 100 is rejected (use completion), anything
// below the policy floor forfeits everything, and the graded band forfeits
// the uncompleted remainder.
func (s *Service) ProcessPartialCompletion(ctx context.Context, stakeID, ownerID string, pct int, evidence datatypes.JSON) (*Penalty, error) {
	if pct >= 100 {
		return nil, errutil.ValidationFailed("full completion must use the completion endpoint", nil)
	}
	if pct < 0 {
		return nil, errutil.ValidationFailed("completion percentage cannot be negative", nil)
	}

	penaltyPct := 100 - pct
	target := stake.StatusPartiallyPenalized
	if pct < s.policy.PartialMinPercent {
		penaltyPct = 100
		target = stake.StatusPenalized
	}
	if pct > s.policy.PartialMaxPercent && pct < 100 {
		// above the graded band but short of full: clamp to the band edge
		penaltyPct = 100 - s.policy.PartialMaxPercent
	}

	var out *Penalty
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row, err := s.stakes.WithTrx(tx).FindOne(ctx, &stake.Stake{ID: stakeID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if row == nil || row.OwnerID != ownerID {
			return errutil.NotFound("stake not found", nil)
		}
		if !stake.IsOpen(row.Status) {
			return errutil.InvalidTransition(fmt.Sprintf("stake is %s, cannot settle partially", row.Status), nil)
		}

		esc, err := s.escrow.GetByStakeID(ctx, tx, row.ID)
		if err != nil {
			return err
		}
		if esc.Status != escrow.StatusHeld {
			return errutil.InvalidTransition("escrow is not funded", nil)
		}

		now := time.Now().UTC()
		if err := s.stake.Transition(ctx, tx, row.ID, stake.OpenStatuses, target, map[string]any{
			"penalized_at": now,
		}); err != nil {
			return err
		}

		if err := s.applyForfeiture(ctx, tx, row, esc, penaltyPct, evidence); err != nil {
			return err
		}

		penalty, err := s.FindActivePenalty(ctx, tx, row.ID)
		if err != nil {
			return err
		}
		out = penalty
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.PartialSettlement(ctx, ownerID, stakeID)
	return out, nil
}

// FindActivePenalty returns the stake's current non-reversed penalty, or
// nil when none exists.
func (s *Service) FindActivePenalty(ctx context.Context, tx *gorm.DB, stakeID string) (*Penalty, error) {
	return s.penalties.WithTrx(tx).FindOne(ctx, &Penalty{StakeID: stakeID},
		option.ApplyOperator(option.Condition{Field: "reversed", Operator: option.EQ, Value: false}),
	)
}

// Reverse marks a penalty reversed after a successful appeal.
func (s *Service) Reverse(ctx context.Context, tx *gorm.DB, penaltyID string) error {
	now := time.Now().UTC()
	res := tx.WithContext(ctx).Model(&Penalty{}).
		Where("id = ? AND reversed = ?", penaltyID, false).
		Updates(map[string]any{
			"reversed":    true,
			"reversed_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("penalty already reversed", nil)
	}
	return nil
}
