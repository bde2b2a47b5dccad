package appeal

import (
	"context"
	"fmt"
	"time"

	"stakeengine/pkg/config"
	"stakeengine/pkg/db/option"
	"stakeengine/pkg/errutil"
	"stakeengine/pkg/repository"
	"stakeengine/pkg/sequence"
	"stakeengine/services/notification"
	"stakeengine/services/penalty"
	"stakeengine/services/stake"
	"stakeengine/services/wallet"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	policy   config.Policy
	seq      sequence.Generator
	stake    *stake.Service
	penalty  *penalty.Service
	wallet   *wallet.Service
	notifier *notification.Dispatcher

	appeals repository.Repository[Appeal]
	stakes  repository.Repository[stake.Stake]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Stake    *stake.Service
	Penalty  *penalty.Service
	Wallet   *wallet.Service
	Notifier *notification.Dispatcher
	Seq      sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		policy:   p.Config.Policy,
		seq:      p.Seq,
		stake:    p.Stake,
		penalty:  p.Penalty,
		wallet:   p.Wallet,
		notifier: p.Notifier,

		appeals: repository.ProvideStore[Appeal](p.DB),
		stakes:  repository.ProvideStore[stake.Stake](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	return []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}
}

// SubmitAppeal contests the stake's penalty. The conditional move to
// UNDER_APPEAL is the arbiter between concurrent submissions: the loser
// gets Conflict.
func (s *Service) SubmitAppeal(ctx context.Context, stakeID, userID, reason string, evidence datatypes.JSON) (*Appeal, error) {
	if len(reason) < s.policy.AppealReasonMin || len(reason) > s.policy.AppealReasonMax {
		return nil, errutil.ValidationFailed(
			fmt.Sprintf("reason must be %d to %d characters", s.policy.AppealReasonMin, s.policy.AppealReasonMax), nil)
	}

	var code string
	if s.seq != nil {
		var err error
		if code, err = s.seq.NextAppealCode(ctx); err != nil {
			zap.L().With(traceFields(ctx)...).Warn("failed to issue appeal code", zap.Error(err))
		}
	}

	var out *Appeal
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row, err := s.stakes.WithTrx(tx).FindOne(ctx, &stake.Stake{ID: stakeID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if row == nil || row.OwnerID != userID {
			return errutil.NotFound("stake not found", nil)
		}

		switch row.Status {
		case stake.StatusUnderAppeal:
			return errutil.Conflict("stake is already under appeal", nil)
		case stake.StatusPenalized, stake.StatusPartiallyPenalized:
		default:
			return errutil.InvalidTransition(fmt.Sprintf("stake is %s, nothing to appeal", row.Status), nil)
		}

		pen, err := s.penalty.FindActivePenalty(ctx, tx, row.ID)
		if err != nil {
			return err
		}
		if pen == nil {
			return errutil.InvalidTransition("stake carries no penalty to appeal", nil)
		}

		priorStatus := row.Status
		if err := s.stake.Transition(ctx, tx, row.ID, []stake.Status{priorStatus}, stake.StatusUnderAppeal, nil); err != nil {
			if errutil.IsStatus(err, errutil.StatusConflict) {
				return errutil.Conflict("stake is already under appeal", nil)
			}
			return err
		}

		now := time.Now().UTC()
		out = &Appeal{
			ID:          s.node.Generate().String(),
			Code:        code,
			StakeID:     row.ID,
			PenaltyID:   pen.ID,
			UserID:      userID,
			Reason:      reason,
			Evidence:    evidence,
			Status:      StatusPending,
			PriorStatus: priorStatus,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return s.appeals.WithTrx(tx).Create(ctx, out)
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// ReviewAppeal decides a pending appeal. Approval refunds the penalty into
// the wallet, reverses the penalty row and lands the stake in RECOVERED;
// rejection restores the stake's prior status. A decided appeal cannot be
// reviewed again.
func (s *Service) ReviewAppeal(ctx context.Context, appealID, adminID string, approve bool, notes string) (*Appeal, error) {
	var out *Appeal
	err := s.db.Transaction(func(tx *gorm.DB) error {
		row, err := s.appeals.WithTrx(tx).FindOne(ctx, &Appeal{ID: appealID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if row == nil {
			return errutil.NotFound("appeal not found", nil)
		}
		if row.Status != StatusPending {
			return errutil.InvalidTransition(fmt.Sprintf("appeal is already %s", row.Status), nil)
		}

		decision := StatusRejected
		if approve {
			decision = StatusApproved
		}

		pen, err := s.penalty.FindActivePenalty(ctx, tx, row.StakeID)
		if err != nil {
			return err
		}

		var refund int64
		if approve {
			if pen == nil {
				return errutil.InvalidTransition("penalty already reversed", nil)
			}
			refund = pen.Amount * s.policy.AppealRefundBps / 10000
		}

		now := time.Now().UTC()
		res := tx.WithContext(ctx).Model(&Appeal{}).
			Where("id = ? AND status = ?", appealID, StatusPending).
			Updates(map[string]any{
				"status":        decision,
				"reviewed_by":   adminID,
				"review_notes":  notes,
				"refund_amount": refund,
				"decided_at":    now,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errutil.Conflict("appeal decided concurrently", nil)
		}

		if approve {
			if err := s.penalty.Reverse(ctx, tx, pen.ID); err != nil {
				return err
			}

			if refund > 0 {
				if _, err := s.wallet.Apply(ctx, tx, wallet.EntryParams{
					UserID:      row.UserID,
					Currency:    pen.Currency,
					Type:        wallet.EntryAppealRefund,
					Amount:      refund,
					Earned:      refund,
					StakeID:     row.StakeID,
					ReferenceID: "appeal_refund:" + row.ID,
					Description: "penalty refunded on appeal",
				}); err != nil {
					return err
				}
			}

			if err := s.stake.Transition(ctx, tx, row.StakeID, []stake.Status{stake.StatusUnderAppeal}, stake.StatusRecovered, nil); err != nil {
				return err
			}
		} else {
			if err := s.stake.Transition(ctx, tx, row.StakeID, []stake.Status{stake.StatusUnderAppeal}, row.PriorStatus, nil); err != nil {
				return err
			}
		}

		row.Status = decision
		row.ReviewedBy = adminID
		row.ReviewNotes = notes
		row.RefundAmount = refund
		row.DecidedAt = &now
		out = row
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notifier.AppealDecided(ctx, out.UserID, out.StakeID, string(out.Status))
	return out, nil
}

func (s *Service) GetAppeal(ctx context.Context, appealID string) (*Appeal, error) {
	row, err := s.appeals.FindOne(ctx, &Appeal{ID: appealID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("appeal not found", nil)
	}
	return row, nil
}
