package notification

import (
	"context"
	"encoding/json"

	"stakeengine/pkg/task"
	"stakeengine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Dispatcher enqueues notification tasks for the worker. Triggering is
// fire-and-forget: a failed enqueue is logged, never propagated, so
// settlement transactions cannot fail on notification plumbing.
type Dispatcher struct {
	enqueuer task.Enqueuer
}

type DispatcherParams struct {
	fx.In
	Enqueuer task.Enqueuer `optional:"true"`
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{enqueuer: p.Enqueuer}
}

type Payload struct {
	UserID  string `json:"user_id"`
	StakeID string `json:"stake_id"`
	Detail  string `json:"detail,omitempty"`
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, p Payload) {
	if d == nil || d.enqueuer == nil {
		return
	}

	payload, err := json.Marshal(p)
	if err != nil {
		zap.L().Error("failed to marshal notification payload", zap.Error(err))
		return
	}

	if _, err := d.enqueuer.Enqueue(asynq.NewTask(name, payload), asynq.Queue("low")); err != nil {
		zap.L().Error("failed to enqueue notification",
			zap.String("task_type", name),
			zap.String("stake_id", p.StakeID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) StakeCompleted(ctx context.Context, userID, stakeID string) {
	d.dispatch(ctx, taskname.NotifyStakeCompleted, Payload{UserID: userID, StakeID: stakeID})
}

func (d *Dispatcher) StakePenalized(ctx context.Context, userID, stakeID string) {
	d.dispatch(ctx, taskname.NotifyStakePenalized, Payload{UserID: userID, StakeID: stakeID})
}

func (d *Dispatcher) StakeExpired(ctx context.Context, userID, stakeID string) {
	d.dispatch(ctx, taskname.NotifyStakeExpired, Payload{UserID: userID, StakeID: stakeID})
}

func (d *Dispatcher) PartialSettlement(ctx context.Context, userID, stakeID string) {
	d.dispatch(ctx, taskname.NotifyPartialSettlement, Payload{UserID: userID, StakeID: stakeID})
}

func (d *Dispatcher) EscrowHeld(ctx context.Context, userID, stakeID string) {
	d.dispatch(ctx, taskname.NotifyEscrowHeld, Payload{UserID: userID, StakeID: stakeID})
}

func (d *Dispatcher) AppealDecided(ctx context.Context, userID, stakeID, decision string) {
	d.dispatch(ctx, taskname.NotifyAppealDecided, Payload{UserID: userID, StakeID: stakeID, Detail: decision})
}

func (d *Dispatcher) ExtensionGranted(ctx context.Context, userID, stakeID string) {
	d.dispatch(ctx, taskname.NotifyExtensionGranted, Payload{UserID: userID, StakeID: stakeID})
}
