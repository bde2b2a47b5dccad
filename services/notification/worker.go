package notification

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Worker consumes the notification queue. Delivery mechanics (email, push)
// live outside this system; the handler records the dispatch.
type Worker struct{}

func NewWorker() *Worker {
	return &Worker{}
}

func (w *Worker) HandleNotifyTask(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		zap.L().Error("invalid notification payload", zap.String("task_type", t.Type()), zap.Error(err))
		return err
	}

	zap.L().Info("notification dispatched",
		zap.String("task_type", t.Type()),
		zap.String("user_id", p.UserID),
		zap.String("stake_id", p.StakeID),
		zap.String("detail", p.Detail),
	)
	return nil
}
