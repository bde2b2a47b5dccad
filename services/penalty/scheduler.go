package penalty

import (
	"context"
	"time"

	"stakeengine/pkg/config"
	"stakeengine/pkg/rediskey"
	"stakeengine/pkg/task"
	"stakeengine/pkg/taskname"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Scheduler enqueues the overdue sweep on a fixed interval. A redis SETNX
// lock collapses overlapping enqueues when multiple scheduler replicas or
// retried ticks fire together.
type Scheduler struct {
	interval time.Duration
	enqueuer task.Enqueuer
	rdb      *redis.Client
}

type SchedulerParams struct {
	fx.In
	Config   *config.Config
	Enqueuer task.Enqueuer
	Redis    *redis.Client
}

func NewScheduler(p SchedulerParams) *Scheduler {
	return &Scheduler{
		interval: p.Config.Policy.SweepInterval,
		enqueuer: p.Enqueuer,
		rdb:      p.Redis,
	}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started overdue sweep scheduler", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	// the lock lives slightly shorter than the interval so a wedged run
	// cannot block sweeping forever
	ok, err := s.rdb.SetNX(ctx, rediskey.SweepLockKey, time.Now().UTC().Format(time.RFC3339), s.interval-time.Second).Result()
	if err != nil {
		zap.L().Error("[Scheduler] failed to acquire sweep lock", zap.Error(err))
		return
	}
	if !ok {
		zap.L().Info("[Scheduler] sweep already scheduled elsewhere, skipping")
		return
	}

	if _, err := s.enqueuer.Enqueue(asynq.NewTask(taskname.PenaltySweepRun, nil), asynq.Queue("critical")); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue sweep task", zap.Error(err))
		return
	}

	zap.L().Info("[Scheduler] sweep task enqueued")
}

// HandleSweepTask is the asynq worker entry for the overdue sweep.
func (s *Service) HandleSweepTask(ctx context.Context, t *asynq.Task) error {
	result, err := s.ProcessOverdueStakes(ctx)
	if err != nil {
		zap.L().Error("sweep task failed", zap.Error(err))
		return err
	}

	zap.L().Info("sweep task finished",
		zap.Int("processed", result.Processed),
		zap.Int("expired", result.Expired),
		zap.Int("skipped", result.Skipped),
		zap.Int("failures", result.Failures),
	)
	return nil
}
