package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"stakeengine/pkg/config"
	"stakeengine/pkg/db"
	"stakeengine/pkg/logger"
	"stakeengine/pkg/redis"
	"stakeengine/pkg/sequence"
	"stakeengine/pkg/task"
	"stakeengine/pkg/taskname"
	"stakeengine/services/escrow"
	"stakeengine/services/notification"
	"stakeengine/services/payment"
	"stakeengine/services/penalty"
	"stakeengine/services/stake"
	"stakeengine/services/wallet"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		sequence.Module,
		fx.Provide(
			provideSnowflakeNode,
		),
		notification.Module,
		wallet.Module,
		escrow.Module,
		payment.Module,
		stake.Module,
		penalty.Module,
		penalty.SchedulerModule,
		fx.Invoke(registerHandlers),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func registerHandlers(mux *asynq.ServeMux, sweeper *penalty.Service, worker *notification.Worker) {
	mux.HandleFunc(taskname.PenaltySweepRun, sweeper.HandleSweepTask)

	for _, name := range []string{
		taskname.NotifyStakeCompleted,
		taskname.NotifyStakePenalized,
		taskname.NotifyStakeExpired,
		taskname.NotifyEscrowHeld,
		taskname.NotifyAppealDecided,
		taskname.NotifyExtensionGranted,
		taskname.NotifyPartialSettlement,
	} {
		mux.HandleFunc(name, worker.HandleNotifyTask)
	}
}
