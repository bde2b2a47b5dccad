package main

import (
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"stakeengine/internal/httpapi"
	"stakeengine/pkg/config"
	"stakeengine/pkg/db"
	"stakeengine/pkg/hashistack/secretmanager"
	"stakeengine/pkg/health"
	"stakeengine/pkg/logger"
	"stakeengine/pkg/redis"
	"stakeengine/pkg/sequence"
	"stakeengine/pkg/server"
	"stakeengine/pkg/task"
	"stakeengine/services/appeal"
	"stakeengine/services/escrow"
	"stakeengine/services/extension"
	"stakeengine/services/notification"
	"stakeengine/services/payment"
	"stakeengine/services/penalty"
	"stakeengine/services/recovery"
	"stakeengine/services/stake"
	"stakeengine/services/wallet"
)

func main() {
	opts := []fx.Option{
		config.Module,
	}

	// secrets overlay the yaml config only when vault is reachable
	if os.Getenv("VAULT_ADDR") != "" {
		opts = append(opts, secretmanager.Module)
	}

	opts = append(opts,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		health.Module,
		fx.Provide(
			provideTracerProvider,
			provideMeterProvider,
			provideSnowflakeNode,
		),
		notification.Module,
		wallet.Module,
		escrow.Module,
		payment.Module,
		stake.Module,
		penalty.Module,
		appeal.Module,
		extension.Module,
		recovery.Module,
		httpapi.Module,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		fxLogger,
	)

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideMeterProvider() metric.MeterProvider {
	return otel.GetMeterProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
