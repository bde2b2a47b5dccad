package httpapi

import (
	"net/http"

	"stakeengine/pkg/config"
	"stakeengine/pkg/health"
	"stakeengine/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		NewHandlers,
		NewRouter,
	),
)

type RouterParams struct {
	fx.In
	Config   *config.Config
	Handlers *Handlers
	Health   health.HealthService
}

// NewRouter wires the gin engine the HTTP server serves.
func NewRouter(p RouterParams) http.Handler {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", middleware.Identity())
	{
		v1.POST("/stakes", p.Handlers.CreateStake)
		v1.GET("/stakes", p.Handlers.ListStakes)
		v1.GET("/stakes/:id", p.Handlers.GetStake)
		v1.POST("/stakes/:id/complete", p.Handlers.CompleteStake)
		v1.POST("/stakes/:id/partial-completion", p.Handlers.PartialCompletion)
		v1.POST("/stakes/:id/appeal", p.Handlers.SubmitAppeal)
		v1.POST("/appeals/:id/review", p.Handlers.ReviewAppeal)
		v1.GET("/stakes/:id/extension/eligibility", p.Handlers.ExtensionEligibility)
		v1.POST("/stakes/:id/extension", p.Handlers.RequestExtension)
		v1.GET("/stakes/:id/recovery/eligibility", p.Handlers.RecoveryEligibility)
		v1.POST("/stakes/:id/recovery", p.Handlers.CreateRecoveryStake)
		v1.GET("/wallet", p.Handlers.GetWallet)
		v1.GET("/wallet/entries", p.Handlers.ListWalletEntries)
	}

	// provider callbacks authenticate by signature, not user identity
	r.POST("/v1/payments/webhook", p.Handlers.PaymentWebhook)

	internal := r.Group("/internal")
	{
		internal.POST("/sweep", p.Handlers.RunSweep)
	}

	return r
}
