package http

import (
	"net/http"

	"github.com/convid/tunnel-broker/internal/api/http/handler"
	"github.com/convid/tunnel-broker/internal/api/http/middleware"
	"github.com/convid/tunnel-broker/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Services struct {
	Accounts     handler.AccountStore
	Registration handler.RegistrationService
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry
}

func SetupRoute(engine *gin.Engine, srvs *Services, cfg Config) {
	engine.Use(middleware.RequestLogger())
	if srvs.Metrics != nil {
		engine.Use(middleware.CountInvocations(srvs.Metrics.InvocationCount))
	}

	engine.GET("/", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, "Convid - tunnel broker")
	})

	healthHandler := handler.NewHealthHandler()
	engine.GET("/health", healthHandler.Check)

	accountHandler := handler.NewAccountHandler(srvs.Accounts)
	engine.POST("/account", accountHandler.Create)
	engine.GET("/account", accountHandler.List)

	machineHandler := handler.NewMachineHandler(srvs.Registration, cfg.BaseDomain)
	engine.POST("/account/:accountId/machine", machineHandler.Register)
	engine.GET("/account/:accountId/machine/:machineId", machineHandler.GetOwned)
	engine.GET("/machine/:machineId", machineHandler.Resolve)
	engine.POST("/machine/:machineId/token", machineHandler.ExchangeToken)

	if srvs.Registry != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srvs.Registry, promhttp.HandlerOpts{})))
	}
}
