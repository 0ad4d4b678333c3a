package app

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/yungbote/dialectic-backend/internal/http"
	httpH "github.com/yungbote/dialectic-backend/internal/http/handlers"
	httpMW "github.com/yungbote/dialectic-backend/internal/http/middleware"
	"github.com/yungbote/dialectic-backend/internal/observability"
	"github.com/yungbote/dialectic-backend/internal/pkg/logger"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Health    *httpH.HealthHandler
	Metrics   *httpH.MetricsHandler
	Dialectic *httpH.DialecticHandler
}

func wireHandlers(log *logger.Logger, db *gorm.DB, services Services, metrics *observability.Metrics) Handlers {
	log.Info("Wiring handlers...")
	var pinger httpH.Pinger
	if sqlDB, err := db.DB(); err == nil {
		pinger = sqlDB
	}
	return Handlers{
		Health:    httpH.NewHealthHandler(pinger),
		Metrics:   httpH.NewMetricsHandler(metrics),
		Dialectic: httpH.NewDialecticHandler(log, services.Dialectic),
	}
}

func wireMiddleware(log *logger.Logger, services Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, services.Auth),
	}
}

func wireRouter(log *logger.Logger, cfg Config, handlers Handlers, middleware Middleware, metrics *observability.Metrics) *gin.Engine {
	var serviceName string
	if cfg.Otel.Enabled {
		serviceName = cfg.Otel.ServiceName
	}
	return http.NewRouter(http.RouterConfig{
		Log:              log,
		ServiceName:      serviceName,
		AllowedOrigins:   cfg.AllowedOrigins,
		Metrics:          metrics,
		AuthMiddleware:   middleware.Auth,
		DialecticHandler: handlers.Dialectic,
		HealthHandler:    handlers.Health,
		MetricsHandler:   handlers.Metrics,
	})
}
