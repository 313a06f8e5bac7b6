package http

import (
	"github.com/gin-gonic/gin"
	"github.com/pledgeworks/donation-service/internal/config"
	"github.com/pledgeworks/donation-service/internal/repo"
	"github.com/pledgeworks/donation-service/internal/service"
	"go.uber.org/zap"
)

func NewRouter(pledges *service.PledgeService, ingest *service.IngestService, rep repo.RepositoryInterface, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, pledges, ingest, rep, log)
	return r
}
