package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pledgeworks/donation-service/internal/config"
	"github.com/pledgeworks/donation-service/internal/logger"
	"github.com/pledgeworks/donation-service/internal/model"
	"github.com/pledgeworks/donation-service/internal/repo"
	"github.com/pledgeworks/donation-service/internal/service"
	httptransport "github.com/pledgeworks/donation-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	_ = godotenv.Load()
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Campaign{}, &model.CampaignRollup{}, &model.DonationHistory{},
		&model.Pledge{}, &model.Payment{},
		&model.OutboxEvent{}, &model.IngestedEvent{}, &model.IdempotencyRecord{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. repo & services
	repository := repo.NewRepository(gdb, rdb, log)
	pledges := service.NewPledgeService(repository, service.NoopGateway{}, log)
	ingest := service.NewIngestService(repository, log)

	// 6. gin router
	router := httptransport.NewRouter(pledges, ingest, repository, cfg.RateLimit, log)

	// 7. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("donation-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
