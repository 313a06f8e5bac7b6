package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pledgeworks/donation-service/internal/config"
	"github.com/pledgeworks/donation-service/internal/logger"
	"github.com/pledgeworks/donation-service/internal/outbox"
	"github.com/pledgeworks/donation-service/internal/repo"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	repository := repo.NewRepository(gdb, nil, log)
	dispatcher := outbox.NewDispatcher(repository, cfg.Dispatcher, nil, nil, log)
	if !dispatcher.Enabled() {
		log.Warn("EVENT_DISPATCH_URL not set, nothing to do")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	dispatcher.Run(ctx)
}
