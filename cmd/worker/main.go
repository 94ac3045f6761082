package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/litminer/backend/internal/config"
	"github.com/litminer/backend/internal/core/services"
	"github.com/litminer/backend/internal/infrastructure/broker"
	"github.com/litminer/backend/internal/infrastructure/db"
	"github.com/litminer/backend/internal/infrastructure/logger"
	"github.com/litminer/backend/internal/infrastructure/queue"
	"github.com/litminer/backend/internal/worker"
)

func main() {
	configPath := "config/config.yaml"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = "../config/config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	database, err := db.NewPostgresConnection(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Info("database connection established")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	bus := broker.New(cfg.Redis, cfg.Events, log)
	if err := bus.Connect(ctx); err != nil {
		log.Warnf("event bus unavailable at startup: %v", err)
	}

	taskQueue := queue.New(cfg.Redis, cfg.Events, log)
	taskRepo := db.NewTaskRepository(database, log)
	runner := worker.NewRunner(bus, taskRepo, cfg.Worker, log)

	registry := worker.NewRegistry()
	generator := services.NewDatasetGenerator(nil, log)
	registry.Register(services.GenerateDatasetTask, generator.Handler())

	pool := worker.NewPool(taskQueue, registry, runner, cfg.Worker.Concurrency, log)
	pool.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	stop()
	pool.Stop()
	bus.Close()
	taskQueue.Close()
	if err := db.Close(database); err != nil {
		log.Errorf("failed to close database connection: %v", err)
	}
	log.Info("worker exited gracefully")
}
