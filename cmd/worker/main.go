package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/kinfetch/internal/config"
	"github.com/OFFIS-RIT/kinfetch/internal/migrate"
	"github.com/OFFIS-RIT/kinfetch/internal/queue"
	"github.com/OFFIS-RIT/kinfetch/internal/runs"
	"github.com/OFFIS-RIT/kinfetch/internal/storage"
	"github.com/OFFIS-RIT/kinfetch/pkg/graph"
	"github.com/OFFIS-RIT/kinfetch/pkg/leaselock"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger"
	"github.com/OFFIS-RIT/kinfetch/pkg/logger/console"
	"github.com/OFFIS-RIT/kinfetch/pkg/remote/familysearch"

	"github.com/jackc/pgx/v5/pgxpool"
)

const staleRunAfter = 6 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{}))
		logger.Fatal("Failed to load config", "err", err)
	}
	logger.Init(console.NewConsoleLogger(cfg.Log.ConsoleParams("worker")))
	if err := cfg.ValidateWorker(); err != nil {
		logger.Fatal("Invalid config", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(cfg.Database.URL); err != nil {
		logger.Fatal("Failed to migrate database", "err", err)
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pool.Close()

	objects, err := storage.NewS3Store(ctx, cfg.S3)
	if err != nil {
		logger.Fatal("Failed to create s3 client", "err", err)
	}

	session, err := familysearch.NewClient(cfg.FamilySearch.ClientParams())
	if err != nil {
		logger.Fatal("Failed to create FamilySearch client", "err", err)
	}
	graphClient, err := graph.NewGraphClient(cfg.Acquisition.GraphParams())
	if err != nil {
		logger.Fatal("Failed to create graph client", "err", err)
	}

	conn, err := queue.Init(cfg.RabbitMQ)
	if err != nil {
		logger.Fatal("Failed to connect to queue", "err", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, queue.Queues); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}
	publisher := queue.NewPublisher(ch)

	runStore := runs.New(pool)
	if err := queue.RecoverStaleRuns(ctx, runStore, publisher, staleRunAfter); err != nil {
		logger.Error("Failed to recover stale runs", "err", err)
	}

	proc := queue.NewProcessor(queue.NewProcessorParams{
		Runs:     runStore,
		Objects:  objects,
		Leases:   leaselock.New(pool),
		Events:   publisher,
		Graph:    graphClient,
		Session:  session,
		Account:  cfg.FamilySearch.Username,
		LeaseTTL: cfg.FamilySearch.LeaseTTL,
	})

	err = queue.Consume(ctx, conn, map[string]queue.Handler{
		queue.AcquireQueue: proc.ProcessAcquireMessage,
		queue.MergeQueue:   proc.ProcessMergeMessage,
	})
	if err != nil {
		logger.Fatal("Consumer stopped", "err", err)
	}
	logger.Info("Shutdown signal received, exiting...")
}
