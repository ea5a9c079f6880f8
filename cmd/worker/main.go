package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/mailtrack/internal/config"
	"github.com/ignite/mailtrack/internal/pkg/logger"
	"github.com/ignite/mailtrack/internal/repository/postgres"
	"github.com/ignite/mailtrack/internal/tracking"
)

// The worker drains the tracking queue into PostgreSQL.
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("load config", "error", err.Error())
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	if cfg.Database.URL == "" || cfg.SQS.TrackingQueueURL == "" {
		logger.Error("DATABASE_URL and SQS_TRACKING_QUEUE_URL are required")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		logger.Error("database unavailable", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQS.Region))
	if err != nil {
		logger.Error("aws config", "error", err.Error())
		os.Exit(1)
	}

	consumer := tracking.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.SQS.TrackingQueueURL, postgres.NewStore(db))
	consumer.Start(ctx)

	<-ctx.Done()
	logger.Info("shutting down worker")
	consumer.Stop()
	logger.Info("worker stopped")
}
