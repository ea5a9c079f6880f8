package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/mailtrack/internal/config"
	"github.com/ignite/mailtrack/internal/instrument"
	"github.com/ignite/mailtrack/internal/metrics"
	"github.com/ignite/mailtrack/internal/pkg/logger"
	"github.com/ignite/mailtrack/internal/pkg/netguard"
	"github.com/ignite/mailtrack/internal/repository/postgres"
	"github.com/ignite/mailtrack/internal/token"
	"github.com/ignite/mailtrack/internal/tracking"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("load config", "error", err.Error())
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))

	ctx := context.Background()
	var (
		sink    tracking.EventSink
		content tracking.ContentStore
	)

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
		if err != nil {
			logger.Error("database unavailable", "error", err.Error())
			os.Exit(1)
		}
		defer db.Close()
		store := postgres.NewStore(db)
		sink, content = store, store
	}

	// With a queue configured, events go through SQS and cmd/worker applies
	// them; the database, if any, only serves web versions.
	if cfg.SQS.TrackingQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SQS.Region))
		if err != nil {
			logger.Error("aws config", "error", err.Error())
			os.Exit(1)
		}
		sink = tracking.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.SQS.TrackingQueueURL)
	}
	if sink == nil {
		logger.Error("no event sink: set DATABASE_URL or SQS_TRACKING_QUEUE_URL")
		os.Exit(1)
	}

	codec := token.NewCodec(token.ResolveSecret(cfg.Tracking.Secret), token.WithTTL(cfg.Tracking.TokenTTL()))
	svc := tracking.NewService(tracking.Deps{
		Codec:   codec,
		Guard:   netguard.New(nil, cfg.Tracking.DNSTimeout()),
		Sink:    sink,
		Content: content,
		Engine:  instrument.NewEngine(codec, instrument.WithCacheSize(cfg.Tracking.TemplateCacheSize)),
		Metrics: metrics.MustNew(nil),
		BaseURL: cfg.Tracking.BaseURL,
	})
	handler := tracking.NewHandler(svc, tracking.WithAllowedOrigins(cfg.Server.AllowedOrigins...))

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("tracking service listening", "addr", srv.Addr, "base_url", cfg.Tracking.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down tracking service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "error", err.Error())
	}
}
