package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ignite/mailtrack/internal/dispatch"
	"github.com/ignite/mailtrack/internal/instrument"
	"github.com/ignite/mailtrack/internal/metrics"
	"github.com/ignite/mailtrack/internal/pkg/distlock"
	"github.com/ignite/mailtrack/internal/pkg/logger"
	"github.com/ignite/mailtrack/internal/repository/postgres"
	"github.com/ignite/mailtrack/internal/sending"
)

func newDispatchCmd() *cobra.Command {
	var tenant, campaign, transport string
	var subscribers []string

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send a campaign to its active subscribers",
		Long: `dispatch loads the campaign and its active subscribers from PostgreSQL,
instruments every copy and sends it in batches. Ctrl-C stops after the
current batch. With REDIS_URL set the campaign lock lives in Redis, otherwise
in a PostgreSQL advisory lock.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == "" || campaign == "" {
				return errors.New("--tenant and --campaign are required")
			}
			if cfg.Database.URL == "" {
				return errors.New("DATABASE_URL is required")
			}
			codec, err := codecFromConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
			if err != nil {
				return err
			}
			defer db.Close()
			store := postgres.NewStore(db)

			c, err := store.Campaign(ctx, tenant, campaign)
			if err != nil {
				return fmt.Errorf("load campaign: %w", err)
			}
			recipients, err := store.ActiveSubscribers(ctx, tenant, subscribers...)
			if err != nil {
				return fmt.Errorf("load subscribers: %w", err)
			}

			tr, err := newTransport(ctx, transport)
			if err != nil {
				return err
			}

			var rdb redis.UniversalClient
			if cfg.Redis.URL != "" {
				opts, err := redis.ParseURL(cfg.Redis.URL)
				if err != nil {
					return fmt.Errorf("parse REDIS_URL: %w", err)
				}
				client := redis.NewClient(opts)
				defer client.Close()
				rdb = client
			}

			d := dispatch.New(
				instrument.NewEngine(codec, instrument.WithCacheSize(cfg.Tracking.TemplateCacheSize)),
				tr,
				dispatch.Config{BatchSize: cfg.Dispatch.BatchSize, BatchDelay: cfg.Dispatch.BatchDelay()},
				dispatch.WithLocks(distlock.NewFactory(rdb, db, cfg.Dispatch.LockTTL())),
				dispatch.WithMetrics(metrics.MustNew(nil)),
			)

			out := cmd.OutOrStdout()
			res, err := d.Run(ctx, dispatch.Job{
				Campaign:        *c,
				Recipients:      recipients,
				TrackingBaseURL: cfg.Tracking.BaseURL,
			}, func(sent, total int) {
				if sent%100 == 0 || sent == total {
					fmt.Fprintf(out, "\r%d/%d sent", sent, total)
				}
			})
			fmt.Fprintf(out, "\nsent=%d failed=%d\n", res.Sent, res.Failed)
			return err
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant ID")
	cmd.Flags().StringVar(&campaign, "campaign", "", "campaign ID")
	cmd.Flags().StringSliceVar(&subscribers, "subscribers", nil, "only these subscriber IDs")
	cmd.Flags().StringVar(&transport, "transport", "", "ses or log (default: ses when SES keys are configured)")
	return cmd
}

func newTransport(ctx context.Context, kind string) (sending.Transport, error) {
	if kind == "" {
		kind = "log"
		if cfg.SES.HasStaticCredentials() {
			kind = "ses"
		}
	}
	switch kind {
	case "log":
		logger.Info("using log transport; no mail will leave this machine")
		return sending.LogTransport{}, nil
	case "ses":
		return sending.NewSESTransport(ctx, sending.SESConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKey,
			SecretAccessKey:  cfg.SES.SecretKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
			Attempts:         uint(cfg.SES.Attempts),
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
