package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ngenohkevin/unitbus/config"
	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/logger"
	"github.com/ngenohkevin/unitbus/internal/server"
	"github.com/ngenohkevin/unitbus/internal/systemd"
	"github.com/ngenohkevin/unitbus/internal/tasks"
)

// connectTimeout bounds the start-up retries against the system bus.
const connectTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Initialize(cfg.LogLevel, logger.ParseFormat(cfg.LogFormat))
	defer logger.Sync() //nolint:errcheck
	logr := logger.For("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, cfg)
	if err != nil {
		logr.Errorw("failed to connect to systemd", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	srv := server.New(cfg, client, tasks.NewRunner(client, cfg.Tasks))
	if err := srv.Run(ctx); err != nil {
		logr.Errorw("server error", "error", err)
		os.Exit(1)
	}
}

// connect dials the system bus, retrying while dbus is still coming up.
// Configuration errors are not retried.
func connect(ctx context.Context, cfg *config.Config) (*systemd.Client, error) {
	logr := logger.For("main")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = connectTimeout

	var client *systemd.Client
	op := func() error {
		c, err := systemd.Connect(ctx, cfg.ClientOptions())
		if err != nil {
			if apperrors.IsKind(err, apperrors.KindInvalidInput) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logr.Warnw("system bus not ready, retrying", "error", err, "retry_in", next)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return client, nil
}
