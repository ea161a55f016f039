// Command worker consumes search jobs from NATS, runs them through the
// orchestrator and applies editor decisions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WessleyAI/shopsearch/engine/app"
	"github.com/WessleyAI/shopsearch/engine/approval"
	"github.com/WessleyAI/shopsearch/engine/lifecycle"
	"github.com/WessleyAI/shopsearch/engine/orchestrator"
	"github.com/nats-io/nats.go"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := app.LoadConfig()
	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg app.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("shopsearch-worker"), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	channel := approval.Multi{approval.NewNATS(nc, logger), approval.NewLog(logger)}
	engine, err := app.Build(ctx, cfg, st, channel, logger)
	if err != nil {
		st.Close()
		return err
	}
	defer engine.Close()

	consumer, err := orchestrator.StartConsumer(nc, engine.Orchestrator, orchestrator.ConsumerOptions{
		Workers: cfg.Workers,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	svc := lifecycle.New(st, orchestrator.NewQueue(nc), lifecycle.Options{CredentialID: cfg.CredentialID, Logger: logger})
	decisions, err := approval.SubscribeDecisions(nc, svc, logger)
	if err != nil {
		consumer.Stop()
		return fmt.Errorf("subscribe decisions: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- engine.Metrics.Serve(ctx, cfg.MetricsAddr, logger) }()
	logger.Info("worker started", "workers", cfg.Workers, "store", cfg.Store, "catalog", engine.Catalog != nil)

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	return errors.Join(err, decisions.Drain(), consumer.Stop())
}
