// xdplb-history runs the standalone NATS→ClickHouse mirrored-state
// consumer, aggregating cluster state published by one or more xdplb
// deployments' internal/cluster/stateexport.Mirror into a shared
// ClickHouse table for fleet-wide post-hoc analysis.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/historyconsumer"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("xdplb-history starting")

	cfg := historyconsumer.DefaultConfig()
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATSURL = url
	}
	if dsn := os.Getenv("CLICKHOUSE_DSN"); dsn != "" {
		cfg.ClickHouseDSN = dsn
	}

	consumer, err := historyconsumer.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to clickhouse", zap.Error(err))
	}
	defer consumer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("history consumer error", zap.Error(err))
	}

	logger.Info("xdplb-history stopped")
}
