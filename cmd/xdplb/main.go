// xdplb is the data-plane agent: it loads and attaches the XDP/TC kernel
// programs for every configured proxy, runs health checking, circuit
// breaking, conntrack sweeping, cluster gossip, and every configured
// exporter, and embeds the control API on the agent's control_api_addr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sureshkrishnan-v/xdplb/internal/cache"
	"github.com/sureshkrishnan-v/xdplb/internal/config"
	"github.com/sureshkrishnan-v/xdplb/internal/constants"
	"github.com/sureshkrishnan-v/xdplb/internal/controlapi"
	"github.com/sureshkrishnan-v/xdplb/internal/coordinator"
)

func main() {
	logConfig := zap.NewProductionConfig()
	logConfig.EncoderConfig.TimeKey = "ts"
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := logConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("xdplb starting", zap.String("version", constants.Version))

	configPath := constants.DefaultConfigPath
	if p := os.Getenv("XDPLB_CONFIG"); p != "" {
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord := coordinator.New(cfg, logger)

	// A second, independent Redis client dedicated to the control API's
	// websocket bridge — the coordinator opens its own connection for the
	// same endpoint, since the two have different lifecycles.
	var redisClient *cache.Redis
	if cfg.Exporters.Redis.Enabled {
		redisCfg := cache.DefaultRedisConfig()
		redisCfg.Addr = cfg.Exporters.Redis.Addr
		redisClient, err = cache.NewRedis(redisCfg, logger)
		if err != nil {
			logger.Warn("control API redis unavailable — running without websocket stream", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var api *controlapi.Server
	if cfg.Agent.ControlAPIAddr != "" {
		api = controlapi.NewServer(cfg.Agent.ControlAPIAddr, coord, redisClient, logger)
		go func() {
			if err := api.Start(); err != nil {
				logger.Error("control API exited with error", zap.Error(err))
				cancel()
			}
		}()
	}

	logger.Info("xdplb running",
		zap.Int("proxies", len(cfg.Proxies)),
		zap.String("control_api_addr", cfg.Agent.ControlAPIAddr))

	if err := coord.Run(ctx); err != nil {
		logger.Error("coordinator exited with error", zap.Error(err))
	}

	if api != nil {
		if err := api.Stop(); err != nil {
			logger.Warn("control API shutdown failed", zap.Error(err))
		}
	}

	logger.Info("xdplb stopped")
}
