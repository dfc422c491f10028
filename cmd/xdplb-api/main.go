// xdplb-api runs the control-plane HTTP/WebSocket API as a standalone
// process, pointed at a remote coordinator's config so it can manage the
// same proxies without loading kernel programs itself.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sureshkrishnan-v/xdplb/internal/cache"
	"github.com/sureshkrishnan-v/xdplb/internal/config"
	"github.com/sureshkrishnan-v/xdplb/internal/constants"
	"github.com/sureshkrishnan-v/xdplb/internal/controlapi"
	"github.com/sureshkrishnan-v/xdplb/internal/coordinator"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("xdplb-api starting")

	configPath := constants.DefaultConfigPath
	if p := os.Getenv("XDPLB_CONFIG"); p != "" {
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// This process never attaches kernel programs: it forces every proxy
	// out of the config so coordinator.Run skips bpfprog.NewKernelLoader
	// and initProxy entirely, leaving only health/breaker/cluster/exporter
	// state for the API to query and mutate remotely.
	cfg.Proxies = nil

	rCfg := cache.DefaultRedisConfig()
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rCfg.Addr = addr
	} else if cfg.Exporters.Redis.Addr != "" {
		rCfg.Addr = cfg.Exporters.Redis.Addr
	}
	redis, err := cache.NewRedis(rCfg, logger)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer redis.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord := coordinator.New(cfg, logger)
	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("coordinator exited with error", zap.Error(err))
		}
	}()

	addr := cfg.Agent.ControlAPIAddr
	if a := os.Getenv("XDPLB_CONTROL_ADDR"); a != "" {
		addr = a
	}
	if addr == "" {
		addr = constants.APIDefaultAddr
	}

	srv := controlapi.NewServer(addr, coord, redis, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("control API server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down control API")
	if err := srv.Stop(); err != nil {
		logger.Warn("control API shutdown failed", zap.Error(err))
	}
}
