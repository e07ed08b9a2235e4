package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pokt-network/tcpvs/internal/config"
	"github.com/pokt-network/tcpvs/internal/logger"
	"github.com/pokt-network/tcpvs/internal/metrics"
	"github.com/pokt-network/tcpvs/internal/tcpvs"
)

const (
	defaultConfigPath = "examples/tcpvs.yaml"
	defaultAdminPort  = 9090

	reloadDebounce  = 100 * time.Millisecond
	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := logger.Init(config.EnvStr("LOG_LEVEL", "info"), config.EnvStr("LOG_FORMAT", "json")); err != nil {
		panic(err)
	}
	defer logger.Sync()
	logger.L.Info("starting tcpvs content-aware load balancer")

	// Get configuration from the environment
	configPath := config.EnvStr("CONFIG_PATH", defaultConfigPath)
	adminPort := config.EnvInt("ADMIN_PORT", defaultAdminPort)

	cfg, err := config.Load(configPath, tcpvs.HasScheduler)
	if err != nil {
		logger.L.Fatal("failed to load initial config", zap.String("path", configPath), zap.Error(err))
	}
	metrics.RulesLastLoadTimestamp.SetToCurrentTime()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := tcpvs.NewServer(cfg)
	if err := server.Start(ctx, cfg); err != nil {
		logger.L.Error("some services failed to start", zap.Error(err))
	}
	if !server.Ready() {
		logger.L.Fatal("no service could be started")
	}

	// Start the config file watcher with auto-restart
	watcher := &config.Watcher{
		Path:     configPath,
		Debounce: reloadDebounce,
		OnChange: func() { reload(server, configPath) },
	}
	watcher.StartWithRestart(ctx)

	admin := &http.Server{
		Addr:              ":" + strconv.Itoa(adminPort),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.L.Info("admin server listening", zap.String("addr", admin.Addr))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L.Fatal("admin server error", zap.Error(err))
		}
	}()

	// Wait for a shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.L.Info("received signal, shutting down gracefully", zap.String("signal", sig.String()))

	// Cancel context to stop watchers and idle client loops
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("admin server shutdown error", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("server shutdown error", zap.Error(err))
	}
	logger.L.Info("server stopped")
}

// reload re-reads the config file and applies its services and rules.
// Global timeouts and sizes only take effect on restart.
func reload(server *tcpvs.Server, path string) {
	metrics.ConfigReloadTotal.Inc()
	cfg, err := config.Load(path, tcpvs.HasScheduler)
	if err != nil {
		metrics.ConfigReloadErrorsTotal.Inc()
		logger.L.Error("failed to reload config", zap.String("path", path), zap.Error(err))
		return
	}
	if err := server.Apply(cfg); err != nil {
		metrics.ConfigReloadErrorsTotal.Inc()
		logger.L.Error("config applied with errors", zap.Error(err))
	}
	metrics.RulesLastLoadTimestamp.SetToCurrentTime()
	logger.L.Info("config reloaded", zap.Int("services", len(cfg.Services)))
}
