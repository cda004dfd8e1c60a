package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/floatloan/pkg/cache"
	"github.com/mcclellann/floatloan/pkg/config"
	"github.com/mcclellann/floatloan/pkg/store"
	"go.uber.org/zap"
)

// newSummaryCache prefers Redis and falls back to process memory when it is
// not configured or not reachable at startup.
func newSummaryCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (cache.SummaryCache, func()) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory summary cache", zap.String("op", "main.newSummaryCache"))
		return cache.NewMemorySummaryCache(cfg.CacheTTL), func() {}
	}

	redisCache := cache.NewRedisSummaryCache(cfg.RedisAddr, cfg.CacheTTL)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := redisCache.Ping(pingCtx); err != nil {
		logger.Warn("redis unreachable, using in-memory summary cache",
			zap.String("op", "main.newSummaryCache"),
			zap.String("redis_addr", cfg.RedisAddr),
			zap.Error(err),
		)
		redisCache.Close()
		return cache.NewMemorySummaryCache(cfg.CacheTTL), func() {}
	}

	logger.Info("using redis summary cache", zap.String("op", "main.newSummaryCache"), zap.String("redis_addr", cfg.RedisAddr))
	return redisCache, func() { redisCache.Close() }
}

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqliteStore, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("failed to initialize SQLite store", zap.String("op", "main"), zap.Error(err))
	}

	summaryCache, closeCache := newSummaryCache(ctx, cfg, logger)
	defer closeCache()

	server := NewServer(sqliteStore, summaryCache, logger)
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error("failed to close storage", zap.String("op", "main"), zap.Error(err))
		}
	}()
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", zap.String("op", "main"), zap.Error(err))
		}
	}()

	logger.Info("server starting", zap.String("op", "main"), zap.String("addr", cfg.HTTPAddr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", zap.String("op", "main"), zap.Error(err))
	}
}
