package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"storebot.com/internal/app"
	"storebot.com/pkg/config"
	"storebot.com/pkg/logger"
	"storebot.com/pkg/orm"
	"storebot.com/pkg/trace"
	"storebot.com/pkg/xredis"
)

const serviceName = "reconciler"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg app.Config
	if _, err := config.LoadAndWatch(serviceName, &cfg, config.WithDefaults(app.Defaults())); err != nil {
		log.Fatalf("load config: %v", err)
	}
	name := cfg.Name
	if name == "" {
		name = serviceName
	}
	logger.InitWithFile(name, cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	traceShutdown, err := trace.InitTrace(ctx, name, cfg.Trace)
	if err != nil {
		logger.Fatal(ctx, "init tracer", zap.Error(err))
	}

	db, err := orm.Open(&cfg.DB)
	if err != nil {
		logger.Fatal(ctx, "open database", zap.Error(err))
	}
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		if rdb, err = xredis.NewRedis(ctx, &cfg.Redis); err != nil {
			logger.Fatal(ctx, "connect redis", zap.Error(err))
		}
	}

	a, err := app.New(ctx, &cfg, db, rdb)
	if err != nil {
		logger.Fatal(ctx, "init app", zap.Error(err))
	}
	if err := a.Start(ctx); err != nil {
		logger.Fatal(ctx, "start app", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	// unfinished polls resume on the next sweep
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "shutdown", zap.Error(err))
	}
	if err := traceShutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "trace shutdown", zap.Error(err))
	}
	logger.Info(shutdownCtx, "reconciler exit")
}
