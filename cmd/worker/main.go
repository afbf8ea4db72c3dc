package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"busattendance/internal/attendance"
	"busattendance/internal/config"
	"busattendance/internal/logger"
	"busattendance/internal/monitor"
	"busattendance/internal/notify"
	"busattendance/internal/queue"
	"busattendance/internal/store"
)

// Worker runs the attendance monitor and drains the notification queue.
func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		records attendance.Store
		dir     attendance.Directory
		sink    notify.Sink = notify.LogSink{Logger: log.Named("notifications")}
	)
	if cfg.StoreBackend == "memory" {
		mem := attendance.NewMemoryStore()
		records, dir = mem, mem
		log.Warn("using in-memory store; the monitor will see no students")
	} else {
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("db connect failed", zap.Error(err))
		}
		defer db.Close()
		if err := store.Migrate(ctx, db.Client); err != nil {
			log.Fatal("db migrate failed", zap.Error(err))
		}
		repo := attendance.NewRepository(db.Client)
		records, dir = repo, repo
		sink = notify.NewPostgresSink(db.Client)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
		log.Warn("in-memory queue is drained by the api process; this consumer stays idle")
	} else {
		rdb := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		if !rdb.Healthy(ctx) {
			log.Warn("redis not reachable; notifications will retry", zap.String("addr", cfg.RedisAddr))
		}
		q = queue.NewRedisQueue(rdb.Client, "")
	}

	mon := monitor.New(records, dir, monitor.Config{
		Threshold:    cfg.RedThreshold,
		PollInterval: cfg.MonitorInterval,
		Concurrency:  cfg.MonitorConcurrency,
	}, log)
	if err := mon.Start(ctx); err != nil {
		log.Fatal("monitor start failed", zap.Error(err))
	}

	log.Info("worker started",
		zap.Duration("threshold", cfg.RedThreshold),
		zap.Duration("poll_interval", cfg.MonitorInterval),
	)
	if err := notify.Consume(ctx, q, sink, log.Named("notifications")); err != nil {
		log.Error("notification consumer stopped", zap.Error(err))
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.MonitorInterval+10*time.Second)
	defer cancel()
	if err := mon.Stop(stopCtx); err != nil {
		log.Warn("monitor did not stop cleanly", zap.Error(err))
	}
	log.Info("worker stopped")
}
