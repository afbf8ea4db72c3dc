package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"busattendance/internal/attendance"
	"busattendance/internal/auth"
	"busattendance/internal/cloudinary"
	"busattendance/internal/config"
	"busattendance/internal/handler"
	"busattendance/internal/httpmiddleware"
	"busattendance/internal/logger"
	"busattendance/internal/notify"
	"busattendance/internal/queue"
	"busattendance/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

func run(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		records  attendance.Store
		dir      attendance.Directory
		holidays attendance.HolidayProvider
		db       *store.DB
	)
	switch cfg.StoreBackend {
	case "memory":
		mem := attendance.NewMemoryStore()
		records, dir, holidays = mem, mem, mem
		log.Warn("using in-memory store; data is lost on restart")
	default:
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(ctx, db.Client); err != nil {
			return err
		}
		repo := attendance.NewRepository(db.Client)
		records, dir, holidays = repo, repo, repo
	}

	var rdb *store.Redis
	if cfg.QueueBackend == "redis" || cfg.CredentialBackend == "redis" {
		rdb = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// Nothing outside this process can read an in-memory queue, so drain it here.
		mq := queue.NewInMemory(64)
		var sink notify.Sink = notify.LogSink{Logger: log.Named("notifications")}
		if db != nil {
			sink = notify.NewPostgresSink(db.Client)
		}
		go func() {
			if err := notify.Consume(ctx, mq, sink, log.Named("notifications")); err != nil {
				log.Error("notification consumer stopped", zap.Error(err))
			}
		}()
		q = mq
	} else {
		q = queue.NewRedisQueue(rdb.Client, "")
	}

	var credentials auth.CredentialStore
	if cfg.CredentialBackend == "memory" {
		credentials = auth.NewMemoryCredentials()
	} else {
		credentials = auth.NewRedisCredentials(rdb.Client, "")
	}

	var photos *cloudinary.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		photos = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		log.Info("cloudinary not configured; /v1/upload disabled")
	}

	svc := attendance.NewService(records, dir, holidays, notify.NewQueueNotifier(q),
		attendance.WithLogger(log.Named("attendance")))
	issuer := auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)

	h := handler.New(svc, issuer, credentials, photos, log)
	if db != nil {
		h.AddHealthCheck("db", db.Healthy)
	}
	if rdb != nil {
		h.AddHealthCheck("redis", rdb.Healthy)
	}

	limiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, log.Named("ratelimit"))
	deviceLimiter := httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, log.Named("ratelimit"))
	h.LimitDevices(deviceLimiter.GinMiddleware(httpmiddleware.DeviceOrIP))

	r := gin.New()
	r.Use(logger.Recovery(log))
	r.Use(logger.GinMiddleware(log, "/healthz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(limiter.GinMiddleware(httpmiddleware.ClientIP))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	h.Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server forced shutdown", zap.Error(err))
	}
	log.Info("server exited")
	return nil
}
