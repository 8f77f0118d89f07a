// Package main runs the SFU RPC server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/sfu/config"
	"github.com/aura-webinar/sfu/internal/media"
	"github.com/aura-webinar/sfu/internal/middleware"
	"github.com/aura-webinar/sfu/internal/realtime"
	"github.com/aura-webinar/sfu/internal/recorder"
	"github.com/aura-webinar/sfu/internal/rpc"
	"github.com/aura-webinar/sfu/internal/sessions"
	"github.com/aura-webinar/sfu/internal/sfu"
	"github.com/aura-webinar/sfu/pkg/database"
	"github.com/aura-webinar/sfu/pkg/queue"
	"github.com/aura-webinar/sfu/pkg/redis"
	"github.com/aura-webinar/sfu/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	// Audit log is best-effort: the SFU serves media without Postgres.
	var audit sfu.SessionLog
	var recRepo *recorder.Repository
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Warn("audit log disabled", zap.Error(err))
	} else {
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		audit = sessions.NewLog(sessions.NewRepository(pool), logger)
		recRepo = recorder.NewRepository(pool)
	}

	// Redis carries room events across instances and the upload queue.
	var hub *realtime.Hub
	var jobs *queue.Queue
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Warn("redis unavailable, event fan-out is local only", zap.Error(err))
		hub = realtime.NewHub(logger, nil, nil)
	} else {
		defer rdb.Close()
		pubsub := realtime.NewRedisPubSub(rdb, logger)
		hub = realtime.NewHub(logger, pubsub, pubsub)
		jobs = queue.NewQueue(rdb, logger)
	}

	workers, err := media.NewPool(media.PoolConfig{
		ListenIP:    cfg.Media.ListenIP,
		AnnouncedIP: cfg.Media.AnnouncedIP,
		BasePort:    cfg.Media.BasePort,
		RTCBasePort: cfg.Media.RTCBasePort,
		RTCPortSpan: cfg.Media.RTCPortSpan,
		MaxWorkers:  cfg.Media.MaxWorkers,
	}, logger)
	if err != nil {
		logger.Fatal("media workers", zap.Error(err))
	}
	defer workers.Close()

	core := sfu.New(sfu.Config{
		AudioServiceHost:           cfg.Audio.Host,
		AudioServiceIngressPort:    cfg.Audio.IngressPort,
		SpeakerActiveThreshold:     time.Duration(cfg.Speaker.ActiveThresholdMs) * time.Millisecond,
		SpeakerInactivityThreshold: time.Duration(cfg.Speaker.InactivityThresholdMs) * time.Millisecond,
		SpeakerSweepInterval:       time.Duration(cfg.Speaker.SweepIntervalMs) * time.Millisecond,
	}, workers, logger, hub, audit)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go core.RunSpeakerSweeper(sweepCtx)

	recorderSvc := recorder.NewService(core, recRepo, jobs, cfg.Recording.OutputDir, logger)
	if cfg.AWS.Region == "" || cfg.AWS.RecordingsBucket == "" {
		logger.Info("recording uploads disabled (no S3 configuration)")
	} else if _, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		RecordingsBucket:     cfg.AWS.RecordingsBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger); err != nil {
		// Uploads run in cmd/worker; this probe only surfaces bad
		// credentials at startup instead of at the first upload.
		logger.Warn("s3 probe failed", zap.Error(err))
	}

	handler := rpc.NewHandler(core, recorderSvc, cfg.ICE.ICEServerURLs(), logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	handler.Routes(router)
	router.GET("/ws", realtime.ServeWs(hub, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("sfu server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	recorderSvc.StopAll(ctx)
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
