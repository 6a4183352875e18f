package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fairdatahub/download-api/internal/handler"
	"github.com/fairdatahub/download-api/internal/middleware"
	"github.com/fairdatahub/download-api/internal/repository"
	"github.com/fairdatahub/download-api/internal/service"
	"github.com/fairdatahub/download-api/pkg/cache"
	"github.com/fairdatahub/download-api/pkg/config"
	"github.com/fairdatahub/download-api/pkg/database"
	"github.com/fairdatahub/download-api/pkg/logger"
	"github.com/fairdatahub/download-api/pkg/mail"
	corsmiddleware "github.com/fairdatahub/download-api/pkg/middleware/cors"
	reqidmiddleware "github.com/fairdatahub/download-api/pkg/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, continuing without cache", "error", err)
		redisClient = nil
	}

	downloadRepo := repository.NewDownloadRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metrics := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metrics, 0, logr, redisClient != nil)
	clients := service.NewRESTClientFactory(cfg.Facilities, cfg.GetURLLimit, 0, logr)
	priority := service.NewPriorityService(cfg.Priority, logr)
	transport := service.NewTransportService(cfg.Transports, logr)
	mailer := mail.New(cfg.Mail, logr)

	scheduler := service.NewSchedulerService(downloadRepo, clients, priority, mailer, metrics,
		cfg.Facilities, cfg.Poll, cfg.Queue, logr)
	builder := service.NewBuilderService(clients, priority, transport, cacheSvc, mailer,
		cfg.Queue, cfg.Facilities, logr)
	downloads := service.NewDownloadService(downloadRepo, scheduler, logr)

	downloadHandler := handler.NewDownloadHandler(builder, downloads)
	adminHandler := handler.NewAdminHandler(downloads)
	metricsHandler := handler.NewMetricsHandler(metrics)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	api := r.Group(cfg.APIPrefix)
	{
		user := api.Group("/user")
		user.POST("/queue/visit", downloadHandler.QueueVisit)
		user.POST("/queue/files", downloadHandler.QueueFiles)
		user.POST("/queue/data-collection", downloadHandler.QueueDataCollection)
		user.GET("/queue/allowed", downloadHandler.QueueAllowed)
		user.GET("/downloads", downloadHandler.List)
		user.GET("/downloads/:id", downloadHandler.Get)
		user.DELETE("/downloads/:id", downloadHandler.Delete)
		user.PUT("/downloads/:id/email", downloadHandler.SetEmail)

		admin := api.Group("/admin")
		admin.GET("/downloads", adminHandler.List)
		admin.PUT("/downloads/:id/status", adminHandler.SetStatus)
		admin.PUT("/downloads/:id/restore", adminHandler.Restore)
		admin.POST("/downloads/:id/prepare", adminHandler.Reprepare)
		admin.GET("/metrics", metricsHandler.Snapshot)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown", "error", err)
	}
}
