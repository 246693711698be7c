// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/database"
	"github.com/javajoker/versiondigest/internal/i18n"
	"github.com/javajoker/versiondigest/internal/logging"
	"github.com/javajoker/versiondigest/internal/mailer"
	"github.com/javajoker/versiondigest/internal/metrics"
	"github.com/javajoker/versiondigest/internal/router"
	"github.com/javajoker/versiondigest/internal/scheduler"
	"github.com/javajoker/versiondigest/internal/services"
	"github.com/javajoker/versiondigest/internal/templates"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger := logging.Setup(cfg.Log)
	metrics.Init()

	// Initialize i18n
	if err := i18n.Initialize(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize i18n")
	}

	// Initialize database
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer database.Close(db)

	// Run database migrations
	if err := database.RunMigrations(db); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}
	if err := database.SeedInitialData(db, cfg.Admin.Email, cfg.Admin.Password); err != nil {
		logger.WithError(err).Fatal("Failed to seed initial data")
	}

	svc, err := buildServices(db, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize services")
	}

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(svc.Queue, svc.Dispatch, cfg, logger)
		if err := sched.Register(); err != nil {
			logger.WithError(err).Fatal("Failed to register scheduled jobs")
		}
		sched.Start()

		if cfg.Database.IsPostgres() && cfg.Scheduler.ListenChannel != "" {
			notifications, err := scheduler.ListenPostgres(ctx, cfg.Database.DSN(), cfg.Scheduler.ListenChannel, logger)
			if err != nil {
				logger.WithError(err).Warn("Queue notifications disabled")
			} else {
				sched.Listen(notifications)
			}
		}
	}

	// Initialize router
	r := router.Initialize(db, cfg, svc, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.WithField("addr", srv.Addr).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info("Shutting down server...")

	if sched != nil {
		sched.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}

	logger.Info("Server exited")
}

func buildServices(db *gorm.DB, cfg *config.Config, logger *logrus.Logger) (*router.Services, error) {
	transport, err := mailer.New(cfg.Email, logger)
	if err != nil {
		return nil, fmt.Errorf("mailer: %w", err)
	}
	renderer, err := templates.NewRenderer(cfg.Digest.ProductName, "en")
	if err != nil {
		return nil, fmt.Errorf("templates: %w", err)
	}

	storage, err := services.NewStorageService(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	var archiver services.Archiver
	if storage != nil {
		archiver = storage
	}

	versions := services.NewVersionService(db, cfg, logger)
	bounces := services.NewBounceService(db, cfg, logger)
	digests := services.NewDigestService(db, versions, cfg, logger)

	return &router.Services{
		Auth:         services.NewAuthService(db, cfg),
		Users:        services.NewUserService(db, cfg),
		Products:     services.NewProductService(db, cfg, logger),
		Versions:     versions,
		Subscription: services.NewSubscriptionService(db, cfg, logger),
		Digests:      digests,
		Bounces:      bounces,
		Queue:        services.NewQueueService(db, bounces, digests, archiver, cfg, logger),
		Dispatch:     services.NewDispatchService(db, renderer, transport, cfg, logger),
		Storage:      storage,
	}, nil
}
