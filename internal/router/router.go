// internal/router/router.go
package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/versiondigest/internal/config"
	"github.com/javajoker/versiondigest/internal/handlers"
	"github.com/javajoker/versiondigest/internal/middleware"
	"github.com/javajoker/versiondigest/internal/services"
	"github.com/javajoker/versiondigest/internal/utils"
)

// Services bundles the service layer shared between the HTTP surface and
// the in-process scheduler.
type Services struct {
	Auth         *services.AuthService
	Users        *services.UserService
	Products     *services.ProductService
	Versions     *services.VersionService
	Subscription *services.SubscriptionService
	Digests      *services.DigestService
	Bounces      *services.BounceService
	Queue        *services.QueueService
	Dispatch     *services.DispatchService

	// Storage is nil when no archive bucket is configured.
	Storage *services.StorageService
}

func Initialize(db *gorm.DB, cfg *config.Config, svc *Services, logger logrus.FieldLogger) *gin.Engine {
	// Initialize handlers
	authHandler := handlers.NewAuthHandler(svc.Auth, svc.Users)
	userHandler := handlers.NewUserHandler(svc.Users, svc.Subscription, cfg.JWT.SecretKey)
	productHandler := handlers.NewProductHandler(svc.Products, svc.Versions)
	var archives handlers.ArchiveLinker
	if svc.Storage != nil {
		archives = svc.Storage
	}
	adminHandler := handlers.NewAdminHandler(svc.Queue, svc.Dispatch, svc.Digests, svc.Bounces, svc.Users, archives)
	triggerHandler := handlers.NewTriggerHandler(svc.Queue, svc.Dispatch, svc.Versions, svc.Bounces)

	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Accept-Language", middleware.SecretHeader},
		ExposeHeaders:    []string{"Content-Length", "X-Total-Count"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(middleware.I18nMiddleware())
	r.Use(middleware.GeneralLimiter(cfg.RateLimit).Middleware())
	r.Use(middleware.AuditLogMiddleware(db, logger))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// Authentication routes
		auth := v1.Group("/auth")
		auth.Use(middleware.LoginLimiter(cfg.RateLimit).Middleware())
		{
			auth.POST("/login", authHandler.Login)
			auth.GET("/me", middleware.AuthRequired(), authHandler.GetProfile)
		}

		// One-click unsubscribe from digest footers
		v1.GET("/unsubscribe", userHandler.Unsubscribe)

		// Public catalog
		products := v1.Group("/products")
		{
			products.GET("", productHandler.GetProducts)
			products.GET("/:id", productHandler.GetProduct)
			products.GET("/:id/versions", productHandler.ListVersions)
			products.GET("/:id/current-version", productHandler.CurrentVersion)
		}

		// Subscriber routes
		me := v1.Group("")
		me.Use(middleware.AuthRequired())
		{
			me.PUT("/me/preferences", userHandler.UpdatePreferences)
			me.GET("/subscriptions", userHandler.ListSubscriptions)
			me.POST("/subscriptions", userHandler.Track)
			me.DELETE("/subscriptions/:product_id", userHandler.Untrack)
		}

		// Machine triggers share one secret
		secret := middleware.SecretRequired(cfg.Cron.SecretHash)
		cron := v1.Group("/cron")
		cron.Use(secret)
		{
			cron.POST("/enqueue", triggerHandler.Enqueue)
			cron.POST("/dispatch", triggerHandler.Dispatch)
			cron.POST("/purge", triggerHandler.Purge)
		}
		v1.POST("/ingest/versions", secret, triggerHandler.IngestVersions)
		v1.POST("/webhooks/bounces", secret, triggerHandler.RecordBounce)

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthRequired(), middleware.AdminRequired())
		{
			admin.POST("/products", productHandler.CreateProduct)
			admin.DELETE("/products/:id", productHandler.DeleteProduct)
			admin.POST("/products/:id/versions", productHandler.RecordVersion)

			admin.POST("/versions/:id/verify", productHandler.VerifyVersion)
			admin.POST("/versions/:id/override", productHandler.SetOverride)
			admin.DELETE("/versions/:id/override", productHandler.ClearOverride)
			admin.DELETE("/versions/:id", productHandler.DeleteVersion)

			admin.POST("/users", adminHandler.CreateSubscriber)
			admin.GET("/users/:id/digest-preview", adminHandler.PreviewDigest)
			admin.POST("/users/:id/test-digest", adminHandler.SendTestDigest)
			admin.GET("/users/:id/bounces", adminHandler.GetBounces)

			admin.GET("/queue", adminHandler.ListQueue)
			admin.GET("/queue/summary", adminHandler.QueueSummary)
			admin.POST("/queue/requeue", adminHandler.RequeueFailed)
			admin.POST("/queue/dispatch", adminHandler.Dispatch)
			admin.POST("/queue/purge", adminHandler.Purge)
			admin.GET("/queue/:id", adminHandler.GetQueueItem)
			admin.POST("/queue/:id/cancel", adminHandler.CancelQueueItem)
		}
	}

	return r
}
