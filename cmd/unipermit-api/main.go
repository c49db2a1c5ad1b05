package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/unipermit/unipermit-api/api/swagger"
	"github.com/unipermit/unipermit-api/internal/handler"
	"github.com/unipermit/unipermit-api/internal/lifecycle"
	"github.com/unipermit/unipermit-api/internal/middleware"
	"github.com/unipermit/unipermit-api/internal/models"
	"github.com/unipermit/unipermit-api/internal/repository"
	"github.com/unipermit/unipermit-api/internal/service"
	"github.com/unipermit/unipermit-api/pkg/cache"
	"github.com/unipermit/unipermit-api/pkg/config"
	"github.com/unipermit/unipermit-api/pkg/database"
	"github.com/unipermit/unipermit-api/pkg/export"
	"github.com/unipermit/unipermit-api/pkg/jobs"
	"github.com/unipermit/unipermit-api/pkg/logger"
	corsmiddleware "github.com/unipermit/unipermit-api/pkg/middleware/cors"
	reqidmiddleware "github.com/unipermit/unipermit-api/pkg/middleware/requestid"
)

// @title UniPermit API
// @version 1.0.0
// @description Class permission requests: submission, letter verification, approval and attendance
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg.Env, cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			logr.Fatal("failed to run migrations", zap.Error(err))
		}
		if version, err := database.Version(ctx, db); err == nil {
			logr.Info("database migrated", zap.Int64("version", version))
		}
	}

	metrics := service.NewMetricsService()

	var cacheRepo *repository.CacheRepository
	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logr.Warn("redis unavailable, degraded reads disabled", zap.Error(err))
	}
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
		defer cacheRepo.Close() //nolint:errcheck
	}
	var cacheStore service.CacheRepository
	if cacheRepo != nil {
		cacheStore = cacheRepo
	}
	cacheService := service.NewCacheService(cacheStore, metrics, cfg.Permissions.CacheTTL, logr, cacheRepo != nil)

	var analyzer service.LetterAnalyzer
	if cfg.Verification.Enabled {
		gemini, err := service.NewGeminiAnalyzer(ctx, cfg.Verification.APIKey, cfg.Verification.Model)
		if err != nil {
			logr.Warn("letter verification falls back to manual review", zap.Error(err))
		} else {
			analyzer = gemini
		}
	}
	verifier := service.NewVerificationService(analyzer, metrics, logr, service.VerificationConfig{
		Enabled: cfg.Verification.Enabled,
		Timeout: cfg.Verification.Timeout,
	})

	validate := validator.New()
	location, err := cfg.Permissions.Location()
	if err != nil {
		logr.Fatal("failed to resolve timezone", zap.Error(err))
	}
	engine := lifecycle.New(cfg.Permissions.Expiry, location)
	logr.Info("lifecycle configured", zap.String("timezone", location.String()), zap.Duration("expiry", engine.Expiry()))

	userRepo := repository.NewUserRepository(db)
	permissionRepo := repository.NewPermissionRepository(db)

	authService := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
		AllowedDomain:     cfg.Auth.AllowedDomain,
		StaffMarker:       cfg.Auth.StaffMarker,
		StaffScope: models.Scope{
			Department: cfg.Auth.StaffDefaultDepartment,
			Year:       cfg.Auth.StaffDefaultYear,
			Section:    cfg.Auth.StaffDefaultSection,
		},
	})
	permissionService := service.NewPermissionService(permissionRepo, userRepo, verifier, cacheService, metrics, validate, engine, logr)
	exportService := service.NewExportService(permissionService, logr, export.NewCSVExporter(), export.NewPDFExporter())

	purger := service.NewExpiryPurger(permissionRepo, userRepo, cacheService, metrics, engine, logr, service.PurgeConfig{
		Interval: cfg.Permissions.PurgeInterval,
	})
	purgeQueue := jobs.NewQueue("expiry-purge", purger.Handle, jobs.QueueConfig{
		Workers:    1,
		BufferSize: 1,
		MaxRetries: 3,
		RetryDelay: 30 * time.Second,
		Logger:     logr,
	})
	purger.UseQueue(purgeQueue)
	purgeQueue.Start(ctx)
	defer purgeQueue.Stop()
	go purger.Run(ctx)

	authHandler := handler.NewAuthHandler(authService)
	permissionHandler := handler.NewPermissionHandler(permissionService, exportService)
	metricsHandler := handler.NewMetricsHandler(metrics, map[string]handler.ReadinessCheck{
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
		"cache": func(ctx context.Context) error {
			if cacheRepo == nil {
				return errors.New("disabled")
			}
			return cacheRepo.Ping(ctx)
		},
	})

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))
	r.Use(middleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)

	secured := api.Group("")
	secured.Use(middleware.JWT(authService))
	secured.GET("/auth/me", authHandler.Me)
	secured.GET("/metrics/summary", middleware.RequireRoles(models.RoleClassTeacher), metricsHandler.Summary)

	submitters := middleware.RequireRoles(models.RoleStudent, models.RoleCR)
	approvers := middleware.RequireRoles(models.RoleCR, models.RoleClassTeacher)
	staff := middleware.RequireRoles(models.RoleTeacher, models.RoleClassTeacher)

	permissions := secured.Group("/permissions")
	permissions.GET("", permissionHandler.List)
	permissions.POST("", submitters, permissionHandler.Submit)
	permissions.GET("/mine", submitters, permissionHandler.Mine)
	permissions.GET("/pending", approvers, permissionHandler.Pending)
	permissions.GET("/history", approvers, permissionHandler.History)
	permissions.GET("/today", middleware.RequireRoles(models.RoleCR), permissionHandler.Today)
	permissions.GET("/today/export", middleware.RequireRoles(models.RoleCR), permissionHandler.ExportToday)
	permissions.GET("/lookup", staff, permissionHandler.Lookup)
	permissions.GET("/lookup/export", staff, permissionHandler.ExportLookup)
	permissions.GET("/:id", permissionHandler.Get)
	permissions.PUT("/:id", submitters, permissionHandler.Update)
	permissions.POST("/:id/approve", approvers, permissionHandler.Approve)
	permissions.POST("/:id/reject", approvers, permissionHandler.Reject)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("failed to shutdown server", zap.Error(err))
		}
	}()

	logr.Sugar().Infow("server starting", "addr", server.Addr, "env", cfg.Env)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
