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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/otcheredev/ris-dicom-trolley/internal/adapters"
	"github.com/otcheredev/ris-dicom-trolley/internal/cache"
	"github.com/otcheredev/ris-dicom-trolley/internal/config"
	"github.com/otcheredev/ris-dicom-trolley/internal/database"
	"github.com/otcheredev/ris-dicom-trolley/internal/events"
	"github.com/otcheredev/ris-dicom-trolley/internal/handlers"
	"github.com/otcheredev/ris-dicom-trolley/internal/metrics"
	"github.com/otcheredev/ris-dicom-trolley/internal/middleware"
	"github.com/otcheredev/ris-dicom-trolley/internal/repository"
	"github.com/otcheredev/ris-dicom-trolley/internal/services"
	"github.com/otcheredev/ris-dicom-trolley/internal/storage"
	"github.com/otcheredev/ris-dicom-trolley/internal/telemetry"
	"github.com/otcheredev/ris-dicom-trolley/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", telemetry.Version).Msg("Starting DICOM Trolley")

	ctx := context.Background()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracer(cfg.Tracing.ServiceName, os.Stdout)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer telemetry.Shutdown(context.Background(), tp)
	}

	// Connect to database
	dbConfig := database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		LogLevel: cfg.Database.LogLevel,
	}

	if err := database.Connect(dbConfig); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	checks := []handlers.Check{{Name: "database", Ping: database.Ping}}

	// Initialize cache
	var cacheImpl cache.Cache
	cacheTTL := cfg.Cache.TTL
	switch {
	case !cfg.Cache.Enabled:
		cacheTTL = 0
		log.Info().Msg("Query cache disabled")
	case cfg.Cache.Type == "redis":
		redisCache, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisCache.Close()
		cacheImpl = redisCache
		checks = append(checks, handlers.Check{Name: "redis", Ping: redisCache.Ping})
		log.Info().Msg("Redis cache initialized")
	default:
		memoryCache := cache.NewMemoryCache(cfg.Cache.CleanupInterval)
		defer memoryCache.Close()
		cacheImpl = memoryCache
		log.Info().Msg("Memory cache initialized")
	}

	sink, err := newStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	publisher := events.NewPublisher(cfg.NATS.URL)
	defer publisher.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.Default()
	}

	// Initialize repositories
	pacsRepo := repository.NewPACSRepository()
	auditRepo := repository.NewAuditRepository()

	// Initialize adapter factory
	adapterFactory := adapters.NewAdapterFactory(adapters.WithSpoolDir(cfg.Download.SpoolDir))
	defer adapterFactory.CloseAll()

	// Initialize services
	retrievalService := services.NewRetrievalService(pacsRepo, auditRepo, adapterFactory, cacheImpl, sink, services.Options{
		CacheTTL:  cacheTTL,
		Workers:   cfg.Download.Workers,
		Root:      cfg.Download.Root,
		Metrics:   m,
		Publisher: publisher,
	})

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(checks...)
	retrievalHandler := handlers.NewRetrievalHandler(retrievalService)
	managementHandler := handlers.NewManagementHandler(retrievalService)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery(m))
	r.Use(middleware.Logging(m))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints (no tenant required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.TenantID)

		// Search and retrieval
		r.With(chimiddleware.Compress(5)).Get("/studies", retrievalHandler.SearchStudies)
		r.Post("/downloads", retrievalHandler.Download)
		r.Get("/downloads/{id}", retrievalHandler.GetDownload)
		r.Delete("/cache", retrievalHandler.ClearCache)

		// PACS configuration
		r.Post("/pacs", managementHandler.CreatePACSConfig)
		r.Get("/pacs", managementHandler.GetPACSConfigs)
		r.Post("/pacs/test", managementHandler.TestConfig)
		r.Get("/pacs/{id}", managementHandler.GetPACSConfig)
		r.Delete("/pacs/{id}", managementHandler.DeletePACSConfig)
		r.Post("/pacs/{id}/test", managementHandler.TestConnection)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown; running downloads get the shutdown timeout to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case "flat":
		return storage.NewFlatDir(), nil
	case "s3":
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		s3, err := storage.NewS3(ctx, storage.S3Config{
			Endpoint:  cfg.Storage.S3Endpoint,
			Region:    cfg.Storage.S3Region,
			Bucket:    cfg.Storage.S3Bucket,
			AccessKey: cfg.Storage.S3AccessKey,
			SecretKey: cfg.Storage.S3SecretKey,
			SpoolDir:  cfg.Download.SpoolDir,
		})
		if err != nil {
			return nil, err
		}
		return s3, nil
	default:
		return storage.NewDir(), nil
	}
}
