package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pcollings/chunkrelay/cmd/upload-gateway/middleware"
	"github.com/pcollings/chunkrelay/internal/admission"
	"github.com/pcollings/chunkrelay/internal/chunking"
	"github.com/pcollings/chunkrelay/internal/common"
	"github.com/pcollings/chunkrelay/internal/relay"
	"github.com/pcollings/chunkrelay/internal/storage"
	"github.com/pcollings/chunkrelay/pkg/config"
)

func main() {
	cfg := config.LoadFromEnv()

	setupLogging(cfg.Logging)

	log.Info().Msg("starting chunkrelay upload gateway")

	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	cache, err := common.NewCache(&cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer cache.Close()

	storageFactory := storage.NewStorageFactory(&cfg.Storage)
	blobStorage, err := storageFactory.CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	// Services are explicitly constructed and wired; nothing here is a
	// package-level singleton.
	chunkingService := chunking.NewService(db, blobStorage, cache, &cfg.Upload)
	admissionManager := admission.NewManager(&cfg.Upload)
	progressRelay := relay.NewProgressRelay(admissionManager)
	chunkingService.Subscribe(progressRelay)

	sweeper := chunking.NewSweeper(chunkingService, cfg.Upload.SweepInterval, cfg.Upload.InactivityWindow)
	sweeper.Start()
	defer sweeper.Stop()

	router := setupRouter(cfg, cache, chunkingService, admissionManager)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	} else {
		log.Info().Msg("server shutdown complete")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func setupRouter(cfg *config.Config, cache *common.Cache, svc *chunking.Service, manager *admission.Manager) *gin.Engine {
	if zerolog.GlobalLevel() == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "chunkrelay-upload-gateway",
			"time":    time.Now().UTC(),
		})
	})

	api := router.Group("/api/v1")
	{
		uploads := api.Group("/uploads")
		uploads.Use(middleware.AuthMiddleware(&cfg.Auth, cache))
		{
			uploads.POST("", handleStartUpload(svc))
			uploads.GET("/history", handleUploadHistory(svc))
			uploads.GET("/:trackingId", handleUploadStatus(svc))
			uploads.PUT("/:trackingId/chunks/:index", handleUploadChunk(svc))
			uploads.PUT("/:trackingId/pause", handlePauseUpload(svc))
			uploads.PUT("/:trackingId/resume", handleResumeUpload(svc))
			uploads.PATCH("/:trackingId/metadata", handleAnnotateUpload(svc))
			uploads.DELETE("/:trackingId", handleCancelUpload(svc))
			uploads.GET("/:trackingId/download", handleDownload(svc))
			uploads.GET("/:trackingId/events", handleUploadEvents(svc, manager))
		}
	}

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Chunk-Checksum, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
