package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echolab/reelcraft/internal/api"
	"github.com/echolab/reelcraft/internal/config"
	"github.com/echolab/reelcraft/internal/db"
	"github.com/echolab/reelcraft/internal/pipeline"
	"github.com/echolab/reelcraft/internal/queue"
	"github.com/echolab/reelcraft/internal/services"
	"github.com/echolab/reelcraft/internal/uploader"
	"github.com/echolab/reelcraft/internal/worker"
)

func main() {
	log.Println("Starting Reelcraft API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.EnsureSchema(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	cancel()

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize object storage and the resumable uploader
	store := uploader.NewStorage(cfg.StorageURL, cfg.StorageAPIKey, cfg.StorageBucket)
	up := uploader.New(store, database, cfg.CacheDir, cfg.UploadChunkBytes, cfg.MaxConcurrentJobs)
	log.Printf("Initialized storage (bucket: %s)", cfg.StorageBucket)

	// Start worker if enabled. The pipeline is built before the API
	// handler so the handler can read live encode progress from it.
	var p *pipeline.Pipeline
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		assets := services.NewAssetLoader(cfg.CacheDir, cfg.TempDir, cfg.StyleSources)

		pollCfg := services.PollConfig{
			BaseInterval:         cfg.PollBaseInterval,
			MaxInterval:          cfg.PollMaxInterval,
			BackoffFactor:        cfg.PollBackoffFactor,
			MaxAttempts:          cfg.PollMaxAttempts,
			Timeout:              cfg.GenerationTimeout,
			RetryTransportErrors: cfg.RetryTransportErrors,
		}

		// Pick the generation backend
		var generator services.Generator
		switch cfg.GenerationEngine {
		case "veo":
			generator = services.NewVeoGenerator(cfg.VeoAPIKey, cfg.VeoModel, cfg.TempDir, pollCfg)
			log.Printf("Generation backend: Veo (model: %s)", cfg.VeoModel)
		case "static":
			generator = services.NewStaticGenerator(assets, cfg.TempDir)
			log.Printf("Generation backend: static (%d styles)", len(cfg.StyleSources))
		default:
			generator = services.NewGenerateClient(cfg.GenerationURL, cfg.GenerationAPIKey, pollCfg)
			log.Printf("Generation backend: REST (%s)", cfg.GenerationURL)
		}

		transcriber := services.NewTranscribeService(cfg.OpenAIKey)
		overlays := services.NewWatermarkRenderer(cfg.WatermarkTag)
		encoder := pipeline.NewServiceEncoder(services.NewExporter(cfg.TempDir))

		p = pipeline.New(generator, assets, transcriber, overlays, encoder, up, cfg.FrameRate)
		w := worker.New(database, q, p, assets, cfg.MaxConcurrentJobs)

		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx)
	}

	// Create API handler
	var exports api.ExportProgressSource
	if p != nil {
		exports = p
	}
	handler := api.NewHandler(database, q, up, exports)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
