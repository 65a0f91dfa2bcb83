// Package main is the entry point for the marker discovery server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlasmap-sc/markers/internal/api"
	"github.com/atlasmap-sc/markers/internal/cache"
	"github.com/atlasmap-sc/markers/internal/config"
	"github.com/atlasmap-sc/markers/internal/export"
	"github.com/atlasmap-sc/markers/internal/metrics"
	"github.com/atlasmap-sc/markers/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting marker server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		ExportCacheSizeMB:   cfg.Cache.ExportSizeMB,
		ExportTTL:           time.Duration(cfg.Cache.ExportTTLMinutes) * time.Minute,
		QueryCacheSize:      cfg.Cache.QueryCacheSize,
		PopulationCacheSize: cfg.Cache.PopulationCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	m := metrics.New()

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)
	defer registry.Close()

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]
		svc, err := service.OpenDatasetService(datasetID, ds, cacheManager)
		if err != nil {
			log.Fatalf("Failed to initialize dataset %q: %v", datasetID, err)
		}
		log.Printf("  [%s] source=%s obs=%s/%s/%s", datasetID, svc.Source(), ds.Obs.Dataset, ds.Obs.Patient, ds.Obs.Cluster)
		registry.Register(datasetID, svc)
	}

	// Export sink for finished runs
	sink, err := export.Open(ctx, cfg.Export)
	if err != nil {
		log.Fatalf("Failed to initialize export sink: %v", err)
	}
	if sink == nil {
		log.Printf("Exports disabled")
	} else {
		log.Printf("Export driver: %s (gzip=%v)", cfg.Export.Driver, cfg.Export.Gzip)
	}

	// Initialize job manager for marker jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		Metrics:       m,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Marker job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	// Wire up marker service as job executor
	markerService := service.NewMarkerService(service.MarkerServiceConfig{
		Registry: registry,
		Sink:     sink,
		Gzip:     cfg.Export.Gzip,
		Metrics:  m,
	})
	jobManager.Executor = markerService.ExecuteMarkerJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Cache:       cacheManager,
		Metrics:     m,
		Defaults:    cfg.Markers,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
