/**
 * Document Annotator Worker - Main Entry Point
 *
 * Go worker that turns documents into annotated text regions.
 *
 * Architecture:
 * - Asynq or plain Redis LIST consumer for the job queue
 * - Segmentation: PDF text layer, Tesseract for page images, or
 *   pre-segmented borders JSON
 * - Confidence filtering plus a six-value layout feature vector per region
 * - PostgreSQL for regions and job status, Qdrant for region vectors
 * - HTTP health, readiness and annotation endpoints
 */

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adverant/nexus/docannotator-worker/internal/annotator"
	"github.com/adverant/nexus/docannotator-worker/internal/config"
	"github.com/adverant/nexus/docannotator-worker/internal/logging"
	"github.com/adverant/nexus/docannotator-worker/internal/processor"
	"github.com/adverant/nexus/docannotator-worker/internal/queue"
	"github.com/adverant/nexus/docannotator-worker/internal/segmentation"
	"github.com/adverant/nexus/docannotator-worker/internal/segmentation/tesseract"
	"github.com/adverant/nexus/docannotator-worker/internal/server"
	"github.com/adverant/nexus/docannotator-worker/internal/storage"
)

func main() {
	logger := logging.NewLogger("Worker")
	defer logger.Sync()

	if !config.LoadEnvFile(".env.annotator") {
		logger.Warn(".env.annotator not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)

	logger.Info("Document annotator worker starting",
		"queueBackend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"qdrant", cfg.QdrantURL,
		"workers", cfg.WorkerConcurrency,
		"threshold", cfg.ConfidenceThreshold)

	// Storage (PostgreSQL + Qdrant)
	storageManager, err := storage.NewStorageManager(cfg.DatabaseURL, cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		logger.Error("Failed to initialize storage manager", "error", err)
		os.Exit(1)
	}

	ann := annotator.New(annotator.WithThreshold(cfg.ConfidenceThreshold))

	// Tesseract is optional: without it image jobs fail as unsupported
	var imageSegmenter segmentation.Segmenter
	ocr, err := tesseract.New(tesseract.Config{
		Language:    cfg.TesseractLanguage,
		PageSegMode: cfg.TesseractPageSegMode,
		Level:       cfg.TesseractLevel,
	})
	if err != nil {
		logger.Warn("Tesseract unavailable, image documents disabled", "error", err)
	} else {
		imageSegmenter = ocr
	}

	processingTimeout := time.Duration(cfg.ProcessingTimeout) * time.Millisecond
	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		Annotator:         ann,
		TextLayer:         segmentation.NewTextLayerSegmenter(),
		ImageSegmenter:    imageSegmenter,
		Store:             storageManager,
		MaxFileSize:       cfg.MaxFileSize,
		ProcessingTimeout: processingTimeout,
		Logger:            logging.NewLogger("Processor"),
	})
	if err != nil {
		logger.Error("Failed to initialize document processor", "error", err)
		os.Exit(1)
	}

	checks := map[string]server.Checker{"postgres": storageManager}
	var stopQueue func() error

	switch cfg.QueueBackend {
	case config.QueueBackendRedis:
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			MaxRetries:  cfg.MaxRetries,
			JobTimeout:  processingTimeout + time.Minute,
			Processor:   proc,
			Logger:      logging.NewLogger("RedisQueue"),
		})
		if err != nil {
			logger.Error("Failed to initialize queue consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(); err != nil {
			logger.Error("Failed to start queue consumer", "error", err)
			os.Exit(1)
		}
		checks["redis"] = consumer
		stopQueue = consumer.Stop

	default:
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			MaxRetries:  cfg.MaxRetries,
			Processor:   proc,
			Logger:      logging.NewLogger("Queue"),
		})
		if err != nil {
			logger.Error("Failed to initialize queue consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(context.Background()); err != nil {
			logger.Error("Failed to start queue consumer", "error", err)
			os.Exit(1)
		}
		checks["redis"] = consumer
		stopQueue = func() error { return consumer.Stop(context.Background()) }
	}

	httpServer := server.New(server.Config{
		Addr:      cfg.HealthAddr,
		Annotator: ann,
		Store:     storageManager,
		Checks:    checks,
		Logger:    logging.NewLogger("HTTP"),
	})
	httpServer.Start()

	logger.Info("Worker ready, waiting for jobs", "healthAddr", cfg.HealthAddr)

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		logger.Warn("Error stopping HTTP server", "error", err)
	}

	if err := stopQueue(); err != nil {
		logger.Warn("Error stopping queue consumer", "error", err)
	}

	if err := storageManager.Close(); err != nil {
		logger.Warn("Error closing storage manager", "error", err)
	}

	logger.Info("Shutdown complete")
}
