/**
 * Configuration for the Document Annotator Worker
 *
 * Loads configuration from environment variables, optionally seeded from
 * .env.annotator
 */

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Queue backends
const (
	QueueBackendAsynq = "asynq"
	QueueBackendRedis = "redis"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL     string
	QueueName    string
	QueueBackend string

	// PostgreSQL configuration
	DatabaseURL string

	// Qdrant vector database configuration
	QdrantURL        string
	QdrantCollection string

	// Annotation
	ConfidenceThreshold float64

	// Worker configuration
	WorkerConcurrency int
	MaxFileSize       int64
	ProcessingTimeout int // milliseconds
	MaxRetries        int

	// Tesseract configuration
	TesseractLanguage    string
	TesseractPageSegMode int
	TesseractLevel       string

	// HTTP health server
	HealthAddr string

	LogLevel string
}

// LoadEnvFile seeds the environment from a dotenv file. A missing file is
// not an error; the process environment is used as-is.
func LoadEnvFile(path string) bool {
	return godotenv.Load(path) == nil
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	databaseURL, err := getEnvOrError("DATABASE_URL")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RedisURL:             getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		QueueName:            getEnvOrDefault("QUEUE_NAME", "annotator:jobs"),
		QueueBackend:         getEnvOrDefault("QUEUE_BACKEND", QueueBackendAsynq),
		DatabaseURL:          databaseURL,
		QdrantURL:            getEnvOrDefault("QDRANT_URL", "localhost:6334"),
		QdrantCollection:     getEnvOrDefault("QDRANT_COLLECTION", "annotated_regions"),
		ConfidenceThreshold:  getEnvAsFloatOrDefault("CONFIDENCE_THRESHOLD", 0.7),
		WorkerConcurrency:    getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		MaxFileSize:          getEnvAsInt64OrDefault("MAX_FILE_SIZE", 104857600), // 100MB
		ProcessingTimeout:    getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 120000),  // 2 minutes
		MaxRetries:           getEnvAsIntOrDefault("MAX_RETRIES", 3),
		TesseractLanguage:    getEnvOrDefault("TESSERACT_LANGUAGE", "eng"),
		TesseractPageSegMode: getEnvAsIntOrDefault("TESSERACT_PSM", 3),
		TesseractLevel:       getEnvOrDefault("TESSERACT_LEVEL", "para"),
		HealthAddr:           getEnvOrDefault("HEALTH_ADDR", ":8097"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.QueueBackend != QueueBackendAsynq && c.QueueBackend != QueueBackendRedis {
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendAsynq, QueueBackendRedis, c.QueueBackend)
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be between 0 and 1, got %v", c.ConfidenceThreshold)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1073741824 { // 1KB to 1GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize)
	}

	if c.TesseractPageSegMode < 0 || c.TesseractPageSegMode > 13 {
		return fmt.Errorf("TESSERACT_PSM must be between 0 and 13, got %d", c.TesseractPageSegMode)
	}

	switch c.TesseractLevel {
	case "", "block", "para", "textline", "word", "symbol":
	default:
		return fmt.Errorf("TESSERACT_LEVEL must be one of block, para, textline, word or symbol, got %q", c.TesseractLevel)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrError gets a required environment variable
func getEnvOrError(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return value, nil
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}
