/**
 * Queue Consumer for the Document Annotator Worker
 *
 * Consumes annotation jobs through Asynq. Contract violations (bad regions,
 * bad page indexes, unsupported formats) fail permanently; anything else is
 * retried with exponential backoff.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/docannotator-worker/internal/errors"
	"github.com/adverant/nexus/docannotator-worker/internal/logging"
	"github.com/adverant/nexus/docannotator-worker/internal/processor"
)

// TaskTypeAnnotateDocument is the Asynq task type handled by the worker
const TaskTypeAnnotateDocument = "annotate-document"

const maxRetryDelay = 60 * time.Second

// Consumer handles job consumption from the Asynq queue
type Consumer struct {
	client *asynq.Client
	rdb    *redis.Client // readiness probe
	server *asynq.Server
	mux    *asynq.ServeMux
	runner *jobRunner
	config *ConsumerConfig
	logger *logging.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	RedisURL    string
	QueueName   string
	Concurrency int
	MaxRetries  int
	Processor   processor.DocumentProcessorInterface
	Logger      *logging.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("Queue")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	probeOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	consumer := &Consumer{
		client: client,
		rdb:    redis.NewClient(probeOpt),
		mux:    asynq.NewServeMux(),
		runner: &jobRunner{processor: cfg.Processor, logger: logger},
		config: cfg,
		logger: logger,
	}

	consumer.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: retryDelay,
			ErrorHandler:   asynq.ErrorHandlerFunc(consumer.handleError),
			Logger:         asynqLogger{logger},
		},
	)

	consumer.mux.HandleFunc(TaskTypeAnnotateDocument, consumer.handleAnnotateDocument)

	return consumer, nil
}

// retryDelay backs off exponentially from 5s, capped at one minute.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 4 {
		return maxRetryDelay
	}
	delay := time.Duration(5*(1<<uint(n))) * time.Second
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// NewAnnotateTask builds the Asynq task for a payload
func NewAnnotateTask(payload *JobPayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	return asynq.NewTask(TaskTypeAnnotateDocument, data), nil
}

// Enqueue submits a job to the consumer's queue
func (c *Consumer) Enqueue(ctx context.Context, payload *JobPayload) (*asynq.TaskInfo, error) {
	task, err := NewAnnotateTask(payload)
	if err != nil {
		return nil, err
	}

	opts := []asynq.Option{asynq.Queue(c.config.QueueName), asynq.TaskID(payload.JobID)}
	if c.config.MaxRetries > 0 {
		opts = append(opts, asynq.MaxRetry(c.config.MaxRetries))
	}

	info, err := c.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

// Start starts the queue consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("Starting queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	return nil
}

// Stop stops the queue consumer gracefully
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("Stopping queue consumer")

	c.server.Shutdown()

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("failed to close probe client: %w", err)
	}

	c.logger.Info("Queue consumer stopped")
	return nil
}

// handleAnnotateDocument processes one annotation task
func (c *Consumer) handleAnnotateDocument(ctx context.Context, task *asynq.Task) error {
	var payload JobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("job payload has no jobId: %w", asynq.SkipRetry)
	}

	if _, err := c.runner.run(ctx, &payload); err != nil {
		if errors.IsContractViolation(err) {
			return fmt.Errorf("document rejected: %w: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("document processing failed: %w", err)
	}
	return nil
}

func (c *Consumer) handleError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	c.logger.Error("Task processing error",
		"type", task.Type(),
		"retry", retried,
		"maxRetry", maxRetry,
		"code", errors.CodeOf(err),
		"error", err)
}

// Ping checks Redis connectivity
func (c *Consumer) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetStatistics returns consumer statistics
func (c *Consumer) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"backend":     "asynq",
		"concurrency": c.config.Concurrency,
		"queue":       c.config.QueueName,
	}
}

// asynqLogger routes Asynq's internal logging through the worker logger
type asynqLogger struct {
	l *logging.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }

func (a asynqLogger) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	_ = a.l.Sync()
	os.Exit(1)
}
