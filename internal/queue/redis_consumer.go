/**
 * Direct Redis Queue Consumer for the Document Annotator Worker
 *
 * Compatible with the TypeScript RedisQueue producer: job IDs are pushed to
 * a LIST and job bodies live in the "<queue>:data" hash.
 */

package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/docannotator-worker/internal/errors"
	"github.com/adverant/nexus/docannotator-worker/internal/logging"
	"github.com/adverant/nexus/docannotator-worker/internal/processor"
)

const (
	statusTTL         = 24 * time.Hour
	defaultJobTimeout = 15 * time.Minute
)

var errNoJobs = stderrors.New("no jobs available")

// RedisJobData represents a job from the Redis queue
type RedisJobData struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	CreatedAt  time.Time  `json:"createdAt"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"maxRetries"`
}

// RedisConsumer handles job consumption from Redis queue
type RedisConsumer struct {
	client *redis.Client
	runner *jobRunner
	config *RedisConsumerConfig
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConsumerConfig holds consumer configuration
type RedisConsumerConfig struct {
	RedisURL     string
	QueueName    string
	Concurrency  int
	MaxRetries   int           // used when a job does not carry its own
	PollInterval time.Duration // BRPOP block time
	JobTimeout   time.Duration // upper bound for one job, status updates included
	Processor    processor.DocumentProcessorInterface
	Logger       *logging.Logger
}

// NewRedisConsumer creates a new Redis-based queue consumer
func NewRedisConsumer(cfg *RedisConsumerConfig) (*RedisConsumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}

	if cfg.QueueName == "" {
		cfg.QueueName = "annotator:jobs"
	}

	if cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("RedisQueue")
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())

	return &RedisConsumer{
		client: client,
		runner: &jobRunner{processor: cfg.Processor, logger: logger},
		config: cfg,
		logger: logger,
		ctx:    consumerCtx,
		cancel: cancel,
	}, nil
}

func (c *RedisConsumer) key(suffix string) string {
	return c.config.QueueName + ":" + suffix
}

// Submit stores a job and pushes it onto the queue, the way the TypeScript
// producer does.
func (c *RedisConsumer) Submit(ctx context.Context, payload *JobPayload) error {
	if payload.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	job := RedisJobData{
		ID:         payload.JobID,
		Type:       TaskTypeAnnotateDocument,
		Payload:    *payload,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: c.config.MaxRetries,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key("data"), job.ID, data)
		pipe.LPush(ctx, c.config.QueueName, job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to submit job %s: %w", job.ID, err)
	}
	return nil
}

// Start begins processing jobs from the queue
func (c *RedisConsumer) Start() error {
	c.logger.Info("Starting Redis queue consumer", "concurrency", c.config.Concurrency, "queue", c.config.QueueName)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	return nil
}

// Stop gracefully stops the consumer, waiting for in-flight jobs
func (c *RedisConsumer) Stop() error {
	c.logger.Info("Stopping queue consumer")
	c.cancel()
	c.wg.Wait()
	return c.client.Close()
}

// worker is a goroutine that processes jobs
func (c *RedisConsumer) worker(id int) {
	defer c.wg.Done()
	c.logger.Debug("Worker started", "worker", id)

	for {
		select {
		case <-c.ctx.Done():
			c.logger.Debug("Worker stopping", "worker", id)
			return
		default:
		}

		if err := c.processNextJob(c.ctx); err != nil {
			if stderrors.Is(err, errNoJobs) || c.ctx.Err() != nil {
				continue
			}
			c.logger.Warn("Worker error", "worker", id, "error", err)
			select {
			case <-time.After(time.Second):
			case <-c.ctx.Done():
			}
		}
	}
}

// processNextJob fetches and processes the next job from the queue
func (c *RedisConsumer) processNextJob(ctx context.Context) error {
	result, err := c.client.BRPop(ctx, c.config.PollInterval, c.config.QueueName).Result()
	if err != nil {
		if err == redis.Nil {
			return errNoJobs
		}
		return fmt.Errorf("failed to fetch job: %w", err)
	}

	if len(result) < 2 {
		return fmt.Errorf("invalid job result")
	}

	jobID := result[1]

	// The job has left the list; Stop must not abort it halfway
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.JobTimeout)
	defer cancel()

	jobData, err := c.client.HGet(jobCtx, c.key("data"), jobID).Result()
	if err != nil {
		return fmt.Errorf("failed to get job data for %s: %w", jobID, err)
	}

	var job RedisJobData
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		c.setStatus(jobID, StatusFailed, map[string]interface{}{"error": err.Error()})
		return fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	if job.ID == "" {
		job.ID = jobID
	}
	if job.Payload.JobID == "" {
		job.Payload.JobID = job.ID
	}

	c.setStatus(job.ID, StatusProcessing, nil)

	processResult, err := c.runner.run(jobCtx, &job.Payload)
	if err == nil {
		c.setStatus(job.ID, StatusCompleted, processor.ResultMetadata(processResult))
		return nil
	}

	job.Attempts++
	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.config.MaxRetries
	}

	if !errors.IsContractViolation(err) && job.Attempts < maxRetries {
		updatedData, marshalErr := json.Marshal(job)
		if marshalErr != nil {
			return fmt.Errorf("failed to marshal job %s for retry: %w", job.ID, marshalErr)
		}
		_, pipeErr := c.client.TxPipelined(jobCtx, func(pipe redis.Pipeliner) error {
			pipe.HSet(jobCtx, c.key("data"), job.ID, updatedData)
			pipe.LPush(jobCtx, c.config.QueueName, job.ID)
			return nil
		})
		if pipeErr != nil {
			return fmt.Errorf("failed to re-queue job %s: %w", job.ID, pipeErr)
		}
		c.logger.Info("Job re-queued for retry", "jobId", job.ID, "attempt", job.Attempts, "maxRetries", maxRetries)
		return nil
	}

	md := processor.ErrorMetadata(err)
	md["attempts"] = job.Attempts
	c.setStatus(job.ID, StatusFailed, md)
	return nil
}

// setStatus records a job's status in Redis and publishes an event for
// listeners. Failures are logged; status tracking never fails a job.
func (c *RedisConsumer) setStatus(jobID string, status string, details map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event := map[string]interface{}{
		"event":     "job:" + status,
		"jobId":     jobID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	eventData, _ := json.Marshal(event)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key("status:"+jobID), status, statusTTL)
		switch status {
		case StatusProcessing:
			pipe.SAdd(ctx, c.key("processing"), jobID)
		case StatusCompleted:
			pipe.SRem(ctx, c.key("processing"), jobID)
			pipe.SAdd(ctx, c.key("completed"), jobID)
			if details != nil {
				data, _ := json.Marshal(details)
				pipe.HSet(ctx, c.key("results"), jobID, data)
			}
		case StatusFailed:
			pipe.SRem(ctx, c.key("processing"), jobID)
			pipe.SAdd(ctx, c.key("failed"), jobID)
			if details != nil {
				data, _ := json.Marshal(details)
				pipe.HSet(ctx, c.key("errors"), jobID, data)
			}
		}
		pipe.Publish(ctx, c.key("events"), eventData)
		return nil
	})
	if err != nil {
		c.logger.Warn("Failed to record job status in Redis", "jobId", jobID, "status", status, "error", err)
	}
}

// GetStats returns queue statistics
func (c *RedisConsumer) GetStats(ctx context.Context) (map[string]int64, error) {
	pipe := c.client.Pipeline()
	waiting := pipe.LLen(ctx, c.config.QueueName)
	processing := pipe.SCard(ctx, c.key("processing"))
	completed := pipe.SCard(ctx, c.key("completed"))
	failed := pipe.SCard(ctx, c.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}

	return map[string]int64{
		"waiting":    waiting.Val(),
		"processing": processing.Val(),
		"completed":  completed.Val(),
		"failed":     failed.Val(),
	}, nil
}

// Ping checks Redis connectivity
func (c *RedisConsumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
