package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/docannotator-worker/internal/errors"
	"github.com/adverant/nexus/docannotator-worker/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger("QueueTest")
}

func newTestConsumer(proc *fakeProcessor) *Consumer {
	logger := testLogger()
	return &Consumer{
		runner: &jobRunner{processor: proc, logger: logger},
		config: &ConsumerConfig{QueueName: "annotator:jobs", Concurrency: 1},
		logger: logger,
	}
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryDelay(0, nil, nil))
	assert.Equal(t, 10*time.Second, retryDelay(1, nil, nil))
	assert.Equal(t, 40*time.Second, retryDelay(3, nil, nil))
	assert.Equal(t, 60*time.Second, retryDelay(4, nil, nil))
	assert.Equal(t, 60*time.Second, retryDelay(100, nil, nil))
}

func TestNewAnnotateTask(t *testing.T) {
	task, err := NewAnnotateTask(&JobPayload{JobID: "j1", FileURL: "https://example.com/a.pdf"})
	require.NoError(t, err)
	assert.Equal(t, TaskTypeAnnotateDocument, task.Type())
	assert.Contains(t, string(task.Payload()), `"jobId":"j1"`)

	_, err = NewAnnotateTask(&JobPayload{})
	assert.Error(t, err)
}

func TestHandleAnnotateDocument(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		proc := &fakeProcessor{}
		task, err := NewAnnotateTask(&JobPayload{JobID: "j1", FileBuffer: []byte("{}")})
		require.NoError(t, err)

		require.NoError(t, newTestConsumer(proc).handleAnnotateDocument(context.Background(), task))
		statuses, _ := proc.snapshot()
		assert.Equal(t, []string{StatusProcessing, StatusCompleted}, statuses)
	})

	t.Run("contract violation skips retry", func(t *testing.T) {
		proc := &fakeProcessor{err: errors.NewInvalidPageError(0, "page indexes are 1-based")}
		task, err := NewAnnotateTask(&JobPayload{JobID: "j2"})
		require.NoError(t, err)

		err = newTestConsumer(proc).handleAnnotateDocument(context.Background(), task)
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, asynq.SkipRetry))
		assert.True(t, errors.IsInvalidPage(err))

		statuses, _ := proc.snapshot()
		assert.Equal(t, []string{StatusProcessing, StatusFailed}, statuses)
		assert.Equal(t, "INVALID_PAGE", proc.metadata[1]["errorCode"])
	})

	t.Run("transient failure retries", func(t *testing.T) {
		proc := &fakeProcessor{err: errors.NewStorageFailedError("j3", stderrors.New("connection reset"))}
		task, err := NewAnnotateTask(&JobPayload{JobID: "j3"})
		require.NoError(t, err)

		err = newTestConsumer(proc).handleAnnotateDocument(context.Background(), task)
		require.Error(t, err)
		assert.False(t, stderrors.Is(err, asynq.SkipRetry))
	})

	t.Run("malformed payload skips retry", func(t *testing.T) {
		proc := &fakeProcessor{}
		err := newTestConsumer(proc).handleAnnotateDocument(context.Background(),
			asynq.NewTask(TaskTypeAnnotateDocument, []byte("not json")))
		require.Error(t, err)
		assert.True(t, stderrors.Is(err, asynq.SkipRetry))

		_, calls := proc.snapshot()
		assert.Zero(t, calls)
	})
}

func TestNewConsumer(t *testing.T) {
	_, err := NewConsumer(&ConsumerConfig{QueueName: "q", Processor: &fakeProcessor{}})
	assert.Error(t, err)
	_, err = NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379", Processor: &fakeProcessor{}})
	assert.Error(t, err)
	_, err = NewConsumer(&ConsumerConfig{RedisURL: "redis://localhost:6379", QueueName: "q"})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	c, err := NewConsumer(&ConsumerConfig{
		RedisURL:    "redis://" + mr.Addr(),
		QueueName:   "annotator:jobs",
		Concurrency: 2,
		Processor:   &fakeProcessor{},
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	assert.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "asynq", c.GetStatistics()["backend"])
	assert.NoError(t, c.Stop(context.Background()))
}

func TestEnqueue(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewConsumer(&ConsumerConfig{
		RedisURL:    "redis://" + mr.Addr(),
		QueueName:   "annotator",
		Concurrency: 1,
		MaxRetries:  2,
		Processor:   &fakeProcessor{},
		Logger:      testLogger(),
	})
	require.NoError(t, err)
	defer c.Stop(ctx)

	info, err := c.Enqueue(ctx, &JobPayload{JobID: "job-7", Filename: "scan.pdf", FileURL: "https://files.local/scan.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "job-7", info.ID)
	assert.Equal(t, "annotator", info.Queue)
	assert.Equal(t, 2, info.MaxRetry)
	assert.Equal(t, asynq.TaskStatePending, info.State)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer inspector.Close()

	stored, err := inspector.GetTaskInfo("annotator", "job-7")
	require.NoError(t, err)
	assert.Equal(t, TaskTypeAnnotateDocument, stored.Type)

	var payload JobPayload
	require.NoError(t, json.Unmarshal(stored.Payload, &payload))
	assert.Equal(t, "scan.pdf", payload.Filename)
	assert.Equal(t, "https://files.local/scan.pdf", payload.FileURL)

	_, err = c.Enqueue(ctx, &JobPayload{JobID: "job-7"})
	assert.ErrorIs(t, err, asynq.ErrTaskIDConflict)

	_, err = c.Enqueue(ctx, &JobPayload{})
	assert.Error(t, err)
}
