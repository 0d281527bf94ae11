package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/nexus/docannotator-worker/internal/errors"
)

func setupRedisConsumer(t *testing.T, proc *fakeProcessor) (*RedisConsumer, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := NewRedisConsumer(&RedisConsumerConfig{
		RedisURL:     "redis://" + mr.Addr(),
		QueueName:    "annotator:jobs",
		Concurrency:  1,
		MaxRetries:   3,
		PollInterval: time.Second,
		Processor:    proc,
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	return c, mr
}

func TestRedisConsumerRequiresConnection(t *testing.T) {
	_, err := NewRedisConsumer(&RedisConsumerConfig{RedisURL: "redis://127.0.0.1:1", Processor: &fakeProcessor{}})
	assert.Error(t, err)

	_, err = NewRedisConsumer(&RedisConsumerConfig{RedisURL: "redis://localhost:6379"})
	assert.Error(t, err)
}

func TestRedisConsumerCompletesJob(t *testing.T) {
	proc := &fakeProcessor{}
	c, mr := setupRedisConsumer(t, proc)
	defer c.client.Close()
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, &JobPayload{JobID: "job-1", FileBuffer: []byte("{}")}))
	require.NoError(t, c.processNextJob(ctx))

	status, err := mr.Get("annotator:jobs:status:job-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	done, err := mr.SIsMember("annotator:jobs:completed", "job-1")
	require.NoError(t, err)
	assert.True(t, done)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("annotator:jobs:results", "job-1")), &result))
	assert.Equal(t, float64(1), result["regionsKept"])

	require.Len(t, proc.requests, 1)
	assert.Equal(t, []byte("{}"), proc.requests[0].FileBuffer)
}

func TestRedisConsumerRequeuesTransientFailure(t *testing.T) {
	proc := &fakeProcessor{err: errors.NewStorageFailedError("job-2", stderrors.New("timeout"))}
	c, mr := setupRedisConsumer(t, proc)
	defer c.client.Close()
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, &JobPayload{JobID: "job-2"}))
	require.NoError(t, c.processNextJob(ctx))

	queued, err := mr.List("annotator:jobs")
	require.NoError(t, err)
	assert.Equal(t, []string{"job-2"}, queued)

	var job RedisJobData
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("annotator:jobs:data", "job-2")), &job))
	assert.Equal(t, 1, job.Attempts)

	// Exhaust the remaining attempts
	require.NoError(t, c.processNextJob(ctx))
	require.NoError(t, c.processNextJob(ctx))

	status, err := mr.Get("annotator:jobs:status:job-2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.False(t, mr.Exists("annotator:jobs"))
}

func TestRedisConsumerFailsContractViolationImmediately(t *testing.T) {
	proc := &fakeProcessor{err: errors.NewInvalidRegionError(1, 0, "confidence 1.5 outside [0,1]")}
	c, mr := setupRedisConsumer(t, proc)
	defer c.client.Close()
	ctx := context.Background()

	require.NoError(t, c.Submit(ctx, &JobPayload{JobID: "job-3"}))
	require.NoError(t, c.processNextJob(ctx))

	status, err := mr.Get("annotator:jobs:status:job-3")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(mr.HGet("annotator:jobs:errors", "job-3")), &details))
	assert.Equal(t, "INVALID_REGION", details["errorCode"])
	assert.Equal(t, float64(1), details["attempts"])
}

func TestRedisConsumerEmptyQueue(t *testing.T) {
	c, _ := setupRedisConsumer(t, &fakeProcessor{})
	defer c.client.Close()

	err := c.processNextJob(context.Background())
	assert.True(t, stderrors.Is(err, errNoJobs))
}

func TestRedisConsumerStartStop(t *testing.T) {
	proc := &fakeProcessor{}
	c, mr := setupRedisConsumer(t, proc)

	require.NoError(t, c.Start())
	require.NoError(t, c.Submit(context.Background(), &JobPayload{JobID: "job-4"}))

	require.Eventually(t, func() bool {
		status, err := mr.Get("annotator:jobs:status:job-4")
		return err == nil && status == StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	stats, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["completed"])
	assert.Equal(t, int64(0), stats["waiting"])

	require.NoError(t, c.Stop())
}

func TestRedisConsumerStopFinishesInFlightJob(t *testing.T) {
	proc := &fakeProcessor{started: make(chan struct{}, 1), release: make(chan struct{})}
	c, mr := setupRedisConsumer(t, proc)

	require.NoError(t, c.Start())
	require.NoError(t, c.Submit(context.Background(), &JobPayload{JobID: "job-5"}))

	select {
	case <-proc.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job was not picked up")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(proc.release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the job finished")
	}

	status, err := mr.Get("annotator:jobs:status:job-5")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
	assert.False(t, mr.Exists("annotator:jobs:errors"))

	statuses, calls := proc.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{StatusProcessing, StatusCompleted}, statuses)
}
