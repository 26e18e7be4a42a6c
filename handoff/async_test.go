package handoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForJob(t *testing.T, orch *Orchestrator, jobID string, want ...JobStatus) *AsyncJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := orch.AsyncStatus(jobID)
		require.NoError(t, err)
		for _, s := range want {
			if job.Status() == s {
				return job
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %v in time", jobID, want)
	return nil
}

func TestQueueAsyncCompletesJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	jobID, err := f.orch.QueueAsync(ctx, mustRequest(t, "triage", "math", "conv-1",
		WithContext(map[string]string{"question": "2+2"})))
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job := waitForJob(t, f.orch, jobID, JobCompleted)
	res := job.Result()
	require.NotNil(t, res)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "math", res.TargetAgentID)
	assert.False(t, job.FinishedAt().IsZero())
	assert.False(t, job.StartedAt().IsZero())
	assert.False(t, job.EnqueuedAt.IsZero())

	owner, err := f.state.CurrentOwner(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "math", owner)
}

func TestQueueAsyncFailedJob(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register("triage", replyWith("hi"), nil))
	require.NoError(t, reg.Register("flaky", failWith(errors.New("down")), nil))

	f := newFixture(t, func(cfg *OrchestratorConfig) {
		cfg.Registry = reg
		cfg.Security = newTestSecurity(map[string][]string{"triage": {"flaky"}})
	})

	jobID, err := f.orch.QueueAsync(context.Background(), mustRequest(t, "triage", "flaky", "conv-1"))
	require.NoError(t, err)

	job := waitForJob(t, f.orch, jobID, JobFailed)
	res := job.Result()
	require.NotNil(t, res)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Contains(t, res.ErrorMessage, "down")
}

func TestCancelAsyncOnlyQueuedJobs(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := &scriptedAgent{invokeFunc: func(context.Context, string, map[string]string) (string, error) {
		close(started)
		<-release
		return "done", nil
	}}

	reg := NewRegistry(nil)
	require.NoError(t, reg.Register("triage", replyWith("hi"), nil))
	require.NoError(t, reg.Register("blocker", blocking, nil))
	require.NoError(t, reg.Register("math", replyWith("4"), nil))

	f := newFixture(t, func(cfg *OrchestratorConfig) {
		cfg.Registry = reg
		cfg.Security = newTestSecurity(map[string][]string{"triage": {"blocker", "math"}})
		cfg.Queue = QueueSettings{Workers: 1, Size: 16}
	})

	// First job occupies the single worker.
	blockingID, err := f.orch.QueueAsync(context.Background(), mustRequest(t, "triage", "blocker", "conv-a"))
	require.NoError(t, err)
	<-started

	// Second job is still queued and can be cancelled.
	queuedID, err := f.orch.QueueAsync(context.Background(), mustRequest(t, "triage", "math", "conv-b"))
	require.NoError(t, err)

	cancelled, err := f.orch.CancelAsync(queuedID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// A processing job cannot be cancelled.
	cancelled, err = f.orch.CancelAsync(blockingID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	close(release)
	waitForJob(t, f.orch, blockingID, JobCompleted)

	// The cancelled job never ran.
	job, err := f.orch.AsyncStatus(queuedID)
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, job.Status())
	assert.Nil(t, job.Result())

	_, err = f.state.CurrentOwner(context.Background(), "conv-b")
	assert.Error(t, err)
}

func TestCancelAsyncTerminalJob(t *testing.T) {
	f := newFixture(t, nil)

	jobID, err := f.orch.QueueAsync(context.Background(), mustRequest(t, "triage", "math", "conv-1"))
	require.NoError(t, err)
	waitForJob(t, f.orch, jobID, JobCompleted)

	cancelled, err := f.orch.CancelAsync(jobID)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestAsyncStatusUnknownJob(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.AsyncStatus("no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = f.orch.CancelAsync("no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestAsyncStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := f.orch.QueueAsync(ctx, mustRequest(t, "triage", "math", fmt.Sprintf("conv-%d", i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForJob(t, f.orch, id, JobCompleted)
	}

	stats, err := f.orch.AsyncStats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats[JobCompleted])
	assert.Zero(t, stats[JobFailed])
}

func TestQueueAsyncFullQueue(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := &scriptedAgent{invokeFunc: func(context.Context, string, map[string]string) (string, error) {
		started <- struct{}{}
		<-release
		return "done", nil
	}}
	defer close(release)

	reg := NewRegistry(nil)
	require.NoError(t, reg.Register("triage", replyWith("hi"), nil))
	require.NoError(t, reg.Register("blocker", blocking, nil))

	f := newFixture(t, func(cfg *OrchestratorConfig) {
		cfg.Registry = reg
		cfg.Security = newTestSecurity(map[string][]string{"triage": {"blocker"}})
		cfg.Queue = QueueSettings{Workers: 1, Size: 1}
	})
	ctx := context.Background()

	// Occupy the worker, then fill the single queue slot.
	_, err := f.orch.QueueAsync(ctx, mustRequest(t, "triage", "blocker", "conv-0"))
	require.NoError(t, err)
	<-started
	_, err = f.orch.QueueAsync(ctx, mustRequest(t, "triage", "blocker", "conv-1"))
	require.NoError(t, err)

	_, err = f.orch.QueueAsync(ctx, mustRequest(t, "triage", "blocker", "conv-2"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueueAsyncDisabled(t *testing.T) {
	f := newFixture(t, func(cfg *OrchestratorConfig) {
		cfg.Queue = QueueSettings{Disabled: true}
	})

	_, err := f.orch.QueueAsync(context.Background(), mustRequest(t, "triage", "math", "conv-1"))
	assert.ErrorIs(t, err, ErrAsyncDisabled)

	_, err = f.orch.AsyncStatus("x")
	assert.ErrorIs(t, err, ErrAsyncDisabled)
	_, err = f.orch.AsyncStats()
	assert.ErrorIs(t, err, ErrAsyncDisabled)
	_, err = f.orch.CancelAsync("x")
	assert.ErrorIs(t, err, ErrAsyncDisabled)
}

func TestQueueAsyncNilRequestAndCancelledContext(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.QueueAsync(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilRequest)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.orch.QueueAsync(ctx, mustRequest(t, "triage", "math", "conv-1"))
	assert.ErrorIs(t, err, context.Canceled)
}
