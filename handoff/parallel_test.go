package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arkeep/relayflow/config"
)

func TestExecuteParallelFanOut(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.orch.ExecuteParallel(context.Background(),
		"calculate the sum of the ancient empire's wars", "conv-1")
	require.NoError(t, err)

	// math, history and backup all match; triage has no capabilities.
	assert.Equal(t, 3, res.TotalAgents)
	assert.Equal(t, 3, res.SuccessfulAgents)
	assert.Equal(t, 0, res.FailedAgents)
	assert.Equal(t, 1.0, res.SuccessRate)
	assert.Len(t, res.Branches, 3)
	for id, br := range res.Branches {
		assert.Equal(t, id, br.AgentID)
		assert.Equal(t, StatusSuccess, br.Status)
		assert.NotEmpty(t, br.Response)
	}
	assert.Contains(t, res.MergedOutput, "[math]")
	assert.Contains(t, res.MergedOutput, "[history]")
}

func TestExecuteParallelAggregateInvariant(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register("ok1", replyWith("a"), []string{"mathematics"}))
	require.NoError(t, reg.Register("ok2", replyWith("b"), []string{"mathematics"}))
	require.NoError(t, reg.Register("bad", failWith(errors.New("down")), []string{"mathematics"}))

	f := newFixture(t, func(cfg *OrchestratorConfig) {
		cfg.Registry = reg
		cfg.Security = newTestSecurity(nil)
	})

	res, err := f.orch.ExecuteParallel(context.Background(), "calculate 2+2", "conv-1")
	require.NoError(t, err)

	assert.Equal(t, res.TotalAgents, res.SuccessfulAgents+res.FailedAgents)
	assert.Equal(t, 2, res.SuccessfulAgents)
	assert.Equal(t, 1, res.FailedAgents)
	assert.InDelta(t, 2.0/3.0, res.SuccessRate, 1e-9)
	assert.Equal(t, StatusFailure, res.Branches["bad"].Status)
	assert.Contains(t, res.Branches["bad"].ErrorMessage, "down")
	assert.NotContains(t, res.MergedOutput, "[bad]")
}

func TestExecuteParallelBranchIsolation(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register("fast", replyWith("fast answer"), []string{"mathematics"}))
	slow := &scriptedAgent{invokeFunc: func(ctx context.Context, _ string, _ map[string]string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	}}
	require.NoError(t, reg.Register("slow", slow, []string{"mathematics"}))

	f := newFixture(t, func(cfg *OrchestratorConfig) {
		cfg.Registry = reg
		cfg.Security = newTestSecurity(nil)
		hc := config.DefaultHandoffConfig()
		hc.BranchTimeout = 50 * time.Millisecond
		cfg.Handoff = hc
	})

	start := time.Now()
	res, err := f.orch.ExecuteParallel(context.Background(), "calculate 2+2", "conv-1")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, StatusSuccess, res.Branches["fast"].Status)
	assert.Equal(t, StatusFailure, res.Branches["slow"].Status)
	assert.Contains(t, res.Branches["slow"].ErrorMessage, "context deadline exceeded")
}

func TestExecuteParallelHonorsConcurrencyCap(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	gated := func() Agent {
		return AgentFunc(func(context.Context, string, map[string]string) (string, error) {
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return "ok", nil
		})
	}

	reg := NewRegistry(nil)
	for i := 0; i < 6; i++ {
		require.NoError(t, reg.Register(fmt.Sprintf("agent-%d", i), gated(), []string{"mathematics"}))
	}

	f := newFixture(t, func(cfg *OrchestratorConfig) {
		cfg.Registry = reg
		cfg.Security = newTestSecurity(nil)
		hc := config.DefaultHandoffConfig()
		hc.MaxParallel = 2
		cfg.Handoff = hc
	})

	res, err := f.orch.ExecuteParallel(context.Background(), "calculate 2+2", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 6, res.TotalAgents)
	assert.LessOrEqual(t, maxSeen, 2)
}

func TestExecuteParallelAverageResponseTime(t *testing.T) {
	sleepy := func(d time.Duration) Agent {
		return AgentFunc(func(ctx context.Context, _ string, _ map[string]string) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d):
				return "ok", nil
			}
		})
	}

	reg := NewRegistry(nil)
	require.NoError(t, reg.Register("a", sleepy(40*time.Millisecond), []string{"mathematics"}))
	require.NoError(t, reg.Register("b", sleepy(40*time.Millisecond), []string{"mathematics"}))

	f := newFixture(t, func(cfg *OrchestratorConfig) {
		cfg.Registry = reg
		cfg.Security = newTestSecurity(nil)
	})

	res, err := f.orch.ExecuteParallel(context.Background(), "calculate 2+2", "conv-1")
	require.NoError(t, err)

	// Every branch slept 40ms, so the mean sits near 40ms and never
	// exceeds the batch wall-clock time.
	assert.GreaterOrEqual(t, res.AverageResponseTimeMs, int64(30))
	assert.LessOrEqual(t, res.AverageResponseTimeMs, res.TotalDurationMs)

	payload, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"average_response_time_ms"`)
}

func TestExecuteParallelNoCapableAgents(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.orch.ExecuteParallel(context.Background(), "hello there", "conv-1")
	assert.ErrorIs(t, err, ErrNoCapableAgents)
}

func TestExecuteParallelExplicitTargets(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.orch.ExecuteParallel(context.Background(), "hello there", "conv-1",
		WithTargets("math", "history"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalAgents)
}

func TestExecuteParallelExcludesAgent(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.orch.ExecuteParallel(context.Background(), "calculate the sum 2+2", "conv-1",
		WithExcludeAgent("math"))
	require.NoError(t, err)
	_, ok := res.Branches["math"]
	assert.False(t, ok)
}

func TestExecuteParallelCustomMerge(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.orch.ExecuteParallel(context.Background(), "calculate 2+2", "conv-1",
		WithMergeFunc(func(responses map[string]string) string {
			ids := make([]string, 0, len(responses))
			for id := range responses {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			return strings.Join(ids, "|")
		}))
	require.NoError(t, err)
	assert.Equal(t, "backup|math", res.MergedOutput)
}

func TestParallelResultCacheRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.orch.ExecuteParallel(ctx, "calculate 2+2", "conv-1")
	require.NoError(t, err)
	require.NoError(t, f.orch.CacheParallelResult(ctx, res))

	targets := make([]string, 0, len(res.Branches))
	for id := range res.Branches {
		targets = append(targets, id)
	}
	cached, err := f.orch.CachedParallelResult(ctx, "calculate 2+2", targets)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, res.TotalAgents, cached.TotalAgents)
	assert.Equal(t, res.MergedOutput, cached.MergedOutput)
}

func TestParallelResultCacheMiss(t *testing.T) {
	f := newFixture(t, nil)

	cached, err := f.orch.CachedParallelResult(context.Background(), "never asked", []string{"math"})
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestParallelCacheKeyOrderInsensitive(t *testing.T) {
	assert.Equal(t,
		parallelCacheKey("q", []string{"b", "a"}),
		parallelCacheKey("q", []string{"a", "b"}))
	assert.NotEqual(t,
		parallelCacheKey("q", []string{"a"}),
		parallelCacheKey("q", []string{"a", "b"}))
	assert.NotEqual(t,
		parallelCacheKey("q1", []string{"a"}),
		parallelCacheKey("q2", []string{"a"}))
}
