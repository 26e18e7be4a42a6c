package relayflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Arkeep/relayflow/config"
	"github.com/Arkeep/relayflow/handoff"
	"github.com/Arkeep/relayflow/state"
)

func staticAgent(reply string) handoff.Agent {
	return handoff.AgentFunc(func(context.Context, string, map[string]string) (string, error) {
		return reply, nil
	})
}

func TestNewBuildsWorkingOrchestrator(t *testing.T) {
	engine, err := New(
		WithAgent("triage", staticAgent("triage here")),
		WithAgent("math", staticAgent("the answer is 4"), "mathematics"),
		WithPermissions(map[string][]string{"triage": {"math"}}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	req, err := handoff.NewRequest("triage", "math", "conv-1",
		handoff.WithContext(map[string]string{"question": "What is 2+2?"}))
	require.NoError(t, err)

	res := engine.Handle(context.Background(), req)
	require.Equal(t, handoff.StatusSuccess, res.Status)
	assert.Equal(t, "the answer is 4", res.Response)

	assert.True(t, engine.SupportsParallel())
	assert.True(t, engine.SupportsAsync())
}

func TestNewRejectsDuplicateAgents(t *testing.T) {
	_, err := New(
		WithAgent("math", staticAgent("a")),
		WithAgent("math", staticAgent("b")),
	)
	assert.ErrorIs(t, err, handoff.ErrAgentExists)
}

func TestNewOptionOrderIndependent(t *testing.T) {
	// WithConfig after WithPermissions must not discard the permissions.
	engine, err := New(
		WithPermissions(map[string][]string{"triage": {"math"}}),
		WithConfig(config.DefaultConfig()),
		WithAgent("triage", staticAgent("triage here")),
		WithAgent("math", staticAgent("4")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	req, err := handoff.NewRequest("triage", "math", "conv-1")
	require.NoError(t, err)
	res := engine.Handle(context.Background(), req)
	assert.Equal(t, handoff.StatusSuccess, res.Status)
}

func TestNewWithTelemetryDisabled(t *testing.T) {
	engine, err := New(
		WithTelemetry(config.TelemetryConfig{Enabled: false}),
		WithAgent("triage", staticAgent("hi")),
	)
	require.NoError(t, err)

	// Shutdown of the noop providers runs through Close without error.
	assert.NoError(t, engine.Close())
}

func TestNewWithRedisState(t *testing.T) {
	mini := miniredis.RunT(t)

	cfg := config.DefaultConfig()
	cfg.Redis.Addr = mini.Addr()
	engine, err := New(
		WithConfig(cfg),
		WithRedisState(),
		WithAgent("triage", staticAgent("hi")),
		WithAgent("math", staticAgent("4")),
		WithPermissions(map[string][]string{"triage": {"math"}}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	req, err := handoff.NewRequest("triage", "math", "conv-1",
		handoff.WithContext(map[string]string{"question": "2+2"}))
	require.NoError(t, err)
	res := engine.Handle(context.Background(), req)
	require.Equal(t, handoff.StatusSuccess, res.Status)

	// State landed in Redis, not in a process-local map.
	assert.NotEmpty(t, mini.Keys())
}

func TestNewWithDatabaseState(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "state.db")

	engine, err := New(
		WithConfig(cfg),
		WithDatabaseState(),
		WithAgent("triage", staticAgent("hi")),
		WithAgent("math", staticAgent("4")),
		WithPermissions(map[string][]string{"triage": {"math"}}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	res := engine.Handle(context.Background(), mustNewRequest(t, "triage", "math", "conv-1"))
	assert.Equal(t, handoff.StatusSuccess, res.Status)
}

func TestNewWithDatabaseStateUnsupportedDriver(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.Driver = "postgres"

	_, err := New(WithConfig(cfg), WithDatabaseState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestNewConflictingStateBackends(t *testing.T) {
	_, err := New(
		WithRedisState(),
		WithStateManager(state.NewMemoryManager(state.MemoryManagerConfig{}, nil)),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting state backends")
}

func mustNewRequest(t *testing.T, source, target, conv string) *handoff.Request {
	t.Helper()
	req, err := handoff.NewRequest(source, target, conv)
	require.NoError(t, err)
	return req
}

func TestNewIntelligentRouting(t *testing.T) {
	engine, err := New(
		WithAgent("triage", staticAgent("triage here")),
		WithAgent("math", staticAgent("4"), "mathematics"),
		WithPermissions(map[string][]string{"triage": {"math"}}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	res, err := engine.HandleIntelligent(context.Background(), "What is 2+2?", "triage", "conv-1", nil, 0)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "math", res.TargetAgentID)
}
