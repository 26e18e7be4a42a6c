package handoff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoAgent(prefix string) Agent {
	return AgentFunc(func(_ context.Context, message string, _ map[string]string) (string, error) {
		return prefix + ": " + message, nil
	})
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	require.NoError(t, r.Register("math", echoAgent("math"), []string{"mathematics"}))
	require.True(t, r.Has("math"))

	handle, err := r.Get("math")
	require.NoError(t, err)
	reply, err := handle.Invoke(context.Background(), "2+2", nil)
	require.NoError(t, err)
	assert.Equal(t, "math: 2+2", reply)
}

func TestRegistryDuplicateID(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("math", echoAgent("a"), nil))

	err := r.Register("math", echoAgent("b"), nil)
	require.ErrorIs(t, err, ErrAgentExists)

	// First registration still wins.
	handle, err := r.Get("math")
	require.NoError(t, err)
	reply, _ := handle.Invoke(context.Background(), "x", nil)
	assert.Equal(t, "a: x", reply)
}

func TestRegistryRejectsMalformedRegistrations(t *testing.T) {
	r := NewRegistry(nil)

	assert.Error(t, r.Register("", echoAgent("x"), nil))
	assert.Error(t, r.Register("no-handle", nil, nil))
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Get("ghost")
	require.ErrorIs(t, err, ErrAgentNotFound)
	assert.False(t, r.Has("ghost"))
}

func TestRegistryCapabilities(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("math", echoAgent("m"), []string{"mathematics", "statistics"}))

	caps := r.Capabilities("math")
	assert.ElementsMatch(t, []string{"mathematics", "statistics"}, caps)

	// Returned slice is a copy.
	caps[0] = "mutated"
	assert.ElementsMatch(t, []string{"mathematics", "statistics"}, r.Capabilities("math"))

	assert.Empty(t, r.Capabilities("ghost"))
}

func TestRegistryHasCapabilities(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register("math", echoAgent("m"), []string{"mathematics", "statistics"}))

	tests := []struct {
		name     string
		agentID  string
		required []string
		want     bool
	}{
		{"no requirements", "math", nil, true},
		{"subset", "math", []string{"mathematics"}, true},
		{"full set", "math", []string{"mathematics", "statistics"}, true},
		{"missing capability", "math", []string{"mathematics", "history"}, false},
		{"unknown agent", "ghost", []string{"mathematics"}, false},
		{"unknown agent no requirements", "ghost", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.HasCapabilities(tt.agentID, tt.required))
		})
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(id, echoAgent(id), nil))
	}

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.IDs())
	assert.Equal(t, 3, r.Len())
}
