package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runManagerConformance exercises the Manager contract shared by every
// backend: context round-trip, ownership transfer, history push/pop and
// conversation clearing.
func runManagerConformance(t *testing.T, newManager func(t *testing.T) Manager) {
	t.Helper()
	ctx := context.Background()

	t.Run("context round-trip", func(t *testing.T) {
		m := newManager(t)

		_, err := m.LoadContext(ctx, "conv1")
		assert.ErrorIs(t, err, ErrNotFound)

		original := map[string]string{"topic": "algebra", "last_message": "What is 2+2?"}
		require.NoError(t, m.SaveContext(ctx, "conv1", original))

		loaded, err := m.LoadContext(ctx, "conv1")
		require.NoError(t, err)
		assert.Equal(t, original, loaded)

		// Overwrite replaces, not merges.
		require.NoError(t, m.SaveContext(ctx, "conv1", map[string]string{"topic": "history"}))
		loaded, err = m.LoadContext(ctx, "conv1")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"topic": "history"}, loaded)
	})

	t.Run("handoff history stack", func(t *testing.T) {
		m := newManager(t)

		_, err := m.LastHandoff(ctx, "conv2")
		assert.ErrorIs(t, err, ErrEmptyHistory)
		_, err = m.PopHandoff(ctx, "conv2")
		assert.ErrorIs(t, err, ErrEmptyHistory)

		require.NoError(t, m.SaveHandoffState(ctx, "conv2", "general", "math", map[string]string{"q": "2+2"}))
		require.NoError(t, m.SaveHandoffState(ctx, "conv2", "math", "history", map[string]string{"q": "rome"}))

		owner, err := m.CurrentOwner(ctx, "conv2")
		require.NoError(t, err)
		assert.Equal(t, "history", owner)

		last, err := m.LastHandoff(ctx, "conv2")
		require.NoError(t, err)
		assert.Equal(t, "math", last.FromAgentID)
		assert.Equal(t, "history", last.ToAgentID)
		assert.Equal(t, map[string]string{"q": "rome"}, last.ContextSnapshot)
		assert.False(t, last.Timestamp.IsZero())

		popped, err := m.PopHandoff(ctx, "conv2")
		require.NoError(t, err)
		assert.Equal(t, "math", popped.FromAgentID)

		owner, err = m.CurrentOwner(ctx, "conv2")
		require.NoError(t, err)
		assert.Equal(t, "math", owner, "pop restores the prior owner")

		popped, err = m.PopHandoff(ctx, "conv2")
		require.NoError(t, err)
		assert.Equal(t, "general", popped.FromAgentID)

		_, err = m.PopHandoff(ctx, "conv2")
		assert.ErrorIs(t, err, ErrEmptyHistory)
	})

	t.Run("unknown owner", func(t *testing.T) {
		m := newManager(t)

		_, err := m.CurrentOwner(ctx, "never-seen")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("clear conversation", func(t *testing.T) {
		m := newManager(t)

		require.NoError(t, m.SaveContext(ctx, "conv3", map[string]string{"k": "v"}))
		require.NoError(t, m.SaveHandoffState(ctx, "conv3", "a", "b", nil))
		require.NoError(t, m.ClearConversation(ctx, "conv3"))

		_, err := m.LoadContext(ctx, "conv3")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = m.LastHandoff(ctx, "conv3")
		assert.ErrorIs(t, err, ErrEmptyHistory)
		_, err = m.CurrentOwner(ctx, "conv3")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("conversations are independent", func(t *testing.T) {
		m := newManager(t)

		require.NoError(t, m.SaveHandoffState(ctx, "a", "x", "y", nil))
		require.NoError(t, m.SaveHandoffState(ctx, "b", "p", "q", nil))

		ownerA, err := m.CurrentOwner(ctx, "a")
		require.NoError(t, err)
		ownerB, err := m.CurrentOwner(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, "y", ownerA)
		assert.Equal(t, "q", ownerB)
	})
}
