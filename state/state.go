// Package state persists conversation ownership, context and handoff
// history for the orchestration engine.
//
// Supported backends:
// - Memory: for development, testing and single-node deployments (default)
// - Redis: for distributed deployments
// - GORM: for SQL-backed deployments (SQLite, Postgres, MySQL dialectors)
//
// The Advanced manager wraps any backend and adds optional compression,
// encryption and mirroring to a secondary backup manager.
package state

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound     = errors.New("conversation not found")
	ErrEmptyHistory = errors.New("handoff history is empty")
	ErrStoreClosed  = errors.New("store is closed")
)

// HandoffRecord is one entry of a conversation's handoff history stack.
type HandoffRecord struct {
	FromAgentID     string            `json:"from_agent_id"`
	ToAgentID       string            `json:"to_agent_id"`
	ContextSnapshot map[string]string `json:"context_snapshot,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Manager persists per-conversation state.
//
// SaveHandoffState pushes a history entry and transfers ownership to the
// target agent; PopHandoff undoes the most recent entry and restores the
// prior owner. Implementations treat each conversation id independently.
type Manager interface {
	// SaveContext stores the conversation context blob.
	SaveContext(ctx context.Context, conversationID string, convContext map[string]string) error

	// LoadContext returns the stored context, or ErrNotFound.
	LoadContext(ctx context.Context, conversationID string) (map[string]string, error)

	// SaveHandoffState records a completed handoff: pushes a history entry
	// and sets the target agent as current owner.
	SaveHandoffState(ctx context.Context, conversationID, fromAgentID, toAgentID string, convContext map[string]string) error

	// LastHandoff returns the most recent history entry without popping it.
	// Returns ErrEmptyHistory when the stack is empty or the conversation
	// is unknown.
	LastHandoff(ctx context.Context, conversationID string) (*HandoffRecord, error)

	// PopHandoff removes the most recent history entry and restores its
	// source agent as current owner. Returns the popped record.
	PopHandoff(ctx context.Context, conversationID string) (*HandoffRecord, error)

	// CurrentOwner returns the agent currently owning the conversation,
	// or ErrNotFound.
	CurrentOwner(ctx context.Context, conversationID string) (string, error)

	// ClearConversation removes all state for the conversation.
	ClearConversation(ctx context.Context, conversationID string) error
}

// copyContext returns a detached copy so callers cannot mutate stored maps.
func copyContext(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
