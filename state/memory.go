package state

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type conversation struct {
	owner   string
	context map[string]string
	history []HandoffRecord
}

// MemoryManager is an in-process Manager. It is the default backend for
// development, testing and single-node deployments.
type MemoryManager struct {
	mu            sync.RWMutex
	conversations map[string]*conversation

	now    func() time.Time
	logger *zap.Logger
}

// MemoryManagerConfig configures a MemoryManager.
type MemoryManagerConfig struct {
	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryManager creates an in-memory conversation state manager.
func NewMemoryManager(config MemoryManagerConfig, logger *zap.Logger) *MemoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryManager{
		conversations: make(map[string]*conversation),
		now:           now,
		logger:        logger.With(zap.String("component", "state_memory")),
	}
}

// SaveContext stores the conversation context blob.
func (m *MemoryManager) SaveContext(ctx context.Context, conversationID string, convContext map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.getOrCreateLocked(conversationID)
	conv.context = copyContext(convContext)
	return nil
}

// LoadContext returns the stored context, or ErrNotFound.
func (m *MemoryManager) LoadContext(ctx context.Context, conversationID string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok || conv.context == nil {
		return nil, ErrNotFound
	}
	return copyContext(conv.context), nil
}

// SaveHandoffState pushes a history entry and transfers ownership.
func (m *MemoryManager) SaveHandoffState(ctx context.Context, conversationID, fromAgentID, toAgentID string, convContext map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.getOrCreateLocked(conversationID)
	conv.history = append(conv.history, HandoffRecord{
		FromAgentID:     fromAgentID,
		ToAgentID:       toAgentID,
		ContextSnapshot: copyContext(convContext),
		Timestamp:       m.now(),
	})
	conv.owner = toAgentID

	m.logger.Debug("handoff state saved",
		zap.String("conversation_id", conversationID),
		zap.String("from", fromAgentID),
		zap.String("to", toAgentID),
		zap.Int("history_depth", len(conv.history)),
	)
	return nil
}

// LastHandoff returns the most recent history entry without popping it.
func (m *MemoryManager) LastHandoff(ctx context.Context, conversationID string) (*HandoffRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok || len(conv.history) == 0 {
		return nil, ErrEmptyHistory
	}
	record := conv.history[len(conv.history)-1]
	return &record, nil
}

// PopHandoff removes the most recent history entry and restores its source
// agent as current owner.
func (m *MemoryManager) PopHandoff(ctx context.Context, conversationID string) (*HandoffRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok || len(conv.history) == 0 {
		return nil, ErrEmptyHistory
	}

	record := conv.history[len(conv.history)-1]
	conv.history = conv.history[:len(conv.history)-1]
	conv.owner = record.FromAgentID

	return &record, nil
}

// CurrentOwner returns the agent currently owning the conversation.
func (m *MemoryManager) CurrentOwner(ctx context.Context, conversationID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[conversationID]
	if !ok || conv.owner == "" {
		return "", ErrNotFound
	}
	return conv.owner, nil
}

// ClearConversation removes all state for the conversation.
func (m *MemoryManager) ClearConversation(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conversations, conversationID)
	return nil
}

func (m *MemoryManager) getOrCreateLocked(conversationID string) *conversation {
	conv, ok := m.conversations[conversationID]
	if !ok {
		conv = &conversation{}
		m.conversations[conversationID] = conv
	}
	return conv
}
