package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisManagerConfig configures a RedisManager.
type RedisManagerConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`

	// KeyPrefix namespaces all keys written by this manager.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// TTL expires conversation keys when positive. 0 keeps them forever.
	TTL time.Duration `yaml:"ttl" json:"ttl"`

	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time `yaml:"-" json:"-"`
}

// DefaultRedisManagerConfig returns the default Redis state configuration.
func DefaultRedisManagerConfig() RedisManagerConfig {
	return RedisManagerConfig{
		Addr:      "localhost:6379",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "relayflow:state:",
		TTL:       0,
	}
}

// RedisManager is a Redis-backed Manager for distributed deployments.
// History is a Redis list per conversation; context and owner are strings.
type RedisManager struct {
	client *redis.Client
	config RedisManagerConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewRedisManager creates a Redis-backed state manager and verifies
// connectivity.
func NewRedisManager(config RedisManagerConfig, logger *zap.Logger) (*RedisManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &RedisManager{
		client: client,
		config: config,
		now:    now,
		logger: logger.With(zap.String("component", "state_redis")),
	}

	m.logger.Info("redis state manager initialized", zap.String("addr", config.Addr))
	return m, nil
}

// SaveContext stores the conversation context blob as JSON.
func (m *RedisManager) SaveContext(ctx context.Context, conversationID string, convContext map[string]string) error {
	data, err := json.Marshal(convContext)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	if err := m.client.Set(ctx, m.contextKey(conversationID), data, m.config.TTL).Err(); err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return nil
}

// LoadContext returns the stored context, or ErrNotFound.
func (m *RedisManager) LoadContext(ctx context.Context, conversationID string) (map[string]string, error) {
	data, err := m.client.Get(ctx, m.contextKey(conversationID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}

	var convContext map[string]string
	if err := json.Unmarshal(data, &convContext); err != nil {
		return nil, fmt.Errorf("failed to deserialize context: %w", err)
	}
	return convContext, nil
}

// SaveHandoffState pushes a history entry and transfers ownership.
func (m *RedisManager) SaveHandoffState(ctx context.Context, conversationID, fromAgentID, toAgentID string, convContext map[string]string) error {
	record := HandoffRecord{
		FromAgentID:     fromAgentID,
		ToAgentID:       toAgentID,
		ContextSnapshot: convContext,
		Timestamp:       m.now(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize handoff record: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, m.historyKey(conversationID), data)
	pipe.Set(ctx, m.ownerKey(conversationID), toAgentID, m.config.TTL)
	if m.config.TTL > 0 {
		pipe.Expire(ctx, m.historyKey(conversationID), m.config.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save handoff state: %w", err)
	}

	m.logger.Debug("handoff state saved",
		zap.String("conversation_id", conversationID),
		zap.String("from", fromAgentID),
		zap.String("to", toAgentID),
	)
	return nil
}

// LastHandoff returns the most recent history entry without popping it.
func (m *RedisManager) LastHandoff(ctx context.Context, conversationID string) (*HandoffRecord, error) {
	data, err := m.client.LIndex(ctx, m.historyKey(conversationID), -1).Bytes()
	if err == redis.Nil {
		return nil, ErrEmptyHistory
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read handoff history: %w", err)
	}
	return unmarshalRecord(data)
}

// PopHandoff removes the most recent history entry and restores its source
// agent as current owner.
func (m *RedisManager) PopHandoff(ctx context.Context, conversationID string) (*HandoffRecord, error) {
	data, err := m.client.RPop(ctx, m.historyKey(conversationID)).Bytes()
	if err == redis.Nil {
		return nil, ErrEmptyHistory
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop handoff history: %w", err)
	}

	record, err := unmarshalRecord(data)
	if err != nil {
		return nil, err
	}

	if err := m.client.Set(ctx, m.ownerKey(conversationID), record.FromAgentID, m.config.TTL).Err(); err != nil {
		return nil, fmt.Errorf("failed to restore owner: %w", err)
	}
	return record, nil
}

// CurrentOwner returns the agent currently owning the conversation.
func (m *RedisManager) CurrentOwner(ctx context.Context, conversationID string) (string, error) {
	owner, err := m.client.Get(ctx, m.ownerKey(conversationID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read owner: %w", err)
	}
	return owner, nil
}

// ClearConversation removes all state for the conversation.
func (m *RedisManager) ClearConversation(ctx context.Context, conversationID string) error {
	keys := []string{
		m.contextKey(conversationID),
		m.ownerKey(conversationID),
		m.historyKey(conversationID),
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear conversation: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (m *RedisManager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (m *RedisManager) Close() error {
	m.logger.Info("closing redis state manager")
	return m.client.Close()
}

func (m *RedisManager) contextKey(conversationID string) string {
	return m.config.KeyPrefix + "conv:" + conversationID + ":context"
}

func (m *RedisManager) ownerKey(conversationID string) string {
	return m.config.KeyPrefix + "conv:" + conversationID + ":owner"
}

func (m *RedisManager) historyKey(conversationID string) string {
	return m.config.KeyPrefix + "conv:" + conversationID + ":history"
}

func unmarshalRecord(data []byte) (*HandoffRecord, error) {
	var record HandoffRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize handoff record: %w", err)
	}
	return &record, nil
}
