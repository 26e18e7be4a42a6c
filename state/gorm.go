package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConversationModel is the GORM model for a conversation row.
type ConversationModel struct {
	ConversationID string `gorm:"primaryKey;size:191"`
	Owner          string `gorm:"size:191"`
	Context        string `gorm:"type:text"`
	UpdatedAt      time.Time
}

// TableName maps the model to its table.
func (ConversationModel) TableName() string { return "relay_conversations" }

// HandoffHistoryModel is the GORM model for one handoff history entry.
type HandoffHistoryModel struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"index;size:191"`
	FromAgentID    string `gorm:"size:191"`
	ToAgentID      string `gorm:"size:191"`
	Snapshot       string `gorm:"type:text"`
	CreatedAt      time.Time
}

// TableName maps the model to its table.
func (HandoffHistoryModel) TableName() string { return "relay_handoff_history" }

// GormManager is a SQL-backed Manager. Any GORM dialector works; tests use
// the pure-Go SQLite driver.
type GormManager struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewGormManager creates a SQL-backed state manager and migrates its tables.
func NewGormManager(db *gorm.DB, logger *zap.Logger) (*GormManager, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := db.AutoMigrate(&ConversationModel{}, &HandoffHistoryModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate state tables: %w", err)
	}

	return &GormManager{
		db:     db,
		now:    time.Now,
		logger: logger.With(zap.String("component", "state_gorm")),
	}, nil
}

// SaveContext stores the conversation context blob as JSON.
func (m *GormManager) SaveContext(ctx context.Context, conversationID string, convContext map[string]string) error {
	data, err := json.Marshal(convContext)
	if err != nil {
		return fmt.Errorf("failed to serialize context: %w", err)
	}

	row := ConversationModel{
		ConversationID: conversationID,
		Context:        string(data),
		UpdatedAt:      m.now(),
	}

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ConversationModel
		err := tx.Where("conversation_id = ?", conversationID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		case err != nil:
			return err
		default:
			return tx.Model(&ConversationModel{}).
				Where("conversation_id = ?", conversationID).
				Updates(map[string]any{"context": row.Context, "updated_at": row.UpdatedAt}).Error
		}
	})
}

// LoadContext returns the stored context, or ErrNotFound.
func (m *GormManager) LoadContext(ctx context.Context, conversationID string) (map[string]string, error) {
	var row ConversationModel
	err := m.db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load context: %w", err)
	}
	if row.Context == "" {
		return nil, ErrNotFound
	}

	var convContext map[string]string
	if err := json.Unmarshal([]byte(row.Context), &convContext); err != nil {
		return nil, fmt.Errorf("failed to deserialize context: %w", err)
	}
	return convContext, nil
}

// SaveHandoffState pushes a history row and transfers ownership.
func (m *GormManager) SaveHandoffState(ctx context.Context, conversationID, fromAgentID, toAgentID string, convContext map[string]string) error {
	snapshot, err := json.Marshal(convContext)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry := HandoffHistoryModel{
			ConversationID: conversationID,
			FromAgentID:    fromAgentID,
			ToAgentID:      toAgentID,
			Snapshot:       string(snapshot),
			CreatedAt:      m.now(),
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		var existing ConversationModel
		err := tx.Where("conversation_id = ?", conversationID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&ConversationModel{
				ConversationID: conversationID,
				Owner:          toAgentID,
				UpdatedAt:      m.now(),
			}).Error
		case err != nil:
			return err
		default:
			return tx.Model(&ConversationModel{}).
				Where("conversation_id = ?", conversationID).
				Updates(map[string]any{"owner": toAgentID, "updated_at": m.now()}).Error
		}
	})
}

// LastHandoff returns the most recent history entry without popping it.
func (m *GormManager) LastHandoff(ctx context.Context, conversationID string) (*HandoffRecord, error) {
	var row HandoffHistoryModel
	err := m.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEmptyHistory
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read handoff history: %w", err)
	}
	return rowToRecord(row)
}

// PopHandoff removes the most recent history entry and restores its source
// agent as current owner, atomically.
func (m *GormManager) PopHandoff(ctx context.Context, conversationID string) (*HandoffRecord, error) {
	var record *HandoffRecord

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row HandoffHistoryModel
		err := tx.Where("conversation_id = ?", conversationID).
			Order("id DESC").
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrEmptyHistory
		}
		if err != nil {
			return err
		}

		if err := tx.Delete(&HandoffHistoryModel{}, row.ID).Error; err != nil {
			return err
		}

		if err := tx.Model(&ConversationModel{}).
			Where("conversation_id = ?", conversationID).
			Updates(map[string]any{"owner": row.FromAgentID, "updated_at": m.now()}).Error; err != nil {
			return err
		}

		record, err = rowToRecord(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// CurrentOwner returns the agent currently owning the conversation.
func (m *GormManager) CurrentOwner(ctx context.Context, conversationID string) (string, error) {
	var row ConversationModel
	err := m.db.WithContext(ctx).Where("conversation_id = ?", conversationID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read owner: %w", err)
	}
	if row.Owner == "" {
		return "", ErrNotFound
	}
	return row.Owner, nil
}

// ClearConversation removes the conversation row and its history.
func (m *GormManager) ClearConversation(ctx context.Context, conversationID string) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conversationID).Delete(&HandoffHistoryModel{}).Error; err != nil {
			return err
		}
		return tx.Where("conversation_id = ?", conversationID).Delete(&ConversationModel{}).Error
	})
}

func rowToRecord(row HandoffHistoryModel) (*HandoffRecord, error) {
	record := &HandoffRecord{
		FromAgentID: row.FromAgentID,
		ToAgentID:   row.ToAgentID,
		Timestamp:   row.CreatedAt,
	}
	if row.Snapshot != "" {
		if err := json.Unmarshal([]byte(row.Snapshot), &record.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("failed to deserialize snapshot: %w", err)
		}
	}
	return record, nil
}
