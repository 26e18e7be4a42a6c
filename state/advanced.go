package state

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
)

// envelopeKey is the reserved context key carrying the encoded payload
// when compression or encryption is enabled.
const envelopeKey = "_relayflow_envelope"

// envelope wraps an encoded context payload with its encoding flags, so a
// manager with different options enabled can still decode older payloads.
type envelope struct {
	Version    int    `json:"v"`
	Compressed bool   `json:"compressed"`
	Encrypted  bool   `json:"encrypted"`
	Data       string `json:"data"`
}

// AdvancedConfig configures an AdvancedManager.
type AdvancedConfig struct {
	// Compress gzips stored context payloads.
	Compress bool

	// EncryptionKey enables AES-GCM encryption of stored payloads when set.
	// Must be 16, 24 or 32 bytes.
	EncryptionKey []byte

	// Backup mirrors writes to a secondary manager when non-nil.
	Backup Manager
}

// AdvancedStats exposes operation counters for observability.
type AdvancedStats struct {
	Saves        int64 `json:"saves"`
	Loads        int64 `json:"loads"`
	Compressions int64 `json:"compressions"`
	Encryptions  int64 `json:"encryptions"`
	Backups      int64 `json:"backups"`
	Errors       int64 `json:"errors"`
}

// AdvancedManager wraps a basic Manager and adds optional compression,
// optional encryption and optional mirroring to a backup manager.
// Load(Save(x)) returns data equal to x for every combination of options.
type AdvancedManager struct {
	inner  Manager
	backup Manager

	compress bool
	aead     cipher.AEAD

	saves        atomic.Int64
	loads        atomic.Int64
	compressions atomic.Int64
	encryptions  atomic.Int64
	backups      atomic.Int64
	errorCount   atomic.Int64

	logger *zap.Logger
}

// NewAdvancedManager wraps inner with the configured options.
func NewAdvancedManager(inner Manager, config AdvancedConfig, logger *zap.Logger) (*AdvancedManager, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner state manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &AdvancedManager{
		inner:    inner,
		backup:   config.Backup,
		compress: config.Compress,
		logger:   logger.With(zap.String("component", "state_advanced")),
	}

	if len(config.EncryptionKey) > 0 {
		block, err := aes.NewCipher(config.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES-GCM: %w", err)
		}
		m.aead = aead
	}

	return m, nil
}

// SaveContext encodes and stores the context, mirroring to the backup.
func (m *AdvancedManager) SaveContext(ctx context.Context, conversationID string, convContext map[string]string) error {
	encoded, err := m.encode(convContext)
	if err != nil {
		m.errorCount.Add(1)
		return err
	}

	if err := m.inner.SaveContext(ctx, conversationID, encoded); err != nil {
		m.errorCount.Add(1)
		return err
	}
	m.saves.Add(1)

	m.mirror(ctx, conversationID, encoded)
	return nil
}

// LoadContext loads and decodes the stored context.
func (m *AdvancedManager) LoadContext(ctx context.Context, conversationID string) (map[string]string, error) {
	stored, err := m.inner.LoadContext(ctx, conversationID)
	if err != nil {
		m.errorCount.Add(1)
		return nil, err
	}

	decoded, err := m.decode(stored)
	if err != nil {
		m.errorCount.Add(1)
		return nil, err
	}
	m.loads.Add(1)
	return decoded, nil
}

// SaveHandoffState delegates to the inner manager and mirrors to the backup.
func (m *AdvancedManager) SaveHandoffState(ctx context.Context, conversationID, fromAgentID, toAgentID string, convContext map[string]string) error {
	if err := m.inner.SaveHandoffState(ctx, conversationID, fromAgentID, toAgentID, convContext); err != nil {
		m.errorCount.Add(1)
		return err
	}
	m.saves.Add(1)

	if m.backup != nil {
		if err := m.backup.SaveHandoffState(ctx, conversationID, fromAgentID, toAgentID, convContext); err != nil {
			m.errorCount.Add(1)
			m.logger.Warn("backup handoff state write failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		} else {
			m.backups.Add(1)
		}
	}
	return nil
}

// LastHandoff delegates to the inner manager.
func (m *AdvancedManager) LastHandoff(ctx context.Context, conversationID string) (*HandoffRecord, error) {
	return m.inner.LastHandoff(ctx, conversationID)
}

// PopHandoff delegates to the inner manager.
func (m *AdvancedManager) PopHandoff(ctx context.Context, conversationID string) (*HandoffRecord, error) {
	return m.inner.PopHandoff(ctx, conversationID)
}

// CurrentOwner delegates to the inner manager.
func (m *AdvancedManager) CurrentOwner(ctx context.Context, conversationID string) (string, error) {
	return m.inner.CurrentOwner(ctx, conversationID)
}

// ClearConversation clears the conversation in primary and backup.
func (m *AdvancedManager) ClearConversation(ctx context.Context, conversationID string) error {
	if err := m.inner.ClearConversation(ctx, conversationID); err != nil {
		m.errorCount.Add(1)
		return err
	}
	if m.backup != nil {
		if err := m.backup.ClearConversation(ctx, conversationID); err != nil {
			m.errorCount.Add(1)
			m.logger.Warn("backup clear failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return nil
}

// SyncWithBackup copies the conversation's current context from the
// primary to the backup manager.
func (m *AdvancedManager) SyncWithBackup(ctx context.Context, conversationID string) error {
	if m.backup == nil {
		return fmt.Errorf("no backup manager configured")
	}

	stored, err := m.inner.LoadContext(ctx, conversationID)
	if err != nil {
		m.errorCount.Add(1)
		return fmt.Errorf("failed to read primary state: %w", err)
	}

	if err := m.backup.SaveContext(ctx, conversationID, stored); err != nil {
		m.errorCount.Add(1)
		return fmt.Errorf("failed to write backup state: %w", err)
	}

	m.backups.Add(1)
	m.logger.Info("synced conversation to backup", zap.String("conversation_id", conversationID))
	return nil
}

// RecoverFromBackup restores the conversation's context from the backup
// manager into the primary.
func (m *AdvancedManager) RecoverFromBackup(ctx context.Context, conversationID string) error {
	if m.backup == nil {
		return fmt.Errorf("no backup manager configured")
	}

	stored, err := m.backup.LoadContext(ctx, conversationID)
	if err != nil {
		m.errorCount.Add(1)
		return fmt.Errorf("failed to read backup state: %w", err)
	}

	if err := m.inner.SaveContext(ctx, conversationID, stored); err != nil {
		m.errorCount.Add(1)
		return fmt.Errorf("failed to restore primary state: %w", err)
	}

	m.logger.Info("recovered conversation from backup", zap.String("conversation_id", conversationID))
	return nil
}

// Stats returns a snapshot of the operation counters.
func (m *AdvancedManager) Stats() AdvancedStats {
	return AdvancedStats{
		Saves:        m.saves.Load(),
		Loads:        m.loads.Load(),
		Compressions: m.compressions.Load(),
		Encryptions:  m.encryptions.Load(),
		Backups:      m.backups.Load(),
		Errors:       m.errorCount.Load(),
	}
}

// mirror best-effort writes the encoded context to the backup manager.
func (m *AdvancedManager) mirror(ctx context.Context, conversationID string, encoded map[string]string) {
	if m.backup == nil {
		return
	}
	if err := m.backup.SaveContext(ctx, conversationID, encoded); err != nil {
		m.errorCount.Add(1)
		m.logger.Warn("backup context write failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return
	}
	m.backups.Add(1)
}

// encode serializes the context into an envelope when compression or
// encryption is enabled; otherwise it passes the map through untouched.
func (m *AdvancedManager) encode(convContext map[string]string) (map[string]string, error) {
	if !m.compress && m.aead == nil {
		return convContext, nil
	}

	payload, err := json.Marshal(convContext)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize context: %w", err)
	}

	env := envelope{Version: 1}

	if m.compress {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("failed to compress context: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish compression: %w", err)
		}
		payload = buf.Bytes()
		env.Compressed = true
		m.compressions.Add(1)
	}

	if m.aead != nil {
		nonce := make([]byte, m.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("failed to generate nonce: %w", err)
		}
		// Nonce is prepended to the ciphertext.
		payload = m.aead.Seal(nonce, nonce, payload, nil)
		env.Encrypted = true
		m.encryptions.Add(1)
	}

	env.Data = base64.StdEncoding.EncodeToString(payload)
	return map[string]string{envelopeKey: marshalEnvelope(env)}, nil
}

// decode reverses encode. Plain maps without an envelope pass through,
// which keeps previously unencoded data readable.
func (m *AdvancedManager) decode(stored map[string]string) (map[string]string, error) {
	raw, ok := stored[envelopeKey]
	if !ok {
		return stored, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("failed to parse stored envelope: %w", err)
	}

	payload, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored payload: %w", err)
	}

	if env.Encrypted {
		if m.aead == nil {
			return nil, fmt.Errorf("stored payload is encrypted but no key is configured")
		}
		if len(payload) < m.aead.NonceSize() {
			return nil, fmt.Errorf("stored payload is truncated")
		}
		nonce, ciphertext := payload[:m.aead.NonceSize()], payload[m.aead.NonceSize():]
		payload, err = m.aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt stored payload: %w", err)
		}
	}

	if env.Compressed {
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to open compressed payload: %w", err)
		}
		payload, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		if err := r.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish decompression: %w", err)
		}
	}

	var convContext map[string]string
	if err := json.Unmarshal(payload, &convContext); err != nil {
		return nil, fmt.Errorf("failed to deserialize context: %w", err)
	}
	return convContext, nil
}

func marshalEnvelope(env envelope) string {
	data, _ := json.Marshal(env)
	return string(data)
}
