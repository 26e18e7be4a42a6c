package handoff

import (
	"strings"

	"go.uber.org/zap"

	"github.com/Arkeep/relayflow/config"
)

// Security enforces the handoff permission graph and scrubs sensitive
// values from conversation context before it crosses any boundary
// (persistence, logging, tracing, agent invocation).
type Security struct {
	permissions map[string]map[string]struct{}
	sensitive   []string
	mask        string
	logger      *zap.Logger
}

// NewSecurity builds a Security manager from configuration. An agent absent
// from the permission graph may not hand off to anyone (default deny).
func NewSecurity(cfg config.SecurityConfig, logger *zap.Logger) *Security {
	if logger == nil {
		logger = zap.NewNop()
	}
	perms := make(map[string]map[string]struct{}, len(cfg.Permissions))
	for source, targets := range cfg.Permissions {
		set := make(map[string]struct{}, len(targets))
		for _, t := range targets {
			set[t] = struct{}{}
		}
		perms[source] = set
	}
	sensitive := make([]string, 0, len(cfg.SensitiveKeys))
	for _, k := range cfg.SensitiveKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			sensitive = append(sensitive, k)
		}
	}
	return &Security{
		permissions: perms,
		sensitive:   sensitive,
		mask:        cfg.MaskValue,
		logger:      logger.With(zap.String("component", "security")),
	}
}

// Allowed reports whether source may hand off to target.
func (s *Security) Allowed(sourceAgentID, targetAgentID string) bool {
	targets, ok := s.permissions[sourceAgentID]
	if !ok {
		return false
	}
	_, ok = targets[targetAgentID]
	return ok
}

// Sanitize returns a copy of the context with sensitive entries masked, or
// removed entirely when no mask value is configured. A key is sensitive
// when its lowercase form contains any configured sensitive substring.
// The input map is never mutated.
func (s *Security) Sanitize(convContext map[string]string) map[string]string {
	if convContext == nil {
		return nil
	}
	out := make(map[string]string, len(convContext))
	for k, v := range convContext {
		if s.isSensitive(k) {
			if s.mask != "" {
				out[k] = s.mask
			}
			continue
		}
		out[k] = v
	}
	return out
}

// IsSensitive reports whether values under the given key must not leave the
// engine unmasked.
func (s *Security) IsSensitive(key string) bool {
	return s.isSensitive(key)
}

func (s *Security) isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range s.sensitive {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
