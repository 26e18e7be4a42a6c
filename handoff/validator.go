package handoff

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Validation rule names, used as metric labels and carried in
// ValidationResult.Rules alongside the human-readable messages.
const (
	RuleContextSize  = "context_size"
	RuleFallback     = "fallback_registered"
	RuleTarget       = "target_registered"
	RuleCapabilities = "required_capabilities"
	RulePermission   = "permission"
)

// Validator checks handoff requests against the engine's admission rules.
// Validate evaluates every rule independently so a single call reports all
// violations at once; it never mutates the request and never errors.
type Validator struct {
	registry        *Registry
	security        *Security
	maxContextBytes int
	logger          *zap.Logger
}

// NewValidator creates a Validator. maxContextBytes bounds the serialized
// JSON size of the request context; zero or negative disables the limit.
func NewValidator(registry *Registry, security *Security, maxContextBytes int, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		registry:        registry,
		security:        security,
		maxContextBytes: maxContextBytes,
		logger:          logger.With(zap.String("component", "validator")),
	}
}

// Validate evaluates all admission rules against the request.
func (v *Validator) Validate(req *Request) ValidationResult {
	res := ValidationResult{IsValid: true}
	if req == nil {
		res.add(RuleTarget, "request is nil")
		return res
	}

	if v.maxContextBytes > 0 {
		if size := ContextSizeBytes(req.Context); size > v.maxContextBytes {
			res.add(RuleContextSize,
				fmt.Sprintf("context size %d bytes exceeds limit %d", size, v.maxContextBytes))
		}
	}

	if req.FallbackAgentID != "" && !v.registry.Has(req.FallbackAgentID) {
		res.add(RuleFallback,
			fmt.Sprintf("fallback agent %q is not registered", req.FallbackAgentID))
	}

	if !v.registry.Has(req.TargetAgentID) {
		res.add(RuleTarget,
			fmt.Sprintf("target agent %q is not registered", req.TargetAgentID))
	} else if !v.registry.HasCapabilities(req.TargetAgentID, req.RequiredCapabilities) {
		res.add(RuleCapabilities,
			fmt.Sprintf("target agent %q is missing required capabilities [%s]",
				req.TargetAgentID, strings.Join(missingCapabilities(v.registry, req), ", ")))
	}

	if !v.security.Allowed(req.SourceAgentID, req.TargetAgentID) {
		res.add(RulePermission,
			fmt.Sprintf("handoff from %q to %q is not permitted",
				req.SourceAgentID, req.TargetAgentID))
	}

	if !res.IsValid {
		v.logger.Debug("request rejected",
			zap.String("source", req.SourceAgentID),
			zap.String("target", req.TargetAgentID),
			zap.Strings("rules", res.Rules))
	}
	return res
}

// MaxContextBytes returns the configured context size limit.
func (v *Validator) MaxContextBytes() int {
	return v.maxContextBytes
}

// ContextSizeBytes returns the serialized JSON size of a conversation
// context, the measure the context size rule is enforced against.
func ContextSizeBytes(convContext map[string]string) int {
	if len(convContext) == 0 {
		return 0
	}
	b, err := json.Marshal(convContext)
	if err != nil {
		return 0
	}
	return len(b)
}

func (v *ValidationResult) add(rule, message string) {
	v.IsValid = false
	v.Rules = append(v.Rules, rule)
	v.Errors = append(v.Errors, message)
}

func missingCapabilities(registry *Registry, req *Request) []string {
	have := make(map[string]struct{})
	for _, c := range registry.Capabilities(req.TargetAgentID) {
		have[c] = struct{}{}
	}
	var missing []string
	for _, c := range req.RequiredCapabilities {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}
