package handoff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Arkeep/relayflow/internal/cache"
	"github.com/Arkeep/relayflow/internal/metrics"
)

// Suggestion metric outcomes.
const (
	suggestionOutcomeCached    = "cached"
	suggestionOutcomeSuggested = "suggested"
	suggestionOutcomeStay      = "stay"
)

const suggestionCacheType = "suggestion"

// arithmeticPattern matches inline arithmetic like "2+2" or "12 * 7", a
// strong signal for mathematics even without keyword overlap.
var arithmeticPattern = regexp.MustCompile(`\d+\s*[-+*/^%]\s*\d+`)

// defaultCapabilityKeywords maps a capability name to the question keywords
// that indicate it. Extend per engine with WithCapabilityKeywords.
var defaultCapabilityKeywords = map[string][]string{
	"mathematics": {"math", "calculate", "calculation", "equation", "sum",
		"multiply", "divide", "subtract", "arithmetic", "algebra", "geometry",
		"integral", "derivative", "percent", "average"},
	"history": {"history", "historical", "ancient", "medieval", "war",
		"empire", "revolution", "century", "dynasty", "civilization"},
	"science": {"science", "physics", "chemistry", "biology", "atom",
		"molecule", "experiment", "gravity", "evolution", "quantum"},
	"coding": {"code", "coding", "program", "programming", "debug",
		"function", "compile", "algorithm", "golang", "python", "bug"},
	"finance": {"finance", "financial", "invest", "investment", "stock",
		"budget", "loan", "interest", "tax", "mortgage"},
	"travel": {"travel", "trip", "flight", "hotel", "itinerary", "visa",
		"destination", "vacation"},
	"support": {"support", "help", "issue", "problem", "refund", "account",
		"cancel", "complaint"},
}

// SuggestionEngineOption customizes a SuggestionEngine.
type SuggestionEngineOption func(*SuggestionEngine)

// WithSuggestionCache attaches a TTL cache consulted when Suggest is called
// with useCache set.
func WithSuggestionCache(c cache.Cache, ttl time.Duration) SuggestionEngineOption {
	return func(e *SuggestionEngine) {
		e.cache = c
		e.cacheTTL = ttl
	}
}

// WithSuggestionMetrics attaches a metrics collector.
func WithSuggestionMetrics(m *metrics.Collector) SuggestionEngineOption {
	return func(e *SuggestionEngine) { e.metrics = m }
}

// WithCapabilityKeywords merges extra capability -> keyword entries over the
// built-in table. Existing capabilities are replaced, not appended to.
func WithCapabilityKeywords(keywords map[string][]string) SuggestionEngineOption {
	return func(e *SuggestionEngine) {
		for capability, words := range keywords {
			e.keywords[capability] = append([]string(nil), words...)
		}
	}
}

// SuggestionEngine scores an incoming question against every registered
// agent's capabilities and recommends a handoff target when another agent
// is a clearly better fit than the current one.
type SuggestionEngine struct {
	registry *Registry
	cache    cache.Cache
	cacheTTL time.Duration
	metrics  *metrics.Collector
	keywords map[string][]string
	logger   *zap.Logger
}

// NewSuggestionEngine creates a suggestion engine over the registry.
func NewSuggestionEngine(registry *Registry, logger *zap.Logger, opts ...SuggestionEngineOption) *SuggestionEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &SuggestionEngine{
		registry: registry,
		keywords: make(map[string][]string, len(defaultCapabilityKeywords)),
		logger:   logger.With(zap.String("component", "suggestion_engine")),
	}
	for capability, words := range defaultCapabilityKeywords {
		e.keywords[capability] = words
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Suggest recommends the best handoff target for the question, or nil when
// the current agent should keep the conversation. The current agent is
// never suggested. With useCache set, a prior suggestion for the same
// (question, current agent) pair within the cache TTL is returned as is.
func (e *SuggestionEngine) Suggest(ctx context.Context, question, currentAgentID, conversationID string, convContext map[string]string, useCache bool) (*Suggestion, error) {
	if strings.TrimSpace(question) == "" {
		return nil, nil
	}

	cacheKey := e.cacheKey(question, currentAgentID)
	if useCache && e.cache != nil {
		var cached Suggestion
		err := cache.GetJSON(ctx, e.cache, cacheKey, &cached)
		switch {
		case err == nil:
			e.recordCacheHit()
			e.recordOutcome(suggestionOutcomeCached)
			return &cached, nil
		case cache.IsCacheMiss(err):
			e.recordCacheMiss()
		default:
			e.logger.Warn("suggestion cache read failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	best := e.bestMatch(question, currentAgentID)
	if best == nil {
		e.recordOutcome(suggestionOutcomeStay)
		return nil, nil
	}

	if useCache && e.cache != nil {
		if err := cache.SetJSON(ctx, e.cache, cacheKey, best, e.cacheTTL); err != nil {
			e.logger.Warn("suggestion cache write failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	e.recordOutcome(suggestionOutcomeSuggested)
	e.logger.Debug("suggesting handoff",
		zap.String("conversation_id", conversationID),
		zap.String("current_agent", currentAgentID),
		zap.String("target_agent", best.TargetAgentID),
		zap.Float64("confidence", best.Confidence))
	return best, nil
}

// MatchingAgents returns the ids of every registered agent other than
// excludeAgentID whose capabilities score at least one hit against the
// question, sorted by id. Parallel fan-out dispatches to this set.
func (e *SuggestionEngine) MatchingAgents(question, excludeAgentID string) []string {
	var out []string
	for _, id := range e.registry.IDs() {
		if id == excludeAgentID {
			continue
		}
		if hits, _ := e.scoreAgent(question, id); hits > 0 {
			out = append(out, id)
		}
	}
	return out
}

// bestMatch returns the highest-scoring agent other than the current one,
// or nil when no agent scores a hit.
func (e *SuggestionEngine) bestMatch(question, currentAgentID string) *Suggestion {
	var (
		bestID   string
		bestHits int
		bestCap  string
	)
	currentHits, _ := e.scoreAgent(question, currentAgentID)
	for _, id := range e.registry.IDs() {
		if id == currentAgentID {
			continue
		}
		hits, capability := e.scoreAgent(question, id)
		if hits > bestHits {
			bestID, bestHits, bestCap = id, hits, capability
		}
	}
	// The incumbent wins ties: a handoff needs a strictly better fit.
	if bestHits == 0 || bestHits <= currentHits {
		return nil
	}
	return &Suggestion{
		TargetAgentID: bestID,
		Confidence:    confidenceFor(bestHits),
		Reason:        fmt.Sprintf("question matches %s capability (%d signal hits)", bestCap, bestHits),
	}
}

// scoreAgent returns the total keyword hits for the agent's capabilities
// and the capability that contributed the most.
func (e *SuggestionEngine) scoreAgent(question, agentID string) (int, string) {
	lower := strings.ToLower(question)
	var (
		total    int
		bestCap  string
		bestHits int
	)
	for _, capability := range e.registry.Capabilities(agentID) {
		hits := 0
		for _, word := range e.keywords[strings.ToLower(capability)] {
			if strings.Contains(lower, word) {
				hits++
			}
		}
		if strings.EqualFold(capability, "mathematics") && arithmeticPattern.MatchString(question) {
			hits += 2
		}
		total += hits
		if hits > bestHits {
			bestHits, bestCap = hits, capability
		}
	}
	return total, bestCap
}

// confidenceFor maps a hit count into [0,1]. One hit clears the default
// 0.7 threshold; confidence saturates at 0.95.
func confidenceFor(hits int) float64 {
	conf := 0.6 + 0.15*float64(hits)
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

func (e *SuggestionEngine) cacheKey(question, currentAgentID string) string {
	sum := sha256.Sum256([]byte(question))
	return "suggest:" + hex.EncodeToString(sum[:]) + ":" + currentAgentID
}

func (e *SuggestionEngine) recordOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.RecordSuggestion(outcome)
	}
}

func (e *SuggestionEngine) recordCacheHit() {
	if e.metrics != nil {
		e.metrics.RecordCacheHit(suggestionCacheType)
	}
}

func (e *SuggestionEngine) recordCacheMiss() {
	if e.metrics != nil {
		e.metrics.RecordCacheMiss(suggestionCacheType)
	}
}
