package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Arkeep/relayflow/config"
	"github.com/Arkeep/relayflow/internal/cache"
	"github.com/Arkeep/relayflow/internal/metrics"
	"github.com/Arkeep/relayflow/state"
)

// OrchestratorConfig wires the orchestrator's collaborators. Registry,
// Security and State are required; everything else has a working default.
type OrchestratorConfig struct {
	// Registry resolves agent ids to handles. Required.
	Registry *Registry

	// Security supplies the permission graph and context redaction. Required.
	Security *Security

	// State persists conversation ownership, context and history. Required.
	State state.Manager

	// Suggestions drives intelligent routing. Built over Registry when nil.
	Suggestions *SuggestionEngine

	// Metrics receives handoff metrics. Nil disables collection.
	Metrics *metrics.Collector

	// Tracing emits spans. A ring-only sink is built when nil.
	Tracing *Tracing

	// ParallelCache stores parallel fan-out results. An in-memory TTL cache
	// is built when nil.
	ParallelCache cache.Cache

	// Handoff tunes limits, timeouts and cache TTLs. Zero value uses
	// config.DefaultHandoffConfig.
	Handoff config.HandoffConfig

	// Queue sizes the async worker pool. Workers <= 0 disables async
	// handoffs. Zero value uses config.DefaultQueueConfig.
	Queue QueueSettings

	// OnClose funcs run during Close, after the async queue drains.
	// Used to tear down resources whose lifetime matches the engine,
	// such as telemetry providers.
	OnClose []func() error

	// Logger is the base logger. Nop when nil.
	Logger *zap.Logger
}

// QueueSettings sizes the async queue. Distinct from config.QueueConfig so
// the zero value can mean "use defaults" while an explicit Disabled flag
// turns async off.
type QueueSettings struct {
	Workers  int
	Size     int
	Disabled bool
}

// Orchestrator coordinates handoffs between registered agents: manual,
// intelligent, hybrid, parallel and asynchronous flows plus reversal.
// Handoffs within one conversation are serialized; different conversations
// proceed concurrently.
type Orchestrator struct {
	registry    *Registry
	security    *Security
	validator   *Validator
	suggestions *SuggestionEngine
	state       state.Manager
	metrics     *metrics.Collector
	tracing     *Tracing
	cfg         config.HandoffConfig
	limiter     *rate.Limiter
	logger      *zap.Logger

	parallelCache cache.Cache
	ownsCache     bool

	convMu    sync.Mutex
	convLocks map[string]*sync.Mutex

	queue *asyncQueue

	onClose   []func() error
	closeOnce sync.Once
	closeErr  error
}

// NewOrchestrator assembles an orchestrator from its collaborators.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry: %w", ErrMissingDependency)
	}
	if cfg.Security == nil {
		return nil, fmt.Errorf("security: %w", ErrMissingDependency)
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("state manager: %w", ErrMissingDependency)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := cfg.Handoff
	if hc == (config.HandoffConfig{}) {
		hc = config.DefaultHandoffConfig()
	}
	tracing := cfg.Tracing
	if tracing == nil {
		tracing = NewTracing("relayflow", logger)
	}
	suggestions := cfg.Suggestions
	if suggestions == nil {
		opts := []SuggestionEngineOption{}
		if cfg.Metrics != nil {
			opts = append(opts, WithSuggestionMetrics(cfg.Metrics))
		}
		suggestions = NewSuggestionEngine(cfg.Registry, logger, opts...)
	}
	parallelCache := cfg.ParallelCache
	ownsCache := false
	if parallelCache == nil {
		parallelCache = cache.NewMemory(cache.MemoryConfig{DefaultTTL: hc.ParallelCacheTTL}, logger)
		ownsCache = true
	}
	var limiter *rate.Limiter
	if hc.RatePerSecond > 0 {
		burst := hc.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(hc.RatePerSecond), burst)
	}

	o := &Orchestrator{
		registry:      cfg.Registry,
		security:      cfg.Security,
		validator:     NewValidator(cfg.Registry, cfg.Security, hc.MaxContextBytes, logger),
		suggestions:   suggestions,
		state:         cfg.State,
		metrics:       cfg.Metrics,
		tracing:       tracing,
		cfg:           hc,
		limiter:       limiter,
		logger:        logger.With(zap.String("component", "orchestrator")),
		parallelCache: parallelCache,
		ownsCache:     ownsCache,
		convLocks:     make(map[string]*sync.Mutex),
		onClose:       cfg.OnClose,
	}

	qs := cfg.Queue
	if !qs.Disabled {
		if qs.Workers == 0 && qs.Size == 0 {
			def := config.DefaultQueueConfig()
			qs.Workers, qs.Size = def.Workers, def.Size
		}
		if qs.Workers > 0 && qs.Size > 0 {
			o.queue = newAsyncQueue(qs.Workers, qs.Size, o.Handle, cfg.Metrics, logger)
		}
	}
	return o, nil
}

// Validator returns the orchestrator's request validator.
func (o *Orchestrator) Validator() *Validator { return o.validator }

// Tracing returns the orchestrator's span sink.
func (o *Orchestrator) Tracing() *Tracing { return o.tracing }

// Suggestions returns the orchestrator's suggestion engine.
func (o *Orchestrator) Suggestions() *SuggestionEngine { return o.suggestions }

// SupportsParallel reports whether parallel fan-out is available. Resolved
// at construction, never probed at call time.
func (o *Orchestrator) SupportsParallel() bool { return true }

// SupportsAsync reports whether the async queue is running.
func (o *Orchestrator) SupportsAsync() bool { return o.queue != nil }

// Close stops the async workers, releases owned resources and runs the
// configured OnClose hooks. Idempotent.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		var errs []error
		if o.queue != nil {
			o.queue.close()
		}
		if o.ownsCache {
			if err := o.parallelCache.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, fn := range o.onClose {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
		o.closeErr = errors.Join(errs...)
	})
	return o.closeErr
}

// Handle executes a single handoff end to end: validation, authorization,
// context sanitization, target invocation with optional fallback retry,
// and state persistence. Failures are reported in the Result; Handle never
// panics across the boundary and only returns nil for a nil request.
func (o *Orchestrator) Handle(ctx context.Context, req *Request) *Result {
	if req == nil {
		return &Result{Status: StatusFailure, ErrorMessage: ErrNilRequest.Error()}
	}
	start := time.Now()

	if o.limiter != nil && !o.limiter.Allow() {
		return o.finish(req, start, &Result{
			Status:        StatusFailure,
			TargetAgentID: req.TargetAgentID,
			ErrorMessage:  "handoff rate limit exceeded",
		})
	}

	ctx, endSpan := o.tracing.StartSpan(ctx, "handoff.handle", map[string]string{
		"source_agent":    req.SourceAgentID,
		"target_agent":    req.TargetAgentID,
		"conversation_id": req.ConversationID,
	})

	unlock := o.lockConversation(req.ConversationID)
	defer unlock()

	res := o.execute(ctx, req)
	if res.Status == StatusFailure {
		endSpan(fmt.Errorf("%s", res.ErrorMessage))
	} else {
		endSpan(nil)
	}
	return o.finish(req, start, res)
}

// execute runs the request state machine under the conversation lock.
func (o *Orchestrator) execute(ctx context.Context, req *Request) *Result {
	// Validating -> Rejected
	if vr := o.validator.Validate(req); !vr.IsValid {
		if o.metrics != nil {
			for _, rule := range vr.Rules {
				o.metrics.RecordValidationFailure(rule)
			}
		}
		o.logger.Warn("handoff rejected",
			zap.String("conversation_id", req.ConversationID),
			zap.Strings("rules", vr.Rules))
		return &Result{
			Status:        StatusFailure,
			TargetAgentID: req.TargetAgentID,
			ErrorMessage:  vr.Error(),
		}
	}

	// Authorizing -> Denied. Validation already covers the permission rule;
	// the explicit check keeps the denial metric and log distinct.
	if !o.security.Allowed(req.SourceAgentID, req.TargetAgentID) {
		if o.metrics != nil {
			o.metrics.RecordSecurityDenial(req.SourceAgentID, req.TargetAgentID)
		}
		return &Result{
			Status:        StatusFailure,
			TargetAgentID: req.TargetAgentID,
			ErrorMessage: fmt.Sprintf("handoff from %q to %q is not permitted",
				req.SourceAgentID, req.TargetAgentID),
		}
	}

	sanitized := o.security.Sanitize(req.Context)
	message := sanitized[ContextKeyQuestion]
	if message == "" {
		message = req.Reason
	}

	// Executing
	response, err := o.invoke(ctx, req.TargetAgentID, message, sanitized)
	target := req.TargetAgentID
	status := StatusSuccess
	if err != nil {
		if req.FallbackAgentID == "" {
			return &Result{
				Status:        StatusFailure,
				TargetAgentID: req.TargetAgentID,
				ErrorMessage:  fmt.Sprintf("target agent failed: %v", err),
			}
		}
		o.logger.Warn("target agent failed, retrying fallback",
			zap.String("conversation_id", req.ConversationID),
			zap.String("target_agent", req.TargetAgentID),
			zap.String("fallback_agent", req.FallbackAgentID),
			zap.Error(err))
		response, err = o.invoke(ctx, req.FallbackAgentID, message, sanitized)
		if err != nil {
			return &Result{
				Status:        StatusFailure,
				TargetAgentID: req.TargetAgentID,
				ErrorMessage:  fmt.Sprintf("target and fallback agents failed: %v", err),
			}
		}
		target = req.FallbackAgentID
		status = StatusFallback
	}

	// Completed: persist context, ownership and history.
	if err := o.state.SaveContext(ctx, req.ConversationID, sanitized); err != nil {
		return &Result{
			Status:        StatusFailure,
			TargetAgentID: target,
			ErrorMessage:  fmt.Sprintf("failed to persist context: %v", err),
		}
	}
	if err := o.state.SaveHandoffState(ctx, req.ConversationID, req.SourceAgentID, target, sanitized); err != nil {
		return &Result{
			Status:        StatusFailure,
			TargetAgentID: target,
			ErrorMessage:  fmt.Sprintf("failed to persist handoff state: %v", err),
		}
	}

	return &Result{
		Status:           status,
		TargetAgentID:    target,
		ResultingContext: sanitized,
		Response:         response,
	}
}

// invoke calls an agent with the per-invocation timeout applied.
func (o *Orchestrator) invoke(ctx context.Context, agentID, message string, convContext map[string]string) (string, error) {
	handle, err := o.registry.Get(agentID)
	if err != nil {
		return "", err
	}
	if o.cfg.BranchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.BranchTimeout)
		defer cancel()
	}
	return handle.Invoke(ctx, message, convContext)
}

// finish stamps timing and size on the result and records metrics. The
// metric target label names the agent that actually served the handoff,
// which is the fallback agent after a fallback retry.
func (o *Orchestrator) finish(req *Request, start time.Time, res *Result) *Result {
	elapsed := time.Since(start)
	res.ProcessingTimeMs = elapsed.Milliseconds()
	res.ContextSizeBytes = ContextSizeBytes(res.ResultingContext)
	if o.metrics != nil {
		target := res.TargetAgentID
		if target == "" {
			target = req.TargetAgentID
		}
		o.metrics.RecordHandoff(req.SourceAgentID, target, string(res.Status), elapsed, res.ContextSizeBytes)
	}
	return res
}

// HandleIntelligent routes the question through the suggestion engine and
// executes the suggested handoff when its confidence clears the threshold.
// A nil result with nil error means the current agent keeps the
// conversation. threshold <= 0 uses the configured default.
func (o *Orchestrator) HandleIntelligent(ctx context.Context, question, currentAgentID, conversationID string, convContext map[string]string, threshold float64) (*Result, error) {
	if threshold <= 0 {
		threshold = o.cfg.ConfidenceThreshold
	}
	sugg, err := o.suggestions.Suggest(ctx, question, currentAgentID, conversationID, convContext, true)
	if err != nil {
		return nil, fmt.Errorf("suggestion failed: %w", err)
	}
	if sugg == nil || sugg.Confidence < threshold {
		return nil, nil
	}

	merged := copyStringMap(convContext)
	if merged == nil {
		merged = make(map[string]string, 1)
	}
	merged[ContextKeyQuestion] = question

	req, err := NewRequest(currentAgentID, sugg.TargetAgentID, conversationID,
		WithContext(merged),
		WithReason(sugg.Reason))
	if err != nil {
		return nil, err
	}
	return o.Handle(ctx, req), nil
}

// HandleHybrid tries intelligent routing first. When no suggestion clears
// the threshold it returns nil rather than guessing a manual target; the
// caller falls back to an explicit Handle with a target of its choosing.
func (o *Orchestrator) HandleHybrid(ctx context.Context, question, currentAgentID, conversationID string, convContext map[string]string) (*Result, error) {
	return o.HandleIntelligent(ctx, question, currentAgentID, conversationID, convContext, 0)
}

// HandleIntent executes the routing decision an agent returned. Continue
// intents yield a nil result; handoff intents run through Handle.
func (o *Orchestrator) HandleIntent(ctx context.Context, intent Intent, currentAgentID, conversationID string, convContext map[string]string) (*Result, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if intent.Type == IntentContinue {
		return nil, nil
	}
	req, err := NewRequest(currentAgentID, intent.TargetAgentID, conversationID,
		WithContext(convContext),
		WithReason(intent.Reason))
	if err != nil {
		return nil, err
	}
	return o.Handle(ctx, req), nil
}

// ReverseLast undoes the most recent handoff of the conversation, restoring
// the prior owning agent. The history entry is only popped once the prior
// agent is known to be restorable; failures leave history untouched.
func (o *Orchestrator) ReverseLast(ctx context.Context, conversationID, currentAgentID string, convContext map[string]string) *Result {
	unlock := o.lockConversation(conversationID)
	defer unlock()

	fail := func(msg string) *Result {
		if o.metrics != nil {
			o.metrics.RecordReversal("failure")
		}
		return &Result{Status: StatusFailure, ErrorMessage: msg}
	}

	last, err := o.state.LastHandoff(ctx, conversationID)
	if err != nil {
		return fail(fmt.Sprintf("cannot reverse: %v", err))
	}
	prior := last.FromAgentID
	if !o.registry.Has(prior) {
		return fail(fmt.Sprintf("prior agent %q is no longer registered", prior))
	}

	popped, err := o.state.PopHandoff(ctx, conversationID)
	if err != nil {
		return fail(fmt.Sprintf("cannot reverse: %v", err))
	}

	resulting := popped.ContextSnapshot
	if convContext != nil {
		resulting = o.security.Sanitize(convContext)
		if err := o.state.SaveContext(ctx, conversationID, resulting); err != nil {
			o.logger.Warn("failed to persist context after reversal",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	if o.metrics != nil {
		o.metrics.RecordReversal("success")
	}
	o.logger.Info("handoff reversed",
		zap.String("conversation_id", conversationID),
		zap.String("restored_agent", prior),
		zap.String("reversed_from", currentAgentID))
	return &Result{
		Status:           StatusSuccess,
		TargetAgentID:    prior,
		ResultingContext: resulting,
	}
}

// lockConversation serializes handoffs per conversation id.
func (o *Orchestrator) lockConversation(conversationID string) func() {
	o.convMu.Lock()
	mu, ok := o.convLocks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		o.convLocks[conversationID] = mu
	}
	o.convMu.Unlock()
	mu.Lock()
	return mu.Unlock
}
