package handoff

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Construction and queue errors. Runtime handoff failures are reported as
// Result values, not errors.
var (
	ErrEmptySourceAgent  = errors.New("source agent id is empty")
	ErrEmptyTargetAgent  = errors.New("target agent id is empty")
	ErrEmptyConversation = errors.New("conversation id is empty")
	ErrAgentExists       = errors.New("agent already registered")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrJobNotFound       = errors.New("async job not found")
	ErrQueueFull         = errors.New("async queue is full")
	ErrQueueClosed       = errors.New("async queue is closed")
	ErrAsyncDisabled     = errors.New("async handoffs are disabled")
	ErrNoCapableAgents   = errors.New("no agents match the question")
	ErrNilRequest        = errors.New("request is nil")
	ErrMissingDependency = errors.New("missing orchestrator dependency")
)

// Status is the terminal outcome of a handoff.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusFallback Status = "fallback"
)

// ContextKeyQuestion is the conversation-context key the orchestrator reads
// to obtain the message delivered to the target agent. Intelligent and
// parallel flows set it from their question argument.
const ContextKeyQuestion = "question"

// Request describes a single handoff. Build it with NewRequest; a built
// request is treated as immutable and is safe to share across goroutines.
type Request struct {
	SourceAgentID        string            `json:"source_agent_id"`
	TargetAgentID        string            `json:"target_agent_id"`
	ConversationID       string            `json:"conversation_id"`
	Context              map[string]string `json:"context,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	Reason               string            `json:"reason,omitempty"`
	Priority             int               `json:"priority,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	FallbackAgentID      string            `json:"fallback_agent_id,omitempty"`
}

// RequestOption customizes a Request under construction.
type RequestOption func(*Request)

// WithContext sets the conversation context transferred with the handoff.
func WithContext(convContext map[string]string) RequestOption {
	return func(r *Request) { r.Context = copyStringMap(convContext) }
}

// WithMetadata attaches free-form metadata to the request.
func WithMetadata(metadata map[string]string) RequestOption {
	return func(r *Request) { r.Metadata = copyStringMap(metadata) }
}

// WithReason records why the handoff was requested.
func WithReason(reason string) RequestOption {
	return func(r *Request) { r.Reason = reason }
}

// WithPriority sets the request priority. Higher values are more urgent.
func WithPriority(priority int) RequestOption {
	return func(r *Request) { r.Priority = priority }
}

// WithRequiredCapabilities lists capabilities the target must advertise.
func WithRequiredCapabilities(capabilities ...string) RequestOption {
	return func(r *Request) {
		r.RequiredCapabilities = append([]string(nil), capabilities...)
	}
}

// WithFallbackAgent names an agent retried once when the target fails.
func WithFallbackAgent(agentID string) RequestOption {
	return func(r *Request) { r.FallbackAgentID = agentID }
}

// NewRequest builds a validated handoff request. It fails fast on empty
// source, target or conversation ids; everything else is checked later by
// the Validator and reported as a ValidationResult.
func NewRequest(sourceAgentID, targetAgentID, conversationID string, opts ...RequestOption) (*Request, error) {
	if sourceAgentID == "" {
		return nil, ErrEmptySourceAgent
	}
	if targetAgentID == "" {
		return nil, ErrEmptyTargetAgent
	}
	if conversationID == "" {
		return nil, ErrEmptyConversation
	}
	req := &Request{
		SourceAgentID:  sourceAgentID,
		TargetAgentID:  targetAgentID,
		ConversationID: conversationID,
	}
	for _, opt := range opts {
		opt(req)
	}
	return req, nil
}

// Result is the outcome of a single handoff.
type Result struct {
	Status           Status            `json:"status"`
	TargetAgentID    string            `json:"target_agent_id"`
	ResultingContext map[string]string `json:"resulting_context,omitempty"`
	Response         string            `json:"response,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	ContextSizeBytes int               `json:"context_size_bytes"`
}

// Succeeded reports whether the handoff reached an owning agent, either the
// requested target or its fallback.
func (r *Result) Succeeded() bool {
	return r != nil && (r.Status == StatusSuccess || r.Status == StatusFallback)
}

// Suggestion is a routing recommendation produced by the SuggestionEngine.
type Suggestion struct {
	TargetAgentID string  `json:"target_agent_id"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
}

// ValidationResult reports every rule violated by a request. Rules and
// Errors are parallel slices: Rules carries the machine-readable rule name,
// Errors the human-readable message.
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Rules   []string `json:"rules,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Error returns the joined violation messages, or "" when valid.
func (v ValidationResult) Error() string {
	if v.IsValid {
		return ""
	}
	msg := ""
	for i, e := range v.Errors {
		if i > 0 {
			msg += "; "
		}
		msg += e
	}
	return msg
}

// BranchResult is the outcome of one branch of a parallel fan-out.
type BranchResult struct {
	AgentID      string `json:"agent_id"`
	Status       Status `json:"status"`
	Response     string `json:"response,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
}

// ParallelResult aggregates a parallel fan-out across capable agents.
// AverageResponseTimeMs is the mean of the per-branch durations, as opposed
// to TotalDurationMs which is the wall-clock time of the whole batch.
type ParallelResult struct {
	Question              string                   `json:"question"`
	Branches              map[string]*BranchResult `json:"branches"`
	TotalAgents           int                      `json:"total_agents"`
	SuccessfulAgents      int                      `json:"successful_agents"`
	FailedAgents          int                      `json:"failed_agents"`
	SuccessRate           float64                  `json:"success_rate"`
	TotalDurationMs       int64                    `json:"total_duration_ms"`
	AverageResponseTimeMs int64                    `json:"average_response_time_ms"`
	MergedOutput          string                   `json:"merged_output,omitempty"`
}

// JobStatus is the lifecycle state of an async handoff job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// AsyncJob tracks one queued handoff through its lifecycle. Status moves
// Queued -> Processing -> Completed|Failed, or Queued -> Cancelled; it
// never leaves a terminal state.
type AsyncJob struct {
	ID         string
	Request    *Request
	EnqueuedAt time.Time

	mu         sync.RWMutex
	status     JobStatus
	result     *Result
	startedAt  time.Time
	finishedAt time.Time
}

// Status returns the job's current lifecycle state.
func (j *AsyncJob) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Result returns the handoff result, or nil while the job is not finished.
func (j *AsyncJob) Result() *Result {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result
}

// StartedAt returns when a worker picked the job up (zero until then).
func (j *AsyncJob) StartedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.startedAt
}

// FinishedAt returns when the job reached a terminal state (zero until then).
func (j *AsyncJob) FinishedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.finishedAt
}

func (j *AsyncJob) markProcessing(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobQueued {
		return false
	}
	j.status = JobProcessing
	j.startedAt = now
	return true
}

func (j *AsyncJob) finish(status JobStatus, res *Result, now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = status
	j.result = res
	j.finishedAt = now
}

func (j *AsyncJob) cancel(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobQueued {
		return false
	}
	j.status = JobCancelled
	j.finishedAt = now
	return true
}

// IntentType classifies what an agent wants to happen next.
type IntentType string

const (
	IntentContinue IntentType = "continue"
	IntentHandoff  IntentType = "handoff"
)

// Intent is the structured routing decision returned by the agent layer.
// It replaces in-band control tokens embedded in agent output.
type Intent struct {
	Type          IntentType `json:"type"`
	TargetAgentID string     `json:"target_agent_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// ContinueIntent keeps the conversation with the current agent.
func ContinueIntent() Intent {
	return Intent{Type: IntentContinue}
}

// HandoffIntent requests a transfer to the named agent.
func HandoffIntent(targetAgentID, reason string) Intent {
	return Intent{Type: IntentHandoff, TargetAgentID: targetAgentID, Reason: reason}
}

// Validate checks internal consistency of the intent.
func (i Intent) Validate() error {
	switch i.Type {
	case IntentContinue:
		return nil
	case IntentHandoff:
		if i.TargetAgentID == "" {
			return ErrEmptyTargetAgent
		}
		return nil
	default:
		return fmt.Errorf("unknown intent type %q", i.Type)
	}
}

func copyStringMap(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
