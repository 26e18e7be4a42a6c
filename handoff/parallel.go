package handoff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Arkeep/relayflow/internal/cache"
)

const parallelCacheType = "parallel"

// MergeFunc combines successful branch responses, keyed by agent id, into
// the merged output of a parallel result.
type MergeFunc func(responses map[string]string) string

// ParallelOption customizes one ExecuteParallel call.
type ParallelOption func(*parallelOptions)

type parallelOptions struct {
	merge   MergeFunc
	exclude string
	targets []string
}

// WithMergeFunc replaces the default labeled-concatenation merge.
func WithMergeFunc(merge MergeFunc) ParallelOption {
	return func(po *parallelOptions) { po.merge = merge }
}

// WithExcludeAgent keeps the named agent out of the fan-out, typically the
// conversation's current owner.
func WithExcludeAgent(agentID string) ParallelOption {
	return func(po *parallelOptions) { po.exclude = agentID }
}

// WithTargets fans out to exactly these agents instead of the
// keyword-matched set.
func WithTargets(agentIDs ...string) ParallelOption {
	return func(po *parallelOptions) { po.targets = append([]string(nil), agentIDs...) }
}

// ExecuteParallel fans the question out to every registered agent whose
// capabilities match it, one goroutine per branch bounded by the configured
// concurrency cap. Each branch runs under its own timeout and failures are
// isolated: one slow or failing agent costs its branch, not the batch. The
// call returns only after every branch finished.
func (o *Orchestrator) ExecuteParallel(ctx context.Context, question, conversationID string, opts ...ParallelOption) (*ParallelResult, error) {
	po := parallelOptions{merge: defaultMerge}
	for _, opt := range opts {
		opt(&po)
	}

	targets := po.targets
	if targets == nil {
		targets = o.suggestions.MatchingAgents(question, po.exclude)
	}
	if len(targets) == 0 {
		return nil, ErrNoCapableAgents
	}
	sort.Strings(targets)

	ctx, endSpan := o.tracing.StartSpan(ctx, "handoff.parallel", map[string]string{
		"conversation_id": conversationID,
		"targets":         strings.Join(targets, ","),
	})

	var sem *semaphore.Weighted
	if o.cfg.MaxParallel > 0 {
		sem = semaphore.NewWeighted(int64(o.cfg.MaxParallel))
	}

	start := time.Now()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		branches = make(map[string]*BranchResult, len(targets))
	)
	for _, agentID := range targets {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			br := o.runBranch(ctx, sem, agentID, question, conversationID)
			mu.Lock()
			branches[agentID] = br
			mu.Unlock()
		}(agentID)
	}
	wg.Wait()

	res := &ParallelResult{
		Question:        question,
		Branches:        branches,
		TotalAgents:     len(targets),
		TotalDurationMs: time.Since(start).Milliseconds(),
	}
	responses := make(map[string]string)
	var branchDurationSum int64
	for id, br := range branches {
		branchDurationSum += br.DurationMs
		if br.Status == StatusSuccess {
			res.SuccessfulAgents++
			responses[id] = br.Response
		} else {
			res.FailedAgents++
		}
	}
	res.SuccessRate = float64(res.SuccessfulAgents) / float64(res.TotalAgents)
	res.AverageResponseTimeMs = branchDurationSum / int64(res.TotalAgents)
	if len(responses) > 0 && po.merge != nil {
		res.MergedOutput = po.merge(responses)
	}

	if o.metrics != nil {
		o.metrics.RecordParallelBatch(res.SuccessfulAgents, res.FailedAgents)
	}
	o.logger.Info("parallel handoff completed",
		zap.String("conversation_id", conversationID),
		zap.Int("total", res.TotalAgents),
		zap.Int("successful", res.SuccessfulAgents),
		zap.Int("failed", res.FailedAgents),
		zap.Int64("duration_ms", res.TotalDurationMs))
	endSpan(nil)
	return res, nil
}

// runBranch executes one fan-out branch under the concurrency cap and the
// per-branch timeout.
func (o *Orchestrator) runBranch(ctx context.Context, sem *semaphore.Weighted, agentID, question, conversationID string) *BranchResult {
	br := &BranchResult{AgentID: agentID}
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			br.Status = StatusFailure
			br.ErrorMessage = fmt.Sprintf("branch cancelled: %v", err)
			return br
		}
		defer sem.Release(1)
	}

	branchCtx := ctx
	if o.cfg.BranchTimeout > 0 {
		var cancel context.CancelFunc
		branchCtx, cancel = context.WithTimeout(ctx, o.cfg.BranchTimeout)
		defer cancel()
	}

	convContext := map[string]string{ContextKeyQuestion: question}
	start := time.Now()
	handle, err := o.registry.Get(agentID)
	if err == nil {
		var response string
		response, err = handle.Invoke(branchCtx, question, convContext)
		br.Response = response
	}
	br.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		br.Status = StatusFailure
		br.Response = ""
		br.ErrorMessage = err.Error()
		o.logger.Warn("parallel branch failed",
			zap.String("conversation_id", conversationID),
			zap.String("agent_id", agentID),
			zap.Error(err))
		return br
	}
	br.Status = StatusSuccess
	return br
}

// CachedParallelResult returns the cached result for (question, targets)
// within the parallel cache TTL, or nil on a miss. targets is order
// insensitive.
func (o *Orchestrator) CachedParallelResult(ctx context.Context, question string, targets []string) (*ParallelResult, error) {
	key := parallelCacheKey(question, targets)
	var res ParallelResult
	err := cache.GetJSON(ctx, o.parallelCache, key, &res)
	if cache.IsCacheMiss(err) {
		if o.metrics != nil {
			o.metrics.RecordCacheMiss(parallelCacheType)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parallel cache read failed: %w", err)
	}
	if o.metrics != nil {
		o.metrics.RecordCacheHit(parallelCacheType)
	}
	return &res, nil
}

// CacheParallelResult stores the result under (question, branch agent ids)
// for the configured parallel cache TTL.
func (o *Orchestrator) CacheParallelResult(ctx context.Context, res *ParallelResult) error {
	if res == nil {
		return nil
	}
	targets := make([]string, 0, len(res.Branches))
	for id := range res.Branches {
		targets = append(targets, id)
	}
	key := parallelCacheKey(res.Question, targets)
	if err := cache.SetJSON(ctx, o.parallelCache, key, res, o.cfg.ParallelCacheTTL); err != nil {
		return fmt.Errorf("parallel cache write failed: %w", err)
	}
	return nil
}

// parallelCacheKey derives a stable key from the question hash and the
// sorted target set.
func parallelCacheKey(question string, targets []string) string {
	sorted := append([]string(nil), targets...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(question))
	return "parallel:" + hex.EncodeToString(sum[:]) + ":" + strings.Join(sorted, ",")
}

// defaultMerge concatenates successful responses sorted by agent id, each
// under a short agent header.
func defaultMerge(responses map[string]string) string {
	ids := make([]string, 0, len(responses))
	for id := range responses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", id, responses[id])
	}
	return b.String()
}
