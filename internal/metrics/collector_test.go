package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

// nextTestNamespace avoids duplicate registration in the default registry.
func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("relaytest_%d", seq)
}

func TestNewCollector(t *testing.T) {
	c := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, c)
	assert.NotNil(t, c.handoffsTotal)
	assert.NotNil(t, c.handoffDuration)
	assert.NotNil(t, c.validationFailures)
	assert.NotNil(t, c.asyncJobsTotal)
	assert.NotNil(t, c.queueDepth)
}

func TestCollector_RecordHandoff(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordHandoff("general", "math", "success", 120*time.Millisecond, 256)
	c.RecordHandoff("general", "math", "failure", 40*time.Millisecond, 128)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.handoffsTotal.WithLabelValues("general", "math", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.handoffsTotal.WithLabelValues("general", "math", "failure")))
	assert.Greater(t, testutil.CollectAndCount(c.handoffDuration), 0)
}

func TestCollector_RecordValidationAndSecurity(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordValidationFailure("context_size")
	c.RecordValidationFailure("context_size")
	c.RecordSecurityDenial("general", "admin")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.validationFailures.WithLabelValues("context_size")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.securityDenials.WithLabelValues("general", "admin")))
}

func TestCollector_RecordParallelBatch(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordParallelBatch(3, 1)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.parallelBatches))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.parallelBranches.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.parallelBranches.WithLabelValues("failure")))
}

func TestCollector_AsyncAndCaches(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordAsyncJob("completed")
	c.SetQueueDepth(7)
	c.RecordCacheHit("suggestion")
	c.RecordCacheMiss("parallel_result")
	c.RecordReversal("success")

	assert.Equal(t, float64(1), testutil.ToFloat64(c.asyncJobsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(7), testutil.ToFloat64(c.queueDepth))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.cacheHits.WithLabelValues("suggestion")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.cacheMisses.WithLabelValues("parallel_result")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.reversalsTotal.WithLabelValues("success")))
}
