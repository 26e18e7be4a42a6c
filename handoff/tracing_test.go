package handoff

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracingRecordsSpans(t *testing.T) {
	tr := NewTracing("tracing-test", nil)

	_, end := tr.StartSpan(context.Background(), "op.one", map[string]string{"k": "v"})
	end(nil)
	_, end = tr.StartSpan(context.Background(), "op.two", nil)
	end(errors.New("boom"))

	spans := tr.Spans()
	require.Len(t, spans, 2)
	assert.Equal(t, "op.one", spans[0].Name)
	assert.Equal(t, "v", spans[0].Attributes["k"])
	assert.Empty(t, spans[0].Error)
	assert.Equal(t, "op.two", spans[1].Name)
	assert.Equal(t, "boom", spans[1].Error)

	for _, s := range spans {
		assert.False(t, s.StartTime.IsZero())
		assert.False(t, s.EndTime.IsZero())
		assert.GreaterOrEqual(t, s.Duration(), time.Duration(0))
	}
}

func TestTracingRingEviction(t *testing.T) {
	tr := NewTracing("tracing-test", nil)

	total := defaultSpanRingSize + 10
	for i := 0; i < total; i++ {
		_, end := tr.StartSpan(context.Background(), fmt.Sprintf("op.%d", i), nil)
		end(nil)
	}

	spans := tr.Spans()
	require.Len(t, spans, defaultSpanRingSize)
	// Oldest retained span is number total-ringSize, newest is total-1.
	assert.Equal(t, fmt.Sprintf("op.%d", total-defaultSpanRingSize), spans[0].Name)
	assert.Equal(t, fmt.Sprintf("op.%d", total-1), spans[len(spans)-1].Name)
}

func TestTracingReset(t *testing.T) {
	tr := NewTracing("tracing-test", nil)

	_, end := tr.StartSpan(context.Background(), "op", nil)
	end(nil)
	require.Len(t, tr.Spans(), 1)

	tr.Reset()
	assert.Empty(t, tr.Spans())
}

func TestTracingConcurrentUse(t *testing.T) {
	tr := NewTracing("tracing-test", nil)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				_, end := tr.StartSpan(context.Background(), "op", nil)
				end(nil)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Len(t, tr.Spans(), defaultSpanRingSize)
}
