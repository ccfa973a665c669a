package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRunFinished(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues("llm", OutcomeSuccess))
	RunStarted()
	RunFinished("llm", OutcomeSuccess, 0.2)
	after := testutil.ToFloat64(runsTotal.WithLabelValues("llm", OutcomeSuccess))
	assert.Equal(t, before+1, after)
}

func TestRecompute(t *testing.T) {
	w := testutil.ToFloat64(propagationWrites.WithLabelValues("written"))
	s := testutil.ToFloat64(propagationWrites.WithLabelValues("skipped"))
	Recompute(true)
	Recompute(false)
	Recompute(false)
	assert.Equal(t, w+1, testutil.ToFloat64(propagationWrites.WithLabelValues("written")))
	assert.Equal(t, s+2, testutil.ToFloat64(propagationWrites.WithLabelValues("skipped")))
}

func TestItemAndCache(t *testing.T) {
	before := testutil.ToFloat64(cacheHits)
	CacheHit()
	assert.Equal(t, before+1, testutil.ToFloat64(cacheHits))

	f := testutil.ToFloat64(itemsTotal.WithLabelValues("researching", "failed"))
	Item("researching", "failed")
	assert.Equal(t, f+1, testutil.ToFloat64(itemsTotal.WithLabelValues("researching", "failed")))
}

func TestStreamDropped(t *testing.T) {
	before := testutil.ToFloat64(streamDropped.WithLabelValues("run_progress"))
	StreamDropped("run_progress")
	assert.Equal(t, before+1, testutil.ToFloat64(streamDropped.WithLabelValues("run_progress")))
}
