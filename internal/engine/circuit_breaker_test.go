package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/pkg/schema"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testBreakers(threshold int) (*CircuitBreakerRegistry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: 10 * time.Second, HalfOpenMax: 1})
	r.now = clock.Now
	return r, clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	assert.NoError(t, cbr.AllowRequest("search"))
	assert.Equal(t, CircuitClosed, cbr.GetState("search"))
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, _ := testBreakers(3)

	cbr.RecordFailure("search")
	cbr.RecordFailure("search")
	assert.Equal(t, CircuitClosed, cbr.GetState("search"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("search"))

	err := cbr.AllowRequest("search")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))
	assert.True(t, schema.IsTransient(err), "open breaker fails items, not runs")
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cbr, _ := testBreakers(3)
	cbr.RecordFailure("llm")
	cbr.RecordFailure("llm")
	cbr.RecordSuccess("llm")
	cbr.RecordFailure("llm")
	cbr.RecordFailure("llm")
	assert.Equal(t, CircuitClosed, cbr.GetState("llm"))
	cbr.RecordFailure("llm")
	assert.Equal(t, CircuitOpen, cbr.GetState("llm"))
}

func TestCircuitBreaker_HalfOpenCycle(t *testing.T) {
	cbr, clock := testBreakers(2)
	cbr.RecordFailure("discovery")
	cbr.RecordFailure("discovery")

	clock.Advance(11 * time.Second)
	assert.NoError(t, cbr.AllowRequest("discovery"), "first test request")
	assert.Error(t, cbr.AllowRequest("discovery"), "only one test request")

	cbr.RecordSuccess("discovery")
	assert.Equal(t, CircuitClosed, cbr.GetState("discovery"))
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cbr, clock := testBreakers(2)
	cbr.RecordFailure("llm")
	cbr.RecordFailure("llm")
	clock.Advance(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("llm"))
	require.NoError(t, cbr.AllowRequest("llm"))
	assert.Equal(t, CircuitOpen, cbr.RecordFailure("llm"))
}

func TestCircuitBreaker_PerCapabilityIsolation(t *testing.T) {
	cbr, _ := testBreakers(2)
	cbr.RecordFailure("search")
	cbr.RecordFailure("search")
	assert.Equal(t, CircuitOpen, cbr.GetState("search"))
	assert.NoError(t, cbr.AllowRequest("llm"))
}

func TestCircuitBreaker_OnChange(t *testing.T) {
	cbr, clock := testBreakers(1)
	var changes []string
	cbr.OnChange(func(capability string, to CircuitState) {
		changes = append(changes, capability+":"+to.String())
	})

	cbr.RecordFailure("image")
	cbr.RecordFailure("image")
	clock.Advance(time.Minute)
	require.NoError(t, cbr.AllowRequest("image"))
	cbr.RecordSuccess("image")

	assert.Equal(t, []string{"image:open", "image:half_open", "image:closed"}, changes)
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cbr := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	cbr.RecordFailure("search")
	cbr.RecordFailure("search")

	stats := cbr.GetStats("search")
	assert.Equal(t, "search", stats["capability"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 2, stats["consecutive_failures"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
