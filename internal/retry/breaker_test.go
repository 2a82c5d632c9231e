package retry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     100 * time.Millisecond,
		SuccessThreshold: 2,
	})
}

func TestBreakerOpensAfterThresholdFailures(t *testing.T) {
	cb := newTestBreaker()
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestBreakerHalfOpensAfterResetTimeout(t *testing.T) {
	cb := newTestBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestBreakerClosesAfterSuccessThreshold(t *testing.T) {
	cb := newTestBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Snapshot().FailureCount)
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := newTestBreaker()
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(120 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerSuccessResetsFailureCountWhileClosed(t *testing.T) {
	cb := newTestBreaker()
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	// Only two consecutive failures since the success; still closed.
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerSnapshotSerialises(t *testing.T) {
	cb := newTestBreaker()
	cb.RecordFailure()

	snap := cb.Snapshot()
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded BreakerState
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, StateClosed, decoded.State)
	assert.Equal(t, 1, decoded.FailureCount)
	assert.WithinDuration(t, snap.LastFailureTime, decoded.LastFailureTime, time.Second)
}
