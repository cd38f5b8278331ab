package retry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerCallbackCountsTransitions(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry(), "zenoo")

	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
	})
	b.OnStateChange(metrics.BreakerCallback())
	now := time.Now()
	b.now = func() time.Time { return now }

	ok, _ := b.Allow()
	require.True(t, ok)
	b.RecordFailure()

	now = now.Add(2 * time.Minute)
	ok, _ = b.Allow()
	require.True(t, ok)
	b.RecordSuccess()

	for event, want := range map[Event]float64{
		EventCircuitOpen:     1,
		EventCircuitHalfOpen: 1,
		EventCircuitClosed:   1,
	} {
		got := testutil.ToFloat64(metrics.events.WithLabelValues(string(event)))
		assert.Equal(t, want, got, string(event))
	}
}
