package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialDelays(t *testing.T) {
	s := Exponential{Base: time.Second, Multiplier: 2, Max: 10 * time.Second}

	assert.Equal(t, 1*time.Second, s.Delay(1))
	assert.Equal(t, 2*time.Second, s.Delay(2))
	assert.Equal(t, 4*time.Second, s.Delay(3))
	assert.Equal(t, 8*time.Second, s.Delay(4))
	// Capped at Max from the fifth attempt on.
	assert.Equal(t, 10*time.Second, s.Delay(5))
	assert.Equal(t, 10*time.Second, s.Delay(20))
}

func TestLinearDelays(t *testing.T) {
	s := Linear{Base: time.Second, Increment: 500 * time.Millisecond, Max: 3 * time.Second}

	assert.Equal(t, 1000*time.Millisecond, s.Delay(1))
	assert.Equal(t, 1500*time.Millisecond, s.Delay(2))
	assert.Equal(t, 2000*time.Millisecond, s.Delay(3))
	assert.Equal(t, 3*time.Second, s.Delay(10))
}

func TestFixedDelay(t *testing.T) {
	s := Fixed{Base: 250 * time.Millisecond}
	assert.Equal(t, 250*time.Millisecond, s.Delay(1))
	assert.Equal(t, 250*time.Millisecond, s.Delay(9))
}

func TestJitterStaysWithinBounds(t *testing.T) {
	s := Fixed{Base: time.Second, Jitter: 0.25}
	for i := 0; i < 200; i++ {
		d := s.Delay(1)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestNewStrategy(t *testing.T) {
	for _, name := range []string{"exponential", "linear", "fixed"} {
		s, err := NewStrategy(name, time.Second, time.Minute, 0.1)
		require.NoError(t, err)
		assert.NotNil(t, s)
	}
	_, err := NewStrategy("fibonacci", time.Second, time.Minute, 0)
	assert.Error(t, err)
}
