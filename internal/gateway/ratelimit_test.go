package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/porterly/backend/internal/config"
)

func newTestLimiter(points int, window time.Duration) (*Limiter, *time.Time) {
	l := NewLimiter(config.RateLimitBucket{Points: points, Window: window})
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestLimiterAllowsUpToBudget(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("porter-1"), "request %d", i)
	}
	assert.False(t, l.Allow("porter-1"))

	// Keys are independent.
	assert.True(t, l.Allow("porter-2"))
}

func TestLimiterWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(1000, time.Minute)

	for i := 0; i < 1000; i++ {
		*clock = clock.Add(10 * time.Millisecond)
		assert.True(t, l.Allow("porter-1"))
	}
	// The 1001st inside the window is rejected.
	assert.False(t, l.Allow("porter-1"))

	// Sliding past the oldest sample frees exactly its budget.
	*clock = clock.Add(51 * time.Second)
	assert.True(t, l.Allow("porter-1"))
}

func TestLimiterForgetAndSweep(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	l.Forget("a")
	assert.True(t, l.Allow("a"))

	*clock = clock.Add(2 * time.Minute)
	assert.Equal(t, 2, l.Sweep())
	assert.True(t, l.Allow("b"))
}
