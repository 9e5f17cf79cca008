package gateway

import (
	"sync"
	"time"

	"github.com/porterly/backend/internal/config"
)

// Limiter is a sliding-window rate limiter keyed by an arbitrary string
// (user id, or user id + event family). The window slides: a request is
// allowed when fewer than Points requests happened in the trailing
// Window, so budget frees up continuously rather than at epoch edges.
type Limiter struct {
	mu      sync.Mutex
	points  int
	window  time.Duration
	buckets map[string][]time.Time
	now     func() time.Time
}

func NewLimiter(cfg config.RateLimitBucket) *Limiter {
	return &Limiter{
		points:  cfg.Points,
		window:  cfg.Window,
		buckets: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow consumes one point for key if the budget permits.
func (l *Limiter) Allow(key string) bool {
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.buckets[key]
	// Drop samples that slid out of the window.
	keep := 0
	for ; keep < len(stamps); keep++ {
		if stamps[keep].After(cutoff) {
			break
		}
	}
	stamps = stamps[keep:]

	if len(stamps) >= l.points {
		l.buckets[key] = stamps
		return false
	}
	l.buckets[key] = append(stamps, now)
	return true
}

// Forget discards key's history, freeing its memory on disconnect.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Sweep removes keys with no samples inside the window. Called
// periodically to bound memory for churning users.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, stamps := range l.buckets {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps every interval until stop is closed.
func (l *Limiter) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
