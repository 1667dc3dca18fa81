package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxFailuresPerMinute is the default budget of failed auth
	// attempts per client.
	DefaultMaxFailuresPerMinute = 10

	// DefaultMaxTrackedClients bounds memory when many clients fail at once.
	DefaultMaxTrackedClients = 10000

	cleanupInterval = time.Minute
	staleThreshold  = 5 * time.Minute
)

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter tracks failed authentication attempts per client address.
// Successful requests never consume budget.
type RateLimiter struct {
	mu         sync.Mutex
	entries    map[string]*clientEntry
	perMinute  int
	maxTracked int
	now        func() time.Time
	cancel     context.CancelFunc
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedClients overrides DefaultMaxTrackedClients.
func WithMaxTrackedClients(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxTracked = n
		}
	}
}

// WithRateLimiterClock replaces time.Now for tests.
func WithRateLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// NewRateLimiter starts a limiter allowing perMinute failures per client.
// Pass 0 to use DefaultMaxFailuresPerMinute. Stale entries are swept until
// ctx is done or Stop is called.
func NewRateLimiter(ctx context.Context, perMinute int, opts ...RateLimiterOption) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultMaxFailuresPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		entries:    make(map[string]*clientEntry),
		perMinute:  perMinute,
		maxTracked: DefaultMaxTrackedClients,
		now:        time.Now,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.cleanup(ctx)
	return rl
}

// RecordFailureAndAllow records a failed attempt for client and returns
// whether the attempt is still within budget.
func (rl *RateLimiter) RecordFailureAndAllow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	e, ok := rl.entries[client]
	if !ok {
		if len(rl.entries) >= rl.maxTracked {
			rl.evictOldestLocked()
		}
		e = &clientEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute),
		}
		rl.entries[client] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Tracked reports how many clients currently have recorded failures.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// Stop cancels the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for client, e := range rl.entries {
		if now.Sub(e.lastSeen) > staleThreshold {
			delete(rl.entries, client)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldest string
	var oldestTime time.Time
	for client, e := range rl.entries {
		if oldest == "" || e.lastSeen.Before(oldestTime) {
			oldest = client
			oldestTime = e.lastSeen
		}
	}
	delete(rl.entries, oldest)
}

// ExtractIP extracts the IP address from a RemoteAddr string, stripping the port.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
