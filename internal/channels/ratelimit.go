package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedChannels caps the limiter map so churned channels cannot grow it
// without bound.
const maxTrackedChannels = 4096

// limiterIdleTTL is how long an unused channel limiter survives before it is
// eligible for pruning.
const limiterIdleTTL = 10 * time.Minute

// SendLimiter throttles outbound sends per channel. Discord enforces roughly
// five messages per five seconds per channel; staying under that avoids 429s
// on long multi-chunk replies. Safe for concurrent use.
type SendLimiter struct {
	mu       sync.Mutex
	limiters map[string]*channelLimiter
}

type channelLimiter struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// NewSendLimiter creates a per-channel send limiter.
func NewSendLimiter() *SendLimiter {
	return &SendLimiter{limiters: make(map[string]*channelLimiter)}
}

// Wait blocks until the channel may send again or ctx ends.
func (s *SendLimiter) Wait(ctx context.Context, channelID string) error {
	s.mu.Lock()
	cl, ok := s.limiters[channelID]
	if !ok {
		if len(s.limiters) >= maxTrackedChannels {
			s.pruneLocked()
		}
		cl = &channelLimiter{lim: rate.NewLimiter(rate.Every(time.Second), 5)}
		s.limiters[channelID] = cl
	}
	cl.lastUsed = time.Now()
	s.mu.Unlock()

	return cl.lim.Wait(ctx)
}

// pruneLocked drops limiters idle past the TTL. Caller holds mu.
func (s *SendLimiter) pruneLocked() {
	cutoff := time.Now().Add(-limiterIdleTTL)
	for id, cl := range s.limiters {
		if cl.lastUsed.Before(cutoff) {
			delete(s.limiters, id)
		}
	}
}
