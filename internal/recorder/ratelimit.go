package recorder

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Mutation limiter defaults: per-node token bucket.
const (
	defaultBucketSize = 100
	defaultRefillRate = 10 // tokens per second
	nodeStaleAfter    = 10 * time.Minute
	evictEvery        = 1 * time.Minute
)

type nodeBucket struct {
	tokens     float64
	lastAccess time.Time
	throttled  bool
}

// mutationLimiter is a token bucket per node identity, defending the pipeline
// against pathological subtrees producing thousands of mutations per second.
type mutationLimiter struct {
	clock clockwork.Clock
	rate  float64
	burst float64

	buckets   map[int]*nodeBucket
	lastEvict time.Time
}

func newMutationLimiter(clock clockwork.Clock) *mutationLimiter {
	return &mutationLimiter{
		clock:     clock,
		rate:      defaultRefillRate,
		burst:     defaultBucketSize,
		buckets:   make(map[int]*nodeBucket),
		lastEvict: clock.Now(),
	}
}

// allow consumes one token for the node. The second return value reports
// whether this call newly throttled the node (the caller may respond with a
// full snapshot once per throttle episode). Not safe for concurrent use; the
// recorder serializes emit handling.
func (l *mutationLimiter) allow(nodeID int) (ok, newlyThrottled bool) {
	now := l.clock.Now()
	l.maybeEvict(now)

	b, exists := l.buckets[nodeID]
	if !exists {
		l.buckets[nodeID] = &nodeBucket{tokens: l.burst - 1, lastAccess: now}
		return true, false
	}

	b.tokens += now.Sub(b.lastAccess).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		first := !b.throttled
		b.throttled = true
		return false, first
	}
	b.tokens--
	b.throttled = false
	return true, false
}

// maybeEvict drops buckets for nodes not seen recently, bounding memory.
func (l *mutationLimiter) maybeEvict(now time.Time) {
	if now.Sub(l.lastEvict) < evictEvery {
		return
	}
	l.lastEvict = now
	cutoff := now.Add(-nodeStaleAfter)
	for id, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}
