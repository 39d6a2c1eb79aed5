package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 5
	defaultBurst = 10

	// limiterIdleTTL bounds how long an untouched key keeps its token
	// bucket. Abandoned keys and one-off remote addresses must not pin
	// memory for the process lifetime.
	limiterIdleTTL = 10 * time.Minute
)

// keyLimiters hands out one token bucket per api key, or per remote
// address for requests that carried no key. Buckets idle past
// limiterIdleTTL are swept on the next acquisition.
type keyLimiters struct {
	rps   float64
	burst int
	ttl   time.Duration

	mu        sync.Mutex
	buckets   map[string]*keyBucket
	lastSweep time.Time
}

type keyBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newKeyLimiters(rps float64, burst int) *keyLimiters {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &keyLimiters{
		rps:       rps,
		burst:     burst,
		ttl:       limiterIdleTTL,
		buckets:   make(map[string]*keyBucket),
		lastSweep: time.Now(),
	}
}

// Allow consumes one token from the key's bucket, creating the bucket
// on first sight.
func (k *keyLimiters) Allow(key string) bool {
	now := time.Now()

	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = &keyBucket{lim: rate.NewLimiter(rate.Limit(k.rps), k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	if now.Sub(k.lastSweep) >= k.ttl {
		k.sweep(now)
	}
	lim := b.lim
	k.mu.Unlock()

	return lim.Allow()
}

// sweep drops buckets nobody has touched for a full ttl. Callers hold
// k.mu.
func (k *keyLimiters) sweep(now time.Time) {
	for key, b := range k.buckets {
		if now.Sub(b.lastSeen) >= k.ttl {
			delete(k.buckets, key)
		}
	}
	k.lastSweep = now
}
