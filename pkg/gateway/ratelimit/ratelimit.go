// Package ratelimit is an in-memory, single-process limiter keyed by caller.
// Each key gets a token bucket for request rate plus semaphores bounding
// concurrent requests and concurrent event streams.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	MaxConcurrentStreams  int

	// Bounds for the in-memory map.
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*keyLimiter
}

type keyLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	reqSem    chan struct{}
	streamSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	capacity float64
	tokens   float64
	last     time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*keyLimiter),
	}
}

// PrincipalKeyFromAPIKey hashes an API key so raw keys never sit in the map.
func PrincipalKeyFromAPIKey(apiKey string) string {
	return "k_" + shortHash(apiKey)
}

func PrincipalKeyFromIP(ip string) string {
	return "ip_" + shortHash(ip)
}

// SessionKey is the key used when limiting streams attached to one session.
func SessionKey(sessionID string) string {
	return "s_" + sessionID
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

func allowed(release func()) Decision {
	return Decision{Allowed: true, Permit: &Permit{release: release}}
}

func (l *Limiter) AcquireRequest(key string, now time.Time) Decision {
	kl := l.getOrCreate(key, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if ok, retryAfter := kl.allowToken(now, l.cfg.RPS, l.cfg.Burst); !ok {
			return Decision{RetryAfter: retryAfter}
		}
	}

	if l.cfg.MaxConcurrentRequests > 0 {
		select {
		case kl.reqSem <- struct{}{}:
			return allowed(func() { <-kl.reqSem })
		default:
			return Decision{RetryAfter: 1}
		}
	}
	return allowed(func() {})
}

// AcquireStream bounds long-lived connections (WebSocket and SSE). It does
// not consume rate tokens.
func (l *Limiter) AcquireStream(key string, now time.Time) Decision {
	kl := l.getOrCreate(key, now)

	if l.cfg.MaxConcurrentStreams > 0 {
		select {
		case kl.streamSem <- struct{}{}:
			return allowed(func() { <-kl.streamSem })
		default:
			return Decision{RetryAfter: 1}
		}
	}
	return allowed(func() {})
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *Limiter) getOrCreate(key string, now time.Time) *keyLimiter {
	if key == "" {
		key = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if kl, ok := l.m[key]; ok {
		kl.lastSeen = now
		return kl
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// still full: evict the least recently seen idle entry
		if len(l.m) >= l.cfg.MaxEntries {
			l.evictOldestLocked()
		}
	}

	kl := &keyLimiter{
		reqSem:    make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		streamSem: make(chan struct{}, max(1, l.cfg.MaxConcurrentStreams)),
		lastSeen:  now,
	}
	l.m[key] = kl
	return kl
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > l.cfg.EntryTTL && v.idle() {
			delete(l.m, k)
		}
	}
}

func (l *Limiter) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, v := range l.m {
		if !v.idle() {
			continue
		}
		if oldestKey == "" || v.lastSeen.Before(oldest) {
			oldestKey, oldest = k, v.lastSeen
		}
	}
	if oldestKey != "" {
		delete(l.m, oldestKey)
	}
}

// idle reports whether no permits are outstanding, so dropping the entry
// cannot leak a semaphore slot.
func (kl *keyLimiter) idle() bool {
	return len(kl.reqSem) == 0 && len(kl.streamSem) == 0
}

func (kl *keyLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	capacity := float64(burst)
	if kl.tb.capacity == 0 {
		kl.tb = tokenBucket{capacity: capacity, tokens: capacity, last: now}
	}
	kl.tb.capacity = capacity

	if elapsed := now.Sub(kl.tb.last).Seconds(); elapsed > 0 {
		kl.tb.tokens = math.Min(kl.tb.capacity, kl.tb.tokens+elapsed*rps)
		kl.tb.last = now
	}

	if kl.tb.tokens >= 1.0 {
		kl.tb.tokens -= 1.0
		return true, 0
	}

	retryAfter := int(math.Ceil((1.0 - kl.tb.tokens) / rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
