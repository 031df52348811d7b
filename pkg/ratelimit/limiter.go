// Package ratelimit provides per-source-address token bucket rate
// limiting for wireplug's network-facing listeners.
//
// The IPRateLimiter maintains one token bucket per source address and a
// fixed-size LRU-style cache to bound memory use. It is safe for
// concurrent use.
package ratelimit

import (
	"container/list"
	"net/netip"
	"sync"
	"time"
)

const (
	// DefaultRate is the default allowed messages per second per source address.
	DefaultRate = 10
	// DefaultBurst is the default burst size (token bucket depth) per source address.
	DefaultBurst = 20
	// DefaultMaxIPs is the maximum number of source addresses tracked simultaneously.
	// When the cache is full the least-recently-used entry is evicted.
	DefaultMaxIPs = 4096
)

// bucket is a token bucket for a single source address.
type bucket struct {
	tokens   float64
	lastFill time.Time
}

// entry is a cached bucket with its address key.
type entry struct {
	addr netip.Addr
	bkt  *bucket
}

// IPRateLimiter rate-limits incoming TLS connections and UDP datagrams on
// a per-source-address basis using token buckets, so a single spoofed or
// misbehaving source cannot consume unbounded handler/reflector capacity
// (§5 resource bounds). An LRU eviction policy keeps memory bounded.
type IPRateLimiter struct {
	mu      sync.Mutex
	rate    float64 // tokens per second
	burst   float64 // maximum token depth
	maxIPs  int
	buckets map[netip.Addr]*list.Element
	lru     *list.List
}

// New creates a new IPRateLimiter with the given rate, burst, and maximum
// number of tracked addresses.
func New(rate, burst float64, maxIPs int) *IPRateLimiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if maxIPs <= 0 {
		maxIPs = DefaultMaxIPs
	}
	return &IPRateLimiter{
		rate:    rate,
		burst:   burst,
		maxIPs:  maxIPs,
		buckets: make(map[netip.Addr]*list.Element, maxIPs),
		lru:     list.New(),
	}
}

// NewDefault creates an IPRateLimiter with DefaultRate, DefaultBurst, and DefaultMaxIPs.
func NewDefault() *IPRateLimiter {
	return New(DefaultRate, DefaultBurst, DefaultMaxIPs)
}

// Allow returns true if the message from addr should be processed. It
// consumes one token from addr's bucket. Returns false if the bucket is
// empty (rate limit exceeded). addr is unmapped first so a v4-in-v6
// source and its plain v4 form share one bucket, matching how
// pkg/rendezvous normalizes source addresses.
func (l *IPRateLimiter) Allow(addr netip.Addr) bool {
	addr = addr.Unmap()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	elem, exists := l.buckets[addr]
	if exists {
		bkt := elem.Value.(*entry).bkt
		// Refill tokens based on elapsed time
		elapsed := now.Sub(bkt.lastFill).Seconds()
		bkt.tokens += elapsed * l.rate
		if bkt.tokens > l.burst {
			bkt.tokens = l.burst
		}
		bkt.lastFill = now
		l.lru.MoveToFront(elem)

		if bkt.tokens < 1 {
			return false
		}
		bkt.tokens--
		return true
	}

	// New address: evict LRU entry if at capacity
	if l.lru.Len() >= l.maxIPs {
		oldest := l.lru.Back()
		if oldest != nil {
			l.lru.Remove(oldest)
			delete(l.buckets, oldest.Value.(*entry).addr)
		}
	}

	// Start with burst-1 tokens (consumed one for this message)
	bkt := &bucket{tokens: l.burst - 1, lastFill: now}
	e := &entry{addr: addr, bkt: bkt}
	elem = l.lru.PushFront(e)
	l.buckets[addr] = elem
	return true
}

// Reset clears all state. Useful for testing.
func (l *IPRateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[netip.Addr]*list.Element, l.maxIPs)
	l.lru.Init()
}
