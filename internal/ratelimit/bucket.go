// Package ratelimit implements a per-site token bucket that bounds how
// often Agent B may issue device-facing actions (spec.md §4.6) against
// the tower simulator. It guards against a flapping site driving an
// unbounded burst of power-cycle or radio commands within a short
// window; it is hardening around the existing bounded retry/sweep caps,
// not a replacement for them.
package ratelimit

import (
	"sync"
	"time"
)

// ActionCost assigns a token cost per mitigation action. Power cycling
// a site is more disruptive than toggling a single radio, so it costs
// more of the budget.
type ActionCost string

const (
	CostPowerOn   ActionCost = "power.on"
	CostRRUEnsure ActionCost = "rru.ensure"
	CostRRUOff    ActionCost = "rru.off"
)

// DefaultCostModel is the token cost charged per action kind.
var DefaultCostModel = map[ActionCost]int{
	CostPowerOn:   5,
	CostRRUEnsure: 1,
	CostRRUOff:    1,
}

// Bucket is a thread-safe token bucket. Tokens refill to full capacity
// on a fixed interval rather than incrementally, matching the
// all-or-nothing recovery a transient device backlog needs.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration
	lastRefill   time.Time
}

// New creates a Bucket with the given capacity. capacity and
// refillPeriod must both be positive.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	return &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		lastRefill:   time.Now(),
	}
}

// maybeRefillLocked refills to full capacity if refillPeriod has
// elapsed since the last refill. Caller must hold mu.
func (b *Bucket) maybeRefillLocked(now time.Time) {
	if now.Sub(b.lastRefill) >= b.refillPeriod {
		b.tokens = b.capacity
		b.lastRefill = now
	}
}

// Consume attempts to consume cost tokens, refilling first if due.
// Returns false when insufficient tokens remain.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRefillLocked(time.Now())
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// ConsumeAction consumes the standard cost for action, refilling first
// if due. Actions with no defined cost are always allowed.
func (b *Bucket) ConsumeAction(action ActionCost) bool {
	cost, ok := DefaultCostModel[action]
	if !ok {
		return true
	}
	return b.Consume(cost)
}

// Remaining reports the current token count, refilling first if due.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRefillLocked(time.Now())
	return b.tokens
}

// Capacity returns the bucket's maximum token count.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// Keyed tracks one Bucket per site, creating buckets lazily on first
// use so the Mitigator doesn't need to know the fleet's site list
// upfront.
type Keyed struct {
	mu           sync.Mutex
	buckets      map[string]*Bucket
	capacity     int
	refillPeriod time.Duration
}

// NewKeyed creates a Keyed bucket set; every per-site Bucket it lazily
// creates shares the same capacity and refill period.
func NewKeyed(capacity int, refillPeriod time.Duration) *Keyed {
	return &Keyed{
		buckets:      make(map[string]*Bucket),
		capacity:     capacity,
		refillPeriod: refillPeriod,
	}
}

// ConsumeAction consumes the standard cost for action against key's
// bucket, creating it on first use.
func (k *Keyed) ConsumeAction(key string, action ActionCost) bool {
	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = New(k.capacity, k.refillPeriod)
		k.buckets[key] = b
	}
	k.mu.Unlock()
	return b.ConsumeAction(action)
}
