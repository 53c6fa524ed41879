package services

import (
	"sync"
	"time"

	domain "github.com/feiralivre/api/internal/domain"
)

const defaultDeliveryResultTTL = 30 * time.Second

// DeliveryResultCache memoises finished checkout delivery states by calculation key.
type DeliveryResultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]deliveryResultEntry
}

type deliveryResultEntry struct {
	state    domain.CheckoutDeliveryState
	storedAt time.Time
}

// NewDeliveryResultCache builds a cache whose entries expire ttl after being stored.
func NewDeliveryResultCache(ttl time.Duration, clock func() time.Time) *DeliveryResultCache {
	if ttl <= 0 {
		ttl = defaultDeliveryResultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &DeliveryResultCache{
		ttl:     ttl,
		now:     clock,
		entries: make(map[string]deliveryResultEntry),
	}
}

// Get returns a copy of the state stored under key if it has not expired. Expired entries are evicted.
func (c *DeliveryResultCache) Get(key string) (domain.CheckoutDeliveryState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return domain.CheckoutDeliveryState{}, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		delete(c.entries, key)
		return domain.CheckoutDeliveryState{}, false
	}
	return entry.state.Clone(), true
}

// Put stores a copy of state under key.
func (c *DeliveryResultCache) Put(key string, state domain.CheckoutDeliveryState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = deliveryResultEntry{state: state.Clone(), storedAt: c.now()}
}
