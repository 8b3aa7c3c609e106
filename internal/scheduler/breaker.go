package scheduler

import (
	"sync"
	"time"
)

// Breaker keeps a per-provider cooldown window after rate limiting. The
// state is in-memory only, so every process start begins closed.
type Breaker struct {
	mu        sync.Mutex
	cooldowns map[string]time.Time
}

func NewBreaker() *Breaker {
	return &Breaker{cooldowns: make(map[string]time.Time)}
}

// Allow reports whether the provider may be called right now.
func (b *Breaker) Allow(provider string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.cooldowns[provider]
	if !ok {
		return true
	}
	if time.Now().After(until) {
		delete(b.cooldowns, provider)
		return true
	}
	return false
}

// Trip opens the breaker for the provider. A longer existing cooldown is
// kept.
func (b *Breaker) Trip(provider string, d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	until := time.Now().Add(d)
	if existing, ok := b.cooldowns[provider]; ok && existing.After(until) {
		return
	}
	b.cooldowns[provider] = until
}

// RetryAt returns when the provider's window closes, if it is open.
func (b *Breaker) RetryAt(provider string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.cooldowns[provider]
	if !ok || time.Now().After(until) {
		return time.Time{}, false
	}
	return until, true
}
