// rate_limiter.go - Per-account rate limiting for state-changing calls
package main

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RateLimiter implements a simple token bucket rate limiter
type RateLimiter struct {
	mu           sync.Mutex
	tokens       int
	maxTokens    int
	refillRate   int
	lastRefill   time.Time
	refillPeriod time.Duration
	now          func() time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxTokens int, refillRate int, refillPeriod time.Duration) *RateLimiter {
	return newRateLimiter(maxTokens, refillRate, refillPeriod, time.Now)
}

func newRateLimiter(maxTokens, refillRate int, refillPeriod time.Duration, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		tokens:       maxTokens,
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		lastRefill:   now(),
		refillPeriod: refillPeriod,
		now:          now,
	}
}

// Allow checks if a request is allowed and consumes a token if so
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	refills := int(now.Sub(rl.lastRefill) / rl.refillPeriod)
	if refills > 0 {
		rl.tokens += refills * rl.refillRate
		if rl.tokens > rl.maxTokens {
			rl.tokens = rl.maxTokens
		}
		rl.lastRefill = rl.lastRefill.Add(time.Duration(refills) * rl.refillPeriod)
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}

// GetTokens returns the current number of available tokens
func (rl *RateLimiter) GetTokens() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.tokens
}

// AccountRateLimiter keeps one bucket per sending account.
type AccountRateLimiter struct {
	mu           sync.Mutex
	limiters     map[common.Address]*RateLimiter
	maxTokens    int
	refillRate   int
	refillPeriod time.Duration
	now          func() time.Time
}

func NewAccountRateLimiter(maxTokens int, refillRate int, refillPeriod time.Duration) *AccountRateLimiter {
	return &AccountRateLimiter{
		limiters:     make(map[common.Address]*RateLimiter),
		maxTokens:    maxTokens,
		refillRate:   refillRate,
		refillPeriod: refillPeriod,
		now:          time.Now,
	}
}

// Allow checks if a call from account is allowed
func (arl *AccountRateLimiter) Allow(account common.Address) bool {
	arl.mu.Lock()
	limiter, ok := arl.limiters[account]
	if !ok {
		limiter = newRateLimiter(arl.maxTokens, arl.refillRate, arl.refillPeriod, arl.now)
		arl.limiters[account] = limiter
	}
	arl.mu.Unlock()

	return limiter.Allow()
}

// GetTokens returns the tokens left for account.
func (arl *AccountRateLimiter) GetTokens(account common.Address) int {
	arl.mu.Lock()
	limiter, ok := arl.limiters[account]
	arl.mu.Unlock()

	if !ok {
		return arl.maxTokens
	}
	return limiter.GetTokens()
}
