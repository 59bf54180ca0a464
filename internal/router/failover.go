package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/shared"
)

// Backend is one generation provider in a fallback chain.
type Backend interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// KV is the slice of the store the chain needs for durable breaker and
// last-known-good route state.
type KV interface {
	SetKV(ctx context.Context, key, value string) error
	GetKV(ctx context.Context, key string) (string, error)
}

// breaker tracks failure count and trip state for a single backend.
type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// Chain runs an ordered backend fallback chain for one generation category
// behind per-backend circuit breakers. When every backend is tripped or
// failing it returns ErrBackendExhausted so the caller marks work blocked
// rather than failed.
type Chain struct {
	category string
	backends []Backend
	logger   *slog.Logger

	mu        sync.Mutex
	breakers  map[string]*breaker
	threshold int
	cooldown  time.Duration
	kv        KV

	onRecover  func(backend string)
	onFallback func(backend string)
}

// NewChain builds a chain over backends in fallback order. Threshold and
// cooldown default to 5 failures and 5 minutes.
func NewChain(category string, backends []Backend, threshold int, cooldown time.Duration, logger *slog.Logger) *Chain {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	breakers := make(map[string]*breaker, len(backends))
	for _, b := range backends {
		breakers[b.Name()] = &breaker{}
	}
	return &Chain{
		category:  category,
		backends:  backends,
		logger:    logger,
		breakers:  breakers,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Category returns the generation category this chain serves.
func (c *Chain) Category() string { return c.category }

// SetKV enables durable breaker state and last-known-good routes.
func (c *Chain) SetKV(kv KV) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kv = kv
}

// OnRecover registers a callback invoked when a tripped backend's cooldown
// elapses and it rejoins the chain.
func (c *Chain) OnRecover(fn func(backend string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRecover = fn
}

// OnFallback registers a callback invoked each time a backend fails and the
// chain moves on to the next candidate.
func (c *Chain) OnFallback(fn func(backend string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFallback = fn
}

func (c *Chain) fallbackHook() func(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onFallback
}

// Generate tries the last-known-good backend first, then the configured
// order, skipping tripped breakers. It returns the first success or
// ErrBackendExhausted once every candidate has been skipped or has failed.
func (c *Chain) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	attempted := false

	for _, b := range c.candidates(ctx) {
		if c.isTripped(b.Name()) {
			c.logger.Info("skipping tripped backend", "category", c.category, "backend", b.Name())
			continue
		}
		attempted = true

		out, err := b.Generate(ctx, prompt)
		if err == nil {
			c.recordSuccess(ctx, b.Name())
			return out, nil
		}
		lastErr = err
		c.recordFailure(ctx, b.Name())
		if hook := c.fallbackHook(); hook != nil {
			hook(b.Name())
		}
		c.logger.Warn("backend failed",
			"category", c.category,
			"backend", b.Name(),
			"error", err,
		)
	}

	if !attempted {
		return "", fmt.Errorf("category %s: every backend tripped: %w", c.category, shared.ErrBackendExhausted)
	}
	return "", fmt.Errorf("category %s: %v: %w", c.category, lastErr, shared.ErrBackendExhausted)
}

// candidates returns backends in try order, promoting the persisted
// last-known-good backend to the front.
func (c *Chain) candidates(ctx context.Context) []Backend {
	if c.kv == nil {
		return c.backends
	}
	good, err := c.kv.GetKV(ctx, "route:"+c.category)
	if err != nil || good == "" {
		return c.backends
	}
	ordered := make([]Backend, 0, len(c.backends))
	for _, b := range c.backends {
		if b.Name() == good {
			ordered = append(ordered, b)
		}
	}
	for _, b := range c.backends {
		if b.Name() != good {
			ordered = append(ordered, b)
		}
	}
	return ordered
}

func (c *Chain) isTripped(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if time.Since(cb.lastFailure) >= c.cooldown {
		cb.tripped = false
		cb.failures = 0
		c.logger.Info("circuit breaker reset after cooldown", "category", c.category, "backend", name)
		if c.onRecover != nil {
			go c.onRecover(name)
		}
		return false
	}
	return true
}

func (c *Chain) recordFailure(ctx context.Context, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[name]
	if !ok {
		cb = &breaker{}
		c.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= c.threshold {
		cb.tripped = true
		c.logger.Warn("circuit breaker tripped", "category", c.category, "backend", name, "failures", cb.failures)
	}
	c.persistBreaker(ctx, name, cb)
}

func (c *Chain) recordSuccess(ctx context.Context, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[name]; ok {
		cb.failures = 0
		cb.tripped = false
		c.persistBreaker(ctx, name, cb)
	}
	if c.kv != nil {
		_ = c.kv.SetKV(ctx, "route:"+c.category, name)
	}
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// persistBreaker saves one breaker's state. Must be called with c.mu held.
func (c *Chain) persistBreaker(ctx context.Context, name string, cb *breaker) {
	if c.kv == nil {
		return
	}
	data, err := json.Marshal(breakerState{
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
		Tripped:     cb.tripped,
	})
	if err != nil {
		return
	}
	_ = c.kv.SetKV(ctx, "cb:"+c.category+":"+name, string(data))
}

// LoadBreakerState restores breaker state persisted by a previous run.
func (c *Chain) LoadBreakerState(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.kv == nil {
		return
	}
	for name, cb := range c.breakers {
		val, err := c.kv.GetKV(ctx, "cb:"+c.category+":"+name)
		if err != nil || val == "" {
			continue
		}
		var state breakerState
		if err := json.Unmarshal([]byte(val), &state); err != nil {
			continue
		}
		cb.failures = state.Failures
		cb.lastFailure = state.LastFailure
		cb.tripped = state.Tripped
	}
}
