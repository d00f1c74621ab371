// Package retry provides the token-bucket-plus-exponential-backoff
// machinery Tract wraps around an LlmClient, so "rate_limit" and
// "retryable" errors (per SPEC_FULL.md §6) are retried with jittered
// backoff while "auth_error" and "response_error" fail fast. It is adapted
// from the teacher's pkg/ratelimit, repurposed from GitHub/MCP operation
// types to the three LLM-facing operations Tract itself performs.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/WilliamJin123/tract/pkg/capability"
	"github.com/WilliamJin123/tract/pkg/logger"
)

var log = logger.New("tract:retry")

// Operation identifies which of Tract's LLM-facing call sites a backoff
// policy applies to; each gets its own token bucket so a burst of, say,
// compression calls cannot starve an interactive chat() call.
type Operation string

const (
	// OperationChat covers the tract's direct chat()/generate() calls.
	OperationChat Operation = "chat"
	// OperationCompress covers compress()'s per-group summarization calls.
	OperationCompress Operation = "compress"
	// OperationMergeResolve covers LlmResolver.Resolve calls during merge.
	OperationMergeResolve Operation = "merge-resolve"
)

// Config holds one operation's rate-limit and backoff policy.
type Config struct {
	Rate              float64       // tokens added per Interval
	Burst             int           // bucket capacity
	Interval          time.Duration // refill interval
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64 // fraction of the computed backoff to randomize, e.g. 0.2
}

// DefaultConfigs mirrors the teacher's DefaultConfigs table, retuned for
// LLM call latencies and quotas rather than GitHub/MCP API limits.
var DefaultConfigs = map[Operation]Config{
	OperationChat: {
		Rate: 60, Burst: 60, Interval: time.Minute,
		MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second,
		BackoffMultiplier: 2.0, Jitter: 0.2,
	},
	OperationCompress: {
		Rate: 20, Burst: 20, Interval: time.Minute,
		MaxRetries: 3, InitialBackoff: 2 * time.Second, MaxBackoff: time.Minute,
		BackoffMultiplier: 2.0, Jitter: 0.2,
	},
	OperationMergeResolve: {
		Rate: 30, Burst: 30, Interval: time.Minute,
		MaxRetries: 2, InitialBackoff: time.Second, MaxBackoff: 20 * time.Second,
		BackoffMultiplier: 2.0, Jitter: 0.2,
	},
}

func validateConfig(cfg Config) error {
	if cfg.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %.2f", cfg.Rate)
	}
	if cfg.Burst <= 0 {
		return fmt.Errorf("burst must be positive, got %d", cfg.Burst)
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", cfg.Interval)
	}
	if cfg.BackoffMultiplier < 1.0 {
		return fmt.Errorf("backoff multiplier must be >= 1.0, got %.2f", cfg.BackoffMultiplier)
	}
	return nil
}

// TokenBucket is a minimal token-bucket limiter with jittered exponential
// backoff for retries, scoped to a single Operation.
type TokenBucket struct {
	mu         sync.Mutex
	cfg        Config
	op         Operation
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a limiter for op; a nil config uses DefaultConfigs[op].
func NewTokenBucket(op Operation, cfg *Config) (*TokenBucket, error) {
	c := DefaultConfigs[op]
	if cfg != nil {
		c = *cfg
	}
	if err := validateConfig(c); err != nil {
		return nil, fmt.Errorf("retry: invalid config for %s: %w", op, err)
	}
	return &TokenBucket{cfg: c, op: op, tokens: float64(c.Burst), lastRefill: time.Now()}, nil
}

func (tb *TokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	added := (elapsed.Seconds() / tb.cfg.Interval.Seconds()) * tb.cfg.Rate
	tb.tokens = math.Min(float64(tb.cfg.Burst), tb.tokens+added)
	tb.lastRefill = now
}

// Wait blocks until a token is available or ctx is canceled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tb.mu.Lock()
		tb.refillLocked()
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		tokensNeeded := 1.0 - tb.tokens
		wait := time.Duration((tokensNeeded / tb.cfg.Rate) * tb.cfg.Interval.Seconds() * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Backoff returns the jittered exponential backoff for retry attempt n (0-indexed).
func (tb *TokenBucket) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return withJitter(tb.cfg.InitialBackoff, tb.cfg.Jitter)
	}
	raw := float64(tb.cfg.InitialBackoff) * math.Pow(tb.cfg.BackoffMultiplier, float64(attempt))
	if raw > float64(tb.cfg.MaxBackoff) {
		raw = float64(tb.cfg.MaxBackoff)
	}
	return withJitter(time.Duration(raw), tb.cfg.Jitter)
}

func withJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	offset := (rand.Float64()*2 - 1) * delta
	result := time.Duration(float64(d) + offset)
	if result < 0 {
		return 0
	}
	return result
}

// classify maps an error to the retry-relevant capability.ErrorKind,
// unwrapping a *capability.ClientError if present, and defaulting unknown
// errors to non-retryable.
func classify(err error) capability.ErrorKind {
	var clientErr *capability.ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Kind
	}
	return capability.ErrorKindUnknown
}

func retryable(kind capability.ErrorKind) bool {
	return kind == capability.ErrorKindRateLimit || kind == capability.ErrorKindRetryable
}

// Execute runs fn, retrying on rate_limit/retryable classified errors with
// jittered exponential backoff up to the operation's MaxRetries, and
// failing fast on every other error kind.
func (tb *TokenBucket) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= tb.cfg.MaxRetries; attempt++ {
		if err := tb.Wait(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		kind := classify(err)
		if !retryable(kind) {
			return err
		}
		if attempt >= tb.cfg.MaxRetries {
			break
		}

		backoff := tb.Backoff(attempt)
		log.Printf("retryable error on %s (attempt %d/%d), backing off %v: %v", tb.op, attempt+1, tb.cfg.MaxRetries, backoff, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("retry: %s exhausted %d retries: %w", tb.op, tb.cfg.MaxRetries, lastErr)
}

// Group owns one TokenBucket per Operation, created lazily with defaults.
type Group struct {
	mu       sync.Mutex
	limiters map[Operation]*TokenBucket
}

// NewGroup creates an empty limiter group.
func NewGroup() *Group {
	return &Group{limiters: make(map[Operation]*TokenBucket)}
}

func (g *Group) bucket(op Operation) (*TokenBucket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if tb, ok := g.limiters[op]; ok {
		return tb, nil
	}
	tb, err := NewTokenBucket(op, nil)
	if err != nil {
		return nil, err
	}
	g.limiters[op] = tb
	return tb, nil
}

// Execute runs fn under op's limiter, creating it with defaults if needed.
func (g *Group) Execute(ctx context.Context, op Operation, fn func() error) error {
	tb, err := g.bucket(op)
	if err != nil {
		return err
	}
	return tb.Execute(ctx, fn)
}

// Client decorates a capability.LlmClient with retry/backoff behavior
// scoped to a single Operation, so Tract's compress/merge/chat call sites
// each get their own policy without duplicating the retry loop.
type Client struct {
	inner capability.LlmClient
	group *Group
	op    Operation
}

// NewClient wraps inner with retry/backoff for op, sharing group's limiters
// across every wrapped client constructed from it (pass a fresh *Group per
// tract, or share one across tracts that should share a quota).
func NewClient(inner capability.LlmClient, group *Group, op Operation) *Client {
	return &Client{inner: inner, group: group, op: op}
}

// Chat implements capability.LlmClient.
func (c *Client) Chat(ctx context.Context, req capability.ChatRequest) (*capability.ChatResponse, error) {
	var resp *capability.ChatResponse
	err := c.group.Execute(ctx, c.op, func() error {
		var innerErr error
		resp, innerErr = c.inner.Chat(ctx, req)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
