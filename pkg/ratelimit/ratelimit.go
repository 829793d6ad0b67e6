// Package ratelimit enforces per-tenant token budgets on top of
// github.com/vnmchuo/ratelimiter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

const (
	// charsPerToken is the rough English ratio used to estimate prompt size.
	charsPerToken = 4
	// defaultCompletionTokens is reserved when the caller sets no max_tokens.
	defaultCompletionTokens = 1000
)

type Limiter struct {
	store extratelimit.Limiter
}

// NewLimiter builds a Redis-backed limiter allowing tpm tokens per tenant
// per minute.
func NewLimiter(rdb *redis.Client, tpm int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tpm)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow consumes tokens from the tenant's budget. A nil Limiter allows
// everything.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	if l == nil {
		return true, nil
	}
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(tenantID), tokens)
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	if l == nil {
		return nil, nil
	}
	return l.store.Status(ctx, key(tenantID))
}

// Estimate approximates the tokens a call will consume: prompt characters
// divided by four plus the completion budget.
func Estimate(promptChars, maxTokens int) int {
	if maxTokens <= 0 {
		maxTokens = defaultCompletionTokens
	}
	return (promptChars+charsPerToken-1)/charsPerToken + maxTokens
}

func key(tenantID string) string {
	return fmt.Sprintf("ratelimit:tenant:%s", tenantID)
}
