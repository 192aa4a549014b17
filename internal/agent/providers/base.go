// Package providers adapts LLM streaming APIs to the content-topic wire unit.
package providers

import (
	"context"
	"time"

	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/backoff"
	"github.com/haasonsaas/conduit/pkg/models"
)

// BaseProvider holds shared retry configuration for LLM providers.
type BaseProvider struct {
	name       string
	maxRetries int
	policy     backoff.Policy
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	policy := backoff.DefaultPolicy()
	policy.Initial = retryDelay
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		policy:     policy,
	}
}

// Name returns the provider identifier.
func (b *BaseProvider) Name() string {
	return b.name
}

// Retry runs op until it succeeds, fails with a non-retryable error or
// exhausts the attempts. Delays grow exponentially from the retry delay.
func (b *BaseProvider) Retry(ctx context.Context, op func() error) error {
	return backoff.Retry(ctx, b.policy, b.maxRetries, IsRetryable, op)
}

// send delivers a chunk unless the consumer has gone away.
func send(ctx context.Context, chunks chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func sendUnit(ctx context.Context, chunks chan<- *agent.CompletionChunk, unit *models.StreamChunk) bool {
	return send(ctx, chunks, &agent.CompletionChunk{Unit: unit})
}
