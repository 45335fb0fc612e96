package ai

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// LimitedClient wraps a provider client with a shared rate limiter and a
// single backoff retry on rate-limit rejections, so concurrent per-chunk and
// per-image calls stay inside the provider's request budget.
type LimitedClient struct {
	inner      Client
	limiter    *rate.Limiter
	retryDelay time.Duration
}

// NewLimitedClient builds a rate-limited wrapper. rps is requests per second;
// burst defaults to rps when zero.
func NewLimitedClient(inner Client, rps float64, burst int) *LimitedClient {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &LimitedClient{
		inner:      inner,
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		retryDelay: 2 * time.Second,
	}
}

func (c *LimitedClient) Embed(ctx context.Context, model, text, taskType string) ([]float32, Usage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, Usage{}, err
	}
	vec, usage, err := c.inner.Embed(ctx, model, text, taskType)
	if err != nil && isRateLimited(err) {
		if err := c.backoff(ctx); err != nil {
			return nil, Usage{}, err
		}
		return c.inner.Embed(ctx, model, text, taskType)
	}
	return vec, usage, err
}

func (c *LimitedClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, Usage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", Usage{}, err
	}
	text, usage, err := c.inner.Complete(ctx, model, systemPrompt, userPrompt)
	if err != nil && isRateLimited(err) {
		if err := c.backoff(ctx); err != nil {
			return "", Usage{}, err
		}
		return c.inner.Complete(ctx, model, systemPrompt, userPrompt)
	}
	return text, usage, err
}

func (c *LimitedClient) DescribeImage(ctx context.Context, model string, image []byte, contentType, prompt string) (string, Usage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", Usage{}, err
	}
	text, usage, err := c.inner.DescribeImage(ctx, model, image, contentType, prompt)
	if err != nil && isRateLimited(err) {
		if err := c.backoff(ctx); err != nil {
			return "", Usage{}, err
		}
		return c.inner.DescribeImage(ctx, model, image, contentType, prompt)
	}
	return text, usage, err
}

func (c *LimitedClient) backoff(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.retryDelay):
		return nil
	}
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED")
}
