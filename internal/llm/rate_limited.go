package llm

import (
	"context"

	"golang.org/x/time/rate"
)

const (
	defaultResponseTokenEstimate = 512
	minTokenEstimate             = 8
)

// RateLimitedClient wraps another Client and throttles requests and
// estimated tokens per minute.
type RateLimitedClient struct {
	delegate Client
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// NewRateLimitedClient returns base unchanged when both limits are zero.
func NewRateLimitedClient(base Client, requestsPerMinute, tokensPerMinute int) Client {
	if base == nil || (requestsPerMinute <= 0 && tokensPerMinute <= 0) {
		return base
	}
	c := &RateLimitedClient{delegate: base}
	if requestsPerMinute > 0 {
		c.requests = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1)
	}
	if tokensPerMinute > 0 {
		c.tokens = rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), tokensPerMinute)
	}
	return c
}

func (c *RateLimitedClient) StreamChat(ctx context.Context, req *CompletionRequest, onChunk func(StreamChunk) error) (*CompletionResponse, error) {
	if err := c.wait(ctx, estimateTokensForRequest(req)); err != nil {
		return nil, err
	}
	return c.delegate.StreamChat(ctx, req, onChunk)
}

func (c *RateLimitedClient) ModelName() string {
	return c.delegate.ModelName()
}

func (c *RateLimitedClient) wait(ctx context.Context, tokens int) error {
	if c.requests != nil {
		if err := c.requests.Wait(ctx); err != nil {
			return err
		}
	}
	if c.tokens != nil && tokens > 0 {
		if tokens > c.tokens.Burst() {
			tokens = c.tokens.Burst()
		}
		if err := c.tokens.WaitN(ctx, tokens); err != nil {
			return err
		}
	}
	return nil
}

func estimateTokensForRequest(req *CompletionRequest) int {
	if req == nil {
		return defaultResponseTokenEstimate
	}

	total := EstimateTokenCount(req.SystemPrompt)
	for _, msg := range req.Messages {
		if msg == nil {
			continue
		}
		total += EstimateTokenCount(msg.Content)
	}
	if total < minTokenEstimate {
		total = minTokenEstimate
	}

	if req.MaxTokens > 0 {
		return total + req.MaxTokens
	}
	return total + defaultResponseTokenEstimate
}

// EstimateTokenCount returns a rough token estimate for the provided content.
func EstimateTokenCount(content string) int {
	if content == "" {
		return 0
	}
	tokens := len(content) / 4
	if tokens <= 0 {
		tokens = 1
	}
	return tokens
}
