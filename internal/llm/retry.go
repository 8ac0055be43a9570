package llm

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/logger"
)

// RetryingClient retries transport failures with exponential backoff. An
// attempt that already delivered a delta is never replayed, because the
// caller has shown that partial output.
type RetryingClient struct {
	delegate    Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetryingClient returns base unchanged when maxAttempts <= 1.
func NewRetryingClient(base Client, maxAttempts int, baseDelay, maxDelay time.Duration) Client {
	if base == nil || maxAttempts <= 1 {
		return base
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &RetryingClient{
		delegate:    base,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		sleep:       sleepContext,
	}
}

func (c *RetryingClient) ModelName() string {
	return c.delegate.ModelName()
}

func (c *RetryingClient) StreamChat(ctx context.Context, req *CompletionRequest, onChunk func(StreamChunk) error) (*CompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		delivered := false
		wrapped := func(chunk StreamChunk) error {
			if chunk.ContentDelta != "" {
				delivered = true
			}
			if onChunk == nil {
				return nil
			}
			return onChunk(chunk)
		}

		resp, err := c.delegate.StreamChat(ctx, req, wrapped)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if delivered || ctx.Err() != nil || !IsRetryable(err) || attempt == c.maxAttempts-1 {
			return nil, err
		}

		delay := CalculateBackoff(c.baseDelay, attempt, c.maxDelay)
		logger.Debug("model %s attempt %d failed (%v), retrying in %s", c.delegate.ModelName(), attempt+1, err, delay)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// CalculateBackoff returns baseDelay*2^attempt capped at maxDelay plus up to
// 25% jitter.
func CalculateBackoff(baseDelay time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := baseDelay * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	if quarter := int64(delay / 4); quarter > 0 {
		delay += time.Duration(rand.Int63n(quarter))
	}
	return delay
}

// IsRetryable reports whether err looks like a transient transport failure.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"rate limit", "429", "500 ", "502", "503", "504", "529",
		"overloaded", "eof", "connection reset", "tls handshake", "no such host",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
