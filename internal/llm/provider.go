package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/agentloop/internal/config"
)

// NewClient builds the adapter named by cfg.Name and wraps it with retries
// and rate limits. The returned key must be destroyed by the caller once the
// client is no longer needed.
func NewClient(ctx context.Context, cfg config.ProviderConfig) (Client, *APIKey, error) {
	key := NewAPIKey(cfg.ResolveAPIKey())

	var (
		base Client
		err  error
	)
	switch cfg.Name {
	case "openai":
		base, err = NewOpenAIClient(key, cfg.Model, cfg.BaseURL)
	case "anthropic":
		base, err = NewAnthropicClient(key, cfg.Model, cfg.BaseURL)
	case "google":
		base, err = NewGoogleClient(ctx, key, cfg.Model, cfg.BaseURL)
	default:
		err = fmt.Errorf("unknown provider %q", cfg.Name)
	}
	if err != nil {
		key.Destroy()
		return nil, nil, err
	}

	client := NewRetryingClient(base, cfg.MaxRetries+1,
		time.Duration(cfg.RetryBaseDelayMS)*time.Millisecond,
		time.Duration(cfg.RetryMaxDelayMS)*time.Millisecond)
	client = NewRateLimitedClient(client, cfg.RequestsPerMinute, cfg.TokensPerMinute)
	return client, key, nil
}
