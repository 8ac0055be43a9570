package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/agentloop/internal/consts"
	"github.com/codefionn/agentloop/internal/htmlconv"
)

const (
	ToolNameWait      = "wait"
	ToolNameFetchPage = "fetch_page"
)

// WaitTool pauses for a bounded number of seconds so a changing environment
// can settle.
type WaitTool struct{}

func NewWaitTool() *WaitTool { return &WaitTool{} }

func (w *WaitTool) Name() string { return ToolNameWait }

func (w *WaitTool) Description() string {
	return fmt.Sprintf("Pause for up to %d seconds before continuing. Use when a page or service needs time to update.", consts.MaxWaitSeconds)
}

func (w *WaitTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"seconds": map[string]interface{}{
				"type":        "number",
				"description": "Seconds to wait",
				"minimum":     0,
				"maximum":     consts.MaxWaitSeconds,
				"default":     1,
			},
		},
	}
}

func (w *WaitTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	seconds := GetFloatParam(args, "seconds", 1)
	if seconds < 0 {
		seconds = 0
	}
	if seconds > consts.MaxWaitSeconds {
		seconds = consts.MaxWaitSeconds
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]interface{}{"waited_seconds": seconds}, nil
}

// FetchPageTool downloads a URL and returns its main content as markdown
// together with a content fingerprint.
type FetchPageTool struct {
	client   *http.Client
	maxChars int
}

// NewFetchPageTool creates the tool. A nil client uses a default one.
func NewFetchPageTool(client *http.Client, maxChars int) *FetchPageTool {
	if client == nil {
		client = &http.Client{Timeout: consts.DefaultToolTimeout}
	}
	if maxChars <= 0 {
		maxChars = consts.DefaultFetchMaxChars
	}
	return &FetchPageTool{client: client, maxChars: maxChars}
}

func (f *FetchPageTool) Name() string { return ToolNameFetchPage }

func (f *FetchPageTool) Kind() Kind { return KindObserving }

func (f *FetchPageTool) Description() string {
	return "Fetch a web page over HTTP(S) and return its main content as markdown with a fingerprint of the content."
}

func (f *FetchPageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Absolute URL to fetch; https:// is assumed when no scheme is given",
			},
		},
		"required": []interface{}{"url"},
	}
}

func (f *FetchPageTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	target, err := normalizeFetchURL(GetStringParam(args, "url", ""))
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, consts.BufferSize1MB))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch %s returned %s", target, resp.Status)
	}

	page, err := htmlconv.Convert(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to convert page: %w", err)
	}
	markdown, truncated := htmlconv.Truncate(page.Markdown, f.maxChars)

	return map[string]interface{}{
		"url":         resp.Request.URL.String(),
		"status":      resp.StatusCode,
		"title":       page.Title,
		"markdown":    markdown,
		"truncated":   truncated,
		"fingerprint": ContentFingerprint(page.Markdown),
	}, nil
}

// ContentFingerprint hashes whitespace-normalized content so unchanged
// observations can be detected cheaply.
func ContentFingerprint(content string) string {
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(strings.Fields(content), " ")), 16)
}

func normalizeFetchURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	return parsed.String(), nil
}
