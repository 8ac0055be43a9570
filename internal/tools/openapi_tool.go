package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/consts"
)

// OpenAPIParameter describes an OpenAPI parameter exposed to the tool schema.
type OpenAPIParameter struct {
	Name        string
	In          string
	Key         string
	Required    bool
	Schema      map[string]interface{}
	Description string
}

// OpenAPIRequestBody captures body metadata for the tool execution.
type OpenAPIRequestBody struct {
	Required    bool
	ContentType string
	Schema      map[string]interface{}
}

// OpenAPIToolConfig contains the information required to build an OpenAPITool.
type OpenAPIToolConfig struct {
	Name           string
	Description    string
	BaseURL        string
	Method         string
	Path           string
	Parameters     []*OpenAPIParameter
	RequestBody    *OpenAPIRequestBody
	DefaultHeaders map[string]string
	DefaultQuery   map[string]string
	HTTPClient     *http.Client
	Timeout        time.Duration
}

// OpenAPITool executes one HTTP operation of a remote API.
type OpenAPITool struct {
	cfg    OpenAPIToolConfig
	client *http.Client
}

// NewOpenAPITool constructs a new OpenAPITool from config.
func NewOpenAPITool(cfg *OpenAPIToolConfig) *OpenAPITool {
	c := *cfg
	c.Method = strings.ToUpper(c.Method)
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	if c.Timeout <= 0 {
		c.Timeout = consts.DefaultToolTimeout
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	return &OpenAPITool{cfg: c, client: client}
}

func (o *OpenAPITool) Name() string { return o.cfg.Name }

func (o *OpenAPITool) Description() string {
	if o.cfg.Description != "" {
		return o.cfg.Description
	}
	return fmt.Sprintf("Invoke %s %s", o.cfg.Method, o.cfg.Path)
}

// Kind treats safe HTTP methods as observations and everything else as a
// state change.
func (o *OpenAPITool) Kind() Kind {
	switch o.cfg.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return KindObserving
	default:
		return KindMutating
	}
}

func (o *OpenAPITool) Parameters() map[string]interface{} {
	properties := make(map[string]interface{})
	required := make([]interface{}, 0)

	for _, p := range o.cfg.Parameters {
		if p == nil {
			continue
		}
		schema := cloneJSON(p.Schema)
		if schema == nil {
			schema = map[string]interface{}{"type": "string"}
		}
		if p.Description != "" {
			schema["description"] = strings.TrimSpace(p.Description)
		}
		properties[p.Key] = schema
		if p.Required {
			required = append(required, p.Key)
		}
	}

	if body := o.cfg.RequestBody; body != nil {
		bodySchema := cloneJSON(body.Schema)
		if bodySchema == nil {
			bodySchema = map[string]interface{}{"type": "object"}
		}
		bodySchema["description"] = "HTTP request body payload"
		properties["body"] = bodySchema
		if body.Required {
			required = append(required, "body")
		}
	}

	result := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		result["required"] = required
	}
	return result
}

// Execute performs the HTTP request. Responses with a status of 400 or above
// are returned as errors so the model sees them as failed calls.
func (o *OpenAPITool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	req, err := o.newRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, consts.BufferSize1MB))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	body := decodeBody(raw)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s returned %s: %v", o.cfg.Method, req.URL.Path, resp.Status, body)
	}

	return map[string]interface{}{
		"url":    req.URL.String(),
		"method": o.cfg.Method,
		"status": resp.StatusCode,
		"body":   body,
	}, nil
}

func (o *OpenAPITool) newRequest(ctx context.Context, params map[string]interface{}) (*http.Request, error) {
	reqURL, err := o.buildURL(params)
	if err != nil {
		return nil, err
	}

	var (
		bodyReader  io.Reader
		contentType string
	)
	if spec := o.cfg.RequestBody; spec != nil {
		contentType = spec.ContentType
		switch v := params["body"].(type) {
		case nil:
			if spec.Required {
				return nil, fmt.Errorf("body is required")
			}
		case string:
			bodyReader = strings.NewReader(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal body: %w", err)
			}
			bodyReader = bytes.NewReader(data)
			if contentType == "" {
				contentType = "application/json"
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, o.cfg.Method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range o.cfg.DefaultHeaders {
		req.Header.Set(k, v)
	}
	if contentType != "" && bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, p := range o.paramsIn("header") {
		if value, ok := params[p.Key]; ok {
			for _, item := range flatten(value) {
				req.Header.Add(p.Name, item)
			}
		}
	}
	return req, nil
}

func (o *OpenAPITool) buildURL(params map[string]interface{}) (string, error) {
	relativePath := o.cfg.Path
	for _, p := range o.paramsIn("path") {
		value, ok := params[p.Key]
		if !ok {
			if p.Required {
				return "", fmt.Errorf("missing required path parameter: %s", p.Key)
			}
			continue
		}
		relativePath = strings.ReplaceAll(relativePath, "{"+p.Name+"}", url.PathEscape(fmt.Sprint(value)))
	}

	fullURL := relativePath
	if baseURL := strings.TrimSpace(o.cfg.BaseURL); baseURL != "" {
		base, err := url.Parse(baseURL)
		if err != nil {
			return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
		}
		base.RawQuery = ""
		fullURL = strings.TrimSuffix(base.String(), "/") + "/" + strings.TrimPrefix(relativePath, "/")
	}

	parsed, err := url.Parse(fullURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL %q: %w", fullURL, err)
	}
	query := parsed.Query()
	for key, val := range o.cfg.DefaultQuery {
		query.Set(key, val)
	}
	for _, p := range o.paramsIn("query") {
		value, ok := params[p.Key]
		if !ok {
			if p.Required {
				return "", fmt.Errorf("missing required query parameter: %s", p.Key)
			}
			continue
		}
		query.Del(p.Name)
		for _, item := range flatten(value) {
			query.Add(p.Name, item)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (o *OpenAPITool) paramsIn(location string) []*OpenAPIParameter {
	var out []*OpenAPIParameter
	for _, p := range o.cfg.Parameters {
		if p != nil && p.In == location {
			out = append(out, p)
		}
	}
	return out
}

func flatten(value interface{}) []string {
	switch v := value.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return v
	default:
		return []string{fmt.Sprint(v)}
	}
}

func decodeBody(raw []byte) interface{} {
	if len(raw) == 0 {
		return ""
	}
	var parsed interface{}
	if json.Unmarshal(raw, &parsed) == nil {
		return parsed
	}
	return string(raw)
}

func cloneJSON(val map[string]interface{}) map[string]interface{} {
	if val == nil {
		return nil
	}
	out := make(map[string]interface{}, len(val))
	for k, v := range val {
		out[k] = v
	}
	return out
}
