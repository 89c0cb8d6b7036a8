package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Compile-time check that HTTPInvoker implements the Invoker interface.
var _ Invoker = (*HTTPInvoker)(nil)

// DefaultInvokeTimeout bounds backend calls when the caller's context has no
// deadline of its own.
const DefaultInvokeTimeout = 30 * time.Second

// DefaultMaxResponseBytes bounds how much of a backend response is read.
const DefaultMaxResponseBytes = 4 << 20

// HTTPInvokerConfig holds configuration for an HTTP tool backend.
type HTTPInvokerConfig struct {
	// Endpoint is the backend URL tool calls are POSTed to (required).
	Endpoint string

	// Headers are added to every backend request, e.g. backend credentials.
	Headers map[string]string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for backend calls (default: 30s).
	RequestTimeout time.Duration

	// MaxResponseBytes caps the backend response size (default: 4 MiB).
	MaxResponseBytes int64

	// HealthURL is an optional URL that must answer 200 for HealthCheck to
	// pass. When empty, HealthCheck probes Endpoint and only requires that
	// the backend answers at all.
	HealthURL string
}

// HTTPInvoker forwards tool calls to a remote backend over HTTP. Each call
// is a POST with a JSON body naming the tool and its arguments; the response
// body is returned as the opaque result.
type HTTPInvoker struct {
	endpoint         string
	headers          map[string]string
	httpClient       *http.Client
	requestTimeout   time.Duration
	maxResponseBytes int64
	healthURL        string
}

// invokePayload is the request body sent to the backend. It mirrors the
// shape the gateway itself accepts.
type invokePayload struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// NewHTTPInvoker creates an invoker for an HTTP tool backend.
func NewHTTPInvoker(cfg *HTTPInvokerConfig) (*HTTPInvoker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("endpoint must use http or https, got %q", parsed.Scheme)
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultInvokeTimeout
	}

	maxResponseBytes := cfg.MaxResponseBytes
	if maxResponseBytes <= 0 {
		maxResponseBytes = DefaultMaxResponseBytes
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &HTTPInvoker{
		endpoint:         cfg.Endpoint,
		headers:          headers,
		httpClient:       httpClient,
		requestTimeout:   requestTimeout,
		maxResponseBytes: maxResponseBytes,
		healthURL:        cfg.HealthURL,
	}, nil
}

// ensureContextTimeout adds a deadline when the context has none. Contexts
// that already carry one pass through with a no-op cancel.
func (inv *HTTPInvoker) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, inv.requestTimeout)
}

// Invoke POSTs the tool call to the backend and returns the response body.
func (inv *HTTPInvoker) Invoke(ctx context.Context, tool string, args map[string]any) ([]byte, error) {
	ctx, cancel := inv.ensureContextTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(invokePayload{Tool: tool, Args: args})
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool call: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range inv.headers {
		req.Header.Set(k, v)
	}

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool %q failed with status %d", tool, resp.StatusCode)
	}

	result, err := io.ReadAll(io.LimitReader(resp.Body, inv.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	if int64(len(result)) > inv.maxResponseBytes {
		return nil, fmt.Errorf("backend response exceeds %d bytes", inv.maxResponseBytes)
	}

	return result, nil
}

// HealthCheck verifies that the backend is reachable. With a configured
// health URL the backend must answer 200; probing the tool endpoint itself,
// any HTTP answer counts, since invoke endpoints commonly reject GET.
func (inv *HTTPInvoker) HealthCheck(ctx context.Context) error {
	ctx, cancel := inv.ensureContextTimeout(ctx)
	defer cancel()

	target := inv.healthURL
	requireOK := true
	if target == "" {
		target = inv.endpoint
		requireOK = false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	for k, v := range inv.headers {
		req.Header.Set(k, v)
	}

	resp, err := inv.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if requireOK && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}

	return nil
}
