// Package httpx is a thin, context-aware HTTP client shared by the
// http_request and webhook step handlers. It does one request at a time and
// leaves retry/timeout policy to the engine.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Client defines the interface for making outbound HTTP calls, so handlers
// can be tested against a fake.
type Client interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Request is a generic outbound HTTP request, as built from a resolved step
// config (method, url, headers, body).
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
}

// Response is the shape handlers return to the engine.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       any
}

// StdClient issues requests with net/http.
type StdClient struct {
	httpClient *http.Client
}

// NewStdClient builds a Client. A nil httpClient falls back to
// http.DefaultClient.
func NewStdClient(httpClient *http.Client) *StdClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &StdClient{httpClient: httpClient}
}

func (c *StdClient) Do(ctx context.Context, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if r.Body != nil {
		encoded, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("httpx: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("httpx: failed to create request: %w", err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	slog.Debug("httpx: sending request", "method", method, "url", r.URL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpx: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpx: failed to read response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	var decodedBody any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(raw) > 0 {
		if err := json.Unmarshal(raw, &decodedBody); err != nil {
			return nil, fmt.Errorf("httpx: failed to parse JSON response: %w", err)
		}
	} else {
		decodedBody = string(raw)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       decodedBody,
	}, nil
}
