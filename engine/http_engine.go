// Package engine adapts the remote processing service to the worker's
// ProcessingEngine interface. The engine itself is another microservice;
// this client only ferries contexts to it and results back.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"contextqueue/models"
	"contextqueue/services"
)

// HTTPEngine posts contexts to a processing service and decodes its
// results. 5xx responses and transport errors are flagged retryable;
// 4xx responses are not.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEngine builds a client for the processing service at baseURL.
func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPEngine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ProcessContext executes a single context on the remote engine.
func (e *HTTPEngine) ProcessContext(ctx context.Context, c *models.Context) (*services.ProcessResult, error) {
	var result services.ProcessResult
	if err := e.post(ctx, "/process", c, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProcessBatch executes a coalesced batch in one call.
func (e *HTTPEngine) ProcessBatch(ctx context.Context, cs []*models.Context) (*services.BatchResult, error) {
	var result services.BatchResult
	if err := e.post(ctx, "/process/batch", cs, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (e *HTTPEngine) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return &services.ProcessingError{
			Message:   fmt.Sprintf("encode request: %v", err),
			Component: "engine-client",
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &services.ProcessingError{
			Message:   fmt.Sprintf("build request: %v", err),
			Component: "engine-client",
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return &services.ProcessingError{
			Message:          fmt.Sprintf("engine unreachable: %v", err),
			Component:        "engine-client",
			RetryRecommended: true,
		}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return &services.ProcessingError{
			Message:          fmt.Sprintf("engine returned %d", resp.StatusCode),
			Component:        "engine",
			RetryRecommended: true,
		}
	case resp.StatusCode >= 400:
		return &services.ProcessingError{
			Message:   fmt.Sprintf("engine rejected request with %d", resp.StatusCode),
			Component: "engine",
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &services.ProcessingError{
			Message:   fmt.Sprintf("decode response: %v", err),
			Component: "engine-client",
		}
	}
	return nil
}
