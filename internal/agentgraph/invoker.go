package agentgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// InvokeRequest is a routed model call made on behalf of a worker
type InvokeRequest struct {
	JobID       string          `json:"job_id"`
	Step        int             `json:"step"`
	Node        string          `json:"node"`
	OperationID string          `json:"operation_id"`
	Model       string          `json:"model"`
	Payload     json.RawMessage `json:"payload"`
}

// InvokeResult is the execution provider's answer
type InvokeResult struct {
	Text         string  `json:"text"`
	Verdict      string  `json:"verdict,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost,omitempty"`
}

// Invoker calls the model named by a routing decision. The graph never talks
// to a provider directly.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// InvokerFunc adapts a function to Invoker
type InvokerFunc func(ctx context.Context, req InvokeRequest) (*InvokeResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	return f(ctx, req)
}

// HTTPInvoker posts invocations to an external execution service
type HTTPInvoker struct {
	url    string
	client *http.Client
}

// NewHTTPInvoker creates an invoker for the execution service at url
func NewHTTPInvoker(url string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPInvoker{url: url, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invocation: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create invocation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execution service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("execution service returned %d: %s", resp.StatusCode, string(msg))
	}

	var result InvokeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode execution result: %w", err)
	}
	return &result, nil
}
