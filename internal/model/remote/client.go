// Package remote implements a model scorer backed by an HTTP inference
// endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a single inference call when none is configured.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of an inference response is read.
const maxResponseBytes = 16 << 20

// Client scores feature matrices by POSTing them to an inference endpoint.
type Client struct {
	endpoint   string
	model      string
	httpClient *http.Client
}

// New creates a client for the given endpoint. model is sent with each
// request so one endpoint can serve several models.
func New(endpoint, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		model:    model,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Request is the payload sent to the inference endpoint.
type Request struct {
	Model     string      `json:"model"`
	Instances [][]float64 `json:"instances"`
}

// Response is the payload returned by the inference endpoint.
type Response struct {
	Probabilities [][]float64 `json:"probabilities"`
}

// PredictProba implements model.Scorer.
func (c *Client) PredictProba(ctx context.Context, x [][]float64) ([][]float64, error) {
	body, err := json.Marshal(&Request{Model: c.model, Instances: x})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference endpoint error %d: %s", resp.StatusCode, truncate(respBody, 512))
	}

	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(out.Probabilities) != len(x) {
		return nil, fmt.Errorf("inference endpoint returned %d rows for %d instances", len(out.Probabilities), len(x))
	}

	return out.Probabilities, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
