// Package agentclient provides the HTTP client used to invoke and probe backend agents.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/captain/internal/domain"
)

const maxErrorBody = 4 << 10

// Client is an HTTP client for invoking agents. Timeouts come from the
// caller's context.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a new agent client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// NewClientWithHTTP wraps an existing http.Client.
func NewClientWithHTTP(hc *http.Client) *Client {
	return &Client{httpClient: hc}
}

// Invoke calls an agent's /invoke endpoint. A structured agent error is
// returned as *domain.AgentError; anything else is a transport failure.
func (c *Client) Invoke(ctx context.Context, agent domain.Agent, inv domain.Invocation) (json.RawMessage, error) {
	req := domain.AgentInvokeRequest{
		Capability:    inv.Capability,
		Input:         inv.Payload,
		CorrelationID: inv.CorrelationID,
	}
	if len(req.Input) == 0 {
		req.Input = json.RawMessage(`{}`)
	}
	if !inv.Deadline.IsZero() {
		req.DeadlineMs = inv.Deadline.UnixMilli()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(agent.Address, "/") + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-ID", inv.CorrelationID)
	httpReq.Header.Set("X-Capability", inv.Capability)
	if req.DeadlineMs > 0 {
		httpReq.Header.Set("X-Deadline-Ms", strconv.FormatInt(req.DeadlineMs, 10))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke agent: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out domain.AgentInvokeResponse
	decodeErr := json.Unmarshal(raw, &out)

	// A structured error body wins regardless of status code.
	if decodeErr == nil && !out.OK && out.Error != nil {
		return nil, &domain.AgentError{
			AgentID:   agent.ID,
			ErrCode:   out.Error.Code,
			Message:   out.Error.Message,
			Retryable: out.Error.Retryable,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, truncate(raw))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode response: %w", decodeErr)
	}
	if !out.OK {
		return nil, fmt.Errorf("agent response missing ok flag: %s", truncate(raw))
	}
	if len(out.Result) == 0 {
		return json.RawMessage(`null`), nil
	}
	return out.Result, nil
}

// Probe calls an agent's /health endpoint.
func (c *Client) Probe(ctx context.Context, agent domain.Agent) error {
	url := strings.TrimSuffix(agent.Address, "/") + "/health"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var health domain.AgentHealthResponse
	if len(bytes.TrimSpace(raw)) == 0 || json.Unmarshal(raw, &health) != nil {
		return nil
	}
	if health.Status != "" && !strings.EqualFold(health.Status, "healthy") && !strings.EqualFold(health.Status, "ok") {
		return fmt.Errorf("agent reports status %q", health.Status)
	}
	return nil
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}
