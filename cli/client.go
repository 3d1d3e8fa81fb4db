package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/captain/internal/domain"
	v1 "github.com/xiaot623/captain/internal/transport/http/v1"
	"github.com/xiaot623/captain/internal/transport/ws"
)

// APIError is an error reply from the gateway.
type APIError struct {
	Status int
	Detail domain.ErrorDetail
}

func (e *APIError) Error() string {
	if e.Detail.Code == "" {
		return fmt.Sprintf("gateway returned status %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Detail.Code, e.Detail.Message)
}

// Client talks to the gateway HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the gateway at base, e.g. http://localhost:8080.
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Request submits a high-level request. A FAILURE result is returned with
// its aggregate error detail, not as an error.
func (c *Client) Request(ctx context.Context, req domain.Request) (*v1.RequestResponse, error) {
	var reply v1.RequestResponse
	status, err := c.do(ctx, http.MethodPost, "/v1/requests", req, &reply)
	if err != nil {
		var apiErr *APIError
		if status == http.StatusBadGateway && errors.As(err, &apiErr) && reply.CompositeResult != nil {
			return &reply, nil
		}
		return nil, err
	}
	return &reply, nil
}

// Capabilities lists capabilities with their agents.
func (c *Client) Capabilities(ctx context.Context) ([]domain.CapabilityInfo, error) {
	var reply struct {
		Capabilities []domain.CapabilityInfo `json:"capabilities"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/capabilities", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Capabilities, nil
}

// Agents lists registered agents.
func (c *Client) Agents(ctx context.Context) ([]domain.AgentStatus, error) {
	var reply struct {
		Agents []domain.AgentStatus `json:"agents"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Agents, nil
}

// RegisterAgent registers an agent.
func (c *Client) RegisterAgent(ctx context.Context, req v1.AgentRegisterRequest) (domain.Agent, error) {
	var reply struct {
		Agent domain.Agent `json:"agent"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/agents/register", req, &reply); err != nil {
		return domain.Agent{}, err
	}
	return reply.Agent, nil
}

// DeregisterAgent removes an agent.
func (c *Client) DeregisterAgent(ctx context.Context, agentID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(agentID), nil, nil)
	return err
}

// Readiness fetches /ready. A 503 is a valid answer, not an error.
func (c *Client) Readiness(ctx context.Context) (domain.Readiness, error) {
	var r domain.Readiness
	status, err := c.do(ctx, http.MethodGet, "/ready", nil, &r)
	if err != nil && status != http.StatusServiceUnavailable {
		return r, err
	}
	return r, nil
}

// do sends a JSON request and decodes the reply into out. Non-2xx replies
// are decoded into out as well and returned as *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var envelope struct {
		Error *domain.ErrorDetail `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
		apiErr.Detail = *envelope.Error
	}
	return resp.StatusCode, apiErr
}

// Watch streams liveness frames to fn until ctx ends or the server closes.
func (c *Client) Watch(ctx context.Context, agentID string, fn func(ws.Message)) error {
	u, err := url.Parse(c.base + "/v1/liveness/stream")
	if err != nil {
		return fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if agentID != "" {
		u.RawQuery = url.Values{"agent_id": {agentID}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		fn(msg)
	}
}
