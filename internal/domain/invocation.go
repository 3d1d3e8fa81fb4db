package domain

import (
	"encoding/json"
	"time"
)

// Invocation is a single request-response unit sent to one agent.
type Invocation struct {
	CorrelationID string          `json:"correlation_id"`
	Capability    string          `json:"capability"`
	Payload       json.RawMessage `json:"input"`
	Deadline      time.Time       `json:"-"`
	AgentID       string          `json:"-"`
	RequestType   string          `json:"-"`
}

// AgentInvokeRequest is the body sent to an agent's /invoke endpoint.
type AgentInvokeRequest struct {
	Capability    string          `json:"capability"`
	Input         json.RawMessage `json:"input"`
	CorrelationID string          `json:"correlation_id"`
	DeadlineMs    int64           `json:"deadline_ms,omitempty"`
}

// AgentInvokeResponse is the body returned by an agent's /invoke endpoint.
type AgentInvokeResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *AgentErrorBody `json:"error,omitempty"`
}

// AgentErrorBody is the structured error an agent returns.
type AgentErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// AgentHealthResponse is the body returned by an agent's /health endpoint.
type AgentHealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service,omitempty"`
}

// Call is one (capability, payload) pair produced by decomposition.
type Call struct {
	Capability string          `json:"capability"`
	Payload    json.RawMessage `json:"payload"`
	// Timeout bounds this call below the request deadline when non-zero.
	Timeout time.Duration `json:"-"`
}

// Attempt records one try against one agent.
type Attempt struct {
	AgentID  string        `json:"agent_id"`
	Skipped  bool          `json:"skipped,omitempty"`
	Reason   string        `json:"reason"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// Outcome is the resolved result of one invocation.
type Outcome struct {
	Index         int             `json:"index"`
	Capability    string          `json:"capability"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Err           error           `json:"-"`
	Duration      time.Duration   `json:"duration_ns"`
	Attempts      []Attempt       `json:"attempts,omitempty"`
}

// Succeeded reports whether the invocation produced a payload.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}
