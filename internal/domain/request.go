package domain

import (
	"encoding/json"
	"time"
)

// Request is a high-level request handled by the orchestrator.
type Request struct {
	RequestID string          `json:"request_id,omitempty"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params"`
	TimeoutMs int             `json:"timeout_ms,omitempty"`
}

// ErrorDetail is the JSON form of a structured error.
type ErrorDetail struct {
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	AgentID  string    `json:"agent_id,omitempty"`
	Attempts []Attempt `json:"attempts,omitempty"`
	Issues   []string  `json:"issues,omitempty"`
}

// ResultEntry is the outcome of one invocation inside a composite result.
type ResultEntry struct {
	Index         int             `json:"index"`
	Capability    string          `json:"capability"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AgentID       string          `json:"agent_id,omitempty"`
	Status        ResultStatus    `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         *ErrorDetail    `json:"error,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
}

// CompositeResult is the merged outcome of a single request.
type CompositeResult struct {
	RequestID   string            `json:"request_id"`
	RequestType string            `json:"request_type"`
	Status      CompositeStatus   `json:"status"`
	Results     []ResultEntry     `json:"results"`
	Payloads    []json.RawMessage `json:"payloads"`
	CompletedAt time.Time         `json:"completed_at"`
}

// RequestTrace is a recorded request with its invocation outcomes.
type RequestTrace struct {
	RequestID   string          `json:"request_id"`
	RequestType string          `json:"request_type"`
	Status      CompositeStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Results     []ResultEntry   `json:"results"`
}

// Readiness reports process-wide readiness.
type Readiness struct {
	Ready        bool            `json:"ready"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	Missing      []string        `json:"missing,omitempty"`
	Routable     int             `json:"routable_agents"`
}
