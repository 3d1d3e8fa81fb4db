package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error codes carried in ErrorDetail.Code.
const (
	CodeUnknownCapability    = "unknown_capability"
	CodeDispatchExhausted    = "dispatch_exhausted"
	CodeTimeout              = "timeout"
	CodeMalformedRequest     = "malformed_request"
	CodeDuplicateAgent       = "duplicate_agent"
	CodeInvalidAgent         = "invalid_agent"
	CodeInvalidCapability    = "invalid_capability"
	CodeIncompatibleProtocol = "incompatible_protocol"
	CodeAgentError           = "agent_error"
	CodePolicyBlocked        = "policy_blocked"
	CodeAggregateFailure     = "all_invocations_failed"
	CodeInternal             = "internal"
)

// ErrAgentNotFound is returned when an agent id is not registered.
var ErrAgentNotFound = errors.New("agent not found")

// UnknownCapabilityError means no agent declares the capability.
type UnknownCapabilityError struct {
	Capability string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Capability)
}

func (e *UnknownCapabilityError) Code() string { return CodeUnknownCapability }

// DispatchExhaustedError means every eligible agent failed or was skipped.
type DispatchExhaustedError struct {
	Capability string
	Attempts   []Attempt
}

func (e *DispatchExhaustedError) Error() string {
	return fmt.Sprintf("dispatch exhausted for %q: %s", e.Capability, summarizeAttempts(e.Attempts))
}

func (e *DispatchExhaustedError) Code() string { return CodeDispatchExhausted }

// TimeoutError means an invocation exceeded its deadline slice.
type TimeoutError struct {
	Capability string
	AgentID    string
	Attempts   []Attempt
}

func (e *TimeoutError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("invocation of %q timed out on agent %s", e.Capability, e.AgentID)
	}
	return fmt.Sprintf("invocation of %q timed out", e.Capability)
}

func (e *TimeoutError) Code() string { return CodeTimeout }

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// MalformedRequestError means decomposition rejected the request.
type MalformedRequestError struct {
	RequestType string
	Reason      string
	Issues      []string
}

func (e *MalformedRequestError) Error() string {
	msg := "malformed request"
	if e.RequestType != "" {
		msg += " " + fmt.Sprintf("%q", e.RequestType)
	}
	msg += ": " + e.Reason
	if len(e.Issues) > 0 {
		msg += " (" + strings.Join(e.Issues, "; ") + ")"
	}
	return msg
}

func (e *MalformedRequestError) Code() string { return CodeMalformedRequest }

// DuplicateAgentError means an agent id is already bound to another address.
type DuplicateAgentError struct {
	AgentID          string
	ExistingAddress  string
	RequestedAddress string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent %s already registered at %s (requested %s)", e.AgentID, e.ExistingAddress, e.RequestedAddress)
}

func (e *DuplicateAgentError) Code() string { return CodeDuplicateAgent }

// InvalidAgentError means a registration is missing required fields.
type InvalidAgentError struct {
	AgentID string
	Reason  string
}

func (e *InvalidAgentError) Error() string {
	if e.AgentID == "" {
		return "invalid agent registration: " + e.Reason
	}
	return fmt.Sprintf("invalid agent %s: %s", e.AgentID, e.Reason)
}

func (e *InvalidAgentError) Code() string { return CodeInvalidAgent }

// InvalidCapabilityError means a declared capability failed validation.
type InvalidCapabilityError struct {
	AgentID    string
	Capability string
	Reason     string
}

func (e *InvalidCapabilityError) Error() string {
	return fmt.Sprintf("agent %s declares invalid capability %q: %s", e.AgentID, e.Capability, e.Reason)
}

func (e *InvalidCapabilityError) Code() string { return CodeInvalidCapability }

// IncompatibleProtocolError means the agent speaks an unsupported protocol version.
type IncompatibleProtocolError struct {
	AgentID    string
	Version    string
	Constraint string
}

func (e *IncompatibleProtocolError) Error() string {
	return fmt.Sprintf("agent %s protocol version %q does not satisfy %q", e.AgentID, e.Version, e.Constraint)
}

func (e *IncompatibleProtocolError) Code() string { return CodeIncompatibleProtocol }

// AgentError is a structured error reported by the agent itself.
type AgentError struct {
	AgentID   string
	ErrCode   string
	Message   string
	Retryable bool
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s returned %s: %s", e.AgentID, e.ErrCode, e.Message)
}

func (e *AgentError) Code() string { return CodeAgentError }

// PolicyBlockedError means the dispatch policy refused an agent for a capability.
type PolicyBlockedError struct {
	Capability string
	AgentID    string
	Reason     string
}

func (e *PolicyBlockedError) Error() string {
	msg := fmt.Sprintf("policy blocked %q on agent %s", e.Capability, e.AgentID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *PolicyBlockedError) Code() string { return CodePolicyBlocked }

// AggregateFailureError means every invocation of a request failed.
type AggregateFailureError struct {
	RequestID string
	Failures  []ErrorDetail
}

func (e *AggregateFailureError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Code + ": " + f.Message
	}
	return fmt.Sprintf("all %d invocations failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *AggregateFailureError) Code() string { return CodeAggregateFailure }

type coded interface {
	Code() string
}

// CodeOf returns the stable code of a domain error, or CodeInternal.
func CodeOf(err error) string {
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// DetailOf converts an error into its JSON detail.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	d := &ErrorDetail{Code: CodeOf(err), Message: err.Error()}

	var exhausted *DispatchExhaustedError
	var timeout *TimeoutError
	var agentErr *AgentError
	var malformed *MalformedRequestError
	switch {
	case errors.As(err, &exhausted):
		d.Attempts = exhausted.Attempts
	case errors.As(err, &timeout):
		d.AgentID = timeout.AgentID
		d.Attempts = timeout.Attempts
	case errors.As(err, &agentErr):
		d.AgentID = agentErr.AgentID
	case errors.As(err, &malformed):
		d.Issues = malformed.Issues
	}
	return d
}

func summarizeAttempts(attempts []Attempt) string {
	if len(attempts) == 0 {
		return "no candidates"
	}
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = a.AgentID + ": " + a.Reason
	}
	return strings.Join(parts, "; ")
}
