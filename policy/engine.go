package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is the document a dispatch policy is evaluated against.
type Input struct {
	RequestType         string   `json:"request_type"`
	Capability          string   `json:"capability"`
	AgentID             string   `json:"agent_id"`
	AgentName           string   `json:"agent_name"`
	AgentState          string   `json:"agent_state"`
	BlockedCapabilities []string `json:"blocked_capabilities"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Decision string
	Reason   string
}

// Allowed reports whether the agent may serve the call.
func (d Decision) Allowed() bool {
	return d.Decision != DecisionBlock
}

// Engine is the OPA dispatch policy engine.
type Engine struct {
	query   rego.PreparedEvalQuery
	blocked []string
}

// NewEngine creates a policy engine with the given policy content.
// blockedCapabilities is exposed to the policy as input.blocked_capabilities.
func NewEngine(ctx context.Context, policyContent string, blockedCapabilities []string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.dispatch_policy"),
		rego.Module("dispatch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query, blocked: append([]string{}, blockedCapabilities...)}, nil
}

// NewEngineFromFile loads the policy from path, or DefaultPolicy when path is empty.
func NewEngineFromFile(ctx context.Context, path string, blockedCapabilities []string) (*Engine, error) {
	content := DefaultPolicy
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		content = string(b)
	}
	return NewEngine(ctx, content, blockedCapabilities)
}

// Evaluate checks whether an agent may serve a capability.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if in.BlockedCapabilities == nil {
		in.BlockedCapabilities = e.blocked
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Decision: DecisionAllow, Reason: "default"}, nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{Decision: DecisionAllow, Reason: "unexpected return type"}, nil
	}

	d := Decision{Decision: DecisionAllow}
	if s, ok := doc["decision"].(string); ok {
		d.Decision = s
	}
	if s, ok := doc["reason"].(string); ok {
		d.Reason = s
	}
	return d, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package dispatch_policy

import rego.v1

default decision := "allow"

decision := "block" if {
	input.capability in input.blocked_capabilities
}

reason := sprintf("capability %s is blocked by configuration", [input.capability]) if {
	decision == "block"
}
`
