// Package dispatch routes invocations to live agents with cross-agent
// fallback under a deadline.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/logging"
	"github.com/xiaot623/captain/internal/registry"
	"github.com/xiaot623/captain/policy"
)

// DefaultMinAttemptTimeout is the smallest slice handed to one attempt.
const DefaultMinAttemptTimeout = 50 * time.Millisecond

// Transport delivers one invocation to one agent.
type Transport interface {
	Invoke(ctx context.Context, agent domain.Agent, inv domain.Invocation) (json.RawMessage, error)
}

// Availability answers liveness queries.
type Availability interface {
	State(agentID string) domain.LivenessState
}

// Policy decides whether an agent may serve a capability.
type Policy interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// Observer receives per-attempt and per-invocation measurements.
type Observer interface {
	ObserveAttempt(capability, agentID, result string, d time.Duration)
	ObserveInvocation(capability, code string, d time.Duration)
}

// Attempt results reported to the Observer.
const (
	ResultOK          = "ok"
	ResultSkipped     = "skipped"
	ResultBlocked     = "blocked"
	ResultTimeout     = "timeout"
	ResultTransport   = "transport_error"
	ResultAgentError  = "agent_error"
	ResultPolicyError = "policy_error"
)

// Options configures a Dispatcher.
type Options struct {
	MinAttemptTimeout time.Duration
	Policy            Policy
	Observer          Observer
	Logger            *slog.Logger
}

// Dispatcher resolves invocations to agents via the registry and liveness
// tracker and calls them through the transport.
type Dispatcher struct {
	resolver   registry.CapabilityResolver
	liveness   Availability
	transport  Transport
	policy     Policy
	observer   Observer
	minAttempt time.Duration
	logger     *slog.Logger
}

// New creates a Dispatcher.
func New(resolver registry.CapabilityResolver, liveness Availability, transport Transport, opts Options) *Dispatcher {
	if opts.MinAttemptTimeout <= 0 {
		opts.MinAttemptTimeout = DefaultMinAttemptTimeout
	}
	return &Dispatcher{
		resolver:   resolver,
		liveness:   liveness,
		transport:  transport,
		policy:     opts.Policy,
		observer:   opts.Observer,
		minAttempt: opts.MinAttemptTimeout,
		logger:     logging.Component(opts.Logger, "dispatch"),
	}
}

// Invoke sends one capability call to the first routable agent that answers
// before the deadline, falling back across agents in preference order. Each
// agent is tried at most once.
func (d *Dispatcher) Invoke(ctx context.Context, requestType, capability string, payload json.RawMessage, deadline time.Time) domain.Outcome {
	start := time.Now()
	out := domain.Outcome{
		Capability:    capability,
		CorrelationID: "inv_" + uuid.NewString(),
	}
	defer func() {
		out.Duration = time.Since(start)
		if d.observer != nil {
			code := ResultOK
			if out.Err != nil {
				code = domain.CodeOf(out.Err)
			}
			d.observer.ObserveInvocation(capability, code, out.Duration)
		}
	}()

	candidates, err := d.resolver.Resolve(capability)
	if err != nil {
		out.Err = err
		return out
	}

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Skip decisions are made up front so the deadline is split only across
	// agents that will actually be tried.
	type verdict struct{ result, reason string }
	verdicts := make([]verdict, len(candidates))
	triable := 0
	for i, agent := range candidates {
		result, reason := d.admit(ctx, requestType, capability, agent)
		verdicts[i] = verdict{result, reason}
		if result == "" {
			triable++
		}
	}

	for i, agent := range candidates {
		if ctx.Err() != nil {
			break
		}
		if v := verdicts[i]; v.result != "" {
			d.record(&out, capability, domain.Attempt{AgentID: agent.ID, Skipped: true, Reason: v.reason}, v.result)
			continue
		}

		budget := d.attemptBudget(deadline, triable)
		triable--
		inv := domain.Invocation{
			CorrelationID: out.CorrelationID,
			Capability:    capability,
			Payload:       payload,
			Deadline:      time.Now().Add(budget),
			AgentID:       agent.ID,
			RequestType:   requestType,
		}

		attemptStart := time.Now()
		attemptCtx, attemptCancel := context.WithTimeout(ctx, budget)
		result, err := d.transport.Invoke(attemptCtx, agent, inv)
		attemptCancel()
		elapsed := time.Since(attemptStart)

		if err == nil {
			d.record(&out, capability, domain.Attempt{AgentID: agent.ID, Reason: ResultOK, Duration: elapsed}, ResultOK)
			out.AgentID = agent.ID
			out.Payload = result
			return out
		}

		var agentErr *domain.AgentError
		if errors.As(err, &agentErr) {
			if agentErr.AgentID == "" {
				agentErr.AgentID = agent.ID
			}
			d.record(&out, capability, domain.Attempt{AgentID: agent.ID, Reason: agentErr.Error(), Duration: elapsed}, ResultAgentError)
			out.AgentID = agent.ID
			out.Err = agentErr
			return out
		}

		kind := ResultTransport
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			kind = ResultTimeout
			reason = fmt.Sprintf("timed out after %s", elapsed.Round(time.Millisecond))
		}
		d.record(&out, capability, domain.Attempt{AgentID: agent.ID, Reason: reason, Duration: elapsed}, kind)
		d.logger.Debug("attempt failed, falling back",
			"capability", capability,
			"agent_id", agent.ID,
			"correlation_id", out.CorrelationID,
			"error", err)
	}

	if ctx.Err() != nil {
		out.Err = &domain.TimeoutError{Capability: capability, AgentID: lastAttempted(out.Attempts), Attempts: out.Attempts}
		return out
	}
	out.Err = &domain.DispatchExhaustedError{Capability: capability, Attempts: out.Attempts}
	return out
}

// InvokeAll dispatches every call concurrently. Outcomes are returned in call
// order. When ctx ends before a call completes, its slot holds a TimeoutError.
func (d *Dispatcher) InvokeAll(ctx context.Context, requestType string, calls []domain.Call) []domain.Outcome {
	outcomes := make([]domain.Outcome, len(calls))
	if len(calls) == 0 {
		return outcomes
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	parentDeadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		parentDeadline = time.Now().Add(time.Hour)
	}

	type slot struct {
		index   int
		outcome domain.Outcome
	}
	done := make(chan slot, len(calls))

	for i, call := range calls {
		deadline := parentDeadline
		if call.Timeout > 0 {
			if own := time.Now().Add(call.Timeout); own.Before(deadline) {
				deadline = own
			}
		}
		go func() {
			done <- slot{index: i, outcome: d.Invoke(ctx, requestType, call.Capability, call.Payload, deadline)}
		}()
	}

	filled := make([]bool, len(calls))
	for pending := len(calls); pending > 0; pending-- {
		select {
		case s := <-done:
			s.outcome.Index = s.index
			outcomes[s.index] = s.outcome
			filled[s.index] = true
		case <-ctx.Done():
			for i, call := range calls {
				if !filled[i] {
					outcomes[i] = domain.Outcome{
						Index:      i,
						Capability: call.Capability,
						Err:        &domain.TimeoutError{Capability: call.Capability},
					}
				}
			}
			return outcomes
		}
	}
	return outcomes
}

// attemptBudget splits the remaining time evenly across the candidates still
// to try, never below the floor and never beyond the deadline.
func (d *Dispatcher) attemptBudget(deadline time.Time, candidatesLeft int) time.Duration {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	if candidatesLeft < 1 {
		candidatesLeft = 1
	}
	budget := remaining / time.Duration(candidatesLeft)
	if budget < d.minAttempt {
		budget = d.minAttempt
	}
	if budget > remaining {
		budget = remaining
	}
	return budget
}

// admit reports why an agent must be skipped, or an empty result when it may
// be tried.
func (d *Dispatcher) admit(ctx context.Context, requestType, capability string, agent domain.Agent) (result, reason string) {
	state := d.liveness.State(agent.ID)
	if !state.Routable() {
		return ResultSkipped, fmt.Sprintf("not routable (%s)", state)
	}
	if d.policy == nil {
		return "", ""
	}

	decision, err := d.policy.Evaluate(ctx, policy.Input{
		RequestType: requestType,
		Capability:  capability,
		AgentID:     agent.ID,
		AgentName:   agent.Name,
		AgentState:  string(state),
	})
	if err != nil {
		d.logger.Warn("policy evaluation failed", "capability", capability, "agent_id", agent.ID, "error", err)
		return ResultPolicyError, "policy evaluation failed: " + err.Error()
	}
	if !decision.Allowed() {
		return ResultBlocked, (&domain.PolicyBlockedError{Capability: capability, AgentID: agent.ID, Reason: decision.Reason}).Error()
	}
	return "", ""
}

func (d *Dispatcher) record(out *domain.Outcome, capability string, a domain.Attempt, result string) {
	out.Attempts = append(out.Attempts, a)
	if d.observer != nil {
		d.observer.ObserveAttempt(capability, a.AgentID, result, a.Duration)
	}
}

func lastAttempted(attempts []domain.Attempt) string {
	for i := len(attempts) - 1; i >= 0; i-- {
		if !attempts[i].Skipped {
			return attempts[i].AgentID
		}
	}
	return ""
}
