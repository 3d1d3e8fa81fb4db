package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/registry"
	"github.com/xiaot623/captain/policy"
)

type stateMap map[string]domain.LivenessState

func (m stateMap) State(id string) domain.LivenessState {
	if s, ok := m[id]; ok {
		return s
	}
	return domain.LivenessUnknown
}

type agentFunc func(ctx context.Context, inv domain.Invocation) (json.RawMessage, error)

// fakeTransport routes each call to a per-agent behaviour and records who was called.
type fakeTransport struct {
	mu     sync.Mutex
	agents map[string]agentFunc
	calls  []string
}

func (f *fakeTransport) Invoke(ctx context.Context, agent domain.Agent, inv domain.Invocation) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agent.ID)
	fn := f.agents[agent.ID]
	f.mu.Unlock()
	return fn(ctx, inv)
}

func (f *fakeTransport) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func reply(body string) agentFunc {
	return func(context.Context, domain.Invocation) (json.RawMessage, error) {
		return json.RawMessage(body), nil
	}
}

func sleepy(d time.Duration, body string) agentFunc {
	return func(ctx context.Context, _ domain.Invocation) (json.RawMessage, error) {
		select {
		case <-time.After(d):
			return json.RawMessage(body), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func failing(err error) agentFunc {
	return func(context.Context, domain.Invocation) (json.RawMessage, error) { return nil, err }
}

func newRegistry(t *testing.T, agents ...domain.Agent) *registry.Registry {
	t.Helper()
	r, err := registry.New(registry.Options{})
	require.NoError(t, err)
	for _, a := range agents {
		_, _, err := r.Register(a)
		require.NoError(t, err)
	}
	return r
}

func agent(id string, caps ...string) domain.Agent {
	a := domain.Agent{ID: id, Address: "http://" + id + ":8000", ProtocolVersion: "1.0.0"}
	for _, c := range caps {
		a.Capabilities = append(a.Capabilities, domain.Capability{Name: c})
	}
	return a
}

type recordingObserver struct {
	mu          sync.Mutex
	attempts    []string
	invocations []string
}

func (o *recordingObserver) ObserveAttempt(_, agentID, result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, agentID+":"+result)
}

func (o *recordingObserver) ObserveInvocation(_, code string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invocations = append(o.invocations, code)
}

func TestInvokeFallsBackPastUnreachableAgent(t *testing.T) {
	reg := newRegistry(t, agent("a", "get-attendance-report"), agent("b", "get-attendance-report"))
	states := stateMap{"a": domain.LivenessUnreachable, "b": domain.LivenessHealthy}
	transport := &fakeTransport{agents: map[string]agentFunc{
		"a": reply(`{"from":"a"}`),
		"b": reply(`{"from":"b"}`),
	}}
	observer := &recordingObserver{}
	d := New(reg, states, transport, Options{Observer: observer})

	out := d.Invoke(context.Background(), "team_overview", "get-attendance-report", json.RawMessage(`{}`), time.Now().Add(time.Second))

	require.NoError(t, out.Err)
	assert.Equal(t, "b", out.AgentID)
	assert.JSONEq(t, `{"from":"b"}`, string(out.Payload))
	assert.Equal(t, []string{"b"}, transport.called(), "unreachable agent is never attempted")
	require.Len(t, out.Attempts, 2)
	assert.True(t, out.Attempts[0].Skipped)
	assert.Contains(t, out.Attempts[0].Reason, "UNREACHABLE")
	assert.NotEmpty(t, out.CorrelationID)
	assert.Equal(t, []string{"a:skipped", "b:ok"}, observer.attempts)
	assert.Equal(t, []string{"ok"}, observer.invocations)
}

func TestInvokeFallsBackOnTransportFailure(t *testing.T) {
	reg := newRegistry(t, agent("a", "parse-schedule"), agent("b", "parse-schedule"))
	states := stateMap{"a": domain.LivenessHealthy, "b": domain.LivenessDegraded}
	transport := &fakeTransport{agents: map[string]agentFunc{
		"a": failing(errors.New("connection refused")),
		"b": reply(`{"events":[]}`),
	}}
	d := New(reg, states, transport, Options{})

	out := d.Invoke(context.Background(), "", "parse-schedule", nil, time.Now().Add(time.Second))

	require.NoError(t, out.Err)
	assert.Equal(t, "b", out.AgentID)
	assert.Equal(t, []string{"a", "b"}, transport.called())
}

func TestInvokeExhausted(t *testing.T) {
	reg := newRegistry(t, agent("a", "parse-schedule"), agent("b", "parse-schedule"))
	states := stateMap{"a": domain.LivenessUnreachable, "b": domain.LivenessHealthy}
	transport := &fakeTransport{agents: map[string]agentFunc{
		"b": failing(errors.New("connection refused")),
	}}
	d := New(reg, states, transport, Options{})

	out := d.Invoke(context.Background(), "", "parse-schedule", nil, time.Now().Add(time.Second))

	var exhausted *domain.DispatchExhaustedError
	require.True(t, errors.As(out.Err, &exhausted))
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "a", exhausted.Attempts[0].AgentID)
	assert.Equal(t, "b", exhausted.Attempts[1].AgentID)
	assert.Contains(t, exhausted.Attempts[1].Reason, "connection refused")
	assert.Equal(t, []string{"b"}, transport.called(), "each agent tried at most once")
}

func TestInvokeUnknownCapability(t *testing.T) {
	d := New(newRegistry(t), stateMap{}, &fakeTransport{}, Options{})

	out := d.Invoke(context.Background(), "", "parse-schedule", nil, time.Now().Add(time.Second))

	var unknown *domain.UnknownCapabilityError
	assert.True(t, errors.As(out.Err, &unknown))
}

func TestInvokeAgentErrorDoesNotFallBack(t *testing.T) {
	reg := newRegistry(t, agent("a", "record-attendance"), agent("b", "record-attendance"))
	states := stateMap{"a": domain.LivenessHealthy, "b": domain.LivenessHealthy}
	transport := &fakeTransport{agents: map[string]agentFunc{
		"a": failing(&domain.AgentError{ErrCode: "invalid_player", Message: "unknown player p9"}),
		"b": reply(`{}`),
	}}
	d := New(reg, states, transport, Options{})

	out := d.Invoke(context.Background(), "", "record-attendance", nil, time.Now().Add(time.Second))

	var agentErr *domain.AgentError
	require.True(t, errors.As(out.Err, &agentErr))
	assert.Equal(t, "a", agentErr.AgentID)
	assert.Equal(t, []string{"a"}, transport.called())
}

func TestInvokeDeadlineProducesTimeoutQuickly(t *testing.T) {
	reg := newRegistry(t, agent("slow", "analyze-attendance-patterns"))
	states := stateMap{"slow": domain.LivenessHealthy}
	transport := &fakeTransport{agents: map[string]agentFunc{
		"slow": sleepy(500*time.Millisecond, `{}`),
	}}
	d := New(reg, states, transport, Options{})

	start := time.Now()
	out := d.Invoke(context.Background(), "", "analyze-attendance-patterns", nil, start.Add(100*time.Millisecond))
	elapsed := time.Since(start)

	var timeout *domain.TimeoutError
	require.True(t, errors.As(out.Err, &timeout))
	assert.Equal(t, "slow", timeout.AgentID)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestInvokeSlowFirstAgentLeavesTimeForFallback(t *testing.T) {
	reg := newRegistry(t, agent("slow", "get-schedule-events"), agent("fast", "get-schedule-events"))
	states := stateMap{"slow": domain.LivenessHealthy, "fast": domain.LivenessHealthy}
	transport := &fakeTransport{agents: map[string]agentFunc{
		"slow": sleepy(time.Second, `{}`),
		"fast": reply(`{"events":[1]}`),
	}}
	d := New(reg, states, transport, Options{})

	out := d.Invoke(context.Background(), "", "get-schedule-events", nil, time.Now().Add(200*time.Millisecond))

	require.NoError(t, out.Err)
	assert.Equal(t, "fast", out.AgentID)
	require.Len(t, out.Attempts, 2)
	assert.Contains(t, out.Attempts[0].Reason, "timed out")
}

func TestInvokePolicyBlockSkipsAgent(t *testing.T) {
	reg := newRegistry(t, agent("a", "record-attendance"))
	states := stateMap{"a": domain.LivenessHealthy}
	transport := &fakeTransport{agents: map[string]agentFunc{"a": reply(`{}`)}}
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy, []string{"record-attendance"})
	require.NoError(t, err)
	d := New(reg, states, transport, Options{Policy: engine})

	out := d.Invoke(context.Background(), "record_attendance", "record-attendance", nil, time.Now().Add(time.Second))

	var exhausted *domain.DispatchExhaustedError
	require.True(t, errors.As(out.Err, &exhausted))
	assert.Contains(t, exhausted.Attempts[0].Reason, "policy blocked")
	assert.Empty(t, transport.called())
}

type blockAgents map[string]bool

func (b blockAgents) Evaluate(_ context.Context, in policy.Input) (policy.Decision, error) {
	if b[in.AgentID] {
		return policy.Decision{Decision: policy.DecisionBlock, Reason: "blocked in test"}, nil
	}
	return policy.Decision{Decision: policy.DecisionAllow}, nil
}

func TestInvokeBudgetIgnoresSkippedCandidates(t *testing.T) {
	reg := newRegistry(t,
		agent("live", "parse-schedule"),
		agent("dead1", "parse-schedule"),
		agent("dead2", "parse-schedule"),
		agent("blocked", "parse-schedule"),
	)
	states := stateMap{
		"live":    domain.LivenessHealthy,
		"dead1":   domain.LivenessUnreachable,
		"dead2":   domain.LivenessUnknown,
		"blocked": domain.LivenessHealthy,
	}
	transport := &fakeTransport{agents: map[string]agentFunc{
		"live":    sleepy(400*time.Millisecond, `{"events":[]}`),
		"blocked": reply(`{}`),
	}}
	d := New(reg, states, transport, Options{Policy: blockAgents{"blocked": true}})

	out := d.Invoke(context.Background(), "upload_schedule", "parse-schedule", nil, time.Now().Add(time.Second))

	require.NoError(t, out.Err)
	assert.Equal(t, "live", out.AgentID)
	assert.Equal(t, []string{"live"}, transport.called())
	require.Len(t, out.Attempts, 1, "a successful first agent ends the invocation")
}

func TestInvokeAllPreservesDecompositionOrder(t *testing.T) {
	reg := newRegistry(t,
		agent("schedule", "get-schedule-events"),
		agent("attendance", "get-attendance-report"),
		agent("analytics", "analyze-attendance-patterns"),
	)
	states := stateMap{"schedule": domain.LivenessHealthy, "attendance": domain.LivenessHealthy, "analytics": domain.LivenessHealthy}
	// Completion order is I3, I1, I2.
	transport := &fakeTransport{agents: map[string]agentFunc{
		"schedule":   sleepy(40*time.Millisecond, `"I1"`),
		"attendance": sleepy(80*time.Millisecond, `"I2"`),
		"analytics":  reply(`"I3"`),
	}}
	d := New(reg, states, transport, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcomes := d.InvokeAll(ctx, "team_overview", []domain.Call{
		{Capability: "get-schedule-events"},
		{Capability: "get-attendance-report"},
		{Capability: "analyze-attendance-patterns"},
	})

	require.Len(t, outcomes, 3)
	for i, want := range []string{`"I1"`, `"I2"`, `"I3"`} {
		require.NoError(t, outcomes[i].Err)
		assert.Equal(t, i, outcomes[i].Index)
		assert.Equal(t, want, string(outcomes[i].Payload))
	}
}

func TestInvokeAllFillsPendingSlotsOnDeadline(t *testing.T) {
	reg := newRegistry(t, agent("fast", "get-schedule-events"), agent("stuck", "get-attendance-report"))
	states := stateMap{"fast": domain.LivenessHealthy, "stuck": domain.LivenessHealthy}
	block := make(chan struct{})
	defer close(block)
	transport := &fakeTransport{agents: map[string]agentFunc{
		"fast": reply(`{}`),
		"stuck": func(context.Context, domain.Invocation) (json.RawMessage, error) {
			<-block
			return nil, errors.New("released")
		},
	}}
	d := New(reg, states, transport, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	outcomes := d.InvokeAll(ctx, "send_reminder", []domain.Call{
		{Capability: "get-schedule-events"},
		{Capability: "get-attendance-report"},
	})

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	var timeout *domain.TimeoutError
	require.True(t, errors.As(outcomes[1].Err, &timeout))
	assert.Equal(t, 1, outcomes[1].Index)
	assert.Equal(t, "get-attendance-report", outcomes[1].Capability)
}

func TestInvokeAllPerCallTimeout(t *testing.T) {
	reg := newRegistry(t, agent("slow", "parse-schedule"))
	states := stateMap{"slow": domain.LivenessHealthy}
	transport := &fakeTransport{agents: map[string]agentFunc{"slow": sleepy(time.Second, `{}`)}}
	d := New(reg, states, transport, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	outcomes := d.InvokeAll(ctx, "", []domain.Call{{Capability: "parse-schedule", Timeout: 50 * time.Millisecond}})

	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, domain.CodeTimeout, domain.CodeOf(outcomes[0].Err))
}

func TestAttemptBudget(t *testing.T) {
	d := New(nil, nil, nil, Options{MinAttemptTimeout: 50 * time.Millisecond})

	budget := d.attemptBudget(time.Now().Add(time.Second), 4)
	assert.InDelta(t, float64(250*time.Millisecond), float64(budget), float64(10*time.Millisecond))

	budget = d.attemptBudget(time.Now().Add(120*time.Millisecond), 10)
	assert.Equal(t, 50*time.Millisecond, budget, "floored at the minimum")

	budget = d.attemptBudget(time.Now().Add(20*time.Millisecond), 3)
	assert.LessOrEqual(t, budget, 20*time.Millisecond, "never beyond the deadline")

	assert.Zero(t, d.attemptBudget(time.Now().Add(-time.Second), 1))
}
