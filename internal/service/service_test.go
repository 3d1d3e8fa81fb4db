package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/captain/internal/adapter/agentclient"
	"github.com/xiaot623/captain/internal/dispatch"
	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/liveness"
	"github.com/xiaot623/captain/internal/metrics"
	"github.com/xiaot623/captain/internal/registry"
	"github.com/xiaot623/captain/internal/repository"
	"github.com/xiaot623/captain/tests/helpers"
)

type fixture struct {
	svc     *Service
	tracker *liveness.Tracker
	store   *repository.SQLiteStore
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	reg, err := registry.New(registry.Options{})
	require.NoError(t, err)

	client := agentclient.NewClient()
	tracker := liveness.NewTracker(client, liveness.Options{FailureThreshold: 1})
	d := dispatch.New(reg, tracker, client, dispatch.Options{})

	store := helpers.NewTestSQLiteStore(t)
	opts.Store = store
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &fixture{svc: New(reg, tracker, d, opts), tracker: tracker, store: store}
}

// register adds an agent and marks it healthy or unreachable.
func (f *fixture) register(t *testing.T, agent domain.Agent, healthy bool) {
	t.Helper()
	_, err := f.svc.RegisterAgent(context.Background(), agent)
	require.NoError(t, err)
	if healthy {
		f.tracker.Observe(agent.ID, nil)
	} else {
		f.tracker.Observe(agent.ID, errors.New("connection refused"))
	}
}

func reminder() domain.Request {
	return domain.Request{
		Type:   "send_reminder",
		Params: json.RawMessage(`{"team_id":"t1","message":"Game at 6","recipients":["p1"]}`),
	}
}

func TestHandleSuccessPreservesOrderAndRecordsTrace(t *testing.T) {
	f := newFixture(t, Options{})
	schedule := helpers.NewFakeAgent(t, func(req domain.AgentInvokeRequest) domain.AgentInvokeResponse {
		return domain.AgentInvokeResponse{OK: true, Result: json.RawMessage(`{"events":["practice"]}`)}
	})
	schedule.SetDelay(50 * time.Millisecond)
	attendance := helpers.NewFakeAgent(t, func(req domain.AgentInvokeRequest) domain.AgentInvokeResponse {
		return domain.AgentInvokeResponse{OK: true, Result: json.RawMessage(`{"report":"ok"}`)}
	})
	f.register(t, schedule.Agent("schedule-1", "get-schedule-events"), true)
	f.register(t, attendance.Agent("attendance-1", "get-attendance-report"), true)

	res, err := f.svc.Handle(context.Background(), reminder())
	require.NoError(t, err)

	assert.Equal(t, domain.CompositeSuccess, res.Status)
	assert.NotEmpty(t, res.RequestID)
	require.Len(t, res.Payloads, 2)
	assert.JSONEq(t, `{"events":["practice"]}`, string(res.Payloads[0]))
	assert.JSONEq(t, `{"report":"ok"}`, string(res.Payloads[1]))
	assert.Equal(t, "schedule-1", res.Results[0].AgentID)

	calls := schedule.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "get-schedule-events", calls[0].Capability)
	assert.JSONEq(t, `{"team_id":"t1","reminder":{"message":"Game at 6","recipients":["p1"]}}`, string(calls[0].Input))

	trace, err := f.svc.GetRequestTrace(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompositeSuccess, trace.Status)
	assert.Len(t, trace.Results, 2)
}

func TestHandleFallsBackToHealthyAgent(t *testing.T) {
	f := newFixture(t, Options{})
	a := helpers.NewFakeAgent(t, nil)
	b := helpers.NewFakeAgent(t, nil)
	f.register(t, a.Agent("attendance-a", "get-attendance-report"), false)
	f.register(t, b.Agent("attendance-b", "get-attendance-report"), true)
	f.register(t, helpers.NewFakeAgent(t, nil).Agent("schedule-1", "get-schedule-events"), true)

	res, err := f.svc.Handle(context.Background(), reminder())
	require.NoError(t, err)

	assert.Equal(t, domain.CompositeSuccess, res.Status)
	assert.Equal(t, "attendance-b", res.Results[1].AgentID)
	assert.Empty(t, a.Calls(), "unreachable agent is never called")
	assert.Len(t, b.Calls(), 1)
}

func TestHandlePartial(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, helpers.NewFakeAgent(t, nil).Agent("schedule-1", "get-schedule-events"), true)
	f.register(t, helpers.NewFakeAgent(t, nil).Agent("attendance-1", "get-attendance-report"), false)

	res, err := f.svc.Handle(context.Background(), reminder())
	require.NoError(t, err)

	assert.Equal(t, domain.CompositePartial, res.Status)
	require.Len(t, res.Results, 2)
	assert.Equal(t, domain.ResultStatusOK, res.Results[0].Status)
	require.NotNil(t, res.Results[1].Error)
	assert.Equal(t, domain.CodeDispatchExhausted, res.Results[1].Error.Code)
	assert.Len(t, res.Payloads, 1)
}

func TestHandleFailureReturnsResultAndError(t *testing.T) {
	f := newFixture(t, Options{})
	failing := helpers.NewFakeAgent(t, func(domain.AgentInvokeRequest) domain.AgentInvokeResponse {
		return domain.AgentInvokeResponse{Error: &domain.AgentErrorBody{Code: "unavailable", Message: "maintenance"}}
	})
	f.register(t, failing.Agent("schedule-1", "get-schedule-events", "get-attendance-report"), true)

	res, err := f.svc.Handle(context.Background(), reminder())

	var agg *domain.AggregateFailureError
	require.True(t, errors.As(err, &agg))
	require.NotNil(t, res)
	assert.Equal(t, domain.CompositeFailure, res.Status)
	assert.Len(t, agg.Failures, 2)
	assert.Equal(t, domain.CodeAgentError, agg.Failures[0].Code)

	trace, err := f.svc.GetRequestTrace(context.Background(), res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompositeFailure, trace.Status)
	assert.NotEmpty(t, trace.Error)
}

func TestHandleUnknownCapabilityBeforeDispatch(t *testing.T) {
	f := newFixture(t, Options{})
	schedule := helpers.NewFakeAgent(t, nil)
	f.register(t, schedule.Agent("schedule-1", "get-schedule-events"), true)

	_, err := f.svc.Handle(context.Background(), reminder())

	var unknown *domain.UnknownCapabilityError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "get-attendance-report", unknown.Capability)
	assert.Empty(t, schedule.Calls())
}

func TestHandleMalformedRequest(t *testing.T) {
	f := newFixture(t, Options{})

	_, err := f.svc.Handle(context.Background(), domain.Request{Type: "send_reminder", Params: json.RawMessage(`{"team_id":"t1"}`)})

	var malformed *domain.MalformedRequestError
	require.True(t, errors.As(err, &malformed))
	assert.NotEmpty(t, malformed.Issues)
}

func TestHandleDeadlineMarksSlowInvocationTimedOut(t *testing.T) {
	f := newFixture(t, Options{})
	slow := helpers.NewFakeAgent(t, nil)
	slow.SetDelay(500 * time.Millisecond)
	f.register(t, helpers.NewFakeAgent(t, nil).Agent("schedule-1", "get-schedule-events"), true)
	f.register(t, slow.Agent("attendance-1", "get-attendance-report"), true)

	req := reminder()
	req.TimeoutMs = 100
	start := time.Now()
	res, err := f.svc.Handle(context.Background(), req)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 400*time.Millisecond)
	assert.Equal(t, domain.CompositePartial, res.Status)
	require.NotNil(t, res.Results[1].Error)
	assert.Equal(t, domain.CodeTimeout, res.Results[1].Error.Code)
}

func TestRequestDeadline(t *testing.T) {
	f := newFixture(t, Options{RequestTimeout: 5 * time.Second, MaxRequestTimeout: 20 * time.Second})

	assert.Equal(t, 5*time.Second, f.svc.requestDeadline(0))
	assert.Equal(t, 250*time.Millisecond, f.svc.requestDeadline(250))
	assert.Equal(t, 20*time.Second, f.svc.requestDeadline(120000))
}

func TestListCapabilitiesMarksPreferredRoutableAgent(t *testing.T) {
	f := newFixture(t, Options{})
	f.register(t, helpers.NewFakeAgent(t, nil).Agent("a", "get-attendance-report@1.2.0"), false)
	f.register(t, helpers.NewFakeAgent(t, nil).Agent("b", "get-attendance-report"), true)

	caps := f.svc.ListCapabilities()
	require.Len(t, caps, 1)
	assert.Equal(t, "get-attendance-report", caps[0].Name)
	require.Len(t, caps[0].Agents, 2)
	assert.Equal(t, "a", caps[0].Agents[0].AgentID)
	assert.Equal(t, "1.2.0", caps[0].Agents[0].Version)
	assert.Equal(t, domain.LivenessUnreachable, caps[0].Agents[0].State)
	assert.False(t, caps[0].Agents[0].Preferred)
	assert.True(t, caps[0].Agents[1].Preferred)
}

func TestReadiness(t *testing.T) {
	f := newFixture(t, Options{CriticalCapabilities: []string{"parse-schedule", "get-attendance-report"}})

	r := f.svc.Readiness()
	assert.False(t, r.Ready)
	assert.ElementsMatch(t, []string{"parse-schedule", "get-attendance-report"}, r.Missing)

	f.register(t, helpers.NewFakeAgent(t, nil).Agent("schedule-1", "parse-schedule"), true)
	f.register(t, helpers.NewFakeAgent(t, nil).Agent("attendance-1", "get-attendance-report"), false)
	r = f.svc.Readiness()
	assert.False(t, r.Ready)
	assert.Equal(t, []string{"get-attendance-report"}, r.Missing)
	assert.Equal(t, 1, r.Routable)

	f.tracker.Observe("attendance-1", nil)
	r = f.svc.Readiness()
	assert.True(t, r.Ready)
	assert.True(t, r.Capabilities["get-attendance-report"])
}

func TestReadinessWithoutCriticalCapabilities(t *testing.T) {
	f := newFixture(t, Options{})
	assert.False(t, f.svc.Readiness().Ready)

	f.register(t, helpers.NewFakeAgent(t, nil).Agent("schedule-1", "parse-schedule"), true)
	assert.True(t, f.svc.Readiness().Ready)
}

func TestRegisterAndDeregisterAgent(t *testing.T) {
	f := newFixture(t, Options{})
	agent := helpers.NewFakeAgent(t, nil).Agent("schedule-1", "parse-schedule")

	stored, err := f.svc.RegisterAgent(context.Background(), agent)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentSourceDynamic, stored.Source)

	status, err := f.svc.GetAgent("schedule-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LivenessUnknown, status.Liveness.State)

	snapshot, err := f.store.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, 1)

	assert.True(t, f.svc.DeregisterAgent(context.Background(), "schedule-1"))
	assert.False(t, f.svc.DeregisterAgent(context.Background(), "schedule-1"))
	_, err = f.svc.GetAgent("schedule-1")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	snapshot, err = f.store.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestReconcileStatic(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	dynamic := helpers.NewFakeAgent(t, nil).Agent("dynamic-1", "parse-schedule")
	_, err := f.svc.RegisterAgent(ctx, dynamic)
	require.NoError(t, err)

	a := helpers.NewFakeAgent(t, nil).Agent("static-a", "get-schedule-events")
	b := helpers.NewFakeAgent(t, nil).Agent("static-b", "get-attendance-report")
	require.NoError(t, f.svc.ReconcileStatic(ctx, []domain.Agent{a, b}))
	assert.Len(t, f.svc.ListAgents(), 3)

	moved := helpers.NewFakeAgent(t, nil).Agent("static-a", "get-schedule-events")
	require.NoError(t, f.svc.ReconcileStatic(ctx, []domain.Agent{moved}))

	agents := f.svc.ListAgents()
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	assert.ElementsMatch(t, []string{"dynamic-1", "static-a"}, ids)
	got, err := f.svc.GetAgent("static-a")
	require.NoError(t, err)
	assert.Equal(t, moved.Address, got.Address)
	assert.Equal(t, domain.AgentSourceStatic, got.Source)

	snapshot, err := f.store.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 1, "static agents are not written to the snapshot")
	assert.Equal(t, "dynamic-1", snapshot[0].ID)

	bad := domain.Agent{ID: "broken", Address: "nope"}
	assert.Error(t, f.svc.ReconcileStatic(ctx, []domain.Agent{moved, bad}))
}

func TestRestoreAgents(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	agent := helpers.NewFakeAgent(t, nil).Agent("schedule-1", "parse-schedule")
	agent.Source = domain.AgentSourceDynamic
	agent.RegisteredAt = time.Now()
	require.NoError(t, f.store.SaveAgent(ctx, &agent))

	n, err := f.svc.RestoreAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.svc.GetAgent("schedule-1")
	assert.NoError(t, err)
}

func TestGetRequestTraceNotFound(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.GetRequestTrace(context.Background(), "req_missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSweepTracesRemovesExpired(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.store.SaveTrace(ctx, &domain.RequestTrace{
		RequestID: "req_old", RequestType: "send_reminder", Status: domain.CompositeSuccess,
		CreatedAt: now.Add(-2 * time.Hour), CompletedAt: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, f.store.SaveTrace(ctx, &domain.RequestTrace{
		RequestID: "req_new", RequestType: "send_reminder", Status: domain.CompositeSuccess,
		CreatedAt: now, CompletedAt: now,
	}))

	assert.Equal(t, int64(1), f.svc.sweepTraces(ctx, time.Hour))

	_, err := f.svc.GetRequestTrace(ctx, "req_old")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.svc.GetRequestTrace(ctx, "req_new")
	assert.NoError(t, err)
}
