// Package liveness keeps a health classification per agent, driven by
// periodic probes.
package liveness

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/logging"
)

const (
	DefaultProbeInterval    = 10 * time.Second
	DefaultProbeTimeout     = 2 * time.Second
	DefaultFailureThreshold = 3

	probeAllConcurrency = 16
)

// Prober performs one health check against an agent.
type Prober interface {
	Probe(ctx context.Context, agent domain.Agent) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, agent domain.Agent) error

func (f ProberFunc) Probe(ctx context.Context, agent domain.Agent) error { return f(ctx, agent) }

// Options configures a Tracker.
type Options struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	Logger           *slog.Logger
	Now              func() time.Time
}

// Listener receives state transitions. It runs on the probing goroutine and
// must not block.
type Listener func(domain.LivenessTransition)

type tracked struct {
	mu     sync.Mutex
	agent  domain.Agent
	record domain.LivenessRecord
	cancel context.CancelFunc
}

// Tracker is the single writer of liveness records. Each agent has its own
// record lock and probe loop.
type Tracker struct {
	prober Prober
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	agents    map[string]*tracked
	listeners []Listener
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewTracker creates a tracker. Probe loops do not run until Start.
func NewTracker(prober Prober, opts Options) *Tracker {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		prober: prober,
		opts:   opts,
		logger: logging.Component(opts.Logger, "liveness"),
		agents: make(map[string]*tracked),
	}
}

// OnTransition registers a listener for state changes.
func (t *Tracker) OnTransition(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// Track starts tracking an agent in state UNKNOWN. Tracking a known agent
// refreshes its address and capabilities but keeps its state.
func (t *Tracker) Track(agent domain.Agent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.agents[agent.ID]; ok {
		existing.mu.Lock()
		existing.agent = agent.Clone()
		existing.mu.Unlock()
		return
	}

	entry := &tracked{
		agent: agent.Clone(),
		record: domain.LivenessRecord{
			AgentID: agent.ID,
			State:   domain.LivenessUnknown,
			Since:   t.opts.Now(),
		},
	}
	t.agents[agent.ID] = entry
	if t.runCtx != nil {
		t.spawnLocked(entry)
	}
}

// Forget stops probing an agent and drops its record.
func (t *Tracker) Forget(agentID string) {
	t.mu.Lock()
	var cancel context.CancelFunc
	if entry, ok := t.agents[agentID]; ok {
		cancel = entry.cancel
		delete(t.agents, agentID)
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Start launches one probe loop per tracked agent. Loops stop when ctx is
// cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runCtx != nil {
		return
	}
	t.runCtx, t.cancel = context.WithCancel(ctx)
	for _, entry := range t.agents {
		t.spawnLocked(entry)
	}
	t.logger.Info("liveness tracker started",
		"agents", len(t.agents),
		"probe_interval", t.opts.ProbeInterval.String(),
		"failure_threshold", t.opts.FailureThreshold)
}

// Stop cancels every probe loop and waits for in-flight probes to finish.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.runCtx = nil
	t.cancel = nil
	for _, entry := range t.agents {
		entry.cancel = nil
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) spawnLocked(entry *tracked) {
	ctx, cancel := context.WithCancel(t.runCtx)
	entry.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.loop(ctx, entry)
	}()
}

func (t *Tracker) loop(ctx context.Context, entry *tracked) {
	t.probe(ctx, entry)

	ticker := time.NewTicker(t.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.probe(ctx, entry)
		}
	}
}

// ProbeAll runs one probe round against every tracked agent and returns once
// all probes have been recorded.
func (t *Tracker) ProbeAll(ctx context.Context) {
	t.mu.RLock()
	entries := make([]*tracked, 0, len(t.agents))
	for _, entry := range t.agents {
		entries = append(entries, entry)
	}
	t.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeAllConcurrency)
	for _, entry := range entries {
		g.Go(func() error {
			t.probe(gctx, entry)
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Tracker) probe(ctx context.Context, entry *tracked) {
	entry.mu.Lock()
	agent := entry.agent.Clone()
	entry.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, t.opts.ProbeTimeout)
	err := t.prober.Probe(probeCtx, agent)
	cancel()

	if ctx.Err() != nil {
		// Shutdown or Forget raced the probe; its result says nothing about the agent.
		return
	}
	t.observe(entry, err)
}

// Observe feeds one probe result for an agent into the state machine.
func (t *Tracker) Observe(agentID string, probeErr error) {
	t.mu.RLock()
	entry, ok := t.agents[agentID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	t.observe(entry, probeErr)
}

func (t *Tracker) observe(entry *tracked, probeErr error) {
	now := t.opts.Now()

	entry.mu.Lock()
	rec := &entry.record
	from := rec.State
	rec.LastProbe = now
	if probeErr == nil {
		rec.ConsecutiveFailures = 0
		rec.LastError = ""
	} else {
		rec.ConsecutiveFailures++
		rec.LastError = probeErr.Error()
	}
	to := Next(from, probeErr == nil, rec.ConsecutiveFailures, t.opts.FailureThreshold)
	rec.State = to
	if to != from {
		rec.Since = now
	}
	agentID := rec.AgentID
	failures := rec.ConsecutiveFailures
	entry.mu.Unlock()

	if to == from {
		if probeErr != nil {
			t.logger.Debug("probe failed", "agent_id", agentID, "state", to, "failures", failures, "error", probeErr)
		}
		return
	}

	transition := domain.LivenessTransition{AgentID: agentID, From: from, To: to, At: now}
	if probeErr != nil {
		transition.Reason = probeErr.Error()
	}
	if to == domain.LivenessUnreachable {
		t.logger.Warn("agent unreachable", "agent_id", agentID, "failures", failures, "error", probeErr)
	} else {
		t.logger.Info("liveness transition", "agent_id", agentID, "from", from, "to", to)
	}

	t.mu.RLock()
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.RUnlock()
	for _, l := range listeners {
		l(transition)
	}
}

// Next computes the state after one probe result. failures already includes
// the current result.
func Next(from domain.LivenessState, ok bool, failures, threshold int) domain.LivenessState {
	if ok {
		return domain.LivenessHealthy
	}
	if failures >= threshold {
		return domain.LivenessUnreachable
	}
	switch from {
	case domain.LivenessHealthy, domain.LivenessDegraded:
		return domain.LivenessDegraded
	default:
		return from
	}
}

// State returns the current state of an agent; untracked agents are UNKNOWN.
func (t *Tracker) State(agentID string) domain.LivenessState {
	rec, ok := t.Record(agentID)
	if !ok {
		return domain.LivenessUnknown
	}
	return rec.State
}

// IsRoutable reports whether an agent may receive invocations.
func (t *Tracker) IsRoutable(agentID string) bool {
	return t.State(agentID).Routable()
}

// Record returns a copy of one agent's record.
func (t *Tracker) Record(agentID string) (domain.LivenessRecord, bool) {
	t.mu.RLock()
	entry, ok := t.agents[agentID]
	t.mu.RUnlock()
	if !ok {
		return domain.LivenessRecord{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.record, true
}

// Snapshot returns copies of all records ordered by agent id.
func (t *Tracker) Snapshot() []domain.LivenessRecord {
	t.mu.RLock()
	entries := make([]*tracked, 0, len(t.agents))
	for _, entry := range t.agents {
		entries = append(entries, entry)
	}
	t.mu.RUnlock()

	records := make([]domain.LivenessRecord, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		records = append(records, entry.record)
		entry.mu.Unlock()
	}
	sort.Slice(records, func(i, j int) bool { return records[i].AgentID < records[j].AgentID })
	return records
}
