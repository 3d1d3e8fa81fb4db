package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaot623/captain/internal/domain"
)

// RegisterAgent adds or updates an agent and starts tracking its liveness.
// Dynamic registrations are written to the snapshot store.
func (s *Service) RegisterAgent(ctx context.Context, agent domain.Agent) (domain.Agent, error) {
	previous, existed := s.registry.Agent(agent.ID)

	stored, changed, err := s.registry.Register(agent)
	if err != nil {
		return domain.Agent{}, err
	}

	if existed && previous.Address != stored.Address {
		// A new address says nothing about the old one's health.
		s.tracker.Forget(stored.ID)
		if s.metrics != nil {
			s.metrics.ForgetAgent(stored.ID)
		}
	}
	s.tracker.Track(stored)

	if changed {
		s.logger.Info("agent registered",
			"agent_id", stored.ID,
			"address", stored.Address,
			"capabilities", stored.CapabilityNames(),
			"source", stored.Source)
		if s.store != nil && stored.Source == domain.AgentSourceDynamic {
			if err := s.store.SaveAgent(ctx, &stored); err != nil {
				s.logger.Warn("failed to persist agent registration", "agent_id", stored.ID, "error", err)
			}
		}
	}
	if s.metrics != nil {
		s.metrics.SetRegisteredAgents(len(s.registry.Agents()))
	}
	return stored, nil
}

// DeregisterAgent removes an agent. It reports whether the agent existed.
func (s *Service) DeregisterAgent(ctx context.Context, agentID string) bool {
	removed := s.registry.Deregister(agentID)
	s.tracker.Forget(agentID)

	s.mu.Lock()
	delete(s.static, agentID)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteAgent(ctx, agentID); err != nil {
			s.logger.Warn("failed to delete agent snapshot", "agent_id", agentID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.ForgetAgent(agentID)
		s.metrics.SetRegisteredAgents(len(s.registry.Agents()))
	}
	if removed {
		s.logger.Info("agent deregistered", "agent_id", agentID)
	}
	return removed
}

// ListAgents returns every registered agent with its liveness record.
func (s *Service) ListAgents() []domain.AgentStatus {
	agents := s.registry.Agents()
	out := make([]domain.AgentStatus, len(agents))
	for i, a := range agents {
		out[i] = s.status(a)
	}
	return out
}

// GetAgent returns one registered agent with its liveness record.
func (s *Service) GetAgent(agentID string) (domain.AgentStatus, error) {
	a, ok := s.registry.Agent(agentID)
	if !ok {
		return domain.AgentStatus{}, domain.ErrAgentNotFound
	}
	return s.status(a), nil
}

func (s *Service) status(a domain.Agent) domain.AgentStatus {
	rec, ok := s.tracker.Record(a.ID)
	if !ok {
		rec = domain.LivenessRecord{AgentID: a.ID, State: domain.LivenessUnknown}
	}
	return domain.AgentStatus{Agent: a, Liveness: rec}
}

// ReconcileStatic makes the registry match the configured static agents:
// listed agents are registered, previously configured agents that are no
// longer listed are removed. Dynamic registrations are left alone.
func (s *Service) ReconcileStatic(ctx context.Context, agents []domain.Agent) error {
	s.mu.RLock()
	wasStatic := make(map[string]bool, len(s.static))
	for id := range s.static {
		wasStatic[id] = true
	}
	s.mu.RUnlock()

	want := make(map[string]bool, len(agents))
	var errs []error
	for _, a := range agents {
		a.Source = domain.AgentSourceStatic
		if prev, ok := s.registry.Agent(a.ID); ok && wasStatic[a.ID] && prev.Address != a.Address {
			// The config file is authoritative for its own agents.
			s.DeregisterAgent(ctx, a.ID)
		}
		if _, err := s.RegisterAgent(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("static agent %s: %w", a.ID, err))
			continue
		}
		want[a.ID] = true
	}

	s.mu.Lock()
	var stale []string
	for id := range s.static {
		if !want[id] {
			stale = append(stale, id)
		}
	}
	s.static = want
	s.mu.Unlock()

	for _, id := range stale {
		s.DeregisterAgent(ctx, id)
	}
	return errors.Join(errs...)
}

// RestoreAgents re-registers the dynamic agents recorded in the snapshot store.
func (s *Service) RestoreAgents(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list agent snapshot: %w", err)
	}
	restored := 0
	for _, a := range agents {
		if _, err := s.RegisterAgent(ctx, a); err != nil {
			s.logger.Warn("skipping stored agent", "agent_id", a.ID, "error", err)
			continue
		}
		restored++
	}
	return restored, nil
}
