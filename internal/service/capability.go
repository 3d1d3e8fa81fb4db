package service

import (
	"github.com/xiaot623/captain/internal/domain"
)

// ListCapabilities returns every known capability with its agents in
// preference order. The first routable agent is marked preferred.
func (s *Service) ListCapabilities() []domain.CapabilityInfo {
	names := s.registry.Capabilities()
	out := make([]domain.CapabilityInfo, 0, len(names))
	for _, name := range names {
		agents, err := s.registry.Resolve(name)
		if err != nil {
			// Deregistered between the two reads.
			continue
		}
		info := domain.CapabilityInfo{Name: name, Agents: make([]domain.AgentRef, len(agents))}
		preferred := false
		for i, a := range agents {
			ref := domain.AgentRef{
				AgentID: a.ID,
				Name:    a.Name,
				Address: a.Address,
				State:   s.tracker.State(a.ID),
			}
			for _, c := range a.Capabilities {
				if c.Name == name {
					ref.Version = c.Version
				}
			}
			if !preferred && ref.State.Routable() {
				ref.Preferred = true
				preferred = true
			}
			info.Agents[i] = ref
		}
		out = append(out, info)
	}
	return out
}

// Readiness reports whether every critical capability has a routable agent.
// With no critical capabilities configured, at least one agent must be routable.
func (s *Service) Readiness() domain.Readiness {
	s.mu.RLock()
	critical := append([]string(nil), s.critical...)
	s.mu.RUnlock()

	routable := make(map[string]bool)
	for _, a := range s.registry.Agents() {
		if s.tracker.IsRoutable(a.ID) {
			routable[a.ID] = true
		}
	}
	r := domain.Readiness{Routable: len(routable)}

	if len(critical) == 0 {
		r.Ready = r.Routable > 0
		return r
	}

	r.Capabilities = make(map[string]bool, len(critical))
	for _, name := range critical {
		ok := false
		if agents, err := s.registry.Resolve(name); err == nil {
			for _, a := range agents {
				if routable[a.ID] {
					ok = true
					break
				}
			}
		}
		r.Capabilities[name] = ok
		if !ok {
			r.Missing = append(r.Missing, name)
		}
	}
	r.Ready = len(r.Missing) == 0
	return r
}
