// Package registry maps capability names to the agents that implement them.
package registry

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/xiaot623/captain/internal/domain"
)

// DefaultProtocolConstraint is the agent protocol range accepted when none is configured.
const DefaultProtocolConstraint = ">= 1.0.0, < 2.0.0"

var capabilityNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*([._-][a-z0-9]+)*$`)

// CapabilityResolver is the read side of the registry used for routing.
type CapabilityResolver interface {
	// Resolve returns the agents declaring a capability, preferred first.
	Resolve(capability string) ([]domain.Agent, error)
	// Agent returns a registered agent by id.
	Agent(agentID string) (domain.Agent, bool)
	// Capabilities returns every known capability name, sorted.
	Capabilities() []string
}

// Options configures registration policy.
type Options struct {
	AllowOverwrite     bool
	ProtocolConstraint string
	Now                func() time.Time
}

type entry struct {
	agent domain.Agent
	seq   uint64
}

// Registry is the in-memory CapabilityResolver. Registrations take the write
// lock; lookups share the read lock.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*entry
	capabilities map[string][]string // capability -> agent ids, preference order
	nextSeq      uint64

	allowOverwrite bool
	constraint     *semver.Constraints
	constraintRaw  string
	now            func() time.Time
}

// New creates an empty registry.
func New(opts Options) (*Registry, error) {
	raw := opts.ProtocolConstraint
	if raw == "" {
		raw = DefaultProtocolConstraint
	}
	constraint, err := semver.NewConstraint(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse protocol constraint %q: %w", raw, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		agents:         make(map[string]*entry),
		capabilities:   make(map[string][]string),
		allowOverwrite: opts.AllowOverwrite,
		constraint:     constraint,
		constraintRaw:  raw,
		now:            now,
	}, nil
}

// Register adds or replaces an agent's declared capability set. It returns
// the stored registration and whether anything changed.
func (r *Registry) Register(agent domain.Agent) (domain.Agent, bool, error) {
	if err := r.validate(agent); err != nil {
		return domain.Agent{}, false, err
	}
	agent = agent.Clone()
	if agent.Name == "" {
		agent.Name = agent.ID
	}
	if agent.Source == "" {
		agent.Source = domain.AgentSourceDynamic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.agents[agent.ID]
	if ok {
		if existing.agent.Address != agent.Address && !r.allowOverwrite {
			return domain.Agent{}, false, &domain.DuplicateAgentError{
				AgentID:          agent.ID,
				ExistingAddress:  existing.agent.Address,
				RequestedAddress: agent.Address,
			}
		}
		if existing.agent.SameDeclaration(agent) {
			return existing.agent.Clone(), false, nil
		}
		agent.RegisteredAt = existing.agent.RegisteredAt
		r.unlinkLocked(agent.ID, existing.agent)
		existing.agent = agent
		r.linkLocked(agent.ID, agent)
		return agent.Clone(), true, nil
	}

	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = r.now()
	}
	r.nextSeq++
	r.agents[agent.ID] = &entry{agent: agent, seq: r.nextSeq}
	r.linkLocked(agent.ID, agent)
	return agent.Clone(), true, nil
}

// Deregister removes an agent and its capability mappings. It reports whether
// the agent was present; removing an unknown agent is not an error.
func (r *Registry) Deregister(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.agents[agentID]
	if !ok {
		return false
	}
	r.unlinkLocked(agentID, existing.agent)
	delete(r.agents, agentID)
	return true
}

// Resolve returns the agents declaring a capability, preferred first.
func (r *Registry) Resolve(capability string) ([]domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.capabilities[capability]
	if len(ids) == 0 {
		return nil, &domain.UnknownCapabilityError{Capability: capability}
	}
	agents := make([]domain.Agent, 0, len(ids))
	for _, id := range ids {
		agents = append(agents, r.agents[id].agent.Clone())
	}
	return agents, nil
}

// Agent returns a registered agent by id.
func (r *Registry) Agent(agentID string) (domain.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok {
		return domain.Agent{}, false
	}
	return e.agent.Clone(), true
}

// Agents returns every registered agent in registration order.
func (r *Registry) Agents() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	agents := make([]domain.Agent, len(entries))
	for i, e := range entries {
		agents[i] = e.agent.Clone()
	}
	return agents
}

// Capabilities returns every known capability name, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) validate(agent domain.Agent) error {
	if agent.ID == "" {
		return &domain.InvalidAgentError{Reason: "agent id is required"}
	}
	u, err := url.Parse(agent.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &domain.InvalidAgentError{AgentID: agent.ID, Reason: fmt.Sprintf("address %q must be an absolute http(s) URL", agent.Address)}
	}
	if len(agent.Capabilities) == 0 {
		return &domain.InvalidAgentError{AgentID: agent.ID, Reason: "at least one capability is required"}
	}

	seen := make(map[string]bool, len(agent.Capabilities))
	for _, c := range agent.Capabilities {
		if c.Name == "" {
			return &domain.InvalidCapabilityError{AgentID: agent.ID, Capability: c.Name, Reason: "name is empty"}
		}
		if !capabilityNamePattern.MatchString(c.Name) {
			return &domain.InvalidCapabilityError{AgentID: agent.ID, Capability: c.Name, Reason: "name must be lowercase words separated by '-', '_' or '.'"}
		}
		if seen[c.Name] {
			return &domain.InvalidCapabilityError{AgentID: agent.ID, Capability: c.Name, Reason: "declared more than once"}
		}
		seen[c.Name] = true
		if c.Version != "" {
			if _, err := semver.NewVersion(c.Version); err != nil {
				return &domain.InvalidCapabilityError{AgentID: agent.ID, Capability: c.Name, Reason: fmt.Sprintf("version %q is not semver", c.Version)}
			}
		}
	}

	v, err := semver.NewVersion(agent.ProtocolVersion)
	if err != nil || !r.constraint.Check(v) {
		return &domain.IncompatibleProtocolError{AgentID: agent.ID, Version: agent.ProtocolVersion, Constraint: r.constraintRaw}
	}
	return nil
}

func (r *Registry) linkLocked(agentID string, agent domain.Agent) {
	for _, c := range agent.Capabilities {
		ids := append(r.capabilities[c.Name], agentID)
		r.sortLocked(ids)
		r.capabilities[c.Name] = ids
	}
}

func (r *Registry) unlinkLocked(agentID string, agent domain.Agent) {
	for _, c := range agent.Capabilities {
		ids := r.capabilities[c.Name]
		kept := ids[:0]
		for _, id := range ids {
			if id != agentID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(r.capabilities, c.Name)
		} else {
			r.capabilities[c.Name] = kept
		}
	}
}

// sortLocked orders ids by (priority, first registration).
func (r *Registry) sortLocked(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := r.agents[ids[i]], r.agents[ids[j]]
		if a.agent.Priority != b.agent.Priority {
			return a.agent.Priority < b.agent.Priority
		}
		return a.seq < b.seq
	})
}
