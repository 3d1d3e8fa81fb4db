package domain

import (
	"strings"
	"time"
)

// Capability is a named, optionally versioned operation an agent performs.
type Capability struct {
	Name    string `json:"name" mapstructure:"name"`
	Version string `json:"version,omitempty" mapstructure:"version"`
}

// Agent represents a registered backend agent.
type Agent struct {
	ID              string       `json:"agent_id"`
	Name            string       `json:"name"`
	Address         string       `json:"address"`
	Capabilities    []Capability `json:"capabilities"`
	ProtocolVersion string       `json:"protocol_version"`
	Priority        int          `json:"priority,omitempty"`
	Source          AgentSource  `json:"source,omitempty"`
	RegisteredAt    time.Time    `json:"registered_at"`
}

// CapabilityNames returns the declared capability names in declaration order.
func (a Agent) CapabilityNames() []string {
	names := make([]string, len(a.Capabilities))
	for i, c := range a.Capabilities {
		names[i] = c.Name
	}
	return names
}

// SameDeclaration reports whether two registrations carry identical routing data.
func (a Agent) SameDeclaration(b Agent) bool {
	if a.ID != b.ID || a.Address != b.Address || a.ProtocolVersion != b.ProtocolVersion || a.Priority != b.Priority {
		return false
	}
	if len(a.Capabilities) != len(b.Capabilities) {
		return false
	}
	for i := range a.Capabilities {
		if a.Capabilities[i] != b.Capabilities[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the agent.
func (a Agent) Clone() Agent {
	c := a
	c.Capabilities = append([]Capability(nil), a.Capabilities...)
	return c
}

// LivenessRecord is the health state of one agent as seen by the probe loop.
type LivenessRecord struct {
	AgentID             string        `json:"agent_id"`
	State               LivenessState `json:"state"`
	LastProbe           time.Time     `json:"last_probe,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	Since               time.Time     `json:"since"`
}

// LivenessTransition describes a state change of one agent.
type LivenessTransition struct {
	AgentID string        `json:"agent_id"`
	From    LivenessState `json:"from"`
	To      LivenessState `json:"to"`
	At      time.Time     `json:"at"`
	Reason  string        `json:"reason,omitempty"`
}

// AgentRef is an agent as listed under a capability.
type AgentRef struct {
	AgentID   string        `json:"agent_id"`
	Name      string        `json:"name"`
	Address   string        `json:"address"`
	Version   string        `json:"version,omitempty"`
	State     LivenessState `json:"state"`
	Preferred bool          `json:"preferred"`
}

// CapabilityInfo lists the agents declaring a capability, preferred first.
type CapabilityInfo struct {
	Name   string     `json:"name"`
	Agents []AgentRef `json:"agents"`
}

// ParseCapability parses "name" or "name@version".
func ParseCapability(s string) Capability {
	name, version, _ := strings.Cut(strings.TrimSpace(s), "@")
	return Capability{Name: name, Version: version}
}

// String renders the capability as "name" or "name@version".
func (c Capability) String() string {
	if c.Version == "" {
		return c.Name
	}
	return c.Name + "@" + c.Version
}

// AgentStatus is a registered agent together with its liveness record.
type AgentStatus struct {
	Agent
	Liveness LivenessRecord `json:"liveness"`
}
