// Package domain defines the core domain models for the gateway.
package domain

// LivenessState represents the health classification of an agent.
type LivenessState string

const (
	LivenessUnknown     LivenessState = "UNKNOWN"
	LivenessHealthy     LivenessState = "HEALTHY"
	LivenessDegraded    LivenessState = "DEGRADED"
	LivenessUnreachable LivenessState = "UNREACHABLE"
)

// Routable reports whether agents in this state may receive invocations.
func (s LivenessState) Routable() bool {
	return s == LivenessHealthy || s == LivenessDegraded
}

// CompositeStatus represents the overall status of a composed request.
type CompositeStatus string

const (
	CompositeSuccess CompositeStatus = "SUCCESS"
	CompositePartial CompositeStatus = "PARTIAL"
	CompositeFailure CompositeStatus = "FAILURE"
)

// AgentSource records how an agent entered the registry.
type AgentSource string

const (
	AgentSourceStatic  AgentSource = "static"
	AgentSourceDynamic AgentSource = "dynamic"
)

// ResultStatus is the status of a single entry in a composite result.
type ResultStatus string

const (
	ResultStatusOK    ResultStatus = "ok"
	ResultStatusError ResultStatus = "error"
)
