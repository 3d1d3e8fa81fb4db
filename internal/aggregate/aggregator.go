// Package aggregate composes per-invocation outcomes into one result.
package aggregate

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/xiaot623/captain/internal/domain"
)

// ErrNoOutcomes is returned when there is nothing to compose.
var ErrNoOutcomes = errors.New("no outcomes to compose")

// Compose merges outcomes into a CompositeResult ordered by decomposition
// index. When every outcome failed it also returns an AggregateFailureError.
// Compose performs no I/O and is deterministic for a given input and clock.
func Compose(requestID, requestType string, outcomes []domain.Outcome, completedAt time.Time) (*domain.CompositeResult, error) {
	if len(outcomes) == 0 {
		return nil, ErrNoOutcomes
	}

	ordered := append([]domain.Outcome(nil), outcomes...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	result := &domain.CompositeResult{
		RequestID:   requestID,
		RequestType: requestType,
		Results:     make([]domain.ResultEntry, 0, len(ordered)),
		Payloads:    []json.RawMessage{},
		CompletedAt: completedAt,
	}

	var failures []domain.ErrorDetail
	for _, o := range ordered {
		entry := domain.ResultEntry{
			Index:         o.Index,
			Capability:    o.Capability,
			CorrelationID: o.CorrelationID,
			AgentID:       o.AgentID,
			DurationMs:    o.Duration.Milliseconds(),
		}
		if o.Succeeded() {
			entry.Status = domain.ResultStatusOK
			entry.Payload = o.Payload
			result.Payloads = append(result.Payloads, o.Payload)
		} else {
			entry.Status = domain.ResultStatusError
			entry.Error = domain.DetailOf(o.Err)
			if entry.Error.AgentID == "" {
				entry.Error.AgentID = o.AgentID
			}
			if entry.Error.Attempts == nil {
				entry.Error.Attempts = o.Attempts
			}
			failures = append(failures, *entry.Error)
		}
		result.Results = append(result.Results, entry)
	}

	switch {
	case len(failures) == 0:
		result.Status = domain.CompositeSuccess
	case len(failures) < len(ordered):
		result.Status = domain.CompositePartial
	default:
		result.Status = domain.CompositeFailure
		return result, &domain.AggregateFailureError{RequestID: requestID, Failures: failures}
	}
	return result, nil
}
