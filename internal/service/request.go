package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/captain/internal/aggregate"
	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/repository"
)

// Handle decomposes a request, dispatches its invocations concurrently and
// composes the outcomes. Structural problems (malformed request, unknown
// capability) are returned before any agent is called. When every
// invocation fails the composite result is returned together with an
// *domain.AggregateFailureError.
func (s *Service) Handle(ctx context.Context, req domain.Request) (*domain.CompositeResult, error) {
	start := s.now()
	if req.RequestID == "" {
		req.RequestID = "req_" + uuid.NewString()
	}
	logger := s.logger.With("request_id", req.RequestID, "request_type", req.Type)

	calls, err := s.decomposer.Decompose(req)
	if err != nil {
		logger.Info("request rejected", "error", err)
		s.observe(req.Type, "rejected", start)
		return nil, err
	}

	for _, c := range calls {
		if _, err := s.registry.Resolve(c.Capability); err != nil {
			logger.Info("request rejected", "error", err)
			s.observe(req.Type, "rejected", start)
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.requestDeadline(req.TimeoutMs))
	defer cancel()

	outcomes := s.dispatcher.InvokeAll(ctx, req.Type, calls)
	result, composeErr := aggregate.Compose(req.RequestID, req.Type, outcomes, s.now())
	if result == nil {
		return nil, fmt.Errorf("failed to compose result: %w", composeErr)
	}

	s.recordTrace(req, result, composeErr, start)
	s.observe(req.Type, string(result.Status), start)

	switch result.Status {
	case domain.CompositeFailure:
		logger.Warn("request failed", "invocations", len(outcomes), "error", composeErr)
	case domain.CompositePartial:
		logger.Info("request partially succeeded", "invocations", len(outcomes))
	default:
		logger.Debug("request succeeded", "invocations", len(outcomes))
	}
	return result, composeErr
}

// requestDeadline picks the request timeout, capped at the configured maximum.
func (s *Service) requestDeadline(timeoutMs int) time.Duration {
	d := s.requestTimeout
	if timeoutMs > 0 {
		d = time.Duration(timeoutMs) * time.Millisecond
	}
	if d > s.maxRequestTimeout {
		d = s.maxRequestTimeout
	}
	return d
}

func (s *Service) recordTrace(req domain.Request, result *domain.CompositeResult, composeErr error, start time.Time) {
	if s.store == nil {
		return
	}
	trace := &domain.RequestTrace{
		RequestID:   result.RequestID,
		RequestType: req.Type,
		Status:      result.Status,
		CreatedAt:   start,
		CompletedAt: result.CompletedAt,
		Results:     result.Results,
	}
	if composeErr != nil {
		trace.Error = composeErr.Error()
	}

	// The request context may already be spent; the trace is written on its own budget.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.SaveTrace(ctx, trace); err != nil {
		s.logger.Warn("failed to record request trace", "request_id", result.RequestID, "error", err)
	}
}

func (s *Service) observe(requestType, status string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveRequest(requestType, status, s.now().Sub(start))
	}
}

// GetRequestTrace returns the recorded trace of a handled request.
func (s *Service) GetRequestTrace(ctx context.Context, requestID string) (*domain.RequestTrace, error) {
	if s.store == nil {
		return nil, repository.ErrNotFound
	}
	trace, err := s.store.GetTrace(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get request trace: %w", err)
	}
	return trace, nil
}
