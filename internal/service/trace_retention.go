package service

import (
	"context"
	"time"
)

// RunTraceRetention deletes recorded traces older than retention every
// interval until ctx ends. It is a no-op without a store or with a
// non-positive retention.
func (s *Service) RunTraceRetention(ctx context.Context, retention, interval time.Duration) {
	if s.store == nil || retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepTraces(ctx, retention)
		}
	}
}

func (s *Service) sweepTraces(ctx context.Context, retention time.Duration) int64 {
	sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	n, err := s.store.PruneTraces(sweepCtx, s.now().Add(-retention))
	if err != nil {
		s.logger.Warn("trace retention sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Debug("pruned request traces", "count", n)
	}
	return n
}
