package repository

import (
	"context"
	"time"

	"github.com/xiaot623/captain/internal/domain"
)

// Store persists gateway operational data: request traces and the dynamic
// agent registration snapshot.
type Store interface {
	SaveTrace(ctx context.Context, trace *domain.RequestTrace) error
	GetTrace(ctx context.Context, requestID string) (*domain.RequestTrace, error)
	PruneTraces(ctx context.Context, before time.Time) (int64, error)

	SaveAgent(ctx context.Context, agent *domain.Agent) error
	DeleteAgent(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context) ([]domain.Agent, error)

	Ping(ctx context.Context) error
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
