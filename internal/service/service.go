package service

import (
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/captain/internal/decompose"
	"github.com/xiaot623/captain/internal/dispatch"
	"github.com/xiaot623/captain/internal/liveness"
	"github.com/xiaot623/captain/internal/logging"
	"github.com/xiaot623/captain/internal/metrics"
	"github.com/xiaot623/captain/internal/registry"
	"github.com/xiaot623/captain/internal/repository"
)

const (
	DefaultRequestTimeout    = 10 * time.Second
	DefaultMaxRequestTimeout = 60 * time.Second
)

// Options configures the orchestrator facade. Store and Metrics are optional.
type Options struct {
	RequestTimeout       time.Duration
	MaxRequestTimeout    time.Duration
	CriticalCapabilities []string
	Decomposer           *decompose.Table
	Store                repository.Store
	Metrics              *metrics.Metrics
	Logger               *slog.Logger
	Now                  func() time.Time
}

// Service is the orchestrator facade: it decomposes requests, dispatches
// them and composes the result, and owns agent registration.
type Service struct {
	registry   *registry.Registry
	tracker    *liveness.Tracker
	dispatcher *dispatch.Dispatcher
	decomposer *decompose.Table
	store      repository.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	requestTimeout    time.Duration
	maxRequestTimeout time.Duration

	mu       sync.RWMutex
	critical []string
	static   map[string]bool
}

func New(reg *registry.Registry, tracker *liveness.Tracker, dispatcher *dispatch.Dispatcher, opts Options) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxRequestTimeout <= 0 {
		opts.MaxRequestTimeout = DefaultMaxRequestTimeout
	}
	if opts.Decomposer == nil {
		opts.Decomposer = decompose.DefaultTable
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		registry:          reg,
		tracker:           tracker,
		dispatcher:        dispatcher,
		decomposer:        opts.Decomposer,
		store:             opts.Store,
		metrics:           opts.Metrics,
		logger:            logging.Component(opts.Logger, "orchestrator"),
		now:               opts.Now,
		requestTimeout:    opts.RequestTimeout,
		maxRequestTimeout: opts.MaxRequestTimeout,
		critical:          append([]string(nil), opts.CriticalCapabilities...),
		static:            make(map[string]bool),
	}
	if s.metrics != nil {
		tracker.OnTransition(s.metrics.ObserveTransition)
	}
	return s
}

// SetCriticalCapabilities replaces the capabilities readiness depends on.
func (s *Service) SetCriticalCapabilities(caps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.critical = append([]string(nil), caps...)
}

// RequestTypes lists the request types the decomposer understands.
func (s *Service) RequestTypes() []string {
	return s.decomposer.Types()
}
