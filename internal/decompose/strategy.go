// Package decompose turns a high-level request into an ordered list of
// capability calls. Decomposition performs no I/O.
package decompose

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/captain/internal/domain"
)

// StrategyFunc builds the calls for one request type from its validated params.
type StrategyFunc func(params json.RawMessage) ([]domain.Call, error)

// Table stores strategies keyed by request type.
type Table struct {
	mu         sync.RWMutex
	strategies map[string]StrategyFunc
}

// DefaultTable is the shared table populated with the built-in request types.
var DefaultTable = NewTable()

// NewTable creates an empty strategy table.
func NewTable() *Table {
	return &Table{
		strategies: make(map[string]StrategyFunc),
	}
}

// Register adds a strategy for a request type.
func (t *Table) Register(requestType string, fn StrategyFunc) error {
	if requestType == "" {
		return fmt.Errorf("request type is required")
	}
	if fn == nil {
		return fmt.Errorf("strategy is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.strategies[requestType]; exists {
		return fmt.Errorf("strategy already registered for %s", requestType)
	}
	t.strategies[requestType] = fn
	return nil
}

// Types returns the registered request types, sorted.
func (t *Table) Types() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	types := make([]string, 0, len(t.strategies))
	for name := range t.strategies {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Decompose validates the request params and returns its calls in
// decomposition order.
func (t *Table) Decompose(req domain.Request) ([]domain.Call, error) {
	if req.Type == "" {
		return nil, &domain.MalformedRequestError{Reason: "request type is required"}
	}
	t.mu.RLock()
	fn := t.strategies[req.Type]
	t.mu.RUnlock()
	if fn == nil {
		return nil, &domain.MalformedRequestError{RequestType: req.Type, Reason: "unknown request type"}
	}

	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	issues, err := ValidateParams(req.Type, params)
	if err != nil {
		return nil, &domain.MalformedRequestError{RequestType: req.Type, Reason: err.Error()}
	}
	if len(issues) > 0 {
		return nil, &domain.MalformedRequestError{RequestType: req.Type, Reason: "invalid params", Issues: issues}
	}

	calls, err := fn(params)
	if err != nil {
		return nil, &domain.MalformedRequestError{RequestType: req.Type, Reason: err.Error()}
	}
	if len(calls) == 0 {
		return nil, &domain.MalformedRequestError{RequestType: req.Type, Reason: "request produced no invocations"}
	}
	return calls, nil
}

// Register adds a strategy to the default table.
func Register(requestType string, fn StrategyFunc) error {
	return DefaultTable.Register(requestType, fn)
}

// MustRegister adds a strategy to the default table or panics.
func MustRegister(requestType string, fn StrategyFunc) {
	if err := Register(requestType, fn); err != nil {
		panic(err)
	}
}
