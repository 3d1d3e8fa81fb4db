package helpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/xiaot623/captain/internal/domain"
)

// InvokeFunc produces a fake agent's reply to one invocation.
type InvokeFunc func(req domain.AgentInvokeRequest) domain.AgentInvokeResponse

// FakeAgent is an httptest server speaking the agent protocol.
type FakeAgent struct {
	Server *httptest.Server

	mu      sync.Mutex
	healthy bool
	delay   time.Duration
	invoke  InvokeFunc
	calls   []domain.AgentInvokeRequest
}

// NewFakeAgent starts a healthy fake agent. A nil invoke echoes the input.
func NewFakeAgent(t *testing.T, invoke InvokeFunc) *FakeAgent {
	t.Helper()
	if invoke == nil {
		invoke = func(req domain.AgentInvokeRequest) domain.AgentInvokeResponse {
			return domain.AgentInvokeResponse{OK: true, Result: req.Input}
		}
	}
	f := &FakeAgent{healthy: true, invoke: invoke}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		healthy := f.healthy
		f.mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, domain.AgentHealthResponse{Status: "healthy", Service: "fake-agent"})
	})
	mux.HandleFunc("/invoke", func(w http.ResponseWriter, r *http.Request) {
		var req domain.AgentInvokeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, req)
		delay := f.delay
		fn := f.invoke
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		writeJSON(w, http.StatusOK, fn(req))
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the agent base address.
func (f *FakeAgent) URL() string { return f.Server.URL }

// SetHealthy toggles the /health answer.
func (f *FakeAgent) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

// SetDelay delays every /invoke reply.
func (f *FakeAgent) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Calls returns the invocations received so far.
func (f *FakeAgent) Calls() []domain.AgentInvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.AgentInvokeRequest(nil), f.calls...)
}

// Agent builds a registration for this fake agent.
func (f *FakeAgent) Agent(id string, capabilities ...string) domain.Agent {
	a := domain.Agent{ID: id, Name: id, Address: f.URL(), ProtocolVersion: "1.0.0"}
	for _, c := range capabilities {
		a.Capabilities = append(a.Capabilities, domain.ParseCapability(c))
	}
	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
