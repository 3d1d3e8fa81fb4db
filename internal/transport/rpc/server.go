// Package rpc exposes the gateway over JSON-RPC for internal callers.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"

	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/logging"
	"github.com/xiaot623/captain/internal/service"
)

// ServiceName is the JSON-RPC receiver name, e.g. "Gateway.Handle".
const ServiceName = "Gateway"

// Server exposes internal RPC endpoints.
type Server struct {
	rpcServer *rpc.Server
	logger    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new RPC server bound to the gateway service.
func NewServer(svc *service.Service, logger *slog.Logger) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logging.Component(logger, "rpc"),
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", "error", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the gateway RPC methods.
type Handler struct {
	service *service.Service
}

// HandleResponse carries a composite result. Error is set when every
// invocation failed; the call itself still succeeds.
type HandleResponse struct {
	Result *domain.CompositeResult `json:"result"`
	Error  *domain.ErrorDetail     `json:"error,omitempty"`
}

// RegisterResponse returns the stored registration.
type RegisterResponse struct {
	Agent domain.Agent `json:"agent"`
}

// DeregisterRequest identifies an agent to remove.
type DeregisterRequest struct {
	AgentID string `json:"agent_id"`
}

// AckResponse is a generic OK response.
type AckResponse struct {
	OK bool `json:"ok"`
}

// Empty is the argument of parameterless methods.
type Empty struct{}

// CapabilitiesResponse lists capabilities with their agents.
type CapabilitiesResponse struct {
	Capabilities []domain.CapabilityInfo `json:"capabilities"`
}

// Handle runs a high-level request.
func (h *Handler) Handle(req *domain.Request, resp *HandleResponse) error {
	if req == nil {
		return errors.New("request is required")
	}

	result, err := h.service.Handle(context.Background(), *req)
	var aggregate *domain.AggregateFailureError
	if err != nil && !(errors.As(err, &aggregate) && result != nil) {
		return codedError(err)
	}
	if resp != nil {
		resp.Result = result
		resp.Error = domain.DetailOf(err)
	}
	return nil
}

// Register registers or refreshes an agent.
func (h *Handler) Register(req *domain.Agent, resp *RegisterResponse) error {
	if req == nil {
		return errors.New("agent is required")
	}
	agent := *req
	if agent.Source == "" {
		agent.Source = domain.AgentSourceDynamic
	}

	stored, err := h.service.RegisterAgent(context.Background(), agent)
	if err != nil {
		return codedError(err)
	}
	if resp != nil {
		resp.Agent = stored
	}
	return nil
}

// Deregister removes an agent.
func (h *Handler) Deregister(req *DeregisterRequest, resp *AckResponse) error {
	if req == nil || req.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if !h.service.DeregisterAgent(context.Background(), req.AgentID) {
		return codedError(domain.ErrAgentNotFound)
	}
	if resp != nil {
		resp.OK = true
	}
	return nil
}

// ListCapabilities lists every capability with its agents.
func (h *Handler) ListCapabilities(_ *Empty, resp *CapabilitiesResponse) error {
	if resp != nil {
		resp.Capabilities = h.service.ListCapabilities()
	}
	return nil
}

// Readiness reports process readiness.
func (h *Handler) Readiness(_ *Empty, resp *domain.Readiness) error {
	if resp != nil {
		*resp = h.service.Readiness()
	}
	return nil
}

// codedError prefixes the stable error code so callers can branch on it
// after the error has been flattened to a string.
func codedError(err error) error {
	code := domain.CodeOf(err)
	if errors.Is(err, domain.ErrAgentNotFound) {
		code = "agent_not_found"
	}
	return fmt.Errorf("%s: %w", code, err)
}

// ErrorCode extracts the code from an error returned by a Gateway call.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	code, _, ok := strings.Cut(err.Error(), ": ")
	if !ok {
		return ""
	}
	return code
}
