// Package v1 provides the version 1 HTTP handlers of the gateway.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/repository"
	"github.com/xiaot623/captain/internal/service"
)

const (
	serviceName = "captain"
	version     = "0.1.0"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the public routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Requests
	e.POST("/v1/requests", h.HandleRequest)
	e.GET("/v1/requests/:request_id", h.GetRequest)
	e.GET("/v1/request_types", h.ListRequestTypes)

	// Capabilities
	e.GET("/v1/capabilities", h.ListCapabilities)

	// Agent registry
	e.POST("/v1/agents/register", h.RegisterAgent)
	e.GET("/v1/agents", h.ListAgents)
	e.GET("/v1/agents/:agent_id", h.GetAgent)
	e.DELETE("/v1/agents/:agent_id", h.DeregisterAgent)

	e.GET("/health", h.Health)
	e.GET("/ready", h.Ready)
}

// Health reports process liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": serviceName,
		"version": version,
	})
}

// Ready reports whether the gateway can serve its critical capabilities.
// GET /ready
func (h *Handler) Ready(c echo.Context) error {
	r := h.service.Readiness()
	if !r.Ready {
		return c.JSON(http.StatusServiceUnavailable, r)
	}
	return c.JSON(http.StatusOK, r)
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error *domain.ErrorDetail `json:"error"`
}

// StatusOf maps a domain error to its HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrAgentNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	}
	switch domain.CodeOf(err) {
	case domain.CodeMalformedRequest, domain.CodeInvalidAgent, domain.CodeInvalidCapability:
		return http.StatusBadRequest
	case domain.CodeUnknownCapability:
		return http.StatusNotFound
	case domain.CodeDuplicateAgent:
		return http.StatusConflict
	case domain.CodeIncompatibleProtocol:
		return http.StatusUnprocessableEntity
	case domain.CodeAggregateFailure, domain.CodeDispatchExhausted, domain.CodeAgentError:
		return http.StatusBadGateway
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, err error) error {
	detail := domain.DetailOf(err)
	switch {
	case errors.Is(err, domain.ErrAgentNotFound):
		detail.Code = "agent_not_found"
	case errors.Is(err, repository.ErrNotFound):
		detail.Code = "not_found"
	}
	return c.JSON(StatusOf(err), ErrorResponse{Error: detail})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Error: &domain.ErrorDetail{
		Code:    domain.CodeMalformedRequest,
		Message: message,
	}})
}
