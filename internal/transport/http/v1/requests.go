package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/captain/internal/domain"
)

// RequestResponse is a composite result, with the aggregate error attached
// when every invocation failed.
type RequestResponse struct {
	*domain.CompositeResult
	Error *domain.ErrorDetail `json:"error,omitempty"`
}

// HandleRequest decomposes and dispatches a high-level request.
// POST /v1/requests
func (h *Handler) HandleRequest(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.Request
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Type == "" {
		return badRequest(c, "type is required")
	}
	if req.TimeoutMs < 0 {
		return badRequest(c, "timeout_ms must not be negative")
	}

	result, err := h.service.Handle(ctx, req)
	var aggregate *domain.AggregateFailureError
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, RequestResponse{CompositeResult: result})
	case errors.As(err, &aggregate) && result != nil:
		return c.JSON(http.StatusBadGateway, RequestResponse{CompositeResult: result, Error: domain.DetailOf(err)})
	default:
		return errorJSON(c, err)
	}
}

// GetRequest returns the recorded trace of a handled request.
// GET /v1/requests/:request_id
func (h *Handler) GetRequest(c echo.Context) error {
	trace, err := h.service.GetRequestTrace(c.Request().Context(), c.Param("request_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, trace)
}

// ListRequestTypes lists the request types the gateway can decompose.
// GET /v1/request_types
func (h *Handler) ListRequestTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"types": h.service.RequestTypes(),
	})
}

// ListCapabilities lists every capability with its agents in preference order.
// GET /v1/capabilities
func (h *Handler) ListCapabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"capabilities": h.service.ListCapabilities(),
	})
}
