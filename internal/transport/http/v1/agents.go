package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/captain/internal/domain"
)

// AgentRegisterRequest is the request to register an agent. Capabilities are
// "name" or "name@version".
type AgentRegisterRequest struct {
	AgentID         string   `json:"agent_id"`
	Name            string   `json:"name"`
	Address         string   `json:"address"`
	Capabilities    []string `json:"capabilities"`
	ProtocolVersion string   `json:"protocol_version"`
	Priority        int      `json:"priority,omitempty"`
}

// ToAgent converts the request into a dynamic registration.
func (r AgentRegisterRequest) ToAgent() domain.Agent {
	a := domain.Agent{
		ID:              r.AgentID,
		Name:            r.Name,
		Address:         r.Address,
		ProtocolVersion: r.ProtocolVersion,
		Priority:        r.Priority,
		Source:          domain.AgentSourceDynamic,
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	for _, c := range r.Capabilities {
		a.Capabilities = append(a.Capabilities, domain.ParseCapability(c))
	}
	return a
}

// RegisterAgent registers or refreshes an agent.
// POST /v1/agents/register
func (h *Handler) RegisterAgent(c echo.Context) error {
	ctx := c.Request().Context()

	var req AgentRegisterRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	agent, err := h.service.RegisterAgent(ctx, req.ToAgent())
	if err != nil {
		return errorJSON(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"ok":            true,
		"agent":         agent,
		"registered_at": agent.RegisteredAt.UnixMilli(),
	})
}

// DeregisterAgent removes an agent.
// DELETE /v1/agents/:agent_id
func (h *Handler) DeregisterAgent(c echo.Context) error {
	if !h.service.DeregisterAgent(c.Request().Context(), c.Param("agent_id")) {
		return errorJSON(c, domain.ErrAgentNotFound)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ListAgents lists all registered agents with their liveness.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"agents": h.service.ListAgents(),
	})
}

// GetAgent gets a specific agent by ID.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	agent, err := h.service.GetAgent(c.Param("agent_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}
