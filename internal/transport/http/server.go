// Package http provides the HTTP server of the gateway.
package http

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/xiaot623/captain/internal/domain"
	"github.com/xiaot623/captain/internal/service"
	v1 "github.com/xiaot623/captain/internal/transport/http/v1"
	"github.com/xiaot623/captain/internal/transport/ws"
)

// Options carries the optional surfaces mounted next to the v1 API.
type Options struct {
	// RateLimit is the allowed requests per second per client on
	// POST /v1/requests; 0 disables limiting.
	RateLimit float64
	Metrics   http.Handler
	Stream    *ws.Server
}

// NewServer creates and configures the external-facing HTTP server.
func NewServer(svc *service.Service, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	if opts.RateLimit > 0 {
		e.Use(requestRateLimiter(opts.RateLimit))
	}

	// Handlers
	v1Handler := v1.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}
	if opts.Stream != nil {
		e.GET("/v1/liveness/stream", opts.Stream.HandleStream)
	}

	return e
}

func requestRateLimiter(perSecond float64) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			return c.Request().Method != http.MethodPost || !strings.HasPrefix(c.Path(), "/v1/requests")
		},
		Store: middleware.NewRateLimiterMemoryStore(rate.Limit(perSecond)),
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, v1.ErrorResponse{Error: &domain.ErrorDetail{
				Code:    "rate_limited",
				Message: "too many requests",
			}})
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, v1.ErrorResponse{Error: &domain.ErrorDetail{
				Code:    "rate_limited",
				Message: "unable to identify client",
			}})
		},
	})
}
