package proxy

import (
	"github.com/labstack/echo/v4"
)

// SetupRoutes registers the catch-all proxy route with the Echo instance
// Static routes such as /healthz and /metrics still win over the /* wildcard
func (h *ProxyHandler) SetupRoutes(e *echo.Echo) {
	e.Any("/*", h.HandleProxy)
}
