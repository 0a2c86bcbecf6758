package health

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/atomic"
)

// SessionState reports whether an upstream token is currently held
type SessionState interface {
	HasToken() bool
}

// ReadinessStatus is the /readyz response body
type ReadinessStatus struct {
	Ready         bool `json:"ready"`
	Authenticated bool `json:"authenticated"`
}

// HealthHandler handles liveness and readiness probes
type HealthHandler struct {
	readiness *atomic.Bool
	session   SessionState
}

// NewHealthHandler creates a new HealthHandler
// readiness: flag flipped on at startup and off at the start of shutdown
// session: optional; when nil, authenticated is always reported false
func NewHealthHandler(readiness *atomic.Bool, session SessionState) *HealthHandler {
	return &HealthHandler{
		readiness: readiness,
		session:   session,
	}
}

// HandleLiveness handles GET /healthz
// Always returns 200 OK while the process is serving
func (h *HealthHandler) HandleLiveness(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// HandleReadiness handles GET /readyz
// Returns 200 when ready to accept traffic, 503 otherwise.
// A missing upstream session does not make the proxy unready: the first
// rejected request re-authenticates.
func (h *HealthHandler) HandleReadiness(c echo.Context) error {
	status := ReadinessStatus{
		Ready:         h.readiness.Load(),
		Authenticated: h.session != nil && h.session.HasToken(),
	}
	if !status.Ready {
		return c.JSON(http.StatusServiceUnavailable, status)
	}
	return c.JSON(http.StatusOK, status)
}
