package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/zep-us/reauthxy/internal/resender"
	"github.com/zep-us/reauthxy/pkg/logger"
)

// Enqueuer hands an unauthenticated request to the resender
type Enqueuer interface {
	Enqueue(req *resender.Request) *resender.Future
}

// ProxyHandler forwards every request to the upstream and replays the ones
// rejected as unauthenticated after a shared re-authentication
type ProxyHandler struct {
	targetURL      string
	sender         resender.Sender
	source         resender.ProtectionSource
	resender       Enqueuer
	reauthStatuses map[int]struct{}
}

// NewProxyHandler creates a new ProxyHandler
// targetURL: upstream base URL without trailing slash (e.g., "http://localhost:8081")
// reauthStatuses: upstream statuses treated as "unauthenticated" (e.g., 401, 403)
func NewProxyHandler(targetURL string, sender resender.Sender, source resender.ProtectionSource, rs Enqueuer, reauthStatuses []int) *ProxyHandler {
	statuses := make(map[int]struct{}, len(reauthStatuses))
	for _, s := range reauthStatuses {
		statuses[s] = struct{}{}
	}
	return &ProxyHandler{
		targetURL:      strings.TrimRight(targetURL, "/"),
		sender:         sender,
		source:         source,
		resender:       rs,
		reauthStatuses: statuses,
	}
}

// HandleProxy handles ANY /* requests
// The first attempt runs inline; an unauthenticated answer parks the request
// on the resender until the shared re-authentication settles.
func (h *ProxyHandler) HandleProxy(c echo.Context) error {
	// Buffer the body so the request can be sent twice
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		logger.Error("Failed to read request body: %v", err)
		return c.NoContent(http.StatusBadRequest)
	}

	req := &resender.Request{
		Method: c.Request().Method,
		URL:    h.targetURL + c.Request().URL.RequestURI(),
		Header: forwardHeaders(c.Request().Header),
		Body:   body,
	}
	if p := h.source.CurrentProtection(); p.Token != "" {
		resender.StampProtection(req.Header, p)
	}

	ctx := c.Request().Context()
	resp, err := h.sender.Send(ctx, req)

	var te *resender.TransportError
	if err != nil && errors.As(err, &te) && h.isUnauthenticated(te.StatusCode) {
		logger.Debug("Upstream answered %d for %s %s: waiting for re-authentication", te.StatusCode, req.Method, req.URL)
		resp, err = h.resender.Enqueue(req).Wait(ctx)
	}

	return h.writeOutcome(c, resp, err)
}

func (h *ProxyHandler) isUnauthenticated(status int) bool {
	_, ok := h.reauthStatuses[status]
	return ok
}

// writeOutcome maps a response or failure onto the client response
func (h *ProxyHandler) writeOutcome(c echo.Context, resp *resender.Response, err error) error {
	if err == nil {
		return writeUpstream(c, resp.StatusCode, resp.Header, resp.Body)
	}

	var authErr *resender.AuthenticationError
	var te *resender.TransportError
	switch {
	case errors.As(err, &authErr):
		logger.Warn("Re-authentication failed for %s %s: %v", c.Request().Method, c.Request().URL.Path, authErr.Err)
		return c.NoContent(http.StatusUnauthorized)
	case errors.Is(err, resender.ErrDispatch):
		return c.NoContent(http.StatusServiceUnavailable)
	case errors.As(err, &te) && te.HasResponse():
		return writeUpstream(c, te.StatusCode, te.Header, te.Body)
	case errors.As(err, &te):
		logger.Error("Upstream error for %s %s: %v", c.Request().Method, c.Request().URL.Path, te.Err)
		return c.NoContent(http.StatusBadGateway)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Debug("Client stopped waiting for %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
		return c.NoContent(http.StatusGatewayTimeout)
	default:
		logger.Error("Unexpected proxy failure for %s %s: %v", c.Request().Method, c.Request().URL.Path, err)
		return c.NoContent(http.StatusBadGateway)
	}
}

func writeUpstream(c echo.Context, status int, header http.Header, body []byte) error {
	copyResponseHeaders(c.Response().Header(), header)
	c.Response().WriteHeader(status)
	_, err := c.Response().Write(body)
	return err
}

// isHopByHop detects headers that must not be forwarded per RFC 7230
func isHopByHop(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization", "te", "trailer", "transfer-encoding", "upgrade", "proxy-connection":
		return true
	default:
		return false
	}
}

// forwardHeaders copies incoming request headers (multi-valued), minus Host and hop-by-hop headers
func forwardHeaders(src http.Header) http.Header {
	headers := make(http.Header, len(src)+1)
	for k, vals := range src {
		if len(vals) == 0 {
			continue
		}
		if strings.EqualFold(k, "Host") || isHopByHop(k) {
			continue
		}
		// Cookie is kept: the client may carry its own upstream session
		for _, v := range vals {
			headers.Add(k, v)
		}
	}
	return headers
}

// copyResponseHeaders copies upstream response headers, skipping problematic ones
func copyResponseHeaders(dst, src http.Header) {
	for k, values := range src {
		lowerKey := strings.ToLower(k)
		switch {
		case strings.HasPrefix(lowerKey, "access-control-"): // CORS headers (Echo handles these)
			continue
		case lowerKey == "vary": // Can conflict with CORS Vary header
			continue
		case lowerKey == "content-length": // Let Echo calculate this
			continue
		case lowerKey == "transfer-encoding", lowerKey == "connection":
			continue
		}
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
