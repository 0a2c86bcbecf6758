package resender

import (
	"fmt"
	"net/http"
	"strings"
)

// Protection is the anti-forgery header name/value pair that proves a request is authorized
type Protection struct {
	HeaderName string
	Token      string
}

// StampProtection sets p on h, replacing every existing entry whose name
// matches p.HeaderName case-insensitively, including non-canonical keys
// such as "CSRF_TOKEN" that http.Header.Set would not touch.
func StampProtection(h http.Header, p Protection) {
	for k := range h {
		if strings.EqualFold(k, p.HeaderName) {
			delete(h, k)
		}
	}
	h.Set(p.HeaderName, p.Token)
}

// Request describes an upstream call that failed as unauthenticated.
// The caller owns it; the resender only stamps one header before resending.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a fully buffered upstream response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// TransportError is returned when a send fails.
// StatusCode is zero when no HTTP response was received (Err is set instead).
type TransportError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HasResponse reports whether the upstream answered with an HTTP status
func (e *TransportError) HasResponse() bool {
	return e.StatusCode != 0
}

// AuthenticationError wraps the authenticator failure shared by every request of one attempt
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("re-authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
