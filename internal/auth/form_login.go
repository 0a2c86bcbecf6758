package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zep-us/reauthxy/internal/resender"
	"github.com/zep-us/reauthxy/pkg/logger"
)

// FormLoginName is the registry name of the login + CSRF token authenticator
const FormLoginName = "form-login"

const (
	// maxErrorBody caps how much of an upstream error body is kept in LoginError
	maxErrorBody = 2048
)

// FormLoginAuthenticator logs in against the upstream with a username and
// password, then fetches a fresh CSRF token for the new session.
// The session cookie lands in the shared client's cookie jar, so resends
// sent with the same client carry it.
type FormLoginAuthenticator struct {
	httpClient    *http.Client
	store         *TokenStore
	loginURL      string
	csrfTokenURL  string
	username      string
	password      string
	defaultHeader string
}

// LoginError describes a failed login or CSRF token fetch
type LoginError struct {
	Stage      string // "login" or "csrf"
	StatusCode int
	Body       string
}

func (e *LoginError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s failed (status %d): %s", e.Stage, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s failed (status %d)", e.Stage, e.StatusCode)
}

// IsBadCredentials returns true if the upstream rejected the credentials
func (e *LoginError) IsBadCredentials() bool {
	return e.Stage == "login" && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}

type loginRequest struct {
	Username string `json:"j_username"`
	Password string `json:"j_password"`
}

// csrfTokenResponse is the upstream CSRF token endpoint payload
type csrfTokenResponse struct {
	Token         string `json:"token"`
	HeaderName    string `json:"headerName"`
	ParameterName string `json:"parameterName"`
}

// NewFormLoginAuthenticator creates a login authenticator.
// If httpClient is nil, a default client with 30s timeout is created; it then
// has no cookie jar, so callers that need session cookies must pass their own.
func NewFormLoginAuthenticator(httpClient *http.Client, store *TokenStore, upstreamURL, loginPath, csrfTokenPath, username, password, defaultHeader string) *FormLoginAuthenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(upstreamURL, "/")
	return &FormLoginAuthenticator{
		httpClient:    httpClient,
		store:         store,
		loginURL:      base + loginPath,
		csrfTokenURL:  base + csrfTokenPath,
		username:      username,
		password:      password,
		defaultHeader: defaultHeader,
	}
}

func newFormLoginFromOptions(opts Options) (resender.Authenticator, error) {
	if opts.UpstreamURL == "" {
		return nil, errors.New("form-login authenticator requires an upstream URL")
	}
	if opts.Username == "" {
		return nil, errors.New("form-login authenticator requires a username")
	}
	return NewFormLoginAuthenticator(opts.HTTPClient, opts.Store, opts.UpstreamURL, opts.LoginPath, opts.CSRFTokenPath, opts.Username, opts.Password, opts.HeaderName), nil
}

// Authenticate performs the login and CSRF fetch, stores the new protection
// and returns it. The store is updated before returning.
func (a *FormLoginAuthenticator) Authenticate(ctx context.Context) (resender.Protection, error) {
	if err := a.login(ctx); err != nil {
		return resender.Protection{}, err
	}

	p, err := a.fetchCSRFToken(ctx)
	if err != nil {
		return resender.Protection{}, err
	}

	a.store.Update(p)
	logger.Info("Form login: session established for %s, CSRF header %s", a.username, p.HeaderName)
	return a.store.CurrentProtection(), nil
}

func (a *FormLoginAuthenticator) login(ctx context.Context) error {
	payload, err := json.Marshal(loginRequest{Username: a.username, Password: a.password})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.loginURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &LoginError{Stage: "login", StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (a *FormLoginAuthenticator) fetchCSRFToken(ctx context.Context) (resender.Protection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.csrfTokenURL, nil)
	if err != nil {
		return resender.Protection{}, fmt.Errorf("failed to create CSRF token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return resender.Protection{}, fmt.Errorf("CSRF token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resender.Protection{}, &LoginError{Stage: "csrf", StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	var payload csrfTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return resender.Protection{}, fmt.Errorf("failed to parse CSRF token response: %w", err)
	}
	if payload.Token == "" {
		return resender.Protection{}, &LoginError{Stage: "csrf", StatusCode: resp.StatusCode, Body: "empty token in response"}
	}

	headerName := payload.HeaderName
	if headerName == "" {
		headerName = a.defaultHeader
	}
	return resender.Protection{HeaderName: headerName, Token: payload.Token}, nil
}

func readErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(body))
}
