package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zep-us/reauthxy/internal/resender"
)

const (
	loginPath = "/services/rest/login"
	csrfPath  = "/services/rest/security/v1/csrftoken"
)

func newUpstream(t *testing.T, csrfHeader string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(loginPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req loginRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Username != "waiter" || req.Password != "waiter" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("Bad credentials"))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "session-1", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(csrfPath, func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("JSESSIONID"); err != nil || c.Value != "session-1" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(csrfTokenResponse{
			Token:         "SADS8788sa86d8sa",
			HeaderName:    csrfHeader,
			ParameterName: "_csrf",
		})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newJarClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func TestFormLogin_Authenticate(t *testing.T) {
	server := newUpstream(t, "X-CSRF-TOKEN")
	store := NewTokenStore("X-CSRF-TOKEN")
	a := NewFormLoginAuthenticator(newJarClient(t), store, server.URL, loginPath, csrfPath, "waiter", "waiter", "X-CSRF-TOKEN")

	p, err := a.Authenticate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, resender.Protection{HeaderName: "X-CSRF-TOKEN", Token: "SADS8788sa86d8sa"}, p)
	assert.Equal(t, p, store.CurrentProtection(), "store must reflect the new token before Authenticate returns")
}

func TestFormLogin_FallsBackToDefaultHeaderName(t *testing.T) {
	server := newUpstream(t, "")
	store := NewTokenStore("CSRF_TOKEN")
	a := NewFormLoginAuthenticator(newJarClient(t), store, server.URL+"/", loginPath, csrfPath, "waiter", "waiter", "CSRF_TOKEN")

	p, err := a.Authenticate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "CSRF_TOKEN", p.HeaderName)
}

func TestFormLogin_BadCredentials(t *testing.T) {
	server := newUpstream(t, "X-CSRF-TOKEN")
	store := NewTokenStore("X-CSRF-TOKEN")
	a := NewFormLoginAuthenticator(newJarClient(t), store, server.URL, loginPath, csrfPath, "waiter", "wrong", "X-CSRF-TOKEN")

	_, err := a.Authenticate(context.Background())

	require.Error(t, err)
	var loginErr *LoginError
	require.ErrorAs(t, err, &loginErr)
	assert.True(t, loginErr.IsBadCredentials())
	assert.Equal(t, "Bad credentials", loginErr.Body)
	assert.False(t, store.HasToken())
}

func TestFormLogin_CSRFFetchWithoutSession(t *testing.T) {
	server := newUpstream(t, "X-CSRF-TOKEN")
	store := NewTokenStore("X-CSRF-TOKEN")
	// No cookie jar: the session cookie from login is lost
	a := NewFormLoginAuthenticator(nil, store, server.URL, loginPath, csrfPath, "waiter", "waiter", "X-CSRF-TOKEN")

	_, err := a.Authenticate(context.Background())

	var loginErr *LoginError
	require.ErrorAs(t, err, &loginErr)
	assert.Equal(t, "csrf", loginErr.Stage)
	assert.Equal(t, http.StatusForbidden, loginErr.StatusCode)
	assert.False(t, loginErr.IsBadCredentials())
}

func TestStaticAuthenticator(t *testing.T) {
	store := NewTokenStore("X-API-KEY")
	a := NewStaticAuthenticator(store, "X-API-KEY", "secret")

	p, err := a.Authenticate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, resender.Protection{HeaderName: "X-API-KEY", Token: "secret"}, p)
	assert.True(t, store.HasToken())
}

func TestStaticAuthenticator_CancelledContext(t *testing.T) {
	store := NewTokenStore("X-API-KEY")
	a := NewStaticAuthenticator(store, "X-API-KEY", "secret")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Authenticate(ctx)

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, store.HasToken())
}

func TestTokenStore_UpdateKeepsHeaderNameWhenEmpty(t *testing.T) {
	store := NewTokenStore("CSRF_TOKEN")
	assert.Equal(t, resender.Protection{HeaderName: "CSRF_TOKEN"}, store.CurrentProtection())

	store.Update(resender.Protection{Token: "t1"})
	assert.Equal(t, resender.Protection{HeaderName: "CSRF_TOKEN", Token: "t1"}, store.CurrentProtection())

	store.Update(resender.Protection{HeaderName: "X-XSRF-TOKEN", Token: "t2"})
	assert.Equal(t, resender.Protection{HeaderName: "X-XSRF-TOKEN", Token: "t2"}, store.CurrentProtection())
}

func TestRegistry_New(t *testing.T) {
	store := NewTokenStore("X-CSRF-TOKEN")

	a, err := New(StaticName, Options{Store: store, HeaderName: "X-CSRF-TOKEN", StaticToken: "abc"})
	require.NoError(t, err)
	assert.IsType(t, &StaticAuthenticator{}, a)

	a, err = New("FORM-LOGIN", Options{Store: store, UpstreamURL: "http://upstream", Username: "waiter"})
	require.NoError(t, err)
	assert.IsType(t, &FormLoginAuthenticator{}, a)
}

func TestRegistry_Errors(t *testing.T) {
	store := NewTokenStore("X-CSRF-TOKEN")

	_, err := New("kerberos", Options{Store: store})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown authenticator")
	assert.Contains(t, err.Error(), FormLoginName)

	_, err = New(StaticName, Options{Store: store})
	assert.Error(t, err)

	_, err = New(FormLoginName, Options{Store: store, UpstreamURL: "http://upstream"})
	assert.Error(t, err)

	_, err = New(StaticName, Options{StaticToken: "abc"})
	assert.Error(t, err)
}

func TestRegistry_Names(t *testing.T) {
	assert.Equal(t, []string{FormLoginName, StaticName}, Names())
}
