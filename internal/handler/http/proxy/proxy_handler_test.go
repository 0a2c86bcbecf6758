package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/zep-us/reauthxy/internal/auth"
	"github.com/zep-us/reauthxy/internal/forwarder"
	"github.com/zep-us/reauthxy/internal/resender"
)

const csrfHeader = "X-CSRF-TOKEN"

// guardedUpstream answers 403 unless the request carries the expected CSRF token
func guardedUpstream(t *testing.T, token string, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(csrfHeader) != token {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

type blockingAuthenticator struct {
	store   *auth.TokenStore
	release chan struct{}
	calls   int32
}

func (a *blockingAuthenticator) Authenticate(ctx context.Context) (resender.Protection, error) {
	atomic.AddInt32(&a.calls, 1)
	<-a.release
	p := resender.Protection{HeaderName: csrfHeader, Token: "fresh"}
	a.store.Update(p)
	return p, nil
}

type failingAuthenticator struct{}

func (failingAuthenticator) Authenticate(ctx context.Context) (resender.Protection, error) {
	return resender.Protection{}, errors.New("bad credentials")
}

// newHandler wires a handler the way the app does, with a static authenticator issuing "fresh"
func newHandler(upstreamURL string, store *auth.TokenStore, authenticator resender.Authenticator, opts ...resender.Option) *ProxyHandler {
	sender := resender.NewHTTPSender(nil)
	if authenticator == nil {
		authenticator = auth.NewStaticAuthenticator(store, csrfHeader, "fresh")
	}
	rs := resender.New(authenticator, store, sender, opts...)
	return NewProxyHandler(upstreamURL, sender, store, rs, []int{http.StatusUnauthorized, http.StatusForbidden})
}

func serve(h *ProxyHandler, req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	h.SetupRoutes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// TestProxyHandler_PassesThroughWithKnownToken verifies a known token is stamped and no re-authentication happens
func TestProxyHandler_PassesThroughWithKnownToken(t *testing.T) {
	upstream := guardedUpstream(t, "known", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Resource Data"))
	})

	store := auth.NewTokenStore(csrfHeader)
	store.Update(resender.Protection{Token: "known"})
	authenticator := &blockingAuthenticator{store: store, release: make(chan struct{})}
	defer close(authenticator.release)
	h := newHandler(upstream.URL, store, authenticator)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/services/rest/offermanagement/v1/offer", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "Resource Data" {
		t.Errorf("expected body %q, got %q", "Resource Data", rec.Body.String())
	}
	if calls := atomic.LoadInt32(&authenticator.calls); calls != 0 {
		t.Errorf("expected no authentication, got %d calls", calls)
	}
}

// TestProxyHandler_ReauthenticatesAndResends verifies a 403 triggers re-authentication and a resend with the new token
func TestProxyHandler_ReauthenticatesAndResends(t *testing.T) {
	var mu sync.Mutex
	var gotBody, gotQuery string
	upstream := guardedUpstream(t, "fresh", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = string(data)
		gotQuery = r.URL.RawQuery
		mu.Unlock()
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	})

	store := auth.NewTokenStore(csrfHeader)
	h := newHandler(upstream.URL, store, nil)

	req := httptest.NewRequest(http.MethodPost, "/services/rest/orders?table=7", strings.NewReader(`{"dish":"soup"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(h, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	if rec.Body.String() != `{"id":1}` {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("expected upstream response header to be copied")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotBody != `{"dish":"soup"}` {
		t.Errorf("expected buffered body to be resent, got %q", gotBody)
	}
	if gotQuery != "table=7" {
		t.Errorf("expected query to be preserved, got %q", gotQuery)
	}
}

// TestProxyHandler_ResendErrorStatusIsCopied verifies a failing resend keeps the upstream status and body
func TestProxyHandler_ResendErrorStatusIsCopied(t *testing.T) {
	upstream := guardedUpstream(t, "fresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Validation Errors"))
	})

	h := newHandler(upstream.URL, auth.NewTokenStore(csrfHeader), nil)
	rec := serve(h, httptest.NewRequest(http.MethodPost, "/services/rest/orders", strings.NewReader("{}")))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if rec.Body.String() != "Validation Errors" {
		t.Errorf("expected body %q, got %q", "Validation Errors", rec.Body.String())
	}
}

// TestProxyHandler_NonAuthErrorIsNotResent verifies statuses outside the re-auth set pass straight through
func TestProxyHandler_NonAuthErrorIsNotResent(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	h := newHandler(upstream.URL, auth.NewTokenStore(csrfHeader), failingAuthenticator{})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", got)
	}
}

// TestProxyHandler_AuthenticationFailureReturns401 verifies a failed re-authentication is reported as 401
func TestProxyHandler_AuthenticationFailureReturns401(t *testing.T) {
	upstream := guardedUpstream(t, "fresh", func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the guarded handler")
	})

	h := newHandler(upstream.URL, auth.NewTokenStore(csrfHeader), failingAuthenticator{})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/secure", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

// TestProxyHandler_UpstreamUnreachableReturns502 verifies transport failures without a status map to 502
func TestProxyHandler_UpstreamUnreachableReturns502(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	h := newHandler(url, auth.NewTokenStore(csrfHeader), nil)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/anything", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", rec.Code)
	}
}

// TestProxyHandler_DispatchRejectedReturns503 verifies a stopped forwarder surfaces as 503
func TestProxyHandler_DispatchRejectedReturns503(t *testing.T) {
	upstream := guardedUpstream(t, "fresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	f := forwarder.New("pool", 1, 1, 1, time.Second)
	f.Start()
	f.Stop()

	h := newHandler(upstream.URL, auth.NewTokenStore(csrfHeader), nil, resender.WithDispatcher(f))
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/secure", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
}

// TestProxyHandler_ClientGivesUpReturns504 verifies an abandoned wait maps to 504 while the resend still completes
func TestProxyHandler_ClientGivesUpReturns504(t *testing.T) {
	var resent int32
	upstream := guardedUpstream(t, "fresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&resent, 1)
		w.WriteHeader(http.StatusOK)
	})

	store := auth.NewTokenStore(csrfHeader)
	authenticator := &blockingAuthenticator{store: store, release: make(chan struct{})}
	h := newHandler(upstream.URL, store, authenticator)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/slow", nil).WithContext(ctx)
	rec := serve(h, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected status 504, got %d", rec.Code)
	}

	close(authenticator.release)
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&resent) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&resent) != 1 {
		t.Error("expected the abandoned request to be resent anyway")
	}
}

// TestProxyHandler_ConcurrentRequestsShareOneLogin verifies a burst of 403s triggers a single authentication
func TestProxyHandler_ConcurrentRequestsShareOneLogin(t *testing.T) {
	upstream := guardedUpstream(t, "fresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	store := auth.NewTokenStore(csrfHeader)
	authenticator := &blockingAuthenticator{store: store, release: make(chan struct{})}
	h := newHandler(upstream.URL, store, authenticator)

	const n = 5
	codes := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			codes <- serve(h, httptest.NewRequest(http.MethodGet, "/secure", nil)).Code
		}()
	}

	// Let every request hit the 403 and join the attempt before releasing it
	time.Sleep(200 * time.Millisecond)
	close(authenticator.release)

	for i := 0; i < n; i++ {
		if code := <-codes; code != http.StatusOK {
			t.Errorf("expected status 200, got %d", code)
		}
	}
	if calls := atomic.LoadInt32(&authenticator.calls); calls != 1 {
		t.Errorf("expected 1 authentication, got %d", calls)
	}
}

// TestForwardHeaders_DropsHopByHop verifies Host and hop-by-hop headers are not forwarded
func TestForwardHeaders_DropsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Set("Host", "proxy.local")
	src.Set("Connection", "keep-alive")
	src.Set("Proxy-Authorization", "Basic abc")
	src.Add("Cookie", "a=1")
	src.Add("Cookie", "b=2")
	src.Set("Accept", "application/json")

	got := forwardHeaders(src)

	for _, name := range []string{"Host", "Connection", "Proxy-Authorization"} {
		if got.Get(name) != "" {
			t.Errorf("expected %s to be dropped", name)
		}
	}
	if len(got.Values("Cookie")) != 2 {
		t.Errorf("expected both Cookie values, got %v", got.Values("Cookie"))
	}
	if got.Get("Accept") != "application/json" {
		t.Error("expected Accept to be forwarded")
	}
}

// TestCopyResponseHeaders_SkipsCORSAndFraming verifies problematic upstream headers are filtered
func TestCopyResponseHeaders_SkipsCORSAndFraming(t *testing.T) {
	src := http.Header{}
	src.Set("Access-Control-Allow-Origin", "*")
	src.Set("Vary", "Origin")
	src.Set("Content-Length", "10")
	src.Set("Content-Type", "application/json")

	dst := http.Header{}
	copyResponseHeaders(dst, src)

	if len(dst) != 1 || dst.Get("Content-Type") != "application/json" {
		t.Errorf("expected only Content-Type to be copied, got %v", dst)
	}
}
