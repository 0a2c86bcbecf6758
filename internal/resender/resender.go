package resender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zep-us/reauthxy/internal/metrics"
	"github.com/zep-us/reauthxy/pkg/logger"
)

// attemptKey is the only singleflight key: one re-authentication in flight per Resender
const attemptKey = "reauthenticate"

// ErrDispatch is returned (wrapped) when the dispatcher refuses a resend task
var ErrDispatch = errors.New("resend could not be dispatched")

// Authenticator performs a fresh authentication against the upstream
type Authenticator interface {
	Authenticate(ctx context.Context) (Protection, error)
}

// ProtectionSource returns the currently known protection header
type ProtectionSource interface {
	CurrentProtection() Protection
}

// Sender performs the transport call for one request
type Sender interface {
	Send(ctx context.Context, r *Request) (*Response, error)
}

// Dispatcher runs resend tasks, typically with bounded concurrency
type Dispatcher interface {
	Submit(task func()) error
}

// Resender replays unauthenticated requests after a single shared re-authentication
type Resender struct {
	authenticator Authenticator
	source        ProtectionSource
	sender        Sender
	dispatcher    Dispatcher

	baseCtx     context.Context
	authTimeout time.Duration
	sendTimeout time.Duration

	attempts singleflight.Group
}

// Option configures a Resender
type Option func(*Resender)

// WithDispatcher runs resends through d instead of one goroutine per request
func WithDispatcher(d Dispatcher) Option {
	return func(r *Resender) { r.dispatcher = d }
}

// WithAuthTimeout bounds each authenticator call (0 = no bound)
func WithAuthTimeout(d time.Duration) Option {
	return func(r *Resender) { r.authTimeout = d }
}

// WithSendTimeout bounds each resend (0 = no bound)
func WithSendTimeout(d time.Duration) Option {
	return func(r *Resender) { r.sendTimeout = d }
}

// WithBaseContext sets the context authentication and resends run under
func WithBaseContext(ctx context.Context) Option {
	return func(r *Resender) { r.baseCtx = ctx }
}

// New creates a Resender. The authenticator and protection source are resolved
// once by the caller and injected here.
func New(authenticator Authenticator, source ProtectionSource, sender Sender, opts ...Option) *Resender {
	r := &Resender{
		authenticator: authenticator,
		source:        source,
		sender:        sender,
		baseCtx:       context.Background(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue attaches req to the in-flight re-authentication attempt, starting one
// if none is running, and returns immediately. The returned Future settles with
// the outcome of resending req once the attempt succeeds, or with an
// *AuthenticationError if it fails.
func (r *Resender) Enqueue(req *Request) *Future {
	f := newFuture()

	metrics.RequestsEnqueuedCounter.Inc()
	metrics.PendingRequestsGauge.Inc()

	// DoChan must run here, not in the goroutine below, so that joining the
	// in-flight attempt is decided at enqueue time.
	attempt := r.attempts.DoChan(attemptKey, r.authenticate)

	go func() {
		res := <-attempt
		if res.Shared {
			logger.Debug("Resender: %s %s joined shared re-authentication", req.Method, req.URL)
		}
		if res.Err != nil {
			r.settle(f, nil, &AuthenticationError{Err: res.Err})
			return
		}
		r.dispatch(req, f)
	}()

	return f
}

// authenticate is the body of one attempt; singleflight runs it once per burst.
// A panicking authenticator fails the attempt instead of escaping singleflight.
func (r *Resender) authenticate() (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.ReauthFailuresCounter.Inc()
			logger.Error("Resender: authenticator panicked: %v", rec)
			result, err = nil, fmt.Errorf("authenticator panicked: %v", rec)
		}
	}()

	metrics.ReauthAttemptsCounter.Inc()
	logger.Info("Resender: starting re-authentication")

	ctx := r.baseCtx
	if r.authTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.authTimeout)
		defer cancel()
	}

	start := time.Now()
	p, authErr := r.authenticator.Authenticate(ctx)
	if authErr != nil {
		metrics.ReauthFailuresCounter.Inc()
		logger.Warn("Resender: re-authentication failed after %v: %v", time.Since(start), authErr)
		return nil, authErr
	}

	logger.Info("Resender: re-authentication succeeded in %v", time.Since(start))
	return p, nil
}

func (r *Resender) dispatch(req *Request, f *Future) {
	if r.dispatcher == nil {
		r.resend(req, f)
		return
	}
	if err := r.dispatcher.Submit(func() { r.resend(req, f) }); err != nil {
		logger.Warn("Resender: dispatch of %s %s rejected: %v", req.Method, req.URL, err)
		r.settle(f, nil, fmt.Errorf("%w: %w", ErrDispatch, err))
	}
}

// resend stamps the freshest protection header onto req and sends it
func (r *Resender) resend(req *Request, f *Future) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Resender: resend %s %s panicked: %v", req.Method, req.URL, rec)
			r.settle(f, nil, &TransportError{Err: fmt.Errorf("resend panicked: %v", rec)})
		}
	}()

	p := r.source.CurrentProtection()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	StampProtection(req.Header, p)

	ctx := r.baseCtx
	if r.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sendTimeout)
		defer cancel()
	}

	resp, err := r.sender.Send(ctx, req)
	if err != nil {
		logger.Debug("Resender: resend %s %s failed: %v", req.Method, req.URL, err)
		r.settle(f, nil, err)
		return
	}
	logger.Debug("Resender: resend %s %s -> %d", req.Method, req.URL, resp.StatusCode)
	r.settle(f, resp, nil)
}

func (r *Resender) settle(f *Future, resp *Response, err error) {
	if !f.settle(resp, err) {
		return
	}
	metrics.PendingRequestsGauge.Dec()

	var authErr *AuthenticationError
	switch {
	case err == nil:
		metrics.ResendOutcomesCounter.WithLabelValues(metrics.OutcomeResolved).Inc()
	case errors.As(err, &authErr):
		metrics.ResendOutcomesCounter.WithLabelValues(metrics.OutcomeAuthError).Inc()
	case errors.Is(err, ErrDispatch):
		metrics.ResendOutcomesCounter.WithLabelValues(metrics.OutcomeDispatchError).Inc()
	default:
		metrics.ResendOutcomesCounter.WithLabelValues(metrics.OutcomeTransportError).Inc()
	}
}
