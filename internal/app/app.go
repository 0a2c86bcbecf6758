package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/zep-us/reauthxy/internal/auth"
	"github.com/zep-us/reauthxy/internal/config"
	"github.com/zep-us/reauthxy/internal/forwarder"
	"github.com/zep-us/reauthxy/internal/handler/http/health"
	httpiface "github.com/zep-us/reauthxy/internal/handler/http/interface"
	"github.com/zep-us/reauthxy/internal/handler/http/proxy"
	"github.com/zep-us/reauthxy/internal/metrics"
	"github.com/zep-us/reauthxy/internal/resender"
	"github.com/zep-us/reauthxy/pkg/logger"
)

// App represents the application with its lifecycle management
type App struct {
	config       *config.Config
	echo         *echo.Echo
	readiness    *atomic.Bool
	httpHandlers []httpiface.HttpRouter

	httpClient    *http.Client // shared by authenticator and sender: one cookie jar, one upstream session
	store         *auth.TokenStore
	authenticator resender.Authenticator
	forwarder     forwarder.Forwarder
	resender      *resender.Resender

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates a new App instance with the given configuration
// Follows constructor injection pattern - all dependencies passed via parameters
func NewApp(cfg *config.Config) *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		config:     cfg,
		echo:       e,
		readiness:  atomic.NewBool(false),
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// injectDependency builds the upstream client, the re-authentication chain and all HTTP handlers
func (a *App) injectDependency() error {
	// The cookie jar carries the upstream session from login to every later request
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          2000,
		MaxIdleConnsPerHost:   1000,
		MaxConnsPerHost:       1500,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	a.httpClient = &http.Client{Transport: transport, Jar: jar, Timeout: a.config.UpstreamTimeout()}

	a.store = auth.NewTokenStore(a.config.CSRFHeaderName)
	a.authenticator, err = auth.New(a.config.Authenticator, auth.Options{
		HTTPClient:    a.httpClient,
		Store:         a.store,
		UpstreamURL:   a.config.UpstreamTargetURL,
		LoginPath:     a.config.LoginPath,
		Username:      a.config.LoginUsername,
		Password:      a.config.LoginPassword,
		CSRFTokenPath: a.config.CSRFTokenPath,
		HeaderName:    a.config.CSRFHeaderName,
		StaticToken:   a.config.StaticToken,
	})
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}
	logger.Info("Using authenticator %q", a.config.Authenticator)

	a.forwarder = forwarder.New(
		a.config.ForwardingMode,
		a.config.WorkerPoolSize,
		a.config.JobQueueSize,
		a.config.SemaphoreMaxConcurrent,
		a.config.ShutdownTimeout(),
	)

	sender := resender.NewHTTPSender(a.httpClient)
	a.resender = resender.New(a.authenticator, a.store, sender,
		resender.WithDispatcher(a.forwarder),
		resender.WithAuthTimeout(a.config.AuthTimeout()),
		resender.WithSendTimeout(a.config.UpstreamTimeout()),
		resender.WithBaseContext(a.ctx),
	)

	a.httpHandlers = []httpiface.HttpRouter{
		health.NewHealthHandler(a.readiness, a.store),
		proxy.NewProxyHandler(a.config.UpstreamTargetURL, sender, a.store, a.resender, a.config.ReauthStatuses),
	}
	return nil
}

// preProcess is called before server starts
// Use this hook for initialization tasks that need to happen before accepting traffic
func (a *App) preProcess() {
	logger.Info("Preparing to start server...")

	// Start resend dispatch before accepting HTTP traffic
	if a.forwarder != nil {
		a.forwarder.Start()
	}

	if a.config.LoginOnStart {
		a.initialLogin()
	}
}

// initialLogin establishes a session up front so the first requests are not all rejected.
// Failure is not fatal: the first unauthenticated response triggers the resender instead.
func (a *App) initialLogin() {
	ctx := a.ctx
	if timeout := a.config.AuthTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	metrics.ReauthAttemptsCounter.Inc()
	if _, err := a.authenticator.Authenticate(ctx); err != nil {
		metrics.ReauthFailuresCounter.Inc()
		logger.Warn("Initial login failed, will re-authenticate on first rejected request: %v", err)
		return
	}
	logger.Info("Initial login succeeded")
}

// postProcess is called after shutdown signal is received
// Use this hook for cleanup tasks before graceful shutdown begins
func (a *App) postProcess() {
	logger.Info("Shutting down gracefully...")
}

// setupServer installs the middleware chain and all routes on the Echo instance
func (a *App) setupServer() {
	e := a.echo

	// 1. CORS must be first so preflight and 413 responses carry CORS headers
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: a.config.AllowedOrigins,
		AllowMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Accept", "Origin", "User-Agent", "X-Requested-With", a.config.CSRFHeaderName},
		ExposeHeaders:    []string{a.config.CSRFHeaderName},
		AllowCredentials: true,
	}))

	// 2. Body size limit: request bodies are buffered for resending
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", a.config.MaxRequestSizeMB)))

	// 3. Logging
	e.Use(middleware.Logger())

	// 4. Panic recovery
	e.Use(middleware.Recover())

	// 5. Readiness gate: only health and metrics are served while not ready
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !a.readiness.Load() {
				p := c.Request().URL.Path
				if p != "/healthz" && p != "/readyz" && p != "/metrics" {
					logger.Info("readiness=false: reject new request path=%s", p)
					return c.NoContent(http.StatusServiceUnavailable)
				}
			}
			return next(c)
		}
	})

	// 6. Prometheus HTTP metrics
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  metrics.Namespace,
		Registerer: a.registerer,
	}))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: a.gatherer}))

	// 7. Resend queue depth
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if a.forwarder != nil {
				metrics.QueueDepthGauge.Set(float64(a.forwarder.GetQueueDepth()))
			}
			return next(c)
		}
	})

	// 8. Handler routes
	for _, handler := range a.httpHandlers {
		handler.SetupRoutes(e)
	}
}

// Run starts the Echo server and handles graceful shutdown
// This implements the full lifecycle: startup -> run -> graceful shutdown
func (a *App) Run() error {
	if err := a.injectDependency(); err != nil {
		a.cancel()
		return err
	}
	a.preProcess()
	a.setupServer()

	go func() {
		addr := fmt.Sprintf(":%d", a.config.ServerPort)
		logger.Info("Starting reauthxy server on %s -> %s", addr, a.config.UpstreamTargetURL)

		// Mark readiness true just before starting to accept connections
		a.readiness.Store(true)

		// http.ErrServerClosed is expected during graceful shutdown, not an actual error
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	logger.Info("Server ready. Waiting for interrupt signal...")
	<-quit

	a.postProcess()
	return a.shutdown()
}

// shutdown runs the graceful shutdown sequence
func (a *App) shutdown() error {
	defer a.cancel()

	// Step 1: Mark as not ready (load balancers will stop routing traffic)
	a.readiness.Store(false)
	drainDuration := time.Duration(a.config.ShutdownDrainSeconds) * time.Second
	logger.Info("readiness=false: start drain window duration=%v", drainDuration)

	// Step 2: Drain period - allow load balancers to detect unhealthy state
	time.Sleep(drainDuration)

	// Step 3: Shutdown Echo server with timeout (in-flight handlers may still resend)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout())
	defer shutdownCancel()

	logger.Info("Shutting down Echo server...")
	err := a.echo.Shutdown(shutdownCtx)

	// Step 4: Stop resend dispatch once no handler can submit (finish in-flight resends)
	logger.Info("Stopping resend dispatcher...")
	if a.forwarder != nil {
		a.forwarder.Stop()
	}

	if err != nil {
		logger.Error("Shutdown error: %v", err)
		return err
	}

	logger.Info("Server stopped gracefully")
	return nil
}
