// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/lumenwork/payments/internal/config"
	"github.com/lumenwork/payments/internal/escrow"
	"github.com/lumenwork/payments/internal/health"
	"github.com/lumenwork/payments/internal/idgen"
	"github.com/lumenwork/payments/internal/logging"
	"github.com/lumenwork/payments/internal/metrics"
	"github.com/lumenwork/payments/internal/notify"
	"github.com/lumenwork/payments/internal/provider"
	"github.com/lumenwork/payments/internal/ratelimit"
	"github.com/lumenwork/payments/internal/reconcile"
	"github.com/lumenwork/payments/internal/security"
	"github.com/lumenwork/payments/internal/traces"
	"github.com/lumenwork/payments/internal/validation"
	"github.com/lumenwork/payments/internal/wallet"
	"github.com/lumenwork/payments/internal/webhook"
)

// Version is set at build time via ldflags.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	wallets        wallet.Store
	orders         escrow.Store
	events         webhook.Store
	provider       provider.Client
	reconciler     *reconcile.Service
	escrowService  *escrow.Service
	escrowTimer    *escrow.Timer
	processor      *webhook.Processor
	webhookJanitor *webhook.Janitor
	notifier       notify.Notifier
	rateLimiter    *ratelimit.Limiter
	checks         *health.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	stopTracing    func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProvider sets a custom provider client (for testing)
func WithProvider(client provider.Client) Option {
	return func(s *Server) {
		s.provider = client
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.wallets = wallet.NewPostgresStore(db)
		s.orders = escrow.NewPostgresStore(db)
		s.events = webhook.NewPostgresStore(db)
		s.checks.Register("database", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.wallets = wallet.NewMemoryStore()
		s.orders = escrow.NewMemoryStore(s.wallets)
		s.events = webhook.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Provider client for the custodial wallet API
	if s.provider == nil {
		if cfg.ProviderBaseURL == "" {
			return nil, fmt.Errorf("PROVIDER_BASE_URL is required")
		}
		s.provider = provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey)
	}
	s.reconciler = reconcile.NewService(s.wallets, s.provider, s.logger)

	// Outbound notifications, disabled unless a target is configured
	s.notifier = notify.Nop{}
	if cfg.NotifyURL != "" {
		if err := security.ValidateEndpointURL(cfg.NotifyURL); err != nil {
			s.logger.Warn("notify URL rejected, notifications disabled", "error", err)
		} else {
			s.notifier = notify.NewHTTPNotifier(cfg.NotifyURL, cfg.NotifySecret, s.logger)
			s.logger.Info("order notifications enabled")
		}
	}

	// Escrow with the configured fee destination
	var resolver escrow.FeeDestinationResolver
	switch cfg.FeeDestination {
	case "relay":
		resolver = escrow.NewRelayResolver(s.provider, cfg.PlatformAccount, cfg.FeeCurrency, s.logger)
		s.logger.Info("fee destination: relay", "platform", cfg.PlatformAccount, "currency", cfg.FeeCurrency)
	default:
		resolver = &escrow.TreasuryResolver{Account: cfg.TreasuryAccount}
		s.logger.Info("fee destination: treasury", "account", cfg.TreasuryAccount)
	}
	s.escrowService = escrow.NewService(s.orders, s.wallets, resolver, s.notifier, cfg.CommissionRate, s.logger)
	s.escrowTimer = escrow.NewTimer(s.orders, s.wallets, s.notifier,
		cfg.RefundAfter, cfg.RefundSweepEvery, cfg.RefundStartupDelay, s.logger)
	s.logger.Info("escrow enabled", "commission_rate", cfg.CommissionRate.String(), "refund_after", cfg.RefundAfter.String())

	// Webhook ingestion
	s.processor = webhook.NewProcessor(s.events, s.wallets, s.reconciler, s.escrowService, cfg.ProviderName, s.logger)
	s.webhookJanitor = webhook.NewJanitor(s.events, cfg.WebhookRetention, s.logger)
	s.logger.Info("webhook ingestion enabled", "provider", cfg.ProviderName)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/api", s.infoHandler)

	// Escrow orders, wallets, and provider webhooks
	escrow.NewHandler(s.escrowService, s.logger).RegisterRoutes(s.router)
	wallet.NewHandler(s.wallets, s.provider, s.reconciler, s.cfg.ProviderName, s.logger).RegisterRoutes(s.router)
	webhook.NewHandler(s.processor, s.events, s.cfg.WebhookSecret, s.logger).RegisterRoutes(s.router)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Lumenwork Payments",
		"description": "Escrow and custodial wallet coordination for the Lumenwork marketplace",
		"version":     Version,
		"provider":    s.cfg.ProviderName,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing is optional, controlled by OTEL_EXPORTER_OTLP_ENDPOINT
	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = shutdownTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"version", Version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the stagnant-order refund monitor
	go s.escrowTimer.Start(runCtx)
	s.checks.Register("refund_monitor", health.RunningChecker("refund_monitor", s.escrowTimer.Running))

	// Start webhook event retention janitor
	go s.webhookJanitor.Start(runCtx)
	s.checks.Register("webhook_janitor", health.RunningChecker("webhook_janitor", s.webhookJanitor.Running))

	// Export database pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (timers, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop refund monitor
	if s.escrowTimer != nil {
		s.escrowTimer.Stop()
		s.logger.Info("refund monitor stopped")
	}

	// Stop webhook janitor
	if s.webhookJanitor != nil {
		s.webhookJanitor.Stop()
		s.logger.Info("webhook janitor stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
