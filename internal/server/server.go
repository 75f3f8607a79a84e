// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/kerjapay/escrowd/internal/audit"
	"github.com/kerjapay/escrowd/internal/auth"
	"github.com/kerjapay/escrowd/internal/config"
	"github.com/kerjapay/escrowd/internal/dispute"
	"github.com/kerjapay/escrowd/internal/escrow"
	"github.com/kerjapay/escrowd/internal/gateway"
	"github.com/kerjapay/escrowd/internal/health"
	"github.com/kerjapay/escrowd/internal/logging"
	"github.com/kerjapay/escrowd/internal/metrics"
	"github.com/kerjapay/escrowd/internal/notify"
	"github.com/kerjapay/escrowd/internal/ratelimit"
	"github.com/kerjapay/escrowd/internal/reconciliation"
	"github.com/kerjapay/escrowd/internal/security"
	"github.com/kerjapay/escrowd/internal/settlement"
	"github.com/kerjapay/escrowd/internal/traces"
	"github.com/kerjapay/escrowd/internal/validation"
	"github.com/kerjapay/escrowd/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	escrows     *escrow.Service
	settlements *settlement.Service
	wallets     *wallet.Service
	resolver    *dispute.Resolver
	processor   *gateway.Processor
	dispatcher  notify.Dispatcher
	notifyStore notify.Store
	trail       audit.Trail
	gatewayCli  gateway.Client
	rateLimiter *ratelimit.Limiter
	reconTimer  *reconciliation.Timer
	healthReg   *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	stopTraces  func(context.Context) error
	cancelRun   context.CancelFunc

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

// WithGatewayClient sets a custom payment gateway client (for testing)
func WithGatewayClient(c gateway.Client) Option {
	return func(s *Server) {
		s.gatewayCli = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logging.New(cfg.LogLevel, "json"),
		healthReg: health.NewRegistry(),
	}

	// Apply options first (may set gateway client/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore     escrow.Store
		walletStore     wallet.Store
		settlementStore settlement.Store
		disputeStore    dispute.Store
		gatewayStore    gateway.Store
	)

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
		escrowStore = escrow.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		settlementStore = settlement.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		gatewayStore = gateway.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)
		s.trail = audit.NewPostgresTrail(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Down("database", err.Error())
			}
			return health.Up("database")
		})

		// Periodic consistency checks over the schema
		runner := reconciliation.NewRunner(s.logger, reconciliation.PostgresChecks(db)...)
		s.reconTimer = reconciliation.NewTimer(runner, s.logger)
	} else {
		memEscrows := escrow.NewMemoryStore()
		memWallets := wallet.NewMemoryStore()
		escrowStore = memEscrows
		walletStore = memWallets
		settlementStore = settlement.NewMemoryStore(memEscrows, memWallets)
		disputeStore = dispute.NewMemoryStore()
		gatewayStore = gateway.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
		s.trail = audit.NewMemoryTrail()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Notifications: signed webhooks when enabled, structured log otherwise
	if cfg.NotifyWebhooksEnabled {
		s.dispatcher = notify.NewWebhookDispatcher(s.notifyStore)
		s.logger.Info("webhook notifications enabled")
	} else {
		s.dispatcher = notify.LogDispatcher{}
	}

	// Core services
	s.escrows = escrow.NewService(escrowStore, s.trail)
	s.settlements = settlement.NewService(settlementStore, escrowStore, s.trail).
		WithDisputeChecker(disputeStore).
		WithNotifier(s.dispatcher)
	s.wallets = wallet.NewService(walletStore, s.trail, cfg.PayoutFee()).
		WithReceiptIssuer(s.settlements)
	s.resolver = dispute.NewResolver(disputeStore, escrowStore, s.settlements, s.settlements, s.trail)
	s.logger.Info("settlement engine enabled", "payout_fee", cfg.PayoutFee().String())

	// Payment gateway (Stripe in production, injected fake in tests)
	if s.gatewayCli == nil && cfg.StripeAPIKey != "" {
		s.gatewayCli = gateway.NewStripeClient(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
		s.logger.Info("payment gateway enabled")
	}
	if s.gatewayCli != nil {
		s.processor = gateway.NewProcessor(s.gatewayCli, gatewayStore, escrowStore, s.escrows, s.settlements)
	} else {
		s.logger.Warn("no payment gateway configured, webhook ingestion disabled")
	}

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

	// CORS (restrict origins in production deployments)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerSecond = s.cfg.RateLimitRPS
		limiterCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
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
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		ctx = audit.WithRequestID(ctx, requestID)
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

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :number and :ref URL params on all v1 routes (no-op when absent)
	v1.Use(validation.ReferenceParamMiddleware())

	escrowHandler := escrow.NewHandler(s.escrows)
	escrowHandler.RegisterRoutes(v1)

	settlementHandler := settlement.NewHandler(s.settlements)
	settlementHandler.RegisterRoutes(v1)

	walletHandler := wallet.NewHandler(s.wallets)
	walletHandler.RegisterRoutes(v1)

	disputeHandler := dispute.NewHandler(s.resolver)
	disputeHandler.RegisterRoutes(v1)

	// Notification subscriptions (signed webhook endpoints per party)
	notifyHandler := notify.NewHandler(s.notifyStore)
	notifyHandler.RegisterRoutes(v1)

	// Gateway webhook ingestion (only when a gateway client is configured)
	if s.processor != nil {
		gatewayHandler := gateway.NewHandler(s.processor)
		gatewayHandler.RegisterRoutes(v1)
	}

	// Admin routes: withholding reports, remittance, audit trail.
	// Gated by X-Admin-Secret outside development.
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	{
		settlementHandler.RegisterAdminRoutes(admin)
		auditHandler := audit.NewHandler(s.trail)
		auditHandler.RegisterRoutes(admin)
	}
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

	healthy, checks := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
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
		"name":        "escrowd",
		"description": "Escrow settlement engine for gig marketplace payments",
		"version":     "0.1.0",
		"currency":    "USD",
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	// Tracing exporter (no-op when no endpoint configured)
	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.stopTraces = stopTraces
	}

	// Export connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Start ledger consistency checks
	if s.reconTimer != nil {
		go s.reconTimer.Start(runCtx)
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

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

	// Cancel the context for background goroutines
	if s.cancelRun != nil {
		s.cancelRun()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Stop reconciliation timer
	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}

	// Flush any pending trace spans
	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
