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

	"github.com/meridianpay/meridian/internal/chain"
	"github.com/meridianpay/meridian/internal/config"
	"github.com/meridianpay/meridian/internal/escrow"
	"github.com/meridianpay/meridian/internal/events"
	"github.com/meridianpay/meridian/internal/health"
	"github.com/meridianpay/meridian/internal/ledger"
	"github.com/meridianpay/meridian/internal/logging"
	"github.com/meridianpay/meridian/internal/metrics"
	"github.com/meridianpay/meridian/internal/ratelimit"
	"github.com/meridianpay/meridian/internal/reconcile"
	"github.com/meridianpay/meridian/internal/security"
	"github.com/meridianpay/meridian/internal/settlement"
	"github.com/meridianpay/meridian/internal/traces"
	"github.com/meridianpay/meridian/internal/validation"
	"github.com/meridianpay/meridian/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	ledger        *ledger.Ledger
	escrowService *escrow.Service
	walletService *wallet.Service
	facade        *settlement.Facade
	adapter       *chain.Adapter // nil in mirror-only mode
	pending       settlement.PendingStore
	reconciler    *reconcile.Reconciler
	sweeper       *escrow.Sweeper
	hub           *events.Hub
	healthReg     *health.Registry
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc          // cancels background goroutines started in Run
	shutdownTrace func(context.Context) error // flushes the tracer provider

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

// WithAdapter sets a custom chain adapter (for testing)
func WithAdapter(a *chain.Adapter) Option {
	return func(s *Server) {
		s.adapter = a
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set adapter/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var escrowStore escrow.Store
	var walletStore wallet.Store
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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.ledger = ledger.New(ledger.NewPostgresStore(db), cfg.FeeSink)
		escrowStore = escrow.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		s.pending = settlement.NewPostgresPendingStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.ledger = ledger.New(ledger.NewMemoryStore(), cfg.FeeSink)
		escrowStore = escrow.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		s.pending = settlement.NewMemoryPendingStore()
	}

	// WebSocket hub for lifecycle event streaming
	s.hub = events.NewHub(s.logger)

	s.escrowService = escrow.NewService(escrowStore, s.ledger, escrow.Config{
		FeeBps:   cfg.FeeBps,
		Duration: cfg.EscrowDuration,
		Window:   cfg.ClaimWindow,
	}, s.logger).WithEvents(s.hub)
	s.walletService = wallet.NewService(walletStore, s.ledger, cfg.FeeBps, s.logger)
	s.sweeper = escrow.NewSweeper(s.escrowService, time.Minute, s.logger)

	// Chain adapter (mirror-only mode if disabled)
	if s.adapter == nil && cfg.ChainEnabled {
		adapter, err := chain.New(chain.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
			Contract:   cfg.SettlementContract,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create chain adapter: %w", err)
		}
		s.adapter = adapter
		s.logger.Info("chain adapter enabled",
			"chainId", cfg.ChainID,
			"contract", cfg.SettlementContract,
			"signer", adapter.Address(),
		)
	} else if s.adapter == nil {
		s.logger.Info("running in mirror-only mode (no chain submission)")
	}

	var facadeAdapter settlement.Adapter
	if s.adapter != nil {
		facadeAdapter = s.adapter
	}
	s.facade = settlement.New(s.escrowService, s.walletService, s.ledger,
		facadeAdapter, s.pending, s.logger).WithConfirmTimeout(cfg.ConfirmTimeout)

	// Reconciler resolves pending-confirmation transactions left by timeouts
	// and crashes.
	if s.adapter != nil {
		s.reconciler = reconcile.New(s.pending, s.adapter, s.escrowService,
			s.walletService, cfg.ReconcileInterval, cfg.ReconcileMaxAge, s.logger)
	}

	s.setupHealthChecks()

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

func (s *Server) setupHealthChecks() {
	s.healthReg = health.NewRegistry()

	if s.db != nil {
		db := s.db
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	}

	if s.adapter != nil {
		pending := s.pending
		s.healthReg.Register("chain", func(ctx context.Context) health.Status {
			// The adapter holds a long-lived RPC connection; a backlog of
			// unresolved transactions is the visible failure signal.
			txs, err := pending.List(ctx, 100)
			if err != nil {
				return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
			}
			if len(txs) >= 100 {
				return health.Status{Name: "chain", Healthy: false, Detail: "pending transaction backlog"}
			}
			return health.Status{Name: "chain", Healthy: true}
		})
	}
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

	// CORS (allow all origins for demo - restrict in production)
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
			requestID = generateRequestID()
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

	// WebSocket for real-time escrow event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	// Settlement facade: the write path for escrows and agent wallets
	settlementHandler := settlement.NewHandler(s.facade)
	settlementHandler.RegisterRoutes(v1)

	// Escrow queries (read-only projections)
	escrowHandler := escrow.NewHandler(s.escrowService)
	escrowHandler.RegisterRoutes(v1)

	// Ledger queries and deposits
	ledgerHandler := ledger.NewHandler(s.ledger)
	ledgerHandler.RegisterRoutes(v1)

	// Agent wallet management
	walletHandler := wallet.NewHandler(s.walletService)
	walletHandler.RegisterRoutes(v1)

	// Hub statistics (connected clients, broadcast counts)
	v1.GET("/events/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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
	mode := "mirror-only"
	if s.adapter != nil {
		mode = "on-chain"
	}
	c.JSON(http.StatusOK, gin.H{
		"name":        "Meridian",
		"description": "Escrow settlement engine for agent marketplaces",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
		"mode":        mode,
		"feeBps":      s.cfg.FeeBps,
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

	// Distributed tracing (no-op without a collector endpoint)
	shutdownTrace, err := traces.Init(ctx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTrace = shutdownTrace
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

	// Start the WebSocket hub
	go s.hub.Run(runCtx)

	// Start the claim-window sweeper
	s.sweeper.Start()

	// Start the pending-transaction reconciler
	if s.reconciler != nil {
		s.reconciler.Start()
	}

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

	// Cancel the context for all background goroutines (hub, sweeper, reconciler)
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

	// Stop the claim-window sweeper
	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

	// Stop the reconciler
	if s.reconciler != nil {
		s.reconciler.Stop()
		s.logger.Info("reconciler stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close chain connection
	if s.adapter != nil {
		if err := s.adapter.Close(); err != nil {
			s.logger.Error("chain adapter close error", "error", err)
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

	// Flush remaining spans
	if s.shutdownTrace != nil {
		if err := s.shutdownTrace(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
