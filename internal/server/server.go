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
	"github.com/redis/go-redis/v9"

	"github.com/techswap/marketplace/internal/catalog"
	"github.com/techswap/marketplace/internal/config"
	"github.com/techswap/marketplace/internal/escrow"
	"github.com/techswap/marketplace/internal/health"
	"github.com/techswap/marketplace/internal/identity"
	"github.com/techswap/marketplace/internal/lock"
	"github.com/techswap/marketplace/internal/logging"
	"github.com/techswap/marketplace/internal/metrics"
	"github.com/techswap/marketplace/internal/order"
	"github.com/techswap/marketplace/internal/paygate"
	"github.com/techswap/marketplace/internal/ratelimit"
	"github.com/techswap/marketplace/internal/realtime"
	"github.com/techswap/marketplace/internal/reconciliation"
	"github.com/techswap/marketplace/internal/security"
	"github.com/techswap/marketplace/internal/traces"
	"github.com/techswap/marketplace/internal/validation"
	"github.com/techswap/marketplace/migrations"
)

// Version is reported by /health and traces. Set by cmd/server.
var Version = "dev"

// stuckEscrowGrace is how far past its deadline a shipped order may sit
// before reconciliation reports it as stuck.
const stuckEscrowGrace = 2 * time.Hour

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	db             *sql.DB       // nil if using in-memory
	redis          *redis.Client // nil without REDIS_URL
	orders         order.Store
	catalog        catalog.Catalog
	directory      identity.Directory
	auth           *identity.Authenticator
	orderService   *order.Service
	escrowLedger   *escrow.Ledger
	escrowTimer    *escrow.Timer
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	realtimeHub    *realtime.Hub
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter // nil when limiting through Redis
	allower        ratelimit.Allower
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	traceShutdown  func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	drainDelay     time.Duration

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

// WithDirectory sets the user directory tokens resolve against (for testing
// and for in-memory deployments).
func WithDirectory(d identity.Directory) Option {
	return func(s *Server) {
		s.directory = d
	}
}

// WithCatalog sets the product catalog.
func WithCatalog(c catalog.Catalog) Option {
	return func(s *Server) {
		s.catalog = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initRedis(ctx); err != nil {
		return nil, err
	}

	auth, err := identity.NewAuthenticator(cfg.JWTSecret, s.directory)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}
	s.auth = auth

	if err := s.initOrders(); err != nil {
		return nil, err
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

// initStorage picks Postgres when DATABASE_URL is set, otherwise in-memory stores.
func (s *Server) initStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.orders = order.NewMemoryStore()
		if s.catalog == nil {
			s.catalog = catalog.NewMemoryCatalog()
		}
		if s.directory == nil {
			s.directory = identity.NewMemoryDirectory()
		}
		s.logger.Warn("using in-memory storage; data is lost on restart")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if s.cfg.AutoMigrate {
		n, err := migrations.Up(ctx, db)
		if err != nil {
			_ = db.Close()
			return err
		}
		s.logger.Info("database migrations applied", "count", n)
	}

	s.db = db
	s.orders = order.NewPostgresStore(db)
	if s.catalog == nil {
		s.catalog = catalog.NewPostgresCatalog(db)
	}
	if s.directory == nil {
		s.directory = identity.NewPostgresDirectory(db)
	}
	s.health.Register("database", health.Ping("database", db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initRedis connects the shared sweep lock and rate limiter when REDIS_URL is set.
func (s *Server) initRedis(ctx context.Context) error {
	if s.cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	s.redis = client
	s.health.Register("redis", health.PingFunc("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	s.logger.Info("using Redis for sweep lock and rate limiting", "addr", opts.Addr)
	return nil
}

// initOrders wires the gateway, escrow ledger, order service, timers and hub.
func (s *Server) initOrders() error {
	signer, err := paygate.NewSigner(s.cfg.Gateway())
	if err != nil {
		return fmt.Errorf("failed to create gateway signer: %w", err)
	}

	s.realtimeHub = realtime.NewHub(s.logger, s.cfg.FrontendURL)

	s.escrowLedger = escrow.NewLedger(s.orders, s.catalog).
		WithEvents(s.realtimeHub).
		WithLogger(s.logger)

	s.orderService = order.NewService(s.orders, s.catalog, signer, s.escrowLedger).
		WithEvents(s.realtimeHub).
		WithInspectionWindow(s.cfg.InspectionWindow).
		WithPaymentTimeout(s.cfg.PaymentTimeout).
		WithMockPayments(s.cfg.MockPayments && !s.cfg.IsProduction()).
		WithLogger(s.logger)

	var locker lock.Locker = lock.NewLocalLocker()
	if s.redis != nil {
		locker = lock.NewRedisLocker(s.redis)
	}
	s.escrowTimer = escrow.NewTimer(s.escrowLedger, s.orders, s.cfg.SweepInterval, s.logger).
		WithLocker(locker)

	if s.cfg.VNPayAPIURL != "" {
		querier, err := paygate.NewQueryClient(s.cfg.Gateway(), s.logger)
		if err != nil {
			return fmt.Errorf("failed to create gateway query client: %w", err)
		}
		s.orderService.WithQuerier(querier)
		s.escrowTimer.WithExpirer(s.orderService)
		s.logger.Info("stale payment expiry enabled", "timeout", s.cfg.PaymentTimeout)
	}

	s.reconciler = reconciliation.NewRunner(s.orders, stuckEscrowGrace, s.cfg.PaymentTimeout, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, 0, s.logger)

	s.health.Register("escrow_sweep", health.Timer("escrow_sweep", s.escrowTimer, time.Now))
	s.health.Register("reconciliation", health.Timer("reconciliation", s.reconcileTimer, time.Now))

	s.logger.Info("escrow configured",
		"inspection_window", s.cfg.InspectionWindow,
		"sweep_interval", s.cfg.SweepInterval,
		"mock_payments", s.cfg.MockPayments && !s.cfg.IsProduction(),
	)
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	return u.Redacted()
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

	// Request ID and logging first so every later middleware logs with them
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Security headers and CORS
	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware([]string{s.cfg.FrontendURL}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Authentication is optional here; routes that need it add RequireAuth
	s.router.Use(identity.Middleware(s.auth))

	// Rate limiting, keyed by user once authenticated
	if s.redis != nil {
		s.allower = ratelimit.NewRedisLimiter(s.redis, s.cfg.RateLimitRPM)
	} else {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         max(10, s.cfg.RateLimitRPM/6),
			CleanupInterval:   time.Minute,
		})
		s.allower = s.rateLimiter
	}
	s.router.Use(ratelimit.Middleware(s.allower))
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

	orderHandler := order.NewHandler(s.orderService, s.cfg.FrontendURL).
		WithMockPayments(s.cfg.MockPayments && !s.cfg.IsProduction())

	v1 := s.router.Group("/v1")

	// Gateway callbacks authenticate by signature, not by bearer token
	orderHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(identity.RequireAuth())
	protected.Use(validation.IDParamMiddleware("id"))
	orderHandler.RegisterProtectedRoutes(protected)
	protected.GET("/ws", s.realtimeHub.Handle)

	admin := v1.Group("/admin")
	admin.Use(identity.RequireOperator())
	admin.Use(validation.IDParamMiddleware("id"))
	orderHandler.RegisterAdminRoutes(admin)
	escrow.NewHandler(s.escrowLedger, s.escrowTimer).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
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
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
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
	s.health.Handler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

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

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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
	defer signal.Stop(sigChan)

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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.reconcileTimer.Stop()
	s.logger.Info("timers stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace exporter shutdown error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
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
