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

	"github.com/agrimesh/escrowd/internal/admin"
	"github.com/agrimesh/escrowd/internal/arbiters"
	"github.com/agrimesh/escrowd/internal/config"
	"github.com/agrimesh/escrowd/internal/escrow"
	"github.com/agrimesh/escrowd/internal/health"
	"github.com/agrimesh/escrowd/internal/idgen"
	"github.com/agrimesh/escrowd/internal/logging"
	"github.com/agrimesh/escrowd/internal/metrics"
	"github.com/agrimesh/escrowd/internal/ratelimit"
	"github.com/agrimesh/escrowd/internal/realtime"
	"github.com/agrimesh/escrowd/internal/security"
	"github.com/agrimesh/escrowd/internal/traces"
	"github.com/agrimesh/escrowd/internal/treasury"
	"github.com/agrimesh/escrowd/internal/validation"
	"github.com/agrimesh/escrowd/internal/webhooks"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	treasury      *treasury.Treasury
	arbiters      *arbiters.Registry
	escrowService *escrow.Service
	webhookStore  webhooks.Store
	emitter       *webhooks.Emitter
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	checks        *health.Registry
	db            *sql.DB // nil if using in-memory stores
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	closeTraces   func(context.Context) error

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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.checks = health.NewRegistry()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore   interface {
			escrow.Store
			escrow.DisputeStore
		}
		treasuryStore treasury.Store
		arbiterStore  arbiters.Store
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

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		escrowStore = escrow.NewPostgresStore(db)
		treasuryStore = treasury.NewPostgresStore(db)
		arbiterStore = arbiters.NewPostgresStore(db)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		escrowStore = escrow.NewMemoryStore()
		treasuryStore = treasury.NewMemoryStore()
		arbiterStore = arbiters.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.treasury = treasury.New(treasuryStore)
	s.arbiters = arbiters.NewRegistry(arbiterStore)

	// Webhook delivery and realtime streaming
	s.emitter = webhooks.NewEmitter(webhooks.NewDispatcher(s.webhookStore), s.logger)
	s.realtimeHub = realtime.NewHub(s.logger)

	s.escrowService = escrow.NewService(
		escrowStore,
		escrowStore,
		s.treasury,
		s.arbiters,
		escrow.Settings{
			PanelSize:      cfg.PanelSize,
			MinConfirmDays: cfg.MinConfirmDays,
			MaxConfirmDays: cfg.MaxConfirmDays,
			ArbitrationFee: cfg.ArbitrationFee,
		},
	).WithLogger(s.logger).WithNotifier(&eventNotifier{emitter: s.emitter, hub: s.realtimeHub})
	s.logger.Info("escrow service enabled",
		"panelSize", cfg.PanelSize,
		"confirmWindowDays", fmt.Sprintf("%d-%d", cfg.MinConfirmDays, cfg.MaxConfirmDays),
		"arbitrationFee", cfg.ArbitrationFee,
	)

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
			requestID = idgen.Hex(8)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

// callerIdentityMiddleware requires a valid X-Caller-Address header and
// stores the normalized address for handlers. Party identity is established
// upstream (mTLS or gateway auth); this service trusts the forwarded header.
func (s *Server) callerIdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetHeader("X-Caller-Address")
		if !validation.IsValidAddress(caller) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_identity",
				"message": "A valid X-Caller-Address header is required",
			})
			return
		}
		c.Set(escrow.CallerAddressKey, validation.SanitizeAddress(caller))
		c.Next()
	}
}

// requireSelf restricts a route to the party named in the URL.
func requireSelf(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString(escrow.CallerAddressKey)
		if caller == "" || caller != validation.SanitizeAddress(c.Param(param)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You can only manage your own resources",
			})
			return
		}
		c.Next()
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :address URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.AddressParamMiddleware())

	escrowHandler := escrow.NewHandler(s.escrowService)
	treasuryHandler := treasury.NewHandler(s.treasury, s.logger)
	arbitersHandler := arbiters.NewHandler(s.arbiters, s.logger)
	webhookHandler := webhooks.NewHandler(s.webhookStore)

	// PUBLIC ROUTES (read-only)
	escrowHandler.RegisterRoutes(v1)
	treasuryHandler.RegisterRoutes(v1)
	arbitersHandler.RegisterRoutes(v1)
	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	// PROTECTED ROUTES (require caller identity)
	protected := v1.Group("")
	protected.Use(s.callerIdentityMiddleware())
	{
		escrowHandler.RegisterProtectedRoutes(protected)

		// Webhook management (must own the party address)
		webhookHandler.RegisterRoutes(protected, requireSelf("address"))
	}

	// ADMIN ROUTES (require X-Admin-Secret; open in demo mode)
	adminGroup := v1.Group("")
	adminGroup.Use(admin.RequireSecret(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	{
		admin.NewHandler(s.escrowService).RegisterRoutes(adminGroup)
		arbitersHandler.RegisterAdminRoutes(adminGroup)
		treasuryHandler.RegisterAdminRoutes(adminGroup)
		adminGroup.POST("/admin/escrows/:id/resolve", escrowHandler.Resolve)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

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
	settings := s.escrowService.Settings()
	c.JSON(http.StatusOK, gin.H{
		"name":        "escrowd",
		"description": "Escrow and dispute arbitration for marketplace trades",
		"version":     "0.1.0",
		"settings": gin.H{
			"panelSize":      settings.PanelSize,
			"minConfirmDays": settings.MinConfirmDays,
			"maxConfirmDays": settings.MaxConfirmDays,
			"arbitrationFee": settings.ArbitrationFee,
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when OTLP_ENDPOINT unset)
	closeTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.closeTraces = closeTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(2 * time.Second)

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

	// Flush traces
	if s.closeTraces != nil {
		if err := s.closeTraces(ctx); err != nil {
			s.logger.Error("trace exporter close error", "error", err)
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
// Event fan-out
// -----------------------------------------------------------------------------

// eventNotifier forwards escrow lifecycle events to webhook subscribers and
// connected WebSocket clients.
type eventNotifier struct {
	emitter *webhooks.Emitter
	hub     *realtime.Hub
}

func (n *eventNotifier) Notify(event string, payload any) {
	var (
		e *escrow.Escrow
		d *escrow.Dispute
	)
	switch p := payload.(type) {
	case *escrow.Escrow:
		e = p
	case *escrow.DisputeResult:
		e = p.Escrow
		d = p.Dispute
	default:
		return
	}

	data := map[string]interface{}{
		"escrowId": e.ID,
		"buyer":    e.Buyer,
		"seller":   e.Seller,
		"amount":   e.Amount,
		"status":   string(e.Status),
	}
	if d != nil {
		data["openedBy"] = d.OpenedBy
		if d.Resolved {
			data["winner"] = string(d.Winner)
		}
	}
	n.hub.BroadcastEscrowEvent(event, data)

	switch event {
	case escrow.EventEscrowCreated:
		n.emitter.EmitEscrowCreated(e.ID, e.Buyer, e.Seller, e.Amount, e.ConfirmDeadline)
	case escrow.EventEscrowConfirmed:
		n.emitter.EmitEscrowConfirmed(e.ID, e.Buyer, e.Seller, e.Resolution)
	case escrow.EventEscrowDisputed:
		openedBy := ""
		if d != nil {
			openedBy = d.OpenedBy
		}
		n.emitter.EmitEscrowDisputed(e.ID, e.Buyer, e.Seller, openedBy)
	case escrow.EventDisputeResolved:
		winner := ""
		if d != nil {
			winner = string(d.Winner)
		}
		n.emitter.EmitDisputeResolved(e.ID, e.Buyer, e.Seller, winner)
	case escrow.EventFundsReleased:
		n.emitter.EmitFundsReleased(e.ID, e.Buyer, e.Seller, e.Amount, string(e.Status))
	}
}
