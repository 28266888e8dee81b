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

	"github.com/mbd888/voltrust/internal/anchor"
	"github.com/mbd888/voltrust/internal/archive"
	"github.com/mbd888/voltrust/internal/attendance"
	"github.com/mbd888/voltrust/internal/auth"
	"github.com/mbd888/voltrust/internal/certificates"
	"github.com/mbd888/voltrust/internal/circuitbreaker"
	"github.com/mbd888/voltrust/internal/config"
	"github.com/mbd888/voltrust/internal/disputes"
	"github.com/mbd888/voltrust/internal/events"
	"github.com/mbd888/voltrust/internal/geofence"
	"github.com/mbd888/voltrust/internal/health"
	"github.com/mbd888/voltrust/internal/hours"
	"github.com/mbd888/voltrust/internal/logging"
	"github.com/mbd888/voltrust/internal/metrics"
	"github.com/mbd888/voltrust/internal/orgs"
	"github.com/mbd888/voltrust/internal/ratelimit"
	"github.com/mbd888/voltrust/internal/risk"
	"github.com/mbd888/voltrust/internal/security"
	"github.com/mbd888/voltrust/internal/syncutil"
	"github.com/mbd888/voltrust/internal/traces"
	"github.com/mbd888/voltrust/internal/validation"
	"github.com/mbd888/voltrust/migrations"
)

// Version is stamped at build time with -ldflags "-X ...server.Version=...".
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	orgsHandler       *orgs.Handler
	eventsHandler     *events.Handler
	attendanceHandler *attendance.Handler
	hoursHandler      *hours.Handler
	disputesHandler   *disputes.Handler
	certHandler       *certificates.Handler
	certService       *certificates.Service

	anchorer      certificates.Anchorer
	archiver      certificates.Archiver
	anchorWorker  *anchor.RetryWorker
	redisSeq      *certificates.RedisSequencer
	health        *health.Registry
	rateLimiter   *ratelimit.Limiter
	traceShutdown func(context.Context) error

	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	closeAnchorer func()

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

// WithAnchorer replaces the chain anchorer built from config (for testing)
func WithAnchorer(a certificates.Anchorer) Option {
	return func(s *Server) {
		s.anchorer = a
	}
}

// WithArchiver replaces the S3 archiver built from config (for testing)
func WithArchiver(a certificates.Archiver) Option {
	return func(s *Server) {
		s.archiver = a
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// stores groups the persistence backends for every component.
type stores struct {
	orgs       orgs.Store
	events     events.Store
	hours      hours.Store
	disputes   disputes.Store
	attendance attendance.Store
	risk       risk.Store
	certs      certificates.Store
	seq        certificates.Sequencer
}

func memoryStores() stores {
	return stores{
		orgs:       orgs.NewMemoryStore(),
		events:     events.NewMemoryStore(),
		hours:      hours.NewMemoryStore(),
		disputes:   disputes.NewMemoryStore(),
		attendance: attendance.NewMemoryStore(),
		risk:       risk.NewMemoryStore(),
		certs:      certificates.NewMemoryStore(),
		seq:        certificates.NewMemorySequencer(),
	}
}

func postgresStores(db *sql.DB) stores {
	return stores{
		orgs:       orgs.NewPostgresStore(db),
		events:     events.NewPostgresStore(db),
		hours:      hours.NewPostgresStore(db),
		disputes:   disputes.NewPostgresStore(db),
		attendance: attendance.NewPostgresStore(db),
		risk:       risk.NewPostgresStore(db),
		certs:      certificates.NewPostgresStore(db),
		seq:        certificates.NewPostgresSequencer(db),
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

	// Apply options first (may set logger/anchorer/archiver)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	traceShutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     Version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = traceShutdown

	signer, err := certificates.NewSigner(cfg.SigningAlgorithm, cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var st stores
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		applied, err := migrations.Up(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		st = postgresStores(db)
		s.health.Register("postgres", health.PingChecker("postgres", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL), "migrations_applied", applied)
	} else {
		st = memoryStores()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	// Serial sequencer: Redis when configured, otherwise the storage default
	if cfg.RedisURL != "" {
		rs, err := certificates.NewRedisSequencerFromURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure redis sequencer: %w", err)
		}
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redisSeq = rs
		st.seq = rs
		s.health.Register("redis", health.PingChecker("redis", health.PingFunc(rs.Ping)))
		s.logger.Info("using Redis serial sequencer")
	}

	policy := cfg.Policy()
	riskEngine := risk.NewEngine(st.risk)
	locks := syncutil.NewKeyLock()

	orgsService := orgs.NewService(st.orgs, policy.ComplianceThreshold)
	eventsService := events.NewService(st.events, orgsService, policy.ComplianceThreshold)
	hoursService := hours.NewService(st.hours, st.disputes).
		WithLocks(locks).
		WithStats(orgsService)
	recorder := attendance.NewRecorder(st.attendance, eventsService, orgsService, hoursService, riskEngine,
		geofence.NewValidator(policy.GeofenceDefaultRadiusM, policy.GeofenceMaxSpeedKmh), locks)

	s.certService = certificates.NewService(st.certs, st.seq, signer, hoursService, eventsService,
		orgsService, riskEngine, certificates.Config{
			SerialPrefix:  policy.SerialPrefix,
			VerifyTimeout: policy.VerifyTimeout,
			VerifyDomain:  policy.VerifyDomain,
		}).
		WithBreaker(circuitbreaker.New(5, 30*time.Second))
	s.logger.Info("certificate signer ready", "algorithm", signer.Algorithm(), "key_id", signer.KeyID())

	// On-chain anchoring (optional)
	if s.anchorer == nil && cfg.AnchorRPCURL != "" {
		a, err := anchor.New(anchor.Config{
			RPCURL:     cfg.AnchorRPCURL,
			PrivateKey: cfg.AnchorPrivateKey,
			ChainID:    cfg.AnchorChainID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create anchorer: %w", err)
		}
		s.anchorer = a
		s.closeAnchorer = a.Close
		s.logger.Info("certificate anchoring enabled", "address", a.Address(), "chain_id", cfg.AnchorChainID)
	}
	if s.anchorer != nil {
		s.certService.WithAnchorer(s.anchorer)
		s.anchorWorker = anchor.NewRetryWorker(s.certService, anchor.WorkerConfig{Schedule: cfg.AnchorSchedule}, s.logger)
	} else {
		s.logger.Info("certificate anchoring disabled (no ANCHOR_RPC_URL set)")
	}

	// Document archive (optional)
	if s.archiver == nil && cfg.ArchiveBucket != "" {
		a, err := archive.New(ctx, archive.Config{
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create archiver: %w", err)
		}
		s.archiver = a
		s.logger.Info("certificate archive enabled", "bucket", cfg.ArchiveBucket)
	}
	if s.archiver != nil {
		s.certService.WithArchiver(s.archiver)
	}

	resolver := disputes.NewResolver(st.disputes, hoursService.DisputeActions(),
		s.certService.EventDisputeActions(eventsService))

	s.orgsHandler = orgs.NewHandler(orgsService)
	s.eventsHandler = events.NewHandler(eventsService)
	s.attendanceHandler = attendance.NewHandler(recorder)
	s.hoursHandler = hours.NewHandler(hoursService)
	s.disputesHandler = disputes.NewHandler(resolver)
	s.certHandler = certificates.NewHandler(s.certService)

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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Middleware())

	rps := s.cfg.RateLimitRPS
	if rps <= 0 {
		rps = config.DefaultRateLimit
	}
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(rps),
		BurstSize:         rps * 2,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
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
			logger.Debug("request completed",
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

	// Public certificate verification (the QR code target)
	public := s.router.Group("", validation.SerialParamMiddleware())
	s.certHandler.RegisterPublicRoutes(public)

	v1 := s.router.Group("/v1", validation.IDParamMiddleware())
	s.orgsHandler.RegisterRoutes(v1)
	s.eventsHandler.RegisterRoutes(v1)

	protected := v1.Group("", auth.RequireActor())
	s.orgsHandler.RegisterProtectedRoutes(protected)
	s.eventsHandler.RegisterProtectedRoutes(protected)
	s.attendanceHandler.RegisterProtectedRoutes(protected)
	s.hoursHandler.RegisterProtectedRoutes(protected)
	s.disputesHandler.RegisterProtectedRoutes(protected)
	s.certHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret), validation.SerialParamMiddleware())
	s.orgsHandler.RegisterAdminRoutes(admin)
	s.eventsHandler.RegisterAdminRoutes(admin)
	s.hoursHandler.RegisterAdminRoutes(admin)
	s.disputesHandler.RegisterAdminRoutes(admin)
	s.certHandler.RegisterAdminRoutes(admin)
	admin.POST("/anchors/retry", s.retryAnchorsHandler)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Storage   string          `json:"storage"`
	Anchoring bool            `json:"anchoring"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	storage := "memory"
	if s.db != nil {
		storage = "postgres"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Storage:   storage,
		Anchoring: s.anchorer != nil,
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

// retryAnchorsHandler handles POST /v1/admin/anchors/retry
func (s *Server) retryAnchorsHandler(c *gin.Context) {
	if s.anchorer == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "anchoring_disabled",
			"message": "No anchorer is configured.",
		})
		return
	}
	anchored, err := s.certService.AnchorPending(c.Request.Context(), 100)
	if err != nil {
		logging.L(c.Request.Context()).Error("manual anchor retry failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Anchor retry failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"anchored": anchored})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.anchorWorker != nil {
		if err := s.anchorWorker.Start(runCtx); err != nil {
			s.logger.Error("failed to start anchor retry worker", "error", err)
		}
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.anchorWorker != nil {
		s.anchorWorker.Stop()
		s.logger.Info("anchor retry worker stopped")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.closeAnchorer != nil {
		s.closeAnchorer()
	}

	if s.redisSeq != nil {
		if err := s.redisSeq.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
