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

	"github.com/JojoDuke/papermind-ai/internal/assistant"
	"github.com/JojoDuke/papermind-ai/internal/auth"
	"github.com/JojoDuke/papermind-ai/internal/billing"
	"github.com/JojoDuke/papermind-ai/internal/cache"
	"github.com/JojoDuke/papermind-ai/internal/circuitbreaker"
	"github.com/JojoDuke/papermind-ai/internal/config"
	"github.com/JojoDuke/papermind-ai/internal/health"
	"github.com/JojoDuke/papermind-ai/internal/idgen"
	"github.com/JojoDuke/papermind-ai/internal/ledger"
	"github.com/JojoDuke/papermind-ai/internal/logging"
	"github.com/JojoDuke/papermind-ai/internal/metrics"
	"github.com/JojoDuke/papermind-ai/internal/ratelimit"
	"github.com/JojoDuke/papermind-ai/internal/realtime"
	"github.com/JojoDuke/papermind-ai/internal/security"
	"github.com/JojoDuke/papermind-ai/internal/traces"
	"github.com/JojoDuke/papermind-ai/internal/uploads"
	"github.com/JojoDuke/papermind-ai/migrations"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

// maxRequestBytes caps request bodies. Files go straight to the document
// store, so nothing legitimate here is large.
const maxRequestBytes = 1 << 20

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	db          *sql.DB       // nil if using in-memory
	redis       *cache.Redis  // nil without REDIS_URL
	store       ledger.Store
	ledger      *ledger.Ledger
	resetTimer  *ledger.Timer
	uploadGate  *uploads.Gate
	holdSweeper *uploads.Sweeper
	realtimeHub *realtime.Hub
	provider    auth.Provider
	gate        *auth.Gate
	breaker     *circuitbreaker.Breaker
	backend     assistant.Backend
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	handler     http.Handler
	httpSrv     *http.Server
	logger      *slog.Logger

	drainDelay      time.Duration
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// WithStore replaces the store chosen from configuration (for testing).
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithProvider replaces the identity provider (for testing).
func WithProvider(p auth.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithBackend replaces the query backend client (for testing).
func WithBackend(b assistant.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to notice
// the server is no longer ready.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	s.breaker = circuitbreaker.New(5, 30*time.Second)
	s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("circuit breaker transition", "upstream", key, "from", from.String(), "to", to.String())
	})
	s.health = health.NewRegistry(3 * time.Second)

	if err := s.setupStore(ctx); err != nil {
		s.closeStorage()
		return nil, err
	}

	s.realtimeHub = realtime.NewHub(s.logger, cfg.CORSOrigins)
	s.ledger = ledger.New(s.store,
		ledger.WithNotifier(s.realtimeHub),
		ledger.WithLogger(s.logger),
	)
	s.resetTimer = ledger.NewTimer(s.ledger, cfg.ResetInterval, s.logger)
	if s.redis != nil {
		s.resetTimer.WithLocker(s.redis)
	}
	s.setupUploads()

	if err := s.setupProvider(); err != nil {
		s.closeStorage()
		return nil, err
	}
	s.gate = auth.NewGate(s.provider, gateRoutes(), s.logger)

	if s.backend == nil {
		client, err := assistant.NewClient(cfg.AIBackendURL, cfg.AIBackendAPIKey, cfg.AIModel, cfg.AIBackendTimeout, s.breaker)
		if err != nil {
			s.closeStorage()
			return nil, err
		}
		s.backend = client
		aiHost := hostOf(cfg.AIBackendURL)
		s.health.RegisterOptional("ai_backend", func(ctx context.Context) health.Status {
			if st := s.breaker.State(aiHost); st == circuitbreaker.StateOpen {
				return health.Status{Healthy: false, Detail: "circuit open"}
			}
			return health.Status{Healthy: true}
		})
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	if err := s.setupRoutes(); err != nil {
		s.closeStorage()
		return nil, err
	}
	s.handler = security.CORS(cfg.CORSOrigins, cfg.LogLevel == "debug").Handler(s.router)

	s.healthy.Store(true)
	return s, nil
}

// setupUploads keeps upload holds next to the ledger. Without a storage
// callback secret nothing confirms a ticket, so the expiry sweep stays off
// and tickets keep their charge.
func (s *Server) setupUploads() {
	var holds uploads.HoldStore = uploads.NewMemoryHoldStore()
	if s.db != nil {
		holds = uploads.NewPostgresHoldStore(s.db)
	}
	s.uploadGate = uploads.NewGate(s.ledger, holds, s.logger).WithHoldTTL(s.cfg.UploadHoldTTL)

	if s.cfg.UploadsWebhookSecret == "" {
		s.logger.Warn("UPLOADS_WEBHOOK_SECRET not set, upload tickets will not be settled")
		return
	}
	interval := s.cfg.UploadHoldTTL / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	s.holdSweeper = uploads.NewSweeper(s.uploadGate, interval, s.logger)
}

// setupStore picks Postgres when DATABASE_URL is set and in-memory
// otherwise, then layers the Redis balance cache on top when configured.
func (s *Server) setupStore(ctx context.Context) error {
	if s.store == nil && s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(s.cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(s.cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.DBConnMaxLife)
		s.db = db

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if s.cfg.MigrateOnStartup {
			version, err := migrations.Up(ctx, db)
			if err != nil {
				return err
			}
			s.logger.Info("database migrated", "version", version)
		}

		pg := ledger.NewPostgresStore(db)
		s.store = pg
		s.health.Register("database", health.Ping(pg.Ping))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	}
	if s.store == nil {
		s.store = ledger.NewMemoryStore()
		s.logger.Warn("using in-memory storage; balances are lost on restart")
	}

	if s.cfg.RedisURL != "" {
		r, err := cache.Open(ctx, s.cfg.RedisURL, "papermind:")
		if err != nil {
			return err
		}
		s.redis = r
		s.store = ledger.NewCachedStore(s.store, r, s.cfg.BalanceCacheTTL, s.logger)
		s.health.RegisterOptional("redis", health.Ping(r.Ping))
		s.logger.Info("balance cache enabled", "ttl", s.cfg.BalanceCacheTTL)
	}
	return nil
}

func (s *Server) setupProvider() error {
	if s.provider != nil {
		return nil
	}
	if s.cfg.SupabaseURL == "" {
		s.logger.Warn("SUPABASE_URL not set; every protected request will be rejected")
		s.provider = unconfiguredProvider{}
		return nil
	}
	p, err := auth.NewSupabaseProvider(s.cfg.SupabaseURL, s.cfg.SupabaseAnonKey, s.breaker)
	if err != nil {
		return err
	}
	s.provider = p
	s.health.RegisterOptional("identity_provider", health.Ping(p.Healthy))
	return nil
}

// unconfiguredProvider has no way to check sessions, so the gate fails
// closed on every protected route.
type unconfiguredProvider struct{}

func (unconfiguredProvider) CurrentSession(context.Context, string) (*auth.Session, error) {
	return nil, fmt.Errorf("%w: identity provider not configured", auth.ErrProviderUnavailable)
}

// gateRoutes extends the application route table with the operational
// endpoints, which never need a session.
func gateRoutes() auth.Routes {
	routes := auth.DefaultRoutes()
	routes.Public = append(routes.Public, "/health", "/metrics", "/webhooks/")
	return routes
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

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)
		c.Next()
	})
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.gate))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(s.cfg.RateLimitRPM/6, 5),
		CleanupInterval:   time.Minute,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.WithPrefix("req_")
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() error {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	webhooks := s.router.Group("/", s.rateLimiter.Middleware(ratelimit.ByClientIP))
	billingHandler, err := billing.NewHandler(
		billing.NewProcessor(s.ledger, s.logger),
		s.cfg.StripeWebhookSecret,
		s.cfg.PaymentsWebhookSecret,
		s.logger,
	)
	if err != nil {
		return fmt.Errorf("billing webhooks: %w", err)
	}
	billingHandler.RegisterRoutes(webhooks)

	var storageVerifier uploads.Verifier
	if s.cfg.UploadsWebhookSecret != "" {
		v, err := billing.NewVerifier(s.cfg.UploadsWebhookSecret)
		if err != nil {
			return fmt.Errorf("uploads callback: %w", err)
		}
		storageVerifier = v
	}
	uploadsHandler := uploads.NewHandler(s.uploadGate, storageVerifier, s.logger)
	uploadsHandler.RegisterCallbacks(webhooks)

	v1 := s.router.Group("/v1",
		auth.RequireSession(),
		s.rateLimiter.Middleware(ratelimit.ByAccount),
	)
	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(v1)
	assistant.NewHandler(assistant.NewService(s.ledger, s.backend, s.logger), s.logger).RegisterRoutes(v1)
	uploadsHandler.RegisterRoutes(v1)
	s.realtimeHub.RegisterRoutes(v1)
	return nil
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Realtime  map[string]any  `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
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
	if ok, _ := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "dependencies_unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background loops, and blocks until a
// shutdown signal or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.AIBackendTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.resetTimer.Start(runCtx)
	if s.holdSweeper != nil {
		go s.holdSweeper.Start(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel background goroutines (hub, sweeps, stats) after in-flight
	// requests finished so their refunds and notifications still land.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.resetTimer.Stop()
	if s.holdSweeper != nil {
		s.holdSweeper.Stop()
	}
	s.rateLimiter.Stop()

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Warn("tracing shutdown error", "error", err)
	}
	s.closeStorage()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
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
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the full HTTP handler including CORS.
func (s *Server) Handler() http.Handler {
	return s.handler
}
