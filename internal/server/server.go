// Package server wires the escrowd HTTP API: storage, payment gateway,
// settlement service, notifications and the admin feed.
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

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/realtime"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/mbd888/escrowd/internal/token"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/internal/webhook"
	"github.com/mbd888/escrowd/migrations"
)

// Version is reported by /health. Overridden at build time by cmd/server.
var Version = "dev"

const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
	drainDelay       = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	store       ledger.Store
	db          *sql.DB       // nil if using in-memory
	redis       *redis.Client // nil unless REDIS_URL is set
	gateway     webhook.Gateway
	breaker     *circuitbreaker.Breaker
	mailer      notify.Mailer
	service     *settlement.Service
	dispatcher  *notify.Dispatcher
	worker      *notify.Worker
	hub         *realtime.Hub
	rateLimiter *ratelimit.Limiter
	validator   *auth.Validator
	health      *health.Registry
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	drainDelay   time.Duration
	stopTracing  func(context.Context) error
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	ready        atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore replaces the configured ledger store (for testing).
func WithStore(store ledger.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithGateway replaces the configured payment gateway (for testing).
func WithGateway(g webhook.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// WithMailer replaces the configured mailer (for testing).
func WithMailer(m notify.Mailer) Option {
	return func(s *Server) {
		s.mailer = m
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: drainDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.stopTracing = stopTracing

	if err := s.initStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.initRedis(ctx); err != nil {
		return nil, err
	}
	if err := s.initGateway(); err != nil {
		return nil, err
	}

	s.hub = realtime.NewHub(s.logger)
	s.service = settlement.NewService(s.store, token.NewIssuer(cfg.ConfirmTokenTTL), cfg.PlatformFeeRate).
		WithSink(s.hub)

	if err := s.initNotifications(); err != nil {
		return nil, err
	}
	s.service.WithSink(s.dispatcher)

	s.validator = auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer)

	if cfg.IsDevelopment() && s.db == nil {
		s.seedDevUsers(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	if err := s.setupRoutes(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Server) initStorage(ctx context.Context) error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = ledger.NewMemoryStore()
		s.logger.Warn("using in-memory storage (data is lost on restart)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	s.db = db
	s.store = ledger.NewPostgresStore(db)
	s.health.Register("postgres", health.DBChecker(db))
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

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
	s.health.Register("redis", health.RedisChecker(client))
	s.logger.Info("redis connected", "addr", opts.Addr)
	return nil
}

func (s *Server) initGateway() error {
	gw := s.gateway
	if gw == nil {
		httpClient := &http.Client{Timeout: s.cfg.GatewayTimeout}
		switch s.cfg.GatewayProvider {
		case "stripe":
			baseURL := s.cfg.GatewayBaseURL
			if baseURL == config.DefaultGatewayBaseURL {
				baseURL = "" // Stripe's own API
			}
			gw = webhook.NewStripeGateway(baseURL, s.cfg.GatewaySecretKey, httpClient)
		default:
			if s.cfg.IsProduction() {
				if err := security.ValidateGatewayURL(s.cfg.GatewayBaseURL); err != nil {
					return fmt.Errorf("GATEWAY_BASE_URL rejected: %w", err)
				}
			}
			gw = webhook.NewPaystackGateway(s.cfg.GatewayBaseURL, s.cfg.GatewaySecretKey, httpClient)
		}
	}

	s.breaker = circuitbreaker.New(breakerThreshold, breakerOpenFor)
	s.gateway = webhook.NewGuardedGateway(gw, s.breaker, s.cfg.GatewayTimeout)
	name := gw.Name()
	s.health.Register("gateway", health.BreakerChecker(func() string {
		return s.breaker.State(name).String()
	}))
	s.logger.Info("payment gateway configured", "provider", name)
	return nil
}

func (s *Server) initNotifications() error {
	renderer, err := notify.NewRenderer(s.cfg.BaseURL, s.cfg.Currency)
	if err != nil {
		return fmt.Errorf("failed to load email templates: %w", err)
	}

	if s.mailer == nil {
		if s.cfg.SMTPHost != "" {
			s.mailer = notify.NewSMTPMailer(s.cfg.SMTPHost, s.cfg.SMTPPort, s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.MailFrom)
			s.logger.Info("smtp mailer configured", "host", s.cfg.SMTPHost, "port", s.cfg.SMTPPort)
		} else {
			s.mailer = notify.NewLogMailer(s.logger)
			s.logger.Warn("SMTP_HOST not set, emails are logged instead of sent")
		}
	}

	var queue notify.Queue
	switch {
	case s.redis != nil:
		queue = notify.NewRedisQueue(s.redis)
		s.logger.Info("email fallback queue: redis")
	case s.db != nil:
		queue = notify.NewPostgresQueue(s.db)
		s.logger.Info("email fallback queue: postgres")
	default:
		queue = notify.NewMemoryQueue()
		s.logger.Info("email fallback queue: memory")
	}

	if s.cfg.AdminEmail == "" {
		s.logger.Warn("ADMIN_EMAIL not set, problem reports will not reach an administrator")
	}
	s.dispatcher = notify.NewDispatcher(s.mailer, queue, renderer, s.cfg.AdminEmail)
	s.worker = notify.NewWorker(queue, s.mailer, s.cfg.NotifyMaxAttempts, s.logger)
	return nil
}

// seedDevUsers creates a buyer, a seller and an admin in the in-memory
// store and logs bearer tokens for them so the API can be driven locally.
func (s *Server) seedDevUsers(ctx context.Context) {
	users := []*ledger.User{
		{ID: "dev-buyer", Name: "Dev Buyer", Email: "buyer@escrowd.local", Role: ledger.RoleBuyer},
		{ID: "dev-seller", Name: "Dev Seller", Email: "seller@escrowd.local", Role: ledger.RoleSeller},
		{ID: "dev-admin", Name: "Dev Admin", Email: "admin@escrowd.local", Role: ledger.RoleAdmin},
	}
	for _, u := range users {
		if err := s.store.CreateUser(ctx, u); err != nil {
			s.logger.Warn("failed to seed dev user", "user_id", u.ID, "error", err)
			continue
		}
		tok, err := s.validator.Issue(auth.Identity{UserID: u.ID, Role: u.Role, Email: u.Email, Name: u.Name}, 24*time.Hour)
		if err != nil {
			s.logger.Warn("failed to issue dev token", "user_id", u.ID, "error", err)
			continue
		}
		s.logger.Info("dev user seeded", "user_id", u.ID, "role", u.Role, "bearer", tok)
	}
}

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
	s.router.Use(s.requestIDMiddleware())

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

	s.router.Use(s.loggingMiddleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(metrics.Middleware())
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(auth.Middleware(s.validator))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
		rl.BurstSize = 2 * s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

func (s *Server) setupRoutes() error {
	health.NewHandler(s.health, Version).RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	schema, err := webhook.NewSchema()
	if err != nil {
		return fmt.Errorf("failed to compile webhook schema: %w", err)
	}
	guard := webhook.NewGuard(s.gateway, s.store, s.service)
	webhook.NewHandler(guard, schema, s.cfg.GatewayWebhookSecret).RegisterRoutes(s.router)
	if s.cfg.GatewayWebhookSecret == "" {
		s.logger.Warn("GATEWAY_WEBHOOK_SECRET not set, webhook signatures are not checked")
	}

	settlementHandler := settlement.NewHandler(s.service)
	settlementHandler.RegisterRoutes(s.router)

	admin := s.router.Group("", auth.RequireRole(ledger.RoleAdmin))
	settlementHandler.RegisterAdminRoutes(admin)
	s.hub.RegisterRoutes(admin)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
	})
	return nil
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and blocks until a signal, ctx cancellation
// or a listener error, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"gateway", s.gateway.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.worker.Start(runCtx)
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

// Shutdown stops accepting requests, lets in-flight settlement requests
// and email sends finish, then releases storage.
func (s *Server) Shutdown() error {
	if !s.ready.Swap(false) {
		return nil
	}
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel background goroutines (feed hub, email worker, stats collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.worker.Stop()
	s.dispatcher.Flush()
	s.logger.Info("notifications drained")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.stopTracing(ctx); err != nil {
		s.logger.Warn("tracer shutdown error", "error", err)
	}

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

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Service returns the settlement service for testing.
func (s *Server) Service() *settlement.Service {
	return s.service
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
