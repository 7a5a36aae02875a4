// Package server wires the payment platform together: storage selection,
// service construction, HTTP routing, and lifecycle management.
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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/admin"
	"github.com/nestbid/nestbid/internal/auth"
	"github.com/nestbid/nestbid/internal/bids"
	"github.com/nestbid/nestbid/internal/circuitbreaker"
	"github.com/nestbid/nestbid/internal/config"
	"github.com/nestbid/nestbid/internal/dispute"
	"github.com/nestbid/nestbid/internal/events"
	"github.com/nestbid/nestbid/internal/health"
	"github.com/nestbid/nestbid/internal/inbound"
	"github.com/nestbid/nestbid/internal/ledger"
	"github.com/nestbid/nestbid/internal/logging"
	"github.com/nestbid/nestbid/internal/metrics"
	"github.com/nestbid/nestbid/internal/milestone"
	"github.com/nestbid/nestbid/internal/processor"
	"github.com/nestbid/nestbid/internal/ratelimit"
	"github.com/nestbid/nestbid/internal/realtime"
	"github.com/nestbid/nestbid/internal/reconciliation"
	"github.com/nestbid/nestbid/internal/security"
	"github.com/nestbid/nestbid/internal/traces"
	"github.com/nestbid/nestbid/internal/validation"
	"github.com/nestbid/nestbid/internal/webhooks"
)

// Server is the NestBid payments HTTP server.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	// Domain services.
	ledger     *ledger.Service
	bids       *bids.Service
	milestones *milestone.Engine
	disputes   *dispute.Service
	recon      *reconciliation.Service
	authMgr    *auth.Manager
	gateway    processor.Gateway

	// Stores the admin surface and inbound endpoints read directly.
	bidStore       bids.Store
	milestoneStore milestone.Store
	disputeStore   dispute.Store
	webhookStore   webhooks.Store
	inbound        *inbound.Handler

	// Event fan-out.
	hub        *realtime.Hub
	dispatcher *webhooks.Dispatcher
	kafka      *events.KafkaEmitter

	// Background workers.
	bidTimer   *bids.Timer
	reconTimer *reconciliation.Timer

	breaker     *circuitbreaker.Breaker
	rateLimiter *ratelimit.Limiter
	checks      *health.Registry

	db      *sql.DB
	redis   *redis.Client
	router  *gin.Engine
	httpSrv *http.Server

	tracesShutdown func(context.Context) error
	cancelRunCtx   context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithGateway overrides the payment gateway. Tests inject deterministic fakes
// through this instead of talking to Stripe.
func WithGateway(g processor.Gateway) Option {
	return func(s *Server) { s.gateway = g }
}

// New creates a server with all services wired. Storage is selected by
// DATABASE_URL: set it for PostgreSQL, leave it empty for in-memory stores.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			gw, err := processor.NewStripe(processor.StripeConfig{
				APIKey:        cfg.StripeSecretKey,
				WebhookSecret: cfg.StripeWebhookSecret,
			})
			if err != nil {
				return nil, fmt.Errorf("stripe gateway: %w", err)
			}
			s.gateway = gw
			s.logger.Info("payment gateway: stripe")
		} else {
			s.gateway = processor.NewFake()
			s.logger.Warn("payment gateway: deterministic fake (set STRIPE_SECRET_KEY for real charges)")
		}
	}

	var (
		ledgerStore ledger.Store
		auditLog    ledger.AuditLogger
		alertStore  ledger.AlertStore
		authStore   auth.Store
		dedup       inbound.ProcessedStore
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s.db = db
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))

		migCtx, cancelMig := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelMig()
		migrate := func(name string, m interface {
			Migrate(context.Context) error
		}) {
			if err := m.Migrate(migCtx); err != nil {
				s.logger.Warn("schema bootstrap failed, run cmd/migrate",
					"store", name, "error", err)
			}
		}

		lps := ledger.NewPostgresStore(db)
		migrate("ledger", lps)
		ledgerStore = lps

		pal := ledger.NewPostgresAuditLogger(db)
		migrate("audit", pal)
		auditLog = pal

		pas := ledger.NewPostgresAlertStore(db)
		migrate("alerts", pas)
		alertStore = pas

		bps := bids.NewPostgresStore(db)
		migrate("bids", bps)
		s.bidStore = bps

		mps := milestone.NewPostgresStore(db)
		migrate("milestones", mps)
		s.milestoneStore = mps

		dps := dispute.NewPostgresStore(db)
		migrate("disputes", dps)
		s.disputeStore = dps

		aps := auth.NewPostgresStore(db)
		migrate("auth", aps)
		authStore = aps

		wps := webhooks.NewPostgresStore(db)
		migrate("webhooks", wps)
		s.webhookStore = wps

		ppd := inbound.NewPostgresDedup(db)
		migrate("inbound", ppd)
		dedup = ppd
	} else {
		s.logger.Info("using in-memory storage (set DATABASE_URL for persistence)")
		ledgerStore = ledger.NewMemoryStore()
		auditLog = ledger.NewMemoryAuditLogger()
		alertStore = ledger.NewMemoryAlertStore()
		s.bidStore = bids.NewMemoryStore()
		s.milestoneStore = milestone.NewMemoryStore()
		s.disputeStore = dispute.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.webhookStore = webhooks.NewMemoryStore()
		dedup = inbound.NewMemoryDedup()
	}

	alerts := ledger.NewAlertChecker(alertStore)
	if cfg.OperatorAlertWebhook != "" {
		alerts.WithOperatorWebhook(cfg.OperatorAlertWebhook)
		s.logger.Info("operator alert webhook enabled")
	}
	s.ledger = ledger.New(ledgerStore).
		WithLogger(s.logger).
		WithAudit(auditLog).
		WithAlerts(alerts)
	if cfg.RedisAddr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.ledger = s.ledger.WithCache(ledger.NewBalanceCache(s.redis))
		s.logger.Info("balance cache enabled", "addr", cfg.RedisAddr)
	}

	s.hub = realtime.NewHub(s.logger)
	s.dispatcher = webhooks.NewDispatcher(s.webhookStore).WithLogger(s.logger)

	emitters := events.Multi{
		events.NewLogEmitter(s.logger),
		realtime.NewSink(s.hub),
		webhooks.NewSink(s.dispatcher),
	}
	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = events.NewKafkaEmitter(events.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), s.logger)
		emitters = append(emitters, s.kafka)
		s.logger.Info("kafka sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	s.breaker = circuitbreaker.New(5, 30*time.Second)

	s.bids = bids.NewService(s.bidStore, &platformLedgerAdapter{ledger: s.ledger}, s.gateway).
		WithFeePolicy(feePolicyFromConfig(cfg)).
		WithEmitter(emitters).
		WithBreaker(s.breaker).
		WithAcceptanceWindow(cfg.AcceptanceWindow).
		WithProcessorTimeout(cfg.ProcessorTimeout)
	if cfg.MaxActiveBidsPerCard > 0 {
		s.bids = s.bids.WithCapacityPolicy(bids.MaxActiveBids{N: cfg.MaxActiveBidsPerCard})
	}

	s.milestones = milestone.NewEngine(s.milestoneStore, &escrowLedgerAdapter{ledger: s.ledger}).
		WithEmitter(emitters)
	s.disputes = dispute.NewService(s.disputeStore, s.milestones).WithEmitter(emitters)
	s.milestones = s.milestones.WithDisputeChecker(s.disputes)

	s.authMgr = auth.NewManager(authStore)
	if cfg.BootstrapAdminKey != "" {
		seedCtx, cancelSeed := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := s.authMgr.Seed(seedCtx, cfg.BootstrapAdminKey, "operator"); err != nil {
			s.logger.Warn("bootstrap admin key rejected", "error", err)
		}
		cancelSeed()
	}

	s.recon = reconciliation.NewService(s.ledger, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.recon, s.logger).WithInterval(cfg.ReconcileInterval)
	s.bidTimer = bids.NewTimer(s.bids, s.bidStore, s.logger).WithInterval(cfg.ExpirySweepInterval)

	s.inbound = inbound.NewHandler(s.milestones, s.bids, s.gateway, dedup)

	s.checks = health.NewRegistry()
	if s.db != nil {
		db := s.db
		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.checks.Register("storage", func(ctx context.Context) health.Status {
			return health.Status{Name: "storage", Healthy: true, Detail: "in-memory"}
		})
	}
	s.checks.Register("processor", func(ctx context.Context) health.Status {
		state := s.breaker.State(bids.BreakerKey)
		return health.Status{
			Name:    "processor",
			Healthy: state != circuitbreaker.StateOpen,
			Detail:  "circuit " + state.String(),
		}
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"panic", recovered,
			"path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPS * 60,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.infoHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	identity := auth.Middleware(s.authMgr, !s.cfg.RequireAuth)

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	bidHandler := bids.NewHandler(s.bids)
	milestoneHandler := milestone.NewHandler(s.milestones)
	disputeHandler := dispute.NewHandler(s.disputes)
	authHandler := auth.NewHandler(s.authMgr)

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware())

	// Public reads.
	ledgerHandler.RegisterRoutes(v1)
	bidHandler.RegisterRoutes(v1)
	milestoneHandler.RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)

	// Authenticated lifecycle operations.
	protected := v1.Group("")
	protected.Use(identity, auth.RequireAuth())
	bidHandler.RegisterProtectedRoutes(protected)
	milestoneHandler.RegisterProtectedRoutes(protected)
	disputeHandler.RegisterProtectedRoutes(protected)
	authHandler.RegisterProtectedRoutes(protected)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(protected)

	// Operator surface.
	adminGroup := v1.Group("")
	adminGroup.Use(identity, auth.RequireAdmin())
	ledgerHandler.RegisterAdminRoutes(adminGroup)
	disputeHandler.RegisterAdminRoutes(adminGroup)
	authHandler.RegisterAdminRoutes(adminGroup)
	reconciliation.NewHandler(s.recon).RegisterRoutes(adminGroup)
	admin.NewHandler().
		WithLedger(s.ledger).
		WithAcceptances(s.bidStore).
		WithMilestones(s.milestoneStore).
		WithDisputes(s.disputeStore).
		WithHub(s.hub).
		RegisterRoutes(adminGroup)
	bidHandler.RegisterAdminRoutes(adminGroup.Group("/admin"))

	// Processor webhooks verify their own signatures; project-service
	// callbacks ride the service key, which carries the admin role.
	s.inbound.RegisterWebhookRoutes(v1)
	serviceGroup := v1.Group("")
	serviceGroup.Use(identity, auth.RequireAdmin())
	s.inbound.RegisterEventRoutes(serviceGroup)
}

// Run starts the HTTP server and background workers, then blocks until the
// context is cancelled, a termination signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	if shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger); err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.tracesShutdown = shutdown
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
		s.logger.Info("server listening",
			"addr", s.httpSrv.Addr,
			"env", s.cfg.Environment)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.bidTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Grace period for the listener before reporting ready.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests and stops background workers.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down")
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err)
			firstErr = err
		}
	}

	s.bidTimer.Stop()
	s.reconTimer.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Warn("traces shutdown failed", "error", err)
		}
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Warn("kafka writer close failed", "error", err)
		}
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return firstErr
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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

		// Probes and scrapes would drown out the interesting lines.
		switch path {
		case "/health", "/health/live", "/health/ready", "/metrics":
			return
		}

		status := c.Writer.Status()
		log := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= 500:
			attrs = append(attrs, "client_ip", c.ClientIP())
			log.Error("request", attrs...)
		case status >= 400:
			log.Warn("request", attrs...)
		default:
			log.Info("request", attrs...)
		}
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// ---------------------------------------------------------------------------
// Root handlers
// ---------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":     "nestbid-payments",
		"environment": s.cfg.Environment,
		"api":         "/v1",
		"health":      "/health",
		"metrics":     "/metrics",
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.checks.CheckAll(c.Request.Context())
	status := "healthy"
	code := http.StatusOK
	if !s.healthy.Load() || !ok {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func feePolicyFromConfig(cfg *config.Config) bids.FeePolicy {
	if cfg.ConnectionFeePolicy == "percentage" {
		return bids.PercentageFee{
			Percent: cfg.ConnectionFeePercent,
			Min:     cfg.ConnectionFeeMin,
			Max:     cfg.ConnectionFeeMax,
		}
	}
	return bids.FlatFee{Amount: cfg.ConnectionFeeFlat}
}

// maskDSN hides credentials before a connection string reaches the logs.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "invalid-dsn"
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}

// ---------------------------------------------------------------------------
// Ledger adapters
// ---------------------------------------------------------------------------

// platformLedgerAdapter books captured connection fees into the platform's
// per-currency revenue accounts. Entries are keyed by the payment ID, so the
// bid service's record-twice crash recovery replays instead of double-booking.
type platformLedgerAdapter struct {
	ledger *ledger.Service
}

var _ bids.PlatformLedger = (*platformLedgerAdapter)(nil)

func (a *platformLedgerAdapter) RecordConnectionFee(ctx context.Context, paymentID string, amount decimal.Decimal, currency string) error {
	acct, err := a.ledger.EnsureAccount(ctx, ledger.PlatformOwnerID, ledger.OwnerPlatform, currency)
	if err != nil {
		return err
	}
	_, err = a.ledger.Deposit(ctx, acct.ID, amount,
		"connfee:"+paymentID,
		"connection fee for payment "+paymentID)
	return err
}

func (a *platformLedgerAdapter) ReverseConnectionFee(ctx context.Context, paymentID string, amount decimal.Decimal, currency string) error {
	// The fee is always recorded before a reversal, so the account exists.
	acct, err := a.ledger.OwnerAccount(ctx, ledger.PlatformOwnerID, currency)
	if err != nil {
		return err
	}
	_, err = a.ledger.Adjust(ctx, acct.ID, amount.Neg(),
		"connfee:"+paymentID+":reversal",
		"bid-service", "charge-compensation",
		"connection fee reversal for payment "+paymentID)
	return err
}

// escrowLedgerAdapter maps the milestone engine's owner-centric escrow calls
// onto ledger accounts. Holds and deposits create the (owner, currency)
// account on first use; releases and refunds require it to exist, because the
// funds they move were placed by an earlier hold.
type escrowLedgerAdapter struct {
	ledger *ledger.Service
}

var _ milestone.EscrowLedger = (*escrowLedgerAdapter)(nil)

func (a *escrowLedgerAdapter) Hold(ctx context.Context, ownerID, ownerType string, amount decimal.Decimal, currency, key, description string) (string, error) {
	acct, err := a.ledger.EnsureAccount(ctx, ownerID, ownerType, currency)
	if err != nil {
		return "", err
	}
	entry, err := a.ledger.Hold(ctx, acct.ID, amount, key, description)
	if err != nil {
		return "", mapEscrowErr(err)
	}
	return entry.ID, nil
}

func (a *escrowLedgerAdapter) Release(ctx context.Context, ownerID string, amount decimal.Decimal, currency, key, description string) (string, error) {
	acct, err := a.ledger.OwnerAccount(ctx, ownerID, currency)
	if err != nil {
		return "", err
	}
	entry, err := a.ledger.Release(ctx, acct.ID, amount, key, description)
	if err != nil {
		return "", mapEscrowErr(err)
	}
	return entry.ID, nil
}

func (a *escrowLedgerAdapter) Refund(ctx context.Context, ownerID string, amount decimal.Decimal, currency, key, description string) (string, error) {
	acct, err := a.ledger.OwnerAccount(ctx, ownerID, currency)
	if err != nil {
		return "", err
	}
	entry, err := a.ledger.Refund(ctx, acct.ID, amount, key, description)
	if err != nil {
		return "", mapEscrowErr(err)
	}
	return entry.ID, nil
}

func (a *escrowLedgerAdapter) Deposit(ctx context.Context, ownerID, ownerType string, amount decimal.Decimal, currency, key, description string) (string, error) {
	acct, err := a.ledger.EnsureAccount(ctx, ownerID, ownerType, currency)
	if err != nil {
		return "", err
	}
	entry, err := a.ledger.Deposit(ctx, acct.ID, amount, key, description)
	if err != nil {
		return "", mapEscrowErr(err)
	}
	return entry.ID, nil
}

// mapEscrowErr rewraps ledger sentinels the milestone engine matches on.
func mapEscrowErr(err error) error {
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		detail := strings.TrimPrefix(err.Error(), ledger.ErrInsufficientFunds.Error())
		detail = strings.TrimPrefix(detail, ": ")
		if detail == "" {
			return milestone.ErrInsufficientFunds
		}
		return fmt.Errorf("%w: %s", milestone.ErrInsufficientFunds, detail)
	}
	return err
}
