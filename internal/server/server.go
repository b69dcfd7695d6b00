// Package server wires the pool ledger, risk scorer and claim settlement
// behind one gin HTTP server.
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/agentcover/internal/arbitration"
	"github.com/mbd888/agentcover/internal/auth"
	"github.com/mbd888/agentcover/internal/chain"
	"github.com/mbd888/agentcover/internal/circuitbreaker"
	"github.com/mbd888/agentcover/internal/config"
	"github.com/mbd888/agentcover/internal/events"
	"github.com/mbd888/agentcover/internal/evidence"
	"github.com/mbd888/agentcover/internal/health"
	"github.com/mbd888/agentcover/internal/logging"
	"github.com/mbd888/agentcover/internal/metrics"
	"github.com/mbd888/agentcover/internal/pools"
	"github.com/mbd888/agentcover/internal/ratelimit"
	"github.com/mbd888/agentcover/internal/realtime"
	"github.com/mbd888/agentcover/internal/reconciliation"
	"github.com/mbd888/agentcover/internal/retry"
	"github.com/mbd888/agentcover/internal/riskscore"
	"github.com/mbd888/agentcover/internal/settlement"
	"github.com/mbd888/agentcover/internal/traces"
	"github.com/mbd888/agentcover/migrations"
)

// Version is reported by /health and /v1/info.
const Version = "0.1.0"

// devCustody holds pooled funds on the in-memory chain when no custody key
// is configured.
var devCustody = common.HexToAddress("0x00000000000000000000000000000000c0ffee00")

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg      *config.Config
	db       *sql.DB       // nil if using in-memory storage
	chain    *chain.Client // nil when running on the in-memory chain
	memChain *chain.Memory // nil when a real RPC is configured
	authMgr  *auth.Manager
	pools    *pools.Service
	scorer   *riskscore.Scorer
	claims   *settlement.Service // nil when no oracle is configured
	worker   *settlement.Worker
	resolver arbitration.Resolver
	hub      *realtime.Hub
	kafka    *events.KafkaPublisher
	health   *health.Registry

	apiLimiter   *ratelimit.Limiter
	claimLimiter *ratelimit.Limiter
	reconciler   *reconciliation.Timer

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMemoryChain runs against m instead of an RPC endpoint.
func WithMemoryChain(m *chain.Memory) Option {
	return func(s *Server) { s.memChain = m }
}

// WithResolver replaces the HTTP oracle adapter.
func WithResolver(r arbitration.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) { s.drainDelay = d }
}

// collaborators are the on-chain contracts the ledger and scorer read.
type collaborators struct {
	identity   pools.IdentityRegistry
	token      pools.SettlementToken
	reputation riskscore.ReputationSource
	stakes     riskscore.StakeSource
	balances   reconciliation.BalanceSource
	custody    common.Address
}

// New creates a server instance.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, traces.Options{Endpoint: cfg.OTLPEndpoint, Version: Version, Environment: cfg.Env}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	var (
		poolStore  pools.Store
		riskStore  riskscore.AssessmentStore
		claimStore settlement.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		if err := migrations.Up(ctx, db); err != nil {
			s.logger.Warn("failed to apply migrations", "error", err)
		}

		s.db = db
		poolStore = pools.NewPostgresStore(db)
		riskStore = riskscore.NewPostgresStore(db)
		claimStore = settlement.NewPostgresStore(db)
		s.health.Register("database", health.Ping("database", db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		poolStore = pools.NewMemoryStore()
		riskStore = riskscore.NewMemoryStore()
		claimStore = settlement.NewMemoryStore()
		s.logger.Warn("DATABASE_URL not set, using in-memory storage (data is lost on restart)")
	}

	collab, err := s.initChain()
	if err != nil {
		return nil, err
	}

	if err := s.initAuth(); err != nil {
		return nil, err
	}

	s.hub = realtime.NewHub(s.logger)
	sinks := events.Fanout{events.NewLogPublisher(s.logger), s.hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		s.kafka = kp
		sinks = append(sinks, kp)
		s.logger.Info("publishing events to kafka", "topic", cfg.KafkaTopic, "brokers", len(cfg.KafkaBrokers))
	}

	admins := make([]common.Address, 0, len(cfg.AdminAddresses))
	for _, a := range cfg.AdminAddresses {
		admins = append(admins, common.HexToAddress(a))
	}
	s.pools = pools.NewService(poolStore, collab.identity, collab.token, collab.custody, admins, s.logger).
		WithEvents(sinks)
	s.scorer = riskscore.NewScorer(collab.reputation, collab.stakes, riskStore, s.logger)

	s.reconciler = reconciliation.NewTimer(
		reconciliation.NewService(s.pools, collab.balances, collab.custody), cfg.ReconcileInterval, s.logger)
	s.health.Register("ledger", func(context.Context) health.Status {
		r := s.reconciler.Last()
		if r == nil {
			return health.Status{Healthy: true, Detail: "not yet checked"}
		}
		if !r.Healthy() {
			return health.Status{Detail: "pool totals or custody balance out of line"}
		}
		return health.Status{Healthy: true}
	})

	if err := s.initSettlement(ctx, claimStore, sinks); err != nil {
		return nil, err
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// initChain binds the contracts over RPC, or falls back to the in-memory
// chain outside production.
func (s *Server) initChain() (collaborators, error) {
	if s.memChain == nil && s.cfg.ChainConfigured() {
		c, err := chain.New(chain.Config{
			RPCURL:             s.cfg.RPCURL,
			ChainID:            s.cfg.ChainID,
			PrivateKey:         s.cfg.CustodyPrivateKey,
			IdentityContract:   s.cfg.IdentityContract,
			ReputationContract: s.cfg.ReputationContract,
			VaultContract:      s.cfg.VaultContract,
			TokenContract:      s.cfg.TokenContract,
		}, chain.WithLogger(s.logger))
		if err != nil {
			return collaborators{}, fmt.Errorf("failed to connect to chain: %w", err)
		}
		s.chain = c
		s.health.Register("rpc", func(ctx context.Context) health.Status {
			if _, err := c.Token().BalanceOf(ctx, c.Address()); err != nil {
				return health.Status{Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
		s.logger.Info("bound on-chain collaborators", "network", s.cfg.Network, "custody", c.Address().Hex())
		return collaborators{
			identity:   c.Identity(),
			token:      c.Token(),
			reputation: c.Reputation(),
			stakes:     c.Vault(),
			balances:   c.Token(),
			custody:    c.Address(),
		}, nil
	}

	if s.memChain == nil {
		if s.cfg.IsProduction() {
			return collaborators{}, errors.New("RPC_URL, CUSTODY_PRIVATE_KEY and all contract addresses are required in production")
		}
		custody, err := custodyAddress(s.cfg.CustodyPrivateKey)
		if err != nil {
			return collaborators{}, err
		}
		s.memChain = chain.NewMemory(custody)
		s.logger.Warn("chain not configured, using in-memory collaborators", "custody", custody.Hex())
	}
	m := s.memChain
	return collaborators{identity: m, token: m, reputation: m, stakes: m, balances: m, custody: m.Custody()}, nil
}

func custodyAddress(key string) (common.Address, error) {
	if key == "" {
		return devCustody, nil
	}
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(key, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", chain.ErrInvalidPrivateKey, err)
	}
	return crypto.PubkeyToAddress(pk.PublicKey), nil
}

func (s *Server) initAuth() error {
	secret := s.cfg.JWTSecret
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		secret = hex.EncodeToString(b)
		s.logger.Warn("JWT_SECRET not set, generated an ephemeral secret (tokens will not survive a restart)")
	}
	m, err := auth.NewManager(secret, 0)
	if err != nil {
		return err
	}
	s.authMgr = m
	return nil
}

// initSettlement builds the oracle adapter, evidence archive and worker.
// Without an oracle URL outside production, claim routes are not mounted.
func (s *Server) initSettlement(ctx context.Context, store settlement.Store, sink events.Publisher) error {
	breaker := circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration)
	if s.resolver == nil {
		if s.cfg.OracleURL() == "" {
			s.logger.Warn("no oracle URL configured, claim settlement disabled", "provider", s.cfg.OracleProvider)
			return nil
		}
		breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("oracle circuit changed state", "provider", key, "from", from.String(), "to", to.String())
		})
		r, err := arbitration.New(s.cfg.OracleProvider, arbitration.Config{
			BaseURL: s.cfg.OracleURL(),
			APIKey:  s.cfg.OracleAPIKey,
			ChainID: s.cfg.ChainID,
			Retry: retry.Policy{
				MaxAttempts: s.cfg.OracleRetryAttempts,
				Delay:       s.cfg.OracleRetryDelay,
				Backoff:     retry.ParseBackoff(s.cfg.OracleBackoff),
			},
			Breaker: breaker,
			Logger:  s.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s resolver: %w", s.cfg.OracleProvider, err)
		}
		s.resolver = r
	}

	var archive settlement.Archiver
	if s.cfg.EvidenceBucket != "" {
		a, err := evidence.NewS3Archiver(ctx, s.cfg.EvidenceBucket, s.cfg.EvidencePrefix)
		if err != nil {
			return fmt.Errorf("failed to create evidence archive: %w", err)
		}
		archive = a
		s.logger.Info("archiving claim evidence to s3", "bucket", s.cfg.EvidenceBucket)
	} else {
		archive = evidence.NewMemoryArchiver()
	}

	s.claims = settlement.NewService(store, s.resolver, settlement.NewLogVault(s.logger), s.logger).
		WithArchive(archive).
		WithEvents(sink).
		WithDisputeWindow(s.cfg.DisputeWindow)
	s.worker = settlement.NewWorker(s.claims, s.cfg.SettlementInterval, s.cfg.SettlementConcurrency, s.logger)

	provider := s.resolver.Provider()
	s.health.Register("oracle", func(context.Context) health.Status {
		st := breaker.State(provider)
		return health.Status{Healthy: st != circuitbreaker.StateOpen, Detail: provider + " circuit " + st.String()}
	})
	return nil
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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr), s.apiLimiter.Middleware())
	v1.GET("/info", s.infoHandler)

	poolHandler := pools.NewHandler(s.pools)
	poolHandler.RegisterRoutes(v1)
	riskscore.NewHandler(s.scorer).RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	poolHandler.RegisterProtectedRoutes(protected)

	if s.claims != nil {
		claimHandler := settlement.NewHandler(s.claims)
		claimHandler.RegisterRoutes(v1)
		claimMutations := protected.Group("")
		claimMutations.Use(s.claimLimiter.Middleware())
		claimHandler.RegisterProtectedRoutes(claimMutations)
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	storage, chainMode := "memory", "memory"
	if s.db != nil {
		storage = "postgres"
	}
	if s.chain != nil {
		chainMode = "rpc"
	}
	info := gin.H{
		"name":          "agentcover",
		"version":       Version,
		"network":       s.cfg.Network,
		"chainId":       s.cfg.ChainID,
		"storage":       storage,
		"chain":         chainMode,
		"claimsEnabled": s.claims != nil,
		"realtime":      s.hub.Stats(),
	}
	if s.claims != nil {
		info["oracleProvider"] = s.claims.Provider()
	}
	c.JSON(http.StatusOK, info)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP and the background loops until a signal arrives or ctx
// is cancelled.
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.reconciler.Start(runCtx)
	if s.worker != nil {
		go s.worker.Start(runCtx)
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

// Shutdown gracefully stops the server and releases its resources.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.worker != nil {
		s.worker.Stop()
	}
	s.reconciler.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic.
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.apiLimiter.Stop()
	s.claimLimiter.Stop()

	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}
	if s.chain != nil {
		if err := s.chain.Close(); err != nil {
			s.logger.Error("chain client close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Auth returns the token manager, used by tests and tooling to mint
// tokens against a running instance's secret.
func (s *Server) Auth() *auth.Manager {
	return s.authMgr
}
