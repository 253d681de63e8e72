package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/upb/ai-control-plane/auth"
	"github.com/upb/ai-control-plane/config"
	"github.com/upb/ai-control-plane/handlers"
	"github.com/upb/ai-control-plane/internal/providers"
	"github.com/upb/ai-control-plane/internal/redact"
	"github.com/upb/ai-control-plane/internal/tenant"
	"github.com/upb/ai-control-plane/middleware"
	"github.com/upb/ai-control-plane/models"
	"github.com/upb/ai-control-plane/repositories"
	"github.com/upb/ai-control-plane/repositories/memory"
	"github.com/upb/ai-control-plane/repositories/postgres"
	"github.com/upb/ai-control-plane/services/audit"
	"github.com/upb/ai-control-plane/services/governance"
	"github.com/upb/ai-control-plane/services/idempotency"
	"github.com/upb/ai-control-plane/services/inference"
	"github.com/upb/ai-control-plane/services/killswitch"
	"github.com/upb/ai-control-plane/services/phase"
	"github.com/upb/ai-control-plane/services/policy"
	"github.com/upb/ai-control-plane/services/ratelimit"
	"github.com/upb/ai-control-plane/services/usage"
)

const (
	stopTimeout             = 10 * time.Second
	idempotencyCleanupEvery = time.Minute
	devProviderName         = "dev"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	DB     *postgres.DB          // nil with the memory backend
	Redis  redis.UniversalClient // nil when Redis is disabled

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos          *repositories.Repositories
	TxManager      repositories.TransactionManager
	AuditTxManager repositories.TransactionManager

	// Governance
	Gate         *phase.Gate
	Policies     *policy.Engine
	KillSwitches *killswitch.Service
	RateLimiter  *ratelimit.RateLimitService
	Usage        *usage.Tracker
	QuotaLimits  *usage.Limits
	Quota        *usage.QuotaHandler
	AuditSink    *audit.Sink
	Dispatcher   *tenant.Dispatcher
	Governance   *governance.Plane
	Idempotency  *idempotency.Guard

	// Assistant
	Providers *providers.Registry
	Inference *inference.Service

	// HTTP
	AuthMiddleware        *middleware.AuthMiddleware
	AccessMiddleware      *middleware.AccessMiddleware
	IdempotencyMiddleware *middleware.IdempotencyMiddleware
	InferenceHandler      *handlers.InferenceHandler
	UsageHandler          *handlers.UsageHandler
	KillSwitchHandler     *handlers.KillSwitchHandler
	PolicyHandler         *handlers.PolicyHandler
	AuditHandler          *handlers.AuditHandler
	HealthHandler         *handlers.HealthHandler

	idempotencyCache *idempotency.MemoryStore // set when records live in process
	started          bool
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initStorage(ctx, cfg); err != nil {
		deps.closeConnections()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.initRedis(ctx, cfg); err != nil {
		deps.closeConnections()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	if err := deps.initGovernance(ctx, cfg); err != nil {
		deps.closeConnections()
		return nil, fmt.Errorf("failed to initialize governance: %w", err)
	}

	if err := deps.initAssistant(cfg); err != nil {
		deps.closeConnections()
		return nil, fmt.Errorf("failed to initialize assistant: %w", err)
	}

	deps.initHTTP(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("storage_backend", cfg.Governance.StorageBackend),
		zap.Bool("redis_enabled", deps.Redis != nil),
		zap.String("phase", deps.Gate.Current().String()),
		zap.Bool("ai_enabled", deps.Gate.Enabled()))
	return deps, nil
}

// initStorage opens PostgreSQL or builds the in-memory repositories
func (d *Dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.Governance.StorageBackend == config.StorageMemory {
		d.Repos = memory.NewRepositories()
		d.TxManager = memory.NewTransactionManager()
		d.AuditTxManager = d.TxManager
		d.Logger.Warn("using in-memory storage; usage and audit data are lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Repos = factory.NewRepositories()
	d.TxManager = factory.GetTransactionManager()
	d.AuditTxManager = factory.GetAuditTransactionManager()

	d.Logger.Info("repositories initialized",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

// initRedis connects the shared store when enabled
func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) error {
	if !cfg.Redis.Enabled {
		d.Logger.Warn("redis disabled; kill switches, rate limits and idempotency records are per instance")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Redis = client
	d.Logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	return nil
}

// initGovernance builds the governance components bottom-up
func (d *Dependencies) initGovernance(ctx context.Context, cfg *config.Config) error {
	gov := cfg.Governance

	current, err := phase.ParsePhase(gov.Phase)
	if err != nil {
		return err
	}
	d.Gate = phase.NewGate(current, gov.Enabled)

	salt := []byte(gov.RedactionSalt)
	if len(salt) == 0 {
		salt = []byte(uuid.NewString())
		d.Logger.Warn("AI_REDACTION_SALT not set; using a per-process salt")
	}
	d.AuditSink = audit.NewSink(d.Repos.Audit, d.AuditTxManager, redact.New(salt, nil), d.Logger, audit.DefaultConfig())
	d.Dispatcher = tenant.NewDispatcher(d.Logger, tenant.DefaultDispatcherConfig())

	var (
		ksStore   killswitch.Store
		counter   ratelimit.Counter
		idemStore idempotency.Store
	)
	if d.Redis != nil {
		ksStore = killswitch.NewRedisStore(d.Redis)
		counter = ratelimit.NewRedisCounter(d.Redis, d.Logger)
		idemStore = idempotency.NewRedisStore(d.Redis)
	} else {
		ksStore = killswitch.NewMemoryStore()
		counter = ratelimit.NewMemoryCounter()
		d.idempotencyCache = idempotency.NewMemoryStore(gov.IdempotencyCacheSize)
		idemStore = d.idempotencyCache
	}

	d.KillSwitches = killswitch.NewService(ksStore, d.AuditSink, d.Logger, gov.KillSwitchRetryAfter)
	d.RateLimiter = ratelimit.NewRateLimitService(counter, ratelimit.Config{
		RequestsPerMinute: gov.RateLimitPerMinute,
		RequestsPerDay:    gov.RateLimitPerDay,
	}, d.Logger)
	d.Idempotency = idempotency.NewGuard(idemStore, gov.IdempotencyTTL, d.Logger)

	if err := d.initPolicies(ctx, gov.PolicyRulesFile); err != nil {
		return err
	}

	defaults, err := usage.ParseQuotaDefaults(gov.QuotaDefaults)
	if err != nil {
		return fmt.Errorf("invalid AI_QUOTA_DEFAULTS: %w", err)
	}
	d.Usage = usage.NewTracker(d.Repos.Usage, d.Logger)
	overrides, err := usage.ParseQuotaOverrides(gov.QuotaOverrides)
	if err != nil {
		return fmt.Errorf("invalid AI_QUOTA_OVERRIDES: %w", err)
	}
	d.QuotaLimits = usage.NewLimits(defaults)
	for _, o := range overrides {
		d.QuotaLimits.SetOverride(o.TenantID, o.UsageType, o.Limit)
	}
	d.Quota = usage.NewQuotaHandler(d.Usage, d.QuotaLimits, d.Logger)

	d.Governance = governance.NewPlane(d.KillSwitches, d.Gate, d.RateLimiter, d.Policies, d.Quota, d.AuditSink, d.Logger)
	return nil
}

// initPolicies loads the ruleset from a file when one is configured, else
// from the policy_rules table, else the built-in defaults
func (d *Dependencies) initPolicies(ctx context.Context, rulesFile string) error {
	var (
		defs   []*models.PolicyRule
		err    error
		source string
	)
	if rulesFile != "" {
		defs, err = policy.LoadRulesFile(rulesFile)
		source = rulesFile
	} else {
		defs, err = policy.LoadFromRepository(ctx, d.Repos.PolicyRules)
		source = "repository"
	}
	if err != nil {
		return fmt.Errorf("failed to load policy rules: %w", err)
	}

	d.Policies = policy.NewEngine(d.Logger)
	if err := d.Policies.Load(defs); err != nil {
		return fmt.Errorf("failed to register policy rules: %w", err)
	}
	d.Logger.Info("policy rules loaded",
		zap.String("source", source),
		zap.Int("rules", len(defs)),
		zap.String("policy_version", d.Policies.Version()))
	return nil
}

// initAssistant registers the assistant backends and the inference service
func (d *Dependencies) initAssistant(cfg *config.Config) error {
	d.Providers = providers.NewRegistry()
	if err := d.Providers.Register(providers.NewStaticProvider(devProviderName, "")); err != nil {
		return err
	}
	if cfg.IsProduction() {
		d.Logger.Warn("only the development provider is registered")
	}

	d.Inference = inference.NewService(
		d.Governance,
		d.Providers,
		d.Dispatcher,
		d.Quota,
		d.AuditSink,
		inference.Config{Timeout: cfg.Governance.InferenceTimeout},
		d.Logger,
	)
	return nil
}

// initHTTP builds middleware and handlers
func (d *Dependencies) initHTTP(cfg *config.Config) {
	validator := auth.NewJWTValidator(auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.JWTIssuer,
		Audience: cfg.Auth.JWTAudience,
		Leeway:   cfg.Auth.Leeway,
	})
	if cfg.Auth.JWTSecret == "" {
		d.Logger.Warn("JWT_SECRET not set; every authenticated route will answer 401")
	}

	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	d.AccessMiddleware = middleware.NewAccessMiddleware(d.Logger)
	d.IdempotencyMiddleware = middleware.NewIdempotencyMiddleware(d.Idempotency, middleware.DefaultMaxIdempotentBody, d.Logger)

	d.InferenceHandler = handlers.NewInferenceHandler(d.Inference, d.Logger)
	d.UsageHandler = handlers.NewUsageHandler(d.Usage, d.Quota, d.Logger)
	d.KillSwitchHandler = handlers.NewKillSwitchHandler(d.KillSwitches, d.Logger)
	d.PolicyHandler = handlers.NewPolicyHandler(d.Policies, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.AuditSink, d.Logger)
	d.HealthHandler = handlers.NewHealthHandler(d.readinessChecks(), d.Status, d.Logger)
}

func (d *Dependencies) readinessChecks() map[string]handlers.Checker {
	checks := map[string]handlers.Checker{
		"audit_sink": handlers.CheckFunc(func(context.Context) error {
			if !d.AuditSink.GetStats().Started {
				return errors.New("audit sink not running")
			}
			return nil
		}),
	}
	if d.DB != nil {
		checks["database"] = handlers.CheckFunc(d.DB.HealthCheck)
	}
	if d.Redis != nil {
		checks["redis"] = handlers.CheckFunc(func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		})
	}
	return checks
}

// StatusResponse is the body of GET /api/v1/status
type StatusResponse struct {
	Environment    string      `json:"environment"`
	Phase          string      `json:"phase"`
	AIEnabled      bool        `json:"ai_enabled"`
	PolicyVersion  string      `json:"policy_version"`
	Providers      []string    `json:"providers"`
	StorageBackend string      `json:"storage_backend"`
	RedisEnabled   bool        `json:"redis_enabled"`
	Audit          audit.Stats `json:"audit"`
}

// Status reports the runtime configuration of the control plane
func (d *Dependencies) Status(ctx context.Context) interface{} {
	return StatusResponse{
		Environment:    d.Config.Environment,
		Phase:          d.Gate.Current().String(),
		AIEnabled:      d.Gate.Enabled(),
		PolicyVersion:  d.Policies.Version(),
		Providers:      d.Providers.List(),
		StorageBackend: d.Config.Governance.StorageBackend,
		RedisEnabled:   d.Redis != nil,
		Audit:          d.AuditSink.GetStats(),
	}
}

// Start starts the audit sink and the tenant dispatcher
func (d *Dependencies) Start() error {
	if err := d.AuditSink.Start(); err != nil {
		return err
	}
	if err := d.Dispatcher.Start(); err != nil {
		_ = d.AuditSink.Stop(stopTimeout)
		return err
	}
	d.started = true
	return nil
}

// RunWorkers runs the retention and cleanup loops until ctx is done
func (d *Dependencies) RunWorkers(ctx context.Context) error {
	gov := d.Config.Governance
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.AuditSink.StartRetentionWorker(gctx, gov.RetentionInterval, gov.AuditRetention())
		return nil
	})
	g.Go(func() error {
		d.Usage.StartRetentionWorker(gctx, gov.RetentionInterval, gov.UsageRetention())
		return nil
	})
	if d.idempotencyCache != nil {
		g.Go(func() error {
			d.idempotencyCache.StartCleanupWorker(gctx, idempotencyCleanupEvery)
			return nil
		})
	}
	return g.Wait()
}

// Close gracefully shuts down all dependencies. Queued tasks and audit
// events are drained before connections close.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error
	if d.started {
		if err := d.Dispatcher.Stop(stopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop dispatcher: %w", err))
		}
		if err := d.AuditSink.Stop(stopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit sink: %w", err))
		}
		d.started = false
	}
	errs = append(errs, d.closeConnections()...)

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}
	return nil
}

func (d *Dependencies) closeConnections() []error {
	var errs []error
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}
	return errs
}
