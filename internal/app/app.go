package app

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/klarpost/server/internal/module/aisession"
	"github.com/klarpost/server/internal/module/auth"
	"github.com/klarpost/server/internal/module/billingsync"
	"github.com/klarpost/server/internal/module/entitlement"
	"github.com/klarpost/server/internal/module/inspector"
	"github.com/klarpost/server/internal/module/ledger"
	"github.com/klarpost/server/internal/module/override"
	"github.com/klarpost/server/internal/module/plan"
	"github.com/klarpost/server/internal/module/usage"
	"github.com/klarpost/server/internal/module/user"
	sharedcache "github.com/klarpost/server/internal/shared/cache"
	"github.com/klarpost/server/internal/shared/config"
	"github.com/klarpost/server/internal/shared/database"
	"github.com/klarpost/server/internal/shared/logger"
	"github.com/klarpost/server/internal/shared/metrics"
	"github.com/klarpost/server/internal/shared/middleware"
)

// App wires the entitlement engine together.
type App struct {
	config  *config.Config
	db      *gorm.DB
	redis   redis.UniversalClient
	router  *gin.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics

	authMiddleware *auth.Middleware
	rateLimiter    *auth.RateLimiter

	entitlementHandler *entitlement.Handler
	overrideHandler    *override.Handler
	ledgerHandler      *ledger.Handler
	sessionHandler     *aisession.Handler
	billingHandler     *billingsync.Handler
	inspectorHandler   *inspector.Handler
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	zapLog, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := &App{
		config:  cfg,
		logger:  zapLog,
		metrics: metrics.NewDefault(),
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	app.db = db

	if err := db.AutoMigrate(
		&user.User{},
		&override.PlanOverride{},
		&override.AuditEntry{},
		&billingsync.Subscription{},
		&ledger.Entry{},
		&ledger.Wallet{},
		&usage.Counter{},
		&aisession.Session{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	// Redis is optional: without it the entitlement cache and rate limiter
	// are disabled, everything else works.
	if cfg.Redis.Address != "" {
		redisClient, err := sharedcache.NewRedisClient(&cfg.Redis)
		if err != nil {
			zapLog.Warn("redis unavailable, caching and rate limiting disabled", zap.Error(err))
		} else {
			app.redis = redisClient
		}
	}

	if err := app.initModules(); err != nil {
		return nil, err
	}

	app.router = app.setupRouter()
	app.registerRoutes()
	return app, nil
}

// initModules builds every module and their cross-module wiring.
func (a *App) initModules() error {
	users := user.NewRepository(a.db)

	// Plan resolution: overrides take precedence over the billing mirror,
	// free is the fallback.
	overrideRepo := override.NewRepository(a.db)
	billingRepo := billingsync.NewRepository(a.db)
	resolver := plan.NewResolver(
		override.NewSource(overrideRepo),
		billingsync.NewSource(billingRepo),
		a.logger,
		a.metrics,
	)

	// Usage counters consume the resolver for quota checks; the ledger
	// mirrors spends into the counters.
	usageSvc := usage.NewService(usage.NewRepository(a.db), resolver, a.logger)
	ledgerSvc := ledger.NewService(ledger.NewRepository(a.db), users, usageSvc, a.logger, a.metrics)

	overrideSvc := override.NewService(overrideRepo, users, a.logger)

	stripeProvider := billingsync.NewStripeProvider(&a.config.Stripe)
	billingSvc := billingsync.NewService(stripeProvider, billingRepo, users, a.config.Stripe.PricePlans, a.logger, a.metrics)

	sessionRepo := aisession.NewRepository(a.db)
	sessionMgr := aisession.NewManager(sessionRepo, resolver, ledgerSvc, usageSvc, a.config.Entitlement.SessionWindow, a.logger, a.metrics)

	var snapshotCache entitlement.SnapshotCache
	if a.redis != nil {
		snapshotCache = entitlement.NewRedisCache(a.redis, a.config.Entitlement.CacheTTL)
	}
	entitlementSvc := entitlement.NewService(resolver, ledgerSvc, usageSvc, users, snapshotCache, a.logger)

	// State changes drop the cached snapshot so reads pick up the new plan
	// or balance without waiting out the freshness window.
	overrideSvc.SetSnapshotInvalidator(entitlementSvc)
	ledgerSvc.SetSnapshotInvalidator(entitlementSvc)
	billingSvc.SetSnapshotInvalidator(entitlementSvc)

	inspectorSvc := inspector.NewService(ledger.NewRepository(a.db), usage.NewRepository(a.db), resolver, users, a.logger)
	selftest := inspector.NewSelfTest(ledger.NewRepository(a.db), usage.NewRepository(a.db), sessionRepo, users, a.logger)

	jwtManager := auth.NewJWTManager(&a.config.Auth)
	a.authMiddleware = auth.NewMiddleware(jwtManager, users)
	if a.redis != nil {
		a.rateLimiter = auth.NewRateLimiter(a.redis)
	}

	a.entitlementHandler = entitlement.NewHandler(entitlementSvc)
	a.overrideHandler = override.NewHandler(overrideSvc)
	a.ledgerHandler = ledger.NewHandler(ledgerSvc)
	a.sessionHandler = aisession.NewHandler(sessionMgr)
	a.billingHandler = billingsync.NewHandler(billingSvc)
	a.inspectorHandler = inspector.NewHandler(inspectorSvc, selftest)
	return nil
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger))
	r.Use(middleware.Metrics(a.metrics))
	r.Use(middleware.CORS(a.config.Server.CORSOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// registerRoutes mounts every module behind authentication.
func (a *App) registerRoutes() {
	api := a.router.Group("/api/v1")
	api.Use(a.authMiddleware.RequireAuth())
	if a.rateLimiter != nil && a.config.Server.RateLimitRPM > 0 {
		api.Use(a.rateLimiter.Limit(a.config.Server.RateLimitRPM))
	}

	a.entitlementHandler.RegisterRoutes(api)
	a.ledgerHandler.RegisterRoutes(api)
	a.sessionHandler.RegisterRoutes(api)
	a.billingHandler.RegisterRoutes(api)
	a.inspectorHandler.RegisterRoutes(api)

	// Override mutation and the self-test are admin-only at the routing
	// layer as well as in the service.
	admin := api.Group("/admin")
	admin.Use(a.authMiddleware.RequireAdmin())
	a.overrideHandler.RegisterRoutes(admin)
	a.inspectorHandler.RegisterAdminRoutes(admin)
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Stop releases held resources.
func (a *App) Stop() {
	if a.redis != nil {
		if err := sharedcache.Close(a.redis); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if db, err := a.db.DB(); err == nil {
		if err := db.Close(); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
