package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/config"
	"github.com/ehr/rcm/internal/domain/account"
	"github.com/ehr/rcm/internal/domain/aging"
	"github.com/ehr/rcm/internal/domain/claim"
	"github.com/ehr/rcm/internal/domain/clearinghouse"
	"github.com/ehr/rcm/internal/domain/collection"
	"github.com/ehr/rcm/internal/domain/denial"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/blobstore"
	"github.com/ehr/rcm/internal/platform/db"
	"github.com/ehr/rcm/internal/platform/events"
	"github.com/ehr/rcm/internal/platform/jobs"
	"github.com/ehr/rcm/internal/platform/middleware"
	"github.com/ehr/rcm/internal/platform/notification"
	"github.com/ehr/rcm/internal/platform/telemetry"
)

const (
	jobClaimSync   = "claim-sync"
	jobERASync     = "era-sync"
	jobARAging     = "ar-aging"
	jobCollections = "collections"
)

var jobNames = []string{jobClaimSync, jobERASync, jobARAging, jobCollections}

// stores bundles the repositories of one persistence mode.
type stores struct {
	claims   claim.Repository
	remits   claim.RemittanceRepository
	denials  denial.Repository
	accounts account.Repository
	scores   aging.ScoreRepository
	tasks    collection.Repository
	tx       claim.TxRunner
}

func pgStores(pool *pgxpool.Pool) stores {
	return stores{
		claims:   claim.NewRepoPG(pool),
		remits:   claim.NewRemittanceRepoPG(pool),
		denials:  denial.NewRepoPG(pool),
		accounts: account.NewRepoPG(pool),
		scores:   aging.NewScoreRepoPG(pool),
		tasks:    collection.NewRepoPG(pool),
		tx:       db.NewTxManager(pool),
	}
}

func memoryStores() stores {
	return stores{
		claims:   claim.NewMemoryRepo(),
		remits:   claim.NewMemoryRemittanceRepo(),
		denials:  denial.NewMemoryRepo(),
		accounts: account.NewMemoryRepo(),
		scores:   aging.NewMemoryScoreRepo(),
		tasks:    collection.NewMemoryRepo(),
		tx:       db.NoTx{},
	}
}

// deps are the external systems the services talk to. Each one falls back
// to an in-process implementation when its URL is not configured.
type deps struct {
	bus       events.Bus
	consume   func(ctx context.Context) error
	blobs     blobstore.Store
	transport clearinghouse.Transport
	locker    jobs.Locker
	checks    map[string]db.Check
}

func memoryDeps(logger zerolog.Logger) deps {
	return deps{
		bus:       events.NewMemoryBus(logger),
		blobs:     blobstore.NewMemoryStore(),
		transport: clearinghouse.NewMemoryTransport(),
		locker:    jobs.NewLocalLocker(),
		checks:    map[string]db.Check{},
	}
}

func connectDeps(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (deps, func(), error) {
	d := memoryDeps(logger)
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.RedisURL != "" {
		client, err := jobs.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return d, closeAll, err
		}
		closers = append(closers, func() { client.Close() })
		d.locker = jobs.NewRedisLocker(client, "rcm:jobs:")
		d.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		logger.Info().Msg("job locks held in redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set, job locks are process local")
	}

	if cfg.AMQPURL != "" {
		bus, err := events.NewAMQPBus(cfg.AMQPURL, 8, logger)
		if err != nil {
			closeAll()
			return d, func() {}, err
		}
		closers = append(closers, func() { bus.Close() })
		d.bus, d.consume = bus, bus.Consume
		logger.Info().Msg("domain events routed through amqp")
	}

	if cfg.MinioEndpoint != "" {
		store, err := blobstore.NewMinioStore(ctx, blobstore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			closeAll()
			return d, func() {}, err
		}
		d.blobs = store
	} else {
		logger.Warn().Msg("MINIO_ENDPOINT not set, ERA and appeal archive kept in memory")
	}

	if cfg.ClearinghouseBaseURL != "" {
		d.transport = clearinghouse.NewHTTPTransport(clearinghouse.HTTPConfig{
			BaseURL: cfg.ClearinghouseBaseURL,
			APIKey:  cfg.ClearinghouseAPIKey,
			Timeout: cfg.ClearinghouseTimeout,
			RPS:     cfg.ClearinghouseRPS,
		})
	} else {
		logger.Warn().Msg("CLEARINGHOUSE_BASE_URL not set, using the in-memory clearinghouse")
	}

	return d, closeAll, nil
}

type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	accounts    *account.Service
	engine      *claim.Engine
	connector   *clearinghouse.Connector
	denials     *denial.Service
	aging       *aging.Service
	collections *collection.Service
	runner      *jobs.Runner
}

func collectionPolicy(cfg *config.Config) collection.Policy {
	p := collection.DefaultPolicy()
	p.MaxAttempts = cfg.CollectionMaxAttempts
	p.RetryBase = cfg.CollectionRetryBase
	if p.RetryCap < p.RetryBase {
		p.RetryCap = p.RetryBase
	}
	p.GraceDays = cfg.InstallmentGraceDays
	return p
}

func actionThresholds(cfg *config.Config) aging.Thresholds {
	return aging.Thresholds{
		MinDays:        cfg.ActionMinDays,
		MaxProbability: cfg.ActionMaxProbability,
		MinBalance:     decimal.NewFromFloat(cfg.ActionMinBalance),
	}
}

func buildApp(cfg *config.Config, logger zerolog.Logger, st stores, d deps) (*app, error) {
	metrics := telemetry.New()
	model, err := aging.NewModel(cfg.ScoringModel)
	if err != nil {
		return nil, err
	}

	accounts := account.NewService(st.accounts, account.DefaultConfig(), logger)

	connector := clearinghouse.NewConnector(d.transport, clearinghouse.Config{
		Retry: clearinghouse.RetryPolicy{
			Base:        cfg.ClearinghouseRetryBase,
			Cap:         cfg.ClearinghouseRetryCap,
			MaxAttempts: cfg.ClearinghouseMaxAttempts,
		},
		MinDwell:    cfg.SyncMinDwell,
		Concurrency: cfg.SyncConcurrency,
		BatchSize:   cfg.SyncBatchSize,
	}, d.blobs, logger, metrics)

	engine := claim.NewEngine(st.claims, st.remits, st.tx, logger,
		claim.WithSubmitter(connector),
		claim.WithLedger(accounts),
		claim.WithAccounts(accounts),
		claim.WithEvents(d.bus),
		claim.WithMetrics(metrics),
	)
	connector.Attach(engine, st.claims)

	denials := denial.NewService(st.denials, engine, st.tx, denial.Config{
		AppealWindowDays: cfg.AppealWindowDays,
		UpheldPolicy:     denial.Status(cfg.UpheldPolicy),
	}, logger, denial.WithBlobStore(d.blobs), denial.WithMetrics(metrics))
	engine.SetDenialRecorder(denials)
	engine.SetAppealWriter(denials)
	engine.SetAppealResolver(denials)
	d.bus.Subscribe(events.TopicClaimDenied, denials.HandleDenialEvent)

	agingSvc := aging.NewService(accounts, st.claims, st.denials, st.scores, logger,
		aging.WithModel(model), aging.WithMetrics(metrics))

	senders := map[notification.Channel]notification.Sender{}
	for _, ch := range []notification.Channel{notification.ChannelEmail, notification.ChannelSMS, notification.ChannelMail} {
		senders[ch] = notification.NewLogSender(logger)
	}
	dispatcher := notification.NewDispatcher(notification.NewTemplateEngine(), senders)
	collections := collection.NewService(st.tasks, accounts,
		collection.NewNotificationExecutor(dispatcher, accounts),
		st.tx, collectionPolicy(cfg), logger, collection.WithMetrics(metrics))
	agingSvc.SetActionSink(collections)

	a := &app{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		accounts:    accounts,
		engine:      engine,
		connector:   connector,
		denials:     denials,
		aging:       agingSvc,
		collections: collections,
		runner:      jobs.NewRunner(d.locker, logger, metrics),
	}
	if err := a.registerJobs(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) registerJobs() error {
	th := actionThresholds(a.cfg)
	all := []jobs.Job{
		{
			Name:     jobClaimSync,
			Interval: a.cfg.SyncInterval,
			Timeout:  a.cfg.SyncInterval,
			Run: func(ctx context.Context) error {
				_, err := a.connector.SyncClaimStatuses(ctx)
				return err
			},
		},
		{
			Name:     jobERASync,
			Interval: a.cfg.SyncInterval,
			Timeout:  a.cfg.SyncInterval,
			Run: func(ctx context.Context) error {
				_, err := a.connector.SyncRemittances(ctx)
				return err
			},
		},
		{
			Name:     jobARAging,
			Interval: a.cfg.AgingInterval,
			Timeout:  time.Hour,
			Run:      func(ctx context.Context) error { return a.aging.RunBatch(ctx, th) },
		},
		{
			Name:     jobCollections,
			Interval: a.cfg.CollectionInterval,
			Timeout:  a.cfg.CollectionInterval,
			Run:      a.collections.ProcessRun,
		},
	}
	for _, j := range all {
		if err := a.runner.Register(j); err != nil {
			return fmt.Errorf("register job: %w", err)
		}
	}
	return nil
}

// newServer builds the echo instance. pool may be nil when the services
// run on in-memory stores.
func newServer(a *app, pool *pgxpool.Pool, checks map[string]db.Check) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize(logger))
	e.Use(a.metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", "10M", "/remittances/835"))

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.PublicSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	all := map[string]db.Check{}
	for name, chk := range checks {
		all[name] = chk
	}
	if pool != nil {
		all["postgres"] = db.PingCheck(pool)
	}
	e.GET("/health/db", db.ReadinessHandler(pool, all))
	e.GET("/metrics", a.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RequestTimeout(60 * time.Second))
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
	apiV1.Use(middleware.Audit(logger))

	account.NewHandler(a.accounts).RegisterRoutes(apiV1)
	claim.NewHandler(a.engine).RegisterRoutes(apiV1)
	clearinghouse.NewHandler(a.connector).RegisterRoutes(apiV1)
	denial.NewHandler(a.denials).RegisterRoutes(apiV1)
	aging.NewHandler(a.aging, actionThresholds(cfg)).RegisterRoutes(apiV1)
	collection.NewHandler(a.collections).RegisterRoutes(apiV1)

	return e
}
