package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/MarkoPoloResearchLab/credits/internal/audit"
	"github.com/MarkoPoloResearchLab/credits/internal/config"
	"github.com/MarkoPoloResearchLab/credits/internal/gateway"
	"github.com/MarkoPoloResearchLab/credits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/credits/internal/httpapi"
	"github.com/MarkoPoloResearchLab/credits/internal/metrics"
	"github.com/MarkoPoloResearchLab/credits/internal/provider"
	"github.com/MarkoPoloResearchLab/credits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/rediscursor"
	"github.com/MarkoPoloResearchLab/credits/pkg/checkout"
	"github.com/MarkoPoloResearchLab/credits/pkg/generation"
	"github.com/MarkoPoloResearchLab/credits/pkg/keypool"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
	"github.com/MarkoPoloResearchLab/credits/pkg/topup"
)

// application holds every wired component shared by serve and reconcile.
type application struct {
	logger     *zap.Logger
	ledger     *ledger.Service
	tracker    *checkout.Tracker
	queue      *topup.Queue
	pool       *keypool.Pool
	controller *generation.Controller
	metrics    *metrics.Metrics
	jobs       *scheduler.Jobs
	closers    []func() error
}

func buildApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	app := &application{logger: logger}
	if err := app.wire(ctx, cfg); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (app *application) wire(ctx context.Context, cfg config.Config) error {
	logger := app.logger
	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	app.closers = append(app.closers, cleanup)
	if err := gormstore.Migrate(ctx, gormDB); err != nil {
		return err
	}
	store := gormstore.New(gormDB)

	var ledgerStore ledger.Store = store
	if cfg.UsePgxLedger {
		if driver != driverPostgres {
			return fmt.Errorf("%w: the pgx ledger store requires a postgres database url", config.ErrInvalidConfig)
		}
		pgxPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgx pool: %w", err)
		}
		app.closers = append(app.closers, func() error { pgxPool.Close(); return nil })
		ledgerStore = pgstore.New(pgxPool)
	}

	app.metrics = metrics.New()
	operationLoggers := audit.Fanout{audit.NewZapLogger(logger), app.metrics}
	if cfg.AMQPURL != "" {
		publisher, err := audit.DialPublisher(cfg.AMQPURL, cfg.AMQPExchange, 0, logger)
		if err != nil {
			return fmt.Errorf("audit publisher: %w", err)
		}
		app.closers = append(app.closers, publisher.Close)
		operationLoggers = append(operationLoggers, publisher)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	app.ledger, err = ledger.NewService(ledgerStore, clock, ledger.WithOperationLogger(operationLoggers))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	plans, err := cfg.PlanCatalog()
	if err != nil {
		return err
	}
	gatewayClient, err := gateway.NewClient(gateway.Config{
		SnapBaseURL: cfg.GatewaySnapBaseURL,
		APIBaseURL:  cfg.GatewayAPIBaseURL,
		ServerKey:   cfg.GatewayServerKey,
		Timeout:     cfg.GatewayTimeout,
	}, nil)
	if err != nil {
		return err
	}
	app.tracker, err = checkout.NewTracker(store, app.ledger, gatewayClient, plans, clock, checkout.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("checkout tracker init: %w", err)
	}
	app.queue, err = topup.NewQueue(store, app.ledger, clock, topup.WithPlanDurations(plans), topup.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("topup queue init: %w", err)
	}

	var cursor keypool.Cursor = &keypool.MemoryCursor{}
	if cfg.RedisAddr != "" {
		redisCursor, redisClient, err := rediscursor.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisCursorKey)
		if err != nil {
			return fmt.Errorf("redis cursor: %w", err)
		}
		app.closers = append(app.closers, redisClient.Close)
		cursor = redisCursor
	}
	app.pool, err = keypool.New(cfg.ProviderAPIKeys, cursor)
	if err != nil {
		return err
	}

	var providerOptions []option.ClientOption
	if cfg.ProviderEndpoint != "" {
		providerOptions = append(providerOptions, option.WithEndpoint(cfg.ProviderEndpoint))
	}
	operations, err := cfg.OperationCatalog()
	if err != nil {
		return err
	}
	app.controller, err = generation.NewController(
		app.ledger,
		app.pool,
		provider.NewGemini("", providerOptions...),
		operations,
		generation.WithObserver(app.metrics),
		generation.WithBackoff(cfg.GenerationBackoff),
	)
	if err != nil {
		return fmt.Errorf("generation controller init: %w", err)
	}

	app.jobs, err = scheduler.NewJobs(app.tracker, app.ledger, app.metrics, logger, scheduler.JobConfig{
		BatchSize:     cfg.SweepBatchSize,
		StaleOrderAge: cfg.StaleOrderTTL,
	})
	if err != nil {
		return err
	}
	return nil
}

// Close releases resources in reverse acquisition order.
func (app *application) Close() error {
	var closeErrors []error
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			closeErrors = append(closeErrors, err)
		}
	}
	app.closers = nil
	return errors.Join(closeErrors...)
}

func newLogger() (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Warn("shutdown cleanup failed", zap.Error(closeErr))
		}
	}()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = app.metrics.Handler()
	}
	router, err := httpapi.NewRouter(httpapi.Config{
		ListenAddr:      cfg.HTTPListenAddr,
		AllowedOrigins:  cfg.AllowedOrigins,
		RequestTimeout:  cfg.RequestTimeout,
		GenerationRate:  cfg.GenerationRate,
		GenerationBurst: cfg.GenerationBurst,
		AdminRole:       cfg.AdminRole,
		AdminEmails:     cfg.AdminEmails,
	}, httpapi.Dependencies{
		Logger:         logger,
		Accounts:       app.ledger,
		Checkout:       app.tracker,
		Topups:         app.queue,
		Generations:    app.controller,
		KeyPool:        app.pool,
		Observer:       app.metrics,
		MetricsHandler: metricsHandler,
	}, sessionValidator)
	if err != nil {
		return err
	}

	if cfg.RunScheduler {
		cronScheduler, err := scheduler.New(ctx, app.jobs, scheduler.Schedules{
			ReconcileOrders: cfg.ReconcileSchedule,
			AbandonStale:    cfg.AbandonSchedule,
			ExpireAccounts:  cfg.ExpirySchedule,
		}, logger)
		if err != nil {
			return err
		}
		cronScheduler.Start()
		defer func() { <-cronScheduler.Stop().Done() }()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var waitGroup sync.WaitGroup
	start := func(run func(context.Context) error) {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			if runErr := run(ctx); runErr != nil {
				errCh <- runErr
				cancel()
			}
		}()
	}

	if cfg.GRPCEnabled() {
		verifier, err := grpcserver.NewTokenVerifier(cfg.BackOfficeSecret, cfg.BackOfficeIssuer)
		if err != nil {
			return err
		}
		grpcServer, err := grpcserver.NewServer(app.ledger, verifier, logger)
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		start(func(ctx context.Context) error {
			return grpcserver.Serve(ctx, grpcServer, listener, logger)
		})
	}
	start(func(ctx context.Context) error {
		return httpapi.Serve(ctx, cfg.HTTPListenAddr, router, logger)
	})

	waitGroup.Wait()
	close(errCh)
	return <-errCh
}

func runReconcile(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()
	return app.jobs.RunAll(ctx)
}
