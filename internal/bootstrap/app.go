// Package bootstrap assembles the process: configuration, logging,
// telemetry, external clients, stores, and every lifecycle component,
// wired in dependency order and driven by one errgroup.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"fxcore/internal/alert"
	"fxcore/internal/audit"
	"fxcore/internal/autocutoff"
	"fxcore/internal/bus"
	"fxcore/internal/config"
	"fxcore/internal/core"
	"fxcore/internal/dispatch"
	"fxcore/internal/execution"
	"fxcore/internal/infra/grpchealth"
	"fxcore/internal/infra/health"
	"fxcore/internal/infra/metrics"
	"fxcore/internal/margin"
	"fxcore/internal/marketdata"
	"fxcore/internal/pending"
	"fxcore/internal/portfolio"
	"fxcore/internal/provider"
	"fxcore/internal/queue"
	"fxcore/internal/sqlread"
	"fxcore/internal/store"
	"fxcore/internal/trigger"
	"fxcore/internal/workers"
	apperrors "fxcore/pkg/errors"
	"fxcore/pkg/logging"
	"fxcore/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired process. Build with NewApp, drive with Run.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	tel        *telemetry.Telemetry
	redis      redis.UniversalClient
	mq         *queue.Client
	auditStore *audit.SQLiteStore

	link       *provider.Link
	listener   *marketdata.Listener
	calculator *portfolio.Calculator
	engine     *execution.Engine
	triggers   *trigger.Monitor
	pendings   *pending.Monitor
	parked     *pending.ProviderMonitor
	dispatcher *dispatch.Dispatcher
	runner     *workers.Runner
	cutoff     *autocutoff.Watcher

	healthMgr  *health.Manager
	metricsSrv *metrics.Server
	grpcHealth *grpchealth.Server
}

// NewApp loads configuration and constructs every component. Nothing is
// started here; external connections are dialed in Run.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	tel, err := telemetry.Setup("fxcore")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	redisClient, err := store.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	// State plane: every store shares the one Redis client.
	quotes := store.NewQuoteStore(redisClient,
		time.Duration(cfg.Redis.QuoteStaleMs)*time.Millisecond, logger)
	orders := store.NewOrderStore(redisClient, logger)
	portfolios := store.NewPortfolioStore(redisClient, logger)
	configs := store.NewConfigStore(redisClient, logger)
	locks := store.NewLockStore(redisClient)
	idem := store.NewIdemStore(redisClient)
	acks := store.NewAckStore(redisClient, logger)
	triggerIdx := store.NewTriggerIndex(redisClient, logger)
	pendingIdx := store.NewPendingIndex(redisClient, logger)
	marketBus := bus.NewRedisBus(redisClient, logger)

	// Transports.
	mq := queue.NewClient(string(cfg.RabbitMQ.URL), logger)
	dbUpdates := queue.NewDBUpdatePublisher(mq, cfg.RabbitMQ.OrderDBUpdateQueue, logger)
	link := provider.NewLink(cfg.Provider, cfg.RabbitMQ.ConfirmationQueue, mq, logger)

	marginEngine := margin.NewEngine(quotes, logger)
	sqlRead := sqlread.NewService(cfg.SQLFallback, logger)

	calculator := portfolio.NewCalculator(cfg.Portfolio,
		orders, configs, quotes, portfolios, marginEngine, marketBus, logger)

	engine := execution.NewEngine(cfg.Execution, execution.Deps{
		Orders:     orders,
		Configs:    configs,
		Quotes:     quotes,
		Portfolios: portfolios,
		Locks:      locks,
		Idem:       idem,
		Acks:       acks,
		Triggers:   triggerIdx,
		Pending:    pendingIdx,
		Margin:     marginEngine,
		Provider:   link,
		DBUpdates:  dbUpdates,
		SQLRead:    sqlRead,
		Dirty:      calculator,
	}, logger)

	// Alerting: one SMTP transport serves both the operator channel and
	// the auto-cutoff margin alerts.
	smtp := alert.NewSMTPSender(cfg.Email)
	alerts := alert.NewManager(logger)
	if cfg.Email.Enabled {
		alerts.AddChannel(alert.NewEmailChannel(smtp, cfg.Email.To))
	}

	listener := marketdata.NewListener(cfg.Feed, quotes, marketBus, logger)
	listener.SetAlerter(alerts)

	auditStore, err := audit.NewSQLiteStore(cfg.Audit.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("audit store: %w", err)
	}

	cutoff := autocutoff.NewWatcher(cfg.AutoCutoff, cfg.Email, marketBus,
		portfolios, configs, orders, quotes, marginEngine, locks, engine,
		smtp, auditStore, logger)

	triggers := trigger.NewMonitor(cfg.Triggers,
		orders, quotes, triggerIdx, locks, engine, logger)
	pendings := pending.NewMonitor(cfg.Pending, cfg.RabbitMQ.Workers.Open,
		orders, quotes, pendingIdx, locks, engine, mq, dbUpdates, logger)
	parked := pending.NewProviderMonitor(cfg.Pending,
		orders, quotes, pendingIdx, engine, logger)

	dispatcher := dispatch.NewDispatcher(cfg.RabbitMQ, cfg.Workers,
		orders, acks, mq, logger)
	runner := workers.NewRunner(cfg.RabbitMQ, cfg.Workers, engine, idem, logger)

	healthMgr := health.NewManager(logger)
	healthMgr.Register("redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return redisClient.Ping(ctx).Err()
	})
	healthMgr.Register("rabbitmq", mq.Healthy)
	healthMgr.Register("feed_listener", listener.Healthy)
	healthMgr.Register("provider_link", func() error {
		if !link.Connected() {
			return apperrors.ErrProviderUnreachable
		}
		return nil
	})

	return &App{
		Cfg:        cfg,
		Logger:     logger,
		tel:        tel,
		redis:      redisClient,
		mq:         mq,
		auditStore: auditStore,
		link:       link,
		listener:   listener,
		calculator: calculator,
		engine:     engine,
		triggers:   triggers,
		pendings:   pendings,
		parked:     parked,
		dispatcher: dispatcher,
		runner:     runner,
		cutoff:     cutoff,
		healthMgr:  healthMgr,
		metricsSrv: metrics.NewServer(cfg.Telemetry.MetricsPort, logger, healthMgr),
		grpcHealth: grpchealth.NewServer(cfg.Telemetry.GRPCHealthPort, logger, healthMgr),
	}, nil
}

// checkPreFlight verifies cross-field constraints schema validation does
// not cover.
func checkPreFlight(cfg *config.Config) error {
	// A gateway URL without credentials is a deployment mistake, not a
	// disabled fallback: the fallback only counts as off when base_url
	// is empty too.
	if cfg.SQLFallback.BaseURL != "" && cfg.SQLFallback.Token == "" {
		return fmt.Errorf("sql_fallback.token is required when sql_fallback.base_url is set")
	}
	return nil
}

// runner is a long-lived component driven by the process lifecycle.
type runner interface {
	Run(ctx context.Context) error
}

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

// component adapts a Start/Stop pair: start, hold until shutdown, stop.
func component(start func() error, stop func()) runner {
	return runnerFunc(func(ctx context.Context) error {
		if err := start(); err != nil {
			return err
		}
		<-ctx.Done()
		stop()
		return nil
	})
}

func (a *App) runners() []runner {
	return []runner{
		component(func() error { a.link.Start(); return nil }, a.link.Stop),
		component(func() error { a.listener.Start(); return nil }, a.listener.Stop),
		component(a.calculator.Start, a.calculator.Stop),
		component(func() error { a.triggers.Start(); return nil }, a.triggers.Stop),
		component(func() error { a.pendings.Start(); return nil }, a.pendings.Stop),
		component(func() error { a.parked.Start(); return nil }, a.parked.Stop),
		runnerFunc(func(ctx context.Context) error {
			// Consumers stop themselves when ctx is cancelled.
			if err := a.dispatcher.Start(ctx, a.mq); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}),
		runnerFunc(func(ctx context.Context) error {
			if err := a.runner.Start(ctx, a.mq); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		}),
		component(a.cutoff.Start, a.cutoff.Stop),
		component(func() error { a.metricsSrv.Start(); return nil }, func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.metricsSrv.Stop(ctx); err != nil {
				a.Logger.Warn("Metrics server shutdown failed", "error", err)
			}
		}),
		component(a.grpcHealth.Start, a.grpcHealth.Stop),
	}
}

// Run dials the broker, starts every component under an errgroup, and
// blocks until a termination signal or the first component failure.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.mq.Connect(); err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	if err := a.mq.DeclareQueue(a.Cfg.RabbitMQ.ConfirmationQueue, a.Cfg.RabbitMQ.ConfirmationDLQ); err != nil {
		return fmt.Errorf("declare confirmation queue: %w", err)
	}
	if err := a.mq.DeclareQueue(a.Cfg.RabbitMQ.OrderDBUpdateQueue, ""); err != nil {
		return fmt.Errorf("declare db update queue: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range a.runners() {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}

	a.Logger.Info("fxcore started",
		"feed", a.Cfg.Feed.URL,
		"metrics_port", a.Cfg.Telemetry.MetricsPort)

	err := g.Wait()
	a.close()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Shut down cleanly")
	return nil
}

// close releases the clients after every component has stopped.
func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.mq.Close()
	if err := a.auditStore.Close(); err != nil {
		a.Logger.Warn("Audit store close failed", "error", err)
	}
	if err := a.redis.Close(); err != nil {
		a.Logger.Warn("Redis close failed", "error", err)
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
}
