package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"defi-alerts/internal/alerting"
	"defi-alerts/internal/alerts"
	"defi-alerts/internal/config"
	"defi-alerts/internal/fetcher"
	"defi-alerts/internal/lock"
	"defi-alerts/internal/logging"
	"defi-alerts/internal/metrics"
	"defi-alerts/internal/scheduler"
	"defi-alerts/internal/server"
	"defi-alerts/internal/service"
	"defi-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime holds the wired engine and the resources that must be released with it.
type runtime struct {
	engine  *service.Engine
	store   *storage.Store
	metrics *metrics.Metrics
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) newFetcher() fetcher.MarketRateFetcher {
	cfg := a.Config.Market
	if cfg.Source == config.SourceComet {
		markets := make([]fetcher.CometMarket, 0, len(cfg.Markets))
		for _, m := range cfg.Markets {
			markets = append(markets, fetcher.CometMarket{
				ChainID:      m.ChainID,
				RPCURL:       m.RPCURL,
				CometAddress: m.CometAddress,
				AssetSymbol:  m.AssetSymbol,
				AssetAddress: m.AssetAddress,
			})
		}
		return fetcher.NewComet(fetcher.CometOptions{Markets: markets, Timeout: cfg.RequestTimeout}, a.Logger)
	}

	return fetcher.NewREST(fetcher.RESTOptions{
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
	}, a.Logger)
}

func (a *App) newDispatcher(reporter logging.ErrorReporter, m *metrics.Metrics) *alerting.Dispatcher {
	cfg := a.Config.Alerting
	senders := map[alerts.ChannelType]alerting.Sender{
		alerts.ChannelWebhook: alerting.NewWebhookSender(cfg.Webhook.Timeout, cfg.Webhook.UserAgent, a.Logger),
	}
	if cfg.Email.Enabled {
		senders[alerts.ChannelEmail] = alerting.NewEmailSender(alerting.SMTPOptions{
			Host:          cfg.Email.SMTPHost,
			Port:          cfg.Email.SMTPPort,
			Username:      cfg.Email.Username,
			Password:      cfg.Email.Password,
			From:          cfg.Email.From,
			SubjectPrefix: cfg.Email.SubjectPrefix,
			Timeout:       cfg.Email.Timeout,
		}, a.Logger)
	} else {
		a.Logger.Warn().Msg("alerting.email disabled; EMAIL channels will be reported as failed")
	}

	return alerting.NewDispatcher(senders, reporter, m, alerting.DispatcherOptions{
		Label:       cfg.Label,
		Concurrency: cfg.ChannelConcurrency,
	}, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn not configured")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) newRunLock(store *storage.Store) (service.RunLocker, func(), error) {
	switch a.Config.Scheduler.LockBackend {
	case config.LockRedis:
		cfg := a.Config.Redis
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		closer := func() {
			if err := client.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close redis client")
			}
		}
		return lock.NewRedis(client, cfg.LockKey, cfg.LockTTL, a.Logger), closer, nil
	case config.LockPostgres:
		return service.AdvisoryRunLock{Locker: store, Key: a.Config.Scheduler.AdvisoryLockKey}, nil, nil
	case config.LockNone:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", a.Config.Scheduler.LockBackend)
	}
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Interval:        a.Config.Scheduler.Interval,
		AlignToInterval: a.Config.Scheduler.AlignToBucket,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
		RunOnStart:      a.Config.Scheduler.RunOnStart,
	}, a.Logger)
}

// build wires the full engine on top of the database.
func (a *App) build(ctx context.Context) (*runtime, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt := &runtime{store: store, metrics: metrics.New(), closers: []func(){closeStore}}

	runLock, closeLock, err := a.newRunLock(store)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if closeLock != nil {
		rt.closers = append(rt.closers, closeLock)
	}

	reporter := logging.NewReporter(a.Logger)
	rt.engine = service.New(service.Deps{
		Ingestor:   service.NewIngestor(a.newFetcher(), store, a.Config.Market.Protocol, rt.metrics, a.Logger),
		Alerts:     store,
		Snapshots:  store,
		Ledger:     service.NewLedger(store),
		Dispatcher: a.newDispatcher(reporter, rt.metrics),
		Reporter:   reporter,
		Metrics:    rt.metrics,
		Lock:       runLock,
		Scheduler:  a.newScheduler(),
	}, service.Options{
		Protocol:         a.Config.Market.Protocol,
		AlertConcurrency: a.Config.Engine.AlertConcurrency,
		RunTimeout:       a.Config.Engine.RunTimeout,
	}, a.Logger)
	return rt, nil
}

// Run executes the scheduler loop until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting alert scheduler")
	err = rt.engine.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scheduler terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert scheduler stopped")
	return nil
}

// ServeOptions configure the serve command.
type ServeOptions struct {
	WithScheduler bool
}

// Serve exposes the HTTP trigger, optionally running the scheduler alongside it.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg := a.Config.Server
	srv := server.New(server.Options{
		Addr:         cfg.Addr,
		TriggerPath:  cfg.TriggerPath,
		TriggerToken: cfg.TriggerToken,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, rt.engine, rt.metrics.Registry, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	if opts.WithScheduler {
		g.Go(func() error {
			return rt.engine.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Logger.Info().Msg("server stopped")
	return nil
}

// Once performs a single run and returns its summary.
func (a *App) Once(ctx context.Context) (service.RunResult, error) {
	rt, err := a.build(ctx)
	if err != nil {
		return service.RunResult{}, err
	}
	defer rt.Close()

	return rt.engine.RunOnce(ctx)
}

// Evaluate previews one alert against the latest stored snapshots without sending anything.
func (a *App) Evaluate(ctx context.Context, alertID string) (service.Preview, error) {
	rt, err := a.build(ctx)
	if err != nil {
		return service.Preview{}, err
	}
	defer rt.Close()

	alert, err := rt.store.GetAlert(ctx, alertID)
	if err != nil {
		return service.Preview{}, err
	}
	return rt.engine.Preview(ctx, alert)
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	migrations, err := storage.LoadMigrations(a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	applied, err := store.ApplyMigrations(ctx, migrations)
	for _, v := range applied {
		a.Logger.Info().Str("version", v).Msg("migration applied")
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		a.Logger.Info().Msg("schema up to date")
	}
	return nil
}

// ExportOptions hold parameters for exporting snapshot history of one market.
type ExportOptions struct {
	ChainID   int64
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	Limit int
}
