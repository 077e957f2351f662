// Package app assembles basketd from its configuration: token registry,
// saga journal, ledger client, price cache, engine, reconciler and the
// operations server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"basketchain/native/basket"
	"basketchain/native/oracle"
	"basketchain/observability"
	"basketchain/services/basketd/config"
	"basketchain/services/basketd/ledger"
	"basketchain/services/basketd/recon"
	"basketchain/services/basketd/server"
	journalstore "basketchain/services/basketd/storage"
	"basketchain/storage"
	"basketchain/storage/registry"
)

// Options replaces collaborators that New would otherwise build from the
// configuration.
type Options struct {
	Ledger basket.LedgerGateway
	Feed   oracle.Feed
	// Tokens seeds the registry instead of cfg.TokensFile.
	Tokens []basket.Token
	Logger *slog.Logger
}

// App is a wired basketd instance. Engine is the entry point for mint and
// burn requests.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Engine    *basket.Engine
	Registry  *registry.Registry
	Prices    *oracle.Cache
	Recon     *recon.Reconciler
	Server    *server.Server
	scheduler *recon.Scheduler

	alerter *recon.KafkaAlerter
	kv      storage.Database
	db      *gorm.DB
}

// New builds every component. Tokens are registered before the engine is
// created, so an invalid or conflicting composition fails startup.
func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if err := a.openRegistry(ctx, opts.Tokens); err != nil {
		return nil, err
	}
	journal, err := a.openJournal()
	if err != nil {
		return nil, err
	}
	gateway, err := a.ledgerGateway(opts.Ledger)
	if err != nil {
		return nil, err
	}
	if err := a.openPrices(ctx, opts.Feed); err != nil {
		return nil, err
	}

	metrics := observability.Basket()
	var alert recon.AlertFunc
	if cfg.Recon.Kafka.Enabled() {
		a.alerter, err = recon.NewKafkaAlerter(cfg.Recon.Kafka.Brokers, cfg.Recon.Kafka.Topic)
		if err != nil {
			return nil, err
		}
		alert = a.alerter.Alert
	}
	a.Recon, err = recon.New(recon.Config{
		Journal:    journal,
		StaleAfter: cfg.Recon.StaleAfter.Duration,
		Alert:      alert,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		return nil, err
	}
	a.scheduler = recon.NewScheduler(recon.SchedulerConfig{
		Reconciler: a.Recon,
		Interval:   cfg.Recon.Interval.Duration,
		Logger:     logger,
	})

	a.Engine, err = basket.NewEngine(basket.Config{
		Ledger: gateway,
		Tokens: a.Registry,
		Calculator: &basket.Calculator{
			Prices:         a.Prices,
			NativeSymbol:   cfg.NativeSymbol,
			NativeDecimals: cfg.NativeDecimals,
			Logger:         logger,
		},
		Journal:        journal,
		CustodyAccount: cfg.CustodyAccount,
		StepTimeout:    cfg.StepTimeout.Duration,
		Logger:         logger,
		Metrics:        metrics,
		OnCritical:     a.onCritical,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	a.Server, err = server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Auth: server.AuthConfig{
			StaticToken: cfg.OpsToken,
			JWTSecret:   cfg.OpsJWT.Secret,
			Issuer:      cfg.OpsJWT.Issuer,
			Audience:    cfg.OpsJWT.Audience,
		},
	}, a.Prices, a.Recon, logger)
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *App) openRegistry(ctx context.Context, seeds []basket.Token) error {
	if strings.TrimSpace(a.cfg.RegistryPath) == "" {
		a.kv = storage.NewMemDB()
	} else {
		db, err := storage.NewLevelDB(a.cfg.RegistryPath)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		a.kv = db
	}
	a.Registry = registry.New(a.kv)

	if seeds == nil {
		loaded, err := config.LoadTokens(a.cfg.TokensFile)
		if err != nil {
			return err
		}
		seeds = loaded
	}
	for _, tok := range seeds {
		stored, err := a.Registry.Register(ctx, tok)
		if err != nil {
			return fmt.Errorf("register token %s: %w", tok.ID, err)
		}
		a.logger.Info("basketd: token registered",
			"tokenId", stored.ID,
			"symbol", stored.Symbol,
			"version", stored.Version,
			"assets", strings.Join(stored.Composition.Symbols(), ","))
	}
	return nil
}

func (a *App) openJournal() (basket.Journal, error) {
	dsn := a.cfg.Journal.DSN
	driver := strings.ToLower(strings.TrimSpace(a.cfg.Journal.Driver))
	if dsn == "" && (driver == "" || driver == "sqlite") {
		fileDSN, err := journalstore.FileDSN(a.cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		dsn = fileDSN
	}
	db, err := journalstore.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	a.db = db
	return journalstore.NewJournal(db, nil), nil
}

func (a *App) ledgerGateway(override basket.LedgerGateway) (basket.LedgerGateway, error) {
	if override != nil {
		return override, nil
	}
	return ledger.NewClient(ledger.Config{
		URL:       a.cfg.Ledger.URL,
		AuthToken: a.cfg.Ledger.AuthToken,
		Timeout:   a.cfg.Ledger.Timeout.Duration,
	})
}

func (a *App) openPrices(ctx context.Context, feed oracle.Feed) error {
	cacheCfg, err := a.cfg.OracleCacheConfig()
	if err != nil {
		return err
	}
	tokens, err := a.Registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list tokens: %w", err)
	}
	cacheCfg.Symbols = append(cacheCfg.Symbols, a.cfg.NativeSymbol)
	for _, tok := range tokens {
		cacheCfg.Symbols = append(cacheCfg.Symbols, tok.Composition.Symbols()...)
	}

	if feed == nil {
		cg := a.cfg.Oracle.CoinGecko
		client := &http.Client{
			Timeout:   cacheCfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		feed = oracle.NewCoinGeckoFeed(client, cg.Endpoint, cg.APIKey, cg.IDs)
	}
	a.Prices, err = oracle.NewCache(feed, cacheCfg,
		oracle.WithLogger(a.logger),
		oracle.WithMetrics(observability.Oracle()))
	if err != nil {
		return fmt.Errorf("build price cache: %w", err)
	}
	return nil
}

func (a *App) onCritical(ctx context.Context, _ *basket.CriticalInconsistencyError) {
	open, err := a.Recon.Critical(ctx)
	if err != nil {
		a.logger.Warn("basketd: count critical sagas", "error", err)
		return
	}
	observability.Basket().SetUnresolvedCritical(len(open))
}

// Recover closes out sagas left open by a previous process. It must run
// before the engine serves requests.
func (a *App) Recover(ctx context.Context) error {
	result, err := a.Recon.Recover(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("basketd: startup reconciliation complete",
		"interrupted", len(result.Interrupted),
		"aborted", len(result.Aborted),
		"critical", len(result.Critical))
	return nil
}

// Run recovers the journal, then runs the price refresh loop, the
// reconciliation scheduler and the ops server until ctx ends or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Recover(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.Prices.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.scheduler.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return a.Server.Run(gctx)
	})
	return g.Wait()
}

// Close releases the price cache, the alert writer and both databases.
func (a *App) Close() error {
	var errs []error
	if a.Prices != nil {
		errs = append(errs, a.Prices.Close())
	}
	if a.alerter != nil {
		errs = append(errs, a.alerter.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if a.kv != nil {
		errs = append(errs, a.kv.Close())
	}
	return errors.Join(errs...)
}
