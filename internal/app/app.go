package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"crypto-price-alerts/internal/alerting"
	"crypto-price-alerts/internal/asset"
	"crypto-price-alerts/internal/cache"
	"crypto-price-alerts/internal/config"
	"crypto-price-alerts/internal/events"
	"crypto-price-alerts/internal/quote"
	"crypto-price-alerts/internal/sampler"
	"crypto-price-alerts/internal/scheduler"
	"crypto-price-alerts/internal/service"
	"crypto-price-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	memory *storage.MemoryStore
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// stores bundles the price and alert stores with their optional extras.
type stores struct {
	prices storage.PriceStore
	alerts storage.AlertStore
	locker storage.AdvisoryLocker
	cache  *cache.LatestCache
	close  func()
}

// openStores connects Postgres and Redis when configured. Without a DSN all
// commands of this App share one in-memory store.
func (a *App) openStores(ctx context.Context) (*stores, error) {
	st := &stores{close: func() {}}

	if a.Config.Database.DSN == "" {
		if a.memory == nil {
			a.Logger.Warn().Msg("database.dsn not configured; using in-memory stores")
			a.memory = storage.NewMemoryStore()
		}
		st.prices, st.alerts = a.memory, a.memory
	} else {
		pg, err := storage.Open(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		st.prices, st.alerts, st.locker = pg, pg, pg
		st.close = pg.Close
	}

	if a.Config.Redis.Addr != "" {
		latest, err := cache.NewLatestCache(ctx, a.Config.Redis)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("redis unavailable; latest price cache disabled")
		} else {
			st.cache = latest
			closeDB := st.close
			st.close = func() {
				_ = latest.Close()
				closeDB()
			}
		}
	}
	return st, nil
}

// newService builds the facade over st. bus may be nil for read-only commands.
func (a *App) newService(st *stores, bus *events.Bus) *service.Service {
	opts := service.Options{Prices: st.prices, Alerts: st.alerts}
	if st.cache != nil {
		opts.Cache = st.cache
	}
	if bus != nil {
		opts.Bus = bus
	}
	return service.New(opts, a.Logger)
}

func (a *App) newSource() (quote.Source, func(), error) {
	cfg := a.Config.Quote
	switch cfg.Provider {
	case config.ProviderChainlink:
		src, err := quote.NewChainlink(quote.ChainlinkOptions{
			RPCURL: cfg.Chainlink.RPCURL,
			Feeds:  cfg.Chainlink.Feeds,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	case config.ProviderMoralis:
		src, err := quote.NewMoralis(quote.MoralisOptions{
			BaseURL:   cfg.Moralis.BaseURL,
			APIKey:    cfg.Moralis.APIKey,
			Chain:     cfg.Moralis.Chain,
			Tokens:    cfg.Moralis.Tokens,
			UserAgent: cfg.Moralis.UserAgent,
			Timeout:   a.Config.Sampler.FetchTimeout,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	case config.ProviderStatic:
		src, err := quote.NewStatic(cfg.Static.Prices)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("quote provider %q is not supported", cfg.Provider)
	}
}

func (a *App) newNotifier(channel string) alerting.Notifier {
	cfg := a.Config.Alerting
	switch channel {
	case config.ChannelEmail:
		return alerting.NewEmailNotifier(alerting.EmailOptions{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
		}, a.Logger)
	case config.ChannelTelegram:
		return alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.SendTimeout, a.Logger)
	default:
		return alerting.NewLogNotifier(a.Logger)
	}
}

func (a *App) newDispatcher(st *stores) (*alerting.Dispatcher, error) {
	surgeCfg := a.Config.Alerting.Surge
	surge := alerting.SurgeOptions{
		Enabled:      surgeCfg.Enabled,
		ThresholdPct: surgeCfg.ThresholdPct,
		Lookback:     surgeCfg.Lookback,
		Cooldown:     surgeCfg.Cooldown,
		Destination:  surgeCfg.Destination,
	}
	if surgeCfg.Enabled {
		sym, err := asset.Parse(surgeCfg.Symbol)
		if err != nil {
			return nil, fmt.Errorf("alerting.surge.symbol: %w", err)
		}
		surge.Symbol = sym
	}

	return alerting.NewDispatcher(alerting.DispatcherOptions{
		Prices:        st.prices,
		Alerts:        st.alerts,
		Notifier:      a.newNotifier(a.Config.Alerting.Channel),
		SurgeNotifier: a.newNotifier(a.Config.SurgeChannel()),
		Surge:         surge,
		SendTimeout:   a.Config.Alerting.SendTimeout,
	}, a.Logger), nil
}

func (a *App) newBus() *events.Bus {
	return events.NewBus(events.Options{
		Buffer:  a.Config.Events.Buffer,
		Workers: a.Config.Events.Workers,
	}, a.Logger)
}

func (a *App) newSampler(st *stores, src quote.Source, bus *events.Bus) (*sampler.Sampler, error) {
	symbols, err := a.Config.TrackedSymbols()
	if err != nil {
		return nil, err
	}
	opts := sampler.Options{
		Source:       src,
		Store:        st.prices,
		Bus:          bus,
		Symbols:      symbols,
		FetchTimeout: a.Config.Sampler.FetchTimeout,
		Locker:       st.locker,
		LockKey:      a.Config.Scheduler.AdvisoryLockKey,
	}
	if st.cache != nil {
		opts.Cache = st.cache
	}
	return sampler.New(opts, a.Logger)
}

// Run executes the long-running sampling and alerting service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := a.openStores(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	src, closeSource, err := a.newSource()
	if err != nil {
		return err
	}
	defer closeSource()

	bus := a.newBus()
	dispatcher, err := a.newDispatcher(st)
	if err != nil {
		return err
	}
	smp, err := a.newSampler(st, src, bus)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	if err != nil {
		return err
	}

	svc := a.newService(st, bus)
	a.Logger.Info().Str("provider", a.Config.Quote.Provider).
		Strs("symbols", a.Config.Sampler.Symbols).
		Dur("interval", a.Config.Scheduler.Interval).
		Msg("starting price alert service")

	err = svc.Run(ctx, service.Worker{
		Scheduler: sched,
		Tick:      smp.Run,
		Bus:       bus,
		Handler:   dispatcher,
		Retention: service.RetentionOptions{
			Enabled:  a.Config.Retention.Enabled,
			MaxAge:   a.Config.Retention.MaxAge,
			Schedule: a.Config.Retention.Schedule,
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("price alert service stopped")
	return nil
}
