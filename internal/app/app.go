package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustinyejun/monitor-bot/internal/config"
	"github.com/dustinyejun/monitor-bot/internal/monitor"
	"github.com/dustinyejun/monitor-bot/internal/notify"
	"github.com/dustinyejun/monitor-bot/internal/observability/ops"
	"github.com/dustinyejun/monitor-bot/internal/rules"
	rtsup "github.com/dustinyejun/monitor-bot/internal/runtime/supervisor"
	"github.com/dustinyejun/monitor-bot/internal/solana"
	"github.com/dustinyejun/monitor-bot/internal/storage"
	"github.com/dustinyejun/monitor-bot/internal/twitter"
	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

// App wires the pipeline together: config, logging, storage, rule engine,
// dispatcher and the monitor manager.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	engine     *rules.Engine
	dispatcher *notify.Dispatcher
	registry   *monitor.Registry
	manager    *monitor.Manager
	ops        *ops.Server

	sup *rtsup.Supervisor
}

// statsSource adapts the manager and store for the ops endpoint.
type statsSource struct {
	manager *monitor.Manager
	store   storage.Store
}

func (s statsSource) Health() monitor.Health          { return s.manager.HealthCheck() }
func (s statsSource) Stats() map[string]monitor.Stats { return s.manager.Stats() }
func (s statsSource) NotificationStats(ctx context.Context) (storage.NotificationStats, error) {
	return s.store.NotificationStats(ctx)
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	ruleSet, err := rules.BuildRuleSet(cfg.Rules, cfg.Templates)
	if err != nil {
		return nil, err
	}

	channels, err := buildChannels(cfg.Notify)
	if err != nil {
		return nil, err
	}
	dispCfg, err := mapDispatcherConfig(cfg.Notify)
	if err != nil {
		return nil, err
	}
	dispatcher := notify.New(dispCfg, store, channels, log.With(logx.String("comp", "notify")))

	engine := rules.NewEngine(ruleSet, store, dispatcher, log.With(logx.String("comp", "rules")))

	registry := monitor.NewRegistry()
	if sc := cfg.Monitors.Solana; sc != nil && sc.Enabled {
		scCopy := *sc
		plog := log.With(logx.String("comp", "solana"))
		if err := registry.Register(solana.SourceType, func() (monitor.Plugin, error) {
			return solana.NewPlugin(scCopy, store, engine, plog)
		}); err != nil {
			return nil, err
		}
	}
	if tc := cfg.Monitors.Twitter; tc != nil && tc.Enabled {
		tcCopy := *tc
		plog := log.With(logx.String("comp", "twitter"))
		if err := registry.Register(twitter.SourceType, func() (monitor.Plugin, error) {
			return twitter.NewPlugin(tcCopy, store, engine, plog)
		}); err != nil {
			return nil, err
		}
	}

	startupDelay, err := config.ParseDurationField("monitors.startup_delay", cfg.Monitors.StartupDelay)
	if err != nil {
		return nil, err
	}
	stopTimeout, err := config.ParseDurationOrDefault("monitors.stop_timeout", cfg.Monitors.StopTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	manager := monitor.NewManager(monitor.ManagerConfig{
		StartupDelay: startupDelay,
		StopTimeout:  stopTimeout,
	}, registry, log.With(logx.String("comp", "monitor")))

	opsSrv := ops.New(ops.Config{
		Enabled:       cfg.Ops.Enabled,
		Addr:          cfg.Ops.Addr,
		Token:         cfg.Ops.Token,
		AllowInsecure: cfg.Ops.AllowInsecure,
	}, statsSource{manager: manager, store: store}, log.With(logx.String("comp", "ops")))

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logs,
		store:      store,
		engine:     engine,
		dispatcher: dispatcher,
		registry:   registry,
		manager:    manager,
		ops:        opsSrv,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	// Reject bad hot-reloads before they are committed or published.
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := rules.BuildRuleSet(cfg.Rules, cfg.Templates); err != nil {
			return err
		}
		if _, err := mapDispatcherConfig(cfg.Notify); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	cfg := a.cfgm.Get()
	if err := a.seedEntities(a.sup.Context(), cfg); err != nil {
		return fmt.Errorf("seed entities: %w", err)
	}

	if err := a.dispatcher.Start(a.sup.Context()); err != nil {
		return err
	}

	loaded := a.manager.LoadPlugins()
	if loaded == 0 && len(a.registry.Names()) > 0 {
		return fmt.Errorf("no monitor plugin could be constructed")
	}
	if !a.manager.StartAll(a.sup.Context()) && loaded > 0 {
		return fmt.Errorf("no monitor plugin reached running state")
	}

	a.ops.Start(a.sup.Context())

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.log.Info("started",
		logx.Int("plugins", loaded),
		logx.Any("channels", a.dispatcher.Channels()),
	)
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	if a.manager != nil {
		a.manager.StopAll(ctx)
	}
	if a.ops != nil {
		a.ops.Stop(ctx)
	}
	if a.dispatcher != nil {
		_ = a.dispatcher.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Health exposes the monitor manager summary.
func (a *App) Health() monitor.Health { return a.manager.HealthCheck() }

// Stats exposes per-plugin snapshots.
func (a *App) Stats() map[string]monitor.Stats { return a.manager.Stats() }

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, ruleChanges := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config change summary", fields...)
			if len(ruleChanges) > 0 {
				a.log.Debug("rule changes detected", logx.Any("rules", ruleChanges))
			}
			lastApplied = newCfg

			a.applyReload(ctx, sections, newCfg)
		}
	}
}

// applyReload applies the hot-reloadable sections. Storage and notify
// plumbing need a restart; say so instead of half-applying.
func (a *App) applyReload(ctx context.Context, sections []string, cfg *config.Config) {
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
		case "rules":
			set, err := rules.BuildRuleSet(cfg.Rules, cfg.Templates)
			if err != nil {
				// Validator should have caught this; keep the old set.
				a.log.Error("rule reload rejected", logx.Err(err))
				continue
			}
			a.engine.Reload(set)
			a.log.Info("rule set reloaded")
		case "monitors":
			if err := a.seedEntities(ctx, cfg); err != nil {
				a.log.Error("entity reseed failed", logx.Err(err))
			}
			a.log.Warn("monitor plumbing changes (intervals, endpoints) need a restart; entity lists were applied")
		case "storage", "notify", "ops":
			a.log.Warn("section requires restart to take effect", logx.String("section", s))
		}
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	prune, err := config.ParseDurationField("storage.prune_after", cfg.Storage.PruneAfter)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
		PruneAfter:  prune,
	}, nil
}

func mapDispatcherConfig(nc config.NotifyConfig) (notify.Config, error) {
	lookback, err := config.ParseDurationOrDefault("notify.retry.lookback", nc.Retry.Lookback, 24*time.Hour)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		RatePerSec:    nc.RatePerSec,
		QueueSize:     nc.QueueSize,
		RetrySchedule: nc.Retry.Schedule,
		MaxRetries:    nc.Retry.MaxRetries,
		Lookback:      lookback,
	}, nil
}

func buildChannels(nc config.NotifyConfig) ([]notify.Channel, error) {
	var out []notify.Channel
	if wc := nc.Webhook; wc != nil && wc.Enabled {
		timeout, err := config.ParseDurationOrDefault("notify.webhook.timeout", wc.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ch, err := notify.NewWebhookChannel(wc.URL, timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if tc := nc.Telegram; tc != nil && tc.Enabled {
		ch, err := notify.NewTelegramChannel(tc.Token, tc.ChatID)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("notify: at least one channel must be enabled")
	}
	return out, nil
}
