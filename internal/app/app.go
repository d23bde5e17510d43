package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"playwatch/internal/backup"
	"playwatch/internal/catalog"
	"playwatch/internal/config"
	"playwatch/internal/jobs"
	"playwatch/internal/notify"
	"playwatch/internal/runtime/supervisor"
	"playwatch/internal/statefile"
	"playwatch/internal/storage"
	kit "playwatch/internal/transport"
	telegram "playwatch/internal/transport/telegram/adapter"
	"playwatch/internal/watch"
	logx "playwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter kit.Adapter

	jobs    *jobs.Service
	notif   *notify.Service
	cat     *catalog.Client
	users   *watch.Store
	checker *watch.Checker
	sched   *watch.Scheduler
	backups *backup.Service
	states  *stateManager
	router  *router

	autosave time.Duration
	updates  chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	// Adapter config mapping
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Logging service mapping.
	// logx.New() calls Apply() immediately. If Telegram logging is enabled
	// before the target chat is set, Apply() emits a false-positive warning,
	// so bootstrap with it disabled, set the target, then Apply() for real.
	baseLogCfg := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    false,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if cfg.Logging.Telegram.ChatID != 0 {
		logSvc.SetTelegramTarget(cfg.Logging.Telegram.ChatID)
	}
	finalLogCfg := baseLogCfg
	finalLogCfg.Telegram.Enabled = cfg.Logging.Telegram.Enabled
	logSvc.Apply(finalLogCfg)

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	jobsSvc := jobs.New(jcfg, log.With(logx.String("comp", "jobs")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notify.New(ncfg, ad, store, log.With(logx.String("comp", "notifier")))

	ccfg, err := mapCatalogConfig(cfg)
	if err != nil {
		return nil, err
	}
	cat := catalog.NewClient(ccfg, log.With(logx.String("comp", "catalog")))

	defaults, err := mapWatchDefaults(cfg)
	if err != nil {
		return nil, err
	}
	users := watch.NewStore(defaults)

	var auditor watch.Auditor
	if store != nil {
		auditor = &checkAuditor{store: store}
	}
	checker := watch.NewChecker(users, cat, notifSvc, auditor, log)
	sched := watch.NewScheduler(users, jobsSvc, checker, log)

	backupSvc := backup.New(backup.Config{
		Dir:        cfg.Backups.Dir,
		MaxPerUser: cfg.Backups.MaxPerUser,
	}, users, sched, log.With(logx.String("comp", "backup")))

	// "0s" disables periodic autosave; empty means the one-minute default.
	autosave, err := config.ParseDurationField("data.autosave_interval", cfg.Data.AutosaveInterval)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Data.AutosaveInterval) == "" {
		autosave = time.Minute
	}
	states := newStateManager(cfg.Data.Dir, autosave, users, log)
	checker.OnStateChange = states.MarkDirty

	rt := newRouter(ad, users, sched, backupSvc, jobsSvc, states, cat, log)
	rt.SetAccess(cfg.Telegram)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		store:    store,
		adapter:  ad,
		jobs:     jobsSvc,
		notif:    notifSvc,
		cat:      cat,
		users:    users,
		checker:  checker,
		sched:    sched,
		backups:  backupSvc,
		states:   states,
		router:   rt,
		autosave: autosave,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := mapJobsConfig(cfg); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Jobs.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("jobs.timezone: invalid %q: %w", tz, err)
			}
		}
		if _, err := mapWatchDefaults(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, err := mapCatalogConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("data.autosave_interval", cfg.Data.AutosaveInterval); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.jobs.Start(a.sup.Context())

	loaded, err := a.states.LoadAll()
	if err != nil {
		return err
	}
	if loaded == 0 {
		a.seedFirstBoot()
	}

	stats := a.sched.RescheduleAll()
	a.log.Info("schedule rebuilt",
		logx.Int("scheduled", stats.Scheduled), logx.Int("dropped", stats.Dropped))

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.Dispatch(c, a.updates)
	})
	a.sup.Go("notify.run", func(c context.Context) error {
		return a.notif.Run(c)
	})
	if a.autosave > 0 {
		a.sup.Go0("state.autosave", a.states.AutosaveLoop)
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the hot-reloadable sections of a validated config:
// logging and Telegram access lists. Everything that is wired at construction
// time (jobs, storage, data locations) only logs a restart-required warning.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "jobs", "storage", "data", "backups", "notifier", "catalog", "watch":
			a.log.Warn("config section changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	// update log target first (so Apply() doesn't warn when Telegram logging is enabled)
	a.logs.SetTelegramTarget(newCfg.Logging.Telegram.ChatID)
	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    newCfg.Logging.Telegram.Enabled,
			MinLevel:   newCfg.Logging.Telegram.MinLevel,
			RatePerSec: newCfg.Logging.Telegram.RatePerSec,
		},
	})

	a.router.SetAccess(newCfg.Telegram)

	a.log.Info("config reloaded", fields...)
}

// seedFirstBoot imports the optional seed state file for the first owner when
// no per-chat state exists yet. Failures are logged, never fatal: the bot
// simply starts empty.
func (a *App) seedFirstBoot() {
	cfg := a.cfgm.Get()
	seed := strings.TrimSpace(cfg.Data.FirstBoot)
	if seed == "" || len(cfg.Telegram.OwnerUserIDs) == 0 {
		return
	}
	owner := cfg.Telegram.OwnerUserIDs[0]

	doc, err := statefile.Load(seed)
	if err != nil {
		a.log.Warn("first-boot seed load failed", logx.String("file", seed), logx.Err(err))
		return
	}
	st, err := watch.UserStateFromDocument(doc, a.users.Defaults())
	if err != nil {
		a.log.Warn("first-boot seed decode failed", logx.String("file", seed), logx.Err(err))
		return
	}
	a.users.Put(owner, st)
	if err := a.states.Save(owner); err != nil {
		a.log.Warn("first-boot state save failed", logx.Int64("chat_id", owner), logx.Err(err))
	}
	a.log.Info("first-boot seed imported",
		logx.Int64("chat_id", owner), logx.Int("items", st.Len()))
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// State goes first so nothing a late job wrote is lost.
	step("state", 2*time.Second, func(c context.Context) error { a.states.SaveAll(); return nil })
	step("jobs", 3*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, dispatcher, notifier).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// checkAuditor bridges check outcomes into the persistence layer.
type checkAuditor struct {
	store storage.Store
}

func (a *checkAuditor) RecordCheck(ctx context.Context, chatID int64, catalogID string, e watch.CheckHistoryEntry) error {
	return a.store.AppendCheck(ctx, storage.CheckEntry{
		At:              e.Time,
		ChatID:          chatID,
		Name:            e.Name,
		CatalogID:       catalogID,
		PreviousVersion: e.PreviousVersion,
		NewVersion:      e.NewVersion,
		UpdateFound:     e.UpdateFound,
	})
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	if cfg == nil {
		return jobs.Config{}, nil
	}
	if cfg.Jobs.Workers < 0 {
		return jobs.Config{}, fmt.Errorf("jobs.workers must be >= 0")
	}
	if cfg.Jobs.HistorySize < 0 {
		return jobs.Config{}, fmt.Errorf("jobs.history_size must be >= 0")
	}
	if cfg.Jobs.RetryMax < 0 {
		return jobs.Config{}, fmt.Errorf("jobs.retry_max must be >= 0")
	}
	defTimeout, err := config.ParseDurationField("jobs.default_timeout", cfg.Jobs.DefaultTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		Workers:        cfg.Jobs.Workers,
		DefaultTimeout: defTimeout,
		HistorySize:    cfg.Jobs.HistorySize,
		Timezone:       cfg.Jobs.Timezone,
		RetryMax:       cfg.Jobs.RetryMax,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	if cfg == nil || cfg.Notifier == nil {
		return notify.Config{}, nil
	}
	n := cfg.Notifier
	if n.QueueSize < 0 {
		return notify.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	if n.RatePerSec < 0 {
		return notify.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		QueueSize:     n.QueueSize,
		RatePerSecond: n.RatePerSec,
		Burst:         n.Burst,
		DedupWindow:   window,
	}, nil
}

func mapCatalogConfig(cfg *config.Config) (catalog.Config, error) {
	if cfg == nil || cfg.Catalog == nil {
		return catalog.Config{}, nil
	}
	timeout, err := config.ParseDurationField("catalog.timeout", cfg.Catalog.Timeout)
	if err != nil {
		return catalog.Config{}, err
	}
	return catalog.Config{
		BaseURL:   cfg.Catalog.BaseURL,
		Timeout:   timeout,
		UserAgent: cfg.Catalog.UserAgent,
	}, nil
}

func mapWatchDefaults(cfg *config.Config) (watch.DefaultSettings, error) {
	raw := strings.TrimSpace(cfg.Watch.DefaultCheckInterval)
	if raw == "" {
		raw = "0m1d0h0min0s"
	}
	in, err := watch.ParseInterval(raw)
	if err != nil {
		return watch.DefaultSettings{}, fmt.Errorf("watch.default_check_interval: %w", err)
	}
	return watch.DefaultSettings{
		CheckInterval:    in.Interval(),
		NotifyEveryCheck: cfg.Watch.DefaultNotifyEveryCheck,
	}, nil
}
