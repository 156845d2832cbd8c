// Package app assembles the services into one runnable daemon and owns
// their start/stop ordering and config hot-reload.
package app

import (
	"context"
	"time"

	"github.com/spf13/afero"

	"artifactd/internal/artifact"
	"artifactd/internal/config"
	"artifactd/internal/delivery"
	"artifactd/internal/dispatch"
	"artifactd/internal/engine"
	"artifactd/internal/eventbus"
	"artifactd/internal/httpapi"
	"artifactd/internal/producer"
	"artifactd/internal/producer/builtin"
	rtsup "artifactd/internal/runtime/supervisor"
	"artifactd/internal/store"
	logx "artifactd/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	sup *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     *store.Store
	engine    *engine.Service
	artifacts *artifact.Service
	delivery  *delivery.Service
	dispatch  *dispatch.Service
	http      *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	stOpts, err := mapStoreOptions(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stOpts, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, log.With(logx.String("comp", "engine")), bus)

	retention, err := defaultRetention(cfg)
	if err != nil {
		return nil, err
	}
	arts := artifact.New(afero.NewOsFs(), cfg.Storage.ArtifactDir, st, retention,
		log.With(logx.String("comp", "artifact")))

	reg := producer.NewRegistry()
	reg.Register(builtin.NewReportProducer(st, log.With(logx.String("comp", "producer.report"))))
	reg.Register(builtin.NewExportProducer(st, log.With(logx.String("comp", "producer.export"))))
	reg.Register(builtin.NewBackupProducer(afero.NewOsFs(), cfg.Storage.BackupSourceDir,
		log.With(logx.String("comp", "producer.backup"))))

	delCfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	del := delivery.New(delCfg, st, bus, log.With(logx.String("comp", "delivery")))
	if dir := cfg.Delivery.SaveDir; dir != "" {
		del.Register(delivery.NewStorageSender(afero.NewOsFs(), dir,
			log.With(logx.String("comp", "delivery.storage"))))
	}
	if ec := cfg.Delivery.Email; ec != nil && ec.Enabled {
		del.Register(delivery.NewEmailSender(delivery.EmailConfig{
			Host:       ec.Host,
			Port:       ec.Port,
			From:       ec.From,
			Username:   ec.Username,
			Password:   ec.Password,
			RatePerSec: float64(ec.RatePerSec),
		}, log.With(logx.String("comp", "delivery.email"))))
	}
	if tc := cfg.Delivery.Telegram; tc != nil && tc.Enabled {
		poll, err := config.ParseDurationOrDefault("delivery.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		snd, err := delivery.NewTelegramSender(delivery.TelegramConfig{
			Token:       tc.Token,
			PollTimeout: poll,
		}, log.With(logx.String("comp", "delivery.telegram")))
		if err != nil {
			return nil, err
		}
		del.Register(snd)
	}

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, st, eng, reg, arts, del, bus,
		log.With(logx.String("comp", "dispatch")))

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	srv := httpapi.New(httpCfg, disp, arts, st, log.With(logx.String("comp", "http")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     st,
		engine:    eng,
		artifacts: arts,
		delivery:  del,
		dispatch:  disp,
		http:      srv,
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: a reload that fails validation is
	// rejected before any service sees it.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDeliveryConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStoreOptions(cfg); err != nil {
			return err
		}
		if _, err := defaultRetention(cfg); err != nil {
			return err
		}
		return nil
	})

	a.engine.Start(a.sup.Context())
	if err := a.dispatch.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("http", func(context.Context) error {
		return a.http.Start()
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyReload(last, newCfg)
				last = newCfg
			}
		}
	})

	// Event log tap. Components publish lifecycle events on the bus;
	// keep this at debug level to avoid noise from frequent schedules.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.log.Info("started")
	return nil
}

// applyReload applies the subset of config that can change at runtime.
// Sections that require a restart (storage paths, http listener, senders)
// are logged and deferred.
func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return
	}
	a.log.Info("config changed", append([]logx.Field{logx.Any("sections", sections)}, attrs...)...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		case "storage", "http", "delivery", "engine", "dispatcher":
			a.log.Warn("config section needs a restart to take effect",
				logx.String("section", s))
		}
	}
}

// Stop shuts services down in reverse dependency order: the listener
// first so no new work arrives, then dispatch (which drains in-flight
// runs through the engine), then the engine and the store.
func (a *App) Stop(ctx context.Context) {
	if err := a.http.Shutdown(ctx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	a.dispatch.Stop(ctx)
	a.engine.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil {
			a.log.Warn("supervisor drain", logx.Err(err))
		}
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	_ = a.logs.Close()
	a.log.Info("stopped")
}
