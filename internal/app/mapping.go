package app

import (
	"time"

	"artifactd/internal/config"
	"artifactd/internal/delivery"
	"artifactd/internal/dispatch"
	"artifactd/internal/engine"
	"artifactd/internal/httpapi"
	"artifactd/internal/store"
)

// Config section -> service config mapping. Duration fields arrive as
// strings and are validated here, so a bad hot-reload is rejected before
// it reaches a running service.

func mapStoreOptions(cfg *config.Config) (store.Options, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return store.Options{}, err
	}
	return store.Options{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	base, err := config.ParseDurationOrDefault("engine.retry_base", cfg.Engine.RetryBase, 0)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("engine.retry_max_delay", cfg.Engine.RetryMaxDelay, 0)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:       cfg.Engine.Workers,
		QueueSize:     cfg.Engine.QueueSize,
		RetryMax:      cfg.Engine.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		HistorySize:   cfg.Engine.HistorySize,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	tick, err := config.ParseDurationOrDefault("dispatcher.tick_interval", cfg.Dispatcher.TickInterval, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	sweep, err := config.ParseDurationOrDefault("dispatcher.sweep_interval", cfg.Dispatcher.SweepInterval, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	report, err := config.ParseDurationOrDefault("engine.report_timeout", cfg.Engine.ReportTimeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	export, err := config.ParseDurationOrDefault("engine.export_timeout", cfg.Engine.ExportTimeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	backup, err := config.ParseDurationOrDefault("engine.backup_timeout", cfg.Engine.BackupTimeout, 0)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		TickInterval:  tick,
		SweepInterval: sweep,
		Timezone:      cfg.Dispatcher.Timezone,
		ReportTimeout: report,
		ExportTimeout: export,
		BackupTimeout: backup,
	}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	base, err := config.ParseDurationOrDefault("delivery.retry_base", cfg.Delivery.RetryBase, 0)
	if err != nil {
		return delivery.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay, 0)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		RetryMax:      cfg.Delivery.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", cfg.HTTP.IdleTimeout, 0)
	if err != nil {
		return httpapi.Config{}, err
	}
	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	return httpapi.Config{
		Addr:         addr,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func defaultRetention(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("storage.default_retention", cfg.Storage.DefaultRetention, 168*time.Hour)
}
