package app

import (
	"fmt"
	"strings"
	"time"

	"coursebot/internal/canvas"
	"coursebot/internal/config"
	"coursebot/internal/notifier"
	"coursebot/internal/poller"
	"coursebot/internal/storage"
)

// Mapping helpers translate the on-disk config (durations as strings)
// into the typed configs each component consumes. They also serve as
// validation for hot-reload: a config that fails to map is rejected
// before commit.

func mapCanvasConfig(cfg *config.Config) (canvas.Config, error) {
	if cfg == nil {
		return canvas.Config{}, fmt.Errorf("nil config")
	}
	timeout, err := config.ParseDurationOrDefault("canvas.request_timeout", cfg.Canvas.RequestTimeout, 15*time.Second)
	if err != nil {
		return canvas.Config{}, err
	}
	if strings.TrimSpace(cfg.Canvas.BaseURL) == "" {
		return canvas.Config{}, fmt.Errorf("canvas.base_url is required")
	}
	if strings.TrimSpace(cfg.Canvas.Token) == "" {
		return canvas.Config{}, fmt.Errorf("canvas.token is required (config or COURSEBOT_CANVAS_TOKEN)")
	}
	if cfg.Canvas.MaxPageSize < 0 || cfg.Canvas.MaxPageSize > 100 {
		return canvas.Config{}, fmt.Errorf("canvas.max_page_size must be 0..100")
	}
	return canvas.Config{
		BaseURL:        cfg.Canvas.BaseURL,
		Token:          cfg.Canvas.Token,
		RequestTimeout: timeout,
		RatePerSec:     float64(cfg.Canvas.RatePerSec),
		IncludeItems:   cfg.Canvas.IncludeItems,
		MaxPageSize:    cfg.Canvas.MaxPageSize,
	}, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, time.Hour)
	if err != nil {
		return poller.Config{}, err
	}
	fetchTimeout, err := config.ParseDurationOrDefault("poller.fetch_timeout", cfg.Poller.FetchTimeout, 30*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	if cfg.Poller.Enabled && interval < 30*time.Second {
		return poller.Config{}, fmt.Errorf("poller.interval %s is below the 30s minimum", interval)
	}
	if cfg.Poller.HistorySize < 0 {
		return poller.Config{}, fmt.Errorf("poller.history_size must be >= 0")
	}
	return poller.Config{
		Enabled:      cfg.Poller.Enabled,
		Interval:     interval,
		FetchTimeout: fetchTimeout,
		HistorySize:  cfg.Poller.HistorySize,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	// An omitted notifier section means enabled with defaults.
	n := cfg.Notifier
	if n == nil {
		return notifier.Config{Enabled: true}, nil
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier settings must be >= 0")
	}
	return notifier.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		DedupWindow:   dedupWindow,
		PersistDedup:  n.PersistDedup,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := storage.Config{Driver: "sqlite", Path: "./data/coursebot.db"}
	s := cfg.Storage
	if s == nil {
		return sc, nil
	}
	if d := strings.TrimSpace(s.Driver); d != "" {
		sc.Driver = d
	}
	if p := strings.TrimSpace(s.Path); p != "" {
		sc.Path = p
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	sc.BusyTimeout = busy
	return sc, nil
}
