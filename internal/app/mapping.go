package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"kronos/internal/config"
	"kronos/internal/executor"
	"kronos/internal/observability/debug"
	"kronos/internal/storage"
)

func storageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	if (driver == "sqlite" || driver == "sqlite3") && path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

// executorConfig fills the executor config. Zero values fall through to the
// executor's own defaults.
func executorConfig(cfg *config.Config) (executor.Config, error) {
	ec := cfg.Executor
	out := executor.Config{
		Enabled:     ec.IsEnabled(),
		Workers:     ec.Workers,
		QueueSize:   ec.QueueSize,
		HistorySize: ec.HistorySize,
	}
	for _, d := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"executor.default_timeout", ec.DefaultTimeout, &out.DefaultTimeout},
		{"executor.max_queue_delay", ec.MaxQueueDelay, &out.MaxQueueDelay},
		{"executor.retry_base", ec.RetryBase, &out.RetryBase},
		{"executor.retry_max_delay", ec.RetryMaxDelay, &out.RetryMaxDelay},
	} {
		v, err := config.Duration(d.path, d.raw)
		if err != nil {
			return executor.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

func debugConfig(cfg *config.Config) (debug.Config, error) {
	dc := debug.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    strings.TrimSpace(cfg.Debug.Addr),
		Token:   strings.TrimSpace(cfg.Debug.Token),
	}
	if dc.Enabled && dc.Token == "" && dc.Addr != "" {
		host, _, err := net.SplitHostPort(dc.Addr)
		if err != nil {
			return debug.Config{}, fmt.Errorf("debug.addr: %w", err)
		}
		if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			return debug.Config{}, fmt.Errorf("debug.token is required when debug.addr is not loopback")
		}
	}
	return dc, nil
}
