// Package config loads the kronos config file (JSON or YAML), validates it
// and republishes it on change.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	logx "kronos/pkg/logx"
)

// Config is the whole config file. Durations are Go duration strings.
//
//	logging:     { level: info, console: true }
//	scheduler:   { timezone: UTC, default_namespace: default }
//	executor:    { workers: 4, queue_size: 256, default_timeout: 1m }
//	storage:     { driver: sqlite, path: ./kronos.db }
//	definitions: { path: ./workflows.yaml }
//	debug:       { enabled: true, addr: 127.0.0.1:6060 }
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Executor    ExecutorConfig    `json:"executor"`
	Storage     StorageConfig     `json:"storage"`
	Definitions DefinitionsConfig `json:"definitions"`
	Debug       DebugConfig       `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

type SchedulerConfig struct {
	// Timezone is used by cron triggers that do not name one.
	Timezone         string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	DefaultNamespace string `json:"default_namespace,omitempty" validate:"omitempty,excludesall=/"`
}

// ExecutorConfig controls the local worker pool. Enabled is a pointer so an
// omitted key means enabled.
type ExecutorConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty" validate:"gte=0,lte=1024"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
}

func (e ExecutorConfig) IsEnabled() bool { return e.Enabled == nil || *e.Enabled }

type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory mem sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type DefinitionsConfig struct {
	// Path of a YAML definitions file loaded at startup. Empty skips loading.
	Path string `json:"path,omitempty"`
}

// DebugConfig controls the HTTP endpoint with /healthz, /status and pprof.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token   string `json:"token,omitempty"`
}

// Default is the config used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Scheduler: SchedulerConfig{Timezone: "UTC", DefaultNamespace: "default"},
		Storage:   StorageConfig{Driver: "memory"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and every duration field.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	for path, raw := range map[string]string{
		"executor.default_timeout": cfg.Executor.DefaultTimeout,
		"executor.max_queue_delay": cfg.Executor.MaxQueueDelay,
		"executor.retry_base":      cfg.Executor.RetryBase,
		"executor.retry_max_delay": cfg.Executor.RetryMaxDelay,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
	} {
		if _, err := Duration(path, raw); err != nil {
			return err
		}
	}
	return nil
}

// Duration parses a non-negative duration field. Empty is 0.
func Duration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// MustDuration is Duration for values Validate already accepted.
func MustDuration(raw string) time.Duration {
	d, _ := Duration("", raw)
	return d
}

// Logx converts the logging section to the logger's config.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}
