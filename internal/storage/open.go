package storage

import (
	"context"
	"errors"
	"strings"

	logx "kronos/pkg/logx"
)

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
