package config

import (
	"reflect"

	logx "kronos/pkg/logx"
)

// Change summarizes what differs between two configs.
type Change struct {
	// Sections lists the top-level keys that changed.
	Sections []string
	// Restart lists changed sections that only take effect on restart.
	Restart []string
	Fields  []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		c.Sections = append(c.Sections, "logging")
		c.Fields = append(c.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		c.Sections = append(c.Sections, "executor")
		c.Fields = append(c.Fields,
			logx.Bool("executor.enabled", newCfg.Executor.IsEnabled()),
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize))
	}
	for _, s := range []struct {
		name    string
		changed bool
	}{
		{"scheduler", oldCfg.Scheduler != newCfg.Scheduler},
		{"storage", oldCfg.Storage != newCfg.Storage},
		{"definitions", oldCfg.Definitions != newCfg.Definitions},
		{"debug", oldCfg.Debug != newCfg.Debug},
	} {
		if s.changed {
			c.Sections = append(c.Sections, s.name)
			c.Restart = append(c.Restart, s.name)
		}
	}
	return c
}
