// Package app wires the scheduler's components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"kronos/internal/config"
	"kronos/internal/eventbus"
	"kronos/internal/executor"
	"kronos/internal/job"
	"kronos/internal/loader"
	"kronos/internal/model"
	"kronos/internal/notify"
	"kronos/internal/observability/debug"
	"kronos/internal/runtime/supervisor"
	"kronos/internal/storage"
	"kronos/internal/timer"
	"kronos/internal/trigger"
	"kronos/internal/workflow"
	logx "kronos/pkg/logx"
)

type App struct {
	cfgm  *config.Manager
	cfgMu sync.RWMutex
	cfg   *config.Config
	sup   *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	clock clockwork.Clock

	store     storage.Store
	bus       *eventbus.MemBus
	notify    *notify.Bus
	timer     *timer.Engine
	triggers  *trigger.Registry
	workflows *workflow.Service
	jobs      *job.Orchestrator
	exec      *executor.Service
	loader    *loader.Loader
	debug     *debug.Server
}

// New loads the config at cfgPath (empty for defaults) and builds every
// component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	boot := logx.NewConsole("INFO").With(logx.String("comp", "config"))
	cfgm := config.NewManager(cfgPath, boot)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg, clockwork.NewRealClock())
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config, clock clockwork.Clock) (*App, error) {
	logs, log := logx.New(cfg.Logging.Logx())
	comp := func(name string) logx.Logger { return log.With(logx.String("comp", name)) }

	sc, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	ec, err := executorConfig(cfg)
	if err != nil {
		return nil, err
	}
	dc, err := debugConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		cfg:    cfg,
		log:    comp("app"),
		logs:   logs,
		clock:  clock,
		store:  store,
		bus:    eventbus.New(),
		notify: notify.New(comp("notify")),
	}
	a.timer = timer.New(timer.Config{Timezone: cfg.Scheduler.Timezone}, clock, comp("timer"))
	a.triggers = trigger.New(store, a.timer, clock, a.bus, comp("trigger"))
	a.workflows = workflow.New(store, a.triggers, clock, comp("workflow"))
	a.jobs = job.New(store, a.workflows, a.notify, a.bus, clock, comp("job"))
	a.exec = executor.New(ec, a.jobs, a.bus, clock, comp("executor"))
	a.loader = loader.New(a.workflows, a.triggers, comp("loader"))
	a.debug = debug.New(dc, a.Status, comp("debug"))

	a.triggers.OnFire(a.jobs.HandleFire)
	a.jobs.SetDispatcher(localDispatcher{exec: a.exec, log: a.log})
	return a, nil
}

// localDispatcher hands tasks to the in-process executor. With the executor
// disabled tasks stay SCHEDULED until an external worker reports them.
type localDispatcher struct {
	exec *executor.Service
	log  logx.Logger
}

func (d localDispatcher) Dispatch(ctx context.Context, t *model.Task) error {
	if !d.exec.Enabled() {
		d.log.Debug("executor disabled; task left for external worker", logx.Stringer("task", t.Identity()))
		return nil
	}
	return d.exec.Dispatch(ctx, t)
}

func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

func (a *App) Store() storage.Store               { return a.store }
func (a *App) Events() eventbus.Bus               { return a.bus }
func (a *App) Notify() *notify.Bus                { return a.notify }
func (a *App) Triggers() *trigger.Registry        { return a.triggers }
func (a *App) Workflows() *workflow.Service       { return a.workflows }
func (a *App) Jobs() *job.Orchestrator            { return a.jobs }
func (a *App) Executor() *executor.Service        { return a.exec }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }
func (a *App) Logger() logx.Logger                { return a.log }

// Done is closed once the app stops, by Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the scheduler up: executor first, then recovery of stored
// jobs, then stored triggers, then the definitions file, then config hot
// reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.exec.Start(run)

	ns := a.cfg.Scheduler.DefaultNamespace
	if ns == "" {
		ns = model.DefaultNamespace
	}
	if err := a.workflows.EnsureNamespace(run, ns); err != nil {
		return err
	}

	// Jobs left by the previous process are recovered before any trigger
	// can fire, so recovery never sees a job created by this one.
	n, err := a.jobs.Recover(run)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if n > 0 {
		a.log.Info("unfinished jobs recovered", logx.Int("jobs", n))
	}
	armed, err := a.triggers.Restore(run)
	if err != nil {
		return fmt.Errorf("restore triggers: %w", err)
	}
	a.log.Debug("triggers armed", logx.Int("count", armed))

	if err := a.loadDefinitions(run, a.cfg.Definitions.Path); err != nil {
		return err
	}

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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	if a.debug.Enabled() {
		a.sup.GoRestart("debug.http", a.debug.Serve)
	}

	if a.cfgm != nil {
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := executorConfig(cfg); err != nil {
				return err
			}
			if _, err := debugConfig(cfg); err != nil {
				return err
			}
			_, err := storageConfig(cfg)
			return err
		})
		sub := a.cfgm.Subscribe(8)
		a.sup.Go("config.reload", func(c context.Context) error {
			defer a.cfgm.Unsubscribe(sub)
			return a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("kronos started",
		logx.String("storage", a.cfg.Storage.Driver),
		logx.Bool("executor", a.exec.Enabled()),
		logx.String("timezone", a.timer.Location().String()))
	return nil
}

// Status is the snapshot served at /status.
type Status struct {
	Executor   executor.Snapshot  `json:"executor"`
	Goroutines []supervisor.Stats `json:"goroutines"`
	Timers     int                `json:"timers"`
	Events     uint64             `json:"events_dropped"`
}

func (a *App) Status(context.Context) any {
	st := Status{
		Executor: a.exec.Snapshot(),
		Timers:   a.timer.Len(),
		Events:   a.bus.Dropped(),
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	return st
}

func (a *App) loadDefinitions(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	f, err := loader.ReadFile(path)
	if err != nil {
		return fmt.Errorf("definitions: %w", err)
	}
	res, err := a.loader.Load(ctx, f)
	if err != nil {
		return fmt.Errorf("definitions: %w", err)
	}
	if res.Failed > 0 {
		a.log.Warn("some definitions were not loaded", logx.Int("failed", res.Failed))
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Only the newest pending config matters.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					cfg = newer
				default:
					drained = true
				}
			}
			a.apply(ctx, cfg)
		}
	}
}

// apply hot-reloads logging and the executor. Other sections need a restart.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	change := config.Diff(a.Config(), cfg)
	if change.Empty() {
		a.log.Debug("config reload without effective changes")
		return
	}
	a.logs.Apply(cfg.Logging.Logx())

	ec, err := executorConfig(cfg)
	if err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(ctx, ec)
	}
	if len(change.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(change.Restart, ",")))
	}
	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Fields...)
	a.log.Info("config applied", fields...)
}

// Stop shuts components down in reverse dependency order, bounding each
// step so one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errsSeen []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

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
				errsSeen = append(errsSeen, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("timer", 2*time.Second, func(c context.Context) error { a.timer.Stop(c); return nil })
	step("executor", 3*time.Second, func(c context.Context) error { a.exec.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errsSeen...)
}
