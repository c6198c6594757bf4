// Package trigger owns the live set of workflow triggers: it validates them,
// arms them on the timer engine, persists them, and forwards fires to the
// job orchestrator.
package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"kronos/internal/errs"
	"kronos/internal/eventbus"
	"kronos/internal/keylock"
	"kronos/internal/model"
	"kronos/internal/storage"
	"kronos/internal/timer"
	logx "kronos/pkg/logx"
)

// Engine is the subset of *timer.Engine the registry drives.
type Engine interface {
	Validate(s model.Schedule, w timer.Window) error
	Schedule(id string, s model.Schedule, opts timer.Options, fire timer.FireFunc) error
	Unschedule(id string) error
	Pause(id string) (bool, error)
	Resume(id string) (bool, error)
	Next(id string) (time.Time, bool)
}

type Store interface {
	storage.NamespaceStore
	storage.WorkflowStore
	storage.TriggerStore
}

// FireHandler receives every fire of a stored trigger.
type FireHandler func(ctx context.Context, id model.TriggerID, at time.Time) error

type Registry struct {
	store  Store
	engine Engine
	clock  clockwork.Clock
	bus    eventbus.Bus
	log    logx.Logger
	warn   *logx.Throttled

	locks keylock.Map

	hmu     sync.RWMutex
	handler FireHandler
}

func New(store Store, engine Engine, clock clockwork.Clock, bus eventbus.Bus, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		store:  store,
		engine: engine,
		clock:  clock,
		bus:    bus,
		log:    log,
		warn:   logx.NewThrottled(log, 10*time.Second, 5),
	}
}

// OnFire sets the handler invoked for each fire.
func (r *Registry) OnFire(h FireHandler) {
	r.hmu.Lock()
	r.handler = h
	r.hmu.Unlock()
}

func (r *Registry) fireHandler() FireHandler {
	r.hmu.RLock()
	defer r.hmu.RUnlock()
	return r.handler
}

func engineID(id model.TriggerID) string { return id.String() }

func window(tr *model.WorkflowTrigger) timer.Window {
	return timer.Window{Start: tr.StartAt, End: tr.EndAt}
}

// Add validates tr, arms it and persists it. If persisting fails the timer
// registration is rolled back.
func (r *Registry) Add(ctx context.Context, tr *model.WorkflowTrigger) (*model.WorkflowTrigger, error) {
	if tr == nil {
		return nil, errs.New(errs.InvalidTrigger, "trigger required")
	}
	tr = tr.Clone()
	if err := r.requireWorkflow(ctx, tr.WorkflowID()); err != nil {
		return nil, err
	}
	sched, err := r.check(tr)
	if err != nil {
		return nil, err
	}

	id := tr.ID()
	unlock := r.locks.Lock(id.String())
	defer unlock()

	existing, err := r.store.LoadTrigger(ctx, id)
	if err != nil {
		return nil, errs.Service("load trigger", err)
	}
	if existing != nil {
		return nil, errs.New(errs.TriggerAlreadyExists, "trigger %s already exists", id)
	}

	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = r.clock.Now()
	}
	if err := r.arm(tr, sched); err != nil {
		if errors.Is(err, timer.ErrNeverFires) {
			return nil, errs.Wrap(errs.InvalidTrigger, err, "trigger %s", id)
		}
		return nil, errs.Service("register trigger", err)
	}
	if err := r.store.CreateTrigger(ctx, tr); err != nil {
		if uerr := r.engine.Unschedule(engineID(id)); uerr != nil {
			r.log.Error("rollback of trigger registration failed", logx.Stringer("trigger", id), logx.Err(uerr))
		}
		if errors.Is(err, storage.ErrExists) {
			return nil, errs.New(errs.TriggerAlreadyExists, "trigger %s already exists", id)
		}
		return nil, errs.Service("store trigger", err)
	}
	r.log.Info("trigger added", logx.Stringer("trigger", id), logx.String("schedule", string(tr.Schedule.Type)))
	return tr.Clone(), nil
}

// check validates tr's shape and schedule.
func (r *Registry) check(tr *model.WorkflowTrigger) (model.Schedule, error) {
	if err := model.Validate(tr); err != nil {
		return nil, errs.Wrap(errs.InvalidTrigger, err, "trigger %s", tr.ID())
	}
	if !tr.Enabled {
		return nil, errs.New(errs.InvalidTrigger, "trigger %s must be submitted enabled", tr.ID())
	}
	if !tr.StartAt.IsZero() && !tr.EndAt.IsZero() && tr.EndAt.Before(tr.StartAt) {
		return nil, errs.New(errs.InvalidTrigger, "trigger %s ends before it starts", tr.ID())
	}
	sched, err := tr.Schedule.Resolve()
	if err != nil {
		return nil, errs.Wrap(errs.InvalidTrigger, err, "trigger %s", tr.ID())
	}
	if err := r.engine.Validate(sched, window(tr)); err != nil {
		return nil, errs.Wrap(errs.InvalidTrigger, err, "trigger %s", tr.ID())
	}
	return sched, nil
}

func (r *Registry) arm(tr *model.WorkflowTrigger, sched model.Schedule) error {
	id := tr.ID()
	opts := timer.Options{
		Window:      window(tr),
		OnExhausted: func(string) { r.exhausted(id) },
	}
	return r.engine.Schedule(engineID(id), sched, opts, r.fireFunc(id))
}

func (r *Registry) fireFunc(id model.TriggerID) timer.FireFunc {
	return func(ctx context.Context, _ string, at time.Time) {
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Data: eventbus.TriggerEvent{
				Namespace: id.Namespace, Workflow: id.Workflow, Trigger: id.Name, At: at,
			}})
		}
		h := r.fireHandler()
		if h == nil {
			r.warn.Warn("trigger fired with no handler", logx.Stringer("trigger", id))
			return
		}
		if err := h(ctx, id, at); err != nil {
			r.warn.Warn("trigger fire failed", logx.Stringer("trigger", id), logx.Time("at", at), logx.Err(err))
		}
	}
}

// exhausted disables a trigger whose schedule can no longer fire.
func (r *Registry) exhausted(id model.TriggerID) {
	unlock := r.locks.Lock(id.String())
	defer unlock()

	ctx := context.Background()
	tr, err := r.store.LoadTrigger(ctx, id)
	if err != nil || tr == nil || !tr.Enabled {
		return
	}
	tr.Enabled = false
	if err := r.store.UpdateTrigger(ctx, tr); err != nil {
		r.log.Error("disable exhausted trigger failed", logx.Stringer("trigger", id), logx.Err(err))
		return
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerExhausted, Data: eventbus.TriggerEvent{
			Namespace: id.Namespace, Workflow: id.Workflow, Trigger: id.Name, At: r.clock.Now(),
		}})
	}
	r.log.Info("trigger exhausted; disabled", logx.Stringer("trigger", id))
}

// Pause disables a trigger. It returns (nil, nil) when the trigger was
// already paused.
func (r *Registry) Pause(ctx context.Context, id model.TriggerID) (*model.WorkflowTrigger, error) {
	unlock := r.locks.Lock(id.String())
	defer unlock()

	tr, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tr.Enabled {
		return nil, nil
	}
	paused, err := r.engine.Pause(engineID(id))
	if err != nil && !errors.Is(err, timer.ErrNotScheduled) {
		return nil, errs.Service("pause trigger", err)
	}
	tr.Enabled = false
	if err := r.store.UpdateTrigger(ctx, tr); err != nil {
		if paused {
			if _, rerr := r.engine.Resume(engineID(id)); rerr != nil {
				r.log.Error("rollback of trigger pause failed", logx.Stringer("trigger", id), logx.Err(rerr))
			}
		}
		return nil, errs.Service("store trigger", err)
	}
	r.log.Info("trigger paused", logx.Stringer("trigger", id))
	return tr, nil
}

// Resume re-enables a trigger, computing its next fire from now. It returns
// (nil, nil) when the trigger was not paused.
func (r *Registry) Resume(ctx context.Context, id model.TriggerID) (*model.WorkflowTrigger, error) {
	unlock := r.locks.Lock(id.String())
	defer unlock()

	tr, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if tr.Enabled {
		return nil, nil
	}

	_, err = r.engine.Resume(engineID(id))
	if errors.Is(err, timer.ErrNotScheduled) {
		var sched model.Schedule
		sched, err = tr.Schedule.Resolve()
		if err == nil {
			err = r.arm(tr, sched)
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, timer.ErrNeverFires):
		return nil, errs.Wrap(errs.InvalidTrigger, err, "trigger %s can no longer fire", id)
	default:
		return nil, errs.Service("resume trigger", err)
	}

	tr.Enabled = true
	if err := r.store.UpdateTrigger(ctx, tr); err != nil {
		if _, perr := r.engine.Pause(engineID(id)); perr != nil {
			r.log.Error("rollback of trigger resume failed", logx.Stringer("trigger", id), logx.Err(perr))
		}
		return nil, errs.Service("store trigger", err)
	}
	r.log.Info("trigger resumed", logx.Stringer("trigger", id))
	return tr, nil
}

// Delete unregisters the trigger from the timer engine, then removes it from
// the store. No fire for id is delivered once Delete returns.
func (r *Registry) Delete(ctx context.Context, id model.TriggerID) error {
	unlock := r.locks.Lock(id.String())
	defer unlock()

	tr, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	if err := r.engine.Unschedule(engineID(id)); err != nil && !errors.Is(err, timer.ErrNotScheduled) {
		return errs.Service("unschedule trigger", err)
	}
	if err := r.store.DeleteTrigger(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if tr.Enabled {
			sched, rerr := tr.Schedule.Resolve()
			if rerr == nil {
				rerr = r.arm(tr, sched)
			}
			if rerr != nil {
				r.log.Error("rollback of trigger delete failed", logx.Stringer("trigger", id), logx.Err(rerr))
			}
		}
		return errs.Service("delete trigger", err)
	}
	r.log.Info("trigger deleted", logx.Stringer("trigger", id))
	return nil
}

func (r *Registry) load(ctx context.Context, id model.TriggerID) (*model.WorkflowTrigger, error) {
	tr, err := r.store.LoadTrigger(ctx, id)
	if err != nil {
		return nil, errs.Service("load trigger", err)
	}
	if tr == nil {
		return nil, errs.New(errs.TriggerNotFound, "trigger %s not found", id)
	}
	return tr, nil
}

func (r *Registry) requireNamespace(ctx context.Context, ns string) error {
	got, err := r.store.LoadNamespace(ctx, ns)
	if err != nil {
		return errs.Service("load namespace", err)
	}
	if got == nil {
		return errs.New(errs.NamespaceNotFound, "namespace %q not found", ns)
	}
	return nil
}

func (r *Registry) requireWorkflow(ctx context.Context, id model.WorkflowID) error {
	if err := r.requireNamespace(ctx, id.Namespace); err != nil {
		return err
	}
	wf, err := r.store.LoadWorkflow(ctx, id)
	if err != nil {
		return errs.Service("load workflow", err)
	}
	if wf == nil {
		return errs.New(errs.WorkflowNotFound, "workflow %s not found", id)
	}
	return nil
}
