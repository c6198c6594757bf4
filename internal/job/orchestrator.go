// Package job turns trigger fires into jobs and drives their task state
// machine.
//
// Every mutation of a job happens under that job's lock and is persisted
// before listeners hear about it. Dispatching to the executor and listener
// delivery happen after the lock is released, so both may call back in.
package job

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"kronos/internal/dag"
	"kronos/internal/errs"
	"kronos/internal/eventbus"
	"kronos/internal/keylock"
	"kronos/internal/model"
	"kronos/internal/notify"
	"kronos/internal/storage"
	"kronos/internal/workflow"
	logx "kronos/pkg/logx"
)

const warnEvery = 5 * time.Second

type Store interface {
	storage.NamespaceStore
	storage.TriggerStore
	storage.JobStore
	storage.TaskStore
}

// Workflows loads and validates the workflow a job is created from.
type Workflows interface {
	Get(ctx context.Context, id model.WorkflowID) (*model.WorkflowDefinition, error)
	Resolve(ctx context.Context, wf *model.WorkflowDefinition) (*workflow.Resolved, error)
}

// Dispatcher hands a SCHEDULED task to whatever executes it. The task
// carries its resolved parameters. The executor reports back through
// Orchestrator.ReportTaskStatus.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *model.Task) error
}

// Report is a status update from the executor.
type Report struct {
	Task    model.TaskID
	Status  model.TaskStatus
	Message string
	Outputs map[string]any
}

type Orchestrator struct {
	store     Store
	workflows Workflows
	notify    *notify.Bus
	bus       eventbus.Bus
	clock     clockwork.Clock
	log       logx.Logger
	warn      *logx.Throttled

	dispatch Dispatcher
	locks    keylock.Map
	newID    func() string

	// owned holds jobs created by this process until Recover has run.
	owned     sync.Map
	recovered atomic.Bool
}

func New(store Store, workflows Workflows, nb *notify.Bus, bus eventbus.Bus, clock clockwork.Clock, log logx.Logger) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if nb == nil {
		nb = notify.New(log)
	}
	return &Orchestrator{
		store:     store,
		workflows: workflows,
		notify:    nb,
		bus:       bus,
		clock:     clock,
		log:       log,
		warn:      logx.NewThrottled(log, warnEvery, 3),
		newID:     func() string { return uuid.NewString() },
	}
}

// SetDispatcher installs the executor. Without one, SCHEDULED tasks wait for
// an external ReportTaskStatus.
func (o *Orchestrator) SetDispatcher(d Dispatcher) { o.dispatch = d }

// HandleFire creates a job for a trigger fire. It matches trigger.FireHandler.
func (o *Orchestrator) HandleFire(ctx context.Context, id model.TriggerID, at time.Time) error {
	tr, err := o.store.LoadTrigger(ctx, id)
	if err != nil {
		return errs.Service("load trigger", err)
	}
	if tr == nil {
		return errs.New(errs.TriggerNotFound, "trigger %s not found", id)
	}
	if !tr.Enabled {
		o.log.Debug("fire ignored for paused trigger", logx.Stringer("trigger", id))
		return nil
	}
	job, err := o.create(ctx, id.WorkflowID(), id.Name)
	if err != nil {
		return err
	}
	o.log.Info("trigger fired job",
		logx.Stringer("trigger", id),
		logx.String("job", job.ID),
		logx.Time("at", at))
	return nil
}

// Run creates a job directly, without a trigger.
func (o *Orchestrator) Run(ctx context.Context, id model.WorkflowID) (*model.Job, error) {
	return o.create(ctx, id, "")
}

func (o *Orchestrator) create(ctx context.Context, id model.WorkflowID, trigger string) (*model.Job, error) {
	wf, err := o.workflows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := o.workflows.Resolve(ctx, wf)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	job := &model.Job{
		ID:           o.newID(),
		Namespace:    wf.Namespace,
		Workflow:     wf.Name,
		Trigger:      trigger,
		Status:       model.JobCreated,
		AllowPartial: wf.AllowPartial,
		CreatedAt:    now,
	}
	tasks := snapshot(job, res, now)

	unlock := o.locks.Lock(job.ID)
	if err := o.store.CreateJob(ctx, job, tasks); err != nil {
		unlock()
		return nil, errs.Service("store job", err)
	}
	if !o.recovered.Load() {
		o.owned.Store(job.ID, struct{}{})
	}
	fx := &effects{}
	fx.event(now, eventbus.TypeJobCreated, jobEvent(job, "", job.Status))

	err = o.start(ctx, job, tasks, fx)
	unlock()
	o.flush(ctx, fx)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

// snapshot copies the workflow's tasks into a new job, defaults merged
// under the task's own params.
func snapshot(job *model.Job, res *workflow.Resolved, now time.Time) []*model.Task {
	tasks := make([]*model.Task, 0, len(res.Workflow.Tasks))
	for _, wt := range res.Workflow.Tasks {
		def := res.Defs[wt.TaskDefinition]
		params := make(map[string]any, len(def.DefaultParams)+len(wt.Params))
		for k, v := range def.DefaultParams {
			params[k] = v
		}
		for k, v := range wt.Params {
			params[k] = v
		}
		tasks = append(tasks, &model.Task{
			Name:           wt.Name,
			Job:            job.ID,
			Namespace:      job.Namespace,
			Workflow:       job.Workflow,
			TaskDefinition: wt.TaskDefinition,
			Type:           def.Type,
			DependsOn:      append([]string(nil), wt.DependsOn...),
			Params:         params,
			Policies:       append([]model.Policy(nil), wt.Policies...),
			Wave:           res.Plan.Wave[wt.Name],
			MaxConcurrency: def.MaxConcurrency,
			Status:         model.TaskCreated,
			CreatedAt:      now,
		})
	}
	sortByWave(tasks)
	return tasks
}

func sortByWave(tasks []*model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Wave < tasks[j].Wave })
}

// start moves a CREATED job to RUNNING, parks every task in WAITING and
// releases the first wave. Caller holds the job lock.
func (o *Orchestrator) start(ctx context.Context, job *model.Job, tasks []*model.Task, fx *effects) error {
	now := o.clock.Now()
	for _, t := range tasks {
		if t.Status == model.TaskCreated {
			o.setTask(t, model.TaskWaiting, "", now, fx)
		}
	}
	o.advance(job, tasks, now, fx)
	if err := o.store.UpdateTasks(ctx, tasks); err != nil {
		fx.dispatch = nil
		return errs.Service("store tasks", err)
	}
	o.setJob(job, model.JobRunning, now, fx)
	o.finalize(job, tasks, now, fx)
	if err := o.store.UpdateJob(ctx, job); err != nil {
		fx.dispatch = nil
		fx.changes = nil
		return errs.Service("store job", err)
	}
	return nil
}

// ---- effects ----

// effects are collected under the job lock and applied after it is
// released.
type effects struct {
	changes  []notify.StatusChange
	events   []eventbus.Event
	dispatch []*model.Task
}

func (fx *effects) event(at time.Time, typ string, data any) {
	fx.events = append(fx.events, eventbus.Event{Type: typ, Time: at, Data: data})
}

func (o *Orchestrator) flush(ctx context.Context, fx *effects) {
	if o.bus != nil {
		for _, e := range fx.events {
			o.bus.Publish(e)
		}
	}
	for _, c := range fx.changes {
		o.notify.Publish(ctx, c)
	}
	for _, t := range fx.dispatch {
		o.send(ctx, t)
	}
}

func (o *Orchestrator) send(ctx context.Context, t *model.Task) {
	if o.dispatch == nil {
		return
	}
	if err := o.dispatch.Dispatch(ctx, t); err != nil {
		o.warn.Warn("task dispatch failed",
			logx.Stringer("task", t.Identity()),
			logx.String("type", t.Type),
			logx.Err(err))
		rerr := o.ReportTaskStatus(ctx, Report{
			Task:    t.Identity(),
			Status:  model.TaskFailed,
			Message: "dispatch: " + err.Error(),
		})
		if rerr != nil {
			o.log.Error("failing undispatched task", logx.Stringer("task", t.Identity()), logx.Err(rerr))
		}
		return
	}
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTaskDispatched,
			Time: o.clock.Now(),
			Data: eventbus.TaskEvent{Namespace: t.Namespace, Job: t.Job, Task: t.Name, Type: t.Type},
		})
	}
}

func jobEvent(j *model.Job, from, to model.JobStatus) eventbus.JobEvent {
	return eventbus.JobEvent{
		Namespace: j.Namespace,
		Job:       j.ID,
		Workflow:  j.Workflow,
		Trigger:   j.Trigger,
		From:      string(from),
		To:        string(to),
	}
}

// resolveParams substitutes upstream outputs into t's params.
func resolveParams(t *model.Task, byName map[string]*model.Task) (map[string]any, error) {
	outputs := make(map[string]map[string]any, len(t.DependsOn))
	for _, ref := range refsOf(t.Params) {
		if up := byName[ref.Task]; up != nil && up.Status == model.TaskSuccessful {
			outputs[ref.Task] = up.Outputs
		}
	}
	return dag.ResolveParams(t.Params, outputs)
}

func refsOf(params map[string]any) []dag.Ref {
	var out []dag.Ref
	for _, v := range params {
		out = append(out, dag.Refs(v)...)
	}
	return out
}
