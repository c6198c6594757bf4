package job

import (
	"context"
	"time"

	"kronos/internal/errs"
	"kronos/internal/eventbus"
	"kronos/internal/model"
	"kronos/internal/notify"
	logx "kronos/pkg/logx"
)

func (o *Orchestrator) setTask(t *model.Task, to model.TaskStatus, msg string, now time.Time, fx *effects) {
	from := t.Status
	t.Status = to
	if msg != "" {
		t.StatusMessage = msg
	}
	switch {
	case to == model.TaskScheduled:
		t.SubmittedAt = now
	case to.IsTerminal():
		t.CompletedAt = now
	}
	fx.event(now, eventbus.TypeTaskStatus, eventbus.TaskEvent{
		Namespace: t.Namespace,
		Job:       t.Job,
		Task:      t.Name,
		Type:      t.Type,
		From:      string(from),
		To:        string(to),
		Error:     msg,
	})
}

func (o *Orchestrator) setJob(j *model.Job, to model.JobStatus, now time.Time, fx *effects) {
	from := j.Status
	if from == to {
		return
	}
	j.Status = to
	if to.IsTerminal() {
		j.CompletedAt = now
	}
	fx.event(now, eventbus.TypeJobStatus, jobEvent(j, from, to))
	fx.changes = append(fx.changes, notify.StatusChange{
		Job:      j.Identity(),
		Workflow: j.Workflow,
		Trigger:  j.Trigger,
		From:     from,
		To:       to,
		At:       now,
	})
}

// advance releases or skips every waiting task whose dependencies allow it.
// tasks must be in wave order so that a skip cascades in one pass.
func (o *Orchestrator) advance(job *model.Job, tasks []*model.Task, now time.Time, fx *effects) {
	if job.Status.IsTerminal() {
		return
	}
	byName := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		byName[t.Name] = t
	}
	for _, t := range tasks {
		if t.Status != model.TaskWaiting {
			continue
		}
		done, failed := true, false
		for _, dep := range t.DependsOn {
			d := byName[dep]
			if d == nil {
				continue
			}
			if !d.Status.IsTerminal() {
				done = false
			} else if d.Status.IsFailure() {
				failed = true
			}
		}
		_, always := t.Policy(model.PolicyRunAlways)
		switch {
		case failed && !always:
			o.setTask(t, model.TaskSkipped, "upstream task did not succeed", now, fx)
		case done:
			params, err := resolveParams(t, byName)
			if err != nil {
				o.setTask(t, model.TaskFailed, err.Error(), now, fx)
				continue
			}
			t.Params = params
			o.setTask(t, model.TaskScheduled, "", now, fx)
			fx.dispatch = append(fx.dispatch, t.Clone())
		}
	}
}

// finalize derives the job status once every task is terminal.
func (o *Orchestrator) finalize(job *model.Job, tasks []*model.Task, now time.Time, fx *effects) {
	if job.Status.IsTerminal() {
		return
	}
	if to, ok := outcome(job, tasks); ok {
		o.setJob(job, to, now, fx)
	}
}

// outcome reports the final status of a job whose tasks are all terminal.
func outcome(job *model.Job, tasks []*model.Task) (model.JobStatus, bool) {
	failed, succeeded := false, false
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			return "", false
		}
		switch t.Status {
		case model.TaskSuccessful:
			succeeded = true
		case model.TaskFailed, model.TaskAborted:
			if _, optional := t.Policy(model.PolicyOptional); !optional {
				failed = true
			}
		}
	}
	switch {
	case !failed:
		return model.JobSuccessful, true
	case job.AllowPartial && succeeded:
		return model.JobPartial, true
	default:
		return model.JobFailed, true
	}
}

// allowed lists the statuses the executor may report for a task in a given
// state.
var allowed = map[model.TaskStatus][]model.TaskStatus{
	model.TaskScheduled: {model.TaskRunning, model.TaskSuccessful, model.TaskFailed, model.TaskAborted},
	model.TaskRunning:   {model.TaskSuccessful, model.TaskFailed, model.TaskAborted},
}

func canReport(from, to model.TaskStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ReportTaskStatus records an executor report and advances the job.
// Repeating the current status is a no-op.
func (o *Orchestrator) ReportTaskStatus(ctx context.Context, r Report) error {
	if !r.Status.Valid() {
		return errs.New(errs.IllegalTaskTransition, "unknown task status %q", r.Status)
	}
	jobID := r.Task.JobID()
	fx := &effects{}
	err := o.withJob(ctx, jobID, func(job *model.Job, tasks []*model.Task) error {
		t := find(tasks, r.Task.Name)
		if t == nil {
			return errs.New(errs.TaskNotFound, "task %s not found", r.Task)
		}
		if t.Status == r.Status {
			return nil
		}
		if !canReport(t.Status, r.Status) {
			return errs.New(errs.IllegalTaskTransition, "task %s cannot go from %s to %s", r.Task, t.Status, r.Status)
		}

		now := o.clock.Now()
		o.setTask(t, r.Status, r.Message, now, fx)
		if r.Status == model.TaskSuccessful && len(r.Outputs) > 0 {
			t.Outputs = r.Outputs
		}
		o.advance(job, tasks, now, fx)
		prev := job.Status
		o.finalize(job, tasks, now, fx)
		return o.persist(ctx, job, prev, tasks, fx)
	})
	o.flush(ctx, fx)
	return err
}

// persist writes tasks, then the job if its status moved. On failure no
// effect is released.
func (o *Orchestrator) persist(ctx context.Context, job *model.Job, prev model.JobStatus, tasks []*model.Task, fx *effects) error {
	if err := o.store.UpdateTasks(ctx, tasks); err != nil {
		*fx = effects{}
		return errs.Service("store tasks", err)
	}
	if job.Status != prev {
		if err := o.store.UpdateJob(ctx, job); err != nil {
			*fx = effects{}
			return errs.Service("store job", err)
		}
		o.log.Info("job finished",
			logx.Stringer("job", job.Identity()),
			logx.String("workflow", job.Workflow),
			logx.String("status", string(job.Status)))
	}
	return nil
}

// withJob runs fn under the job's lock with fresh copies from the store.
func (o *Orchestrator) withJob(ctx context.Context, id model.JobID, fn func(*model.Job, []*model.Task) error) error {
	unlock := o.locks.Lock(id.ID)
	defer unlock()

	job, err := o.store.LoadJob(ctx, id)
	if err != nil {
		return errs.Service("load job", err)
	}
	if job == nil {
		return errs.New(errs.JobNotFound, "job %s not found", id)
	}
	tasks, err := o.store.ListTasks(ctx, id)
	if err != nil {
		return errs.Service("load tasks", err)
	}
	sortByWave(tasks)
	return fn(job, tasks)
}

func find(tasks []*model.Task, name string) *model.Task {
	for _, t := range tasks {
		if t.Name == name {
			return t
		}
	}
	return nil
}
