package job

import (
	"context"

	"kronos/internal/errs"
	"kronos/internal/model"
	logx "kronos/pkg/logx"
)

// AbortJob aborts a job and every task that has not finished. It is refused
// while any task is SCHEDULED or RUNNING; aborting an aborted job is a no-op.
func (o *Orchestrator) AbortJob(ctx context.Context, id model.JobID) (*model.Job, error) {
	fx := &effects{}
	var out *model.Job
	err := o.withJob(ctx, id, func(job *model.Job, tasks []*model.Task) error {
		if job.Status == model.JobAborted {
			out = job
			return nil
		}
		if job.Status.IsTerminal() {
			return errs.New(errs.CannotAbortJob, "job %s already finished as %s", id, job.Status)
		}
		for _, t := range tasks {
			if t.Status.InFlight() {
				return errs.New(errs.CannotAbortJob, "job %s has task %q in %s", id, t.Name, t.Status)
			}
		}

		now := o.clock.Now()
		for _, t := range tasks {
			if !t.Status.IsTerminal() {
				o.setTask(t, model.TaskAborted, "job aborted", now, fx)
			}
		}
		prev := job.Status
		o.setJob(job, model.JobAborted, now, fx)
		if err := o.persist(ctx, job, prev, tasks, fx); err != nil {
			return err
		}
		out = job
		return nil
	})
	o.flush(ctx, fx)
	if err != nil {
		return nil, err
	}
	o.log.Info("job aborted", logx.Stringer("job", id))
	return out, nil
}

// AbortTask aborts one task that has not been handed to the executor yet.
// Its dependents are skipped as for a failure.
func (o *Orchestrator) AbortTask(ctx context.Context, id model.TaskID) (*model.Task, error) {
	fx := &effects{}
	var out *model.Task
	err := o.withJob(ctx, id.JobID(), func(job *model.Job, tasks []*model.Task) error {
		t := find(tasks, id.Name)
		if t == nil {
			return errs.New(errs.TaskNotFound, "task %s not found", id)
		}
		switch {
		case t.Status == model.TaskAborted:
			out = t
			return nil
		case t.Status.InFlight():
			return errs.New(errs.CannotAbortTask, "task %s is %s", id, t.Status)
		case t.Status.IsTerminal():
			return errs.New(errs.CannotAbortTask, "task %s already finished as %s", id, t.Status)
		}

		now := o.clock.Now()
		o.setTask(t, model.TaskAborted, "aborted", now, fx)
		o.advance(job, tasks, now, fx)
		prev := job.Status
		o.finalize(job, tasks, now, fx)
		if err := o.persist(ctx, job, prev, tasks, fx); err != nil {
			return err
		}
		out = t
		return nil
	})
	o.flush(ctx, fx)
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}
