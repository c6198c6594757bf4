package job

import (
	"context"

	"kronos/internal/errs"
	"kronos/internal/model"
	"kronos/internal/storage"
)

func (o *Orchestrator) requireNamespace(ctx context.Context, ns string) error {
	got, err := o.store.LoadNamespace(ctx, ns)
	if err != nil {
		return errs.Service("load namespace", err)
	}
	if got == nil {
		return errs.New(errs.NamespaceNotFound, "namespace %q not found", ns)
	}
	return nil
}

func (o *Orchestrator) Get(ctx context.Context, id model.JobID) (*model.Job, error) {
	if err := o.requireNamespace(ctx, id.Namespace); err != nil {
		return nil, err
	}
	job, err := o.store.LoadJob(ctx, id)
	if err != nil {
		return nil, errs.Service("load job", err)
	}
	if job == nil {
		return nil, errs.New(errs.JobNotFound, "job %s not found", id)
	}
	return job, nil
}

// List returns jobs matching q. q.Namespace is required.
func (o *Orchestrator) List(ctx context.Context, q storage.JobQuery) ([]*model.Job, error) {
	if err := o.requireNamespace(ctx, q.Namespace); err != nil {
		return nil, err
	}
	jobs, err := o.store.QueryJobs(ctx, q)
	if err != nil {
		return nil, errs.Service("query jobs", err)
	}
	return jobs, nil
}

// Tasks returns the tasks of a job in creation order.
func (o *Orchestrator) Tasks(ctx context.Context, id model.JobID) ([]*model.Task, error) {
	if _, err := o.Get(ctx, id); err != nil {
		return nil, err
	}
	tasks, err := o.store.ListTasks(ctx, id)
	if err != nil {
		return nil, errs.Service("load tasks", err)
	}
	return tasks, nil
}

func (o *Orchestrator) GetTask(ctx context.Context, id model.TaskID) (*model.Task, error) {
	if err := o.requireNamespace(ctx, id.Namespace); err != nil {
		return nil, err
	}
	t, err := o.store.LoadTask(ctx, id)
	if err != nil {
		return nil, errs.Service("load task", err)
	}
	if t == nil {
		return nil, errs.New(errs.TaskNotFound, "task %s not found", id)
	}
	return t, nil
}

func (o *Orchestrator) QueryTasks(ctx context.Context, q storage.TaskQuery) ([]*model.Task, error) {
	if err := o.requireNamespace(ctx, q.Namespace); err != nil {
		return nil, err
	}
	tasks, err := o.store.QueryTasks(ctx, q)
	if err != nil {
		return nil, errs.Service("query tasks", err)
	}
	return tasks, nil
}

// CountJobs counts jobs per status. q.Workflow narrows it to one workflow.
func (o *Orchestrator) CountJobs(ctx context.Context, q storage.CountQuery) (map[model.JobStatus]int, error) {
	if err := o.requireNamespace(ctx, q.Namespace); err != nil {
		return nil, err
	}
	m, err := o.store.CountJobsByStatus(ctx, q)
	if err != nil {
		return nil, errs.Service("count jobs", err)
	}
	return m, nil
}

func (o *Orchestrator) CountTasks(ctx context.Context, q storage.CountQuery) (map[model.TaskStatus]int, error) {
	if err := o.requireNamespace(ctx, q.Namespace); err != nil {
		return nil, err
	}
	m, err := o.store.CountTasksByStatus(ctx, q)
	if err != nil {
		return nil, errs.Service("count tasks", err)
	}
	return m, nil
}
