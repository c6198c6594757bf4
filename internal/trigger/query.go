package trigger

import (
	"context"
	"errors"
	"time"

	"kronos/internal/errs"
	"kronos/internal/model"
	"kronos/internal/storage"
	"kronos/internal/timer"
	logx "kronos/pkg/logx"
)

func (r *Registry) Get(ctx context.Context, id model.TriggerID) (*model.WorkflowTrigger, error) {
	if err := r.requireNamespace(ctx, id.Namespace); err != nil {
		return nil, err
	}
	return r.load(ctx, id)
}

// List returns every trigger of a namespace.
func (r *Registry) List(ctx context.Context, namespace string) ([]*model.WorkflowTrigger, error) {
	if err := r.requireNamespace(ctx, namespace); err != nil {
		return nil, err
	}
	return r.query(ctx, storage.TriggerQuery{Namespace: namespace})
}

func (r *Registry) ListByWorkflow(ctx context.Context, wf model.WorkflowID) ([]*model.WorkflowTrigger, error) {
	if err := r.requireNamespace(ctx, wf.Namespace); err != nil {
		return nil, err
	}
	return r.query(ctx, storage.TriggerQuery{Namespace: wf.Namespace, Workflow: wf.Name})
}

func (r *Registry) ListByWorkflowAndEnabled(ctx context.Context, wf model.WorkflowID, enabled bool) ([]*model.WorkflowTrigger, error) {
	if err := r.requireNamespace(ctx, wf.Namespace); err != nil {
		return nil, err
	}
	return r.query(ctx, storage.TriggerQuery{Namespace: wf.Namespace, Workflow: wf.Name, Enabled: &enabled})
}

func (r *Registry) query(ctx context.Context, q storage.TriggerQuery) ([]*model.WorkflowTrigger, error) {
	out, err := r.store.QueryTriggers(ctx, q)
	if err != nil {
		return nil, errs.Service("list triggers", err)
	}
	return out, nil
}

// NextFire reports when id is next due. ok is false for paused or
// unregistered triggers.
func (r *Registry) NextFire(id model.TriggerID) (time.Time, bool) {
	return r.engine.Next(engineID(id))
}

// Restore arms every enabled stored trigger. Triggers whose schedule has no
// fire time left are disabled. It returns how many were armed.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	enabled := true
	trs, err := r.store.QueryTriggers(ctx, storage.TriggerQuery{Enabled: &enabled})
	if err != nil {
		return 0, errs.Service("list triggers", err)
	}
	n := 0
	for _, tr := range trs {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if r.restoreOne(ctx, tr) {
			n++
		}
	}
	r.log.Info("triggers restored", logx.Int("armed", n), logx.Int("enabled", len(trs)))
	return n, nil
}

func (r *Registry) restoreOne(ctx context.Context, tr *model.WorkflowTrigger) bool {
	id := tr.ID()
	unlock := r.locks.Lock(id.String())
	defer unlock()

	sched, err := tr.Schedule.Resolve()
	if err == nil {
		err = r.arm(tr, sched)
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, timer.ErrAlreadyScheduled):
		return true
	case errors.Is(err, timer.ErrNeverFires):
		tr.Enabled = false
		if uerr := r.store.UpdateTrigger(ctx, tr); uerr != nil {
			r.log.Warn("disable expired trigger failed", logx.Stringer("trigger", id), logx.Err(uerr))
		} else {
			r.log.Info("trigger expired while down; disabled", logx.Stringer("trigger", id))
		}
	default:
		r.log.Warn("restore trigger failed", logx.Stringer("trigger", id), logx.Err(err))
	}
	return false
}
