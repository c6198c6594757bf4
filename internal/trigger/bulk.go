package trigger

import (
	"context"
	"errors"

	"kronos/internal/errs"
	"kronos/internal/model"
	"kronos/internal/storage"
	logx "kronos/pkg/logx"
)

// Outcome is the per-trigger result of a bulk operation.
type Outcome struct {
	Trigger model.TriggerID
	Changed bool
	Err     error
}

// BulkResult lists the triggers a bulk operation changed plus one outcome
// per trigger it visited.
type BulkResult struct {
	Affected []*model.WorkflowTrigger
	Outcomes []Outcome
}

// Failed returns the outcomes that carry an error.
func (b BulkResult) Failed() []Outcome {
	var out []Outcome
	for _, o := range b.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// PauseWorkflow pauses every trigger of a workflow. Per-trigger failures
// are logged and recorded, never aborting the batch.
func (r *Registry) PauseWorkflow(ctx context.Context, wf model.WorkflowID) (BulkResult, error) {
	return r.bulk(ctx, wf, "pause", r.Pause)
}

// ResumeWorkflow resumes every trigger of a workflow.
func (r *Registry) ResumeWorkflow(ctx context.Context, wf model.WorkflowID) (BulkResult, error) {
	return r.bulk(ctx, wf, "resume", r.Resume)
}

func (r *Registry) bulk(ctx context.Context, wf model.WorkflowID, op string,
	fn func(context.Context, model.TriggerID) (*model.WorkflowTrigger, error),
) (BulkResult, error) {
	if err := r.requireWorkflow(ctx, wf); err != nil {
		return BulkResult{}, err
	}
	trs, err := r.store.QueryTriggers(ctx, storage.TriggerQuery{Namespace: wf.Namespace, Workflow: wf.Name})
	if err != nil {
		return BulkResult{}, errs.Service("list triggers", err)
	}
	var res BulkResult
	for _, tr := range trs {
		id := tr.ID()
		got, err := fn(ctx, id)
		o := Outcome{Trigger: id, Changed: got != nil, Err: err}
		res.Outcomes = append(res.Outcomes, o)
		if err != nil {
			r.log.Warn("bulk "+op+" skipped trigger", logx.Stringer("trigger", id), logx.Err(err))
			continue
		}
		if got != nil {
			res.Affected = append(res.Affected, got)
		}
	}
	return res, nil
}

// DeleteWorkflowTriggers deletes every trigger of a workflow and returns how
// many were removed.
func (r *Registry) DeleteWorkflowTriggers(ctx context.Context, wf model.WorkflowID) (int, error) {
	trs, err := r.store.QueryTriggers(ctx, storage.TriggerQuery{Namespace: wf.Namespace, Workflow: wf.Name})
	if err != nil {
		return 0, errs.Service("list triggers", err)
	}
	n := 0
	var failed []error
	for _, tr := range trs {
		if err := r.Delete(ctx, tr.ID()); err != nil {
			if errs.Is(err, errs.TriggerNotFound) {
				continue
			}
			failed = append(failed, err)
			continue
		}
		n++
	}
	return n, errors.Join(failed...)
}
