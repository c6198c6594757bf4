package job

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"kronos/internal/errs"
	"kronos/internal/model"
	"kronos/internal/storage"
	logx "kronos/pkg/logx"
)

const recoverWorkers = 8

// Recover picks up every job left unfinished by a previous process. CREATED
// jobs are started, tasks in SCHEDULED or RUNNING are dispatched again and
// jobs whose tasks all finished are closed. Jobs created by this
// orchestrator are skipped. It returns the number of jobs touched.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	live, err := o.store.QueryJobs(ctx, storage.JobQuery{
		Statuses: []model.JobStatus{model.JobCreated, model.JobRunning},
	})
	if err != nil {
		return 0, errs.Service("query jobs", err)
	}

	var n atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoverWorkers)
	for _, j := range live {
		if _, mine := o.owned.Load(j.ID); mine {
			continue
		}
		id := j.Identity()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if o.recoverJob(gctx, id) {
				n.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	o.recovered.Store(true)
	o.owned.Clear()
	if c := n.Load(); c > 0 {
		o.log.Info("jobs recovered", logx.Int64("count", c))
	}
	return int(n.Load()), err
}

func (o *Orchestrator) recoverJob(ctx context.Context, id model.JobID) bool {
	fx := &effects{}
	err := o.withJob(ctx, id, func(job *model.Job, tasks []*model.Task) error {
		if job.Status.IsTerminal() {
			return nil
		}
		if job.Status == model.JobCreated {
			return o.start(ctx, job, tasks, fx)
		}
		now := o.clock.Now()
		for _, t := range tasks {
			if t.Status.InFlight() {
				fx.dispatch = append(fx.dispatch, t.Clone())
			}
		}
		o.advance(job, tasks, now, fx)
		prev := job.Status
		o.finalize(job, tasks, now, fx)
		return o.persist(ctx, job, prev, tasks, fx)
	})
	o.flush(ctx, fx)
	if err != nil {
		o.log.Warn("job recovery failed", logx.Stringer("job", id), logx.Err(err))
		return false
	}
	return true
}
