package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"kronos/internal/eventbus"
	"kronos/internal/job"
	"kronos/internal/model"
	logx "kronos/pkg/logx"
)

// groupWait is how long a worker backs off after requeueing a task whose
// concurrency group is full.
const groupWait = 20 * time.Millisecond

func (s *Service) worker(ctx context.Context, q chan queued, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(idx)<<32))
	for {
		select {
		case <-ctx.Done():
			return
		case qt := <-q:
			sem := s.groups.get(qt.task.TaskDefinition, qt.task.MaxConcurrency)
			if sem != nil && !sem.tryAcquire() {
				s.requeue(q, qt)
				select {
				case <-ctx.Done():
					return
				case <-s.clock.After(groupWait):
				}
				continue
			}
			s.inFlight.Add(1)
			s.exec(ctx, q, qt, rng)
			s.inFlight.Add(-1)
			if sem != nil {
				sem.release()
			}
		}
	}
}

func (s *Service) requeue(q chan queued, qt queued) {
	select {
	case q <- qt:
	default:
		s.dropQueued(qt, "queue full on requeue")
	}
}

func (s *Service) report(ctx context.Context, t *model.Task, st model.TaskStatus, msg string, outputs map[string]any) {
	if s.reporter == nil {
		return
	}
	err := s.reporter.ReportTaskStatus(ctx, job.Report{Task: t.Identity(), Status: st, Message: msg, Outputs: outputs})
	if err != nil {
		s.warn.Warn("task report failed",
			logx.Stringer("task", t.Identity()),
			logx.String("status", string(st)),
			logx.Err(err))
	}
}

func (s *Service) exec(ctx context.Context, q chan queued, qt queued, rng *rand.Rand) {
	t := qt.task
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := s.clock.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	item := HistoryItem{Task: t.Identity().String(), Type: t.Type, Started: start, QueueDelay: queueDelay}

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		item.Error = "stale_queue_delay"
		s.record(item)
		s.dropped.Add(1)
		s.publish(eventbus.TypeTaskDropped, t, 0, 0, item.Error)
		s.report(ctx, t, model.TaskFailed, fmt.Sprintf("waited %s in queue", queueDelay), nil)
		return
	}

	h := s.handler(t.Type)
	if h == nil {
		s.report(ctx, t, model.TaskFailed, fmt.Sprintf("%v %q", ErrUnknownType, t.Type), nil)
		return
	}
	s.report(ctx, t, model.TaskRunning, "", nil)

	attempts := 1
	if p, ok := t.Policy(model.PolicyRetry); ok && p.MaxAttempts > 1 {
		attempts = p.MaxAttempts
	}
	timeout := cfg.DefaultTimeout
	if p, ok := t.Policy(model.PolicyTimeout); ok && p.Timeout > 0 {
		timeout = p.Timeout
	}

	var (
		out map[string]any
		err error
	)
	attempt := 0
	for attempt < attempts {
		attempt++
		out, err = s.attempt(ctx, h, t, attempt, timeout)
		if err != nil && ctx.Err() != nil {
			// Stopping: leave the task for the next Start.
			s.requeue(q, qt)
			return
		}
		if err == nil || IsNoRetry(err) || attempt >= attempts {
			break
		}
		s.publish(eventbus.TypeTaskAttempt, t, attempt, 0, err.Error())
		delay := backoff(cfg, attempt, err, rng)
		s.log.Debug("task retry scheduled",
			logx.Stringer("task", t.Identity()),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err))
		select {
		case <-ctx.Done():
			s.requeue(q, qt)
			return
		case <-s.clock.After(delay):
		}
	}

	item.Duration = s.clock.Since(start)
	item.Attempts = attempt
	if err != nil {
		item.Error = err.Error()
		s.record(item)
		s.log.Warn("task failed",
			logx.Stringer("task", t.Identity()),
			logx.String("type", t.Type),
			logx.Int("attempts", attempt),
			logx.Err(err))
		s.report(ctx, t, model.TaskFailed, err.Error(), nil)
		return
	}
	s.record(item)
	s.log.Debug("task completed",
		logx.Stringer("task", t.Identity()),
		logx.Duration("dur", item.Duration),
		logx.Int("attempts", attempt))
	s.report(ctx, t, model.TaskSuccessful, "", out)
}

// attempt runs h once under timeout, converting a panic into an error.
func (s *Service) attempt(ctx context.Context, h Handler, t *model.Task, n int, timeout time.Duration) (out map[string]any, err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked",
				logx.Stringer("task", t.Identity()),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			out, err = nil, NoRetry(fmt.Errorf("panic: %v", r))
		}
	}()
	out, err = h(runCtx, Input{Task: t, Params: t.Params, Attempt: n})
	if err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	return out, err
}

// backoff is exponential from RetryBase with jitter, capped at
// RetryMaxDelay. A RetryAfter hint replaces the exponential step.
func backoff(cfg Config, attempt int, err error, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	var ra retryAfterError
	if errors.As(err, &ra) {
		d = ra.after
	} else {
		for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	if cfg.RetryJitter > 0 && rng != nil && d > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*cfg.RetryJitter))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}
