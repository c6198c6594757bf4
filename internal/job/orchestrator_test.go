package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kronos/internal/errs"
	"kronos/internal/eventbus"
	"kronos/internal/model"
	"kronos/internal/notify"
	"kronos/internal/storage"
	"kronos/internal/workflow"
	logx "kronos/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	tasks []*model.Task
	err   error
}

func (r *recorder) Dispatch(_ context.Context, t *model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, t)
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.Name
	}
	return out
}

type fixture struct {
	orch    *Orchestrator
	store   *storage.Memory
	wf      *workflow.Service
	sent    *recorder
	changes []notify.StatusChange
	mu      sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	clk := clockwork.NewFakeClockAt(t0)
	wf := workflow.New(st, nil, clk, logx.Nop())
	require.NoError(t, wf.EnsureNamespace(ctx, "ns"))
	_, err := wf.AddTaskDefinition(ctx, &model.TaskDefinition{
		Name: "echo", Type: "echo", Outputs: []string{"out"},
		DefaultParams: map[string]any{"greeting": "hi"},
	})
	require.NoError(t, err)

	f := &fixture{store: st, wf: wf, sent: &recorder{}}
	nb := notify.New(logx.Nop())
	nb.Register("test", notify.ListenerFunc(func(_ context.Context, c notify.StatusChange) error {
		f.mu.Lock()
		f.changes = append(f.changes, c)
		f.mu.Unlock()
		return nil
	}))
	f.orch = New(st, wf, nb, eventbus.New(), clk, logx.Nop())
	seq := 0
	f.orch.newID = func() string { seq++; return fmt.Sprintf("job-%d", seq) }
	f.orch.SetDispatcher(f.sent)
	return f
}

// fanOut is A with B and C depending on it.
func (f *fixture) fanOut(t *testing.T, edit func(*model.WorkflowDefinition)) model.WorkflowID {
	t.Helper()
	wf := &model.WorkflowDefinition{
		Namespace: "ns", Name: "W",
		Tasks: []model.WorkflowTask{
			{Name: "A", TaskDefinition: "echo"},
			{Name: "B", TaskDefinition: "echo", DependsOn: []string{"A"}, Params: map[string]any{"msg": "${A.out}"}},
			{Name: "C", TaskDefinition: "echo", DependsOn: []string{"A"}},
		},
	}
	if edit != nil {
		edit(wf)
	}
	_, err := f.wf.Add(context.Background(), wf)
	require.NoError(t, err)
	return wf.ID()
}

func (f *fixture) statuses(t *testing.T, id model.JobID) map[string]model.TaskStatus {
	t.Helper()
	tasks, err := f.orch.Tasks(context.Background(), id)
	require.NoError(t, err)
	out := make(map[string]model.TaskStatus, len(tasks))
	for _, tk := range tasks {
		out[tk.Name] = tk.Status
	}
	return out
}

func (f *fixture) report(t *testing.T, job *model.Job, task string, st model.TaskStatus, outputs map[string]any) {
	t.Helper()
	require.NoError(t, f.orch.ReportTaskStatus(context.Background(), Report{
		Task:    model.TaskID{Namespace: job.Namespace, Job: job.ID, Name: task},
		Status:  st,
		Outputs: outputs,
	}))
}

func (f *fixture) jobStatus(t *testing.T, job *model.Job) model.JobStatus {
	t.Helper()
	got, err := f.orch.Get(context.Background(), job.Identity())
	require.NoError(t, err)
	return got.Status
}

func TestTriggerFireDrivesJobToFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.fanOut(t, nil)

	tr := &model.WorkflowTrigger{
		Namespace: "ns", Workflow: "W", Name: "every-minute", Enabled: true,
		Schedule: model.ScheduleSpec{Type: model.ScheduleCron, Cron: "0 * * * * *"},
	}
	require.NoError(t, f.store.CreateTrigger(ctx, tr))

	require.NoError(t, f.orch.HandleFire(ctx, tr.ID(), t0))

	jobs, err := f.orch.List(ctx, storage.JobQuery{Namespace: "ns", Workflow: "W"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, "every-minute", job.Trigger)
	assert.Equal(t, model.JobRunning, job.Status)
	assert.Equal(t, map[string]model.TaskStatus{
		"A": model.TaskScheduled, "B": model.TaskWaiting, "C": model.TaskWaiting,
	}, f.statuses(t, job.Identity()))
	assert.Equal(t, []string{"A"}, f.sent.names())
	assert.Equal(t, "hi", f.sent.tasks[0].Params["greeting"])

	f.report(t, job, "A", model.TaskRunning, nil)
	f.report(t, job, "A", model.TaskSuccessful, map[string]any{"out": 42})
	assert.ElementsMatch(t, []string{"A", "B", "C"}, f.sent.names())
	for _, sent := range f.sent.tasks {
		if sent.Name == "B" {
			assert.Equal(t, 42, sent.Params["msg"])
		}
	}

	f.report(t, job, "B", model.TaskFailed, nil)
	assert.Equal(t, model.JobRunning, f.jobStatus(t, job))
	f.report(t, job, "C", model.TaskSuccessful, nil)
	assert.Equal(t, model.JobFailed, f.jobStatus(t, job))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.changes, 2)
	assert.Equal(t, model.JobCreated, f.changes[0].From)
	assert.Equal(t, model.JobRunning, f.changes[0].To)
	assert.Equal(t, model.JobRunning, f.changes[1].From)
	assert.Equal(t, model.JobFailed, f.changes[1].To)
}

func TestJobOutcome(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		edit func(*model.WorkflowDefinition)
		b, c model.TaskStatus
		want model.JobStatus
	}{
		{"all succeed", nil, model.TaskSuccessful, model.TaskSuccessful, model.JobSuccessful},
		{"partial allowed", func(w *model.WorkflowDefinition) { w.AllowPartial = true },
			model.TaskFailed, model.TaskSuccessful, model.JobPartial},
		{"optional failure", func(w *model.WorkflowDefinition) {
			w.Tasks[1].Policies = []model.Policy{{Type: model.PolicyOptional}}
		}, model.TaskFailed, model.TaskSuccessful, model.JobSuccessful},
		{"aborted by executor", nil, model.TaskSuccessful, model.TaskAborted, model.JobFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			job, err := f.orch.Run(context.Background(), f.fanOut(t, tc.edit))
			require.NoError(t, err)
			assert.Empty(t, job.Trigger)
			f.report(t, job, "A", model.TaskSuccessful, map[string]any{"out": "x"})
			f.report(t, job, "B", tc.b, nil)
			f.report(t, job, "C", tc.c, nil)
			assert.Equal(t, tc.want, f.jobStatus(t, job))
		})
	}
}

func TestFailureSkipsDependentsUnlessRunAlways(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.fanOut(t, func(w *model.WorkflowDefinition) {
		w.Tasks = append(w.Tasks,
			model.WorkflowTask{Name: "D", TaskDefinition: "echo", DependsOn: []string{"C"}},
			model.WorkflowTask{Name: "cleanup", TaskDefinition: "echo", DependsOn: []string{"B", "D"},
				Policies: []model.Policy{{Type: model.PolicyRunAlways}}},
		)
	})
	job, err := f.orch.Run(context.Background(), id)
	require.NoError(t, err)

	f.report(t, job, "A", model.TaskFailed, nil)
	assert.Equal(t, map[string]model.TaskStatus{
		"A": model.TaskFailed, "B": model.TaskSkipped, "C": model.TaskSkipped,
		"D": model.TaskSkipped, "cleanup": model.TaskScheduled,
	}, f.statuses(t, job.Identity()))
	assert.Equal(t, model.JobRunning, f.jobStatus(t, job))

	f.report(t, job, "cleanup", model.TaskSuccessful, nil)
	assert.Equal(t, model.JobFailed, f.jobStatus(t, job))
}

func TestUnresolvableParamFailsTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	job, err := f.orch.Run(context.Background(), f.fanOut(t, nil))
	require.NoError(t, err)

	// A succeeds without producing the output B refers to.
	f.report(t, job, "A", model.TaskSuccessful, nil)
	st := f.statuses(t, job.Identity())
	assert.Equal(t, model.TaskFailed, st["B"])
	assert.Equal(t, model.TaskScheduled, st["C"])

	b, err := f.orch.GetTask(context.Background(), model.TaskID{Namespace: "ns", Job: job.ID, Name: "B"})
	require.NoError(t, err)
	assert.Contains(t, b.StatusMessage, `no output "out"`)
}

func TestReportTransitions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.orch.Run(ctx, f.fanOut(t, nil))
	require.NoError(t, err)
	task := func(name string) model.TaskID { return model.TaskID{Namespace: "ns", Job: job.ID, Name: name} }

	err = f.orch.ReportTaskStatus(ctx, Report{Task: task("B"), Status: model.TaskRunning})
	assert.True(t, errs.Is(err, errs.IllegalTaskTransition), "got %v", err)

	err = f.orch.ReportTaskStatus(ctx, Report{Task: task("Z"), Status: model.TaskRunning})
	assert.True(t, errs.Is(err, errs.TaskNotFound))

	err = f.orch.ReportTaskStatus(ctx, Report{Task: model.TaskID{Namespace: "ns", Job: "nope", Name: "A"}, Status: model.TaskRunning})
	assert.True(t, errs.Is(err, errs.JobNotFound))

	err = f.orch.ReportTaskStatus(ctx, Report{Task: task("A"), Status: "BOGUS"})
	assert.True(t, errs.Is(err, errs.IllegalTaskTransition))

	f.report(t, job, "A", model.TaskSuccessful, map[string]any{"out": 1})
	f.report(t, job, "A", model.TaskSuccessful, nil)
	err = f.orch.ReportTaskStatus(ctx, Report{Task: task("A"), Status: model.TaskFailed})
	assert.True(t, errs.Is(err, errs.IllegalTaskTransition))
	err = f.orch.ReportTaskStatus(ctx, Report{Task: task("B"), Status: model.TaskSkipped})
	assert.True(t, errs.Is(err, errs.IllegalTaskTransition))
}

func TestAbort(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.orch.Run(ctx, f.fanOut(t, nil))
	require.NoError(t, err)

	_, err = f.orch.AbortJob(ctx, job.Identity())
	assert.True(t, errs.Is(err, errs.CannotAbortJob), "got %v", err)
	_, err = f.orch.AbortTask(ctx, model.TaskID{Namespace: "ns", Job: job.ID, Name: "A"})
	assert.True(t, errs.Is(err, errs.CannotAbortTask))

	got, err := f.orch.AbortTask(ctx, model.TaskID{Namespace: "ns", Job: job.ID, Name: "C"})
	require.NoError(t, err)
	assert.Equal(t, model.TaskAborted, got.Status)

	f.report(t, job, "A", model.TaskSuccessful, map[string]any{"out": 1})
	assert.Equal(t, []string{"A", "B"}, f.sent.names())
	f.report(t, job, "B", model.TaskSuccessful, nil)
	assert.Equal(t, model.JobFailed, f.jobStatus(t, job))

	_, err = f.orch.AbortJob(ctx, job.Identity())
	assert.True(t, errs.Is(err, errs.CannotAbortJob))
}

func TestAbortCreatedJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.fanOut(t, nil)

	job := &model.Job{ID: "stalled", Namespace: "ns", Workflow: "W", Status: model.JobCreated, CreatedAt: t0}
	tasks := []*model.Task{
		{Name: "A", Job: "stalled", Namespace: "ns", Workflow: "W", Status: model.TaskCreated},
		{Name: "B", Job: "stalled", Namespace: "ns", Workflow: "W", Status: model.TaskCreated, DependsOn: []string{"A"}, Wave: 1},
	}
	require.NoError(t, f.store.CreateJob(ctx, job, tasks))

	got, err := f.orch.AbortJob(ctx, job.Identity())
	require.NoError(t, err)
	assert.Equal(t, model.JobAborted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())
	assert.Equal(t, map[string]model.TaskStatus{"A": model.TaskAborted, "B": model.TaskAborted}, f.statuses(t, job.Identity()))

	_, err = f.orch.AbortJob(ctx, job.Identity())
	require.NoError(t, err)
}

func TestDispatchFailureFailsTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sent.err = errors.New("queue full")
	job, err := f.orch.Run(context.Background(), f.fanOut(t, nil))
	require.NoError(t, err)

	assert.Equal(t, model.JobFailed, f.jobStatus(t, job))
	st := f.statuses(t, job.Identity())
	assert.Equal(t, model.TaskFailed, st["A"])
	assert.Equal(t, model.TaskSkipped, st["B"])
}

func TestHandleFire(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.fanOut(t, nil)

	tr := &model.WorkflowTrigger{
		Namespace: "ns", Workflow: "W", Name: "paused",
		Schedule: model.ScheduleSpec{Type: model.ScheduleFixedDelay, IntervalMs: 1000},
	}
	require.NoError(t, f.store.CreateTrigger(ctx, tr))
	require.NoError(t, f.orch.HandleFire(ctx, tr.ID(), t0))

	err := f.orch.HandleFire(ctx, model.TriggerID{Namespace: "ns", Workflow: "W", Name: "gone"}, t0)
	assert.True(t, errs.Is(err, errs.TriggerNotFound))

	// The workflow went bad after the trigger was registered.
	wf, err := f.store.LoadWorkflow(ctx, model.WorkflowID{Namespace: "ns", Name: "W"})
	require.NoError(t, err)
	wf.Tasks[2].TaskDefinition = "removed"
	require.NoError(t, f.store.UpdateWorkflow(ctx, wf))
	tr.Enabled = true
	tr.Name = "live"
	require.NoError(t, f.store.CreateTrigger(ctx, tr))
	err = f.orch.HandleFire(ctx, tr.ID(), t0)
	assert.True(t, errs.Is(err, errs.TaskDefinitionNotFound), "got %v", err)

	jobs, err := f.orch.List(ctx, storage.JobQuery{Namespace: "ns"})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRecover(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.fanOut(t, nil)

	created := &model.Job{ID: "created", Namespace: "ns", Workflow: "W", Status: model.JobCreated, CreatedAt: t0}
	require.NoError(t, f.store.CreateJob(ctx, created, []*model.Task{
		{Name: "A", Job: "created", Namespace: "ns", Workflow: "W", Type: "echo", Status: model.TaskCreated},
		{Name: "B", Job: "created", Namespace: "ns", Workflow: "W", Type: "echo", Status: model.TaskCreated, DependsOn: []string{"A"}, Wave: 1},
	}))
	running := &model.Job{ID: "running", Namespace: "ns", Workflow: "W", Status: model.JobRunning, CreatedAt: t0}
	require.NoError(t, f.store.CreateJob(ctx, running, []*model.Task{
		{Name: "A", Job: "running", Namespace: "ns", Workflow: "W", Type: "echo", Status: model.TaskRunning},
	}))
	done := &model.Job{ID: "done", Namespace: "ns", Workflow: "W", Status: model.JobRunning, CreatedAt: t0}
	require.NoError(t, f.store.CreateJob(ctx, done, []*model.Task{
		{Name: "A", Job: "done", Namespace: "ns", Workflow: "W", Type: "echo", Status: model.TaskSuccessful},
	}))

	n, err := f.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, model.JobRunning, f.jobStatus(t, created))
	assert.Equal(t, map[string]model.TaskStatus{"A": model.TaskScheduled, "B": model.TaskWaiting}, f.statuses(t, created.Identity()))
	assert.Equal(t, model.JobSuccessful, f.jobStatus(t, done))
	assert.ElementsMatch(t, []string{"A", "A"}, f.sent.names())
}

func TestCounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.fanOut(t, nil)
	for i := 0; i < 3; i++ {
		_, err := f.orch.Run(ctx, id)
		require.NoError(t, err)
	}
	jobs, err := f.orch.CountJobs(ctx, storage.CountQuery{Namespace: "ns", Workflow: "W"})
	require.NoError(t, err)
	assert.Equal(t, 3, jobs[model.JobRunning])

	tasks, err := f.orch.CountTasks(ctx, storage.CountQuery{Namespace: "ns"})
	require.NoError(t, err)
	assert.Equal(t, 3, tasks[model.TaskScheduled])
	assert.Equal(t, 6, tasks[model.TaskWaiting])

	_, err = f.orch.CountJobs(ctx, storage.CountQuery{Namespace: "other"})
	assert.True(t, errs.Is(err, errs.NamespaceNotFound))
}

func TestConcurrentFanInSchedulesJoinOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.fanOut(t, func(wf *model.WorkflowDefinition) {
		wf.Tasks = append(wf.Tasks, model.WorkflowTask{Name: "D", TaskDefinition: "echo", DependsOn: []string{"B", "C"}})
	})

	const rounds = 20
	for i := 0; i < rounds; i++ {
		job, err := f.orch.Run(ctx, id)
		require.NoError(t, err)
		f.report(t, job, "A", model.TaskSuccessful, map[string]any{"out": i})

		start := make(chan struct{})
		errc := make(chan error, 2)
		var wg sync.WaitGroup
		for _, name := range []string{"B", "C"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errc <- f.orch.ReportTaskStatus(ctx, Report{
					Task:   model.TaskID{Namespace: "ns", Job: job.ID, Name: name},
					Status: model.TaskSuccessful,
				})
			}()
		}
		close(start)
		wg.Wait()
		close(errc)
		for err := range errc {
			require.NoError(t, err)
		}

		assert.Equal(t, model.TaskScheduled, f.statuses(t, job.Identity())["D"])
		f.report(t, job, "D", model.TaskSuccessful, nil)
		assert.Equal(t, model.JobSuccessful, f.jobStatus(t, job))
	}

	count := map[string]int{}
	for _, n := range f.sent.names() {
		count[n]++
	}
	assert.Equal(t, map[string]int{"A": rounds, "B": rounds, "C": rounds, "D": rounds}, count)

	f.mu.Lock()
	defer f.mu.Unlock()
	finished := 0
	for _, c := range f.changes {
		if c.To.IsTerminal() {
			finished++
			assert.Equal(t, model.JobSuccessful, c.To)
		}
	}
	assert.Equal(t, rounds, finished)
}

func TestRecoverSkipsJobsCreatedByThisProcess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	id := f.fanOut(t, nil)

	job, err := f.orch.Run(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, f.sent.names())

	leftover := &model.Job{ID: "leftover", Namespace: "ns", Workflow: "W", Status: model.JobRunning, CreatedAt: t0}
	require.NoError(t, f.store.CreateJob(ctx, leftover, []*model.Task{
		{Name: "A", Job: "leftover", Namespace: "ns", Workflow: "W", Type: "echo", Status: model.TaskRunning},
	}))

	n, err := f.orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"A", "A"}, f.sent.names())
	assert.Equal(t, "leftover", f.sent.tasks[1].Job)
	assert.Equal(t, map[string]model.TaskStatus{
		"A": model.TaskScheduled, "B": model.TaskWaiting, "C": model.TaskWaiting,
	}, f.statuses(t, job.Identity()))
}
