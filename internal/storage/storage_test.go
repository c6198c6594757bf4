package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kronos/internal/model"
	logx "kronos/pkg/logx"
)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "memory"}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func(t *testing.T) Store {
			path := filepath.Join(t.TempDir(), "kronos.db")
			st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, open(t))
		})
	}
}

func sampleWorkflow(ns, name string) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{
		Namespace: ns,
		Name:      name,
		Tasks: []model.WorkflowTask{
			{Name: "a", TaskDefinition: "echo", Params: map[string]any{"msg": "hi"}},
			{Name: "b", TaskDefinition: "echo", DependsOn: []string{"a"}},
		},
		CreatedAt: time.Unix(100, 0).UTC(),
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestNamespacesAndDefinitions(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		require.NoError(t, st.CreateNamespace(ctx, &model.Namespace{Name: "ns"}))
		assert.ErrorIs(t, st.CreateNamespace(ctx, &model.Namespace{Name: "ns"}), ErrExists)

		got, err := st.LoadNamespace(ctx, "ns")
		require.NoError(t, err)
		require.NotNil(t, got)
		missing, err := st.LoadNamespace(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		def := &model.TaskDefinition{Name: "echo", Type: "echo", RequiredParams: []string{"msg"}}
		require.NoError(t, st.CreateTaskDefinition(ctx, def))
		assert.ErrorIs(t, st.CreateTaskDefinition(ctx, def), ErrExists)
		loaded, err := st.LoadTaskDefinition(ctx, "echo")
		require.NoError(t, err)
		assert.Equal(t, []string{"msg"}, loaded.RequiredParams)

		defs, err := st.ListTaskDefinitions(ctx)
		require.NoError(t, err)
		assert.Len(t, defs, 1)
	})
}

func TestWorkflowsAndTriggersScopedByNamespace(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()

		require.NoError(t, st.CreateWorkflow(ctx, sampleWorkflow("ns1", "w")))
		require.NoError(t, st.CreateWorkflow(ctx, sampleWorkflow("ns2", "w")))
		assert.ErrorIs(t, st.CreateWorkflow(ctx, sampleWorkflow("ns1", "w")), ErrExists)

		wfs, err := st.ListWorkflows(ctx, "ns1")
		require.NoError(t, err)
		require.Len(t, wfs, 1)
		assert.Equal(t, "ns1", wfs[0].Namespace)
		assert.Equal(t, []string{"a"}, wfs[0].Tasks[1].DependsOn)

		for i, name := range []string{"t1", "t2"} {
			require.NoError(t, st.CreateTrigger(ctx, &model.WorkflowTrigger{
				Namespace: "ns1", Workflow: "w", Name: name, Enabled: i == 0,
				Schedule: model.ScheduleSpec{Type: model.ScheduleFixedDelay, IntervalMs: 1000},
			}))
		}
		require.NoError(t, st.CreateTrigger(ctx, &model.WorkflowTrigger{
			Namespace: "ns2", Workflow: "w", Name: "t1", Enabled: true,
			Schedule: model.ScheduleSpec{Type: model.ScheduleCron, Cron: "@hourly"},
		}))

		all, err := st.QueryTriggers(ctx, TriggerQuery{Namespace: "ns1", Workflow: "w"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		enabled := true
		on, err := st.QueryTriggers(ctx, TriggerQuery{Namespace: "ns1", Workflow: "w", Enabled: &enabled})
		require.NoError(t, err)
		require.Len(t, on, 1)
		assert.Equal(t, "t1", on[0].Name)

		everywhere, err := st.QueryTriggers(ctx, TriggerQuery{Enabled: &enabled})
		require.NoError(t, err)
		assert.Len(t, everywhere, 2)

		on[0].Enabled = false
		require.NoError(t, st.UpdateTrigger(ctx, on[0]))
		tr, err := st.LoadTrigger(ctx, on[0].ID())
		require.NoError(t, err)
		assert.False(t, tr.Enabled)

		require.NoError(t, st.DeleteTrigger(ctx, tr.ID()))
		assert.ErrorIs(t, st.DeleteTrigger(ctx, tr.ID()), ErrNotFound)
		gone, err := st.LoadTrigger(ctx, tr.ID())
		require.NoError(t, err)
		assert.Nil(t, gone)
	})
}

func newJob(id string, status model.JobStatus, created time.Time) (*model.Job, []*model.Task) {
	job := &model.Job{ID: id, Namespace: "ns", Workflow: "w", Trigger: "t", Status: status, CreatedAt: created}
	tasks := []*model.Task{
		{Name: "a", Job: id, Namespace: "ns", Workflow: "w", Status: model.TaskCreated, CreatedAt: created},
		{Name: "b", Job: id, Namespace: "ns", Workflow: "w", Status: model.TaskCreated, DependsOn: []string{"a"}, Wave: 1, CreatedAt: created},
	}
	return job, tasks
}

func TestJobsQueriesAndCounts(t *testing.T) {
	t.Parallel()
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		j1, t1 := newJob("j1", model.JobSuccessful, base)
		j2, t2 := newJob("j2", model.JobFailed, base.Add(time.Hour))
		j3, t3 := newJob("j3", model.JobRunning, base.Add(2*time.Hour))
		require.NoError(t, st.CreateJob(ctx, j1, t1))
		require.NoError(t, st.CreateJob(ctx, j2, t2))
		require.NoError(t, st.CreateJob(ctx, j3, t3))
		assert.ErrorIs(t, st.CreateJob(ctx, j1, t1), ErrExists)

		// inclusive bounds
		jobs, err := st.QueryJobs(ctx, JobQuery{Namespace: "ns", Created: TimeRange{After: base, Before: base.Add(time.Hour)}})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "j1", jobs[0].ID)
		assert.Equal(t, "j2", jobs[1].ID)

		jobs, err = st.QueryJobs(ctx, JobQuery{Namespace: "ns", Statuses: []model.JobStatus{model.JobRunning, model.JobFailed}})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)

		counts, err := st.CountJobsByStatus(ctx, CountQuery{Namespace: "ns", Workflow: "w"})
		require.NoError(t, err)
		assert.Equal(t, 1, counts[model.JobSuccessful])
		assert.Equal(t, 1, counts[model.JobFailed])
		assert.Equal(t, 1, counts[model.JobRunning])

		other, err := st.CountJobsByStatus(ctx, CountQuery{Namespace: "other"})
		require.NoError(t, err)
		assert.Empty(t, other)

		tasks, err := st.ListTasks(ctx, j3.Identity())
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "a", tasks[0].Name)

		tasks[0].Status = model.TaskScheduled
		tasks[0].Params = map[string]any{"x": "y"}
		tasks[1].Status = model.TaskWaiting
		require.NoError(t, st.UpdateTasks(ctx, tasks))

		a, err := st.LoadTask(ctx, model.TaskID{Namespace: "ns", Job: "j3", Name: "a"})
		require.NoError(t, err)
		assert.Equal(t, model.TaskScheduled, a.Status)
		assert.Equal(t, "y", a.Params["x"])

		sched, err := st.QueryTasks(ctx, TaskQuery{Namespace: "ns", Statuses: []model.TaskStatus{model.TaskScheduled}})
		require.NoError(t, err)
		require.Len(t, sched, 1)

		bogus := &model.Task{Name: "zz", Job: "j3", Namespace: "ns"}
		assert.ErrorIs(t, st.UpdateTasks(ctx, []*model.Task{tasks[0], bogus}), ErrNotFound)

		j3.Status = model.JobSuccessful
		j3.CompletedAt = base.Add(3 * time.Hour)
		require.NoError(t, st.UpdateJob(ctx, j3))
		got, err := st.LoadJob(ctx, j3.Identity())
		require.NoError(t, err)
		assert.Equal(t, model.JobSuccessful, got.Status)
		assert.True(t, got.CompletedAt.Equal(j3.CompletedAt))

		j4, t4 := newJob("j4", model.JobRunning, base.Add(3*time.Hour))
		require.NoError(t, st.CreateJob(ctx, j4, t4))

		n, err := st.DeleteJobsByWorkflow(ctx, model.WorkflowID{Namespace: "ns", Name: "w"})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		left, err := st.ListTasks(ctx, j1.Identity())
		require.NoError(t, err)
		assert.Empty(t, left)

		kept, err := st.LoadJob(ctx, j4.Identity())
		require.NoError(t, err)
		require.NotNil(t, kept)
		assert.Equal(t, model.JobRunning, kept.Status)
		keptTasks, err := st.ListTasks(ctx, j4.Identity())
		require.NoError(t, err)
		assert.Len(t, keptTasks, 2)
	})
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	wf := sampleWorkflow("ns", "w")
	require.NoError(t, st.CreateWorkflow(ctx, wf))
	wf.Tasks[0].Params["msg"] = "mutated"

	got, err := st.LoadWorkflow(ctx, wf.ID())
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Tasks[0].Params["msg"])

	require.NoError(t, st.Close())
	_, err = st.LoadWorkflow(ctx, wf.ID())
	assert.ErrorIs(t, err, ErrClosed)
}
