package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kronos/internal/errs"
	"kronos/internal/eventbus"
	"kronos/internal/model"
	"kronos/internal/storage"
	"kronos/internal/timer"
	logx "kronos/pkg/logx"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	reg   *Registry
	store *storage.Memory
	eng   *timer.Engine
	clk   *clockwork.FakeClock
	bus   *eventbus.MemBus
}

func newFixture(t *testing.T, wrap func(Store) Store) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.CreateNamespace(ctx, &model.Namespace{Name: "ns"}))
	require.NoError(t, st.CreateWorkflow(ctx, &model.WorkflowDefinition{
		Namespace: "ns", Name: "w",
		Tasks: []model.WorkflowTask{{Name: "a", TaskDefinition: "echo"}},
	}))

	clk := clockwork.NewFakeClockAt(t0)
	eng := timer.New(timer.Config{Timezone: "UTC"}, clk, logx.Nop())
	t.Cleanup(func() { eng.Stop(context.Background()) })
	bus := eventbus.New()

	var s Store = st
	if wrap != nil {
		s = wrap(st)
	}
	return &fixture{reg: New(s, eng, clk, bus, logx.Nop()), store: st, eng: eng, clk: clk, bus: bus}
}

func fixed(name string, ms int64) *model.WorkflowTrigger {
	return &model.WorkflowTrigger{
		Namespace: "ns", Workflow: "w", Name: name, Enabled: true,
		Schedule: model.ScheduleSpec{Type: model.ScheduleFixedDelay, IntervalMs: ms},
	}
}

func TestAddRejectsUnknownWorkflowWithoutPersisting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	tr := fixed("t1", 1000)
	tr.Workflow = "ghost"
	_, err := f.reg.Add(ctx, tr)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.WorkflowNotFound), "got %v", err)

	stored, err := f.store.QueryTriggers(ctx, storage.TriggerQuery{Namespace: "ns"})
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Equal(t, 0, f.eng.Len())

	tr.Namespace = "nope"
	_, err = f.reg.Add(ctx, tr)
	assert.True(t, errs.Is(err, errs.NamespaceNotFound))
}

func TestAddDuplicateKeepsOriginalSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.reg.Add(ctx, fixed("t1", 60_000))
	require.NoError(t, err)
	next, ok := f.reg.NextFire(model.TriggerID{Namespace: "ns", Workflow: "w", Name: "t1"})
	require.True(t, ok)

	_, err = f.reg.Add(ctx, fixed("t1", 1000))
	assert.True(t, errs.Is(err, errs.TriggerAlreadyExists), "got %v", err)

	again, ok := f.reg.NextFire(model.TriggerID{Namespace: "ns", Workflow: "w", Name: "t1"})
	require.True(t, ok)
	assert.Equal(t, next, again)
	assert.Equal(t, t0.Add(time.Minute), again)
	stored, err := f.store.LoadTrigger(ctx, model.TriggerID{Namespace: "ns", Workflow: "w", Name: "t1"})
	require.NoError(t, err)
	assert.EqualValues(t, 60_000, stored.Schedule.IntervalMs)
}

func TestAddRejectsMalformed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	disabled := fixed("off", 1000)
	disabled.Enabled = false
	badCron := &model.WorkflowTrigger{
		Namespace: "ns", Workflow: "w", Name: "cron", Enabled: true,
		Schedule: model.ScheduleSpec{Type: model.ScheduleCron, Cron: "61 * * * *"},
	}
	past := &model.WorkflowTrigger{
		Namespace: "ns", Workflow: "w", Name: "past", Enabled: true,
		Schedule: model.ScheduleSpec{Type: model.ScheduleOneShot, At: t0.Add(-time.Hour)},
	}
	inverted := fixed("inverted", 1000)
	inverted.StartAt = t0.Add(time.Hour)
	inverted.EndAt = t0

	for _, tr := range []*model.WorkflowTrigger{disabled, badCron, past, inverted, fixed("zero", 0)} {
		_, err := f.reg.Add(ctx, tr)
		assert.True(t, errs.Is(err, errs.InvalidTrigger), "%s: %v", tr.Name, err)
	}
	assert.Equal(t, 0, f.eng.Len())
}

type failingCreate struct {
	Store
}

func (failingCreate) CreateTrigger(context.Context, *model.WorkflowTrigger) error {
	return errors.New("disk on fire")
}

func TestAddRollsBackRegistrationWhenStoreFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s Store) Store { return failingCreate{s} })

	_, err := f.reg.Add(context.Background(), fixed("t1", 1000))
	require.Error(t, err)
	assert.True(t, errs.IsService(err))
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Equal(t, 0, f.eng.Len())
}

type failingDelete struct {
	Store
}

func (failingDelete) DeleteTrigger(context.Context, model.TriggerID) error {
	return errors.New("disk on fire")
}

func TestDeleteRearmsTriggerWhenStoreFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(s Store) Store { return failingDelete{s} })
	ctx := context.Background()

	tr, err := f.reg.Add(ctx, fixed("t1", 1000))
	require.NoError(t, err)
	require.Equal(t, 1, f.eng.Len())

	err = f.reg.Delete(ctx, tr.ID())
	require.Error(t, err)
	assert.True(t, errs.IsService(err))
	assert.Equal(t, 1, f.eng.Len())

	got, err := f.reg.Get(ctx, tr.ID())
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

func TestPauseResumeIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	id := model.TriggerID{Namespace: "ns", Workflow: "w", Name: "t1"}

	_, err := f.reg.Add(ctx, fixed("t1", 10_000))
	require.NoError(t, err)

	got, err := f.reg.Pause(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Enabled)

	got, err = f.reg.Pause(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got, "second pause reports no change")
	_, armed := f.reg.NextFire(id)
	assert.False(t, armed)

	f.clk.Advance(time.Hour)
	got, err = f.reg.Resume(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	next, ok := f.reg.NextFire(id)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour+10*time.Second), next)

	got, err = f.reg.Resume(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = f.reg.Pause(ctx, model.TriggerID{Namespace: "ns", Workflow: "w", Name: "ghost"})
	assert.True(t, errs.Is(err, errs.TriggerNotFound))
}

func TestFireReachesHandlerAndDeleteStopsIt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	fired := make(chan model.TriggerID, 8)
	f.reg.OnFire(func(_ context.Context, id model.TriggerID, _ time.Time) error {
		fired <- id
		return nil
	})
	events, unsub := f.bus.Subscribe(8)
	defer unsub()

	_, err := f.reg.Add(ctx, fixed("t1", 1000))
	require.NoError(t, err)
	waitTimers(t, f.clk)
	f.clk.Advance(time.Second)

	select {
	case id := <-fired:
		assert.Equal(t, "t1", id.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no fire")
	}
	ev := <-events
	assert.Equal(t, eventbus.TypeTriggerFired, ev.Type)

	id := model.TriggerID{Namespace: "ns", Workflow: "w", Name: "t1"}
	require.NoError(t, f.reg.Delete(ctx, id))
	f.clk.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fired)

	assert.True(t, errs.Is(f.reg.Delete(ctx, id), errs.TriggerNotFound))
	stored, err := f.store.LoadTrigger(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func waitTimers(t *testing.T, clk *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
}

func TestOneShotDisablesItselfAfterFiring(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	f.reg.OnFire(func(context.Context, model.TriggerID, time.Time) error { return nil })

	_, err := f.reg.Add(ctx, &model.WorkflowTrigger{
		Namespace: "ns", Workflow: "w", Name: "once", Enabled: true,
		Schedule: model.ScheduleSpec{Type: model.ScheduleOneShot, At: t0.Add(time.Minute)},
	})
	require.NoError(t, err)
	waitTimers(t, f.clk)
	f.clk.Advance(time.Minute)

	id := model.TriggerID{Namespace: "ns", Workflow: "w", Name: "once"}
	require.Eventually(t, func() bool {
		tr, err := f.store.LoadTrigger(ctx, id)
		return err == nil && tr != nil && !tr.Enabled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBulkPauseReportsOnlyAffected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	wf := model.WorkflowID{Namespace: "ns", Name: "w"}

	for _, name := range []string{"a", "b", "c"} {
		_, err := f.reg.Add(ctx, fixed(name, 1000))
		require.NoError(t, err)
	}
	_, err := f.reg.Pause(ctx, model.TriggerID{Namespace: "ns", Workflow: "w", Name: "b"})
	require.NoError(t, err)

	res, err := f.reg.PauseWorkflow(ctx, wf)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 3)
	require.Len(t, res.Affected, 2)
	assert.Equal(t, "a", res.Affected[0].Name)
	assert.Equal(t, "c", res.Affected[1].Name)
	assert.Empty(t, res.Failed())

	res, err = f.reg.PauseWorkflow(ctx, wf)
	require.NoError(t, err)
	assert.Empty(t, res.Affected)

	res, err = f.reg.ResumeWorkflow(ctx, wf)
	require.NoError(t, err)
	assert.Len(t, res.Affected, 3)

	on, err := f.reg.ListByWorkflowAndEnabled(ctx, wf, true)
	require.NoError(t, err)
	assert.Len(t, on, 3)

	_, err = f.reg.PauseWorkflow(ctx, model.WorkflowID{Namespace: "ns", Name: "ghost"})
	assert.True(t, errs.Is(err, errs.WorkflowNotFound))

	n, err := f.reg.DeleteWorkflowTriggers(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 0, f.eng.Len())
}

func TestRestoreArmsEnabledAndDisablesExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	live := fixed("live", 1000)
	paused := fixed("paused", 1000)
	paused.Enabled = false
	expired := &model.WorkflowTrigger{
		Namespace: "ns", Workflow: "w", Name: "expired", Enabled: true,
		Schedule: model.ScheduleSpec{Type: model.ScheduleOneShot, At: t0.Add(-time.Minute)},
	}
	for _, tr := range []*model.WorkflowTrigger{live, paused, expired} {
		require.NoError(t, f.store.CreateTrigger(ctx, tr))
	}

	n, err := f.reg.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := f.reg.NextFire(live.ID())
	assert.True(t, ok)

	got, err := f.store.LoadTrigger(ctx, expired.ID())
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	// a trigger paused in the store resumes with a fresh registration
	resumed, err := f.reg.Resume(ctx, paused.ID())
	require.NoError(t, err)
	require.NotNil(t, resumed)
	_, ok = f.reg.NextFire(paused.ID())
	assert.True(t, ok)
}
