package dag

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kronos/internal/errs"
	"kronos/internal/model"
)

var testDefs = Definitions(
	&model.TaskDefinition{Name: "noop", Type: "echo"},
	&model.TaskDefinition{Name: "fetch", Type: "echo", Outputs: []string{"url", "size"}},
	&model.TaskDefinition{Name: "notify", Type: "echo", RequiredParams: []string{"to"}},
	&model.TaskDefinition{Name: "defaults", Type: "echo", RequiredParams: []string{"to"}, DefaultParams: map[string]any{"to": "ops"}},
)

func wf(tasks ...model.WorkflowTask) *model.WorkflowDefinition {
	return &model.WorkflowDefinition{Namespace: "ns", Name: "w", Tasks: tasks}
}

func task(name, def string, deps ...string) model.WorkflowTask {
	return model.WorkflowTask{Name: name, TaskDefinition: def, DependsOn: deps}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	withParams := func(tk model.WorkflowTask, p map[string]any) model.WorkflowTask {
		tk.Params = p
		return tk
	}
	withPolicies := func(tk model.WorkflowTask, ps ...model.Policy) model.WorkflowTask {
		tk.Policies = ps
		return tk
	}

	cases := []struct {
		name string
		wf   *model.WorkflowDefinition
		kind errs.Kind
	}{
		{"empty", wf(), errs.InvalidWorkflow},
		{"duplicate task", wf(task("a", "noop"), task("a", "noop")), errs.DuplicateTaskInWorkflow},
		{"unknown dependency", wf(task("a", "noop", "ghost")), errs.MissingTaskInWorkflow},
		{"self loop", wf(task("a", "noop", "a")), errs.CyclicDependency},
		{"two cycle", wf(task("a", "noop", "b"), task("b", "noop", "a")), errs.CyclicDependency},
		{"unknown definition", wf(task("a", "missing")), errs.TaskDefinitionNotFound},
		{"missing required param", wf(task("a", "notify")), errs.MissingParamInWorkflow},
		{
			"ref to non-upstream task",
			wf(task("f", "fetch"), withParams(task("n", "notify"), map[string]any{"to": "${f.url}"})),
			errs.MissingParamInWorkflow,
		},
		{
			"ref to undeclared output",
			wf(task("f", "fetch"), withParams(task("n", "notify", "f"), map[string]any{"to": "${f.body}"})),
			errs.MissingParamInWorkflow,
		},
		{
			"duplicate policy",
			wf(withPolicies(task("a", "noop"),
				model.Policy{Type: model.PolicyRetry, MaxAttempts: 2},
				model.Policy{Type: model.PolicyRetry, MaxAttempts: 3})),
			errs.DuplicatePolicy,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Validate(tc.wf, testDefs)
			require.Error(t, err)
			assert.True(t, errs.Is(err, tc.kind), "got %v", err)
		})
	}
}

func TestCycleCheckedBeforeParams(t *testing.T) {
	t.Parallel()
	// both a cycle and a missing param: the cycle wins
	_, err := Validate(wf(task("a", "notify", "b"), task("b", "noop", "a")), testDefs)
	assert.True(t, errs.Is(err, errs.CyclicDependency))
}

func TestDeepCycleRejected(t *testing.T) {
	t.Parallel()
	const n = 500
	tasks := make([]model.WorkflowTask, n)
	for i := range tasks {
		tasks[i] = task(fmt.Sprintf("t%d", i), "noop")
		if i > 0 {
			tasks[i].DependsOn = []string{fmt.Sprintf("t%d", i-1)}
		}
	}
	_, err := Validate(wf(tasks...), testDefs)
	require.NoError(t, err)

	tasks[0].DependsOn = []string{fmt.Sprintf("t%d", n-1)}
	_, err = Validate(wf(tasks...), testDefs)
	assert.True(t, errs.Is(err, errs.CyclicDependency))
}

func TestRandomGraphsAcceptedIffAcyclic(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(7, 11))
	for iter := 0; iter < 200; iter++ {
		n := 2 + rng.IntN(12)
		tasks := make([]model.WorkflowTask, n)
		for i := range tasks {
			tasks[i] = task(fmt.Sprintf("t%d", i), "noop")
			for j := 0; j < i; j++ {
				if rng.IntN(3) == 0 {
					tasks[i].DependsOn = append(tasks[i].DependsOn, fmt.Sprintf("t%d", j))
				}
			}
		}
		plan, err := Validate(wf(tasks...), testDefs)
		require.NoError(t, err)
		for _, tk := range tasks {
			for _, dep := range tk.DependsOn {
				assert.Less(t, plan.Wave[dep], plan.Wave[tk.Name])
			}
		}

		// a back edge from some earlier task to a later descendant closes a cycle
		from := rng.IntN(n - 1)
		to := from + 1 + rng.IntN(n-from-1)
		tasks[to].DependsOn = append(tasks[to].DependsOn, tasks[from].Name)
		tasks[from].DependsOn = append(tasks[from].DependsOn, tasks[to].Name)
		_, err = Validate(wf(tasks...), testDefs)
		assert.True(t, errs.Is(err, errs.CyclicDependency), "iter %d: %v", iter, err)
	}
}

func TestPlanWaves(t *testing.T) {
	t.Parallel()
	ref := task("n", "notify", "b")
	ref.Params = map[string]any{"to": "${a.url}"}
	plan, err := Validate(wf(
		task("a", "fetch"),
		task("b", "noop", "a"),
		task("c", "noop", "a"),
		ref,
		task("z", "defaults"),
	), testDefs)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "z"}, {"b", "c"}, {"n"}}, plan.Waves)
	assert.Equal(t, []string{"a", "z"}, plan.Roots())
	assert.Contains(t, plan.Ancestors["n"], "a")
}

func TestResolveParams(t *testing.T) {
	t.Parallel()
	outputs := map[string]map[string]any{"f": {"url": "http://x", "size": 42}}

	got, err := ResolveParams(map[string]any{
		"raw":   "${f.size}",
		"mixed": "GET ${f.url} (${f.size} bytes)",
		"plain": "hello",
		"num":   3,
	}, outputs)
	require.NoError(t, err)
	assert.Equal(t, 42, got["raw"])
	assert.Equal(t, "GET http://x (42 bytes)", got["mixed"])
	assert.Equal(t, "hello", got["plain"])
	assert.Equal(t, 3, got["num"])

	_, err = ResolveParams(map[string]any{"x": "${f.missing}"}, outputs)
	assert.Error(t, err)
	_, err = ResolveParams(map[string]any{"x": "a ${g.url}"}, outputs)
	assert.Error(t, err)
}
