// Package dag validates workflow task graphs and partitions them into
// waves. It is pure: nothing here touches storage or the clock.
package dag

import (
	"fmt"
	"slices"
	"strings"

	"kronos/internal/errs"
	"kronos/internal/model"
)

// DefinitionLookup resolves a task definition by name. A nil result means
// the definition does not exist.
type DefinitionLookup func(name string) *model.TaskDefinition

// Definitions adapts a slice to a DefinitionLookup.
func Definitions(defs ...*model.TaskDefinition) DefinitionLookup {
	m := make(map[string]*model.TaskDefinition, len(defs))
	for _, d := range defs {
		if d != nil {
			m[d.Name] = d
		}
	}
	return func(name string) *model.TaskDefinition { return m[name] }
}

// Plan is the topological partition of a valid workflow.
type Plan struct {
	// Waves[i] holds the tasks whose longest dependency chain has length i,
	// in declaration order.
	Waves [][]string
	// Wave maps a task name to its wave index.
	Wave map[string]int
	// Ancestors maps a task name to every task it transitively depends on.
	Ancestors map[string]map[string]struct{}
}

// Roots returns the tasks with no dependencies.
func (p *Plan) Roots() []string {
	if p == nil || len(p.Waves) == 0 {
		return nil
	}
	return slices.Clone(p.Waves[0])
}

const (
	unvisited = iota
	inProgress
	done
)

// Validate checks wf and returns its plan. Checks run in order: unique task
// names, dependency references, acyclicity, required parameters, then one
// policy per type.
func Validate(wf *model.WorkflowDefinition, lookup DefinitionLookup) (*Plan, error) {
	if wf == nil || len(wf.Tasks) == 0 {
		return nil, errs.New(errs.InvalidWorkflow, "workflow has no tasks")
	}
	if lookup == nil {
		lookup = func(string) *model.TaskDefinition { return nil }
	}

	byName := make(map[string]*model.WorkflowTask, len(wf.Tasks))
	for i := range wf.Tasks {
		t := &wf.Tasks[i]
		if strings.TrimSpace(t.Name) == "" {
			return nil, errs.New(errs.InvalidWorkflow, "task #%d has no name", i)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, errs.New(errs.DuplicateTaskInWorkflow, "task %q declared twice in %s", t.Name, wf.ID())
		}
		byName[t.Name] = t
	}

	for _, t := range wf.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, errs.New(errs.MissingTaskInWorkflow, "task %q depends on unknown task %q", t.Name, dep)
			}
		}
	}

	if cycle := findCycle(wf.Tasks, byName); cycle != nil {
		return nil, errs.New(errs.CyclicDependency, "cycle %s", strings.Join(cycle, " -> "))
	}

	plan := partition(wf.Tasks, byName)

	for _, t := range wf.Tasks {
		def := lookup(t.TaskDefinition)
		if def == nil {
			return nil, errs.New(errs.TaskDefinitionNotFound, "task %q uses unknown definition %q", t.Name, t.TaskDefinition)
		}
		if err := checkParams(t, def, plan, byName, lookup); err != nil {
			return nil, err
		}
	}

	for _, t := range wf.Tasks {
		seen := make(map[model.PolicyType]bool, len(t.Policies))
		for _, p := range t.Policies {
			if seen[p.Type] {
				return nil, errs.New(errs.DuplicatePolicy, "task %q has more than one %s policy", t.Name, p.Type)
			}
			seen[p.Type] = true
		}
	}
	return plan, nil
}

// findCycle walks the graph depth-first and returns the first cycle found,
// closed on its starting task.
func findCycle(tasks []model.WorkflowTask, byName map[string]*model.WorkflowTask) []string {
	state := make(map[string]int, len(tasks))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		switch state[name] {
		case inProgress:
			i := slices.Index(stack, name)
			return append(slices.Clone(stack[i:]), name)
		case done:
			return nil
		}
		state[name] = inProgress
		stack = append(stack, name)
		for _, dep := range byName[name].DependsOn {
			if c := visit(dep); c != nil {
				return c
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, t := range tasks {
		if c := visit(t.Name); c != nil {
			return c
		}
	}
	return nil
}

// partition assumes an acyclic graph.
func partition(tasks []model.WorkflowTask, byName map[string]*model.WorkflowTask) *Plan {
	plan := &Plan{
		Wave:      make(map[string]int, len(tasks)),
		Ancestors: make(map[string]map[string]struct{}, len(tasks)),
	}

	var level func(name string) int
	level = func(name string) int {
		if w, ok := plan.Wave[name]; ok {
			return w
		}
		anc := make(map[string]struct{})
		w := 0
		for _, dep := range byName[name].DependsOn {
			if dw := level(dep) + 1; dw > w {
				w = dw
			}
			anc[dep] = struct{}{}
			for a := range plan.Ancestors[dep] {
				anc[a] = struct{}{}
			}
		}
		plan.Wave[name] = w
		plan.Ancestors[name] = anc
		return w
	}

	for _, t := range tasks {
		w := level(t.Name)
		for len(plan.Waves) <= w {
			plan.Waves = append(plan.Waves, nil)
		}
	}
	for _, t := range tasks {
		w := plan.Wave[t.Name]
		plan.Waves[w] = append(plan.Waves[w], t.Name)
	}
	return plan
}

func checkParams(t model.WorkflowTask, def *model.TaskDefinition, plan *Plan, byName map[string]*model.WorkflowTask, lookup DefinitionLookup) error {
	for _, req := range def.RequiredParams {
		if _, ok := t.Params[req]; ok {
			continue
		}
		if _, ok := def.DefaultParams[req]; ok {
			continue
		}
		return errs.New(errs.MissingParamInWorkflow, "task %q is missing required param %q", t.Name, req)
	}

	for key, v := range t.Params {
		for _, ref := range Refs(v) {
			if _, ok := plan.Ancestors[t.Name][ref.Task]; !ok {
				return errs.New(errs.MissingParamInWorkflow,
					"task %q param %q references %s, which is not upstream", t.Name, key, ref)
			}
			up := lookup(byName[ref.Task].TaskDefinition)
			if up == nil || !slices.Contains(up.Outputs, ref.Output) {
				return errs.New(errs.MissingParamInWorkflow,
					"task %q param %q references undeclared output %s", t.Name, key, ref)
			}
		}
	}
	return nil
}

// Ref is a ${task.output} reference inside a parameter value.
type Ref struct {
	Task   string
	Output string
}

func (r Ref) String() string { return fmt.Sprintf("${%s.%s}", r.Task, r.Output) }
