package model

import (
	"maps"
	"slices"
	"time"
)

type Namespace struct {
	Name        string `json:"name" yaml:"name" validate:"required,max=128,excludesall=/"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// TaskDefinition describes a task handler: the executor routes on Type, the
// validator checks RequiredParams and Outputs.
type TaskDefinition struct {
	Name           string         `json:"name" yaml:"name" validate:"required,max=128"`
	Type           string         `json:"type" yaml:"type" validate:"required"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredParams []string       `json:"required_params,omitempty" yaml:"required_params,omitempty"`
	Outputs        []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	DefaultParams  map[string]any `json:"default_params,omitempty" yaml:"default_params,omitempty"`
	MaxConcurrency int            `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty" validate:"gte=0"`
}

func (d *TaskDefinition) Clone() *TaskDefinition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.RequiredParams = slices.Clone(d.RequiredParams)
	cp.Outputs = slices.Clone(d.Outputs)
	cp.DefaultParams = maps.Clone(d.DefaultParams)
	return &cp
}

type PolicyType string

const (
	// PolicyRetry: executor retries up to MaxAttempts.
	PolicyRetry PolicyType = "retry"
	// PolicyTimeout: executor bounds each attempt by Timeout.
	PolicyTimeout PolicyType = "timeout"
	// PolicyRunAlways: the task runs once its dependencies are terminal,
	// whatever their outcome.
	PolicyRunAlways PolicyType = "run_always"
	// PolicyOptional: a failure of this task does not fail the job.
	PolicyOptional PolicyType = "optional"
)

type Policy struct {
	Type        PolicyType    `json:"type" yaml:"type" validate:"required,oneof=retry timeout run_always optional"`
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" validate:"gte=0"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"gte=0"`
}

type WorkflowTask struct {
	Name           string         `json:"name" yaml:"name" validate:"required,max=128"`
	TaskDefinition string         `json:"task_definition" yaml:"task_definition" validate:"required"`
	DependsOn      []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Params         map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Policies       []Policy       `json:"policies,omitempty" yaml:"policies,omitempty" validate:"dive"`
}

// Policy returns the first policy of the given type.
func (t WorkflowTask) Policy(pt PolicyType) (Policy, bool) {
	return findPolicy(t.Policies, pt)
}

func findPolicy(ps []Policy, pt PolicyType) (Policy, bool) {
	for _, p := range ps {
		if p.Type == pt {
			return p, true
		}
	}
	return Policy{}, false
}

type WorkflowDefinition struct {
	Namespace   string         `json:"namespace" yaml:"namespace" validate:"required"`
	Name        string         `json:"name" yaml:"name" validate:"required,max=128,excludesall=/"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks       []WorkflowTask `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`
	// AllowPartial lets a job with failed tasks finish as PARTIAL when at
	// least one task succeeded.
	AllowPartial bool      `json:"allow_partial,omitempty" yaml:"allow_partial,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at,omitempty" yaml:"-"`
}

func (w *WorkflowDefinition) ID() WorkflowID {
	return WorkflowID{Namespace: w.Namespace, Name: w.Name}
}

func (w *WorkflowDefinition) Clone() *WorkflowDefinition {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Tasks = make([]WorkflowTask, len(w.Tasks))
	for i, t := range w.Tasks {
		t.DependsOn = slices.Clone(t.DependsOn)
		t.Params = maps.Clone(t.Params)
		t.Policies = slices.Clone(t.Policies)
		cp.Tasks[i] = t
	}
	return &cp
}
