package model

import "time"

// WorkflowTrigger binds a schedule to a workflow in the same namespace.
type WorkflowTrigger struct {
	Namespace string       `json:"namespace" yaml:"namespace" validate:"required"`
	Workflow  string       `json:"workflow" yaml:"workflow" validate:"required"`
	Name      string       `json:"name" yaml:"name" validate:"required,max=128,excludesall=/"`
	Schedule  ScheduleSpec `json:"schedule" yaml:"schedule"`
	// StartAt / EndAt bound the fire window; zero means unbounded.
	StartAt   time.Time `json:"start_at,omitempty" yaml:"start_at,omitempty"`
	EndAt     time.Time `json:"end_at,omitempty" yaml:"end_at,omitempty"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"-"`
}

func (t *WorkflowTrigger) ID() TriggerID {
	return TriggerID{Namespace: t.Namespace, Workflow: t.Workflow, Name: t.Name}
}

func (t *WorkflowTrigger) WorkflowID() WorkflowID {
	return WorkflowID{Namespace: t.Namespace, Name: t.Workflow}
}

func (t *WorkflowTrigger) Clone() *WorkflowTrigger {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
