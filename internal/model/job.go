package model

import (
	"maps"
	"slices"
	"time"
)

// Job is one execution of a workflow.
type Job struct {
	ID        string    `json:"id"`
	Namespace string    `json:"namespace"`
	Workflow  string    `json:"workflow"`
	Trigger   string    `json:"trigger,omitempty"`
	Status    JobStatus `json:"status"`
	// AllowPartial is copied from the workflow when the job is created.
	AllowPartial bool      `json:"allow_partial,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
}

func (j *Job) Identity() JobID { return JobID{Namespace: j.Namespace, ID: j.ID} }

func (j *Job) WorkflowID() WorkflowID {
	return WorkflowID{Namespace: j.Namespace, Name: j.Workflow}
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

// Task is a node of a job's task graph, snapshotted from the workflow at job
// creation time.
type Task struct {
	Name           string         `json:"name"`
	Job            string         `json:"job"`
	Namespace      string         `json:"namespace"`
	Workflow       string         `json:"workflow"`
	TaskDefinition string         `json:"task_definition"`
	Type           string         `json:"type"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	Policies       []Policy       `json:"policies,omitempty"`
	Wave           int            `json:"wave"`
	MaxConcurrency int            `json:"max_concurrency,omitempty"`
	Status         TaskStatus     `json:"status"`
	StatusMessage  string         `json:"status_message,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	SubmittedAt    time.Time      `json:"submitted_at,omitempty"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
}

func (t *Task) Identity() TaskID {
	return TaskID{Namespace: t.Namespace, Job: t.Job, Name: t.Name}
}

func (t *Task) Policy(pt PolicyType) (Policy, bool) {
	return findPolicy(t.Policies, pt)
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.DependsOn = slices.Clone(t.DependsOn)
	cp.Params = maps.Clone(t.Params)
	cp.Policies = slices.Clone(t.Policies)
	cp.Outputs = maps.Clone(t.Outputs)
	return &cp
}
