package storage

import (
	"context"
	"errors"
	"time"

	"kronos/internal/model"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrExists   = errors.New("storage: entity already exists")
	ErrNotFound = errors.New("storage: entity not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (default): process-local maps, lost on exit
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TimeRange is an inclusive creation-time window. A zero bound is open.
type TimeRange struct {
	After  time.Time
	Before time.Time
}

func (r TimeRange) Contains(t time.Time) bool {
	if !r.After.IsZero() && t.Before(r.After) {
		return false
	}
	if !r.Before.IsZero() && t.After(r.Before) {
		return false
	}
	return true
}

type TriggerQuery struct {
	Namespace string
	Workflow  string
	Enabled   *bool
}

type JobQuery struct {
	Namespace string
	Workflow  string
	Trigger   string
	Statuses  []model.JobStatus
	Created   TimeRange
}

type TaskQuery struct {
	Namespace string
	Job       string
	Workflow  string
	Statuses  []model.TaskStatus
	Created   TimeRange
}

type CountQuery struct {
	Namespace string
	Workflow  string
	Created   TimeRange
}

type NamespaceStore interface {
	CreateNamespace(ctx context.Context, ns *model.Namespace) error
	LoadNamespace(ctx context.Context, name string) (*model.Namespace, error)
	ListNamespaces(ctx context.Context) ([]*model.Namespace, error)
}

type TaskDefinitionStore interface {
	CreateTaskDefinition(ctx context.Context, def *model.TaskDefinition) error
	LoadTaskDefinition(ctx context.Context, name string) (*model.TaskDefinition, error)
	ListTaskDefinitions(ctx context.Context) ([]*model.TaskDefinition, error)
	UpdateTaskDefinition(ctx context.Context, def *model.TaskDefinition) error
}

type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error
	LoadWorkflow(ctx context.Context, id model.WorkflowID) (*model.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context, namespace string) ([]*model.WorkflowDefinition, error)
	UpdateWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error
	DeleteWorkflow(ctx context.Context, id model.WorkflowID) error
}

type TriggerStore interface {
	CreateTrigger(ctx context.Context, tr *model.WorkflowTrigger) error
	LoadTrigger(ctx context.Context, id model.TriggerID) (*model.WorkflowTrigger, error)
	QueryTriggers(ctx context.Context, q TriggerQuery) ([]*model.WorkflowTrigger, error)
	UpdateTrigger(ctx context.Context, tr *model.WorkflowTrigger) error
	DeleteTrigger(ctx context.Context, id model.TriggerID) error
}

type JobStore interface {
	// CreateJob stores the job and all of its tasks in one write.
	CreateJob(ctx context.Context, job *model.Job, tasks []*model.Task) error
	LoadJob(ctx context.Context, id model.JobID) (*model.Job, error)
	QueryJobs(ctx context.Context, q JobQuery) ([]*model.Job, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	// DeleteJob removes the job and its tasks.
	DeleteJob(ctx context.Context, id model.JobID) error
	// DeleteJobsByWorkflow removes the finished jobs of a workflow with their
	// tasks. CREATED and RUNNING jobs are left alone.
	DeleteJobsByWorkflow(ctx context.Context, id model.WorkflowID) (int, error)
	CountJobsByStatus(ctx context.Context, q CountQuery) (map[model.JobStatus]int, error)
}

type TaskStore interface {
	LoadTask(ctx context.Context, id model.TaskID) (*model.Task, error)
	ListTasks(ctx context.Context, job model.JobID) ([]*model.Task, error)
	QueryTasks(ctx context.Context, q TaskQuery) ([]*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
	// UpdateTasks applies all updates or none.
	UpdateTasks(ctx context.Context, tasks []*model.Task) error
	CountTasksByStatus(ctx context.Context, q CountQuery) (map[model.TaskStatus]int, error)
}

// Store is the full persistence API.
type Store interface {
	NamespaceStore
	TaskDefinitionStore
	WorkflowStore
	TriggerStore
	JobStore
	TaskStore
	Close() error
}
