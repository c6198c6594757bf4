// Package workflow manages namespaces, task definitions and workflow
// definitions. Every write is validated in full before anything is stored.
package workflow

import (
	"context"
	"errors"
	"strings"

	"github.com/jonboulle/clockwork"

	"kronos/internal/dag"
	"kronos/internal/errs"
	"kronos/internal/keylock"
	"kronos/internal/model"
	"kronos/internal/storage"
	"kronos/internal/trigger"
	logx "kronos/pkg/logx"
)

type Store interface {
	storage.NamespaceStore
	storage.TaskDefinitionStore
	storage.WorkflowStore
	storage.JobStore
}

// Triggers stops and removes the triggers of a workflow being deleted.
type Triggers interface {
	PauseWorkflow(ctx context.Context, wf model.WorkflowID) (trigger.BulkResult, error)
	Resume(ctx context.Context, id model.TriggerID) (*model.WorkflowTrigger, error)
	DeleteWorkflowTriggers(ctx context.Context, wf model.WorkflowID) (int, error)
}

type Service struct {
	store    Store
	triggers Triggers
	clock    clockwork.Clock
	log      logx.Logger

	locks keylock.Map
}

func New(store Store, triggers Triggers, clock clockwork.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{store: store, triggers: triggers, clock: clock, log: log}
}

// ---- namespaces ----

func (s *Service) AddNamespace(ctx context.Context, ns *model.Namespace) (*model.Namespace, error) {
	if ns == nil {
		return nil, errs.New(errs.InvalidWorkflow, "namespace required")
	}
	if err := model.Validate(ns); err != nil {
		return nil, errs.Wrap(errs.InvalidWorkflow, err, "namespace %q", ns.Name)
	}
	if err := s.store.CreateNamespace(ctx, ns); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, errs.New(errs.NamespaceAlreadyExists, "namespace %q already exists", ns.Name)
		}
		return nil, errs.Service("store namespace", err)
	}
	s.log.Info("namespace added", logx.String("namespace", ns.Name))
	cp := *ns
	return &cp, nil
}

// EnsureNamespace creates name unless it exists.
func (s *Service) EnsureNamespace(ctx context.Context, name string) error {
	_, err := s.AddNamespace(ctx, &model.Namespace{Name: name})
	if err != nil && !errs.Is(err, errs.NamespaceAlreadyExists) {
		return err
	}
	return nil
}

func (s *Service) GetNamespace(ctx context.Context, name string) (*model.Namespace, error) {
	ns, err := s.store.LoadNamespace(ctx, name)
	if err != nil {
		return nil, errs.Service("load namespace", err)
	}
	if ns == nil {
		return nil, errs.New(errs.NamespaceNotFound, "namespace %q not found", name)
	}
	return ns, nil
}

func (s *Service) ListNamespaces(ctx context.Context) ([]*model.Namespace, error) {
	out, err := s.store.ListNamespaces(ctx)
	if err != nil {
		return nil, errs.Service("list namespaces", err)
	}
	return out, nil
}

// ---- task definitions ----

func (s *Service) AddTaskDefinition(ctx context.Context, def *model.TaskDefinition) (*model.TaskDefinition, error) {
	if err := checkDefinition(def); err != nil {
		return nil, err
	}
	if err := s.store.CreateTaskDefinition(ctx, def); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, errs.New(errs.TaskDefinitionDuplicated, "task definition %q already exists", def.Name)
		}
		return nil, errs.Service("store task definition", err)
	}
	s.log.Info("task definition added", logx.String("name", def.Name), logx.String("type", def.Type))
	return def.Clone(), nil
}

func (s *Service) UpdateTaskDefinition(ctx context.Context, def *model.TaskDefinition) (*model.TaskDefinition, error) {
	if err := checkDefinition(def); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTaskDefinition(ctx, def); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.New(errs.TaskDefinitionNotFound, "task definition %q not found", def.Name)
		}
		return nil, errs.Service("store task definition", err)
	}
	return def.Clone(), nil
}

func checkDefinition(def *model.TaskDefinition) error {
	if def == nil {
		return errs.New(errs.InvalidWorkflow, "task definition required")
	}
	if err := model.Validate(def); err != nil {
		return errs.Wrap(errs.InvalidWorkflow, err, "task definition %q", def.Name)
	}
	return nil
}

func (s *Service) GetTaskDefinition(ctx context.Context, name string) (*model.TaskDefinition, error) {
	def, err := s.store.LoadTaskDefinition(ctx, name)
	if err != nil {
		return nil, errs.Service("load task definition", err)
	}
	if def == nil {
		return nil, errs.New(errs.TaskDefinitionNotFound, "task definition %q not found", name)
	}
	return def, nil
}

func (s *Service) ListTaskDefinitions(ctx context.Context) ([]*model.TaskDefinition, error) {
	out, err := s.store.ListTaskDefinitions(ctx)
	if err != nil {
		return nil, errs.Service("list task definitions", err)
	}
	return out, nil
}

// ---- workflows ----

// Resolved is a validated workflow with the definitions its tasks use.
type Resolved struct {
	Workflow *model.WorkflowDefinition
	Plan     *dag.Plan
	Defs     map[string]*model.TaskDefinition
}

// Resolve validates wf against the current task definitions.
func (s *Service) Resolve(ctx context.Context, wf *model.WorkflowDefinition) (*Resolved, error) {
	if wf == nil {
		return nil, errs.New(errs.InvalidWorkflow, "workflow required")
	}
	if err := model.Validate(wf); err != nil {
		// an empty task list is reported by the graph check below
		if len(wf.Tasks) > 0 {
			return nil, errs.Wrap(errs.InvalidWorkflow, err, "workflow %s", wf.ID())
		}
	}
	defs := make(map[string]*model.TaskDefinition)
	for _, t := range wf.Tasks {
		if _, ok := defs[t.TaskDefinition]; ok {
			continue
		}
		def, err := s.store.LoadTaskDefinition(ctx, t.TaskDefinition)
		if err != nil {
			return nil, errs.Service("load task definition", err)
		}
		if def != nil {
			defs[t.TaskDefinition] = def
		}
	}
	plan, err := dag.Validate(wf, func(name string) *model.TaskDefinition { return defs[name] })
	if err != nil {
		return nil, err
	}
	return &Resolved{Workflow: wf, Plan: plan, Defs: defs}, nil
}

func (s *Service) requireNamespace(ctx context.Context, ns string) error {
	_, err := s.GetNamespace(ctx, ns)
	return err
}

// Add validates and stores a new workflow.
func (s *Service) Add(ctx context.Context, wf *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	if wf == nil {
		return nil, errs.New(errs.InvalidWorkflow, "workflow required")
	}
	wf = wf.Clone()
	wf.Namespace = strings.TrimSpace(wf.Namespace)
	if err := s.requireNamespace(ctx, wf.Namespace); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(wf.ID().String())
	defer unlock()

	existing, err := s.store.LoadWorkflow(ctx, wf.ID())
	if err != nil {
		return nil, errs.Service("load workflow", err)
	}
	if existing != nil {
		return nil, errs.New(errs.WorkflowAlreadyExists, "workflow %s already exists", wf.ID())
	}
	if _, err := s.Resolve(ctx, wf); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	wf.CreatedAt, wf.UpdatedAt = now, now
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, errs.New(errs.WorkflowAlreadyExists, "workflow %s already exists", wf.ID())
		}
		return nil, errs.Service("store workflow", err)
	}
	s.log.Info("workflow added", logx.Stringer("workflow", wf.ID()), logx.Int("tasks", len(wf.Tasks)))
	return wf.Clone(), nil
}

// Update replaces a workflow's definition. Jobs already created keep the
// task graph they were created with.
func (s *Service) Update(ctx context.Context, wf *model.WorkflowDefinition) (*model.WorkflowDefinition, error) {
	if wf == nil {
		return nil, errs.New(errs.InvalidWorkflow, "workflow required")
	}
	wf = wf.Clone()
	if err := s.requireNamespace(ctx, wf.Namespace); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(wf.ID().String())
	defer unlock()

	existing, err := s.store.LoadWorkflow(ctx, wf.ID())
	if err != nil {
		return nil, errs.Service("load workflow", err)
	}
	if existing == nil {
		return nil, errs.New(errs.WorkflowNotFound, "workflow %s not found", wf.ID())
	}
	if _, err := s.Resolve(ctx, wf); err != nil {
		return nil, err
	}
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, errs.Service("store workflow", err)
	}
	s.log.Info("workflow updated", logx.Stringer("workflow", wf.ID()))
	return wf.Clone(), nil
}

func (s *Service) Get(ctx context.Context, id model.WorkflowID) (*model.WorkflowDefinition, error) {
	if err := s.requireNamespace(ctx, id.Namespace); err != nil {
		return nil, err
	}
	wf, err := s.store.LoadWorkflow(ctx, id)
	if err != nil {
		return nil, errs.Service("load workflow", err)
	}
	if wf == nil {
		return nil, errs.New(errs.WorkflowNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

func (s *Service) List(ctx context.Context, namespace string) ([]*model.WorkflowDefinition, error) {
	if err := s.requireNamespace(ctx, namespace); err != nil {
		return nil, err
	}
	out, err := s.store.ListWorkflows(ctx, namespace)
	if err != nil {
		return nil, errs.Service("list workflows", err)
	}
	return out, nil
}

// Delete removes a workflow with its triggers and finished jobs. It refuses
// while any job of the workflow is still live. Triggers are paused before
// the check so no fire can create a job behind it; on refusal they are
// resumed.
func (s *Service) Delete(ctx context.Context, id model.WorkflowID) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	unlock := s.locks.Lock(id.String())
	defer unlock()

	var paused []*model.WorkflowTrigger
	if s.triggers != nil {
		res, err := s.triggers.PauseWorkflow(ctx, id)
		if err != nil {
			return errs.Service("pause triggers", err)
		}
		paused = res.Affected
		if failed := res.Failed(); len(failed) > 0 {
			s.resume(ctx, paused)
			return errs.Service("pause triggers", failed[0].Err)
		}
	}

	live, err := s.store.QueryJobs(ctx, storage.JobQuery{
		Namespace: id.Namespace,
		Workflow:  id.Name,
		Statuses:  []model.JobStatus{model.JobCreated, model.JobRunning},
	})
	if err != nil {
		s.resume(ctx, paused)
		return errs.Service("list jobs", err)
	}
	if len(live) > 0 {
		s.resume(ctx, paused)
		return errs.New(errs.WorkflowInUse, "workflow %s has %d live jobs", id, len(live))
	}

	if s.triggers != nil {
		if _, err := s.triggers.DeleteWorkflowTriggers(ctx, id); err != nil {
			return errs.Service("delete triggers", err)
		}
	}
	jobs, err := s.store.DeleteJobsByWorkflow(ctx, id)
	if err != nil {
		return errs.Service("delete jobs", err)
	}
	if err := s.store.DeleteWorkflow(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errs.Service("delete workflow", err)
	}
	s.log.Info("workflow deleted", logx.Stringer("workflow", id), logx.Int("jobs", jobs))
	return nil
}

func (s *Service) resume(ctx context.Context, trs []*model.WorkflowTrigger) {
	for _, tr := range trs {
		if _, err := s.triggers.Resume(ctx, tr.ID()); err != nil {
			s.log.Warn("resume trigger after refused delete failed", logx.Stringer("trigger", tr.ID()), logx.Err(err))
		}
	}
}
