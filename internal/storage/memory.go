package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"kronos/internal/model"
)

type memJob struct {
	job   *model.Job
	tasks map[string]*model.Task
	order []string
}

// Memory is a Store held in process memory. Values are cloned on the way in
// and on the way out so callers never share state with the store.
type Memory struct {
	mu sync.RWMutex

	closed     bool
	namespaces map[string]*model.Namespace
	defs       map[string]*model.TaskDefinition
	workflows  map[model.WorkflowID]*model.WorkflowDefinition
	triggers   map[model.TriggerID]*model.WorkflowTrigger
	jobs       map[model.JobID]*memJob
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		namespaces: make(map[string]*model.Namespace),
		defs:       make(map[string]*model.TaskDefinition),
		workflows:  make(map[model.WorkflowID]*model.WorkflowDefinition),
		triggers:   make(map[model.TriggerID]*model.WorkflowTrigger),
		jobs:       make(map[model.JobID]*memJob),
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) read(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	return m.mu.RUnlock, nil
}

func (m *Memory) write(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	return m.mu.Unlock, nil
}

// ---- namespaces ----

func (m *Memory) CreateNamespace(ctx context.Context, ns *model.Namespace) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.namespaces[ns.Name]; ok {
		return ErrExists
	}
	cp := *ns
	m.namespaces[ns.Name] = &cp
	return nil
}

func (m *Memory) LoadNamespace(ctx context.Context, name string) (*model.Namespace, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	ns, ok := m.namespaces[name]
	if !ok {
		return nil, nil
	}
	cp := *ns
	return &cp, nil
}

func (m *Memory) ListNamespaces(ctx context.Context) ([]*model.Namespace, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]*model.Namespace, 0, len(m.namespaces))
	for _, ns := range m.namespaces {
		cp := *ns
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *model.Namespace) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

// ---- task definitions ----

func (m *Memory) CreateTaskDefinition(ctx context.Context, def *model.TaskDefinition) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.defs[def.Name]; ok {
		return ErrExists
	}
	m.defs[def.Name] = def.Clone()
	return nil
}

func (m *Memory) LoadTaskDefinition(ctx context.Context, name string) (*model.TaskDefinition, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.defs[name].Clone(), nil
}

func (m *Memory) ListTaskDefinitions(ctx context.Context) ([]*model.TaskDefinition, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]*model.TaskDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		out = append(out, d.Clone())
	}
	slices.SortFunc(out, func(a, b *model.TaskDefinition) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *Memory) UpdateTaskDefinition(ctx context.Context, def *model.TaskDefinition) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.defs[def.Name]; !ok {
		return ErrNotFound
	}
	m.defs[def.Name] = def.Clone()
	return nil
}

// ---- workflows ----

func (m *Memory) CreateWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.workflows[wf.ID()]; ok {
		return ErrExists
	}
	m.workflows[wf.ID()] = wf.Clone()
	return nil
}

func (m *Memory) LoadWorkflow(ctx context.Context, id model.WorkflowID) (*model.WorkflowDefinition, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.workflows[id].Clone(), nil
}

func (m *Memory) ListWorkflows(ctx context.Context, namespace string) ([]*model.WorkflowDefinition, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []*model.WorkflowDefinition
	for id, wf := range m.workflows {
		if namespace == "" || id.Namespace == namespace {
			out = append(out, wf.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.WorkflowDefinition) int {
		return cmp.Or(cmp.Compare(a.Namespace, b.Namespace), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

func (m *Memory) UpdateWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.workflows[wf.ID()]; !ok {
		return ErrNotFound
	}
	m.workflows[wf.ID()] = wf.Clone()
	return nil
}

func (m *Memory) DeleteWorkflow(ctx context.Context, id model.WorkflowID) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(m.workflows, id)
	return nil
}

// ---- triggers ----

func (m *Memory) CreateTrigger(ctx context.Context, tr *model.WorkflowTrigger) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.triggers[tr.ID()]; ok {
		return ErrExists
	}
	m.triggers[tr.ID()] = tr.Clone()
	return nil
}

func (m *Memory) LoadTrigger(ctx context.Context, id model.TriggerID) (*model.WorkflowTrigger, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.triggers[id].Clone(), nil
}

func (m *Memory) QueryTriggers(ctx context.Context, q TriggerQuery) ([]*model.WorkflowTrigger, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []*model.WorkflowTrigger
	for id, tr := range m.triggers {
		if q.Namespace != "" && id.Namespace != q.Namespace {
			continue
		}
		if q.Workflow != "" && id.Workflow != q.Workflow {
			continue
		}
		if q.Enabled != nil && tr.Enabled != *q.Enabled {
			continue
		}
		out = append(out, tr.Clone())
	}
	slices.SortFunc(out, func(a, b *model.WorkflowTrigger) int {
		return cmp.Or(
			cmp.Compare(a.Namespace, b.Namespace),
			cmp.Compare(a.Workflow, b.Workflow),
			cmp.Compare(a.Name, b.Name),
		)
	})
	return out, nil
}

func (m *Memory) UpdateTrigger(ctx context.Context, tr *model.WorkflowTrigger) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.triggers[tr.ID()]; !ok {
		return ErrNotFound
	}
	m.triggers[tr.ID()] = tr.Clone()
	return nil
}

func (m *Memory) DeleteTrigger(ctx context.Context, id model.TriggerID) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.triggers[id]; !ok {
		return ErrNotFound
	}
	delete(m.triggers, id)
	return nil
}

// ---- jobs ----

func (m *Memory) CreateJob(ctx context.Context, job *model.Job, tasks []*model.Task) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	id := job.Identity()
	if _, ok := m.jobs[id]; ok {
		return ErrExists
	}
	mj := &memJob{job: job.Clone(), tasks: make(map[string]*model.Task, len(tasks))}
	for _, t := range tasks {
		if _, dup := mj.tasks[t.Name]; dup {
			return ErrExists
		}
		mj.tasks[t.Name] = t.Clone()
		mj.order = append(mj.order, t.Name)
	}
	m.jobs[id] = mj
	return nil
}

func (m *Memory) LoadJob(ctx context.Context, id model.JobID) (*model.Job, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	mj, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return mj.job.Clone(), nil
}

func (m *Memory) QueryJobs(ctx context.Context, q JobQuery) ([]*model.Job, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []*model.Job
	for _, mj := range m.jobs {
		if matchJob(mj.job, q) {
			out = append(out, mj.job.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

func matchJob(j *model.Job, q JobQuery) bool {
	if q.Namespace != "" && j.Namespace != q.Namespace {
		return false
	}
	if q.Workflow != "" && j.Workflow != q.Workflow {
		return false
	}
	if q.Trigger != "" && j.Trigger != q.Trigger {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, j.Status) {
		return false
	}
	return q.Created.Contains(j.CreatedAt)
}

func sortJobs(jobs []*model.Job) {
	slices.SortFunc(jobs, func(a, b *model.Job) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}

func (m *Memory) UpdateJob(ctx context.Context, job *model.Job) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	mj, ok := m.jobs[job.Identity()]
	if !ok {
		return ErrNotFound
	}
	mj.job = job.Clone()
	return nil
}

func (m *Memory) DeleteJob(ctx context.Context, id model.JobID) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) DeleteJobsByWorkflow(ctx context.Context, wf model.WorkflowID) (int, error) {
	unlock, err := m.write(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	n := 0
	for id, mj := range m.jobs {
		if mj.job.Namespace == wf.Namespace && mj.job.Workflow == wf.Name && mj.job.Status.IsTerminal() {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountJobsByStatus(ctx context.Context, q CountQuery) (map[model.JobStatus]int, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make(map[model.JobStatus]int)
	jq := JobQuery{Namespace: q.Namespace, Workflow: q.Workflow, Created: q.Created}
	for _, mj := range m.jobs {
		if matchJob(mj.job, jq) {
			out[mj.job.Status]++
		}
	}
	return out, nil
}

// ---- tasks ----

func (m *Memory) LoadTask(ctx context.Context, id model.TaskID) (*model.Task, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	mj, ok := m.jobs[id.JobID()]
	if !ok {
		return nil, nil
	}
	return mj.tasks[id.Name].Clone(), nil
}

func (m *Memory) ListTasks(ctx context.Context, job model.JobID) ([]*model.Task, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	mj, ok := m.jobs[job]
	if !ok {
		return nil, nil
	}
	out := make([]*model.Task, 0, len(mj.order))
	for _, name := range mj.order {
		out = append(out, mj.tasks[name].Clone())
	}
	return out, nil
}

func (m *Memory) QueryTasks(ctx context.Context, q TaskQuery) ([]*model.Task, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []*model.Task
	for id, mj := range m.jobs {
		if q.Namespace != "" && id.Namespace != q.Namespace {
			continue
		}
		if q.Job != "" && id.ID != q.Job {
			continue
		}
		for _, name := range mj.order {
			t := mj.tasks[name]
			if matchTask(t, q) {
				out = append(out, t.Clone())
			}
		}
	}
	slices.SortFunc(out, func(a, b *model.Task) int {
		return cmp.Or(
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.Job, b.Job),
			cmp.Compare(a.Wave, b.Wave),
			cmp.Compare(a.Name, b.Name),
		)
	})
	return out, nil
}

func matchTask(t *model.Task, q TaskQuery) bool {
	if q.Workflow != "" && t.Workflow != q.Workflow {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, t.Status) {
		return false
	}
	return q.Created.Contains(t.CreatedAt)
}

func (m *Memory) UpdateTask(ctx context.Context, task *model.Task) error {
	return m.UpdateTasks(ctx, []*model.Task{task})
}

func (m *Memory) UpdateTasks(ctx context.Context, tasks []*model.Task) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	for _, t := range tasks {
		mj, ok := m.jobs[t.Identity().JobID()]
		if !ok {
			return ErrNotFound
		}
		if _, ok := mj.tasks[t.Name]; !ok {
			return ErrNotFound
		}
	}
	for _, t := range tasks {
		m.jobs[t.Identity().JobID()].tasks[t.Name] = t.Clone()
	}
	return nil
}

func (m *Memory) CountTasksByStatus(ctx context.Context, q CountQuery) (map[model.TaskStatus]int, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make(map[model.TaskStatus]int)
	tq := TaskQuery{Namespace: q.Namespace, Workflow: q.Workflow, Created: q.Created}
	for id, mj := range m.jobs {
		if q.Namespace != "" && id.Namespace != q.Namespace {
			continue
		}
		for _, t := range mj.tasks {
			if matchTask(t, tq) {
				out[t.Status]++
			}
		}
	}
	return out, nil
}
