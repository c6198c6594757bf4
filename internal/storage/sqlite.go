package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"kronos/internal/model"
	logx "kronos/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
}

var _ Store = (*sqliteStore)(nil)

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyMigrations(db.DB, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store ready", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func applyMigrations(db *sql.DB, log logx.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("no migrations to apply")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("migrations applied")
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode[T any](body string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func affected(res sql.Result, onZero error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return onZero
	}
	return nil
}

// where accumulates AND-ed conditions.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) eq(col, val string) {
	if val != "" {
		w.add(col+" = ?", val)
	}
}

func (w *where) created(r TimeRange) {
	if !r.After.IsZero() {
		w.add("created_at >= ?", r.After.UnixNano())
	}
	if !r.Before.IsZero() {
		w.add("created_at <= ?", r.Before.UnixNano())
	}
}

func (w *where) in(col string, vals []string) {
	if len(vals) > 0 {
		w.add(col+" IN (?)", vals)
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// build expands IN clauses and rebinds for the driver.
func (s *sqliteStore) build(base string, w *where, tail string) (string, []any, error) {
	q, args, err := sqlx.In(base+w.String()+tail, w.args...)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(q), args, nil
}

func toStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// ---- namespaces ----

func (s *sqliteStore) CreateNamespace(ctx context.Context, ns *model.Namespace) error {
	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO namespaces(name, description) VALUES(:name, :description) ON CONFLICT DO NOTHING`,
		map[string]any{"name": ns.Name, "description": ns.Description})
	if err != nil {
		return err
	}
	return affected(res, ErrExists)
}

type namespaceRow struct {
	Name        string `db:"name"`
	Description string `db:"description"`
}

func (s *sqliteStore) LoadNamespace(ctx context.Context, name string) (*model.Namespace, error) {
	var row namespaceRow
	err := s.db.GetContext(ctx, &row, `SELECT name, description FROM namespaces WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &model.Namespace{Name: row.Name, Description: row.Description}, nil
}

func (s *sqliteStore) ListNamespaces(ctx context.Context) ([]*model.Namespace, error) {
	var rows []namespaceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, description FROM namespaces ORDER BY name`); err != nil {
		return nil, err
	}
	out := make([]*model.Namespace, 0, len(rows))
	for _, r := range rows {
		out = append(out, &model.Namespace{Name: r.Name, Description: r.Description})
	}
	return out, nil
}

// ---- task definitions ----

func (s *sqliteStore) CreateTaskDefinition(ctx context.Context, def *model.TaskDefinition) error {
	body, err := encode(def)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_definitions(name, body) VALUES(?, ?) ON CONFLICT DO NOTHING`, def.Name, body)
	if err != nil {
		return err
	}
	return affected(res, ErrExists)
}

func (s *sqliteStore) LoadTaskDefinition(ctx context.Context, name string) (*model.TaskDefinition, error) {
	var body string
	err := s.db.GetContext(ctx, &body, `SELECT body FROM task_definitions WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode[model.TaskDefinition](body)
}

func (s *sqliteStore) ListTaskDefinitions(ctx context.Context) ([]*model.TaskDefinition, error) {
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, `SELECT body FROM task_definitions ORDER BY name`); err != nil {
		return nil, err
	}
	return decodeAll[model.TaskDefinition](bodies)
}

func (s *sqliteStore) UpdateTaskDefinition(ctx context.Context, def *model.TaskDefinition) error {
	body, err := encode(def)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE task_definitions SET body = ? WHERE name = ?`, body, def.Name)
	if err != nil {
		return err
	}
	return affected(res, ErrNotFound)
}

func decodeAll[T any](bodies []string) ([]*T, error) {
	out := make([]*T, 0, len(bodies))
	for _, b := range bodies {
		v, err := decode[T](b)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ---- workflows ----

func (s *sqliteStore) CreateWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error {
	body, err := encode(wf)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows(namespace, name, body, created_at, updated_at) VALUES(?,?,?,?,?) ON CONFLICT DO NOTHING`,
		wf.Namespace, wf.Name, body, nanos(wf.CreatedAt), nanos(wf.UpdatedAt))
	if err != nil {
		return err
	}
	return affected(res, ErrExists)
}

func (s *sqliteStore) LoadWorkflow(ctx context.Context, id model.WorkflowID) (*model.WorkflowDefinition, error) {
	var body string
	err := s.db.GetContext(ctx, &body,
		`SELECT body FROM workflows WHERE namespace = ? AND name = ?`, id.Namespace, id.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode[model.WorkflowDefinition](body)
}

func (s *sqliteStore) ListWorkflows(ctx context.Context, namespace string) ([]*model.WorkflowDefinition, error) {
	w := &where{}
	w.eq("namespace", namespace)
	q, args, err := s.build(`SELECT body FROM workflows`, w, ` ORDER BY namespace, name`)
	if err != nil {
		return nil, err
	}
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, q, args...); err != nil {
		return nil, err
	}
	return decodeAll[model.WorkflowDefinition](bodies)
}

func (s *sqliteStore) UpdateWorkflow(ctx context.Context, wf *model.WorkflowDefinition) error {
	body, err := encode(wf)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET body = ?, updated_at = ? WHERE namespace = ? AND name = ?`,
		body, nanos(wf.UpdatedAt), wf.Namespace, wf.Name)
	if err != nil {
		return err
	}
	return affected(res, ErrNotFound)
}

func (s *sqliteStore) DeleteWorkflow(ctx context.Context, id model.WorkflowID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE namespace = ? AND name = ?`, id.Namespace, id.Name)
	if err != nil {
		return err
	}
	return affected(res, ErrNotFound)
}

// ---- triggers ----

func (s *sqliteStore) CreateTrigger(ctx context.Context, tr *model.WorkflowTrigger) error {
	body, err := encode(tr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers(namespace, workflow, name, enabled, body, created_at) VALUES(?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		tr.Namespace, tr.Workflow, tr.Name, tr.Enabled, body, nanos(tr.CreatedAt))
	if err != nil {
		return err
	}
	return affected(res, ErrExists)
}

func (s *sqliteStore) LoadTrigger(ctx context.Context, id model.TriggerID) (*model.WorkflowTrigger, error) {
	var body string
	err := s.db.GetContext(ctx, &body,
		`SELECT body FROM triggers WHERE namespace = ? AND workflow = ? AND name = ?`,
		id.Namespace, id.Workflow, id.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode[model.WorkflowTrigger](body)
}

func (s *sqliteStore) QueryTriggers(ctx context.Context, tq TriggerQuery) ([]*model.WorkflowTrigger, error) {
	w := &where{}
	w.eq("namespace", tq.Namespace)
	w.eq("workflow", tq.Workflow)
	if tq.Enabled != nil {
		w.add("enabled = ?", *tq.Enabled)
	}
	q, args, err := s.build(`SELECT body FROM triggers`, w, ` ORDER BY namespace, workflow, name`)
	if err != nil {
		return nil, err
	}
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, q, args...); err != nil {
		return nil, err
	}
	return decodeAll[model.WorkflowTrigger](bodies)
}

func (s *sqliteStore) UpdateTrigger(ctx context.Context, tr *model.WorkflowTrigger) error {
	body, err := encode(tr)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET enabled = ?, body = ? WHERE namespace = ? AND workflow = ? AND name = ?`,
		tr.Enabled, body, tr.Namespace, tr.Workflow, tr.Name)
	if err != nil {
		return err
	}
	return affected(res, ErrNotFound)
}

func (s *sqliteStore) DeleteTrigger(ctx context.Context, id model.TriggerID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM triggers WHERE namespace = ? AND workflow = ? AND name = ?`,
		id.Namespace, id.Workflow, id.Name)
	if err != nil {
		return err
	}
	return affected(res, ErrNotFound)
}

// ---- jobs ----

type jobRow struct {
	Namespace   string `db:"namespace"`
	ID          string `db:"id"`
	Workflow    string `db:"workflow"`
	Trigger     string `db:"trigger_name"`
	Status      string `db:"status"`
	Partial     bool   `db:"allow_partial"`
	CreatedAt   int64  `db:"created_at"`
	CompletedAt int64  `db:"completed_at"`
}

func newJobRow(j *model.Job) jobRow {
	return jobRow{
		Namespace:   j.Namespace,
		ID:          j.ID,
		Workflow:    j.Workflow,
		Trigger:     j.Trigger,
		Status:      string(j.Status),
		Partial:     j.AllowPartial,
		CreatedAt:   nanos(j.CreatedAt),
		CompletedAt: nanos(j.CompletedAt),
	}
}

func (r jobRow) job() *model.Job {
	return &model.Job{
		ID:           r.ID,
		Namespace:    r.Namespace,
		Workflow:     r.Workflow,
		Trigger:      r.Trigger,
		Status:       model.JobStatus(r.Status),
		AllowPartial: r.Partial,
		CreatedAt:    fromNanos(r.CreatedAt),
		CompletedAt:  fromNanos(r.CompletedAt),
	}
}

const jobColumns = `namespace, id, workflow, trigger_name, status, allow_partial, created_at, completed_at`

type taskRow struct {
	Namespace string `db:"namespace"`
	Job       string `db:"job"`
	Name      string `db:"name"`
	Workflow  string `db:"workflow"`
	Status    string `db:"status"`
	Wave      int    `db:"wave"`
	Seq       int    `db:"seq"`
	CreatedAt int64  `db:"created_at"`
	Body      string `db:"body"`
}

func newTaskRow(t *model.Task, seq int) (taskRow, error) {
	body, err := encode(t)
	if err != nil {
		return taskRow{}, err
	}
	return taskRow{
		Namespace: t.Namespace,
		Job:       t.Job,
		Name:      t.Name,
		Workflow:  t.Workflow,
		Status:    string(t.Status),
		Wave:      t.Wave,
		Seq:       seq,
		CreatedAt: nanos(t.CreatedAt),
		Body:      body,
	}, nil
}

func (s *sqliteStore) CreateJob(ctx context.Context, job *model.Job, tasks []*model.Task) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.NamedExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(:namespace, :id, :workflow, :trigger_name, :status, :allow_partial, :created_at, :completed_at) ON CONFLICT DO NOTHING`,
		newJobRow(job))
	if err != nil {
		return err
	}
	if err = affected(res, ErrExists); err != nil {
		return err
	}
	for i, t := range tasks {
		row, rerr := newTaskRow(t, i)
		if rerr != nil {
			err = rerr
			return err
		}
		if _, err = tx.NamedExecContext(ctx,
			`INSERT INTO tasks(namespace, job, name, workflow, status, wave, seq, created_at, body)
			 VALUES(:namespace, :job, :name, :workflow, :status, :wave, :seq, :created_at, :body)`, row); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadJob(ctx context.Context, id model.JobID) (*model.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM jobs WHERE namespace = ? AND id = ?`, id.Namespace, id.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.job(), nil
}

func (s *sqliteStore) QueryJobs(ctx context.Context, jq JobQuery) ([]*model.Job, error) {
	w := &where{}
	w.eq("namespace", jq.Namespace)
	w.eq("workflow", jq.Workflow)
	w.eq("trigger_name", jq.Trigger)
	w.in("status", toStrings(jq.Statuses))
	w.created(jq.Created)
	q, args, err := s.build(`SELECT `+jobColumns+` FROM jobs`, w, ` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*model.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.job())
	}
	return out, nil
}

func (s *sqliteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE jobs SET status = :status, completed_at = :completed_at WHERE namespace = :namespace AND id = :id`,
		newJobRow(job))
	if err != nil {
		return err
	}
	return affected(res, ErrNotFound)
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id model.JobID) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE namespace = ? AND id = ?`, id.Namespace, id.ID)
	if err != nil {
		return err
	}
	if err = affected(res, ErrNotFound); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE namespace = ? AND job = ?`, id.Namespace, id.ID); err != nil {
		return err
	}
	return tx.Commit()
}

const terminalJobs = `status IN ('SUCCESSFUL', 'FAILED', 'PARTIAL', 'ABORTED')`

func (s *sqliteStore) DeleteJobsByWorkflow(ctx context.Context, wf model.WorkflowID) (n int, err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE namespace = ? AND job IN (SELECT id FROM jobs WHERE namespace = ? AND workflow = ? AND `+terminalJobs+`)`,
		wf.Namespace, wf.Namespace, wf.Name); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE namespace = ? AND workflow = ? AND `+terminalJobs, wf.Namespace, wf.Name)
	if err != nil {
		return 0, err
	}
	cnt, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(cnt), tx.Commit()
}

type statusCount struct {
	Status string `db:"status"`
	N      int    `db:"n"`
}

func (s *sqliteStore) countByStatus(ctx context.Context, table string, cq CountQuery) ([]statusCount, error) {
	w := &where{}
	w.eq("namespace", cq.Namespace)
	w.eq("workflow", cq.Workflow)
	w.created(cq.Created)
	q, args, err := s.build(`SELECT status, COUNT(*) AS n FROM `+table, w, ` GROUP BY status`)
	if err != nil {
		return nil, err
	}
	var rows []statusCount
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *sqliteStore) CountJobsByStatus(ctx context.Context, cq CountQuery) (map[model.JobStatus]int, error) {
	rows, err := s.countByStatus(ctx, "jobs", cq)
	if err != nil {
		return nil, err
	}
	out := make(map[model.JobStatus]int, len(rows))
	for _, r := range rows {
		out[model.JobStatus(r.Status)] = r.N
	}
	return out, nil
}

// ---- tasks ----

func (s *sqliteStore) LoadTask(ctx context.Context, id model.TaskID) (*model.Task, error) {
	var body string
	err := s.db.GetContext(ctx, &body,
		`SELECT body FROM tasks WHERE namespace = ? AND job = ? AND name = ?`, id.Namespace, id.Job, id.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode[model.Task](body)
}

func (s *sqliteStore) ListTasks(ctx context.Context, job model.JobID) ([]*model.Task, error) {
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies,
		`SELECT body FROM tasks WHERE namespace = ? AND job = ? ORDER BY seq`, job.Namespace, job.ID); err != nil {
		return nil, err
	}
	return decodeAll[model.Task](bodies)
}

func (s *sqliteStore) QueryTasks(ctx context.Context, tq TaskQuery) ([]*model.Task, error) {
	w := &where{}
	w.eq("namespace", tq.Namespace)
	w.eq("job", tq.Job)
	w.eq("workflow", tq.Workflow)
	w.in("status", toStrings(tq.Statuses))
	w.created(tq.Created)
	q, args, err := s.build(`SELECT body FROM tasks`, w, ` ORDER BY created_at, job, wave, name`)
	if err != nil {
		return nil, err
	}
	var bodies []string
	if err := s.db.SelectContext(ctx, &bodies, q, args...); err != nil {
		return nil, err
	}
	return decodeAll[model.Task](bodies)
}

func (s *sqliteStore) UpdateTask(ctx context.Context, task *model.Task) error {
	return s.UpdateTasks(ctx, []*model.Task{task})
}

func (s *sqliteStore) UpdateTasks(ctx context.Context, tasks []*model.Task) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, t := range tasks {
		row, rerr := newTaskRow(t, 0)
		if rerr != nil {
			err = rerr
			return err
		}
		var res sql.Result
		res, err = tx.NamedExecContext(ctx,
			`UPDATE tasks SET status = :status, body = :body WHERE namespace = :namespace AND job = :job AND name = :name`, row)
		if err != nil {
			return err
		}
		if err = affected(res, ErrNotFound); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) CountTasksByStatus(ctx context.Context, cq CountQuery) (map[model.TaskStatus]int, error) {
	rows, err := s.countByStatus(ctx, "tasks", cq)
	if err != nil {
		return nil, err
	}
	out := make(map[model.TaskStatus]int, len(rows))
	for _, r := range rows {
		out[model.TaskStatus(r.Status)] = r.N
	}
	return out, nil
}
