// Package loader reads workflow definitions from YAML and registers them
// through the same services as interactive calls. Definitions that already
// exist are logged and left untouched.
package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"kronos/internal/dag"
	"kronos/internal/errs"
	"kronos/internal/model"
	"kronos/internal/timer"
	logx "kronos/pkg/logx"
)

// File is the definitions document.
//
//	namespaces:
//	  - name: etl
//	task_definitions:
//	  - name: echo
//	    type: echo
//	workflows:
//	  - namespace: etl
//	    name: nightly
//	    tasks:
//	      - name: extract
//	        task_definition: echo
//	    triggers:
//	      - name: every-night
//	        schedule: { type: cron, cron: "0 0 2 * * *" }
type File struct {
	Namespaces      []model.Namespace      `yaml:"namespaces"`
	TaskDefinitions []model.TaskDefinition `yaml:"task_definitions"`
	Workflows       []Workflow             `yaml:"workflows"`
}

type Workflow struct {
	model.WorkflowDefinition `yaml:",inline"`
	Triggers                 []Trigger `yaml:"triggers"`
}

// Trigger is a workflow trigger nested under its workflow. Enabled defaults
// to true.
type Trigger struct {
	Name     string             `yaml:"name"`
	Schedule model.ScheduleSpec `yaml:"schedule"`
	StartAt  time.Time          `yaml:"start_at"`
	EndAt    time.Time          `yaml:"end_at"`
	Enabled  *bool              `yaml:"enabled"`
}

func (t Trigger) model(wf *model.WorkflowDefinition) *model.WorkflowTrigger {
	enabled := true
	if t.Enabled != nil {
		enabled = *t.Enabled
	}
	return &model.WorkflowTrigger{
		Namespace: wf.Namespace,
		Workflow:  wf.Name,
		Name:      t.Name,
		Schedule:  t.Schedule,
		StartAt:   t.StartAt,
		EndAt:     t.EndAt,
		Enabled:   enabled,
	}
}

// Parse decodes a definitions document. Unknown keys are errors. Workflows
// without a namespace get model.DefaultNamespace.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, fmt.Errorf("decode definitions: %w", err)
	}
	for i := range f.Workflows {
		if strings.TrimSpace(f.Workflows[i].Namespace) == "" {
			f.Workflows[i].Namespace = model.DefaultNamespace
		}
	}
	return &f, nil
}

func ReadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(bytes.NewReader(b))
}

// namespaces returns every namespace the file declares or uses.
func (f *File) namespaces() []model.Namespace {
	seen := make(map[string]bool)
	var out []model.Namespace
	for _, ns := range f.Namespaces {
		if !seen[ns.Name] {
			seen[ns.Name] = true
			out = append(out, ns)
		}
	}
	for _, wf := range f.Workflows {
		if !seen[wf.Namespace] {
			seen[wf.Namespace] = true
			out = append(out, model.Namespace{Name: wf.Namespace})
		}
	}
	return out
}

// Check validates the file on its own, without a store: task definitions
// are looked up in the file only. Every problem is reported.
func (f *File) Check(loc *time.Location, now time.Time) error {
	var problems []error
	defs := make([]*model.TaskDefinition, 0, len(f.TaskDefinitions))
	for i := range f.TaskDefinitions {
		d := &f.TaskDefinitions[i]
		if err := model.Validate(d); err != nil {
			problems = append(problems, fmt.Errorf("task definition %q: %w", d.Name, err))
		}
		defs = append(defs, d)
	}
	lookup := dag.Definitions(defs...)
	for _, wf := range f.Workflows {
		if _, err := dag.Validate(&wf.WorkflowDefinition, lookup); err != nil {
			problems = append(problems, fmt.Errorf("workflow %s: %w", wf.ID(), err))
		}
		for _, t := range wf.Triggers {
			if err := checkTrigger(t.model(&wf.WorkflowDefinition), loc, now); err != nil {
				problems = append(problems, fmt.Errorf("trigger %s/%s: %w", wf.ID(), t.Name, err))
			}
		}
	}
	return errors.Join(problems...)
}

func checkTrigger(tr *model.WorkflowTrigger, loc *time.Location, now time.Time) error {
	if err := model.Validate(tr); err != nil {
		return err
	}
	s, err := tr.Schedule.Resolve()
	if err != nil {
		return err
	}
	fires, err := timer.NextFires(s, loc, timer.Window{Start: tr.StartAt, End: tr.EndAt}, now, 1)
	if err != nil {
		return err
	}
	if len(fires) == 0 && tr.Enabled {
		return timer.ErrNeverFires
	}
	return nil
}

// Definitions is what the loader registers workflows through.
type Definitions interface {
	AddNamespace(ctx context.Context, ns *model.Namespace) (*model.Namespace, error)
	AddTaskDefinition(ctx context.Context, def *model.TaskDefinition) (*model.TaskDefinition, error)
	Add(ctx context.Context, wf *model.WorkflowDefinition) (*model.WorkflowDefinition, error)
}

// Triggers is what the loader registers triggers through.
type Triggers interface {
	Add(ctx context.Context, tr *model.WorkflowTrigger) (*model.WorkflowTrigger, error)
	Pause(ctx context.Context, id model.TriggerID) (*model.WorkflowTrigger, error)
}

// Result counts what a Load did per kind.
type Result struct {
	Created  int
	Existing int
	Failed   int
}

type Loader struct {
	defs     Definitions
	triggers Triggers
	log      logx.Logger
}

func New(defs Definitions, triggers Triggers, log logx.Logger) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loader{defs: defs, triggers: triggers, log: log}
}

// Load registers everything in f in dependency order. A failing item is
// logged and skipped; the joined failures are returned with the counts.
func (l *Loader) Load(ctx context.Context, f *File) (Result, error) {
	var (
		res      Result
		problems []error
	)
	// apply runs one add and sorts its outcome into res.
	apply := func(what string, err error, exists errs.Kind) {
		switch {
		case err == nil:
			res.Created++
			l.log.Debug("definition loaded", logx.String("item", what))
		case errs.Is(err, exists):
			res.Existing++
			l.log.Info("definition exists, left untouched", logx.String("item", what))
		default:
			res.Failed++
			problems = append(problems, fmt.Errorf("%s: %w", what, err))
			l.log.Warn("definition rejected", logx.String("item", what), logx.Err(err))
		}
	}

	for _, ns := range f.namespaces() {
		_, err := l.defs.AddNamespace(ctx, &ns)
		apply("namespace "+ns.Name, err, errs.NamespaceAlreadyExists)
	}
	for i := range f.TaskDefinitions {
		d := &f.TaskDefinitions[i]
		_, err := l.defs.AddTaskDefinition(ctx, d)
		apply("task definition "+d.Name, err, errs.TaskDefinitionDuplicated)
	}
	for i := range f.Workflows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		wf := &f.Workflows[i]
		_, err := l.defs.Add(ctx, &wf.WorkflowDefinition)
		apply("workflow "+wf.ID().String(), err, errs.WorkflowAlreadyExists)
		if err != nil && !errs.Is(err, errs.WorkflowAlreadyExists) {
			continue
		}
		for _, t := range wf.Triggers {
			tr := t.model(&wf.WorkflowDefinition)
			apply("trigger "+tr.ID().String(), l.addTrigger(ctx, tr), errs.TriggerAlreadyExists)
		}
	}
	l.log.Info("definitions loaded",
		logx.Int("created", res.Created),
		logx.Int("existing", res.Existing),
		logx.Int("failed", res.Failed))
	return res, errors.Join(problems...)
}

// addTrigger registers tr. Triggers declared disabled are added enabled and
// paused right away, since the registry only accepts enabled triggers.
func (l *Loader) addTrigger(ctx context.Context, tr *model.WorkflowTrigger) error {
	disabled := !tr.Enabled
	tr.Enabled = true
	if _, err := l.triggers.Add(ctx, tr); err != nil {
		return err
	}
	if disabled {
		if _, err := l.triggers.Pause(ctx, tr.ID()); err != nil {
			return err
		}
	}
	return nil
}
