package setfarm

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied to workflow specs that omit the knobs.
const (
	DefaultRetryLimit     = 3
	DefaultLoopWorkers    = 3
	DefaultCronIntervalMS = 5 * 60 * 1000
)

// WorkflowSpec is a declarative pipeline: an ordered list of steps, each with
// a role, an input template, required output keys, and optionally a loop
// fan-out. Specs are loaded from YAML files in the workflow-specs directory.
type WorkflowSpec struct {
	ID             string     `yaml:"id"`
	Name           string     `yaml:"name"`
	CronIntervalMS int64      `yaml:"cron_interval_ms"`
	Steps          []StepSpec `yaml:"steps"`
}

// StepSpec is one declared step. Type defaults to single; a loop step must
// carry a Loop block. Steps referenced as a verify target by some loop are
// sub-step templates: they supply the verifier role and input but are not
// part of the run's pipeline.
type StepSpec struct {
	ID             string    `yaml:"id"`
	Agent          string    `yaml:"agent"`
	Type           StepType  `yaml:"type"`
	Input          string    `yaml:"input"`
	Outputs        []string  `yaml:"outputs"`
	TimeoutMinutes int       `yaml:"timeout_minutes"`
	Retry          int       `yaml:"retry"`
	Loop           *LoopSpec `yaml:"loop"`
}

// LoopSpec configures a loop step's fan-out.
type LoopSpec struct {
	Source     string `yaml:"source"`
	Workers    int    `yaml:"workers"`
	VerifyStep string `yaml:"verify_step"`
	VerifyEach bool   `yaml:"verify_each"`
}

// ParseWorkflow unmarshals and validates a workflow spec document.
func ParseWorkflow(data []byte) (*WorkflowSpec, error) {
	var spec WorkflowSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, Wrap(KindSpec, "parse workflow", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadWorkflow reads and validates one workflow spec file.
func LoadWorkflow(path string) (*WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Wrap(KindSpec, "load workflow", err)
	}
	return ParseWorkflow(data)
}

// LoadWorkflowDir loads every *.yaml / *.yml spec under dir, keyed by
// workflow id, visiting files in name order so duplicate detection is
// deterministic. A missing directory yields an empty map.
func LoadWorkflowDir(dir string) (map[string]*WorkflowSpec, error) {
	specs := make(map[string]*WorkflowSpec)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return specs, nil
		}
		return nil, Wrap(KindSpec, "load workflow dir", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isSpecFile(e) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		spec, err := LoadWorkflow(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, dup := specs[spec.ID]; dup {
			return nil, E(KindSpec, "load workflow dir", "duplicate workflow id %q in %s", spec.ID, name)
		}
		specs[spec.ID] = spec
	}
	return specs, nil
}

func isSpecFile(e fs.DirEntry) bool {
	ext := strings.ToLower(filepath.Ext(e.Name()))
	return ext == ".yaml" || ext == ".yml"
}

// Validate checks structural soundness: unique step ids, roles present, loop
// sources resolving to earlier steps, verify targets resolving to plain
// single steps. Violations are KindSpec errors.
func (w *WorkflowSpec) Validate() error {
	const op = "validate workflow"
	if w.ID == "" {
		return E(KindSpec, op, "workflow has no id")
	}
	if len(w.Steps) == 0 {
		return E(KindSpec, op, "workflow %q: no steps", w.ID)
	}
	if w.CronIntervalMS < 0 {
		return E(KindSpec, op, "workflow %q: negative cron_interval_ms", w.ID)
	}

	index := make(map[string]int, len(w.Steps))
	for i, s := range w.Steps {
		if s.ID == "" {
			return E(KindSpec, op, "workflow %q: step %d has no id", w.ID, i)
		}
		if _, dup := index[s.ID]; dup {
			return E(KindSpec, op, "workflow %q: duplicate step id %q", w.ID, s.ID)
		}
		index[s.ID] = i
	}

	verifyTargets := w.verifyTargets()
	for i, s := range w.Steps {
		if s.Agent == "" {
			return E(KindSpec, op, "workflow %q: step %q has no agent", w.ID, s.ID)
		}
		if s.Retry < 0 {
			return E(KindSpec, op, "workflow %q: step %q has negative retry", w.ID, s.ID)
		}
		switch s.Type {
		case "", StepSingle:
			if s.Loop != nil {
				return E(KindSpec, op, "workflow %q: step %q is not a loop but declares loop config", w.ID, s.ID)
			}
		case StepLoop:
			if err := w.validateLoop(op, i, s, index, verifyTargets); err != nil {
				return err
			}
		default:
			return E(KindSpec, op, "workflow %q: step %q has unknown type %q", w.ID, s.ID, s.Type)
		}
	}
	return nil
}

func (w *WorkflowSpec) validateLoop(op string, i int, s StepSpec, index map[string]int, verifyTargets map[string]bool) error {
	if s.Loop == nil {
		return E(KindSpec, op, "workflow %q: loop step %q has no loop config", w.ID, s.ID)
	}
	if s.Loop.Workers < 0 {
		return E(KindSpec, op, "workflow %q: loop step %q has negative workers", w.ID, s.ID)
	}
	src, ok := index[s.Loop.Source]
	if !ok {
		return E(KindSpec, op, "workflow %q: loop step %q source %q not found", w.ID, s.ID, s.Loop.Source)
	}
	if src >= i {
		return E(KindSpec, op, "workflow %q: loop step %q source %q must be an earlier step", w.ID, s.ID, s.Loop.Source)
	}
	if verifyTargets[s.Loop.Source] {
		return E(KindSpec, op, "workflow %q: loop step %q source %q is a verify target", w.ID, s.ID, s.Loop.Source)
	}
	if s.Loop.VerifyEach && s.Loop.VerifyStep == "" {
		return E(KindSpec, op, "workflow %q: loop step %q sets verify_each without verify_step", w.ID, s.ID)
	}
	if s.Loop.VerifyStep != "" {
		vi, ok := index[s.Loop.VerifyStep]
		if !ok {
			return E(KindSpec, op, "workflow %q: loop step %q verify step %q not found", w.ID, s.ID, s.Loop.VerifyStep)
		}
		if w.Steps[vi].Type == StepLoop {
			return E(KindSpec, op, "workflow %q: loop step %q verify step %q must be a single step", w.ID, s.ID, s.Loop.VerifyStep)
		}
	}
	return nil
}

// verifyTargets returns the set of step ids referenced as a verify_step by
// any loop. Those steps are excluded from the pipeline.
func (w *WorkflowSpec) verifyTargets() map[string]bool {
	targets := make(map[string]bool)
	for _, s := range w.Steps {
		if s.Loop != nil && s.Loop.VerifyStep != "" {
			targets[s.Loop.VerifyStep] = true
		}
	}
	return targets
}

// PipelineSteps returns the steps that seed a run's cursor pipeline, in
// declared order: every step except verify targets.
func (w *WorkflowSpec) PipelineSteps() []StepSpec {
	targets := w.verifyTargets()
	steps := make([]StepSpec, 0, len(w.Steps))
	for _, s := range w.Steps {
		if !targets[s.ID] {
			steps = append(steps, s)
		}
	}
	return steps
}

// Step returns the step spec with the given id, or nil.
func (w *WorkflowSpec) Step(id string) *StepSpec {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// Interval returns the workflow's cron interval in milliseconds, applying
// the default when unset.
func (w *WorkflowSpec) Interval() int64 {
	if w.CronIntervalMS > 0 {
		return w.CronIntervalMS
	}
	return DefaultCronIntervalMS
}
