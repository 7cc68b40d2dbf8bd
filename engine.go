package setfarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// JobNamePrefix is the namespace for every cron job the engine owns.
const JobNamePrefix = "setfarm/"

// DefaultCronStagger is the anchor offset between parallel shards of the
// same role, spreading wake-ups to avoid a thundering herd.
const DefaultCronStagger = 40 * time.Second

// nopLogger discards all output; components log nothing unless configured.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a structured logger for the engine. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets a Tracer for claim, completion, and advancement spans.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithArchiver enables JSON run snapshots on terminal transitions.
func WithArchiver(a *Archiver) EngineOption {
	return func(e *Engine) { e.archiver = a }
}

// WithCronStagger overrides the anchor offset between parallel shards.
func WithCronStagger(d time.Duration) EngineOption {
	return func(e *Engine) { e.stagger = d }
}

// WithNow overrides the engine clock. Tests use it to control timestamps.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// Engine drives the workflow state machine: it seeds runs from specs, serves
// the claim protocol, advances the step cursor on completion, fans loop steps
// out into stories, and keeps the cron gateway in sync with the set of
// running workflows.
//
// All mutation goes through the Store's transactional operations, so any
// number of engine instances (the serve daemon plus short-lived CLI protocol
// processes) can operate on the same database concurrently.
type Engine struct {
	store    Store
	gateway  CronGateway
	logger   *slog.Logger
	tracer   Tracer
	archiver *Archiver
	stagger  time.Duration
	now      func() time.Time
}

// NewEngine creates an Engine on top of a Store and a CronGateway.
func NewEngine(store Store, gateway CronGateway, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		gateway: gateway,
		logger:  nopLogger,
		stagger: DefaultCronStagger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) nowUnix() int64 { return e.now().Unix() }

// StartRun seeds a new run from a workflow spec: the run starts running, all
// pipeline steps start waiting, the first step is activated, and cron jobs
// for the workflow's roles are ensured. Gateway failures are logged and do
// not fail the start; the medic restores jobs later.
func (e *Engine) StartRun(ctx context.Context, spec *WorkflowSpec, task string) (*Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(task) == "" {
		return nil, E(KindBadInput, "start run", "task is empty")
	}

	now := e.nowUnix()
	run := &Run{
		ID:         NewID(),
		WorkflowID: spec.ID,
		Task:       task,
		Status:     RunRunning,
		Meta:       map[string]string{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if spec.CronIntervalMS > 0 {
		run.Meta[MetaCronIntervalMS] = strconv.FormatInt(spec.CronIntervalMS, 10)
	}

	steps := buildSteps(spec, run.ID, now)
	if err := e.store.SeedRun(ctx, run, steps); err != nil {
		return nil, err
	}
	e.logger.Info("engine: run started", "run_id", run.ID, "workflow_id", spec.ID, "steps", len(steps))

	if err := e.AdvanceRun(ctx, run.ID); err != nil {
		return nil, err
	}
	if err := e.EnsureCrons(ctx, run.ID); err != nil {
		e.logger.Warn("engine: ensure crons failed", "run_id", run.ID, "error", err)
	}
	return run, nil
}

// buildSteps materializes the pipeline rows for a run. Inputs stay as
// templates until activation; loop config is denormalized from the spec,
// including the verify target's role, template, and required outputs.
func buildSteps(spec *WorkflowSpec, runID string, now int64) []*Step {
	pipeline := spec.PipelineSteps()
	steps := make([]*Step, 0, len(pipeline))
	for i, ss := range pipeline {
		step := &Step{
			ID:             NewID(),
			RunID:          runID,
			StepIndex:      i,
			StepID:         ss.ID,
			AgentID:        ss.Agent,
			Type:           StepSingle,
			Status:         StepWaiting,
			RetryLimit:     DefaultRetryLimit,
			TimeoutMinutes: ss.TimeoutMinutes,
			Input:          ss.Input,
			Outputs:        ss.Outputs,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if ss.Retry > 0 {
			step.RetryLimit = ss.Retry
		}
		if ss.Type == StepLoop {
			step.Type = StepLoop
			step.Loop = &LoopConfig{
				Source:     ss.Loop.Source,
				Workers:    DefaultLoopWorkers,
				VerifyStep: ss.Loop.VerifyStep,
				VerifyEach: ss.Loop.VerifyEach,
			}
			if ss.Loop.Workers > 0 {
				step.Loop.Workers = ss.Loop.Workers
			}
			if verify := spec.Step(ss.Loop.VerifyStep); verify != nil {
				step.Loop.VerifyAgentID = verify.Agent
				step.Loop.VerifyInput = verify.Input
				step.Loop.VerifyOutputs = verify.Outputs
			}
		}
		steps = append(steps, step)
	}
	return steps
}

// Peek reports whether an unclaimed unit exists for the role. Pure read.
func (e *Engine) Peek(ctx context.Context, role string) (bool, error) {
	if role == "" {
		return false, E(KindBadInput, "peek", "role is empty")
	}
	return e.store.HasWorkForRole(ctx, role)
}

// Claim atomically reserves the highest-priority eligible unit for the role.
// Returns nil when there is no work.
func (e *Engine) Claim(ctx context.Context, role string) (*Claim, error) {
	if role == "" {
		return nil, E(KindBadInput, "claim", "role is empty")
	}
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "engine.claim", StringAttr("role", role))
		defer span.End()
	}

	claim, err := e.store.ClaimNextForRole(ctx, role, e.nowUnix())
	if err != nil {
		return nil, err
	}
	if claim == nil {
		e.logger.Debug("engine: no work", "role", role)
		return nil, nil
	}
	e.logger.Info("engine: claimed",
		"role", role, "run_id", claim.RunID, "step_id", claim.StepID, "story_id", claim.StoryID)
	return claim, nil
}

// Complete accepts an agent's raw output for a claimed unit. Output is parsed
// as KEY: value lines and validated against the unit's required keys; missing
// or empty required keys fail the unit instead (and return a KindParse
// error). Completing an already-terminal unit is a logged no-op.
func (e *Engine) Complete(ctx context.Context, unitID, raw string) error {
	if unitID == "" {
		return E(KindBadInput, "complete", "unit id is empty")
	}
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "engine.complete", StringAttr("unit_id", unitID))
		defer span.End()
	}

	step, err := e.store.GetStep(ctx, unitID)
	switch {
	case err == nil:
		return e.completeStep(ctx, step, raw)
	case IsKind(err, KindNotFound):
		story, serr := e.store.GetStory(ctx, unitID)
		if serr != nil {
			if IsKind(serr, KindNotFound) {
				return E(KindNotFound, "complete", "unknown unit %q", unitID)
			}
			return serr
		}
		return e.completeStory(ctx, story, raw)
	default:
		return err
	}
}

func (e *Engine) completeStep(ctx context.Context, step *Step, raw string) error {
	if step.Status == StepDone || step.Status == StepFailed {
		e.logger.Info("engine: complete on terminal step ignored", "step_id", step.ID, "status", step.Status)
		return nil
	}
	run, err := e.store.GetRun(ctx, step.RunID)
	if err != nil {
		return err
	}
	if run.Status != RunRunning {
		e.logger.Warn("engine: complete for finished run ignored",
			"step_id", step.ID, "run_id", run.ID, "run_status", run.Status)
		return nil
	}

	if err := ValidateOutputs(ParseOutputs(raw), step.Outputs); err != nil {
		e.logger.Warn("engine: step output rejected", "step_id", step.ID, "error", err)
		if _, ferr := e.store.FailStep(ctx, step.ID, err.Error(), e.nowUnix()); ferr != nil {
			return ferr
		}
		e.finalizeIfTerminal(ctx, step.RunID)
		return err
	}

	if _, err := e.store.CompleteStep(ctx, step.ID, raw, e.nowUnix()); err != nil {
		return err
	}
	e.logger.Info("engine: step completed", "run_id", step.RunID, "step_id", step.ID, "step", step.StepID)
	return e.AdvanceRun(ctx, step.RunID)
}

// Fail records an agent-reported failure for a unit: retry_count increments
// and the unit requeues as pending, or fails terminally (with the run) once
// its budget is exhausted. Failing an already-terminal unit is a no-op.
func (e *Engine) Fail(ctx context.Context, unitID, reason string) error {
	if unitID == "" {
		return E(KindBadInput, "fail", "unit id is empty")
	}
	if reason == "" {
		reason = "unspecified"
	}

	step, err := e.store.GetStep(ctx, unitID)
	switch {
	case err == nil:
		return e.failStep(ctx, step, reason)
	case IsKind(err, KindNotFound):
		story, serr := e.store.GetStory(ctx, unitID)
		if serr != nil {
			if IsKind(serr, KindNotFound) {
				return E(KindNotFound, "fail", "unknown unit %q", unitID)
			}
			return serr
		}
		return e.failStory(ctx, story, reason)
	default:
		return err
	}
}

func (e *Engine) failStep(ctx context.Context, step *Step, reason string) error {
	if step.Status == StepDone || step.Status == StepFailed {
		e.logger.Info("engine: fail on terminal step ignored", "step_id", step.ID, "status", step.Status)
		return nil
	}
	failed, err := e.store.FailStep(ctx, step.ID, reason, e.nowUnix())
	if err != nil {
		return err
	}
	e.logger.Info("engine: step failed",
		"run_id", step.RunID, "step_id", step.ID, "reason", reason,
		"retry_count", failed.RetryCount, "status", failed.Status)
	e.finalizeIfTerminal(ctx, step.RunID)
	return nil
}

// AdvanceRun moves a run forward as far as the state machine allows: it
// activates the cursor step when its predecessor finished, materializes or
// completes loop fan-outs, and marks the run done after the last step. It is
// idempotent, so concurrent callers and crash recovery converge on the same
// state.
func (e *Engine) AdvanceRun(ctx context.Context, runID string) error {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.advance", StringAttr("run_id", runID))
		defer span.End()
	}
	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != RunRunning {
			e.finalizeRun(ctx, run)
			return nil
		}
		steps, err := e.store.ListSteps(ctx, runID)
		if err != nil {
			return err
		}
		if err := e.checkSingleActive(ctx, run, steps); err != nil {
			return err
		}

		cursor := cursorStep(steps)
		if cursor == nil {
			if err := e.store.MarkRunDone(ctx, runID, e.nowUnix()); err != nil {
				return err
			}
			e.logger.Info("engine: run done", "run_id", runID)
			run.Status = RunDone
			e.finalizeRun(ctx, run)
			return nil
		}

		switch cursor.Status {
		case StepWaiting:
			input := cursor.Input
			if cursor.Type == StepSingle {
				input = ResolveInput(cursor.Input, runVars(run.Task, steps, cursor.StepIndex))
			}
			if err := e.store.ActivateStep(ctx, cursor.ID, input, e.nowUnix()); err != nil {
				return err
			}
			e.logger.Info("engine: step pending", "run_id", runID, "step_id", cursor.ID, "step", cursor.StepID)
			if span != nil {
				span.Event("step activated",
					IntAttr("step_index", cursor.StepIndex), BoolAttr("loop", cursor.Type == StepLoop))
			}
			continue
		case StepPending:
			if cursor.Type == StepLoop {
				progressed, err := e.advanceLoop(ctx, run, steps, cursor)
				if err != nil {
					return err
				}
				if progressed {
					continue
				}
			}
			return nil
		case StepRunning:
			return nil
		case StepFailed:
			// Store compound ops fail the run with the step; reaching here
			// means a crash interleaved. Heal the drift.
			if err := e.store.MarkRunFailed(ctx, runID, fmt.Sprintf("step %s failed", cursor.StepID), e.nowUnix()); err != nil {
				return err
			}
			run.Status = RunFailed
			e.finalizeRun(ctx, run)
			return nil
		default:
			return E(KindInternal, "advance run", "step %s has unknown status %q", cursor.ID, cursor.Status)
		}
	}
}

// cursorStep returns the lowest-indexed step not in done, or nil when every
// step completed.
func cursorStep(steps []*Step) *Step {
	for _, s := range steps {
		if s.Status != StepDone {
			return s
		}
	}
	return nil
}

// checkSingleActive enforces the at-most-one-active invariant per run. A
// violation is unrecoverable drift: it emits an event and refuses further
// mutation with a KindInternal error.
func (e *Engine) checkSingleActive(ctx context.Context, run *Run, steps []*Step) error {
	active := 0
	for _, s := range steps {
		if s.Status == StepRunning || s.CurrentStoryID != "" {
			active++
		}
	}
	if active <= 1 {
		return nil
	}
	detail := fmt.Sprintf("%d steps active at once", active)
	if err := e.store.AppendEvent(ctx, Event{
		RunID: run.ID, Kind: EventInvariant, Detail: detail, TS: e.nowUnix(),
	}); err != nil {
		e.logger.Error("engine: append invariant event failed", "run_id", run.ID, "error", err)
	}
	return E(KindInternal, "advance run", "run %s: %s", run.ID, detail)
}

// finalizeIfTerminal fetches the run and finalizes it if it left running.
func (e *Engine) finalizeIfTerminal(ctx context.Context, runID string) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("engine: finalize fetch failed", "run_id", runID, "error", err)
		return
	}
	e.finalizeRun(ctx, run)
}

// finalizeRun performs the terminal-transition housekeeping for a run:
// archive a JSON snapshot and tear down the workflow's cron jobs when no
// running runs remain. Both are best-effort; the database already holds the
// authoritative state.
func (e *Engine) finalizeRun(ctx context.Context, run *Run) {
	if run.Status == RunRunning {
		return
	}
	if e.archiver != nil {
		if err := e.archiveRun(ctx, run); err != nil {
			e.logger.Warn("engine: archive run failed", "run_id", run.ID, "error", err)
		}
	}
	remaining, err := e.store.ListRunsByWorkflow(ctx, run.WorkflowID, RunRunning)
	if err != nil {
		e.logger.Error("engine: list running runs failed", "workflow_id", run.WorkflowID, "error", err)
		return
	}
	if len(remaining) > 0 {
		return
	}
	if err := e.gateway.DeleteJobsByPrefix(ctx, JobPrefix(run.WorkflowID)); err != nil {
		e.logger.Warn("engine: cron teardown failed", "workflow_id", run.WorkflowID, "error", err)
		return
	}
	e.logger.Info("engine: cron jobs torn down", "workflow_id", run.WorkflowID)
}

// FinalizeRun re-runs terminal housekeeping for a run; a no-op while the run
// is still running. The medic calls this after marking runs failed.
func (e *Engine) FinalizeRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	e.finalizeRun(ctx, run)
	return nil
}

// --- Cron wiring ---

// JobPrefix returns the job-name prefix owning every job of a workflow.
func JobPrefix(workflowID string) string {
	return JobNamePrefix + workflowID + "/"
}

// JobName builds the gateway job name for one shard of a role. Shard 1 has
// no suffix; shards 2..n append "-n".
func JobName(workflowID, role string, shard int) string {
	name := JobPrefix(workflowID) + role
	if shard >= 2 {
		name += "-" + strconv.Itoa(shard)
	}
	return name
}

// WorkflowFromJobName extracts the workflow id from a job name under the
// engine's namespace.
func WorkflowFromJobName(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, JobNamePrefix)
	if !ok {
		return "", false
	}
	wf, _, ok := strings.Cut(rest, "/")
	if !ok || wf == "" {
		return "", false
	}
	return wf, true
}

// roleShard is one role's wake-up requirement: how many parallel cron jobs
// the role needs, derived from the run's steps.
type roleShard struct {
	role   string
	shards int
}

// roleShards derives the cron jobs a run needs: one job per single-step
// role, Workers jobs per loop worker role and per verifier role. First-seen
// order is preserved; a role appearing several times keeps its maximum.
func roleShards(steps []*Step) []roleShard {
	var order []string
	count := make(map[string]int)
	add := func(role string, shards int) {
		if role == "" {
			return
		}
		if _, seen := count[role]; !seen {
			order = append(order, role)
		}
		if shards > count[role] {
			count[role] = shards
		}
	}
	for _, s := range steps {
		if s.Type == StepLoop && s.Loop != nil {
			add(s.AgentID, s.Loop.Workers)
			if s.Loop.VerifyEach {
				add(s.Loop.VerifyAgentID, s.Loop.Workers)
			}
			continue
		}
		add(s.AgentID, 1)
	}
	shards := make([]roleShard, 0, len(order))
	for _, role := range order {
		shards = append(shards, roleShard{role: role, shards: count[role]})
	}
	return shards
}

// claimPayload is the instruction text carried by a wake-up job.
func claimPayload(role string) string {
	return fmt.Sprintf(
		"You are the %[1]s agent. Run `setfarm step peek %[1]s`; on NO_WORK exit immediately. "+
			"Otherwise run `setfarm step claim %[1]s`, execute the returned input, and report with "+
			"`setfarm step complete <id>` (KEY: value lines on stdin) or `setfarm step fail <id> <reason>`.",
		role)
}

// EnsureCrons creates the wake-up jobs for a run's workflow unless jobs for
// that workflow already exist. Idempotent by job name prefix.
func (e *Engine) EnsureCrons(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return err
	}

	prefix := JobPrefix(run.WorkflowID)
	existing, err := e.gateway.ListJobs(ctx)
	if err != nil {
		return Wrap(KindUpstream, "ensure crons", err)
	}
	for _, job := range existing {
		if strings.HasPrefix(job.Name, prefix) {
			return nil
		}
	}

	interval := int64(DefaultCronIntervalMS)
	if v, ok := run.Meta[MetaCronIntervalMS]; ok {
		if parsed, perr := strconv.ParseInt(v, 10, 64); perr == nil && parsed > 0 {
			interval = parsed
		}
	}

	var errs []error
	created := 0
	for _, rs := range roleShards(steps) {
		for shard := 1; shard <= rs.shards; shard++ {
			job := CronJob{
				Name:       JobName(run.WorkflowID, rs.role, shard),
				IntervalMS: interval,
				AnchorMS:   int64(shard-1) * e.stagger.Milliseconds(),
				AgentID:    rs.role,
				Payload:    claimPayload(rs.role),
				Enabled:    true,
			}
			if _, err := e.gateway.CreateJob(ctx, job); err != nil {
				errs = append(errs, fmt.Errorf("create job %s: %w", job.Name, err))
				continue
			}
			created++
		}
	}
	if created > 0 {
		e.logger.Info("engine: cron jobs created", "workflow_id", run.WorkflowID, "jobs", created)
	}
	if len(errs) > 0 {
		return Wrap(KindUpstream, "ensure crons", errors.Join(errs...))
	}
	return nil
}
