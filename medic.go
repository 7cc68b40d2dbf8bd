package setfarm

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Medic check identifiers, in battery order.
const (
	CheckStuckStep       = "stuck_step"
	CheckClaimedButStuck = "claimed_but_stuck"
	CheckOrphanedStory   = "orphaned_story"
	CheckDeadRun         = "dead_run"
	CheckStalledRun      = "stalled_run"
	CheckOrphanedCrons   = "orphaned_crons"
	CheckStalledCrons    = "stalled_crons"
	CheckResumableRun    = "failed_run_resumable"
)

// Default medic tuning. The remediation bounds keep the medic from fighting
// a persistently broken agent forever.
const (
	DefaultMedicInterval = 5 * time.Minute
	DefaultRoleTimeout   = 30 * time.Minute
	DefaultMaxAbandons   = 5
	DefaultMaxResumes    = 3

	stuckGrace      = 5 * time.Minute
	claimedStuckAge = 10 * time.Minute
	orphanStoryAge  = 30 * time.Minute
	stalledClaimAge = 12 * time.Minute
	cronCooldown    = 15 * time.Minute
	resumeCooldown  = 10 * time.Minute
)

// MedicOption configures a Medic.
type MedicOption func(*Medic)

// WithMedicLogger sets a structured logger for the medic.
func WithMedicLogger(l *slog.Logger) MedicOption {
	return func(m *Medic) { m.logger = l }
}

// WithMedicInterval overrides the check cadence.
func WithMedicInterval(d time.Duration) MedicOption {
	return func(m *Medic) { m.interval = d }
}

// WithRoleTimeout overrides the fallback claim timeout used for runs whose
// steps declare none.
func WithRoleTimeout(d time.Duration) MedicOption {
	return func(m *Medic) { m.roleTimeout = d }
}

// WithMedicNow overrides the medic clock. Tests use it to age units.
func WithMedicNow(now func() time.Time) MedicOption {
	return func(m *Medic) { m.now = now }
}

// Medic is the watchdog for the whole system. On each pass it runs a fixed
// battery of checks against the database and the cron gateway, remediates
// what it safely can (resetting abandoned units, restarting wake-up jobs,
// resuming failed runs), and records a MedicCheck report. Every remediation
// is bounded: abandons per unit, resumes per run, cooldowns per cron
// restart.
type Medic struct {
	store   Store
	gateway CronGateway
	engine  *Engine
	logger  *slog.Logger
	now     func() time.Time

	interval    time.Duration
	roleTimeout time.Duration
	maxAbandons int
	maxResumes  int
}

// NewMedic creates a Medic sharing the engine's store and gateway.
func NewMedic(store Store, gateway CronGateway, engine *Engine, opts ...MedicOption) *Medic {
	m := &Medic{
		store:       store,
		gateway:     gateway,
		engine:      engine,
		logger:      nopLogger,
		now:         time.Now,
		interval:    DefaultMedicInterval,
		roleTimeout: DefaultRoleTimeout,
		maxAbandons: DefaultMaxAbandons,
		maxResumes:  DefaultMaxResumes,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start blocks, running the check battery every interval until the context
// is canceled. The first pass runs immediately.
func (m *Medic) Start(ctx context.Context) error {
	m.logger.Info("medic: started", "interval", m.interval)
	for {
		if _, err := m.RunChecks(ctx); err != nil {
			m.logger.Error("medic: check pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("medic: stopped")
			return nil
		case <-time.After(m.interval):
		}
	}
}

// RestoreCrons re-ensures wake-up jobs for every running run. Called at
// daemon startup so runs survive a gateway wipe or a host reboot.
func (m *Medic) RestoreCrons(ctx context.Context) error {
	runs, err := m.store.ListRuns(ctx, RunRunning, 0)
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := m.engine.EnsureCrons(ctx, run.ID); err != nil {
			m.logger.Warn("medic: restore crons failed", "run_id", run.ID, "error", err)
		}
	}
	if len(runs) > 0 {
		m.logger.Info("medic: crons restored", "runs", len(runs))
	}
	return nil
}

// RunChecks executes one full battery pass and persists the report.
func (m *Medic) RunChecks(ctx context.Context) (*MedicCheck, error) {
	start := m.now()
	var findings []Finding

	findings = append(findings, m.checkRunningSteps(ctx)...)
	findings = append(findings, m.checkOrphanedStories(ctx)...)
	findings = append(findings, m.checkDeadRuns(ctx)...)
	findings = append(findings, m.checkStalledRuns(ctx)...)
	findings = append(findings, m.checkOrphanedCrons(ctx)...)
	findings = append(findings, m.checkStalledCrons(ctx)...)
	findings = append(findings, m.checkResumableRuns(ctx)...)

	actions := 0
	for _, f := range findings {
		if f.Remediated {
			actions++
		}
	}
	summary := "healthy"
	if len(findings) > 0 {
		summary = fmt.Sprintf("%d issues found, %d remediated", len(findings), actions)
	}
	check := &MedicCheck{
		ID:           NewID(),
		CheckedAt:    start.Unix(),
		IssuesFound:  len(findings),
		ActionsTaken: actions,
		Summary:      summary,
		Findings:     findings,
	}
	if err := m.store.InsertMedicCheck(ctx, check); err != nil {
		return nil, err
	}
	m.logger.Info("medic: pass complete",
		"issues", check.IssuesFound, "actions", check.ActionsTaken, "duration", time.Since(start))
	return check, nil
}

// runSteps caches per-run step lists across checks within one pass.
func (m *Medic) runSteps(ctx context.Context, cache map[string][]*Step, runID string) ([]*Step, error) {
	if steps, ok := cache[runID]; ok {
		return steps, nil
	}
	steps, err := m.store.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	cache[runID] = steps
	return steps, nil
}

// maxRoleTimeout is the longest declared step timeout in the run, or the
// configured fallback when no step declares one.
func (m *Medic) maxRoleTimeout(steps []*Step) time.Duration {
	max := time.Duration(0)
	for _, s := range steps {
		if d := time.Duration(s.TimeoutMinutes) * time.Minute; d > max {
			max = d
		}
	}
	if max == 0 {
		return m.roleTimeout
	}
	return max
}

// checkRunningSteps covers stuck_step and claimed_but_stuck. A running step
// past its role timeout plus grace was abandoned by its agent and is reset;
// a step that was already abandoned once and sits claimed again without
// progress gets reset early rather than waiting out the full timeout.
func (m *Medic) checkRunningSteps(ctx context.Context) []Finding {
	steps, err := m.store.ListRunningSteps(ctx)
	if err != nil {
		return []Finding{checkError(CheckStuckStep, err)}
	}
	cache := make(map[string][]*Step)
	var findings []Finding
	for _, step := range steps {
		runSteps, err := m.runSteps(ctx, cache, step.RunID)
		if err != nil {
			findings = append(findings, checkError(CheckStuckStep, err))
			continue
		}
		timeout := m.maxRoleTimeout(runSteps)
		age := m.now().Sub(time.Unix(step.UpdatedAt, 0))

		check := ""
		switch {
		case age > timeout+stuckGrace:
			check = CheckStuckStep
		case step.AbandonedCount >= 1 && age > claimedStuckAge:
			check = CheckClaimedButStuck
		default:
			continue
		}
		findings = append(findings, m.resetStep(ctx, check, step, age))
	}
	return findings
}

func (m *Medic) resetStep(ctx context.Context, check string, step *Step, age time.Duration) Finding {
	f := Finding{
		Check:    check,
		Severity: SeverityWarning,
		RunID:    step.RunID,
		StepID:   step.ID,
		Detail:   fmt.Sprintf("step %s running for %s (abandons: %d)", step.StepID, age.Round(time.Second), step.AbandonedCount),
	}
	reset, err := m.store.ResetStep(ctx, step.ID, m.maxAbandons, m.now().Unix())
	if err != nil {
		f.Severity = SeverityCritical
		f.Action = "reset failed: " + err.Error()
		return f
	}
	f.Remediated = true
	if reset.Status == StepFailed {
		f.Severity = SeverityCritical
		f.Action = fmt.Sprintf("abandoned %d times, step and run failed", reset.AbandonedCount)
		if err := m.engine.FinalizeRun(ctx, step.RunID); err != nil {
			m.logger.Warn("medic: finalize after reset failed", "run_id", step.RunID, "error", err)
		}
	} else {
		f.Action = "reset to pending"
	}
	m.logger.Warn("medic: "+check, "run_id", step.RunID, "step_id", step.ID, "action", f.Action)
	return f
}

// checkOrphanedStories resets running stories whose agent went silent. After
// the abandon bound the story is skipped, not failed, so one unlucky story
// cannot wedge the whole loop.
func (m *Medic) checkOrphanedStories(ctx context.Context) []Finding {
	stories, err := m.store.ListRunningStories(ctx)
	if err != nil {
		return []Finding{checkError(CheckOrphanedStory, err)}
	}
	var findings []Finding
	for _, story := range stories {
		age := m.now().Sub(time.Unix(story.UpdatedAt, 0))
		if age <= orphanStoryAge {
			continue
		}
		f := Finding{
			Check:    CheckOrphanedStory,
			Severity: SeverityWarning,
			RunID:    story.RunID,
			StepID:   story.StepID,
			StoryID:  story.ID,
			Detail:   fmt.Sprintf("story %s running for %s (abandons: %d)", story.StoryID, age.Round(time.Second), story.AbandonedCount),
		}
		reset, err := m.store.ResetStory(ctx, story.ID, m.maxAbandons, m.now().Unix())
		if err != nil {
			f.Severity = SeverityCritical
			f.Action = "reset failed: " + err.Error()
			findings = append(findings, f)
			continue
		}
		f.Remediated = true
		if reset.Status == StorySkipped {
			f.Action = fmt.Sprintf("abandoned %d times, story skipped", reset.AbandonedCount)
			// Skipping may have been the last thing the loop waited on.
			if err := m.engine.AdvanceRun(ctx, story.RunID); err != nil {
				m.logger.Warn("medic: advance after skip failed", "run_id", story.RunID, "error", err)
			}
		} else {
			f.Action = "reset to pending"
		}
		m.logger.Warn("medic: orphaned story", "run_id", story.RunID, "story_id", story.ID, "action", f.Action)
		findings = append(findings, f)
	}
	return findings
}

// checkDeadRuns finds running runs with no live step. Usually a crash window
// between two transactions; AdvanceRun replays the missing transition, and
// anything it cannot repair is failed outright.
func (m *Medic) checkDeadRuns(ctx context.Context) []Finding {
	runs, err := m.store.ListRuns(ctx, RunRunning, 0)
	if err != nil {
		return []Finding{checkError(CheckDeadRun, err)}
	}
	var findings []Finding
	for _, run := range runs {
		steps, err := m.store.ListSteps(ctx, run.ID)
		if err != nil {
			findings = append(findings, checkError(CheckDeadRun, err))
			continue
		}
		if hasLiveStep(steps) {
			continue
		}
		f := Finding{
			Check:    CheckDeadRun,
			Severity: SeverityCritical,
			RunID:    run.ID,
			Detail:   "run is running but no step is waiting, pending, or running",
		}
		if err := m.engine.AdvanceRun(ctx, run.ID); err != nil {
			m.logger.Warn("medic: dead run advance failed", "run_id", run.ID, "error", err)
		}
		healed, err := m.store.GetRun(ctx, run.ID)
		if err != nil {
			f.Action = "recheck failed: " + err.Error()
			findings = append(findings, f)
			continue
		}
		if healed.Status != RunRunning {
			f.Remediated = true
			f.Action = "advanced to " + string(healed.Status)
		} else {
			if err := m.store.MarkRunFailed(ctx, run.ID, "dead run: no active step", m.now().Unix()); err != nil {
				f.Action = "mark failed errored: " + err.Error()
				findings = append(findings, f)
				continue
			}
			f.Remediated = true
			f.Action = "run marked failed"
			if err := m.engine.FinalizeRun(ctx, run.ID); err != nil {
				m.logger.Warn("medic: finalize dead run failed", "run_id", run.ID, "error", err)
			}
		}
		m.logger.Warn("medic: dead run", "run_id", run.ID, "action", f.Action)
		findings = append(findings, f)
	}
	return findings
}

func hasLiveStep(steps []*Step) bool {
	for _, s := range steps {
		switch s.Status {
		case StepWaiting, StepPending, StepRunning:
			return true
		}
	}
	return false
}

// checkStalledRuns reports (without acting) runs with no event activity for
// twice the role timeout. Report-only: a stalled run is an operator signal,
// and every actionable cause has a dedicated check.
func (m *Medic) checkStalledRuns(ctx context.Context) []Finding {
	runs, err := m.store.ListRuns(ctx, RunRunning, 0)
	if err != nil {
		return []Finding{checkError(CheckStalledRun, err)}
	}
	cache := make(map[string][]*Step)
	var findings []Finding
	for _, run := range runs {
		steps, err := m.runSteps(ctx, cache, run.ID)
		if err != nil {
			findings = append(findings, checkError(CheckStalledRun, err))
			continue
		}
		last := run.CreatedAt
		events, err := m.store.ListEvents(ctx, run.ID, 1)
		if err == nil && len(events) > 0 {
			last = events[0].TS
		}
		idle := m.now().Sub(time.Unix(last, 0))
		if idle <= 2*m.maxRoleTimeout(steps) {
			continue
		}
		findings = append(findings, Finding{
			Check:    CheckStalledRun,
			Severity: SeverityWarning,
			RunID:    run.ID,
			Detail:   fmt.Sprintf("no activity for %s", idle.Round(time.Second)),
		})
	}
	return findings
}

// checkOrphanedCrons deletes wake-up jobs whose workflow has no running run
// left. Jobs outside the engine's namespace are never touched.
func (m *Medic) checkOrphanedCrons(ctx context.Context) []Finding {
	jobs, err := m.gateway.ListJobs(ctx)
	if err != nil {
		return []Finding{checkError(CheckOrphanedCrons, Wrap(KindUpstream, "list jobs", err))}
	}
	workflows := make(map[string]bool)
	for _, job := range jobs {
		if wf, ok := WorkflowFromJobName(job.Name); ok {
			workflows[wf] = true
		}
	}
	if len(workflows) == 0 {
		return nil
	}
	running, err := m.store.ListRuns(ctx, RunRunning, 0)
	if err != nil {
		return []Finding{checkError(CheckOrphanedCrons, err)}
	}
	active := make(map[string]bool, len(running))
	for _, run := range running {
		active[run.WorkflowID] = true
	}

	var findings []Finding
	for wf := range workflows {
		if active[wf] {
			continue
		}
		f := Finding{
			Check:    CheckOrphanedCrons,
			Severity: SeverityWarning,
			Detail:   fmt.Sprintf("workflow %s has cron jobs but no running run", wf),
		}
		if err := m.gateway.DeleteJobsByPrefix(ctx, JobPrefix(wf)); err != nil {
			f.Action = "delete failed: " + err.Error()
		} else {
			f.Remediated = true
			f.Action = "jobs deleted"
		}
		m.logger.Warn("medic: orphaned crons", "workflow_id", wf, "action", f.Action)
		findings = append(findings, f)
	}
	return findings
}

// checkStalledCrons restarts a run's wake-up jobs when claimable work sat
// unclaimed past the stall window. The external cron facility silently
// losing jobs is the usual cause. A per-run cooldown in run meta keeps
// restarts from flapping.
func (m *Medic) checkStalledCrons(ctx context.Context) []Finding {
	runs, err := m.store.ListRuns(ctx, RunRunning, 0)
	if err != nil {
		return []Finding{checkError(CheckStalledCrons, err)}
	}
	var findings []Finding
	for _, run := range runs {
		pending, err := m.hasClaimableWork(ctx, run.ID)
		if err != nil {
			findings = append(findings, checkError(CheckStalledCrons, err))
			continue
		}
		if !pending {
			continue
		}
		lastClaim := run.CreatedAt
		events, err := m.store.ListEvents(ctx, run.ID, 50)
		if err == nil {
			for i := len(events) - 1; i >= 0; i-- {
				if events[i].Kind == EventStepClaim || events[i].Kind == EventStoryClaim {
					lastClaim = events[i].TS
					break
				}
			}
		}
		idle := m.now().Sub(time.Unix(lastClaim, 0))
		if idle <= stalledClaimAge {
			continue
		}
		if ts, ok := run.Meta[MetaCronRestartedAt]; ok {
			if restarted, perr := strconv.ParseInt(ts, 10, 64); perr == nil {
				if m.now().Sub(time.Unix(restarted, 0)) < cronCooldown {
					continue
				}
			}
		}

		f := Finding{
			Check:    CheckStalledCrons,
			Severity: SeverityWarning,
			RunID:    run.ID,
			Detail:   fmt.Sprintf("claimable work unclaimed for %s", idle.Round(time.Second)),
		}
		if err := m.gateway.DeleteJobsByPrefix(ctx, JobPrefix(run.WorkflowID)); err != nil {
			f.Action = "delete failed: " + err.Error()
			findings = append(findings, f)
			m.logger.Warn("medic: stalled crons", "run_id", run.ID, "action", f.Action)
			continue
		}
		if err := m.engine.EnsureCrons(ctx, run.ID); err != nil {
			f.Action = "recreate failed: " + err.Error()
			findings = append(findings, f)
			m.logger.Warn("medic: stalled crons", "run_id", run.ID, "action", f.Action)
			continue
		}
		meta := map[string]string{MetaCronRestartedAt: strconv.FormatInt(m.now().Unix(), 10)}
		if err := m.store.UpdateRunMeta(ctx, run.ID, meta, m.now().Unix()); err != nil {
			m.logger.Warn("medic: record cron restart failed", "run_id", run.ID, "error", err)
		}
		f.Remediated = true
		f.Action = "jobs recreated"
		m.logger.Warn("medic: stalled crons", "run_id", run.ID, "action", f.Action)
		findings = append(findings, f)
	}
	return findings
}

// hasClaimableWork reports whether the run has a pending step or a pending
// story an agent could claim right now.
func (m *Medic) hasClaimableWork(ctx context.Context, runID string) (bool, error) {
	steps, err := m.store.ListSteps(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, s := range steps {
		if s.Status != StepPending {
			continue
		}
		if s.Type == StepSingle {
			return true, nil
		}
		stories, err := m.store.ListStories(ctx, s.ID)
		if err != nil {
			return false, err
		}
		for _, st := range stories {
			if st.Status == StoryPending {
				return true, nil
			}
		}
	}
	return false, nil
}

// hasPendingStories reports whether any story in the run is still pending.
func (m *Medic) hasPendingStories(ctx context.Context, runID string) (bool, error) {
	stories, err := m.store.ListRunStories(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, st := range stories {
		if st.Status == StoryPending {
			return true, nil
		}
	}
	return false, nil
}

// checkResumableRuns auto-resumes failed runs that still hold pending
// stories, bounded by a per-run resume budget and a cooldown. A failed run
// with no pending stories stays failed.
func (m *Medic) checkResumableRuns(ctx context.Context) []Finding {
	runs, err := m.store.ListRuns(ctx, RunFailed, 0)
	if err != nil {
		return []Finding{checkError(CheckResumableRun, err)}
	}
	var findings []Finding
	for _, run := range runs {
		pending, err := m.hasPendingStories(ctx, run.ID)
		if err != nil {
			findings = append(findings, checkError(CheckResumableRun, err))
			continue
		}
		if !pending {
			continue
		}
		resumes := 0
		if v, ok := run.Meta[MetaResumeCount]; ok {
			if n, perr := strconv.Atoi(v); perr == nil {
				resumes = n
			}
		}
		if resumes >= m.maxResumes {
			continue
		}
		last := run.UpdatedAt
		if v, ok := run.Meta[MetaLastResumeAt]; ok {
			if ts, perr := strconv.ParseInt(v, 10, 64); perr == nil {
				last = ts
			}
		}
		if m.now().Sub(time.Unix(last, 0)) < resumeCooldown {
			continue
		}

		f := Finding{
			Check:    CheckResumableRun,
			Severity: SeverityInfo,
			RunID:    run.ID,
			Detail:   fmt.Sprintf("resume %d of %d", resumes+1, m.maxResumes),
		}
		if _, err := m.store.ResumeRun(ctx, run.ID, m.now().Unix()); err != nil {
			f.Severity = SeverityWarning
			f.Action = "resume failed: " + err.Error()
			findings = append(findings, f)
			continue
		}
		f.Remediated = true
		f.Action = "run resumed"
		if err := m.engine.EnsureCrons(ctx, run.ID); err != nil {
			m.logger.Warn("medic: ensure crons after resume failed", "run_id", run.ID, "error", err)
		}
		m.logger.Info("medic: resumed failed run", "run_id", run.ID, "resume", resumes+1)
		findings = append(findings, f)
	}
	return findings
}

func checkError(check string, err error) Finding {
	return Finding{
		Check:    check,
		Severity: SeverityCritical,
		Detail:   "check errored: " + err.Error(),
	}
}
