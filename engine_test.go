package setfarm_test

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/setfarm/setfarm"
)

const soloSpecYAML = `
id: solo
name: One Step
steps:
  - id: work
    agent: solo
    input: "Do the task: {{TASK}}"
    outputs: [RESULT]
`

const pipelineSpecYAML = `
id: pipeline
name: Plan Then Build
steps:
  - id: plan
    agent: planner
    input: "Plan this: {{TASK}}"
    outputs: [PLAN]
  - id: build
    agent: coder
    input: "Build per plan: {{PLAN}}"
    outputs: [RESULT]
`

func TestStartRunActivatesFirstStep(t *testing.T) {
	env := newTestEnv(t)
	_, run := env.startRun(t, soloSpecYAML, "ship v2")

	got := env.getRun(t, run.ID)
	if got.Status != setfarm.RunRunning {
		t.Errorf("run status = %q, want %q", got.Status, setfarm.RunRunning)
	}
	step := env.stepByName(t, run.ID, "work")
	if step.Status != setfarm.StepPending {
		t.Errorf("step status = %q, want %q", step.Status, setfarm.StepPending)
	}
	if want := "Do the task: ship v2"; step.Input != want {
		t.Errorf("step input = %q, want template resolved to %q", step.Input, want)
	}
}

func TestStartRunValidation(t *testing.T) {
	env := newTestEnv(t)
	spec, err := setfarm.ParseWorkflow([]byte(soloSpecYAML))
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.engine.StartRun(context.Background(), spec, "   ")
	if !setfarm.IsKind(err, setfarm.KindBadInput) {
		t.Errorf("empty task: kind = %q, want %q", setfarm.KindOf(err), setfarm.KindBadInput)
	}
	spec.Steps = nil
	_, err = env.engine.StartRun(context.Background(), spec, "task")
	if !setfarm.IsKind(err, setfarm.KindSpec) {
		t.Errorf("invalid spec: kind = %q, want %q", setfarm.KindOf(err), setfarm.KindSpec)
	}
}

func TestSingleStepRunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, run := env.startRun(t, soloSpecYAML, "ship v2")

	has, err := env.engine.Peek(ctx, "solo")
	if err != nil || !has {
		t.Fatalf("Peek = (%v, %v), want work", has, err)
	}

	claim := env.mustClaim(t, "solo")
	if claim.RunID != run.ID || claim.StepID == "" || claim.StoryID != "" {
		t.Errorf("claim = %+v, want step claim for run %s", claim, run.ID)
	}
	if !strings.Contains(claim.Input, "ship v2") {
		t.Errorf("claim input = %q, want resolved task", claim.Input)
	}

	// The claimed step is out of the pool.
	env.noClaim(t, "solo")
	if has, _ := env.engine.Peek(ctx, "solo"); has {
		t.Error("Peek = true while the only step is claimed")
	}

	env.complete(t, claim, "thinking...\nRESULT: shipped\n")

	if got := env.getRun(t, run.ID); got.Status != setfarm.RunDone {
		t.Errorf("run status = %q, want %q", got.Status, setfarm.RunDone)
	}
	step := env.stepByName(t, run.ID, "work")
	if step.Status != setfarm.StepDone || !strings.Contains(step.Output, "RESULT: shipped") {
		t.Errorf("step = %q %q, want done with raw output", step.Status, step.Output)
	}
	// Terminal run with no siblings tears the workflow's cron jobs down.
	if names := env.gateway.jobNames(); len(names) != 0 {
		t.Errorf("cron jobs remain after run done: %v", names)
	}
}

func TestPipelineAdvancesThroughRoles(t *testing.T) {
	env := newTestEnv(t)
	_, run := env.startRun(t, pipelineSpecYAML, "add search")

	// Only the first role has work.
	env.noClaim(t, "coder")
	planClaim := env.mustClaim(t, "planner")
	env.complete(t, planClaim, "PLAN: index the docs\n")

	buildClaim := env.mustClaim(t, "coder")
	if want := "Build per plan: index the docs"; buildClaim.Input != want {
		t.Errorf("build input = %q, want prior output substituted: %q", buildClaim.Input, want)
	}
	env.complete(t, buildClaim, "RESULT: done\n")

	if got := env.getRun(t, run.ID); got.Status != setfarm.RunDone {
		t.Errorf("run status = %q, want %q", got.Status, setfarm.RunDone)
	}
}

func TestClaimsAreFIFOAcrossRuns(t *testing.T) {
	env := newTestEnv(t)
	_, first := env.startRun(t, soloSpecYAML, "first task")
	env.clock.Advance(time.Second)
	_, second := env.startRun(t, soloSpecYAML, "second task")

	if c := env.mustClaim(t, "solo"); c.RunID != first.ID {
		t.Errorf("first claim run = %s, want oldest run %s", c.RunID, first.ID)
	}
	if c := env.mustClaim(t, "solo"); c.RunID != second.ID {
		t.Errorf("second claim run = %s, want %s", c.RunID, second.ID)
	}
	env.noClaim(t, "solo")
}

func TestClaimBadInput(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Claim(context.Background(), ""); !setfarm.IsKind(err, setfarm.KindBadInput) {
		t.Errorf("kind = %q, want %q", setfarm.KindOf(err), setfarm.KindBadInput)
	}
	if _, err := env.engine.Peek(context.Background(), ""); !setfarm.IsKind(err, setfarm.KindBadInput) {
		t.Errorf("peek kind = %q, want %q", setfarm.KindOf(err), setfarm.KindBadInput)
	}
}

func TestCompleteRejectsMissingKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, run := env.startRun(t, soloSpecYAML, "task")

	claim := env.mustClaim(t, "solo")
	err := env.engine.Complete(ctx, claim.StepID, "WRONG: key\n")
	if !setfarm.IsKind(err, setfarm.KindParse) {
		t.Fatalf("kind = %q, want %q", setfarm.KindOf(err), setfarm.KindParse)
	}

	// The rejection consumed one retry and requeued the step.
	step := env.stepByName(t, run.ID, "work")
	if step.Status != setfarm.StepPending || step.RetryCount != 1 {
		t.Errorf("step = %q retries %d, want pending with 1 retry", step.Status, step.RetryCount)
	}
	if got := env.getRun(t, run.ID); got.Status != setfarm.RunRunning {
		t.Errorf("run status = %q, want still running", got.Status)
	}
}

func TestFailTwiceThenSucceed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, run := env.startRun(t, soloSpecYAML, "task")

	for i := 1; i <= 2; i++ {
		claim := env.mustClaim(t, "solo")
		if err := env.engine.Fail(ctx, claim.StepID, "flaky agent"); err != nil {
			t.Fatalf("Fail #%d: %v", i, err)
		}
	}

	claim := env.mustClaim(t, "solo")
	env.complete(t, claim, "RESULT: ok\n")

	// Two consumed retries stay on the record after success.
	step := env.stepByName(t, run.ID, "work")
	if step.Status != setfarm.StepDone || step.RetryCount != 2 {
		t.Errorf("step = %q retries %d, want done with 2 retries", step.Status, step.RetryCount)
	}
	if got := env.getRun(t, run.ID); got.Status != setfarm.RunDone {
		t.Errorf("run status = %q, want %q", got.Status, setfarm.RunDone)
	}
}

func TestRetryBudgetExhaustionFailsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, run := env.startRun(t, soloSpecYAML, "task")

	for i := 1; i <= 3; i++ {
		claim := env.mustClaim(t, "solo")
		if err := env.engine.Fail(ctx, claim.StepID, "agent crashed"); err != nil {
			t.Fatalf("Fail #%d: %v", i, err)
		}
	}

	step := env.stepByName(t, run.ID, "work")
	if step.Status != setfarm.StepFailed || step.RetryCount != 3 {
		t.Errorf("step = %q retries %d, want failed after 3", step.Status, step.RetryCount)
	}
	if got := env.getRun(t, run.ID); got.Status != setfarm.RunFailed {
		t.Errorf("run status = %q, want %q", got.Status, setfarm.RunFailed)
	}

	events, err := env.store.ListEvents(ctx, run.ID, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var stepFails, runFails int
	for _, ev := range events {
		switch ev.Kind {
		case setfarm.EventStepFail:
			stepFails++
		case setfarm.EventRunFailed:
			runFails++
		}
	}
	if stepFails != 3 || runFails != 1 {
		t.Errorf("events: %d step.fail, %d run.failed, want 3 and 1", stepFails, runFails)
	}

	env.noClaim(t, "solo")
	if names := env.gateway.jobNames(); len(names) != 0 {
		t.Errorf("cron jobs remain after run failed: %v", names)
	}
}

func TestResumeFailedRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, run := env.startRun(t, soloSpecYAML, "task")
	for i := 0; i < 3; i++ {
		claim := env.mustClaim(t, "solo")
		if err := env.engine.Fail(ctx, claim.StepID, "boom"); err != nil {
			t.Fatal(err)
		}
	}

	resumed, err := env.store.ResumeRun(ctx, run.ID, env.clock.Now().Unix())
	if err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if resumed.Status != setfarm.RunRunning || resumed.Meta[setfarm.MetaResumeCount] != "1" {
		t.Errorf("resumed run = %q meta %v, want running with resume_count 1", resumed.Status, resumed.Meta)
	}
	step := env.stepByName(t, run.ID, "work")
	if step.Status != setfarm.StepPending || step.RetryCount != 0 {
		t.Errorf("step = %q retries %d, want pending with budget reset", step.Status, step.RetryCount)
	}

	claim := env.mustClaim(t, "solo")
	env.complete(t, claim, "RESULT: fixed\n")
	if got := env.getRun(t, run.ID); got.Status != setfarm.RunDone {
		t.Errorf("run status = %q, want done after resume", got.Status)
	}
}

func TestCompleteUnknownAndTerminalUnits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, run := env.startRun(t, soloSpecYAML, "task")

	if err := env.engine.Complete(ctx, "nope", "RESULT: x\n"); !setfarm.IsKind(err, setfarm.KindNotFound) {
		t.Errorf("unknown unit: kind = %q, want %q", setfarm.KindOf(err), setfarm.KindNotFound)
	}
	if err := env.engine.Fail(ctx, "nope", "reason"); !setfarm.IsKind(err, setfarm.KindNotFound) {
		t.Errorf("fail unknown unit: kind = %q, want %q", setfarm.KindOf(err), setfarm.KindNotFound)
	}

	claim := env.mustClaim(t, "solo")
	env.complete(t, claim, "RESULT: done\n")

	// A late duplicate report is a no-op, not an error.
	if err := env.engine.Complete(ctx, claim.StepID, "RESULT: again\n"); err != nil {
		t.Errorf("complete on done step = %v, want nil", err)
	}
	if err := env.engine.Fail(ctx, claim.StepID, "late"); err != nil {
		t.Errorf("fail on done step = %v, want nil", err)
	}
	step := env.stepByName(t, run.ID, "work")
	if !strings.Contains(step.Output, "RESULT: done") {
		t.Errorf("late complete overwrote output: %q", step.Output)
	}
}

func TestStartRunCreatesCronJobs(t *testing.T) {
	env := newTestEnv(t)
	env.startRun(t, loopSpecYAML, "task")

	got := env.gateway.jobNames()
	sort.Strings(got)
	want := []string{
		"setfarm/looped/coder",
		"setfarm/looped/coder-2",
		"setfarm/looped/planner",
		"setfarm/looped/reviewer",
		"setfarm/looped/reviewer-2",
	}
	if len(got) != len(want) {
		t.Fatalf("job names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("job names = %v, want %v", got, want)
		}
	}

	for _, job := range env.gateway.created {
		if job.IntervalMS != 120000 {
			t.Errorf("job %s interval = %d, want workflow's 120000", job.Name, job.IntervalMS)
		}
		wantAnchor := int64(0)
		if strings.HasSuffix(job.Name, "-2") {
			wantAnchor = setfarm.DefaultCronStagger.Milliseconds()
		}
		if job.AnchorMS != wantAnchor {
			t.Errorf("job %s anchor = %d, want %d", job.Name, job.AnchorMS, wantAnchor)
		}
		if !strings.Contains(job.Payload, "setfarm step peek "+job.AgentID) {
			t.Errorf("job %s payload does not instruct peek: %q", job.Name, job.Payload)
		}
	}
}

func TestEnsureCronsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	_, run := env.startRun(t, soloSpecYAML, "task")

	before := len(env.gateway.created)
	if err := env.engine.EnsureCrons(context.Background(), run.ID); err != nil {
		t.Fatalf("EnsureCrons: %v", err)
	}
	if after := len(env.gateway.created); after != before {
		t.Errorf("EnsureCrons created %d new jobs for an already wired workflow", after-before)
	}
}

func TestCronSurviveWhileSiblingRunning(t *testing.T) {
	env := newTestEnv(t)
	env.startRun(t, soloSpecYAML, "first")
	env.clock.Advance(time.Second)
	env.startRun(t, soloSpecYAML, "second")

	// Finish only the first run; the second still needs wake-ups.
	claim := env.mustClaim(t, "solo")
	env.complete(t, claim, "RESULT: ok\n")

	if !env.gateway.hasJob("setfarm/solo/solo") {
		t.Error("cron job removed while a sibling run is still running")
	}

	claim = env.mustClaim(t, "solo")
	env.complete(t, claim, "RESULT: ok\n")
	if env.gateway.hasJob("setfarm/solo/solo") {
		t.Error("cron job not torn down after the last run finished")
	}
}

func TestRunArchivedOnCompletion(t *testing.T) {
	store := newTestStore(t)
	gateway := newFakeGateway()
	clock := newFakeClock()
	dir := t.TempDir()
	engine := setfarm.NewEngine(store, gateway,
		setfarm.WithNow(clock.Now),
		setfarm.WithArchiver(setfarm.NewArchiver(dir)))
	env := &testEnv{store: store, gateway: gateway, clock: clock, engine: engine}

	_, run := env.startRun(t, soloSpecYAML, "task")
	claim := env.mustClaim(t, "solo")
	env.complete(t, claim, "RESULT: ok\n")

	snap, err := setfarm.NewArchiver(dir).Read(run.ID)
	if err != nil {
		t.Fatalf("Read archive: %v", err)
	}
	if snap.Run.Status != setfarm.RunDone || len(snap.Steps) != 1 || len(snap.Events) == 0 {
		t.Errorf("snapshot = run %q, %d steps, %d events; want a done run with history",
			snap.Run.Status, len(snap.Steps), len(snap.Events))
	}
}

// recordingTracer captures span names and event attributes.
type recordingTracer struct {
	spans  []string
	events []setfarm.SpanAttr
}

var _ setfarm.Tracer = (*recordingTracer)(nil)

func (rt *recordingTracer) Start(ctx context.Context, name string, _ ...setfarm.SpanAttr) (context.Context, setfarm.Span) {
	rt.spans = append(rt.spans, name)
	return ctx, &recordingSpan{tracer: rt}
}

type recordingSpan struct{ tracer *recordingTracer }

func (s *recordingSpan) SetAttr(...setfarm.SpanAttr) {}
func (s *recordingSpan) Event(_ string, attrs ...setfarm.SpanAttr) {
	s.tracer.events = append(s.tracer.events, attrs...)
}
func (s *recordingSpan) Error(error) {}
func (s *recordingSpan) End()        {}

func TestEngineTracesLifecycle(t *testing.T) {
	store := newTestStore(t)
	gateway := newFakeGateway()
	clock := newFakeClock()
	tracer := &recordingTracer{}
	engine := setfarm.NewEngine(store, gateway,
		setfarm.WithNow(clock.Now),
		setfarm.WithTracer(tracer))
	env := &testEnv{store: store, gateway: gateway, clock: clock, engine: engine}

	_, run := env.startRun(t, soloSpecYAML, "task")
	claim := env.mustClaim(t, "solo")
	env.complete(t, claim, "RESULT: ok\n")
	if got := env.getRun(t, run.ID); got.Status != setfarm.RunDone {
		t.Fatalf("run status = %q, want done", got.Status)
	}

	for _, want := range []string{"engine.claim", "engine.complete", "engine.advance"} {
		found := false
		for _, name := range tracer.spans {
			if name == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("spans = %v, missing %q", tracer.spans, want)
		}
	}
	var sawIndex, sawLoop bool
	for _, attr := range tracer.events {
		switch {
		case attr.Key == "step_index" && attr.Value == 0:
			sawIndex = true
		case attr.Key == "loop" && attr.Value == false:
			sawLoop = true
		}
	}
	if !sawIndex || !sawLoop {
		t.Errorf("activation attrs = %+v, want step_index 0 and loop false", tracer.events)
	}
}
