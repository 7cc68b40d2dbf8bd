package setfarm_test

import (
	"context"
	"strings"
	"testing"

	"github.com/setfarm/setfarm"
)

const loopSpecYAML = `
id: looped
name: Fanned Out
cron_interval_ms: 120000
steps:
  - id: plan
    agent: planner
    input: "Split the task: {{TASK}}"
    outputs: [PLAN, STORIES_JSON]
  - id: build
    agent: coder
    type: loop
    input: "Build {{STORY_TITLE}}. Details: {{STORY_INPUT}}"
    outputs: [RESULT]
    loop:
      source: plan
      workers: 2
      verify_step: check
      verify_each: true
  - id: check
    agent: reviewer
    input: "Review {{STORY_TITLE}}. Worker reported: {{STORY_OUTPUT}}"
    outputs: [VERDICT]
`

const plainLoopSpecYAML = `
id: plainloop
name: Fan Out No Verify
steps:
  - id: plan
    agent: planner
    input: "Split: {{TASK}}"
    outputs: [STORIES_JSON]
  - id: build
    agent: coder
    type: loop
    input: "Do {{STORY_TITLE}}: {{STORY_INPUT}}"
    outputs: [RESULT]
    loop:
      source: plan
      workers: 3
`

const planOutput = "PLAN: split into pieces\n" +
	`STORIES_JSON: [` +
	`{"story_id": "auth", "title": "Add auth", "input": "login flow"},` +
	`{"story_id": "search", "title": "Add search", "input": "index docs"},` +
	`{"story_id": "perf", "title": "Speed up", "input": "profile hot path"}]` + "\n"

// planAndSeed completes the planner step so the loop fans out.
func planAndSeed(t *testing.T, env *testEnv, raw string) {
	t.Helper()
	claim := env.mustClaim(t, "planner")
	env.complete(t, claim, raw)
}

func TestLoopFansOutStories(t *testing.T) {
	env := newTestEnv(t)
	_, run := env.startRun(t, plainLoopSpecYAML, "big feature")
	planAndSeed(t, env, planOutput)

	stories := env.runStories(t, run.ID)
	if len(stories) != 3 {
		t.Fatalf("seeded %d stories, want 3", len(stories))
	}
	wantIDs := []string{"auth", "search", "perf"}
	for i, st := range stories {
		if st.StoryID != wantIDs[i] || st.StoryIndex != i {
			t.Errorf("story %d = %q index %d, want %q in declared order", i, st.StoryID, st.StoryIndex, wantIDs[i])
		}
		if st.Status != setfarm.StoryPending {
			t.Errorf("story %q status = %q, want pending", st.StoryID, st.Status)
		}
	}
	// The loop template resolves per story.
	if want := "Do Add auth: login flow"; stories[0].Input != want {
		t.Errorf("story input = %q, want %q", stories[0].Input, want)
	}
}

func TestLoopParallelClaimsAreDisjoint(t *testing.T) {
	env := newTestEnv(t)
	_, run := env.startRun(t, plainLoopSpecYAML, "feature")
	planAndSeed(t, env, planOutput)

	first := env.mustClaim(t, "coder")
	second := env.mustClaim(t, "coder")
	third := env.mustClaim(t, "coder")
	if first.StoryID == second.StoryID || second.StoryID == third.StoryID || first.StoryID == third.StoryID {
		t.Fatalf("claims overlap: %s %s %s", first.StoryID, second.StoryID, third.StoryID)
	}
	env.noClaim(t, "coder")

	env.complete(t, first, "RESULT: a\n")
	env.complete(t, second, "RESULT: b\n")
	env.complete(t, third, "RESULT: c\n")

	if got := env.getRun(t, run.ID); got.Status != setfarm.RunDone {
		t.Errorf("run status = %q, want done after all stories verified", got.Status)
	}
	step := env.stepByName(t, run.ID, "build")
	agg := setfarm.ParseOutputs(step.Output)
	if agg[setfarm.KeyStoriesTotal] != "3" || agg[setfarm.KeyStoriesVerified] != "3" || agg[setfarm.KeyStoriesSkipped] != "0" {
		t.Errorf("aggregate = %v, want 3 total, 3 verified, 0 skipped", agg)
	}
}

func TestLoopVerifyEachCycle(t *testing.T) {
	env := newTestEnv(t)
	_, run := env.startRun(t, loopSpecYAML, "feature")
	planAndSeed(t, env, "PLAN: p\n"+
		`STORIES_JSON: [{"story_id": "auth", "title": "Add auth", "input": "login flow"}]`+"\n")

	work := env.mustClaim(t, "coder")
	env.complete(t, work, "RESULT: implemented login\n")

	// The story now waits on the verifier role, not the worker.
	env.noClaim(t, "coder")
	story := env.runStories(t, run.ID)[0]
	if story.Status != setfarm.StoryPending || !story.NeedsVerify {
		t.Fatalf("story = %q needsVerify=%v, want pending-verify", story.Status, story.NeedsVerify)
	}

	verify := env.mustClaim(t, "reviewer")
	if verify.StoryID != work.StoryID {
		t.Errorf("verifier claimed %s, want the same story %s", verify.StoryID, work.StoryID)
	}
	if !strings.Contains(verify.Input, "Review Add auth") || !strings.Contains(verify.Input, "RESULT: implemented login") {
		t.Errorf("verify input = %q, want story title and worker output substituted", verify.Input)
	}

	env.complete(t, verify, "VERDICT: pass\n")

	story = env.runStories(t, run.ID)[0]
	if story.Status != setfarm.StoryVerified {
		t.Errorf("story status = %q, want verified", story.Status)
	}
	// The worker's deliverable survives verification.
	if !strings.Contains(story.Output, "RESULT: implemented login") {
		t.Errorf("story output = %q, want the worker's output kept", story.Output)
	}
	if got := env.getRun(t, run.ID); got.Status != setfarm.RunDone {
		t.Errorf("run status = %q, want done", got.Status)
	}
}

func TestLoopVerifierRejectionRetriesStory(t *testing.T) {
	env := newTestEnv(t)
	_, run := env.startRun(t, loopSpecYAML, "feature")
	planAndSeed(t, env, "PLAN: p\n"+
		`STORIES_JSON: [{"story_id": "auth", "title": "Auth", "input": "x"}]`+"\n")

	work := env.mustClaim(t, "coder")
	env.complete(t, work, "RESULT: v1\n")
	verify := env.mustClaim(t, "reviewer")
	if err := env.engine.Fail(context.Background(), verify.StoryID, "does not build"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	// A failed verification restarts the story at the work phase.
	story := env.runStories(t, run.ID)[0]
	if story.Status != setfarm.StoryPending || story.NeedsVerify || story.RetryCount != 1 {
		t.Fatalf("story = %q needsVerify=%v retries=%d, want pending work phase with 1 retry",
			story.Status, story.NeedsVerify, story.RetryCount)
	}
	env.noClaim(t, "reviewer")
	redo := env.mustClaim(t, "coder")
	if redo.StoryID != work.StoryID {
		t.Errorf("redo claim = %s, want story %s back", redo.StoryID, work.StoryID)
	}
}

func TestLoopEmptyStoriesCompletesImmediately(t *testing.T) {
	env := newTestEnv(t)
	_, run := env.startRun(t, plainLoopSpecYAML, "nothing to do")
	planAndSeed(t, env, "STORIES_JSON: []\n")

	if got := env.getRun(t, run.ID); got.Status != setfarm.RunDone {
		t.Errorf("run status = %q, want done with an empty fan-out", got.Status)
	}
	step := env.stepByName(t, run.ID, "build")
	agg := setfarm.ParseOutputs(step.Output)
	if agg[setfarm.KeyStoriesTotal] != "0" {
		t.Errorf("aggregate = %v, want zero stories", agg)
	}
	env.noClaim(t, "coder")
}

func TestLoopBadSourceConsumesRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, run := env.startRun(t, plainLoopSpecYAML, "feature")
	planAndSeed(t, env, "STORIES_JSON: not an array\n")

	step := env.stepByName(t, run.ID, "build")
	if step.Status != setfarm.StepPending || step.RetryCount != 1 {
		t.Fatalf("loop step = %q retries %d, want pending with 1 retry after bad source", step.Status, step.RetryCount)
	}

	// Each advance retries the seed against the same bad output until the
	// budget is spent.
	for i := 0; i < 2; i++ {
		if err := env.engine.AdvanceRun(ctx, run.ID); err != nil {
			t.Fatalf("AdvanceRun #%d: %v", i+2, err)
		}
	}
	step = env.stepByName(t, run.ID, "build")
	if step.Status != setfarm.StepFailed || step.RetryCount != 3 {
		t.Errorf("loop step = %q retries %d, want failed after exhausting budget", step.Status, step.RetryCount)
	}
	if got := env.getRun(t, run.ID); got.Status != setfarm.RunFailed {
		t.Errorf("run status = %q, want failed", got.Status)
	}
}

func TestStoryRetryExhaustionFailsRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, run := env.startRun(t, plainLoopSpecYAML, "feature")
	planAndSeed(t, env, `STORIES_JSON: [{"story_id": "auth", "title": "Auth", "input": "x"},`+
		`{"story_id": "search", "title": "Search", "input": "y"}]`+"\n")

	var failedStory string
	for i := 1; i <= 3; i++ {
		claim := env.mustClaim(t, "coder")
		if i == 1 {
			failedStory = claim.StoryID
		} else if claim.StoryID != failedStory {
			// Requeued story keeps FIFO priority over its sibling.
			t.Fatalf("claim #%d = story %s, want the retried story %s first", i, claim.StoryID, failedStory)
		}
		if err := env.engine.Fail(ctx, claim.StoryID, "cannot build"); err != nil {
			t.Fatalf("Fail #%d: %v", i, err)
		}
	}

	stories := env.runStories(t, run.ID)
	var failed, pending int
	for _, st := range stories {
		switch st.Status {
		case setfarm.StoryFailed:
			failed++
		case setfarm.StoryPending:
			pending++
		}
	}
	if failed != 1 || pending != 1 {
		t.Errorf("stories = %d failed, %d pending; want the exhausted story failed and its sibling untouched", failed, pending)
	}
	step := env.stepByName(t, run.ID, "build")
	if step.Status != setfarm.StepFailed {
		t.Errorf("loop step status = %q, want failed with its story", step.Status)
	}
	if got := env.getRun(t, run.ID); got.Status != setfarm.RunFailed {
		t.Errorf("run status = %q, want failed", got.Status)
	}
}

func TestSkippedStoryCountsInAggregate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, run := env.startRun(t, plainLoopSpecYAML, "feature")
	planAndSeed(t, env, `STORIES_JSON: [{"story_id": "auth", "title": "Auth", "input": "x"},`+
		`{"story_id": "search", "title": "Search", "input": "y"}]`+"\n")

	doomed := env.mustClaim(t, "coder")
	if _, err := env.store.ResetStory(ctx, doomed.StoryID, 1, env.clock.Now().Unix()); err != nil {
		t.Fatalf("ResetStory: %v", err)
	}

	// The surviving story completes; the loop closes over one verified and
	// one skipped.
	other := env.mustClaim(t, "coder")
	env.complete(t, other, "RESULT: ok\n")

	if got := env.getRun(t, run.ID); got.Status != setfarm.RunDone {
		t.Fatalf("run status = %q, want done despite the skipped story", got.Status)
	}
	step := env.stepByName(t, run.ID, "build")
	agg := setfarm.ParseOutputs(step.Output)
	if agg[setfarm.KeyStoriesTotal] != "2" || agg[setfarm.KeyStoriesVerified] != "1" || agg[setfarm.KeyStoriesSkipped] != "1" {
		t.Errorf("aggregate = %v, want 2 total, 1 verified, 1 skipped", agg)
	}
}

func TestLoopAggregateVisibleToLaterSteps(t *testing.T) {
	const spec = `
id: withship
name: Loop Then Ship
steps:
  - id: plan
    agent: planner
    input: "Split: {{TASK}}"
    outputs: [STORIES_JSON]
  - id: build
    agent: coder
    type: loop
    input: "Do {{STORY_TITLE}}"
    outputs: [RESULT]
    loop:
      source: plan
  - id: ship
    agent: releaser
    input: "Release {{STORIES_VERIFIED}} of {{STORIES_TOTAL}} stories"
    outputs: [RELEASE]
`
	env := newTestEnv(t)
	env.startRun(t, spec, "feature")
	planAndSeed(t, env, `STORIES_JSON: [{"story_id": "a", "title": "A", "input": "x"}]`+"\n")

	story := env.mustClaim(t, "coder")
	env.complete(t, story, "RESULT: ok\n")

	ship := env.mustClaim(t, "releaser")
	if want := "Release 1 of 1 stories"; ship.Input != want {
		t.Errorf("ship input = %q, want loop aggregates substituted: %q", ship.Input, want)
	}
}
