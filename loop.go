package setfarm

import (
	"context"
	"fmt"
	"strings"
)

// Aggregate output keys a completed loop step exposes to later steps.
const (
	KeyStoriesTotal    = "STORIES_TOTAL"
	KeyStoriesVerified = "STORIES_VERIFIED"
	KeyStoriesSkipped  = "STORIES_SKIPPED"
)

// advanceLoop drives a pending loop step. With no stories yet it seeds them
// from the source step's STORIES_JSON; with stories present it completes the
// step once every story is verified or skipped. Returns true when the step
// reached done and the run cursor can move on.
func (e *Engine) advanceLoop(ctx context.Context, run *Run, steps []*Step, loopStep *Step) (bool, error) {
	if loopStep.Loop == nil {
		return false, E(KindInternal, "advance loop", "step %s has no loop config", loopStep.ID)
	}
	stories, err := e.store.ListStories(ctx, loopStep.ID)
	if err != nil {
		return false, err
	}
	if len(stories) == 0 {
		return e.seedStories(ctx, run, steps, loopStep)
	}

	var verified, skipped int
	for _, st := range stories {
		switch st.Status {
		case StoryVerified:
			verified++
		case StorySkipped:
			skipped++
		case StoryFailed:
			// A terminal story failure fails step and run in the same
			// transaction; a pending step here means a crash interleaved.
			if _, err := e.store.FailStep(ctx, loopStep.ID, fmt.Sprintf("story %s failed", st.StoryID), e.nowUnix()); err != nil {
				return false, err
			}
			e.finalizeIfTerminal(ctx, run.ID)
			return false, nil
		default:
			return false, nil
		}
	}

	output := loopAggregate(len(stories), verified, skipped)
	if _, err := e.store.CompleteStep(ctx, loopStep.ID, output, e.nowUnix()); err != nil {
		return false, err
	}
	e.logger.Info("engine: loop completed",
		"run_id", run.ID, "step_id", loopStep.ID, "stories", len(stories), "verified", verified, "skipped", skipped)
	return true, nil
}

// seedStories parses the loop source's STORIES_JSON and inserts one pending
// story per element. An empty list completes the step immediately; a parse
// failure fails the step through the normal retry budget.
func (e *Engine) seedStories(ctx context.Context, run *Run, steps []*Step, loopStep *Step) (bool, error) {
	var source *Step
	for _, s := range steps {
		if s.StepID == loopStep.Loop.Source {
			source = s
			break
		}
	}
	if source == nil || source.Status != StepDone {
		return false, E(KindInternal, "seed stories", "loop %s: source step %q is not done", loopStep.StepID, loopStep.Loop.Source)
	}

	seeds, err := ExtractStories(source.Output)
	if err != nil {
		e.logger.Warn("engine: loop source rejected", "run_id", run.ID, "step_id", loopStep.ID, "error", err)
		if _, ferr := e.store.FailStep(ctx, loopStep.ID, err.Error(), e.nowUnix()); ferr != nil {
			return false, ferr
		}
		e.finalizeIfTerminal(ctx, run.ID)
		return false, nil
	}
	if len(seeds) == 0 {
		if _, err := e.store.CompleteStep(ctx, loopStep.ID, loopAggregate(0, 0, 0), e.nowUnix()); err != nil {
			return false, err
		}
		e.logger.Info("engine: loop had no stories", "run_id", run.ID, "step_id", loopStep.ID)
		return true, nil
	}

	now := e.nowUnix()
	base := runVars(run.Task, steps, loopStep.StepIndex)
	rows := make([]*Story, 0, len(seeds))
	for idx, seed := range seeds {
		input := seed.Input
		if strings.TrimSpace(loopStep.Input) != "" {
			input = ResolveInput(loopStep.Input, storyVars(base, seed))
		}
		rows = append(rows, &Story{
			ID:         NewID(),
			RunID:      run.ID,
			StepID:     loopStep.ID,
			StoryID:    seed.StoryID,
			StoryIndex: idx,
			Title:      seed.Title,
			Input:      input,
			Status:     StoryPending,
			RetryLimit: loopStep.RetryLimit,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if err := e.store.InsertStories(ctx, loopStep.ID, rows); err != nil {
		return false, err
	}
	e.logger.Info("engine: stories seeded", "run_id", run.ID, "step_id", loopStep.ID, "stories", len(rows))
	return false, nil
}

func loopAggregate(total, verified, skipped int) string {
	return fmt.Sprintf("%s: %d\n%s: %d\n%s: %d",
		KeyStoriesTotal, total, KeyStoriesVerified, verified, KeyStoriesSkipped, skipped)
}

// completeStory handles both halves of a story's lifecycle. A work-phase
// completion either verifies the story outright or parks it pending-verify
// with a resolved verifier input; a verify-phase completion marks it
// verified while keeping the worker's output as the story's deliverable.
func (e *Engine) completeStory(ctx context.Context, story *Story, raw string) error {
	switch story.Status {
	case StoryVerified, StoryFailed, StorySkipped:
		e.logger.Info("engine: complete on terminal story ignored", "story_id", story.ID, "status", story.Status)
		return nil
	}
	run, err := e.store.GetRun(ctx, story.RunID)
	if err != nil {
		return err
	}
	if run.Status != RunRunning {
		e.logger.Warn("engine: complete for finished run ignored",
			"story_id", story.ID, "run_id", run.ID, "run_status", run.Status)
		return nil
	}
	step, err := e.store.GetStep(ctx, story.StepID)
	if err != nil {
		return err
	}
	if step.Loop == nil {
		return E(KindInternal, "complete story", "story %s: owning step %s has no loop config", story.ID, step.ID)
	}

	if story.NeedsVerify {
		// Verify phase: the verifier's required keys gate acceptance, the
		// worker's output stays as the deliverable.
		if err := ValidateOutputs(ParseOutputs(raw), step.Loop.VerifyOutputs); err != nil {
			e.logger.Warn("engine: verifier output rejected", "story_id", story.ID, "error", err)
			if _, ferr := e.store.FailStory(ctx, story.ID, err.Error(), e.nowUnix()); ferr != nil {
				return ferr
			}
			e.finalizeIfTerminal(ctx, story.RunID)
			return err
		}
		if _, err := e.store.CompleteStory(ctx, story.ID, story.Output, false, "", e.nowUnix()); err != nil {
			return err
		}
		e.logger.Info("engine: story verified", "run_id", story.RunID, "story_id", story.ID, "story", story.StoryID)
		return e.AdvanceRun(ctx, story.RunID)
	}

	outputs := ParseOutputs(raw)
	if err := ValidateOutputs(outputs, step.Outputs); err != nil {
		e.logger.Warn("engine: story output rejected", "story_id", story.ID, "error", err)
		if _, ferr := e.store.FailStory(ctx, story.ID, err.Error(), e.nowUnix()); ferr != nil {
			return ferr
		}
		e.finalizeIfTerminal(ctx, story.RunID)
		return err
	}

	if step.Loop.VerifyEach && step.Loop.VerifyStep != "" {
		steps, err := e.store.ListSteps(ctx, story.RunID)
		if err != nil {
			return err
		}
		vars := storyVars(runVars(run.Task, steps, step.StepIndex), StorySeed{
			StoryID: story.StoryID,
			Title:   story.Title,
			Input:   story.Input,
		})
		vars[VarStoryOutput] = raw
		for k, v := range outputs {
			vars[k] = v
		}
		verifyInput := ResolveInput(step.Loop.VerifyInput, vars)
		if _, err := e.store.CompleteStory(ctx, story.ID, raw, true, verifyInput, e.nowUnix()); err != nil {
			return err
		}
		e.logger.Info("engine: story pending verify", "run_id", story.RunID, "story_id", story.ID, "story", story.StoryID)
		return nil
	}

	if _, err := e.store.CompleteStory(ctx, story.ID, raw, false, "", e.nowUnix()); err != nil {
		return err
	}
	e.logger.Info("engine: story done", "run_id", story.RunID, "story_id", story.ID, "story", story.StoryID)
	return e.AdvanceRun(ctx, story.RunID)
}

func (e *Engine) failStory(ctx context.Context, story *Story, reason string) error {
	switch story.Status {
	case StoryVerified, StoryFailed, StorySkipped:
		e.logger.Info("engine: fail on terminal story ignored", "story_id", story.ID, "status", story.Status)
		return nil
	}
	failed, err := e.store.FailStory(ctx, story.ID, reason, e.nowUnix())
	if err != nil {
		return err
	}
	e.logger.Info("engine: story failed",
		"run_id", story.RunID, "story_id", story.ID, "reason", reason,
		"retry_count", failed.RetryCount, "status", failed.Status)
	e.finalizeIfTerminal(ctx, story.RunID)
	return nil
}
