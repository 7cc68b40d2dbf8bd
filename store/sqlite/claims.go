package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/setfarm/setfarm"
)

// This file holds the compound state transitions of the claim protocol.
// Each method is one immediate write transaction: select the row, check the
// status guard, apply the update, and append events, so two agents can never
// claim the same unit and a crash between statements never leaves a partial
// transition visible.

// HasWorkForRole reports whether an unclaimed unit exists for the role.
func (s *Store) HasWorkForRole(ctx context.Context, role string) (bool, error) {
	var has bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM steps s JOIN runs r ON r.id = s.run_id
			WHERE r.status = ? AND s.status = ? AND s.type = ? AND s.agent_id = ?
		) OR EXISTS(
			SELECT 1 FROM stories t
			JOIN steps s ON s.id = t.step_id
			JOIN runs r ON r.id = t.run_id
			WHERE r.status = ? AND s.status = ? AND t.status = ?
			AND ((t.needs_verify = 0 AND s.agent_id = ?) OR (t.needs_verify = 1 AND s.verify_agent_id = ?))
		)`,
		setfarm.RunRunning, setfarm.StepPending, setfarm.StepSingle, role,
		setfarm.RunRunning, setfarm.StepPending, setfarm.StoryPending, role, role,
	).Scan(&has)
	if err != nil {
		return false, fmt.Errorf("has work: %w", err)
	}
	return has, nil
}

// stepCandidate and storyCandidate order claims by (run.created_at,
// step_index, story_index), oldest run first.
type claimCandidate struct {
	id         string
	runID      string
	stepRowID  string
	input      string
	runCreated int64
	stepIndex  int
	storyIndex int
	verify     bool
}

// before reports FIFO priority between two candidates.
func (c claimCandidate) before(o claimCandidate) bool {
	if c.runCreated != o.runCreated {
		return c.runCreated < o.runCreated
	}
	if c.stepIndex != o.stepIndex {
		return c.stepIndex < o.stepIndex
	}
	return c.storyIndex < o.storyIndex
}

// ClaimNextForRole atomically claims the highest-priority eligible unit for
// the role. Step candidates are pending single steps; story candidates are
// pending stories of pending loop steps, matched on the worker role or, for
// pending-verify stories, the verifier role. Returns nil without error when
// no unit is eligible.
func (s *Store) ClaimNextForRole(ctx context.Context, role string, now int64) (*setfarm.Claim, error) {
	start := time.Now()
	s.logger.Debug("sqlite: claim next", "role", role)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var stepCand *claimCandidate
	{
		var c claimCandidate
		err := tx.QueryRowContext(ctx, `
			SELECT s.id, s.run_id, s.input, r.created_at, s.step_index
			FROM steps s JOIN runs r ON r.id = s.run_id
			WHERE r.status = ? AND s.status = ? AND s.type = ? AND s.agent_id = ?
			ORDER BY r.created_at, s.step_index LIMIT 1`,
			setfarm.RunRunning, setfarm.StepPending, setfarm.StepSingle, role,
		).Scan(&c.id, &c.runID, &c.input, &c.runCreated, &c.stepIndex)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("select step candidate: %w", err)
		default:
			c.storyIndex = -1
			stepCand = &c
		}
	}

	var storyCand *claimCandidate
	{
		var c claimCandidate
		var needsVerify int
		err := tx.QueryRowContext(ctx, `
			SELECT t.id, t.run_id, t.step_id,
				CASE WHEN t.needs_verify = 1 THEN t.verify_input ELSE t.input END,
				t.needs_verify, r.created_at, s.step_index, t.story_index
			FROM stories t
			JOIN steps s ON s.id = t.step_id
			JOIN runs r ON r.id = t.run_id
			WHERE r.status = ? AND s.status = ? AND t.status = ?
			AND ((t.needs_verify = 0 AND s.agent_id = ?) OR (t.needs_verify = 1 AND s.verify_agent_id = ?))
			ORDER BY r.created_at, s.step_index, t.story_index LIMIT 1`,
			setfarm.RunRunning, setfarm.StepPending, setfarm.StoryPending, role, role,
		).Scan(&c.id, &c.runID, &c.stepRowID, &c.input, &needsVerify, &c.runCreated, &c.stepIndex, &c.storyIndex)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("select story candidate: %w", err)
		default:
			c.verify = needsVerify == 1
			storyCand = &c
		}
	}

	if stepCand == nil && storyCand == nil {
		return nil, nil
	}

	if stepCand != nil && (storyCand == nil || stepCand.before(*storyCand)) {
		if _, err := tx.ExecContext(ctx,
			`UPDATE steps SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			setfarm.StepRunning, now, stepCand.id, setfarm.StepPending); err != nil {
			return nil, fmt.Errorf("claim step: %w", err)
		}
		if err := insertEvent(ctx, tx, setfarm.Event{
			RunID: stepCand.runID, StepID: stepCand.id,
			Kind: setfarm.EventStepClaim, Detail: role, TS: now,
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		s.logger.Debug("sqlite: claimed step", "role", role, "step_id", stepCand.id, "duration", time.Since(start))
		return &setfarm.Claim{StepID: stepCand.id, RunID: stepCand.runID, Input: stepCand.input}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stories SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		setfarm.StoryRunning, now, storyCand.id, setfarm.StoryPending); err != nil {
		return nil, fmt.Errorf("claim story: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE steps SET current_story_id = ?, updated_at = ? WHERE id = ?`,
		storyCand.id, now, storyCand.stepRowID); err != nil {
		return nil, fmt.Errorf("mark current story: %w", err)
	}
	detail := role
	if storyCand.verify {
		detail = role + " (verify)"
	}
	if err := insertEvent(ctx, tx, setfarm.Event{
		RunID: storyCand.runID, StepID: storyCand.stepRowID,
		Kind: setfarm.EventStoryClaim, Detail: detail, TS: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: claimed story", "role", role, "story_id", storyCand.id, "verify", storyCand.verify, "duration", time.Since(start))
	return &setfarm.Claim{StoryID: storyCand.id, RunID: storyCand.runID, Input: storyCand.input}, nil
}

// CompleteStep transitions a running or pending step to done. Terminal steps
// are a no-op returning the current row; waiting steps are a conflict.
func (s *Store) CompleteStep(ctx context.Context, stepID, output string, now int64) (*setfarm.Step, error) {
	start := time.Now()
	s.logger.Debug("sqlite: complete step", "step_id", stepID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	step, err := getStep(ctx, tx, stepID)
	if err != nil {
		return nil, err
	}
	switch step.Status {
	case setfarm.StepDone, setfarm.StepFailed:
		return step, nil
	case setfarm.StepWaiting:
		return nil, setfarm.E(setfarm.KindConflict, "complete step", "step %q is waiting, not claimed", stepID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, output = ?, current_story_id = '', updated_at = ? WHERE id = ?`,
		setfarm.StepDone, output, now, stepID); err != nil {
		return nil, fmt.Errorf("complete step: %w", err)
	}
	if err := insertEvent(ctx, tx, setfarm.Event{
		RunID: step.RunID, StepID: step.ID,
		Kind: setfarm.EventStepDone, Detail: step.StepID, TS: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	step.Status = setfarm.StepDone
	step.Output = output
	step.CurrentStoryID = ""
	step.UpdatedAt = now
	s.logger.Debug("sqlite: complete step ok", "step_id", stepID, "duration", time.Since(start))
	return step, nil
}

// FailStep counts an agent failure against the step's retry budget: the step
// requeues as pending with retry_count incremented, or fails terminally
// together with its run once the budget is spent.
func (s *Store) FailStep(ctx context.Context, stepID, reason string, now int64) (*setfarm.Step, error) {
	start := time.Now()
	s.logger.Debug("sqlite: fail step", "step_id", stepID, "reason", reason)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	step, err := getStep(ctx, tx, stepID)
	if err != nil {
		return nil, err
	}
	switch step.Status {
	case setfarm.StepDone, setfarm.StepFailed:
		return step, nil
	case setfarm.StepWaiting:
		return nil, setfarm.E(setfarm.KindConflict, "fail step", "step %q is waiting, not claimed", stepID)
	}

	retry := step.RetryCount + 1
	if retry < step.RetryLimit {
		if _, err := tx.ExecContext(ctx,
			`UPDATE steps SET status = ?, retry_count = ?, current_story_id = '', updated_at = ? WHERE id = ?`,
			setfarm.StepPending, retry, now, stepID); err != nil {
			return nil, fmt.Errorf("fail step: %w", err)
		}
		if err := insertEvent(ctx, tx, setfarm.Event{
			RunID: step.RunID, StepID: step.ID, Kind: setfarm.EventStepFail,
			Detail: fmt.Sprintf("%s (retry %d/%d)", reason, retry, step.RetryLimit), TS: now,
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		step.Status = setfarm.StepPending
		step.RetryCount = retry
		step.CurrentStoryID = ""
		step.UpdatedAt = now
		s.logger.Debug("sqlite: fail step requeued", "step_id", stepID, "retry", retry, "duration", time.Since(start))
		return step, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, retry_count = ?, current_story_id = '', updated_at = ? WHERE id = ?`,
		setfarm.StepFailed, retry, now, stepID); err != nil {
		return nil, fmt.Errorf("fail step: %w", err)
	}
	if err := insertEvent(ctx, tx, setfarm.Event{
		RunID: step.RunID, StepID: step.ID, Kind: setfarm.EventStepFail,
		Detail: fmt.Sprintf("%s (retries exhausted %d/%d)", reason, retry, step.RetryLimit), TS: now,
	}); err != nil {
		return nil, err
	}
	if err := s.failRunTx(ctx, tx, step.RunID, fmt.Sprintf("step %s failed: %s", step.StepID, reason), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	step.Status = setfarm.StepFailed
	step.RetryCount = retry
	step.CurrentStoryID = ""
	step.UpdatedAt = now
	s.logger.Warn("sqlite: step failed terminally", "step_id", stepID, "retries", retry)
	return step, nil
}

// failRunTx marks the run failed inside an open transaction. Guarded on
// running so replays are no-ops.
func (s *Store) failRunTx(ctx context.Context, tx *sql.Tx, runID, reason string, now int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		setfarm.RunFailed, now, runID, setfarm.RunRunning)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return insertEvent(ctx, tx, setfarm.Event{
		RunID: runID, Kind: setfarm.EventRunFailed, Detail: reason, TS: now,
	})
}

// ResetStep is the medic's remediation for an abandoned claim: the running
// step returns to pending with abandoned_count incremented, or fails with
// the run once the abandon bound is hit. abandoned_count never resets.
func (s *Store) ResetStep(ctx context.Context, stepID string, maxAbandons int, now int64) (*setfarm.Step, error) {
	s.logger.Debug("sqlite: reset step", "step_id", stepID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	step, err := getStep(ctx, tx, stepID)
	if err != nil {
		return nil, err
	}
	if step.Status != setfarm.StepRunning {
		return nil, setfarm.E(setfarm.KindConflict, "reset step", "step %q is %s, not running", stepID, step.Status)
	}

	abandoned := step.AbandonedCount + 1
	if abandoned >= maxAbandons {
		if _, err := tx.ExecContext(ctx,
			`UPDATE steps SET status = ?, abandoned_count = ?, current_story_id = '', updated_at = ? WHERE id = ?`,
			setfarm.StepFailed, abandoned, now, stepID); err != nil {
			return nil, fmt.Errorf("reset step: %w", err)
		}
		if err := insertEvent(ctx, tx, setfarm.Event{
			RunID: step.RunID, StepID: step.ID, Kind: setfarm.EventStepFail,
			Detail: fmt.Sprintf("abandoned %d times", abandoned), TS: now,
		}); err != nil {
			return nil, err
		}
		if err := s.failRunTx(ctx, tx, step.RunID, fmt.Sprintf("step %s abandoned %d times", step.StepID, abandoned), now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		step.Status = setfarm.StepFailed
		step.AbandonedCount = abandoned
		step.CurrentStoryID = ""
		step.UpdatedAt = now
		s.logger.Warn("sqlite: step failed after abandons", "step_id", stepID, "abandons", abandoned)
		return step, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, abandoned_count = ?, current_story_id = '', updated_at = ? WHERE id = ?`,
		setfarm.StepPending, abandoned, now, stepID); err != nil {
		return nil, fmt.Errorf("reset step: %w", err)
	}
	if err := insertEvent(ctx, tx, setfarm.Event{
		RunID: step.RunID, StepID: step.ID, Kind: setfarm.EventStepReset,
		Detail: fmt.Sprintf("abandon %d/%d", abandoned, maxAbandons), TS: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	step.Status = setfarm.StepPending
	step.AbandonedCount = abandoned
	step.CurrentStoryID = ""
	step.UpdatedAt = now
	return step, nil
}

// CompleteStory stores the worker's output and either verifies the story or
// parks it pending-verify for the verifier role. Terminal stories are a
// no-op returning the current row.
func (s *Store) CompleteStory(ctx context.Context, storyID, output string, needsVerify bool, verifyInput string, now int64) (*setfarm.Story, error) {
	start := time.Now()
	s.logger.Debug("sqlite: complete story", "story_id", storyID, "needs_verify", needsVerify)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	story, err := getStory(ctx, tx, storyID)
	if err != nil {
		return nil, err
	}
	switch story.Status {
	case setfarm.StoryVerified, setfarm.StoryFailed, setfarm.StorySkipped:
		return story, nil
	}

	if needsVerify {
		if _, err := tx.ExecContext(ctx,
			`UPDATE stories SET status = ?, needs_verify = 1, output = ?, verify_input = ?, updated_at = ? WHERE id = ?`,
			setfarm.StoryPending, output, verifyInput, now, storyID); err != nil {
			return nil, fmt.Errorf("complete story: %w", err)
		}
		if err := insertEvent(ctx, tx, setfarm.Event{
			RunID: story.RunID, StepID: story.StepID, Kind: setfarm.EventStoryDone,
			Detail: fmt.Sprintf("%s awaiting verify", story.StoryID), TS: now,
		}); err != nil {
			return nil, err
		}
		story.Status = setfarm.StoryPending
		story.NeedsVerify = true
		story.VerifyInput = verifyInput
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE stories SET status = ?, needs_verify = 0, output = ?, updated_at = ? WHERE id = ?`,
			setfarm.StoryVerified, output, now, storyID); err != nil {
			return nil, fmt.Errorf("complete story: %w", err)
		}
		if err := insertEvent(ctx, tx, setfarm.Event{
			RunID: story.RunID, StepID: story.StepID, Kind: setfarm.EventStoryVerified,
			Detail: story.StoryID, TS: now,
		}); err != nil {
			return nil, err
		}
		story.Status = setfarm.StoryVerified
		story.NeedsVerify = false
	}
	if err := s.releaseStoryClaim(ctx, tx, story.StepID, storyID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	story.Output = output
	story.UpdatedAt = now
	s.logger.Debug("sqlite: complete story ok", "story_id", storyID, "status", story.Status, "duration", time.Since(start))
	return story, nil
}

// releaseStoryClaim clears the owning step's current story marker.
func (s *Store) releaseStoryClaim(ctx context.Context, tx *sql.Tx, stepID, storyID string, now int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE steps SET current_story_id = '', updated_at = ? WHERE id = ? AND current_story_id = ?`,
		now, stepID, storyID); err != nil {
		return fmt.Errorf("release story claim: %w", err)
	}
	return nil
}

// FailStory counts an agent failure against the story's retry budget. A
// requeued story always restarts at the work phase. Once the budget is
// spent, story, owning step, and run all fail in the same transaction.
func (s *Store) FailStory(ctx context.Context, storyID, reason string, now int64) (*setfarm.Story, error) {
	start := time.Now()
	s.logger.Debug("sqlite: fail story", "story_id", storyID, "reason", reason)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	story, err := getStory(ctx, tx, storyID)
	if err != nil {
		return nil, err
	}
	switch story.Status {
	case setfarm.StoryVerified, setfarm.StoryFailed, setfarm.StorySkipped:
		return story, nil
	}

	retry := story.RetryCount + 1
	if retry < story.RetryLimit {
		if _, err := tx.ExecContext(ctx,
			`UPDATE stories SET status = ?, needs_verify = 0, retry_count = ?, updated_at = ? WHERE id = ?`,
			setfarm.StoryPending, retry, now, storyID); err != nil {
			return nil, fmt.Errorf("fail story: %w", err)
		}
		if err := insertEvent(ctx, tx, setfarm.Event{
			RunID: story.RunID, StepID: story.StepID, Kind: setfarm.EventStoryFail,
			Detail: fmt.Sprintf("%s: %s (retry %d/%d)", story.StoryID, reason, retry, story.RetryLimit), TS: now,
		}); err != nil {
			return nil, err
		}
		if err := s.releaseStoryClaim(ctx, tx, story.StepID, storyID, now); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		story.Status = setfarm.StoryPending
		story.NeedsVerify = false
		story.RetryCount = retry
		story.UpdatedAt = now
		s.logger.Debug("sqlite: fail story requeued", "story_id", storyID, "retry", retry, "duration", time.Since(start))
		return story, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE stories SET status = ?, retry_count = ?, updated_at = ? WHERE id = ?`,
		setfarm.StoryFailed, retry, now, storyID); err != nil {
		return nil, fmt.Errorf("fail story: %w", err)
	}
	if err := insertEvent(ctx, tx, setfarm.Event{
		RunID: story.RunID, StepID: story.StepID, Kind: setfarm.EventStoryFail,
		Detail: fmt.Sprintf("%s: %s (retries exhausted %d/%d)", story.StoryID, reason, retry, story.RetryLimit), TS: now,
	}); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, current_story_id = '', updated_at = ? WHERE id = ? AND status = ?`,
		setfarm.StepFailed, now, story.StepID, setfarm.StepPending); err != nil {
		return nil, fmt.Errorf("fail owning step: %w", err)
	}
	if err := insertEvent(ctx, tx, setfarm.Event{
		RunID: story.RunID, StepID: story.StepID, Kind: setfarm.EventStepFail,
		Detail: fmt.Sprintf("story %s failed", story.StoryID), TS: now,
	}); err != nil {
		return nil, err
	}
	if err := s.failRunTx(ctx, tx, story.RunID, fmt.Sprintf("story %s failed: %s", story.StoryID, reason), now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	story.Status = setfarm.StoryFailed
	story.RetryCount = retry
	story.UpdatedAt = now
	s.logger.Warn("sqlite: story failed terminally", "story_id", storyID, "retries", retry)
	return story, nil
}

// ResetStory is the medic's remediation for an abandoned story claim: back
// to pending preserving the verify phase, or skipped once the abandon bound
// is hit so one dead story cannot wedge the loop.
func (s *Store) ResetStory(ctx context.Context, storyID string, maxAbandons int, now int64) (*setfarm.Story, error) {
	s.logger.Debug("sqlite: reset story", "story_id", storyID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	story, err := getStory(ctx, tx, storyID)
	if err != nil {
		return nil, err
	}
	if story.Status != setfarm.StoryRunning {
		return nil, setfarm.E(setfarm.KindConflict, "reset story", "story %q is %s, not running", storyID, story.Status)
	}

	abandoned := story.AbandonedCount + 1
	if abandoned >= maxAbandons {
		if _, err := tx.ExecContext(ctx,
			`UPDATE stories SET status = ?, abandoned_count = ?, updated_at = ? WHERE id = ?`,
			setfarm.StorySkipped, abandoned, now, storyID); err != nil {
			return nil, fmt.Errorf("reset story: %w", err)
		}
		if err := insertEvent(ctx, tx, setfarm.Event{
			RunID: story.RunID, StepID: story.StepID, Kind: setfarm.EventStorySkipped,
			Detail: fmt.Sprintf("%s abandoned %d times", story.StoryID, abandoned), TS: now,
		}); err != nil {
			return nil, err
		}
		story.Status = setfarm.StorySkipped
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE stories SET status = ?, abandoned_count = ?, updated_at = ? WHERE id = ?`,
			setfarm.StoryPending, abandoned, now, storyID); err != nil {
			return nil, fmt.Errorf("reset story: %w", err)
		}
		if err := insertEvent(ctx, tx, setfarm.Event{
			RunID: story.RunID, StepID: story.StepID, Kind: setfarm.EventStoryReset,
			Detail: fmt.Sprintf("%s abandon %d/%d", story.StoryID, abandoned, maxAbandons), TS: now,
		}); err != nil {
			return nil, err
		}
		story.Status = setfarm.StoryPending
	}
	if err := s.releaseStoryClaim(ctx, tx, story.StepID, storyID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	story.AbandonedCount = abandoned
	story.UpdatedAt = now
	if story.Status == setfarm.StorySkipped {
		s.logger.Warn("sqlite: story skipped after abandons", "story_id", storyID, "abandons", abandoned)
	}
	return story, nil
}

// ResumeRun transitions a failed run back to running. Failed steps requeue
// as pending with retry_count cleared (abandoned_count is preserved), and
// failed stories of the run requeue at the work phase likewise.
func (s *Store) ResumeRun(ctx context.Context, runID string, now int64) (*setfarm.Run, error) {
	start := time.Now()
	s.logger.Debug("sqlite: resume run", "run_id", runID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	run, err := getRun(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != setfarm.RunFailed {
		return nil, setfarm.E(setfarm.KindConflict, "resume run", "run %q is %s, not failed", runID, run.Status)
	}

	resumes := 0
	if v, ok := run.Meta[setfarm.MetaResumeCount]; ok {
		if n, perr := strconv.Atoi(v); perr == nil {
			resumes = n
		}
	}
	resumes++
	run.Meta[setfarm.MetaResumeCount] = strconv.Itoa(resumes)
	run.Meta[setfarm.MetaLastResumeAt] = strconv.FormatInt(now, 10)

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, meta = ?, updated_at = ? WHERE id = ?`,
		setfarm.RunRunning, jsonMap(run.Meta), now, runID); err != nil {
		return nil, fmt.Errorf("resume run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE stories SET status = ?, retry_count = 0, needs_verify = 0, updated_at = ?
		 WHERE run_id = ? AND status = ?`,
		setfarm.StoryPending, now, runID, setfarm.StoryFailed); err != nil {
		return nil, fmt.Errorf("resume stories: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE steps SET status = ?, retry_count = 0, current_story_id = '', updated_at = ?
		 WHERE run_id = ? AND status = ?`,
		setfarm.StepPending, now, runID, setfarm.StepFailed); err != nil {
		return nil, fmt.Errorf("resume steps: %w", err)
	}
	if err := insertEvent(ctx, tx, setfarm.Event{
		RunID: runID, Kind: setfarm.EventRunResumed,
		Detail: fmt.Sprintf("resume %d", resumes), TS: now,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	run.Status = setfarm.RunRunning
	run.UpdatedAt = now
	s.logger.Info("sqlite: run resumed", "run_id", runID, "resume", resumes, "duration", time.Since(start))
	return run, nil
}
