package setfarm

import "context"

// Store abstracts transactional persistence for runs, steps, stories, events,
// and medic audit rows. The engine, the medic, and the CLI mutate state only
// through these operations; every mutating method is a single transaction.
//
// The claim, complete, fail, reset, and resume methods are the compound
// transactions the state machine is built from. They are status-guarded:
// calling them on a unit that already moved past the expected state is a
// logged no-op (terminal states) or a KindConflict error (states the
// transition can never legally leave), so concurrent callers converge instead
// of corrupting state.
type Store interface {
	// --- Runs ---

	// SeedRun inserts a run and its steps (all waiting) atomically and emits
	// the run.created event. Step activation happens separately through the
	// engine's advancement.
	SeedRun(ctx context.Context, run *Run, steps []*Step) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns runs filtered by status; an empty status means all.
	// Newest first.
	ListRuns(ctx context.Context, status RunStatus, limit int) ([]*Run, error)
	ListRunsByWorkflow(ctx context.Context, workflowID string, status RunStatus) ([]*Run, error)
	MarkRunDone(ctx context.Context, runID string, now int64) error
	MarkRunFailed(ctx context.Context, runID, reason string, now int64) error
	// ResumeRun transitions a failed run back to running: the failed step
	// returns to pending with retry_count cleared, failed stories of that
	// step return to pending likewise, and resume bookkeeping in run meta is
	// bumped.
	ResumeRun(ctx context.Context, runID string, now int64) (*Run, error)
	UpdateRunMeta(ctx context.Context, runID string, meta map[string]string, now int64) error

	// --- Steps ---

	GetStep(ctx context.Context, id string) (*Step, error)
	// ListSteps returns a run's steps ordered by step_index.
	ListSteps(ctx context.Context, runID string) ([]*Step, error)
	// ActivateStep transitions a waiting step to pending, storing the
	// resolved input. Activating a step that already left waiting is a no-op.
	ActivateStep(ctx context.Context, stepID, input string, now int64) error
	// CompleteStep transitions a running or pending step to done and stores
	// the raw output. Pending is accepted for loop bookkeeping and for late
	// completions after a medic reset. Completing a terminal step is a no-op
	// returning the current row.
	CompleteStep(ctx context.Context, stepID, output string, now int64) (*Step, error)
	// FailStep increments retry_count and requeues the step as pending, or,
	// once the retry budget is exhausted, marks step and run failed.
	FailStep(ctx context.Context, stepID, reason string, now int64) (*Step, error)
	// ResetStep is the medic reset: abandoned_count is incremented and the
	// running step returns to pending, or fails (with the run) once
	// abandoned_count reaches maxAbandons.
	ResetStep(ctx context.Context, stepID string, maxAbandons int, now int64) (*Step, error)

	// --- Claims ---

	// HasWorkForRole reports whether an unclaimed unit exists for the role.
	// Pure read, no side effects.
	HasWorkForRole(ctx context.Context, role string) (bool, error)
	// ClaimNextForRole atomically selects and marks running the
	// highest-priority eligible unit for the role, ordered by
	// (run.created_at, step_index, story_index). Returns nil when no unit is
	// eligible.
	ClaimNextForRole(ctx context.Context, role string, now int64) (*Claim, error)

	// --- Stories ---

	// InsertStories materializes a loop step's stories atomically, in
	// declared order, and emits the stories.seeded event.
	InsertStories(ctx context.Context, stepID string, stories []*Story) error
	GetStory(ctx context.Context, id string) (*Story, error)
	// ListStories returns a loop step's stories ordered by story_index.
	ListStories(ctx context.Context, stepID string) ([]*Story, error)
	ListRunStories(ctx context.Context, runID string) ([]*Story, error)
	// CompleteStory stores the output and either marks the story verified or,
	// when needsVerify is set, returns it to pending with the pending-verify
	// flag and the resolved verifier input.
	CompleteStory(ctx context.Context, storyID, output string, needsVerify bool, verifyInput string, now int64) (*Story, error)
	// FailStory increments retry_count and requeues the story for the worker
	// role, or, once the budget is exhausted, fails story, owning step, and
	// run.
	FailStory(ctx context.Context, storyID, reason string, now int64) (*Story, error)
	// ResetStory is the medic reset: the running story returns to pending
	// (preserving the pending-verify flag), or is skipped once
	// abandoned_count reaches maxAbandons.
	ResetStory(ctx context.Context, storyID string, maxAbandons int, now int64) (*Story, error)

	// --- Medic queries ---

	// ListRunningSteps returns steps in running status whose run is running.
	ListRunningSteps(ctx context.Context) ([]*Step, error)
	// ListRunningStories returns stories in running status whose run is running.
	ListRunningStories(ctx context.Context) ([]*Story, error)

	// --- Events ---

	AppendEvent(ctx context.Context, ev Event) error
	// ListEvents returns a run's events in insertion order. A positive limit
	// keeps only the most recent limit events.
	ListEvents(ctx context.Context, runID string, limit int) ([]Event, error)

	// --- Medic checks ---

	// InsertMedicCheck records a watchdog pass and prunes retention to the
	// most recent 500 rows.
	InsertMedicCheck(ctx context.Context, check *MedicCheck) error
	ListMedicChecks(ctx context.Context, limit int) ([]*MedicCheck, error)

	// --- Lifecycle ---

	Init(ctx context.Context) error
	Close() error
}

// CronGateway adapts the external periodic scheduler that wakes agent
// populations. Implementations must be idempotent by job name and carry a
// hard timeout; failures surface as KindUpstream errors and never block the
// engine, because the database remains the source of truth.
type CronGateway interface {
	// CreateJob schedules a wake-up job and returns its id.
	CreateJob(ctx context.Context, job CronJob) (string, error)
	ListJobs(ctx context.Context) ([]CronJobRef, error)
	DeleteJob(ctx context.Context, id string) error
	DeleteJobsByPrefix(ctx context.Context, prefix string) error
}
