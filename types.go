package setfarm

// --- Status enums ---

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

// StepStatus is the lifecycle state of a Step.
//
// A step is created waiting, becomes pending when the previous step reaches
// done, running on claim (single steps) and done or failed terminally. Loop
// steps stay pending while their stories dispatch and enter running only
// transiently during final bookkeeping.
type StepStatus string

const (
	StepWaiting StepStatus = "waiting"
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// StoryStatus is the lifecycle state of a Story. There is no separate "done":
// a story's terminal success state is verified, reached directly on completion
// or through the verifier role when the loop declares verify_each.
type StoryStatus string

const (
	StoryPending  StoryStatus = "pending"
	StoryRunning  StoryStatus = "running"
	StoryVerified StoryStatus = "verified"
	StoryFailed   StoryStatus = "failed"
	StorySkipped  StoryStatus = "skipped"
)

// StepType distinguishes single steps from loop steps that fan out stories.
type StepType string

const (
	StepSingle StepType = "single"
	StepLoop   StepType = "loop"
)

// --- Domain types (database records) ---

// Run is one execution of a workflow against a task description.
type Run struct {
	ID         string            `json:"id"`
	WorkflowID string            `json:"workflow_id"`
	Task       string            `json:"task"`
	Status     RunStatus         `json:"status"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	UpdatedAt  int64             `json:"updated_at"`
}

// Meta keys used by the medic for remediation bookkeeping.
const (
	MetaResumeCount     = "resume_count"
	MetaLastResumeAt    = "last_resume_at"
	MetaCronRestartedAt = "crons_restarted_at"
	MetaCronIntervalMS  = "cron_interval_ms"
)

// Step is one stage of a run's pipeline.
//
// Input holds the spec-declared template until the step is activated
// (waiting to pending); activation resolves the template against prior step
// outputs and replaces it, so claims serve fully resolved instructions
// straight from the row. Loop steps keep the template: it is re-resolved per
// story when stories are materialized.
type Step struct {
	ID             string      `json:"id"`
	RunID          string      `json:"run_id"`
	StepIndex      int         `json:"step_index"`
	StepID         string      `json:"step_id"`
	AgentID        string      `json:"agent_id"`
	Type           StepType    `json:"type"`
	Status         StepStatus  `json:"status"`
	RetryCount     int         `json:"retry_count"`
	RetryLimit     int         `json:"retry_limit"`
	AbandonedCount int         `json:"abandoned_count"`
	TimeoutMinutes int         `json:"timeout_minutes,omitempty"`
	Input          string      `json:"input"`
	Output         string      `json:"output,omitempty"`
	Outputs        []string    `json:"outputs,omitempty"`
	Loop           *LoopConfig `json:"loop,omitempty"`
	CurrentStoryID string      `json:"current_story_id,omitempty"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
}

// LoopConfig is the fan-out configuration of a loop step, denormalized from
// the workflow spec at seed time so the engine never re-reads YAML mid-run.
// The verify fields are copied from the verify target step declared by the
// spec; that target is a sub-step template and not part of the pipeline.
type LoopConfig struct {
	Source        string   `json:"source"`
	Workers       int      `json:"workers"`
	VerifyStep    string   `json:"verify_step,omitempty"`
	VerifyEach    bool     `json:"verify_each,omitempty"`
	VerifyAgentID string   `json:"verify_agent_id,omitempty"`
	VerifyInput   string   `json:"verify_input,omitempty"`
	VerifyOutputs []string `json:"verify_outputs,omitempty"`
}

// Story is a unit of work inside a loop step.
//
// NeedsVerify marks the pending-verify sub-state: the work phase completed
// and the story is claimable by the verifier role rather than the worker
// role. VerifyInput is resolved when the work phase completes, once the
// story output is known.
type Story struct {
	ID             string      `json:"id"`
	RunID          string      `json:"run_id"`
	StepID         string      `json:"step_id"`
	StoryID        string      `json:"story_id"`
	StoryIndex     int         `json:"story_index"`
	Title          string      `json:"title"`
	Input          string      `json:"input"`
	Status         StoryStatus `json:"status"`
	Output         string      `json:"output,omitempty"`
	RetryCount     int         `json:"retry_count"`
	RetryLimit     int         `json:"retry_limit"`
	AbandonedCount int         `json:"abandoned_count"`
	NeedsVerify    bool        `json:"needs_verify,omitempty"`
	VerifyInput    string      `json:"verify_input,omitempty"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
}

// Event is one append-only state-transition record. The engine writes events
// and never reads them back; they exist for audit, dashboards, and tests.
type Event struct {
	ID     int64  `json:"id"`
	RunID  string `json:"run_id"`
	StepID string `json:"step_id,omitempty"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
	TS     int64  `json:"ts"`
}

// Event kinds.
const (
	EventRunCreated    = "run.created"
	EventRunDone       = "run.done"
	EventRunFailed     = "run.failed"
	EventRunResumed    = "run.resumed"
	EventStepPending   = "step.pending"
	EventStepClaim     = "step.claim"
	EventStepDone      = "step.done"
	EventStepFail      = "step.fail"
	EventStepReset     = "step.reset"
	EventStoriesSeeded = "stories.seeded"
	EventStoryClaim    = "story.claim"
	EventStoryDone     = "story.done"
	EventStoryVerified = "story.verified"
	EventStoryFail     = "story.fail"
	EventStoryReset    = "story.reset"
	EventStorySkipped  = "story.skipped"
	EventInvariant     = "internal.invariant"
)

// MedicCheck is the audit row recorded by one watchdog pass.
type MedicCheck struct {
	ID           string    `json:"id"`
	CheckedAt    int64     `json:"checked_at"`
	IssuesFound  int       `json:"issues_found"`
	ActionsTaken int       `json:"actions_taken"`
	Summary      string    `json:"summary"`
	Findings     []Finding `json:"findings,omitempty"`
}

// Severity classifies a medic finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one issue discovered by a medic check, with the action taken.
type Finding struct {
	Check      string   `json:"check"`
	Severity   Severity `json:"severity"`
	Action     string   `json:"action"`
	Remediated bool     `json:"remediated"`
	RunID      string   `json:"run_id,omitempty"`
	StepID     string   `json:"step_id,omitempty"`
	StoryID    string   `json:"story_id,omitempty"`
	Detail     string   `json:"detail,omitempty"`
}

// --- Claim protocol types ---

// Claim is the unit handed to an agent by a successful claim call. Exactly
// one of StepID or StoryID is set. Input is the fully resolved instruction
// text for the claimed phase (work or verify).
type Claim struct {
	StepID  string `json:"stepId,omitempty"`
	StoryID string `json:"storyId,omitempty"`
	RunID   string `json:"runId"`
	Input   string `json:"input"`
}

// --- Cron gateway types ---

// CronJob describes one periodic wake-up job for a role's agent population.
type CronJob struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	IntervalMS int64  `json:"interval_ms"`
	AnchorMS   int64  `json:"anchor_ms"`
	AgentID    string `json:"agent_id"`
	Payload    string `json:"payload"`
	Enabled    bool   `json:"enabled"`
}

// CronJobRef identifies an existing job in the external scheduler.
type CronJobRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
