// Package setfarm is a multi-agent workflow orchestration engine backed by a
// single-node embedded SQLite store.
//
// A workflow declares an ordered pipeline of steps, each assigned to a logical
// role (planner, developer, verifier, ...). External agent processes, woken
// periodically by a cron facility, poll the engine over a text protocol, claim
// an available unit of work (a step, or a story inside a loop step), execute
// it, and report the outcome. The engine owns the persistent run/step/story
// state machine, guarantees at-most-one-agent-per-unit claim semantics,
// advances the pipeline deterministically, and runs a watchdog ("medic") that
// detects and repairs crashed or stalled agents within bounded policies.
//
// # Quick Start
//
//	store := sqlite.New(filepath.Join(dir, "setfarm.db"))
//	if err := store.Init(ctx); err != nil { ... }
//
//	gateway := remote.New(baseURL, remote.WithToken(token))
//	engine := setfarm.NewEngine(store, gateway)
//
//	spec, err := setfarm.LoadWorkflow("workflows/release.yaml")
//	run, err := engine.StartRun(ctx, spec, "ship the 2.4 release")
//
//	// Agents then drive the run via the claim protocol:
//	claim, err := engine.Claim(ctx, "release/developer")
//	err = engine.Complete(ctx, claim.StepID, rawOutput)
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Store] — transactional persistence for runs, steps, stories, events,
//     and medic audit rows (store/sqlite is the production implementation)
//   - [CronGateway] — the external scheduler adapter (cron/remote for an HTTP
//     scheduler daemon, cron/local for a single-binary in-process scheduler)
//   - [Tracer] — optional span creation; observer provides an OTEL backend
//
// # Components
//
// [Engine] implements the claim protocol (peek/claim/complete/fail), run
// seeding, step advancement, and loop fan-out. [Medic] is the periodic
// reconciliation pass. [Watcher] reloads workflow specs on disk changes.
// [Archiver] writes terminal run snapshots as JSON for human inspection.
//
// See the cmd/setfarm directory for the CLI that exposes the agent protocol
// and the long-running serve mode.
package setfarm
