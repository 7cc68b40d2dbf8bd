package setfarm_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/setfarm/setfarm"
	"github.com/setfarm/setfarm/store/sqlite"
)

// newTestStore opens a throwaway SQLite store under t.TempDir.
func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s := sqlite.New(filepath.Join(t.TempDir(), "setfarm.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("store Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClock is a manually advanced clock shared by engine and medic so tests
// can age claims deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeGateway is an in-memory setfarm.CronGateway recording every mutation.
type fakeGateway struct {
	mu      sync.Mutex
	nextID  int
	jobs    map[string]setfarm.CronJob // by id
	created []setfarm.CronJob
	deleted []string // prefixes passed to DeleteJobsByPrefix
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{jobs: make(map[string]setfarm.CronJob)}
}

var _ setfarm.CronGateway = (*fakeGateway)(nil)

func (g *fakeGateway) CreateJob(_ context.Context, job setfarm.CronJob) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := fmt.Sprintf("job-%d", g.nextID)
	job.ID = id
	g.jobs[id] = job
	g.created = append(g.created, job)
	return id, nil
}

func (g *fakeGateway) ListJobs(_ context.Context) ([]setfarm.CronJobRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	refs := make([]setfarm.CronJobRef, 0, len(g.jobs))
	for id, job := range g.jobs {
		refs = append(refs, setfarm.CronJobRef{ID: id, Name: job.Name})
	}
	return refs, nil
}

func (g *fakeGateway) DeleteJob(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.jobs, id)
	return nil
}

func (g *fakeGateway) DeleteJobsByPrefix(_ context.Context, prefix string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, prefix)
	for id, job := range g.jobs {
		if strings.HasPrefix(job.Name, prefix) {
			delete(g.jobs, id)
		}
	}
	return nil
}

// jobNames returns the names of all live jobs, unordered.
func (g *fakeGateway) jobNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.jobs))
	for _, job := range g.jobs {
		names = append(names, job.Name)
	}
	return names
}

func (g *fakeGateway) hasJob(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, job := range g.jobs {
		if job.Name == name {
			return true
		}
	}
	return false
}

// wipe drops all jobs without recording deletions, simulating an external
// cron facility losing its state.
func (g *fakeGateway) wipe() {
	g.mu.Lock()
	g.jobs = make(map[string]setfarm.CronJob)
	g.mu.Unlock()
}

// testEnv bundles the pieces most engine tests need.
type testEnv struct {
	store   *sqlite.Store
	gateway *fakeGateway
	clock   *fakeClock
	engine  *setfarm.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newTestStore(t)
	gateway := newFakeGateway()
	clock := newFakeClock()
	engine := setfarm.NewEngine(store, gateway, setfarm.WithNow(clock.Now))
	return &testEnv{store: store, gateway: gateway, clock: clock, engine: engine}
}

// startRun parses the spec, starts a run for it, and fails the test on error.
func (env *testEnv) startRun(t *testing.T, specYAML, task string) (*setfarm.WorkflowSpec, *setfarm.Run) {
	t.Helper()
	spec, err := setfarm.ParseWorkflow([]byte(specYAML))
	if err != nil {
		t.Fatalf("ParseWorkflow: %v", err)
	}
	run, err := env.engine.StartRun(context.Background(), spec, task)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	return spec, run
}

// mustClaim claims for role and fails the test when no work is available.
func (env *testEnv) mustClaim(t *testing.T, role string) *setfarm.Claim {
	t.Helper()
	claim, err := env.engine.Claim(context.Background(), role)
	if err != nil {
		t.Fatalf("Claim(%s): %v", role, err)
	}
	if claim == nil {
		t.Fatalf("Claim(%s) = nil, want work", role)
	}
	return claim
}

// noClaim asserts the role has nothing to claim.
func (env *testEnv) noClaim(t *testing.T, role string) {
	t.Helper()
	claim, err := env.engine.Claim(context.Background(), role)
	if err != nil {
		t.Fatalf("Claim(%s): %v", role, err)
	}
	if claim != nil {
		t.Fatalf("Claim(%s) = %+v, want no work", role, claim)
	}
}

// unitID returns whichever of step or story id the claim carries.
func unitID(c *setfarm.Claim) string {
	if c.StoryID != "" {
		return c.StoryID
	}
	return c.StepID
}

// complete submits raw output for a claimed unit and fails the test on error.
func (env *testEnv) complete(t *testing.T, claim *setfarm.Claim, raw string) {
	t.Helper()
	if err := env.engine.Complete(context.Background(), unitID(claim), raw); err != nil {
		t.Fatalf("Complete(%s): %v", unitID(claim), err)
	}
}

// getRun fetches the run and fails the test on error.
func (env *testEnv) getRun(t *testing.T, runID string) *setfarm.Run {
	t.Helper()
	run, err := env.store.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return run
}

// stepByName returns the run's step row with the given declared step id.
func (env *testEnv) stepByName(t *testing.T, runID, stepID string) *setfarm.Step {
	t.Helper()
	steps, err := env.store.ListSteps(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	for _, s := range steps {
		if s.StepID == stepID {
			return s
		}
	}
	t.Fatalf("run %s has no step %q", runID, stepID)
	return nil
}

// runStories returns all stories of the run in step/index order.
func (env *testEnv) runStories(t *testing.T, runID string) []*setfarm.Story {
	t.Helper()
	stories, err := env.store.ListRunStories(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListRunStories: %v", err)
	}
	return stories
}
