// Package local runs wake-up jobs in-process, for single-machine deployments
// that have no external cron service. Jobs fire a Runner, typically a shell
// command that starts the agent with the job payload on stdin.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/setfarm/setfarm"
)

// DefaultRunTimeout bounds a single job execution.
const DefaultRunTimeout = 10 * time.Minute

// Runner executes one fired job. The context carries the run timeout.
type Runner func(ctx context.Context, job setfarm.CronJob) error

// CommandRunner returns a Runner that executes name with args, writing the
// job payload to the command's stdin. The job's agent id is exposed as
// SETFARM_AGENT_ID and the job name as SETFARM_JOB_NAME.
func CommandRunner(name string, args ...string) Runner {
	return func(ctx context.Context, job setfarm.CronJob) error {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdin = strings.NewReader(job.Payload)
		cmd.Env = append(cmd.Environ(),
			"SETFARM_AGENT_ID="+job.AgentID,
			"SETFARM_JOB_NAME="+job.Name,
		)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("run %s: %w: %s", name, err, tail(out, 512))
		}
		return nil
	}
}

// tail returns the last n bytes of out, trimmed.
func tail(out []byte, n int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithLogger sets a structured logger for the gateway.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithRunTimeout overrides the per-execution timeout.
func WithRunTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// Gateway implements setfarm.CronGateway with an in-process scheduler.
// Jobs exist only for the lifetime of the process; on restart the medic's
// RestoreCrons pass re-creates them from the database.
type Gateway struct {
	run     Runner
	logger  *slog.Logger
	timeout time.Duration

	mu   sync.Mutex
	cron *cron.Cron
	jobs map[string]*localJob
}

type localJob struct {
	job       setfarm.CronJob
	entry     cron.EntryID
	scheduled bool
}

var _ setfarm.CronGateway = (*Gateway)(nil)

// New creates a Gateway firing jobs through run. A nil runner logs each
// firing without executing anything, which is useful for dry runs.
func New(run Runner, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		run:     run,
		timeout: DefaultRunTimeout,
		cron:    cron.New(),
		jobs:    make(map[string]*localJob),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Start runs the scheduler until ctx is cancelled, then waits for in-flight
// jobs to finish. It always returns nil.
func (g *Gateway) Start(ctx context.Context) error {
	g.cron.Start()
	<-ctx.Done()
	<-g.cron.Stop().Done()
	return nil
}

// CreateJob registers a job. Enabled jobs fire on an interval grid offset by
// the job's anchor, so shards of the same role stay staggered. Disabled jobs
// are registered but never fire.
func (g *Gateway) CreateJob(ctx context.Context, job setfarm.CronJob) (string, error) {
	if job.IntervalMS <= 0 {
		return "", setfarm.E(setfarm.KindBadInput, "cron create job", "interval must be positive, got %d", job.IntervalMS)
	}
	id := setfarm.NewID()
	lj := &localJob{job: job}

	g.mu.Lock()
	defer g.mu.Unlock()
	if job.Enabled {
		sched := anchoredSchedule{
			interval: time.Duration(job.IntervalMS) * time.Millisecond,
			anchor:   time.Now().Add(time.Duration(job.AnchorMS) * time.Millisecond),
		}
		lj.entry = g.cron.Schedule(sched, cron.FuncJob(func() { g.fire(job) }))
		lj.scheduled = true
	}
	g.jobs[id] = lj
	if g.logger != nil {
		g.logger.Debug("cron: job registered", "name", job.Name, "id", id, "enabled", job.Enabled)
	}
	return id, nil
}

// fire executes one job with the configured timeout.
func (g *Gateway) fire(job setfarm.CronJob) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if g.run == nil {
		if g.logger != nil {
			g.logger.Info("cron: job fired (no runner)", "name", job.Name, "agent", job.AgentID)
		}
		return
	}
	start := time.Now()
	if err := g.run(ctx, job); err != nil {
		if g.logger != nil {
			g.logger.Error("cron: job failed", "name", job.Name, "error", err)
		}
		return
	}
	if g.logger != nil {
		g.logger.Debug("cron: job ran", "name", job.Name, "duration", time.Since(start))
	}
}

// ListJobs returns the registered jobs sorted by name.
func (g *Gateway) ListJobs(ctx context.Context) ([]setfarm.CronJobRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	refs := make([]setfarm.CronJobRef, 0, len(g.jobs))
	for id, lj := range g.jobs {
		refs = append(refs, setfarm.CronJobRef{ID: id, Name: lj.job.Name})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// DeleteJob unregisters one job. Unknown ids are a no-op.
func (g *Gateway) DeleteJob(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(id)
	return nil
}

// DeleteJobsByPrefix unregisters every job whose name starts with prefix.
func (g *Gateway) DeleteJobsByPrefix(ctx context.Context, prefix string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, lj := range g.jobs {
		if strings.HasPrefix(lj.job.Name, prefix) {
			g.removeLocked(id)
		}
	}
	return nil
}

// removeLocked drops a job from the scheduler and registry. Callers hold mu.
func (g *Gateway) removeLocked(id string) {
	lj, ok := g.jobs[id]
	if !ok {
		return
	}
	if lj.scheduled {
		g.cron.Remove(lj.entry)
	}
	delete(g.jobs, id)
	if g.logger != nil {
		g.logger.Debug("cron: job removed", "name", lj.job.Name, "id", id)
	}
}

// anchoredSchedule fires on the grid anchor + k*interval. Unlike a plain
// every-interval schedule, two jobs with the same interval but different
// anchors never fire at the same instant.
type anchoredSchedule struct {
	interval time.Duration
	anchor   time.Time
}

// Next returns the first grid point strictly after t.
func (s anchoredSchedule) Next(t time.Time) time.Time {
	if s.interval <= 0 {
		return time.Time{}
	}
	if t.Before(s.anchor) {
		return s.anchor
	}
	elapsed := t.Sub(s.anchor)
	return s.anchor.Add(elapsed/s.interval*s.interval + s.interval)
}
