package local

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/setfarm/setfarm"
)

func TestAnchoredSchedule_Next(t *testing.T) {
	anchor := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := anchoredSchedule{interval: 5 * time.Minute, anchor: anchor}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before anchor", anchor.Add(-time.Hour), anchor},
		{"exactly at anchor", anchor, anchor.Add(5 * time.Minute)},
		{"mid interval", anchor.Add(2 * time.Minute), anchor.Add(5 * time.Minute)},
		{"exactly on grid point", anchor.Add(10 * time.Minute), anchor.Add(15 * time.Minute)},
		{"just past grid point", anchor.Add(10*time.Minute + time.Second), anchor.Add(15 * time.Minute)},
		{"far future", anchor.Add(100*time.Minute + 30*time.Second), anchor.Add(105 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Next(tt.now)
			if !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", tt.now, got, tt.want)
			}
			if !got.After(tt.now) {
				t.Errorf("Next(%v) = %v is not strictly after now", tt.now, got)
			}
		})
	}
}

func TestAnchoredSchedule_StaggeredAnchorsNeverCollide(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	interval := 5 * time.Minute
	a := anchoredSchedule{interval: interval, anchor: base}
	b := anchoredSchedule{interval: interval, anchor: base.Add(40 * time.Second)}

	now := base.Add(time.Hour)
	for i := 0; i < 20; i++ {
		na, nb := a.Next(now), b.Next(now)
		if na.Equal(nb) {
			t.Fatalf("schedules collided at %v", na)
		}
		if nb.Sub(na) != 40*time.Second && na.Sub(nb) != interval-40*time.Second {
			t.Fatalf("unexpected offset between %v and %v", na, nb)
		}
		now = now.Add(interval)
	}
}

func TestGateway_CreateAndListJobs(t *testing.T) {
	g := New(nil)

	id1, err := g.CreateJob(context.Background(), setfarm.CronJob{
		Name:       "setfarm/wf/coder",
		IntervalMS: 300000,
		AgentID:    "coder",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected non-empty job id")
	}

	// Disabled jobs register but never schedule.
	_, err = g.CreateJob(context.Background(), setfarm.CronJob{
		Name:       "setfarm/wf/reviewer",
		IntervalMS: 300000,
		AgentID:    "reviewer",
	})
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}

	refs, err := g.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs returned error: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(refs))
	}
	// Sorted by name.
	if refs[0].Name != "setfarm/wf/coder" || refs[1].Name != "setfarm/wf/reviewer" {
		t.Errorf("unexpected order: %q, %q", refs[0].Name, refs[1].Name)
	}
}

func TestGateway_CreateJob_RejectsBadInterval(t *testing.T) {
	g := New(nil)

	_, err := g.CreateJob(context.Background(), setfarm.CronJob{Name: "setfarm/wf/coder"})
	if err == nil {
		t.Fatal("expected error for zero interval")
	}
	if !setfarm.IsKind(err, setfarm.KindBadInput) {
		t.Errorf("expected KindBadInput, got %v", setfarm.KindOf(err))
	}
}

func TestGateway_DeleteJob(t *testing.T) {
	g := New(nil)

	id, err := g.CreateJob(context.Background(), setfarm.CronJob{
		Name:       "setfarm/wf/coder",
		IntervalMS: 60000,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("CreateJob returned error: %v", err)
	}

	if err := g.DeleteJob(context.Background(), id); err != nil {
		t.Fatalf("DeleteJob returned error: %v", err)
	}
	refs, _ := g.ListJobs(context.Background())
	if len(refs) != 0 {
		t.Fatalf("expected 0 jobs after delete, got %d", len(refs))
	}

	// Unknown ids are a no-op.
	if err := g.DeleteJob(context.Background(), "no-such-job"); err != nil {
		t.Fatalf("expected nil for unknown id, got %v", err)
	}
}

func TestGateway_DeleteJobsByPrefix(t *testing.T) {
	g := New(nil)
	ctx := context.Background()

	for _, name := range []string{"setfarm/wf-a/coder", "setfarm/wf-a/reviewer", "setfarm/wf-b/coder"} {
		if _, err := g.CreateJob(ctx, setfarm.CronJob{Name: name, IntervalMS: 60000}); err != nil {
			t.Fatalf("CreateJob(%s) returned error: %v", name, err)
		}
	}

	if err := g.DeleteJobsByPrefix(ctx, "setfarm/wf-a/"); err != nil {
		t.Fatalf("DeleteJobsByPrefix returned error: %v", err)
	}

	refs, _ := g.ListJobs(ctx)
	if len(refs) != 1 {
		t.Fatalf("expected 1 job left, got %d", len(refs))
	}
	if refs[0].Name != "setfarm/wf-b/coder" {
		t.Errorf("expected setfarm/wf-b/coder to survive, got %q", refs[0].Name)
	}
}

func TestGateway_FiresRunner(t *testing.T) {
	fired := make(chan setfarm.CronJob, 1)
	g := New(func(ctx context.Context, job setfarm.CronJob) error {
		select {
		case fired <- job:
		default:
		}
		return nil
	})

	// Fire directly instead of waiting a full scheduler interval.
	g.fire(setfarm.CronJob{Name: "setfarm/wf/coder", AgentID: "coder", Payload: "wake up"})

	select {
	case job := <-fired:
		if job.AgentID != "coder" {
			t.Errorf("expected agent coder, got %q", job.AgentID)
		}
		if job.Payload != "wake up" {
			t.Errorf("expected payload to pass through, got %q", job.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("runner was not invoked")
	}
}

func TestCommandRunner(t *testing.T) {
	run := CommandRunner("sh", "-c", "cat >/dev/null")

	err := run(context.Background(), setfarm.CronJob{
		Name:    "setfarm/wf/coder",
		AgentID: "coder",
		Payload: "claim your step",
	})
	if err != nil {
		t.Fatalf("CommandRunner returned error: %v", err)
	}
}

func TestCommandRunner_FailureIncludesOutput(t *testing.T) {
	run := CommandRunner("sh", "-c", "echo boom >&2; exit 3")

	err := run(context.Background(), setfarm.CronJob{Name: "setfarm/wf/coder"})
	if err == nil {
		t.Fatal("expected error for failing command")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected command output in error, got %v", err)
	}
}
