package observer

import (
	"context"
	"time"

	"github.com/setfarm/setfarm"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedStore wraps a setfarm.Store with OTEL instrumentation on the claim
// protocol hot path. All other Store methods pass through unchanged.
type ObservedStore struct {
	setfarm.Store
	inst *Instruments
}

// WrapStore returns an instrumented store that emits traces, metrics, and
// logs for claims, completions, failures, and medic passes.
func WrapStore(inner setfarm.Store, inst *Instruments) *ObservedStore {
	return &ObservedStore{Store: inner, inst: inst}
}

var _ setfarm.Store = (*ObservedStore)(nil)

func (o *ObservedStore) ClaimNextForRole(ctx context.Context, role string, now int64) (*setfarm.Claim, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "store.claim", trace.WithAttributes(
		AttrRole.String(role),
	))
	defer span.End()
	start := time.Now()

	claim, err := o.Store.ClaimNextForRole(ctx, role, now)

	durationMs := float64(time.Since(start).Microseconds()) / 1000
	kind := "none"
	status := "ok"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case claim == nil:
		// No claimable work; recorded so idle polling stays visible.
	case claim.StoryID != "":
		kind = "story"
		span.SetAttributes(AttrRunID.String(claim.RunID), AttrStoryID.String(claim.StoryID))
	default:
		kind = "step"
		span.SetAttributes(AttrRunID.String(claim.RunID), AttrStepID.String(claim.StepID))
	}
	span.SetAttributes(AttrUnitKind.String(kind))

	o.inst.Claims.Add(ctx, 1, metric.WithAttributes(
		AttrRole.String(role),
		AttrUnitKind.String(kind),
		AttrStatus.String(status),
	))
	o.inst.ClaimDuration.Record(ctx, durationMs, metric.WithAttributes(AttrRole.String(role)))

	if claim != nil {
		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("work unit claimed"))
		rec.AddAttributes(
			otellog.String("agent.role", role),
			otellog.String("unit.kind", kind),
			otellog.String("run.id", claim.RunID),
			otellog.Float64("duration_ms", durationMs),
		)
		o.inst.Logger.Emit(ctx, rec)
	}
	return claim, err
}

func (o *ObservedStore) CompleteStep(ctx context.Context, stepID, output string, now int64) (*setfarm.Step, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "store.complete", trace.WithAttributes(
		AttrUnitKind.String("step"),
		AttrStepID.String(stepID),
	))
	defer span.End()
	start := time.Now()

	step, err := o.Store.CompleteStep(ctx, stepID, output, now)

	o.recordCompletion(ctx, span, "step", time.Since(start), err)
	return step, err
}

func (o *ObservedStore) CompleteStory(ctx context.Context, storyID, output string, needsVerify bool, verifyInput string, now int64) (*setfarm.Story, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "store.complete", trace.WithAttributes(
		AttrUnitKind.String("story"),
		AttrStoryID.String(storyID),
	))
	defer span.End()
	start := time.Now()

	story, err := o.Store.CompleteStory(ctx, storyID, output, needsVerify, verifyInput, now)

	o.recordCompletion(ctx, span, "story", time.Since(start), err)
	return story, err
}

func (o *ObservedStore) recordCompletion(ctx context.Context, span trace.Span, kind string, elapsed time.Duration, err error) {
	durationMs := float64(elapsed.Microseconds()) / 1000
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	o.inst.Completions.Add(ctx, 1, metric.WithAttributes(
		AttrUnitKind.String(kind),
		AttrStatus.String(status),
	))
	o.inst.CompleteDuration.Record(ctx, durationMs, metric.WithAttributes(AttrUnitKind.String(kind)))
}

func (o *ObservedStore) FailStep(ctx context.Context, stepID, reason string, now int64) (*setfarm.Step, error) {
	step, err := o.Store.FailStep(ctx, stepID, reason, now)
	o.recordFailure(ctx, "step", err)
	return step, err
}

func (o *ObservedStore) FailStory(ctx context.Context, storyID, reason string, now int64) (*setfarm.Story, error) {
	story, err := o.Store.FailStory(ctx, storyID, reason, now)
	o.recordFailure(ctx, "story", err)
	return story, err
}

func (o *ObservedStore) recordFailure(ctx context.Context, kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.inst.Failures.Add(ctx, 1, metric.WithAttributes(
		AttrUnitKind.String(kind),
		AttrStatus.String(status),
	))
}

func (o *ObservedStore) InsertMedicCheck(ctx context.Context, check *setfarm.MedicCheck) error {
	err := o.Store.InsertMedicCheck(ctx, check)
	if err != nil || check == nil {
		return err
	}
	for _, f := range check.Findings {
		attrs := metric.WithAttributes(
			AttrMedicCheck.String(f.Check),
			AttrSeverity.String(string(f.Severity)),
		)
		o.inst.MedicFindings.Add(ctx, 1, attrs)
		if f.Remediated {
			o.inst.MedicRemediations.Add(ctx, 1, attrs)
		}
	}
	if check.IssuesFound > 0 {
		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityWarn)
		rec.SetBody(otellog.StringValue("medic pass found issues"))
		rec.AddAttributes(
			otellog.Int("issues_found", check.IssuesFound),
			otellog.Int("actions_taken", check.ActionsTaken),
			otellog.String("summary", check.Summary),
		)
		o.inst.Logger.Emit(ctx, rec)
	}
	return nil
}
