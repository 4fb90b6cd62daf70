package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Observer implements engine.Observer. It counts metrics, publishes events
// for status transitions, regressions and sample error streaks, and emits
// one span per verification with an event per tick.
type Observer struct {
	tracer  *Tracer
	metrics *Metrics
	events  *EventPublisher

	// streakThreshold matches the poller's TransientWarnThreshold.
	streakThreshold int

	mu    sync.Mutex
	polls map[string]*pollTrace
}

type pollTrace struct {
	workflow string
	last     map[string]engine.Status
	ticks    []tickRecord
}

type tickRecord struct {
	at      time.Time
	tick    int
	verdict engine.Verdict
	success int
	failed  int
}

var _ engine.Observer = (*Observer)(nil)

// NewObserver creates an observer. Nil components are skipped.
func NewObserver(tracer *Tracer, metrics *Metrics, events *EventPublisher) *Observer {
	return &Observer{
		tracer:  tracer,
		metrics: metrics,
		events:  events,
		polls:   make(map[string]*pollTrace),

		streakThreshold: engine.DefaultTransientWarnThreshold,
	}
}

// SetStreakThreshold sets how many consecutive sample errors publish a
// streak event. It should match the policy's TransientWarnThreshold.
func (o *Observer) SetStreakThreshold(n int) {
	if n > 0 {
		o.streakThreshold = n
	}
}

// OnTick implements engine.Observer.
func (o *Observer) OnTick(ctx context.Context, workflow string, snapshot *engine.Snapshot, verdict engine.Verdict) {
	id := engine.VerificationID(ctx)

	o.mu.Lock()
	pt, seen := o.polls[id]
	if !seen {
		pt = &pollTrace{workflow: workflow, last: make(map[string]engine.Status)}
		o.polls[id] = pt
	}
	pt.ticks = append(pt.ticks, tickRecord{
		at:      snapshot.TakenAt,
		tick:    snapshot.Tick,
		verdict: verdict,
		success: snapshot.Count(engine.StatusSuccess),
		failed:  snapshot.Count(engine.StatusFailed),
	})

	type change struct {
		id       string
		from, to engine.Status
	}
	type streak struct {
		id      string
		count   int
		lastErr string
	}
	var changes []change
	var streaks []streak
	for _, rid := range snapshot.IDs() {
		obs := snapshot.Observations[rid]
		prev, ok := pt.last[rid]
		if !ok {
			prev = engine.StatusPending
		}
		if obs.Status != prev {
			changes = append(changes, change{rid, prev, obs.Status})
		}
		pt.last[rid] = obs.Status

		n, threshold := obs.TransientErrors, o.streakThreshold
		if n >= threshold && (n-threshold)%threshold == 0 {
			streaks = append(streaks, streak{rid, n, obs.LastError})
		}
	}
	o.mu.Unlock()

	if !seen {
		if o.metrics != nil {
			o.metrics.RecordVerificationStarted(workflow)
		}
		if o.events != nil {
			_ = o.events.PublishVerificationStarted(id, workflow, len(snapshot.Observations))
		}
	}

	if o.metrics != nil {
		for _, status := range []engine.Status{engine.StatusPending, engine.StatusInProgress, engine.StatusSuccess, engine.StatusFailed} {
			o.metrics.SetResourceCount(workflow, string(status), snapshot.Count(status))
		}
	}
	if o.events != nil {
		for _, c := range changes {
			_ = o.events.PublishResourceStatusChanged(id, workflow, c.id, string(c.from), string(c.to))
			if c.from == engine.StatusSuccess {
				_ = o.events.PublishResourceRegressed(id, workflow, c.id, string(c.to), snapshot.Tick)
			}
		}
		for _, s := range streaks {
			_ = o.events.PublishSampleErrorStreak(id, workflow, s.id, s.count, s.lastErr)
		}
	}
}

// OnSampleError implements engine.Observer.
func (o *Observer) OnSampleError(ctx context.Context, workflow string, resource engine.Resource, err error) {
	if o.metrics != nil {
		o.metrics.RecordSampleError(workflow, string(resource.Kind), errorClass(err))
	}
	if o.events != nil {
		_ = o.events.PublishSampleError(workflow, resource.ID, err)
	}
}

// OnRefresh implements engine.Observer.
func (o *Observer) OnRefresh(ctx context.Context, workflow string, err error) {
	if o.metrics != nil {
		o.metrics.RecordRefresh(workflow, err)
	}
}

// OnComplete implements engine.Observer.
func (o *Observer) OnComplete(ctx context.Context, outcome *engine.WorkflowOutcome) {
	o.mu.Lock()
	pt := o.polls[outcome.ID]
	delete(o.polls, outcome.ID)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordVerificationCompleted(outcome.Workflow, string(outcome.Verdict), outcome.Elapsed, outcome.Ticks)
	}
	if o.events != nil {
		_ = o.events.PublishVerificationCompleted(outcome.ID, outcome.Workflow, string(outcome.Verdict), outcome.Elapsed, outcome.Ticks)
	}
	if o.tracer != nil {
		o.emitSpan(ctx, outcome, pt)
	}
}

// OnAbort implements engine.Observer. The buffered ticks are dropped and no
// span is emitted.
func (o *Observer) OnAbort(ctx context.Context, workflow string, err error) {
	id := engine.VerificationID(ctx)

	o.mu.Lock()
	_, seen := o.polls[id]
	delete(o.polls, id)
	o.mu.Unlock()

	if !seen {
		return
	}
	if o.metrics != nil {
		o.metrics.RecordVerificationAborted()
	}
	if o.events != nil {
		_ = o.events.PublishVerificationAborted(id, workflow, err)
	}
}

// InFlight returns the number of verifications still being traced.
func (o *Observer) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.polls)
}

func (o *Observer) emitSpan(ctx context.Context, outcome *engine.WorkflowOutcome, pt *pollTrace) {
	_, span := o.tracer.StartVerificationSpan(ctx, outcome.ID, outcome.Workflow, outcome.StartedAt)

	if pt != nil {
		for _, t := range pt.ticks {
			span.AddEvent("tick", trace.WithTimestamp(t.at), trace.WithAttributes(
				AttrTick.Int(t.tick),
				AttrVerdict.String(string(t.verdict)),
				attribute.Int("resources.success", t.success),
				attribute.Int("resources.failed", t.failed),
			))
		}
	}

	span.SetAttributes(
		AttrVerdict.String(string(outcome.Verdict)),
		AttrTicks.Int(outcome.Ticks),
		attribute.Int("verification.transient_errors", outcome.TransientErrors),
		attribute.StringSlice("verification.failed", outcome.Failed()),
		attribute.StringSlice("verification.unconverged", outcome.Unconverged()),
	)
	if outcome.Verdict.IsSuccess() {
		RecordSuccess(span)
	} else {
		span.SetStatus(codes.Error, string(outcome.Verdict))
	}
	span.End(trace.WithTimestamp(outcome.StartedAt.Add(outcome.Elapsed)))
}

func errorClass(err error) string {
	switch {
	case engine.IsThrottled(err):
		return "throttled"
	case engine.IsTransient(err):
		return "transient"
	case engine.IsPermanent(err):
		return "permanent"
	case engine.IsCancelled(err):
		return "cancelled"
	default:
		return "unknown"
	}
}
