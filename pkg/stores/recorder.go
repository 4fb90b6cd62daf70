package stores

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Recorder implements engine.Observer and persists every completed
// verification, including a per-tick summary, to a Store.
type Recorder struct {
	store  Store
	logger zerolog.Logger
	source string
	kinds  map[string]string

	mu      sync.Mutex
	pending map[string][]TickRecord
	errors  map[string]int
	saved   []string
	lastErr error
}

var _ engine.Observer = (*Recorder)(nil)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithSource labels recorded verifications with the sampling backend.
func WithSource(source string) RecorderOption {
	return func(r *Recorder) { r.source = source }
}

// WithKind records the catalog kind for a workflow name.
func WithKind(workflow, kind string) RecorderOption {
	return func(r *Recorder) { r.kinds[workflow] = kind }
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store, logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		logger:  logger.With().Str("component", "recorder").Logger(),
		kinds:   make(map[string]string),
		pending: make(map[string][]TickRecord),
		errors:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnTick implements engine.Observer.
func (r *Recorder) OnTick(ctx context.Context, _ string, snapshot *engine.Snapshot, verdict engine.Verdict) {
	id := engine.VerificationID(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending[id] = append(r.pending[id], TickRecord{
		Tick:         snapshot.Tick,
		TakenAt:      snapshot.TakenAt,
		Verdict:      verdict,
		Pending:      snapshot.Count(engine.StatusPending),
		InProgress:   snapshot.Count(engine.StatusInProgress),
		Success:      snapshot.Count(engine.StatusSuccess),
		Failed:       snapshot.Count(engine.StatusFailed),
		SampleErrors: r.errors[id],
	})
	delete(r.errors, id)
}

// OnSampleError implements engine.Observer.
func (r *Recorder) OnSampleError(ctx context.Context, _ string, _ engine.Resource, _ error) {
	id := engine.VerificationID(ctx)
	r.mu.Lock()
	r.errors[id]++
	r.mu.Unlock()
}

// OnRefresh implements engine.Observer.
func (r *Recorder) OnRefresh(context.Context, string, error) {}

// OnComplete implements engine.Observer. The verification is saved even when
// ctx has been cancelled.
func (r *Recorder) OnComplete(ctx context.Context, outcome *engine.WorkflowOutcome) {
	r.mu.Lock()
	history := r.pending[outcome.ID]
	delete(r.pending, outcome.ID)
	delete(r.errors, outcome.ID)
	r.mu.Unlock()

	v := FromOutcome(outcome, r.kinds[outcome.Workflow], r.source)
	v.History = history

	err := r.store.SaveVerification(context.WithoutCancel(ctx), v)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr = err
		r.logger.Error().Err(err).Str("verification_id", outcome.ID).Msg("Failed to record verification")
		return
	}
	r.saved = append(r.saved, outcome.ID)
	r.logger.Debug().
		Str("verification_id", outcome.ID).
		Str("verdict", string(outcome.Verdict)).
		Int("ticks", len(history)).
		Msg("Recorded verification")
}

// OnAbort implements engine.Observer. An aborted poll has no outcome, so
// its buffered ticks are dropped and nothing is saved.
func (r *Recorder) OnAbort(ctx context.Context, workflow string, err error) {
	id := engine.VerificationID(ctx)

	r.mu.Lock()
	ticks := len(r.pending[id])
	delete(r.pending, id)
	delete(r.errors, id)
	r.mu.Unlock()

	r.logger.Debug().
		Err(err).
		Str("verification_id", id).
		Str("workflow", workflow).
		Int("dropped_ticks", ticks).
		Msg("Verification aborted, not recorded")
}

// InFlight returns the number of verifications with buffered ticks.
func (r *Recorder) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Saved returns the IDs of verifications recorded so far.
func (r *Recorder) Saved() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.saved...)
}

// Err returns the most recent save error, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// FromOutcome converts a poller outcome into a Verification without tick history.
func FromOutcome(outcome *engine.WorkflowOutcome, kind, source string) *Verification {
	v := &Verification{
		ID:              outcome.ID,
		Workflow:        outcome.Workflow,
		Kind:            kind,
		Source:          source,
		Verdict:         outcome.Verdict,
		Ticks:           outcome.Ticks,
		TransientErrors: outcome.TransientErrors,
		StartedAt:       outcome.StartedAt,
		Elapsed:         outcome.Elapsed,
		Policy:          outcome.Policy,
	}

	kinds := make(map[string]string)
	for _, res := range outcome.Snapshot.Resources() {
		kinds[res.ID] = string(res.Kind)
	}
	for _, id := range outcome.Snapshot.IDs() {
		obs := outcome.Snapshot.Observations[id]
		v.Observations = append(v.Observations, Observation{
			ResourceID:      id,
			Kind:            kinds[id],
			Status:          obs.Status,
			Detail:          obs.Detail,
			TransientErrors: obs.TransientErrors,
			LastError:       obs.LastError,
		})
	}
	return v
}

// Outcome rebuilds the poller outcome from a fully loaded verification.
func (v *Verification) Outcome() *engine.WorkflowOutcome {
	resources := make([]engine.Resource, 0, len(v.Observations))
	observations := make(map[string]engine.Observation, len(v.Observations))
	for _, o := range v.Observations {
		resources = append(resources, engine.Resource{ID: o.ResourceID, Kind: engine.ResourceKind(o.Kind)})
		observations[o.ResourceID] = engine.Observation{
			Status:          o.Status,
			Detail:          o.Detail,
			TransientErrors: o.TransientErrors,
			LastError:       o.LastError,
		}
	}

	takenAt := v.StartedAt.Add(v.Elapsed)
	if n := len(v.History); n > 0 {
		takenAt = v.History[n-1].TakenAt
	}

	return &engine.WorkflowOutcome{
		ID:              v.ID,
		Workflow:        v.Workflow,
		Verdict:         v.Verdict,
		Snapshot:        engine.NewSnapshot(v.Ticks, takenAt, resources, observations),
		StartedAt:       v.StartedAt,
		Elapsed:         v.Elapsed,
		Ticks:           v.Ticks,
		TransientErrors: v.TransientErrors,
		Policy:          v.Policy,
	}
}
