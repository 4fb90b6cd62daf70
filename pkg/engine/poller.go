package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Poller repeatedly samples a ResourceSet until the evaluator reaches a terminal
// verdict or the policy timeout expires. A Poller holds only immutable
// collaborators and may serve concurrent calls on different resource sets.
type Poller struct {
	sampler   StatusSampler
	refresher Refresher
	clock     Clock
	logger    zerolog.Logger
	observer  Observer
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithRefresher sets the collaborator invoked between ticks when the policy asks for refreshes.
func WithRefresher(r Refresher) PollerOption {
	return func(p *Poller) {
		if r != nil {
			p.refresher = r
		}
	}
}

// WithClock sets the clock used for timing and sleeping.
func WithClock(c Clock) PollerOption {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger.With().Str("component", "poller").Logger()
	}
}

// WithObserver registers progress callbacks. Multiple observers are called in order.
func WithObserver(o Observer) PollerOption {
	return func(p *Poller) {
		if o == nil {
			return
		}
		if _, nop := p.observer.(NopObserver); nop {
			p.observer = o
			return
		}
		p.observer = MultiObserver{p.observer, o}
	}
}

// NewPoller creates a poller that reads resource status through sampler.
func NewPoller(sampler StatusSampler, opts ...PollerOption) *Poller {
	p := &Poller{
		sampler:   sampler,
		refresher: NoopRefresher{},
		clock:     SystemClock{},
		logger:    log.With().Str("component", "poller").Logger(),
		observer:  NopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// sampleResult holds one resource's sample for the current tick.
type sampleResult struct {
	obs Observation
	err error
}

// sampleBatch collects the samples of one tick. Samples that return after the
// tick stopped waiting are dropped.
type sampleBatch struct {
	mu      sync.Mutex
	closed  bool
	results []sampleResult
	filled  []bool
}

func newSampleBatch(n int) *sampleBatch {
	return &sampleBatch{results: make([]sampleResult, n), filled: make([]bool, n)}
}

func (b *sampleBatch) put(i int, res sampleResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.results[i] = res
	b.filled[i] = true
}

// close stops accepting samples and returns what arrived in time.
func (b *sampleBatch) close() ([]sampleResult, []bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.results, b.filled
}

// pollState is owned by a single WaitForConvergence call.
type pollState struct {
	id        string
	set       *ResourceSet
	policy    PollingPolicy
	logger    zerolog.Logger
	streaks   []int
	transient int

	// deadline bounds every sample and refresh: Timeout plus one Interval
	// after the poll started.
	deadline time.Time
}

type verificationIDKey struct{}

// VerificationID returns the ID of the verification ctx belongs to. Observers
// and samplers receive contexts carrying it.
func VerificationID(ctx context.Context) string {
	id, _ := ctx.Value(verificationIDKey{}).(string)
	return id
}

// WaitForConvergence samples every resource in set once per tick until the
// verdict is terminal or policy.Timeout has elapsed.
//
// Configuration errors are returned before the first sample. Cancellation of
// ctx aborts the poll with a cancelled-class error and observers receive
// OnAbort instead of OnComplete. A timeout is not an error: it is reported as
// VerdictTimedOut. Samples still running at Timeout plus one Interval are
// abandoned and recorded as transient errors, so Elapsed never exceeds that
// bound.
func (p *Poller) WaitForConvergence(ctx context.Context, set *ResourceSet, policy PollingPolicy) (WorkflowOutcome, error) {
	if p.sampler == nil {
		return WorkflowOutcome{}, NewConfigurationError("status sampler is required", nil)
	}
	if set == nil || set.Len() == 0 {
		return WorkflowOutcome{}, NewConfigurationError("resource set is empty", nil).
			WithCode(ErrCodeEmptyResourceSet)
	}

	eff, raised, err := policy.Normalize()
	if err != nil {
		return WorkflowOutcome{}, err
	}

	st := &pollState{
		id:      uuid.New().String(),
		set:     set,
		policy:  eff,
		streaks: make([]int, set.Len()),
	}
	ctx = context.WithValue(ctx, verificationIDKey{}, st.id)
	st.logger = p.logger.With().
		Str("verification_id", st.id).
		Str("workflow", set.Workflow()).
		Logger()

	if raised {
		st.logger.Debug().
			Dur("requested", policy.Interval).
			Dur("effective", eff.Interval).
			Msg("Interval raised to minimum")
	}

	st.logger.Info().
		Int("resources", set.Len()).
		Dur("interval", eff.Interval).
		Dur("timeout", eff.Timeout).
		Bool("refresh", eff.RefreshBetweenSamples).
		Msg("Waiting for convergence")

	start := p.clock.Now()
	st.deadline = start.Add(eff.Timeout + eff.Interval)
	interval := eff.Interval

	for tick := 1; ; tick++ {
		snapshot, err := p.takeSnapshot(ctx, st, tick)
		if err != nil {
			return WorkflowOutcome{}, p.abort(ctx, st, "sample", err)
		}

		verdict := Evaluate(&snapshot, eff.Tolerance())
		p.observer.OnTick(ctx, set.Workflow(), &snapshot, verdict)

		elapsed := snapshot.TakenAt.Sub(start)
		st.logger.Debug().
			Int("tick", tick).
			Str("verdict", string(verdict)).
			Int("success", snapshot.Count(StatusSuccess)).
			Int("failed", snapshot.Count(StatusFailed)).
			Dur("elapsed", elapsed).
			Msg("Tick evaluated")

		if verdict.IsTerminal() {
			return p.finish(ctx, st, verdict, snapshot, start, elapsed, tick), nil
		}
		if elapsed >= eff.Timeout || eff.SingleAttempt() {
			return p.finish(ctx, st, VerdictTimedOut, snapshot, start, elapsed, tick), nil
		}

		if eff.RefreshBetweenSamples {
			p.refresh(ctx, st)
			if ctx.Err() != nil {
				return WorkflowOutcome{}, p.abort(ctx, st, "refresh", ctx.Err())
			}
		}

		remaining := eff.Timeout - p.clock.Now().Sub(start)
		if remaining < 0 {
			remaining = 0
		}
		pause := interval
		if remaining < pause {
			pause = remaining
		}
		if err := p.clock.Sleep(ctx, pause); err != nil {
			return WorkflowOutcome{}, p.abort(ctx, st, "sleep", err)
		}

		interval = eff.nextInterval(interval)
	}
}

// takeSnapshot samples every resource and assembles the snapshot once every
// sample has returned or the poll deadline has passed, whichever comes first.
// It fails only when ctx is done.
func (p *Poller) takeSnapshot(ctx context.Context, st *pollState, tick int) (Snapshot, error) {
	resources := st.set.Resources()
	batch := newSampleBatch(len(resources))

	sctx, cancel := p.clock.WithDeadline(ctx, st.deadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.sampleAll(sctx, st, resources, batch)
	}()

	select {
	case <-done:
	case <-sctx.Done():
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	results, filled := batch.close()

	snapshot := Snapshot{
		Tick:         tick,
		Observations: make(map[string]Observation, len(resources)),
		resources:    resources,
	}
	for i, r := range resources {
		res := results[i]
		if !filled[i] {
			res = sampleResult{err: NewTransientError("sample did not return before the poll deadline", context.DeadlineExceeded).
				WithCode(ErrCodeSampleFailed).
				WithResource(r.ID)}
		}
		snapshot.Observations[r.ID] = p.record(ctx, st, i, r, res)
	}

	// The poll stops waiting at the deadline.
	snapshot.TakenAt = p.clock.Now()
	if snapshot.TakenAt.After(st.deadline) {
		snapshot.TakenAt = st.deadline
	}
	return snapshot, nil
}

// sampleAll samples resources into batch, sequentially or with bounded
// concurrency, until ctx is done.
func (p *Poller) sampleAll(ctx context.Context, st *pollState, resources []Resource, batch *sampleBatch) {
	if st.policy.MaxConcurrentSamples <= 1 {
		for i, r := range resources {
			if ctx.Err() != nil {
				return
			}
			obs, err := p.sampler.Sample(ctx, r)
			batch.put(i, sampleResult{obs: obs, err: err})
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(st.policy.MaxConcurrentSamples)
	for i, r := range resources {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			obs, err := p.sampler.Sample(ctx, r)
			batch.put(i, sampleResult{obs: obs, err: err})
			return nil
		})
	}
	_ = g.Wait()
}

// record turns a raw sample result into the observation stored in the snapshot.
func (p *Poller) record(ctx context.Context, st *pollState, i int, r Resource, res sampleResult) Observation {
	err := res.err
	if err == nil {
		if verr := res.obs.Status.Validate(); verr != nil {
			err = NewTransientError("sampler returned an invalid status", verr).
				WithCode(ErrCodeSampleFailed).
				WithResource(r.ID)
		}
	}

	if err == nil {
		st.streaks[i] = 0
		return Observation{Status: res.obs.Status, Detail: res.obs.Detail}
	}

	if IsNotFound(err) {
		st.streaks[i] = 0
		return Observation{Status: StatusPending, Detail: res.obs.Detail}
	}

	st.streaks[i]++
	st.transient++
	streak := st.streaks[i]
	p.observer.OnSampleError(ctx, st.set.Workflow(), r, err)

	threshold := st.policy.TransientWarnThreshold
	if streak >= threshold && (streak-threshold)%threshold == 0 {
		st.logger.Warn().
			Err(err).
			Str("resource_id", r.ID).
			Int("consecutive_errors", streak).
			Msg("Resource keeps failing to sample")
	} else {
		st.logger.Debug().
			Err(err).
			Str("resource_id", r.ID).
			Int("consecutive_errors", streak).
			Msg("Sample failed")
	}

	return Observation{
		Status:          StatusPending,
		Detail:          res.obs.Detail,
		TransientErrors: streak,
		LastError:       err.Error(),
	}
}

func (p *Poller) refresh(ctx context.Context, st *pollState) {
	rctx, cancel := p.clock.WithDeadline(ctx, st.deadline)
	err := p.refresher.Refresh(rctx)
	cancel()
	p.observer.OnRefresh(ctx, st.set.Workflow(), err)
	if err != nil && ctx.Err() == nil {
		st.logger.Warn().
			Err(NewTransientError("refresh failed", err).WithCode(ErrCodeRefreshFailed)).
			Msg("Refresh failed, continuing to poll")
	}
}

// abort ends a cancelled poll and lets observers release its state.
func (p *Poller) abort(ctx context.Context, st *pollState, op string, err error) error {
	cerr := NewCancelledError(op, err)
	st.logger.Info().Str("during", op).Msg("Convergence poll cancelled")
	p.observer.OnAbort(ctx, st.set.Workflow(), cerr)
	return cerr
}

func (p *Poller) finish(
	ctx context.Context,
	st *pollState,
	verdict Verdict,
	snapshot Snapshot,
	start time.Time,
	elapsed time.Duration,
	ticks int,
) WorkflowOutcome {
	outcome := WorkflowOutcome{
		ID:              st.id,
		Workflow:        st.set.Workflow(),
		Verdict:         verdict,
		Snapshot:        snapshot.clone(),
		StartedAt:       start,
		Elapsed:         elapsed,
		Ticks:           ticks,
		TransientErrors: st.transient,
		Policy:          st.policy,
	}

	event := st.logger.Info()
	if !verdict.IsSuccess() {
		event = st.logger.Warn().Strs("failed", outcome.Failed()).Strs("unconverged", outcome.Unconverged())
	}
	event.
		Str("verdict", string(verdict)).
		Int("ticks", ticks).
		Dur("elapsed", elapsed).
		Msg("Convergence poll finished")

	p.observer.OnComplete(ctx, &outcome)
	return outcome
}
