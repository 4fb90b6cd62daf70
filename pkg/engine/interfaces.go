package engine

import (
	"context"
)

// StatusSampler reads the current status of one resource.
// A sampler must not block past ctx cancellation. Errors are treated as
// transient unless they wrap context cancellation.
type StatusSampler interface {
	// Sample returns the resource's current observation.
	Sample(ctx context.Context, resource Resource) (Observation, error)
}

// SamplerFunc adapts a plain function to the StatusSampler interface.
type SamplerFunc func(ctx context.Context, resource Resource) (Observation, error)

// Sample implements StatusSampler.
func (f SamplerFunc) Sample(ctx context.Context, resource Resource) (Observation, error) {
	return f(ctx, resource)
}

// Refresher re-fetches the view that a sampler reads from, for backends whose
// view does not update on its own (e.g., a page that needs reloading).
type Refresher interface {
	// Refresh reloads the view. Errors are logged and polling continues.
	Refresh(ctx context.Context) error
}

// RefresherFunc adapts a plain function to the Refresher interface.
type RefresherFunc func(ctx context.Context) error

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context) error {
	return f(ctx)
}

// NoopRefresher is used for backends that update by themselves.
type NoopRefresher struct{}

// Refresh implements Refresher.
func (NoopRefresher) Refresh(context.Context) error { return nil }

// Discoverer enumerates the resources a workflow instance owns.
type Discoverer interface {
	// DiscoverResources lists the resources of a workflow instance.
	DiscoverResources(ctx context.Context, workflow string) ([]Resource, error)
}

// DiscovererFunc adapts a plain function to the Discoverer interface.
type DiscovererFunc func(ctx context.Context, workflow string) ([]Resource, error)

// DiscoverResources implements Discoverer.
func (f DiscovererFunc) DiscoverResources(ctx context.Context, workflow string) ([]Resource, error) {
	return f(ctx, workflow)
}

// Observer receives progress callbacks from the poller. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	// OnTick is called after every snapshot with the verdict derived from it.
	OnTick(ctx context.Context, workflow string, snapshot *Snapshot, verdict Verdict)

	// OnSampleError is called when a sampler returns a non-cancellation error.
	OnSampleError(ctx context.Context, workflow string, resource Resource, err error)

	// OnRefresh is called after every refresh attempt.
	OnRefresh(ctx context.Context, workflow string, err error)

	// OnComplete is called once with the final outcome.
	OnComplete(ctx context.Context, outcome *WorkflowOutcome)

	// OnAbort is called instead of OnComplete when ctx is cancelled before
	// the poll reaches a verdict.
	OnAbort(ctx context.Context, workflow string, err error)
}

// NopObserver ignores all callbacks.
type NopObserver struct{}

func (NopObserver) OnTick(context.Context, string, *Snapshot, Verdict) {}
func (NopObserver) OnSampleError(context.Context, string, Resource, error) {}
func (NopObserver) OnRefresh(context.Context, string, error) {}
func (NopObserver) OnComplete(context.Context, *WorkflowOutcome) {}
func (NopObserver) OnAbort(context.Context, string, error) {}

// MultiObserver fans callbacks out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnTick(ctx context.Context, workflow string, snapshot *Snapshot, verdict Verdict) {
	for _, o := range m {
		o.OnTick(ctx, workflow, snapshot, verdict)
	}
}

func (m MultiObserver) OnSampleError(ctx context.Context, workflow string, resource Resource, err error) {
	for _, o := range m {
		o.OnSampleError(ctx, workflow, resource, err)
	}
}

func (m MultiObserver) OnRefresh(ctx context.Context, workflow string, err error) {
	for _, o := range m {
		o.OnRefresh(ctx, workflow, err)
	}
}

func (m MultiObserver) OnComplete(ctx context.Context, outcome *WorkflowOutcome) {
	for _, o := range m {
		o.OnComplete(ctx, outcome)
	}
}

func (m MultiObserver) OnAbort(ctx context.Context, workflow string, err error) {
	for _, o := range m {
		o.OnAbort(ctx, workflow, err)
	}
}
