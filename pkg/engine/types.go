package engine

import (
	"sort"
	"time"
)

// Resource represents one independently provisioned sub-system whose readiness is observed.
type Resource struct {
	// ID is the identifier of the resource within its workflow instance.
	ID string `json:"id"`

	// Kind is the sub-system the resource belongs to (e.g., "proxy").
	Kind ResourceKind `json:"kind"`
}

// Observation is the status of one resource as seen on one polling tick.
type Observation struct {
	// Status is the semantic status reported for the resource.
	Status Status `json:"status"`

	// Detail is optional free text from the backend (rendered tag text, API message).
	Detail string `json:"detail,omitempty"`

	// TransientErrors is the number of consecutive ticks on which sampling failed.
	// It is zero whenever the latest sample succeeded.
	TransientErrors int `json:"transient_errors,omitempty"`

	// LastError is the message of the sampling error on this tick, if any.
	LastError string `json:"last_error,omitempty"`
}

// Sampled reports whether the observation came from a successful read.
func (o Observation) Sampled() bool {
	return o.LastError == ""
}

// Snapshot is one time-coherent read of every resource in a ResourceSet.
type Snapshot struct {
	// Tick is the 1-based polling tick that produced this snapshot.
	Tick int `json:"tick"`

	// TakenAt is when assembly of the snapshot completed.
	TakenAt time.Time `json:"taken_at"`

	// Observations maps resource ID to its observation. It holds exactly one
	// entry per resource in the set that was polled.
	Observations map[string]Observation `json:"observations"`

	resources []Resource
}

// NewSnapshot assembles a snapshot from recorded observations, e.g. when
// rebuilding an outcome from history. Resources fix the report order.
func NewSnapshot(tick int, takenAt time.Time, resources []Resource, observations map[string]Observation) Snapshot {
	res := make([]Resource, len(resources))
	copy(res, resources)
	return Snapshot{
		Tick:         tick,
		TakenAt:      takenAt,
		Observations: observations,
		resources:    res,
	}
}

// Resources returns the resources covered by the snapshot in set order.
func (s *Snapshot) Resources() []Resource {
	out := make([]Resource, len(s.resources))
	copy(out, s.resources)
	return out
}

// Status returns the status recorded for a resource ID.
func (s *Snapshot) Status(resourceID string) (Status, bool) {
	obs, ok := s.Observations[resourceID]
	return obs.Status, ok
}

// Count returns how many resources are in the given status.
func (s *Snapshot) Count(status Status) int {
	n := 0
	for _, obs := range s.Observations {
		if obs.Status == status {
			n++
		}
	}
	return n
}

// IDs returns the resource IDs in the snapshot, sorted.
func (s *Snapshot) IDs() []string {
	ids := make([]string, 0, len(s.Observations))
	for id := range s.Observations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// clone returns a deep copy so that returned outcomes cannot alias poller state.
func (s *Snapshot) clone() Snapshot {
	obs := make(map[string]Observation, len(s.Observations))
	for id, o := range s.Observations {
		obs[id] = o
	}
	res := make([]Resource, len(s.resources))
	copy(res, s.resources)
	return Snapshot{
		Tick:         s.Tick,
		TakenAt:      s.TakenAt,
		Observations: obs,
		resources:    res,
	}
}

// WorkflowOutcome is the final result of one convergence poll.
type WorkflowOutcome struct {
	// ID uniquely identifies this verification.
	ID string `json:"id"`

	// Workflow is the caller-supplied workflow instance label.
	Workflow string `json:"workflow,omitempty"`

	// Verdict is the aggregate decision.
	Verdict Verdict `json:"verdict"`

	// Snapshot is the latest snapshot taken before returning.
	Snapshot Snapshot `json:"snapshot"`

	// StartedAt is when polling started.
	StartedAt time.Time `json:"started_at"`

	// Elapsed is the time from start to the final snapshot.
	Elapsed time.Duration `json:"elapsed"`

	// Ticks is the number of snapshots taken.
	Ticks int `json:"ticks"`

	// TransientErrors is the total number of failed samples across all ticks.
	TransientErrors int `json:"transient_errors"`

	// Policy is the effective policy the poll ran under.
	Policy PollingPolicy `json:"policy"`
}

// Failed returns the resources whose latest status is failed, sorted by ID.
func (o *WorkflowOutcome) Failed() []string {
	return o.resourcesIn(StatusFailed)
}

// Unconverged returns the resources that are neither success nor failed, sorted by ID.
func (o *WorkflowOutcome) Unconverged() []string {
	var ids []string
	for _, id := range o.Snapshot.IDs() {
		if o.Snapshot.Observations[id].Status.IsActive() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (o *WorkflowOutcome) resourcesIn(status Status) []string {
	var ids []string
	for _, id := range o.Snapshot.IDs() {
		if o.Snapshot.Observations[id].Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}
