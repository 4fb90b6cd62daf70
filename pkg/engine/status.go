package engine

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Status represents the semantic status of a single resource as reported by its backend.
type Status string

const (
	// StatusPending indicates the resource has not started converging or is not yet visible.
	StatusPending Status = "pending"

	// StatusInProgress indicates the backend reports the resource as being provisioned.
	StatusInProgress Status = "in-progress"

	// StatusSuccess indicates the backend reports the resource as ready.
	StatusSuccess Status = "success"

	// StatusFailed indicates the backend reports the resource as decisively failed.
	StatusFailed Status = "failed"
)

// IsTerminal returns true if the status will not change without a backend regression.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// IsActive returns true if the resource is still converging.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusInProgress
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusInProgress, StatusSuccess, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// Verdict represents the aggregate decision about a workflow instance.
type Verdict string

const (
	// VerdictPending indicates at least one resource is still converging and none failed.
	VerdictPending Verdict = "pending"

	// VerdictSuccess indicates every resource reported success.
	VerdictSuccess Verdict = "success"

	// VerdictPartialFailure indicates a resource failed while failures were tolerated.
	VerdictPartialFailure Verdict = "partial-failure"

	// VerdictFailed indicates at least one resource failed.
	VerdictFailed Verdict = "failed"

	// VerdictTimedOut indicates the polling deadline passed before a terminal verdict.
	VerdictTimedOut Verdict = "timed-out"
)

// IsTerminal returns true if polling may stop on this verdict.
// A timed-out verdict is final but is produced by the poller, not the evaluator.
func (v Verdict) IsTerminal() bool {
	return v == VerdictSuccess || v == VerdictPartialFailure || v == VerdictFailed
}

// IsSuccess returns true only for a fully converged workflow.
func (v Verdict) IsSuccess() bool {
	return v == VerdictSuccess
}

// Validate checks if the verdict is valid.
func (v Verdict) Validate() error {
	switch v {
	case VerdictPending, VerdictSuccess, VerdictPartialFailure, VerdictFailed, VerdictTimedOut:
		return nil
	default:
		return fmt.Errorf("invalid verdict: %s", v)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (v Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(v))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*v = Verdict(str)
	return v.Validate()
}

// ResourceKind identifies the sub-system a resource belongs to.
// The set is open: any kebab-case identifier is accepted.
type ResourceKind string

const (
	KindGitHubRepository ResourceKind = "github-repository"
	KindProxy            ResourceKind = "proxy"
	KindInfrastructure   ResourceKind = "infrastructure"
	KindConfig           ResourceKind = "config"
	KindNetworking       ResourceKind = "networking"
	KindDashboards       ResourceKind = "dashboards"
	KindOverallProgress  ResourceKind = "overall-progress"
	KindServiceListing   ResourceKind = "service-listing"
)

// Validate checks that the kind is a non-empty kebab-case identifier.
func (k ResourceKind) Validate() error {
	if k == "" {
		return fmt.Errorf("resource kind is required")
	}
	for i, r := range k {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '-' && i > 0 && i < len(k)-1:
		default:
			return fmt.Errorf("invalid resource kind: %q (must be kebab-case)", string(k))
		}
	}
	return nil
}
