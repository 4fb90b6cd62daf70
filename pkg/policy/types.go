package policy

import (
	"time"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not reject the verification.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the verification.
	SeverityError Severity = "error"

	// SeverityCritical rejects the verification.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the outcome.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is an acceptance rule written in Rego. The module must define a
// set rule named deny; every element is one violation.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with converge.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	Policy     string                 `json:"policy"`
	Resource   string                 `json:"resource,omitempty"`
	Message    string                 `json:"message"`
	Severity   Severity               `json:"severity"`
	Details    map[string]interface{} `json:"details,omitempty"`
	DetectedAt time.Time              `json:"detected_at"`
}

// Result is the outcome of evaluating all enabled policies against one
// verification.
type Result struct {
	// Accepted is false when any violation is blocking.
	Accepted bool `json:"accepted"`

	// Violations are blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// All returns blocking violations followed by warnings.
func (r *Result) All() []Violation {
	out := make([]Violation, 0, len(r.Violations)+len(r.Warnings))
	out = append(out, r.Violations...)
	return append(out, r.Warnings...)
}

// Input is the document bound to input in Rego.
type Input struct {
	Verification Verification `json:"verification"`
	Context      Context      `json:"context"`
}

// Verification is the Rego view of a WorkflowOutcome. Durations are seconds.
type Verification struct {
	ID                      string                   `json:"id"`
	Workflow                string                   `json:"workflow"`
	Verdict                 string                   `json:"verdict"`
	Ticks                   int                      `json:"ticks"`
	TransientErrors         int                      `json:"transient_errors"`
	ElapsedSeconds          float64                  `json:"elapsed_seconds"`
	TimeoutSeconds          float64                  `json:"timeout_seconds"`
	IntervalSeconds         float64                  `json:"interval_seconds"`
	PartialFailureTolerated bool                     `json:"partial_failure_tolerated"`
	Resources               map[string]ResourceState `json:"resources"`
	Failed                  []string                 `json:"failed"`
	Unconverged             []string                 `json:"unconverged"`
}

// ResourceState is the final observation of one resource.
type ResourceState struct {
	Kind            string `json:"kind"`
	Status          string `json:"status"`
	Detail          string `json:"detail"`
	TransientErrors int    `json:"transient_errors"`
	LastError       string `json:"last_error"`
}

// Context carries caller information available to policies.
type Context struct {
	// Environment is the environment (e.g., "production", "staging").
	Environment string `json:"environment,omitempty"`

	// Source is the status source that was sampled ("http" or "browser").
	Source string `json:"source,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewInput builds the Rego input for a verification outcome.
func NewInput(outcome *engine.WorkflowOutcome, pctx Context) Input {
	resources := make(map[string]ResourceState, len(outcome.Snapshot.Observations))
	kinds := make(map[string]string)
	for _, r := range outcome.Snapshot.Resources() {
		kinds[r.ID] = string(r.Kind)
	}
	for id, obs := range outcome.Snapshot.Observations {
		kind := kinds[id]
		if kind == "" {
			kind = id
		}
		resources[id] = ResourceState{
			Kind:            kind,
			Status:          string(obs.Status),
			Detail:          obs.Detail,
			TransientErrors: obs.TransientErrors,
			LastError:       obs.LastError,
		}
	}

	failed := outcome.Failed()
	if failed == nil {
		failed = []string{}
	}
	unconverged := outcome.Unconverged()
	if unconverged == nil {
		unconverged = []string{}
	}

	return Input{
		Verification: Verification{
			ID:                      outcome.ID,
			Workflow:                outcome.Workflow,
			Verdict:                 string(outcome.Verdict),
			Ticks:                   outcome.Ticks,
			TransientErrors:         outcome.TransientErrors,
			ElapsedSeconds:          outcome.Elapsed.Seconds(),
			TimeoutSeconds:          outcome.Policy.Timeout.Seconds(),
			IntervalSeconds:         outcome.Policy.Interval.Seconds(),
			PartialFailureTolerated: outcome.Policy.PartialFailureTolerated,
			Resources:               resources,
			Failed:                  failed,
			Unconverged:             unconverged,
		},
		Context: pctx,
	}
}

// Settings are thresholds exposed to policies as data.converge.settings.
type Settings struct {
	// SlowRatio flags a success that used more than this share of the timeout.
	SlowRatio float64 `json:"slow_ratio"`

	// TransientErrorBudget is the number of failed samples tolerated per verification.
	TransientErrorBudget int `json:"transient_error_budget"`
}

// DefaultSettings returns the built-in thresholds.
func DefaultSettings() Settings {
	return Settings{SlowRatio: 0.8, TransientErrorBudget: 10}
}
