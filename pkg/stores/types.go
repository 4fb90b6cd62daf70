package stores

import (
	"context"
	"time"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Verification is one recorded readiness verification.
type Verification struct {
	ID              string               `json:"id"`
	Workflow        string               `json:"workflow"`
	Kind            string               `json:"kind,omitempty"`   // catalog workflow kind
	Source          string               `json:"source,omitempty"` // http or browser
	Verdict         engine.Verdict       `json:"verdict"`
	Ticks           int                  `json:"ticks"`
	TransientErrors int                  `json:"transient_errors"`
	StartedAt       time.Time            `json:"started_at"`
	Elapsed         time.Duration        `json:"elapsed"`
	Policy          engine.PollingPolicy `json:"policy"`
	Accepted        *bool                `json:"accepted,omitempty"` // nil until policies are evaluated
	CreatedAt       time.Time            `json:"created_at"`

	// Populated by GetVerification only.
	Observations []Observation `json:"observations,omitempty"`
	History      []TickRecord  `json:"history,omitempty"`
	Violations   []Violation   `json:"violations,omitempty"`
}

// Observation is the final status of one resource.
type Observation struct {
	ResourceID      string        `json:"resource_id"`
	Kind            string        `json:"kind"`
	Status          engine.Status `json:"status"`
	Detail          string        `json:"detail,omitempty"`
	TransientErrors int           `json:"transient_errors,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
}

// TickRecord summarises one snapshot.
type TickRecord struct {
	Tick         int            `json:"tick"`
	TakenAt      time.Time      `json:"taken_at"`
	Verdict      engine.Verdict `json:"verdict"`
	Pending      int            `json:"pending"`
	InProgress   int            `json:"in_progress"`
	Success      int            `json:"success"`
	Failed       int            `json:"failed"`
	SampleErrors int            `json:"sample_errors"`
}

// Violation is a persisted policy violation.
type Violation struct {
	ID             int64     `json:"id"`
	VerificationID string    `json:"verification_id"`
	Policy         string    `json:"policy"`
	ResourceID     string    `json:"resource_id,omitempty"`
	Severity       string    `json:"severity"`
	Message        string    `json:"message"`
	Details        *string   `json:"details,omitempty"` // JSON blob
	DetectedAt     time.Time `json:"detected_at"`
}

// ListFilter narrows ListVerifications. Zero fields match everything.
type ListFilter struct {
	Workflow string
	Verdict  engine.Verdict
	Since    time.Time
	Limit    int
	Offset   int
}

// WorkflowStats aggregates verifications of one workflow.
type WorkflowStats struct {
	Workflow        string        `json:"workflow"`
	Total           int           `json:"total"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	PartialFailures int           `json:"partial_failures"`
	TimedOut        int           `json:"timed_out"`
	AvgElapsed      time.Duration `json:"avg_elapsed"`
	MaxElapsed      time.Duration `json:"max_elapsed"`
	LastStartedAt   time.Time     `json:"last_started_at"`
}

// SuccessRate returns the share of successful verifications.
func (ws WorkflowStats) SuccessRate() float64 {
	if ws.Total == 0 {
		return 0
	}
	return float64(ws.Succeeded) / float64(ws.Total)
}

// Store defines the interface for verification history.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Verifications
	SaveVerification(ctx context.Context, v *Verification) error
	GetVerification(ctx context.Context, id string) (*Verification, error)
	ListVerifications(ctx context.Context, filter ListFilter) ([]*Verification, error)
	DeleteVerificationsBefore(ctx context.Context, before time.Time) (int64, error)

	// Policy results
	SaveViolations(ctx context.Context, verificationID string, accepted bool, violations []Violation) error
	ListViolations(ctx context.Context, verificationID string) ([]Violation, error)

	// Reporting
	Stats(ctx context.Context, since time.Time) ([]WorkflowStats, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
