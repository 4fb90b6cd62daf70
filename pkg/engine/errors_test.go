package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestEngineError_Predicates(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		transient     bool
		retryable     bool
		cancelled     bool
		notFound      bool
		permanent     bool
		configuration bool
	}{
		{name: "transient", err: NewTransientError("timeout", nil), transient: true, retryable: true},
		{name: "throttled", err: NewThrottledError("slow down", nil), retryable: true},
		{name: "not found", err: NewNotFoundError("proxy", nil), transient: true, retryable: true, notFound: true},
		{name: "config", err: NewConfigurationError("bad", nil), permanent: true, configuration: true},
		{name: "cancelled", err: NewCancelledError("sleep", context.Canceled), cancelled: true},
		{name: "raw context error", err: context.DeadlineExceeded, cancelled: true},
		{name: "wrapped", err: fmt.Errorf("outer: %w", NewTransientError("inner", nil)), transient: true, retryable: true},
		{name: "plain", err: errors.New("plain")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v", got)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v", got)
			}
			if got := IsCancelled(tt.err); got != tt.cancelled {
				t.Errorf("IsCancelled = %v", got)
			}
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound = %v", got)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent = %v", got)
			}
			if got := IsConfiguration(tt.err); got != tt.configuration {
				t.Errorf("IsConfiguration = %v", got)
			}
		})
	}
}

func TestEngineError_Message(t *testing.T) {
	err := NewTransientError("sample failed", errors.New("element not rendered")).
		WithResource("proxy").
		WithOperation("sample").
		WithDetail("tick", 3)

	msg := err.Error()
	for _, want := range []string{"[transient]", "resource=proxy", "operation=sample", "element not rendered"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
	if err.Details["tick"] != 3 {
		t.Errorf("Details = %v", err.Details)
	}
}

func TestEngineError_Is(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewConfigurationError("empty", nil).WithCode(ErrCodeEmptyResourceSet))
	if !errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeEmptyResourceSet}) {
		t.Error("errors.Is should match on class and code")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidPolicy}) {
		t.Error("errors.Is should not match a different code")
	}
}

func TestWorkflowOutcome_Report(t *testing.T) {
	outcome := WorkflowOutcome{
		Workflow: "checkout",
		Verdict:  VerdictTimedOut,
		Elapsed:  10 * time.Second,
		Ticks:    11,
		Snapshot: Snapshot{
			Observations: map[string]Observation{
				"proxy":          {Status: StatusSuccess, Detail: "Success"},
				"infrastructure": {Status: StatusPending, TransientErrors: 2, LastError: "503"},
			},
			resources: []Resource{{ID: "proxy", Kind: KindProxy}, {ID: "infrastructure", Kind: KindInfrastructure}},
		},
		TransientErrors: 2,
	}

	report := outcome.Report()
	for _, want := range []string{`workflow "checkout": timed-out after 10s (11 ticks, 2 transient sample errors)`, "infrastructure", "error x2: 503"} {
		if !strings.Contains(report, want) {
			t.Errorf("Report() missing %q:\n%s", want, report)
		}
	}
	if strings.Index(report, "proxy") > strings.Index(report, "infrastructure") {
		t.Error("report should list resources in set order")
	}
}
