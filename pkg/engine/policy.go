package engine

import (
	"fmt"
	"time"
)

// MinInterval is the smallest sampling interval the poller honours.
const MinInterval = 50 * time.Millisecond

// Policy defaults.
const (
	DefaultInterval               = 2 * time.Second
	DefaultTimeout                = 60 * time.Second
	DefaultTransientWarnThreshold = 3
)

// FailureTolerance controls how the evaluator treats a failed resource.
type FailureTolerance int

const (
	// FailuresFatal makes any failed resource produce VerdictFailed.
	FailuresFatal FailureTolerance = iota

	// FailuresTolerated makes a failed resource produce VerdictPartialFailure.
	FailuresTolerated
)

// String returns the tolerance name.
func (t FailureTolerance) String() string {
	if t == FailuresTolerated {
		return "tolerated"
	}
	return "fatal"
}

// PollingPolicy configures one call to WaitForConvergence.
type PollingPolicy struct {
	// Interval is the pause between ticks.
	Interval time.Duration `json:"interval"`

	// Timeout bounds the whole poll.
	Timeout time.Duration `json:"timeout"`

	// RefreshBetweenSamples invokes the refresher before each pause.
	RefreshBetweenSamples bool `json:"refresh_between_samples,omitempty"`

	// PartialFailureTolerated reports a failed resource as partial failure.
	PartialFailureTolerated bool `json:"partial_failure_tolerated,omitempty"`

	// TransientWarnThreshold is the streak of failed samples on one resource
	// that triggers a warning. Zero means DefaultTransientWarnThreshold.
	TransientWarnThreshold int `json:"transient_warn_threshold,omitempty"`

	// MaxConcurrentSamples bounds parallel sampling within a tick. Zero or one
	// samples sequentially.
	MaxConcurrentSamples int `json:"max_concurrent_samples,omitempty"`

	// BackoffFactor multiplies the interval after every non-terminal tick.
	// Values below 1 disable backoff.
	BackoffFactor float64 `json:"backoff_factor,omitempty"`

	// MaxInterval caps the interval grown by backoff. Zero means no cap.
	MaxInterval time.Duration `json:"max_interval,omitempty"`
}

// DefaultPollingPolicy returns a new policy with the default interval and timeout.
func DefaultPollingPolicy() PollingPolicy {
	return PollingPolicy{
		Interval:               DefaultInterval,
		Timeout:                DefaultTimeout,
		TransientWarnThreshold: DefaultTransientWarnThreshold,
		MaxConcurrentSamples:   1,
		BackoffFactor:          1,
	}
}

// Tolerance returns the failure tolerance the evaluator should apply.
func (p PollingPolicy) Tolerance() FailureTolerance {
	if p.PartialFailureTolerated {
		return FailuresTolerated
	}
	return FailuresFatal
}

// Validate checks the policy for values that cannot be normalized.
func (p PollingPolicy) Validate() error {
	if p.Interval <= 0 {
		return NewConfigurationError(fmt.Sprintf("interval must be positive, got %s", p.Interval), nil).
			WithCode(ErrCodeInvalidPolicy)
	}
	if p.Timeout <= 0 {
		return NewConfigurationError(fmt.Sprintf("timeout must be positive, got %s", p.Timeout), nil).
			WithCode(ErrCodeInvalidPolicy)
	}
	if p.TransientWarnThreshold < 0 {
		return NewConfigurationError("transient warn threshold must not be negative", nil).
			WithCode(ErrCodeInvalidPolicy)
	}
	if p.MaxConcurrentSamples < 0 {
		return NewConfigurationError("max concurrent samples must not be negative", nil).
			WithCode(ErrCodeInvalidPolicy)
	}
	if p.MaxInterval < 0 {
		return NewConfigurationError("max interval must not be negative", nil).
			WithCode(ErrCodeInvalidPolicy)
	}
	return nil
}

// Normalize validates the policy and returns the effective policy the poller runs with.
// The second return value reports whether the interval was raised to MinInterval.
func (p PollingPolicy) Normalize() (PollingPolicy, bool, error) {
	if err := p.Validate(); err != nil {
		return p, false, err
	}

	raised := false
	if p.Interval < MinInterval {
		p.Interval = MinInterval
		raised = true
	}
	if p.TransientWarnThreshold == 0 {
		p.TransientWarnThreshold = DefaultTransientWarnThreshold
	}
	if p.MaxConcurrentSamples == 0 {
		p.MaxConcurrentSamples = 1
	}
	if !(p.BackoffFactor >= 1) {
		p.BackoffFactor = 1
	}
	if p.MaxInterval > 0 && p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	return p, raised, nil
}

// SingleAttempt reports whether the timeout is shorter than one interval,
// in which case only one sample is taken.
func (p PollingPolicy) SingleAttempt() bool {
	return p.Timeout < p.Interval
}

// nextInterval applies backoff to the current interval.
func (p PollingPolicy) nextInterval(current time.Duration) time.Duration {
	if p.BackoffFactor <= 1 {
		return current
	}
	next := time.Duration(float64(current) * p.BackoffFactor)
	if p.MaxInterval > 0 && next > p.MaxInterval {
		next = p.MaxInterval
	}
	if next < current {
		// overflow
		return current
	}
	return next
}
