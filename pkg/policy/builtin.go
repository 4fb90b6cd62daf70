package policy

// BuiltinPolicies returns the acceptance policies shipped with converge.
func BuiltinPolicies() []Policy {
	return []Policy{
		requireSuccessPolicy(),
		transientErrorBudgetPolicy(),
		slowConvergencePolicy(),
		staleFinalSamplePolicy(),
	}
}

// requireSuccessPolicy rejects any verification that did not fully converge,
// with one violation per verification listing the failed resources.
func requireSuccessPolicy() Policy {
	return Policy{
		Name:        "require-success",
		Description: "Every resource of the workflow must reach success",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"verdict"},
		Rego: `package converge.policies.success

import rego.v1

deny contains violation if {
	v := input.verification
	v.verdict == "failed"
	violation := {
		"message": sprintf("workflow %s failed: %s", [v.workflow, concat(", ", v.failed)]),
		"details": {"failed": v.failed},
	}
}

deny contains violation if {
	v := input.verification
	v.verdict == "partial-failure"
	violation := {
		"message": sprintf("workflow %s partially failed: %s", [v.workflow, concat(", ", v.failed)]),
		"details": {"failed": v.failed},
	}
}

deny contains violation if {
	v := input.verification
	v.verdict == "timed-out"
	violation := {
		"message": sprintf("workflow %s did not converge within %vs: %s", [v.workflow, v.timeout_seconds, concat(", ", v.unconverged)]),
		"details": {"unconverged": v.unconverged},
	}
}
`,
	}
}

// transientErrorBudgetPolicy warns when the status source was unreliable.
func transientErrorBudgetPolicy() Policy {
	return Policy{
		Name:        "transient-error-budget",
		Description: "Failed samples across the verification stay within data.converge.settings.transient_error_budget",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"reliability"},
		Rego: `package converge.policies.transient

import rego.v1

budget := object.get(data.converge.settings, "transient_error_budget", 10)

deny contains violation if {
	v := input.verification
	v.transient_errors > budget
	violation := {
		"message": sprintf("%d failed samples exceed the budget of %d", [v.transient_errors, budget]),
		"details": {"transient_errors": v.transient_errors, "budget": budget},
	}
}`,
	}
}

// slowConvergencePolicy warns when a success came close to the timeout.
func slowConvergencePolicy() Policy {
	return Policy{
		Name:        "slow-convergence",
		Description: "Successful workflows converge well inside their timeout",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"latency"},
		Rego: `package converge.policies.latency

import rego.v1

ratio := object.get(data.converge.settings, "slow_ratio", 0.8)

deny contains violation if {
	v := input.verification
	v.verdict == "success"
	v.timeout_seconds > 0
	v.elapsed_seconds > ratio * v.timeout_seconds
	violation := {
		"message": sprintf("workflow %s took %vs of its %vs timeout", [v.workflow, v.elapsed_seconds, v.timeout_seconds]),
		"details": {"elapsed_seconds": v.elapsed_seconds, "threshold_seconds": ratio * v.timeout_seconds},
	}
}`,
	}
}

// staleFinalSamplePolicy flags verdicts that relied on a failed final read.
func staleFinalSamplePolicy() Policy {
	return Policy{
		Name:        "stale-final-sample",
		Description: "Resources are read successfully on the final tick",
		Severity:    SeverityInfo,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"reliability"},
		Rego: `package converge.policies.stale

import rego.v1

deny contains violation if {
	some id, r in input.verification.resources
	r.last_error != ""
	violation := {
		"message": sprintf("resource %s was not read on the final tick: %s", [id, r.last_error]),
		"resource": id,
	}
}`,
	}
}
