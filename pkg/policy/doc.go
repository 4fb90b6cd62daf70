// Package policy evaluates Open Policy Agent (OPA) acceptance policies against
// verification outcomes.
//
// A verification can converge and still be unacceptable: it may have burned
// through its error budget or only just beaten the timeout. Policies express
// those rules in Rego. Each policy module defines a deny set; every element is
// a violation, either a string or an object:
//
//	package team.policies.dashboards
//
//	import rego.v1
//
//	# Dashboards must be provisioned by the template, not by hand.
//	# severity: error
//	deny contains violation if {
//	    r := input.verification.resources.dashboards
//	    not startswith(r.detail, "template")
//	    violation := {"message": "dashboards were not created from the template", "resource": "dashboards"}
//	}
//
// # Input
//
// input.verification holds the outcome: id, workflow, verdict, ticks,
// transient_errors, elapsed_seconds, timeout_seconds, failed, unconverged and
// resources (keyed by resource ID, each with kind, status, detail,
// transient_errors and last_error). input.context holds the environment and
// source.
//
// # Data
//
// data.converge.settings exposes thresholds (slow_ratio,
// transient_error_budget) that built-in and user policies can share.
//
// # Built-in Policies
//
//   - require-success (error): the verdict must be success
//   - transient-error-budget (warning): failed samples stay within budget
//   - slow-convergence (warning): success used less than slow_ratio of the timeout
//   - stale-final-sample (info): every resource was read on the final tick
//
// Violations of error or critical severity reject the outcome; lower
// severities are reported as warnings.
package policy
