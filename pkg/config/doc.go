// Package config loads everything converge needs before it can verify a
// workflow.
//
// # Settings
//
// Runtime settings come from converge.yaml (or .toml), CONVERGE_* environment
// variables and CLI flags, in increasing precedence:
//
//	settings, err := config.LoadSettings(config.LoadOptions{ConfigPath: path})
//	policy := settings.PollingPolicy()
//
// # Workflow catalog
//
// Workflow kinds are declared in CUE and checked against WorkflowSchema. The
// built-in catalog ships the portal's workflows; user files are unified with
// it, so they can add workflows but not contradict existing ones:
//
//	workflows: "data-pipeline": {
//	    resources: [{id: "github-repository"}, {id: "infrastructure"}]
//	    policy: timeout: "2m"
//	}
//
// Catalog errors carry file and line positions (see ValidationError).
//
// # Classifier scripts
//
// StarlarkClassifier lets teams map custom status text without recompiling.
// Scripts are sandboxed: no I/O, print is suppressed and each call is bounded
// by an execution step limit.
package config
