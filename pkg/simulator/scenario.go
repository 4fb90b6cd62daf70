// Package simulator serves a scripted status backend for demos and tests.
//
// A scenario describes, per workflow and resource, how the reported status
// evolves over time since the workflow started, when the backend answers with
// HTTP 503, and how long the resource stays invisible (HTTP 404). The server
// exposes the same API the httpapi sampler reads, plus an HTML page with the
// status tags the browser sampler reads.
package simulator

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Scenario is the full simulator script.
type Scenario struct {
	Workflows map[string]*WorkflowScript `yaml:"workflows"`
}

// WorkflowScript scripts the resources of one workflow.
type WorkflowScript struct {
	// Listed adds the workflow to the services list page after this offset.
	Listed *time.Duration `yaml:"listed,omitempty"`

	Resources []*ResourceScript `yaml:"resources"`
}

// ResourceScript scripts one resource.
type ResourceScript struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind,omitempty"`

	// HiddenUntil keeps the resource invisible (404) until this offset.
	HiddenUntil time.Duration `yaml:"hidden_until,omitempty"`

	// Timeline lists status text changes. Before the first step the status is "Pending".
	Timeline []Step `yaml:"timeline"`

	// Unavailable lists windows during which the backend answers 503.
	Unavailable []Window `yaml:"unavailable,omitempty"`
}

// Step sets the reported status text from an offset onwards.
type Step struct {
	After  time.Duration `yaml:"after"`
	Status string        `yaml:"status"`
	Detail string        `yaml:"detail,omitempty"`
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Duration `yaml:"from"`
	To   time.Duration `yaml:"to"`
}

// Contains reports whether offset falls inside the window.
func (w Window) Contains(offset time.Duration) bool {
	return offset >= w.From && offset < w.To
}

// ResourceState is what the backend reports for a resource at a given offset.
type ResourceState struct {
	Visible     bool
	Unavailable bool
	Status      string
	Detail      string
}

// StateAt evaluates the script at offset since the workflow started.
func (r *ResourceScript) StateAt(offset time.Duration) ResourceState {
	if offset < r.HiddenUntil {
		return ResourceState{}
	}

	for _, w := range r.Unavailable {
		if w.Contains(offset) {
			return ResourceState{Visible: true, Unavailable: true}
		}
	}

	state := ResourceState{Visible: true, Status: "Pending"}
	for _, step := range r.Timeline {
		if offset >= step.After {
			state.Status = step.Status
			state.Detail = step.Detail
		}
	}
	return state
}

// ResourceKind returns the kind, defaulting to the ID.
func (r *ResourceScript) ResourceKind() string {
	if r.Kind != "" {
		return r.Kind
	}
	return r.ID
}

// Validate checks the scenario for structural errors.
func (s *Scenario) Validate() error {
	if len(s.Workflows) == 0 {
		return fmt.Errorf("scenario defines no workflows")
	}

	for name, wf := range s.Workflows {
		if wf == nil || len(wf.Resources) == 0 {
			return fmt.Errorf("workflow %s: no resources", name)
		}
		seen := make(map[string]bool, len(wf.Resources))
		for i, r := range wf.Resources {
			if r == nil {
				return fmt.Errorf("workflow %s: resource %d is empty", name, i)
			}
			if r.ID == "" {
				return fmt.Errorf("workflow %s: resource without id", name)
			}
			if seen[r.ID] {
				return fmt.Errorf("workflow %s: duplicate resource %s", name, r.ID)
			}
			seen[r.ID] = true

			if err := engine.ResourceKind(r.ResourceKind()).Validate(); err != nil {
				return fmt.Errorf("workflow %s: resource %s: %w", name, r.ID, err)
			}
			if !sort.SliceIsSorted(r.Timeline, func(i, j int) bool { return r.Timeline[i].After < r.Timeline[j].After }) {
				return fmt.Errorf("workflow %s: resource %s: timeline steps must be in order", name, r.ID)
			}
			for _, w := range r.Unavailable {
				if w.To <= w.From {
					return fmt.Errorf("workflow %s: resource %s: empty unavailable window", name, r.ID)
				}
			}
		}
	}
	return nil
}

// WorkflowNames returns the scripted workflow names, sorted.
func (s *Scenario) WorkflowNames() []string {
	names := make([]string, 0, len(s.Workflows))
	for name := range s.Workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseScenario decodes and validates a YAML scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	return ParseScenario(data)
}
