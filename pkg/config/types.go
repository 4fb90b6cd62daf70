package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/convergence/pkg/engine"
)

// WorkflowSpec describes one kind of workflow: the resources it provisions and
// how long to wait for them.
type WorkflowSpec struct {
	// Name is the catalog key (e.g., "microservice").
	Name string `json:"-"`

	// Description is a human-readable summary.
	Description string `json:"description,omitempty"`

	// Page is the portal path showing the workflow's status tags. "{name}" is
	// replaced by the workflow instance name.
	Page string `json:"page,omitempty"`

	// Discover lists resources from the backend instead of Resources.
	Discover bool `json:"discover,omitempty"`

	// Resources are the resources whose readiness is verified.
	Resources []ResourceSpec `json:"resources" validate:"dive"`

	// Policy overrides the default polling policy.
	Policy PolicySpec `json:"policy,omitempty"`
}

// ResourceSpec describes one resource of a workflow.
type ResourceSpec struct {
	// ID is the resource identifier, also its status tag prefix.
	ID string `json:"id" validate:"required"`

	// Kind defaults to ID.
	Kind string `json:"kind,omitempty"`

	// Selector overrides the element holding the resource's status.
	Selector string `json:"selector,omitempty"`

	// Contains switches to text matching: the resource is ready once the
	// element's text contains this string.
	Contains string `json:"contains,omitempty"`
}

// PolicySpec holds polling overrides. Durations use Go syntax ("2s").
type PolicySpec struct {
	Interval                string `json:"interval,omitempty"`
	Timeout                 string `json:"timeout,omitempty"`
	RefreshBetweenSamples   bool   `json:"refreshBetweenSamples,omitempty"`
	PartialFailureTolerated bool   `json:"partialFailureTolerated,omitempty"`
	MaxConcurrentSamples    int    `json:"maxConcurrentSamples,omitempty" validate:"gte=0"`
}

// ValidationError represents a catalog error with its source position.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (ve ValidationError) Error() string {
	var b strings.Builder
	if ve.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: ", ve.File, ve.Line, ve.Column)
	}
	if ve.Path != "" {
		fmt.Fprintf(&b, "%s: ", ve.Path)
	}
	b.WriteString(ve.Message)
	return b.String()
}

// PageFor returns the portal path for a workflow instance.
func (w WorkflowSpec) PageFor(instance string) string {
	page := w.Page
	if page == "" {
		page = "/workflows/{name}"
	}
	return strings.ReplaceAll(page, "{name}", instance)
}

// ResourceSet builds the resource set for a workflow instance.
func (w WorkflowSpec) ResourceSet(instance string) (*engine.ResourceSet, error) {
	resources := make([]engine.Resource, 0, len(w.Resources))
	for _, r := range w.Resources {
		resources = append(resources, engine.Resource{ID: r.ID, Kind: engine.ResourceKind(r.Kind)})
	}
	return engine.NewResourceSet(instance, resources...)
}

// ApplyPolicy overlays the workflow's overrides onto base.
func (w WorkflowSpec) ApplyPolicy(base engine.PollingPolicy) (engine.PollingPolicy, error) {
	p := base
	if w.Policy.Interval != "" {
		d, err := time.ParseDuration(w.Policy.Interval)
		if err != nil {
			return base, engine.NewConfigurationError(fmt.Sprintf("workflow %s: invalid interval", w.Name), err).
				WithCode(engine.ErrCodeInvalidPolicy)
		}
		p.Interval = d
	}
	if w.Policy.Timeout != "" {
		d, err := time.ParseDuration(w.Policy.Timeout)
		if err != nil {
			return base, engine.NewConfigurationError(fmt.Sprintf("workflow %s: invalid timeout", w.Name), err).
				WithCode(engine.ErrCodeInvalidPolicy)
		}
		p.Timeout = d
	}
	if w.Policy.RefreshBetweenSamples {
		p.RefreshBetweenSamples = true
	}
	if w.Policy.PartialFailureTolerated {
		p.PartialFailureTolerated = true
	}
	if w.Policy.MaxConcurrentSamples > 0 {
		p.MaxConcurrentSamples = w.Policy.MaxConcurrentSamples
	}
	return p, p.Validate()
}
