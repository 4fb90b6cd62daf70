package engine

import (
	"context"
	"fmt"
	"strings"
)

// ResourceSet is the fixed list of resources that must all converge for a
// workflow instance to be complete. It is immutable once constructed.
type ResourceSet struct {
	workflow  string
	resources []Resource
	index     map[string]int
}

// NewResourceSet creates a resource set for a workflow instance.
// An empty list, a missing ID, a duplicate ID, or an invalid kind is a configuration error.
func NewResourceSet(workflow string, resources ...Resource) (*ResourceSet, error) {
	if len(resources) == 0 {
		return nil, NewConfigurationError("resource set is empty", nil).
			WithCode(ErrCodeEmptyResourceSet)
	}

	rs := &ResourceSet{
		workflow:  workflow,
		resources: make([]Resource, 0, len(resources)),
		index:     make(map[string]int, len(resources)),
	}

	for _, r := range resources {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return nil, NewConfigurationError("resource id is required", nil)
		}
		if r.Kind == "" {
			r.Kind = ResourceKind(r.ID)
		}
		if err := r.Kind.Validate(); err != nil {
			return nil, NewConfigurationError("invalid resource", err).WithResource(r.ID)
		}
		if _, dup := rs.index[r.ID]; dup {
			return nil, NewConfigurationError("duplicate resource", nil).WithResource(r.ID)
		}
		rs.index[r.ID] = len(rs.resources)
		rs.resources = append(rs.resources, r)
	}

	return rs, nil
}

// NewResourceSetFromKinds creates a set whose resource IDs equal their kinds,
// which is how the portal names its status tags.
func NewResourceSetFromKinds(workflow string, kinds ...ResourceKind) (*ResourceSet, error) {
	resources := make([]Resource, len(kinds))
	for i, k := range kinds {
		resources[i] = Resource{ID: string(k), Kind: k}
	}
	return NewResourceSet(workflow, resources...)
}

// Workflow returns the workflow instance label.
func (rs *ResourceSet) Workflow() string {
	return rs.workflow
}

// Len returns the number of resources.
func (rs *ResourceSet) Len() int {
	return len(rs.resources)
}

// Resources returns a copy of the resources in declaration order.
func (rs *ResourceSet) Resources() []Resource {
	out := make([]Resource, len(rs.resources))
	copy(out, rs.resources)
	return out
}

// Get returns a resource by ID.
func (rs *ResourceSet) Get(id string) (Resource, bool) {
	i, ok := rs.index[id]
	if !ok {
		return Resource{}, false
	}
	return rs.resources[i], true
}

// String returns a compact description for logs.
func (rs *ResourceSet) String() string {
	ids := make([]string, len(rs.resources))
	for i, r := range rs.resources {
		ids[i] = r.ID
	}
	return fmt.Sprintf("%s[%s]", rs.workflow, strings.Join(ids, ","))
}

// ResolveResourceSet builds a resource set from a discoverer. Discovery happens
// once, before polling starts; the resulting identities never change during a poll.
func ResolveResourceSet(ctx context.Context, d Discoverer, workflow string) (*ResourceSet, error) {
	resources, err := d.DiscoverResources(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to discover resources for %s: %w", workflow, err)
	}
	return NewResourceSet(workflow, resources...)
}
