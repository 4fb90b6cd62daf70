package browser

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/convergence/pkg/engine"
)

// StatusTagSuffix is the data-testid suffix the portal uses for resource status tags.
const StatusTagSuffix = "-status-tag"

// OverallProgressSelector selects the workflow-wide progress indicator.
const OverallProgressSelector = `[data-testid="app-overall-progress"]`

// StatusTagSelector returns the selector of a resource's status tag.
func StatusTagSelector(resourceID string) string {
	return fmt.Sprintf(`[data-testid="%s%s"]`, resourceID, StatusTagSuffix)
}

// StatusTagSampler reads a resource's status from its rendered status tag and
// classifies the text. A tag that is not rendered yet reads as pending.
type StatusTagSampler struct {
	page       Page
	classifier engine.Classifier
	selectors  map[string]string
}

// StatusTagOption configures a StatusTagSampler.
type StatusTagOption func(*StatusTagSampler)

// WithClassifier sets the text classifier. The default is engine.DefaultVocabulary.
func WithClassifier(c engine.Classifier) StatusTagOption {
	return func(s *StatusTagSampler) {
		if c != nil {
			s.classifier = c
		}
	}
}

// WithSelector overrides the selector for one resource ID.
func WithSelector(resourceID, selector string) StatusTagOption {
	return func(s *StatusTagSampler) {
		s.selectors[resourceID] = selector
	}
}

// NewStatusTagSampler creates a sampler over page.
func NewStatusTagSampler(page Page, opts ...StatusTagOption) *StatusTagSampler {
	s := &StatusTagSampler{
		page:       page,
		classifier: engine.DefaultVocabulary(),
		selectors: map[string]string{
			string(engine.KindOverallProgress): OverallProgressSelector,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Selector returns the selector used for a resource.
func (s *StatusTagSampler) Selector(r engine.Resource) string {
	if sel, ok := s.selectors[r.ID]; ok {
		return sel
	}
	return StatusTagSelector(r.ID)
}

// Sample implements engine.StatusSampler.
func (s *StatusTagSampler) Sample(ctx context.Context, r engine.Resource) (engine.Observation, error) {
	selector := s.Selector(r)
	text, found, err := s.page.QueryText(ctx, selector)
	if err != nil {
		if ctx.Err() != nil {
			return engine.Observation{}, ctx.Err()
		}
		return engine.Observation{}, engine.NewTransientError("failed to read status tag", err).
			WithCode(engine.ErrCodeSampleFailed).
			WithResource(r.ID)
	}
	if !found {
		return engine.Observation{Status: engine.StatusPending}, engine.NewNotFoundError(r.ID, nil).
			WithDetail("selector", selector)
	}

	obs, err := engine.ObservationFromText(s.classifier, text)
	if err != nil {
		return obs, engine.NewTransientError("failed to classify status text", err).
			WithCode(engine.ErrCodeSampleFailed).
			WithResource(r.ID)
	}
	return obs, nil
}

// TextContainsSampler reports success once the element matching a selector
// contains a substring, e.g. a services list row reading "Today at".
type TextContainsSampler struct {
	page     Page
	selector string
	needle   string
}

// NewTextContainsSampler creates a sampler that waits for needle to appear in selector's text.
// A "%s" in selector is replaced with the resource ID.
func NewTextContainsSampler(page Page, selector, needle string) *TextContainsSampler {
	return &TextContainsSampler{page: page, selector: selector, needle: needle}
}

// Sample implements engine.StatusSampler.
func (s *TextContainsSampler) Sample(ctx context.Context, r engine.Resource) (engine.Observation, error) {
	selector := s.selector
	if strings.Contains(selector, "%s") {
		selector = fmt.Sprintf(selector, r.ID)
	}

	text, found, err := s.page.QueryText(ctx, selector)
	if err != nil {
		if ctx.Err() != nil {
			return engine.Observation{}, ctx.Err()
		}
		return engine.Observation{}, engine.NewTransientError("failed to read element text", err).
			WithCode(engine.ErrCodeSampleFailed).
			WithResource(r.ID)
	}
	if !found {
		return engine.Observation{Status: engine.StatusPending}, engine.NewNotFoundError(r.ID, nil)
	}
	if strings.Contains(text, s.needle) {
		return engine.Observation{Status: engine.StatusSuccess, Detail: text}, nil
	}
	return engine.Observation{Status: engine.StatusInProgress, Detail: text}, nil
}

// Refresher reloads the page between ticks.
type Refresher struct {
	page Page
}

// NewRefresher creates a refresher for page.
func NewRefresher(page Page) *Refresher {
	return &Refresher{page: page}
}

// Refresh implements engine.Refresher.
func (r *Refresher) Refresh(ctx context.Context) error {
	return r.page.Reload(ctx)
}

// TagDiscoverer finds resources by the status tags rendered on the current page.
type TagDiscoverer struct {
	page Page
}

// NewTagDiscoverer creates a discoverer over page.
func NewTagDiscoverer(page Page) *TagDiscoverer {
	return &TagDiscoverer{page: page}
}

// DiscoverResources implements engine.Discoverer. The workflow is the page
// already opened in the session.
func (d *TagDiscoverer) DiscoverResources(ctx context.Context, workflow string) ([]engine.Resource, error) {
	ids, err := d.page.QueryAttributes(ctx, fmt.Sprintf(`[data-testid$="%s"]`, StatusTagSuffix), "data-testid")
	if err != nil {
		return nil, fmt.Errorf("failed to discover status tags for %s: %w", workflow, err)
	}

	seen := make(map[string]bool, len(ids))
	resources := make([]engine.Resource, 0, len(ids))
	for _, testID := range ids {
		id := strings.TrimSuffix(testID, StatusTagSuffix)
		if id == "" || id == testID || seen[id] {
			continue
		}
		seen[id] = true
		resources = append(resources, engine.Resource{ID: id, Kind: engine.ResourceKind(id)})
	}
	return resources, nil
}
