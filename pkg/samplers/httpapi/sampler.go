package httpapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/convergence/pkg/engine"
)

// Sampler reads resource status for one workflow from the status API.
type Sampler struct {
	client     *Client
	workflow   string
	classifier engine.Classifier
}

// NewSampler creates a sampler for workflow. A nil classifier uses engine.DefaultVocabulary.
func NewSampler(client *Client, workflow string, classifier engine.Classifier) *Sampler {
	if classifier == nil {
		classifier = engine.DefaultVocabulary()
	}
	return &Sampler{client: client, workflow: workflow, classifier: classifier}
}

// Sample implements engine.StatusSampler.
func (s *Sampler) Sample(ctx context.Context, r engine.Resource) (engine.Observation, error) {
	doc, err := s.client.GetResource(ctx, s.workflow, r.ID)
	if err != nil {
		return engine.Observation{Status: engine.StatusPending}, err
	}

	obs, err := engine.ObservationFromText(s.classifier, doc.Status)
	if err != nil {
		return obs, engine.NewTransientError("failed to classify status", err).
			WithCode(engine.ErrCodeSampleFailed).
			WithResource(r.ID)
	}
	if doc.Detail != "" {
		obs.Detail = doc.Detail
	}
	return obs, nil
}

// Discoverer lists a workflow's resources from the status API.
type Discoverer struct {
	client *Client
}

// NewDiscoverer creates a discoverer.
func NewDiscoverer(client *Client) *Discoverer {
	return &Discoverer{client: client}
}

// DiscoverResources implements engine.Discoverer.
func (d *Discoverer) DiscoverResources(ctx context.Context, workflow string) ([]engine.Resource, error) {
	docs, err := d.client.ListResources(ctx, workflow)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil, fmt.Errorf("workflow %s not found", workflow)
		}
		return nil, err
	}

	resources := make([]engine.Resource, 0, len(docs))
	for _, doc := range docs {
		kind := doc.Kind
		if kind == "" {
			kind = doc.ID
		}
		resources = append(resources, engine.Resource{
			ID:   doc.ID,
			Kind: engine.ResourceKind(strings.ToLower(kind)),
		})
	}
	return resources, nil
}
