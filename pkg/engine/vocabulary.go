package engine

import (
	"strings"
)

// Classifier maps the raw text a status source renders to a semantic Status.
type Classifier interface {
	// Classify returns the status for raw text. Text the classifier does not
	// recognise must map to StatusPending rather than an error.
	Classify(raw string) (Status, error)
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(raw string) (Status, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(raw string) (Status, error) {
	return f(raw)
}

// Vocabulary is a case-insensitive lookup table from rendered text to Status.
type Vocabulary struct {
	terms map[string]Status
}

// NewVocabulary creates a vocabulary from a term table.
// Terms are matched after trimming whitespace and lower-casing.
func NewVocabulary(terms map[string]Status) *Vocabulary {
	v := &Vocabulary{terms: make(map[string]Status, len(terms))}
	for term, status := range terms {
		v.terms[normalizeTerm(term)] = status
	}
	return v
}

// DefaultVocabulary returns the status tags rendered by the developer portal.
func DefaultVocabulary() *Vocabulary {
	return NewVocabulary(map[string]Status{
		"":            StatusPending,
		"pending":     StatusPending,
		"not started": StatusPending,
		"queued":      StatusPending,
		"unknown":     StatusPending,
		"in-progress": StatusInProgress,
		"in progress": StatusInProgress,
		"creating":    StatusInProgress,
		"running":     StatusInProgress,
		"requested":   StatusInProgress,
		"success":     StatusSuccess,
		"created":     StatusSuccess,
		"complete":    StatusSuccess,
		"completed":   StatusSuccess,
		"failed":      StatusFailed,
		"failure":     StatusFailed,
		"error":       StatusFailed,
	})
}

// With returns a copy of the vocabulary extended with additional terms.
func (v *Vocabulary) With(terms map[string]Status) *Vocabulary {
	merged := make(map[string]Status, len(v.terms)+len(terms))
	for term, status := range v.terms {
		merged[term] = status
	}
	for term, status := range terms {
		merged[normalizeTerm(term)] = status
	}
	return &Vocabulary{terms: merged}
}

// Lookup returns the status for raw text and whether the term is known.
func (v *Vocabulary) Lookup(raw string) (Status, bool) {
	status, ok := v.terms[normalizeTerm(raw)]
	return status, ok
}

// Terms returns a copy of the normalized term table.
func (v *Vocabulary) Terms() map[string]Status {
	out := make(map[string]Status, len(v.terms))
	for term, status := range v.terms {
		out[term] = status
	}
	return out
}

// Classify implements Classifier. Unknown text is reported as pending.
func (v *Vocabulary) Classify(raw string) (Status, error) {
	if status, ok := v.Lookup(raw); ok {
		return status, nil
	}
	return StatusPending, nil
}

// ObservationFromText classifies raw text and keeps it as the observation detail.
func ObservationFromText(c Classifier, raw string) (Observation, error) {
	if c == nil {
		c = DefaultVocabulary()
	}
	status, err := c.Classify(raw)
	if err != nil {
		return Observation{Status: StatusPending, Detail: strings.TrimSpace(raw)}, err
	}
	if err := status.Validate(); err != nil {
		return Observation{Status: StatusPending, Detail: strings.TrimSpace(raw)}, err
	}
	return Observation{Status: status, Detail: strings.TrimSpace(raw)}, nil
}

func normalizeTerm(term string) string {
	return strings.ToLower(strings.Join(strings.Fields(term), " "))
}
