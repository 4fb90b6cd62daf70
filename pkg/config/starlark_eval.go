package config

import (
	"fmt"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/convergence/pkg/engine"
)

// maxClassifySteps bounds a single classify() call.
const maxClassifySteps = 100000

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: "converge/" + name,
		// print is a no-op inside scripts
		Print: func(*starlark.Thread, string) {},
	}
}

// predeclared extends the Starlark universe (range, enumerate, zip, ...) with struct.
func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
}

// StarlarkClassifier is an engine.Classifier backed by a Starlark script
// defining classify(text). The function returns a status name ("pending",
// "in-progress", "success", "failed") or None for pending. VOCABULARY is
// predeclared as the default term table, keyed by lower-cased text.
//
//	def classify(text):
//	    if text.startswith("Provisioned"):
//	        return "success"
//	    return VOCABULARY.get(text.lower(), "pending")
type StarlarkClassifier struct {
	mu       sync.Mutex
	classify starlark.Callable
	calls    int
}

var _ engine.Classifier = (*StarlarkClassifier)(nil)

// NewStarlarkClassifier compiles a classifier script.
func NewStarlarkClassifier(script string) (*StarlarkClassifier, error) {
	env := predeclared()
	terms := engine.DefaultVocabulary().Terms()
	vocab := starlark.NewDict(len(terms))
	for term, status := range terms {
		_ = vocab.SetKey(starlark.String(term), starlark.String(status))
	}
	vocab.Freeze()
	env["VOCABULARY"] = vocab

	thread := newThread("classifier-init")
	thread.SetMaxExecutionSteps(maxClassifySteps)
	globals, err := starlark.ExecFile(thread, "classifier.star", script, env)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to load classifier script", err)
	}
	globals.Freeze()

	fn, ok := globals["classify"].(starlark.Callable)
	if !ok {
		return nil, engine.NewConfigurationError("classifier script must define classify(text)", nil)
	}
	return &StarlarkClassifier{classify: fn}, nil
}

// Classify implements engine.Classifier.
func (sc *StarlarkClassifier) Classify(raw string) (engine.Status, error) {
	sc.mu.Lock()
	sc.calls++
	thread := newThread(fmt.Sprintf("classify-%d", sc.calls))
	sc.mu.Unlock()
	thread.SetMaxExecutionSteps(maxClassifySteps)

	v, err := starlark.Call(thread, sc.classify, starlark.Tuple{starlark.String(strings.TrimSpace(raw))}, nil)
	if err != nil {
		return engine.StatusPending, fmt.Errorf("classify(%q): %w", raw, err)
	}

	switch out := v.(type) {
	case starlark.NoneType:
		return engine.StatusPending, nil
	case starlark.String:
		status := engine.Status(out)
		if err := status.Validate(); err != nil {
			return engine.StatusPending, fmt.Errorf("classify(%q): %w", raw, err)
		}
		return status, nil
	default:
		return engine.StatusPending, fmt.Errorf("classify(%q) returned %s, want string", raw, v.Type())
	}
}
