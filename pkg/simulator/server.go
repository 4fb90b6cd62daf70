package simulator

import (
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/samplers/httpapi"
)

// Server serves a scenario over HTTP. Each workflow's clock starts when the
// server starts or when the workflow is reset.
type Server struct {
	mu       sync.RWMutex
	scenario *Scenario
	started  map[string]time.Time
	clock    engine.Clock
	logger   zerolog.Logger
	router   chi.Router
}

// NewServer creates a server for scenario. A nil clock uses the wall clock.
func NewServer(scenario *Scenario, clock engine.Clock, logger zerolog.Logger) *Server {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	s := &Server{
		scenario: scenario,
		started:  make(map[string]time.Time),
		clock:    clock,
		logger:   logger.With().Str("component", "simulator").Logger(),
	}
	s.resetAll()
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/services", s.handleServicesPage)
	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.handleListWorkflows)
		r.Route("/{workflow}", func(r chi.Router) {
			r.Get("/", s.handleWorkflowPage)
			r.Post("/reset", s.handleReset)
			r.Get("/resources", s.handleListResources)
			r.Get("/resources/{resource}", s.handleGetResource)
		})
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetScenario swaps the scenario. Workflows that survive keep their start time.
func (s *Server) SetScenario(scenario *Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	started := make(map[string]time.Time, len(scenario.Workflows))
	for name := range scenario.Workflows {
		if t, ok := s.started[name]; ok {
			started[name] = t
		} else {
			started[name] = now
		}
	}
	s.scenario = scenario
	s.started = started

	s.logger.Info().Strs("workflows", scenario.WorkflowNames()).Msg("Scenario loaded")
}

// Reset restarts a workflow's timeline.
func (s *Server) Reset(workflow string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scenario.Workflows[workflow]; !ok {
		return false
	}
	s.started[workflow] = s.clock.Now()
	return true
}

func (s *Server) resetAll() {
	now := s.clock.Now()
	for name := range s.scenario.Workflows {
		s.started[name] = now
	}
}

// lookup returns a workflow script and the offset into its timeline.
func (s *Server) lookup(workflow string) (*WorkflowScript, time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.scenario.Workflows[workflow]
	if !ok {
		return nil, 0, false
	}
	return wf, s.clock.Now().Sub(s.started[workflow]), true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	names := s.scenario.WorkflowNames()
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.Reset(chi.URLParam(r, "workflow")) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	wf, offset, ok := s.lookup(chi.URLParam(r, "workflow"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	docs := make([]httpapi.ResourceStatus, 0, len(wf.Resources))
	for _, res := range wf.Resources {
		state := res.StateAt(offset)
		if !state.Visible {
			continue
		}
		doc := httpapi.ResourceStatus{ID: res.ID, Kind: res.ResourceKind(), Status: state.Status, Detail: state.Detail}
		if state.Unavailable {
			doc.Status = ""
		}
		docs = append(docs, doc)
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	wf, offset, ok := s.lookup(chi.URLParam(r, "workflow"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	id := chi.URLParam(r, "resource")
	for _, res := range wf.Resources {
		if res.ID != id {
			continue
		}
		state := res.StateAt(offset)
		switch {
		case !state.Visible:
			http.NotFound(w, r)
		case state.Unavailable:
			http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		default:
			writeJSON(w, http.StatusOK, httpapi.ResourceStatus{
				ID:     res.ID,
				Kind:   res.ResourceKind(),
				Status: state.Status,
				Detail: state.Detail,
			})
		}
		return
	}
	http.NotFound(w, r)
}

var workflowPage = template.Must(template.New("workflow").Parse(`<!DOCTYPE html>
<html><head><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<div data-testid="app-overall-progress">{{.Overall}}</div>
<ul>
{{- range .Tags}}
<li>{{.ID}} <span data-testid="{{.ID}}-status-tag">{{.Status}}</span></li>
{{- end}}
</ul>
</body></html>
`))

type tagView struct {
	ID     string
	Status string
}

func (s *Server) handleWorkflowPage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "workflow")
	wf, offset, ok := s.lookup(name)
	if !ok {
		http.NotFound(w, r)
		return
	}

	var tags []tagView
	statuses := make(map[string]engine.Observation, len(wf.Resources))
	vocab := engine.DefaultVocabulary()
	for _, res := range wf.Resources {
		state := res.StateAt(offset)
		if !state.Visible || state.Unavailable {
			continue
		}
		tags = append(tags, tagView{ID: res.ID, Status: state.Status})
		obs, _ := engine.ObservationFromText(vocab, state.Status)
		statuses[res.ID] = obs
	}

	overall := "In-progress"
	if len(statuses) == len(wf.Resources) {
		switch engine.Evaluate(&engine.Snapshot{Observations: statuses}, engine.FailuresFatal) {
		case engine.VerdictSuccess:
			overall = "Complete"
		case engine.VerdictFailed:
			overall = "Failed"
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := workflowPage.Execute(w, struct {
		Name    string
		Overall string
		Tags    []tagView
	}{Name: name, Overall: overall, Tags: tags}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render workflow page")
	}
}

var servicesPage = template.Must(template.New("services").Parse(`<!DOCTYPE html>
<html><head><title>Services</title></head>
<body>
<table>
{{- range .}}
<tr data-testid="service-row-{{.Name}}"><td>{{.Name}}</td><td>{{.Created}}</td></tr>
{{- end}}
</table>
</body></html>
`))

type serviceRow struct {
	Name    string
	Created string
}

func (s *Server) handleServicesPage(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	var rows []serviceRow
	now := s.clock.Now()
	for _, name := range s.scenario.WorkflowNames() {
		wf := s.scenario.Workflows[name]
		if wf.Listed == nil {
			continue
		}
		listedAt := s.started[name].Add(*wf.Listed)
		if now.Before(listedAt) {
			continue
		}
		rows = append(rows, serviceRow{Name: name, Created: fmt.Sprintf("Today at %s", listedAt.Format("15:04"))})
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := servicesPage.Execute(w, rows); err != nil {
		s.logger.Error().Err(err).Msg("Failed to render services page")
	}
}
