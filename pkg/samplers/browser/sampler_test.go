package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/engine"
)

// fakePage serves element text from a map and counts reloads.
type fakePage struct {
	mu       sync.Mutex
	text     map[string]string
	testIDs  []string
	err      error
	reloads  int
	selected []string
}

func (p *fakePage) QueryText(ctx context.Context, selector string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected = append(p.selected, selector)
	if p.err != nil {
		return "", false, p.err
	}
	text, ok := p.text[selector]
	return text, ok, nil
}

func (p *fakePage) QueryAttributes(ctx context.Context, selector, attr string) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.testIDs, nil
}

func (p *fakePage) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloads++
	return p.err
}

func TestStatusTagSampler_Sample(t *testing.T) {
	page := &fakePage{text: map[string]string{
		StatusTagSelector("proxy"):          "Success",
		StatusTagSelector("infrastructure"): " In-progress ",
		StatusTagSelector("dashboards"):     "Failed",
		OverallProgressSelector:             "In-progress",
	}}
	sampler := NewStatusTagSampler(page)

	tests := []struct {
		id     string
		want   engine.Status
		detail string
	}{
		{"proxy", engine.StatusSuccess, "Success"},
		{"infrastructure", engine.StatusInProgress, "In-progress"},
		{"dashboards", engine.StatusFailed, "Failed"},
		{"overall-progress", engine.StatusInProgress, "In-progress"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			obs, err := sampler.Sample(context.Background(), engine.Resource{ID: tt.id, Kind: engine.ResourceKind(tt.id)})
			if err != nil {
				t.Fatalf("Sample() error = %v", err)
			}
			if obs.Status != tt.want || obs.Detail != tt.detail {
				t.Errorf("Sample() = %+v, want %s/%q", obs, tt.want, tt.detail)
			}
		})
	}
}

func TestStatusTagSampler_NotRenderedIsNotFound(t *testing.T) {
	sampler := NewStatusTagSampler(&fakePage{text: map[string]string{}})

	obs, err := sampler.Sample(context.Background(), engine.Resource{ID: "proxy", Kind: engine.KindProxy})
	if !engine.IsNotFound(err) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if obs.Status != engine.StatusPending {
		t.Errorf("Status = %s, want pending", obs.Status)
	}
}

func TestStatusTagSampler_PageErrorIsTransient(t *testing.T) {
	sampler := NewStatusTagSampler(&fakePage{err: errors.New("target closed")})

	_, err := sampler.Sample(context.Background(), engine.Resource{ID: "proxy", Kind: engine.KindProxy})
	if !engine.IsTransient(err) || engine.IsNotFound(err) {
		t.Errorf("expected transient sampling error, got %v", err)
	}
}

func TestStatusTagSampler_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sampler := NewStatusTagSampler(&fakePage{err: context.Canceled})

	_, err := sampler.Sample(ctx, engine.Resource{ID: "proxy", Kind: engine.KindProxy})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestStatusTagSampler_Options(t *testing.T) {
	page := &fakePage{text: map[string]string{"#repo": "Provisioned"}}
	classifier := engine.DefaultVocabulary().With(map[string]engine.Status{"provisioned": engine.StatusSuccess})
	sampler := NewStatusTagSampler(page, WithClassifier(classifier), WithSelector("github-repository", "#repo"))

	obs, err := sampler.Sample(context.Background(), engine.Resource{ID: "github-repository", Kind: engine.KindGitHubRepository})
	if err != nil {
		t.Fatalf("Sample() error = %v", err)
	}
	if obs.Status != engine.StatusSuccess {
		t.Errorf("Status = %s, want success", obs.Status)
	}
}

func TestTextContainsSampler(t *testing.T) {
	page := &fakePage{text: map[string]string{
		`[data-testid="row-checkout"]`: "checkout  Today at 10:42",
		`[data-testid="row-payments"]`: "payments  Yesterday",
	}}
	sampler := NewTextContainsSampler(page, `[data-testid="row-%s"]`, "Today at")

	obs, err := sampler.Sample(context.Background(), engine.Resource{ID: "checkout", Kind: engine.KindServiceListing})
	if err != nil || obs.Status != engine.StatusSuccess {
		t.Errorf("checkout = %+v, %v; want success", obs, err)
	}

	obs, err = sampler.Sample(context.Background(), engine.Resource{ID: "payments", Kind: engine.KindServiceListing})
	if err != nil || obs.Status != engine.StatusInProgress {
		t.Errorf("payments = %+v, %v; want in-progress", obs, err)
	}

	_, err = sampler.Sample(context.Background(), engine.Resource{ID: "orders", Kind: engine.KindServiceListing})
	if !engine.IsNotFound(err) {
		t.Errorf("orders: expected not-found, got %v", err)
	}
}

func TestRefresher(t *testing.T) {
	page := &fakePage{}
	if err := NewRefresher(page).Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if page.reloads != 1 {
		t.Errorf("reloads = %d, want 1", page.reloads)
	}
}

func TestTagDiscoverer(t *testing.T) {
	page := &fakePage{testIDs: []string{
		"github-repository-status-tag",
		"proxy-status-tag",
		"proxy-status-tag",
		"-status-tag",
	}}

	resources, err := NewTagDiscoverer(page).DiscoverResources(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("DiscoverResources() error = %v", err)
	}
	if len(resources) != 2 {
		t.Fatalf("resources = %v, want 2", resources)
	}
	if resources[0].ID != "github-repository" || resources[1].ID != "proxy" {
		t.Errorf("resources = %v", resources)
	}
}

func TestBrowserSamplerDrivesPoller(t *testing.T) {
	page := &fakePage{text: map[string]string{
		StatusTagSelector("github-repository"): "Success",
		StatusTagSelector("proxy"):             "Success",
	}}
	set, err := engine.NewResourceSetFromKinds("checkout", engine.KindGitHubRepository, engine.KindProxy)
	if err != nil {
		t.Fatalf("NewResourceSetFromKinds() error = %v", err)
	}

	clock := engine.NewFakeClock(time.Unix(0, 0))
	poller := engine.NewPoller(NewStatusTagSampler(page),
		engine.WithClock(clock),
		engine.WithRefresher(NewRefresher(page)),
		engine.WithLogger(zerolog.Nop()),
	)

	policy := engine.DefaultPollingPolicy()
	policy.RefreshBetweenSamples = true
	outcome, err := poller.WaitForConvergence(context.Background(), set, policy)
	if err != nil {
		t.Fatalf("WaitForConvergence() error = %v", err)
	}
	if outcome.Verdict != engine.VerdictSuccess {
		t.Errorf("Verdict = %s, want success", outcome.Verdict)
	}
	if page.reloads != 0 {
		t.Errorf("reloads = %d, want none on first-tick success", page.reloads)
	}
}

func TestJSString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`[data-testid="proxy"]`, `"[data-testid=\"proxy\"]"`},
		{`a\b`, `"a\\b"`},
		{"line\nbreak", `"line\nbreak"`},
	}
	for _, tt := range tests {
		got, err := jsString(tt.in)
		if err != nil {
			t.Fatalf("jsString(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("jsString(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
