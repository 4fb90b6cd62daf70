package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/engine"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, WithLogger(zerolog.Nop()), WithHeader("X-Test", "1"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"ftp://example.com", "::not a url", ""} {
		if _, err := NewClient(raw); err == nil {
			t.Errorf("NewClient(%q) expected error", raw)
		}
	}
}

func TestSampler_Sample(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test") != "1" {
			t.Errorf("missing custom header")
		}
		switch r.URL.Path {
		case "/workflows/checkout/resources/proxy":
			_, _ = w.Write([]byte(`{"id":"proxy","kind":"proxy","status":"Success","detail":"registered"}`))
		case "/workflows/checkout/resources/infrastructure":
			_, _ = w.Write([]byte(`{"id":"infrastructure","status":"in progress"}`))
		case "/workflows/checkout/resources/dashboards":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/workflows/checkout/resources/config":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/workflows/checkout/resources/garbled":
			_, _ = w.Write([]byte(`{not json`))
		default:
			http.NotFound(w, r)
		}
	})
	sampler := NewSampler(client, "checkout", nil)
	ctx := context.Background()

	obs, err := sampler.Sample(ctx, engine.Resource{ID: "proxy", Kind: engine.KindProxy})
	if err != nil || obs.Status != engine.StatusSuccess || obs.Detail != "registered" {
		t.Errorf("proxy = %+v, %v", obs, err)
	}

	obs, err = sampler.Sample(ctx, engine.Resource{ID: "infrastructure", Kind: engine.KindInfrastructure})
	if err != nil || obs.Status != engine.StatusInProgress {
		t.Errorf("infrastructure = %+v, %v", obs, err)
	}

	obs, err = sampler.Sample(ctx, engine.Resource{ID: "networking", Kind: engine.KindNetworking})
	if !engine.IsNotFound(err) || obs.Status != engine.StatusPending {
		t.Errorf("networking = %+v, %v; want pending/not-found", obs, err)
	}

	if _, err := sampler.Sample(ctx, engine.Resource{ID: "dashboards", Kind: engine.KindDashboards}); !engine.IsTransient(err) {
		t.Errorf("dashboards: expected transient error, got %v", err)
	}

	if _, err := sampler.Sample(ctx, engine.Resource{ID: "config", Kind: engine.KindConfig}); !engine.IsThrottled(err) {
		t.Errorf("config: expected throttled error, got %v", err)
	}

	if _, err := sampler.Sample(ctx, engine.Resource{ID: "garbled", Kind: engine.KindConfig}); !engine.IsTransient(err) {
		t.Errorf("garbled: expected transient decode error, got %v", err)
	}
}

func TestSampler_ContextCancelled(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewSampler(client, "checkout", nil).Sample(ctx, engine.Resource{ID: "proxy", Kind: engine.KindProxy})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestDiscoverer(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workflows/checkout/resources" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[
			{"id":"github-repository","kind":"github-repository","status":"Success"},
			{"id":"proxy-eu","kind":"Proxy","status":"Pending"}
		]`))
	})

	resources, err := NewDiscoverer(client).DiscoverResources(context.Background(), "checkout")
	if err != nil {
		t.Fatalf("DiscoverResources() error = %v", err)
	}
	if len(resources) != 2 || resources[1].Kind != engine.KindProxy {
		t.Errorf("resources = %+v", resources)
	}

	_, err = NewDiscoverer(client).DiscoverResources(context.Background(), "unknown")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestHTTPSamplerDrivesPoller(t *testing.T) {
	var proxyCalls int32
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/workflows/checkout/resources/proxy":
			// Two transient failures, then success.
			if atomic.AddInt32(&proxyCalls, 1) <= 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"id":"proxy","status":"Success"}`))
		default:
			_, _ = w.Write([]byte(`{"status":"Success"}`))
		}
	})

	set, err := engine.NewResourceSetFromKinds("checkout", engine.KindGitHubRepository, engine.KindProxy, engine.KindInfrastructure)
	if err != nil {
		t.Fatalf("NewResourceSetFromKinds() error = %v", err)
	}
	poller := engine.NewPoller(NewSampler(client, "checkout", nil),
		engine.WithClock(engine.NewFakeClock(time.Unix(0, 0))),
		engine.WithLogger(zerolog.Nop()),
	)

	policy := engine.DefaultPollingPolicy()
	policy.Interval = time.Second
	policy.Timeout = 10 * time.Second

	outcome, err := poller.WaitForConvergence(context.Background(), set, policy)
	if err != nil {
		t.Fatalf("WaitForConvergence() error = %v", err)
	}
	if outcome.Verdict != engine.VerdictSuccess || outcome.Ticks != 3 {
		t.Errorf("outcome = %s after %d ticks, want success after 3", outcome.Verdict, outcome.Ticks)
	}
	if outcome.TransientErrors != 2 {
		t.Errorf("TransientErrors = %d, want 2", outcome.TransientErrors)
	}
}

func TestClient_Health(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	})
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}
