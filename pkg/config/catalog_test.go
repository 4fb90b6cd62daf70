package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/convergence/pkg/engine"
)

func TestLoadCatalog_Builtin(t *testing.T) {
	cat, err := LoadCatalog()
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}

	want := []string{"journey-test-suite", "microservice", "perf-test-suite", "service-listing"}
	if got := cat.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	ms, ok := cat.Get("microservice")
	if !ok {
		t.Fatal("microservice not in catalog")
	}
	set, err := ms.ResourceSet("checkout")
	if err != nil {
		t.Fatalf("ResourceSet() error = %v", err)
	}
	if set.Len() != 6 || set.Workflow() != "checkout" {
		t.Errorf("resource set = %s", set)
	}
	if r, _ := set.Get("proxy"); r.Kind != engine.KindProxy {
		t.Errorf("proxy kind = %q", r.Kind)
	}

	policy, err := ms.ApplyPolicy(engine.DefaultPollingPolicy())
	if err != nil {
		t.Fatalf("ApplyPolicy() error = %v", err)
	}
	if policy.Interval != 2*time.Second || policy.Timeout != 45*time.Second {
		t.Errorf("policy = %+v", policy)
	}

	listing, _ := cat.Get("service-listing")
	if listing.PageFor("checkout") != "/services" {
		t.Errorf("PageFor() = %q", listing.PageFor("checkout"))
	}
	if !strings.Contains(listing.Resources[0].Selector, "service-row-{name}") || listing.Resources[0].Contains != "Today at" {
		t.Errorf("service-listing resource = %+v", listing.Resources[0])
	}
	if ms.PageFor("checkout") != "/workflows/checkout" {
		t.Errorf("default PageFor() = %q", ms.PageFor("checkout"))
	}
}

func TestLoadCatalog_UserFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "pipeline.cue"), `
workflows: "data-pipeline": {
	resources: [{id: "github-repository"}, {id: "warehouse", kind: "infrastructure"}]
	policy: {timeout: "2m", partialFailureTolerated: true}
}
`)
	writeFile(t, filepath.Join(dir, "README.md"), "not cue")

	cat, err := LoadCatalog(dir)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if len(cat.Sources()) != 2 {
		t.Errorf("Sources() = %v", cat.Sources())
	}

	wf, ok := cat.Get("data-pipeline")
	if !ok {
		t.Fatal("data-pipeline not in catalog")
	}
	if wf.Resources[1].Kind != "infrastructure" || wf.Resources[0].Kind != "github-repository" {
		t.Errorf("resources = %+v", wf.Resources)
	}
	policy, err := wf.ApplyPolicy(engine.DefaultPollingPolicy())
	if err != nil {
		t.Fatalf("ApplyPolicy() error = %v", err)
	}
	if policy.Timeout != 2*time.Minute || !policy.PartialFailureTolerated || policy.Interval != engine.DefaultInterval {
		t.Errorf("policy = %+v", policy)
	}
}

func TestLoadCatalog_Conflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "override.cue")
	writeFile(t, path, `workflows: microservice: policy: timeout: "10s"`)

	_, err := LoadCatalog(path)
	if err == nil {
		t.Fatal("expected conflicting timeout to fail")
	}
	if !engine.IsConfiguration(err) {
		t.Errorf("error should be a configuration error: %v", err)
	}
	var ce CatalogErrors
	if !errors.As(err, &ce) || len(ce) == 0 {
		t.Fatalf("error should carry positions: %v", err)
	}
}

func TestCatalogParser_ParseInline_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", `workflows: {`, "invalid workflow catalog"},
		{"uppercase id", `workflows: w: resources: [{id: "Proxy"}]`, "invalid workflow catalog"},
		{"unknown field", `workflows: w: resources: [{id: "proxy", colour: "red"}]`, "invalid workflow catalog"},
		{"bad duration", `workflows: w: {resources: [{id: "proxy"}], policy: interval: "soon"}`, "invalid workflow catalog"},
		{"relative page", `workflows: w: {page: "services", resources: [{id: "proxy"}]}`, "invalid workflow catalog"},
		{"no resources", `workflows: w: {}`, "no resources"},
	}

	parser := NewCatalogParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.ParseInline(tt.content)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseInline() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCatalogParser_Discover(t *testing.T) {
	cat, err := NewCatalogParser().ParseInline(`workflows: dynamic: discover: true`)
	if err != nil {
		t.Fatalf("ParseInline() error = %v", err)
	}
	wf, _ := cat.Get("dynamic")
	if !wf.Discover || len(wf.Resources) != 0 {
		t.Errorf("workflow = %+v", wf)
	}
}

func TestSchemaRegistry_ValidateAgainstSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if got := sr.ListSchemas(); len(got) != 1 || got[0] != "workflow" {
		t.Errorf("ListSchemas() = %v", got)
	}

	good := map[string]interface{}{"id": "proxy", "kind": "proxy"}
	if err := sr.ValidateAgainstSchema("workflow", "#Resource", good); err != nil {
		t.Errorf("valid resource rejected: %v", err)
	}
	bad := map[string]interface{}{"id": "Not Valid"}
	if err := sr.ValidateAgainstSchema("workflow", "#Resource", bad); err == nil {
		t.Error("invalid resource accepted")
	}
	if err := sr.ValidateAgainstSchema("missing", "#Resource", good); err == nil {
		t.Error("unknown schema accepted")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
