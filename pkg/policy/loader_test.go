package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const okRego = "package ok\n\nimport rego.v1\n\ndeny contains \"never\" if { false }\n"

func writePolicy(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "budget.rego")
	regoContent := "# Keep retries low.\n# severity: critical\n" + okRego
	writePolicy(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "budget" || policy.Rego != regoContent || policy.Source != policyFile {
		t.Errorf("policy = %+v", policy)
	}
	if policy.Severity != SeverityCritical || !policy.Enabled {
		t.Errorf("severity = %s, enabled = %v", policy.Severity, policy.Enabled)
	}
	if policy.Description != "Keep retries low." {
		t.Errorf("description = %q", policy.Description)
	}
}

func TestLoadFromFile_RegoBadSeverity(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "x.rego")
	writePolicy(t, policyFile, "# severity: apocalyptic\n"+okRego)

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	policy := Policy{
		Name:        "json-policy",
		Description: "A test policy",
		Rego:        okRego,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"test"},
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	policyFile := filepath.Join(dir, "p.json")
	writePolicy(t, policyFile, string(data))

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != policy.Name || loaded.Description != policy.Description || loaded.Severity != policy.Severity {
		t.Errorf("loaded = %+v", loaded)
	}

	// Name and severity default; enabled defaults to true.
	minimal := filepath.Join(dir, "minimal.json")
	writePolicy(t, minimal, `{"rego": "package m\nimport rego.v1\ndeny contains \"x\" if { false }"}`)
	loaded, err = loader.loadFromFile(context.Background(), minimal)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != "minimal" || loaded.Severity != SeverityWarning || !loaded.Enabled {
		t.Errorf("minimal = %+v", loaded)
	}

	empty := filepath.Join(dir, "empty.json")
	writePolicy(t, empty, `{"name": "empty"}`)
	if _, err := loader.loadFromFile(context.Background(), empty); err == nil {
		t.Error("expected error for policy without rego")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	root := t.TempDir()
	sub := filepath.Join(root, "team")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	writePolicy(t, filepath.Join(root, "a.rego"), okRego)
	writePolicy(t, filepath.Join(sub, "b.rego"), okRego)
	writePolicy(t, filepath.Join(root, "README.md"), "# Test")
	writePolicy(t, filepath.Join(root, "bad.json"), "invalid json")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{root})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("loaded %d policies, want 2", len(loaded))
	}
}

func TestExtractDescription(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"single line", "# Proxy must be up\npackage test", "Proxy must be up"},
		{"multi line", "# Proxy must be up\n# before dashboards\npackage test", "Proxy must be up before dashboards"},
		{"none", "package test\ndeny contains 1 if { false }", ""},
		{"severity skipped", "# First\n# severity: error\n#\n# Second\npackage test", "First Second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := loader.extractDescription(tt.content); got != tt.expected {
				t.Errorf("description = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestLoader_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	txt := filepath.Join(dir, "test.txt")
	writePolicy(t, txt, "not a policy")
	if _, err := loader.loadFromFile(context.Background(), txt); err == nil {
		t.Error("expected error for unsupported file type")
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("expected error for non-existent path")
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "test.rego")
	writePolicy(t, policyFile, okRego)

	if _, err := loader.loadFromFile(context.Background(), policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("cache entries = %d, want 1", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("cache entries after clear = %d, want 0", len(loader.cache))
	}
}

func TestEngineWatch_ReloadsPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "first.rego"), okRego)
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if err := eng.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	writePolicy(t, filepath.Join(dir, "second.rego"), "package second\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n")

	found := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("second"); err == nil {
			found = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !found {
		t.Fatal("watcher did not load the new policy")
	}
	if _, err := eng.GetPolicy("first"); err != nil {
		t.Errorf("existing policy lost on reload: %v", err)
	}
}
