package stores

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/engine"
)

// setupTestStore creates a file-backed SQLite store in a temp dir.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "converge.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testVerification(id, workflow string, verdict engine.Verdict, startedAt time.Time) *Verification {
	return &Verification{
		ID:              id,
		Workflow:        workflow,
		Kind:            "microservice",
		Source:          "http",
		Verdict:         verdict,
		Ticks:           3,
		TransientErrors: 1,
		StartedAt:       startedAt,
		Elapsed:         4500 * time.Millisecond,
		Policy:          engine.PollingPolicy{Interval: 2 * time.Second, Timeout: 45 * time.Second, PartialFailureTolerated: true},
		Observations: []Observation{
			{ResourceID: "proxy", Kind: "proxy", Status: engine.StatusSuccess, Detail: "Done"},
			{ResourceID: "repo", Kind: "github-repository", Status: engine.StatusInProgress, TransientErrors: 1, LastError: "503"},
		},
		History: []TickRecord{
			{Tick: 1, TakenAt: startedAt, Verdict: engine.VerdictPending, Pending: 2},
			{Tick: 2, TakenAt: startedAt.Add(2 * time.Second), Verdict: engine.VerdictPending, InProgress: 1, Success: 1, SampleErrors: 1},
		},
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("in-memory store should use one connection, got %d", store.cfg.MaxOpenConns)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check should fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"verifications", "observations", "ticks", "policy_violations"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestVerificationRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v := testVerification("v-001", "checkout", engine.VerdictSuccess, base)
	if err := store.SaveVerification(ctx, v); err != nil {
		t.Fatalf("failed to save verification: %v", err)
	}

	got, err := store.GetVerification(ctx, "v-001")
	if err != nil {
		t.Fatalf("failed to get verification: %v", err)
	}

	if got.Workflow != "checkout" || got.Kind != "microservice" || got.Source != "http" {
		t.Errorf("identity = %s/%s/%s", got.Workflow, got.Kind, got.Source)
	}
	if got.Verdict != engine.VerdictSuccess || got.Ticks != 3 || got.TransientErrors != 1 {
		t.Errorf("verdict = %s, ticks = %d, transient = %d", got.Verdict, got.Ticks, got.TransientErrors)
	}
	if !got.StartedAt.Equal(base) || got.Elapsed != 4500*time.Millisecond {
		t.Errorf("started = %v, elapsed = %v", got.StartedAt, got.Elapsed)
	}
	if got.Policy != v.Policy {
		t.Errorf("policy = %+v, want %+v", got.Policy, v.Policy)
	}
	if got.Accepted != nil {
		t.Errorf("accepted should be unset, got %v", *got.Accepted)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at should be set")
	}

	if len(got.Observations) != 2 {
		t.Fatalf("observations = %d, want 2", len(got.Observations))
	}
	if o := got.Observations[1]; o.ResourceID != "repo" || o.Status != engine.StatusInProgress || o.LastError != "503" || o.TransientErrors != 1 {
		t.Errorf("observation = %+v", o)
	}

	if len(got.History) != 2 {
		t.Fatalf("history = %d, want 2", len(got.History))
	}
	if h := got.History[1]; h.Tick != 2 || h.Success != 1 || h.InProgress != 1 || h.SampleErrors != 1 || !h.TakenAt.Equal(base.Add(2*time.Second)) {
		t.Errorf("tick = %+v", h)
	}

	if _, err := store.GetVerification(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveVerification_DuplicateRollsBack(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	v := testVerification("v-001", "checkout", engine.VerdictSuccess, base)
	if err := store.SaveVerification(ctx, v); err != nil {
		t.Fatalf("failed to save verification: %v", err)
	}

	dup := testVerification("v-001", "other", engine.VerdictFailed, base)
	if err := store.SaveVerification(ctx, dup); err == nil {
		t.Fatal("expected error for duplicate ID")
	}

	got, err := store.GetVerification(ctx, "v-001")
	if err != nil {
		t.Fatalf("failed to get verification: %v", err)
	}
	if got.Workflow != "checkout" || len(got.Observations) != 2 {
		t.Errorf("original verification changed: %+v", got)
	}
}

func TestFindVerification(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc-1", "abd-2", "x_y"} {
		if err := store.SaveVerification(ctx, testVerification(id, "w", engine.VerdictSuccess, base)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.FindVerification(ctx, "abc")
	if err != nil || got.ID != "abc-1" {
		t.Errorf("FindVerification(abc) = %v, %v", got, err)
	}
	if _, err := store.FindVerification(ctx, "ab"); err == nil {
		t.Error("expected error for ambiguous prefix")
	}
	if _, err := store.FindVerification(ctx, "zzz"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	// Wildcards in the prefix match literally.
	if _, err := store.FindVerification(ctx, "x%"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for literal %%, got %v", err)
	}
}

func TestListVerifications(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	fixtures := []*Verification{
		testVerification("v1", "checkout", engine.VerdictSuccess, base),
		testVerification("v2", "checkout", engine.VerdictTimedOut, base.Add(time.Hour)),
		testVerification("v3", "billing", engine.VerdictSuccess, base.Add(2*time.Hour)),
		testVerification("v4", "checkout", engine.VerdictSuccess, base.Add(3*time.Hour)),
	}
	for _, v := range fixtures {
		if err := store.SaveVerification(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"all newest first", ListFilter{}, []string{"v4", "v3", "v2", "v1"}},
		{"by workflow", ListFilter{Workflow: "checkout"}, []string{"v4", "v2", "v1"}},
		{"by verdict", ListFilter{Verdict: engine.VerdictSuccess}, []string{"v4", "v3", "v1"}},
		{"since", ListFilter{Since: base.Add(90 * time.Minute)}, []string{"v4", "v3"}},
		{"limit", ListFilter{Limit: 2}, []string{"v4", "v3"}},
		{"offset", ListFilter{Limit: 2, Offset: 2}, []string{"v2", "v1"}},
		{"offset without limit", ListFilter{Offset: 3}, []string{"v1"}},
		{"combined", ListFilter{Workflow: "checkout", Verdict: engine.VerdictSuccess}, []string{"v4", "v1"}},
		{"no match", ListFilter{Workflow: "nope"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListVerifications(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListVerifications() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d verifications, want %d", len(got), len(tt.want))
			}
			for i, v := range got {
				if v.ID != tt.want[i] {
					t.Errorf("got[%d] = %s, want %s", i, v.ID, tt.want[i])
				}
				if v.Observations != nil || v.History != nil {
					t.Errorf("list should not load child records")
				}
			}
		})
	}
}

func TestViolations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveVerification(ctx, testVerification("v1", "checkout", engine.VerdictTimedOut, base)); err != nil {
		t.Fatal(err)
	}

	details := `{"unconverged":["repo"]}`
	violations := []Violation{
		{Policy: "require-success", Severity: "error", Message: "did not converge", Details: &details, DetectedAt: base},
		{Policy: "stale-final-sample", ResourceID: "repo", Severity: "info", Message: "last read failed", DetectedAt: base},
	}
	if err := store.SaveViolations(ctx, "v1", false, violations); err != nil {
		t.Fatalf("SaveViolations() error = %v", err)
	}
	if violations[0].ID == 0 || violations[0].VerificationID != "v1" {
		t.Errorf("saved violation not updated: %+v", violations[0])
	}

	got, err := store.GetVerification(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Accepted == nil || *got.Accepted {
		t.Errorf("accepted = %v, want false", got.Accepted)
	}
	if len(got.Violations) != 2 {
		t.Fatalf("violations = %d, want 2", len(got.Violations))
	}
	if v := got.Violations[0]; v.Policy != "require-success" || v.Details == nil || *v.Details != details || !v.DetectedAt.Equal(base) {
		t.Errorf("violation = %+v", v)
	}
	if got.Violations[1].ResourceID != "repo" {
		t.Errorf("resource = %q", got.Violations[1].ResourceID)
	}

	// Re-evaluation replaces the previous result.
	if err := store.SaveViolations(ctx, "v1", true, nil); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetVerification(ctx, "v1")
	if got.Accepted == nil || !*got.Accepted || len(got.Violations) != 0 {
		t.Errorf("after re-evaluation: accepted = %v, violations = %d", got.Accepted, len(got.Violations))
	}

	if err := store.SaveViolations(ctx, "missing", true, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStats(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	fixtures := []*Verification{
		testVerification("v1", "checkout", engine.VerdictSuccess, base),
		testVerification("v2", "billing", engine.VerdictTimedOut, base.Add(time.Hour)),
		testVerification("v3", "search", engine.VerdictPartialFailure, base.Add(2*time.Hour)),
		testVerification("v4", "old", engine.VerdictSuccess, base.Add(-48*time.Hour)),
	}
	fixtures[1].Elapsed = 45 * time.Second
	fixtures[2].Kind = ""
	for _, v := range fixtures {
		if err := store.SaveVerification(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := store.Stats(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v, want 2 groups", stats)
	}

	ms := stats[0]
	if ms.Workflow != "microservice" || ms.Total != 2 || ms.Succeeded != 1 || ms.TimedOut != 1 {
		t.Errorf("microservice stats = %+v", ms)
	}
	if ms.MaxElapsed != 45*time.Second || ms.AvgElapsed != 24750*time.Millisecond {
		t.Errorf("elapsed avg = %v, max = %v", ms.AvgElapsed, ms.MaxElapsed)
	}
	if !ms.LastStartedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("last started = %v", ms.LastStartedAt)
	}
	if ms.SuccessRate() != 0.5 {
		t.Errorf("success rate = %v", ms.SuccessRate())
	}

	if s := stats[1]; s.Workflow != "search" || s.PartialFailures != 1 {
		t.Errorf("search stats = %+v", s)
	}
}

// TestCascadeDelete checks that pruning removes child records.
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SaveVerification(ctx, testVerification("old", "w", engine.VerdictFailed, base)); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveVerification(ctx, testVerification("new", "w", engine.VerdictSuccess, base.Add(24*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveViolations(ctx, "old", false, []Violation{{Policy: "require-success", Severity: "error", Message: "failed", DetectedAt: base}}); err != nil {
		t.Fatal(err)
	}

	n, err := store.DeleteVerificationsBefore(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeleteVerificationsBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}

	for _, table := range []string{"observations", "ticks", "policy_violations"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE verification_id = 'old'").Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 0 {
			t.Errorf("%s still has %d rows for deleted verification", table, count)
		}
	}
	if _, err := store.GetVerification(ctx, "new"); err != nil {
		t.Errorf("newer verification should survive: %v", err)
	}
}

func TestRecorder(t *testing.T) {
	store := setupTestStore(t)
	rec := NewRecorder(store, zerolog.Nop(), WithSource("browser"), WithKind("checkout", "microservice"))

	set, err := engine.NewResourceSet("checkout",
		engine.Resource{ID: "proxy", Kind: engine.KindProxy},
		engine.Resource{ID: "config", Kind: engine.KindConfig},
	)
	if err != nil {
		t.Fatal(err)
	}

	// config fails on its first read and succeeds afterwards.
	var configReads atomic.Int32
	sampler := engine.SamplerFunc(func(ctx context.Context, r engine.Resource) (engine.Observation, error) {
		if r.ID == "config" && configReads.Add(1) == 1 {
			return engine.Observation{}, engine.NewTransientError("read failed", nil)
		}
		return engine.Observation{Status: engine.StatusSuccess, Detail: "Done"}, nil
	})

	poller := engine.NewPoller(sampler,
		engine.WithClock(engine.NewFakeClock(base)),
		engine.WithLogger(zerolog.Nop()),
		engine.WithObserver(rec),
	)
	outcome, err := poller.WaitForConvergence(context.Background(), set, engine.PollingPolicy{
		Interval: time.Second,
		Timeout:  30 * time.Second,
	})
	if err != nil {
		t.Fatalf("WaitForConvergence() error = %v", err)
	}
	if err := rec.Err(); err != nil {
		t.Fatalf("recorder error = %v", err)
	}
	if saved := rec.Saved(); len(saved) != 1 || saved[0] != outcome.ID {
		t.Fatalf("saved = %v, want [%s]", saved, outcome.ID)
	}

	got, err := store.GetVerification(context.Background(), outcome.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != "browser" || got.Kind != "microservice" || got.Verdict != engine.VerdictSuccess {
		t.Errorf("verification = %+v", got)
	}
	if outcome.Ticks != 2 || len(got.History) != 2 {
		t.Fatalf("ticks = %d, history = %d, want 2", outcome.Ticks, len(got.History))
	}
	if got.History[0].SampleErrors != 1 || got.History[len(got.History)-1].SampleErrors != 0 {
		t.Errorf("sample errors per tick = %+v", got.History)
	}
	if len(got.Observations) != 2 || got.Observations[0].Kind != string(engine.KindConfig) {
		t.Errorf("observations = %+v", got.Observations)
	}
}

func TestRecorder_AbortedPollIsNotRecorded(t *testing.T) {
	store := setupTestStore(t)
	rec := NewRecorder(store, zerolog.Nop())

	set, err := engine.NewResourceSet("checkout", engine.Resource{ID: "proxy", Kind: engine.KindProxy})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reads atomic.Int32
	sampler := engine.SamplerFunc(func(context.Context, engine.Resource) (engine.Observation, error) {
		if reads.Add(1) == 3 {
			cancel()
		}
		return engine.Observation{Status: engine.StatusInProgress}, nil
	})

	poller := engine.NewPoller(sampler,
		engine.WithClock(engine.NewFakeClock(base)),
		engine.WithLogger(zerolog.Nop()),
		engine.WithObserver(rec),
	)
	_, err = poller.WaitForConvergence(ctx, set, engine.PollingPolicy{Interval: time.Second, Timeout: time.Minute})
	if !engine.IsCancelled(err) {
		t.Fatalf("WaitForConvergence() error = %v, want cancelled", err)
	}

	if n := rec.InFlight(); n != 0 {
		t.Errorf("in-flight verifications = %d, want 0", n)
	}
	if saved := rec.Saved(); len(saved) != 0 {
		t.Errorf("saved = %v, want none", saved)
	}
	list, err := store.ListVerifications(context.Background(), ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("store has %d verifications, want 0", len(list))
	}
}

func TestVerification_Outcome(t *testing.T) {
	v := testVerification("v1", "checkout", engine.VerdictTimedOut, base)
	outcome := v.Outcome()

	if outcome.ID != "v1" || outcome.Verdict != engine.VerdictTimedOut || outcome.Ticks != 3 {
		t.Errorf("outcome = %+v", outcome)
	}
	if !outcome.Snapshot.TakenAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("taken at = %v", outcome.Snapshot.TakenAt)
	}
	if got := outcome.Unconverged(); len(got) != 1 || got[0] != "repo" {
		t.Errorf("unconverged = %v", got)
	}
	resources := outcome.Snapshot.Resources()
	if len(resources) != 2 || resources[1].Kind != "github-repository" {
		t.Errorf("resources = %+v", resources)
	}

	roundTrip := FromOutcome(outcome, v.Kind, v.Source)
	if len(roundTrip.Observations) != 2 || roundTrip.Observations[1] != v.Observations[1] {
		t.Errorf("observations = %+v", roundTrip.Observations)
	}
}
