package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/convergence/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a verification does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database with WAL mode and foreign keys enabled.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// SaveVerification inserts a verification with its observations and tick history.
func (s *SQLiteStore) SaveVerification(ctx context.Context, v *Verification) error {
	policy, err := json.Marshal(v.Policy)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO verifications (id, workflow, kind, source, verdict, ticks, transient_errors,
			started_at, elapsed_ms, policy, accepted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		v.ID,
		v.Workflow,
		v.Kind,
		v.Source,
		string(v.Verdict),
		v.Ticks,
		v.TransientErrors,
		toMillis(v.StartedAt),
		v.Elapsed.Milliseconds(),
		string(policy),
		nullableBool(v.Accepted),
		toMillis(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create verification: %w", err)
	}

	for _, o := range v.Observations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO observations (verification_id, resource_id, kind, status, detail, transient_errors, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, v.ID, o.ResourceID, o.Kind, string(o.Status), o.Detail, o.TransientErrors, o.LastError)
		if err != nil {
			return fmt.Errorf("failed to create observation %s: %w", o.ResourceID, err)
		}
	}

	for _, t := range v.History {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ticks (verification_id, tick, taken_at, verdict, pending, in_progress, success, failed, sample_errors)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, v.ID, t.Tick, toMillis(t.TakenAt), string(t.Verdict), t.Pending, t.InProgress, t.Success, t.Failed, t.SampleErrors)
		if err != nil {
			return fmt.Errorf("failed to create tick %d: %w", t.Tick, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit verification: %w", err)
	}
	return nil
}

const verificationColumns = `id, workflow, kind, source, verdict, ticks, transient_errors,
	started_at, elapsed_ms, policy, accepted, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerification(row rowScanner) (*Verification, error) {
	v := &Verification{}
	var (
		verdict            string
		startedAt, created int64
		elapsedMs          int64
		policy             string
		accepted           sql.NullBool
	)
	err := row.Scan(
		&v.ID,
		&v.Workflow,
		&v.Kind,
		&v.Source,
		&verdict,
		&v.Ticks,
		&v.TransientErrors,
		&startedAt,
		&elapsedMs,
		&policy,
		&accepted,
		&created,
	)
	if err != nil {
		return nil, err
	}

	v.Verdict = engine.Verdict(verdict)
	v.StartedAt = fromMillis(startedAt)
	v.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	v.CreatedAt = fromMillis(created)
	if accepted.Valid {
		b := accepted.Bool
		v.Accepted = &b
	}
	if err := json.Unmarshal([]byte(policy), &v.Policy); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	return v, nil
}

// GetVerification retrieves a verification with its observations, history and violations.
func (s *SQLiteStore) GetVerification(ctx context.Context, id string) (*Verification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+verificationColumns+` FROM verifications WHERE id = ?`, id)
	v, err := scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification: %w", err)
	}

	if v.Observations, err = s.listObservations(ctx, id); err != nil {
		return nil, err
	}
	if v.History, err = s.listTicks(ctx, id); err != nil {
		return nil, err
	}
	if v.Violations, err = s.ListViolations(ctx, id); err != nil {
		return nil, err
	}
	return v, nil
}

// FindVerification resolves an ID or unique ID prefix.
func (s *SQLiteStore) FindVerification(ctx context.Context, prefix string) (*Verification, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM verifications WHERE id LIKE ? ESCAPE '\' LIMIT 2`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to find verification: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan verification id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verification ids: %w", err)
	}

	switch len(ids) {
	case 0:
		return nil, fmt.Errorf("verification %s: %w", prefix, ErrNotFound)
	case 1:
		return s.GetVerification(ctx, ids[0])
	default:
		return nil, fmt.Errorf("verification prefix %s is ambiguous", prefix)
	}
}

func (s *SQLiteStore) listObservations(ctx context.Context, id string) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_id, kind, status, detail, transient_errors, last_error
		FROM observations
		WHERE verification_id = ?
		ORDER BY resource_id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		var status string
		if err := rows.Scan(&o.ResourceID, &o.Kind, &status, &o.Detail, &o.TransientErrors, &o.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.Status = engine.Status(status)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) listTicks(ctx context.Context, id string) ([]TickRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tick, taken_at, verdict, pending, in_progress, success, failed, sample_errors
		FROM ticks
		WHERE verification_id = ?
		ORDER BY tick
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var t TickRecord
		var takenAt int64
		var verdict string
		if err := rows.Scan(&t.Tick, &takenAt, &verdict, &t.Pending, &t.InProgress, &t.Success, &t.Failed, &t.SampleErrors); err != nil {
			return nil, fmt.Errorf("failed to scan tick: %w", err)
		}
		t.TakenAt = fromMillis(takenAt)
		t.Verdict = engine.Verdict(verdict)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ticks: %w", err)
	}
	return out, nil
}

// ListVerifications lists verifications, newest first, without child records.
func (s *SQLiteStore) ListVerifications(ctx context.Context, filter ListFilter) ([]*Verification, error) {
	var (
		where []string
		args  []any
	)
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if filter.Verdict != "" {
		where = append(where, "verdict = ?")
		args = append(args, string(filter.Verdict))
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, toMillis(filter.Since))
	}

	query := `SELECT ` + verificationColumns + ` FROM verifications`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list verifications: %w", err)
	}
	defer rows.Close()

	out := []*Verification{}
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating verifications: %w", err)
	}
	return out, nil
}

// DeleteVerificationsBefore prunes history started before the cutoff.
func (s *SQLiteStore) DeleteVerificationsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM verifications WHERE started_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune verifications: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// SaveViolations records the policy result of a verification, replacing any previous one.
func (s *SQLiteStore) SaveViolations(ctx context.Context, verificationID string, accepted bool, violations []Violation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `UPDATE verifications SET accepted = ? WHERE id = ?`, accepted, verificationID)
	if err != nil {
		return fmt.Errorf("failed to update verification: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("verification %s: %w", verificationID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM policy_violations WHERE verification_id = ?`, verificationID); err != nil {
		return fmt.Errorf("failed to clear violations: %w", err)
	}

	for i := range violations {
		v := &violations[i]
		v.VerificationID = verificationID
		res, err := tx.ExecContext(ctx, `
			INSERT INTO policy_violations (verification_id, policy, resource_id, severity, message, details, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, verificationID, v.Policy, v.ResourceID, v.Severity, v.Message, v.Details, toMillis(v.DetectedAt))
		if err != nil {
			return fmt.Errorf("failed to create violation: %w", err)
		}
		if v.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get violation ID: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit violations: %w", err)
	}
	return nil
}

// ListViolations returns the violations recorded for a verification.
func (s *SQLiteStore) ListViolations(ctx context.Context, verificationID string) ([]Violation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, verification_id, policy, resource_id, severity, message, details, detected_at
		FROM policy_violations
		WHERE verification_id = ?
		ORDER BY id
	`, verificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []Violation
	for rows.Next() {
		var v Violation
		var detectedAt int64
		if err := rows.Scan(&v.ID, &v.VerificationID, &v.Policy, &v.ResourceID, &v.Severity, &v.Message, &v.Details, &detectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.DetectedAt = fromMillis(detectedAt)
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating violations: %w", err)
	}
	return out, nil
}

// Stats aggregates verifications started at or after since, per workflow kind
// (or workflow name when no kind was recorded).
func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) ([]WorkflowStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			CASE WHEN kind = '' THEN workflow ELSE kind END AS name,
			COUNT(*),
			SUM(CASE WHEN verdict = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN verdict = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN verdict = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN verdict = ? THEN 1 ELSE 0 END),
			CAST(AVG(elapsed_ms) AS INTEGER),
			MAX(elapsed_ms),
			MAX(started_at)
		FROM verifications
		WHERE started_at >= ?
		GROUP BY name
		ORDER BY name
	`,
		string(engine.VerdictSuccess),
		string(engine.VerdictFailed),
		string(engine.VerdictPartialFailure),
		string(engine.VerdictTimedOut),
		toMillis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	defer rows.Close()

	var out []WorkflowStats
	for rows.Next() {
		var ws WorkflowStats
		var avgMs, maxMs, last int64
		if err := rows.Scan(&ws.Workflow, &ws.Total, &ws.Succeeded, &ws.Failed, &ws.PartialFailures, &ws.TimedOut, &avgMs, &maxMs, &last); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		ws.AvgElapsed = time.Duration(avgMs) * time.Millisecond
		ws.MaxElapsed = time.Duration(maxMs) * time.Millisecond
		ws.LastStartedAt = fromMillis(last)
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stats: %w", err)
	}
	return out, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
