package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dsn = withConnParams(dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// In-memory databases exist per connection, and shared-cache connections
	// fail with SQLITE_LOCKED instead of waiting on busy_timeout. Both get a
	// single connection.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") || strings.Contains(dsn, "cache=shared") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// withConnParams adds per-connection settings to file DSNs so every pooled
// connection enforces foreign keys and waits on a held write lock.
func withConnParams(dsn string) string {
	if dsn == ":memory:" || !strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	var params []string
	if !strings.Contains(dsn, "_foreign_keys=") && !strings.Contains(dsn, "_fk=") {
		params = append(params, "_foreign_keys=on")
	}
	if !strings.Contains(dsn, "_timeout=") {
		params = append(params, "_busy_timeout=5000")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			workspace_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_members (
			workspace_id TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (workspace_id, principal_id),
			FOREIGN KEY (workspace_id) REFERENCES workspaces(workspace_id)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			created_by TEXT NOT NULL,
			status TEXT NOT NULL,
			sandbox_id TEXT,
			started_at INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL,
			finished_at INTEGER,
			max_duration_ms INTEGER,
			idle_timeout_ms INTEGER,
			e2b_cost REAL,
			error TEXT,
			FOREIGN KEY (workspace_id) REFERENCES workspaces(workspace_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_activity ON runs(status, last_activity_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_started ON runs(status, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_creator_started ON runs(created_by, started_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertWorkspace creates a workspace or renames an existing one.
func (s *SQLiteStore) UpsertWorkspace(ctx context.Context, workspace *domain.Workspace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (workspace_id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(workspace_id) DO UPDATE SET name = excluded.name`,
		workspace.WorkspaceID, workspace.Name, workspace.CreatedAt.UnixMilli())
	return err
}

// WorkspaceExists reports whether a workspace is registered.
func (s *SQLiteStore) WorkspaceExists(ctx context.Context, workspaceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM workspaces WHERE workspace_id = ?`, workspaceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpsertMembership grants or changes a principal's role.
func (s *SQLiteStore) UpsertMembership(ctx context.Context, membership *domain.Membership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspace_members (workspace_id, principal_id, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(workspace_id, principal_id) DO UPDATE SET role = excluded.role`,
		membership.WorkspaceID, membership.PrincipalID, membership.Role, membership.CreatedAt.UnixMilli())
	return err
}

// GetMembership retrieves a membership, or nil if the principal is not a member.
func (s *SQLiteStore) GetMembership(ctx context.Context, workspaceID, principalID string) (*domain.Membership, error) {
	var m domain.Membership
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, principal_id, role, created_at FROM workspace_members WHERE workspace_id = ? AND principal_id = ?`,
		workspaceID, principalID).Scan(&m.WorkspaceID, &m.PrincipalID, &m.Role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.CreatedAt = time.UnixMilli(createdAt)
	return &m, nil
}

const runColumns = `run_id, thread_id, workspace_id, created_by, status, sandbox_id, started_at, last_activity_at,
	finished_at, max_duration_ms, idle_timeout_ms, e2b_cost, error`

// CreateRun inserts a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	errData, err := marshalRunError(run.Error)
	if err != nil {
		return err
	}
	var finishedAt sql.NullInt64
	if run.FinishedAt != nil {
		finishedAt = sql.NullInt64{Int64: run.FinishedAt.UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ThreadID, run.WorkspaceID, run.CreatedBy, run.Status, nullString(run.SandboxID),
		run.StartedAt.UnixMilli(), run.LastActivityAt.UnixMilli(), finishedAt,
		nullInt64(run.MaxDurationMs), nullInt64(run.IdleTimeoutMs), nullFloat64(run.E2BCost), errData)
	return err
}

// GetRun retrieves a run by ID, or nil if it does not exist.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// PatchRun applies the supplied fields if the run is still in expected.
func (s *SQLiteStore) PatchRun(ctx context.Context, runID string, expected domain.RunStatus, patch domain.RunPatch) (bool, error) {
	var sets []string
	var args []interface{}

	if patch.SandboxID != nil {
		sets = append(sets, "sandbox_id = ?")
		args = append(args, *patch.SandboxID)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, patch.FinishedAt.UnixMilli())
	}
	if patch.LastActivityAt != nil {
		sets = append(sets, "last_activity_at = MAX(last_activity_at, ?)")
		args = append(args, patch.LastActivityAt.UnixMilli())
	}
	if patch.E2BCost != nil {
		sets = append(sets, "e2b_cost = ?")
		args = append(args, *patch.E2BCost)
	}
	if patch.Error != nil {
		errData, err := marshalRunError(patch.Error)
		if err != nil {
			return false, err
		}
		sets = append(sets, "error = ?")
		args = append(args, errData)
	}
	if len(sets) == 0 {
		return false, fmt.Errorf("patch run %s: no fields supplied", runID)
	}

	query := `UPDATE runs SET ` + strings.Join(sets, ", ") + ` WHERE run_id = ? AND status = ?`
	args = append(args, runID, expected)
	if patch.SandboxID != nil {
		query += ` AND (sandbox_id IS NULL OR sandbox_id = ?)`
		args = append(args, *patch.SandboxID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListRunsByWorkspace lists a workspace's runs, newest first, after the cursor.
func (s *SQLiteStore) ListRunsByWorkspace(ctx context.Context, workspaceID string, after *domain.RunCursor, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE workspace_id = ?`
	args := []interface{}{workspaceID}

	if after != nil {
		ms := after.StartedAt.UnixMilli()
		query += ` AND (started_at < ? OR (started_at = ? AND run_id < ?))`
		args = append(args, ms, ms, after.RunID)
	}

	query += ` ORDER BY started_at DESC, run_id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, args...)
}

// ListRunsByThread lists all runs of a thread, oldest first.
func (s *SQLiteStore) ListRunsByThread(ctx context.Context, threadID string) ([]domain.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE thread_id = ? ORDER BY started_at ASC, run_id ASC`, threadID)
}

// FindIdleRuns returns running runs with a sandbox whose last activity is
// older than activeBefore. Served by idx_runs_status_activity.
func (s *SQLiteStore) FindIdleRuns(ctx context.Context, activeBefore time.Time, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status = ? AND last_activity_at < ? AND sandbox_id IS NOT NULL
		ORDER BY last_activity_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, domain.RunStatusRunning, activeBefore.UnixMilli())
}

// FindRunsStartedBefore returns runs in status started before the cutoff.
// Served by idx_runs_status_started.
func (s *SQLiteStore) FindRunsStartedBefore(ctx context.Context, status domain.RunStatus, startedBefore time.Time, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status = ? AND started_at < ?
		ORDER BY started_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, status, startedBefore.UnixMilli())
}

// FindExpiredIdleRuns returns running runs with a sandbox whose idle time
// exceeds idle_timeout_ms, or fallback when the run has no override.
func (s *SQLiteStore) FindExpiredIdleRuns(ctx context.Context, now time.Time, fallback time.Duration, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status = ? AND sandbox_id IS NOT NULL
		  AND last_activity_at < ? - COALESCE(idle_timeout_ms, ?)
		ORDER BY last_activity_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, domain.RunStatusRunning, now.UnixMilli(), fallback.Milliseconds())
}

// FindExpiredRunningRuns returns running runs older than max_duration_ms, or
// fallback when the run has no override.
func (s *SQLiteStore) FindExpiredRunningRuns(ctx context.Context, now time.Time, fallback time.Duration, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status = ? AND started_at < ? - COALESCE(max_duration_ms, ?)
		ORDER BY started_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, domain.RunStatusRunning, now.UnixMilli(), fallback.Milliseconds())
}

// CountRunsByCreatorSince counts runs a principal started at or after since.
func (s *SQLiteStore) CountRunsByCreatorSince(ctx context.Context, createdBy string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE created_by = ? AND started_at >= ?`,
		createdBy, since.UnixMilli()).Scan(&n)
	return n, err
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var sandboxID, errData sql.NullString
	var startedAt, lastActivityAt int64
	var finishedAt, maxDurationMs, idleTimeoutMs sql.NullInt64
	var cost sql.NullFloat64

	if err := row.Scan(&run.RunID, &run.ThreadID, &run.WorkspaceID, &run.CreatedBy, &run.Status, &sandboxID,
		&startedAt, &lastActivityAt, &finishedAt, &maxDurationMs, &idleTimeoutMs, &cost, &errData); err != nil {
		return nil, err
	}

	run.StartedAt = time.UnixMilli(startedAt)
	run.LastActivityAt = time.UnixMilli(lastActivityAt)
	if sandboxID.Valid {
		run.SandboxID = sandboxID.String
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		run.FinishedAt = &t
	}
	if maxDurationMs.Valid {
		v := maxDurationMs.Int64
		run.MaxDurationMs = &v
	}
	if idleTimeoutMs.Valid {
		v := idleTimeoutMs.Int64
		run.IdleTimeoutMs = &v
	}
	if cost.Valid {
		v := cost.Float64
		run.E2BCost = &v
	}
	if errData.Valid && errData.String != "" {
		var runErr domain.RunError
		if err := json.Unmarshal([]byte(errData.String), &runErr); err != nil {
			return nil, fmt.Errorf("decode run error for %s: %w", run.RunID, err)
		}
		run.Error = &runErr
	}
	return &run, nil
}

func marshalRunError(e *domain.RunError) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode run error: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
