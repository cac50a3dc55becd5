package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql (needed by goose)
	"github.com/pressly/goose/v3"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore applies pending migrations and opens a pool.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	if err := RunMigrations(ctx, dsn); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// RunMigrations applies all pending goose migrations from the embedded SQL files.
func RunMigrations(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertWorkspace(ctx context.Context, workspace *domain.Workspace) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspaces (workspace_id, name, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (workspace_id) DO UPDATE SET name = EXCLUDED.name`,
		workspace.WorkspaceID, workspace.Name, workspace.CreatedAt)
	return err
}

func (s *PostgresStore) WorkspaceExists(ctx context.Context, workspaceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workspaces WHERE workspace_id = $1)`, workspaceID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, membership *domain.Membership) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workspace_members (workspace_id, principal_id, role, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (workspace_id, principal_id) DO UPDATE SET role = EXCLUDED.role`,
		membership.WorkspaceID, membership.PrincipalID, string(membership.Role), membership.CreatedAt)
	return err
}

func (s *PostgresStore) GetMembership(ctx context.Context, workspaceID, principalID string) (*domain.Membership, error) {
	var m domain.Membership
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT workspace_id, principal_id, role, created_at FROM workspace_members WHERE workspace_id = $1 AND principal_id = $2`,
		workspaceID, principalID).Scan(&m.WorkspaceID, &m.PrincipalID, &role, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Role = domain.Role(role)
	return &m, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *domain.Run) error {
	errData, err := marshalRunErrorJSON(run.Error)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.RunID, run.ThreadID, run.WorkspaceID, run.CreatedBy, string(run.Status), optionalString(run.SandboxID),
		run.StartedAt, run.LastActivityAt, run.FinishedAt, run.MaxDurationMs, run.IdleTimeoutMs, run.E2BCost, errData)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = $1`, runID)
	run, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *PostgresStore) PatchRun(ctx context.Context, runID string, expected domain.RunStatus, patch domain.RunPatch) (bool, error) {
	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.SandboxID != nil {
		sets = append(sets, "sandbox_id = "+arg(*patch.SandboxID))
	}
	if patch.Status != nil {
		sets = append(sets, "status = "+arg(string(*patch.Status)))
	}
	if patch.FinishedAt != nil {
		sets = append(sets, "finished_at = "+arg(*patch.FinishedAt))
	}
	if patch.LastActivityAt != nil {
		sets = append(sets, "last_activity_at = GREATEST(last_activity_at, "+arg(*patch.LastActivityAt)+")")
	}
	if patch.E2BCost != nil {
		sets = append(sets, "e2b_cost = "+arg(*patch.E2BCost))
	}
	if patch.Error != nil {
		errData, err := marshalRunErrorJSON(patch.Error)
		if err != nil {
			return false, err
		}
		sets = append(sets, "error = "+arg(errData))
	}
	if len(sets) == 0 {
		return false, fmt.Errorf("patch run %s: no fields supplied", runID)
	}

	query := `UPDATE runs SET ` + strings.Join(sets, ", ") +
		` WHERE run_id = ` + arg(runID) + ` AND status = ` + arg(string(expected))
	if patch.SandboxID != nil {
		query += ` AND (sandbox_id IS NULL OR sandbox_id = ` + arg(*patch.SandboxID) + `)`
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListRunsByWorkspace(ctx context.Context, workspaceID string, after *domain.RunCursor, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE workspace_id = $1`
	args := []any{workspaceID}
	if after != nil {
		query += ` AND (started_at, run_id) < ($2, $3)`
		args = append(args, after.StartedAt, after.RunID)
	}
	query += ` ORDER BY started_at DESC, run_id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, args...)
}

func (s *PostgresStore) ListRunsByThread(ctx context.Context, threadID string) ([]domain.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE thread_id = $1 ORDER BY started_at ASC, run_id ASC`, threadID)
}

func (s *PostgresStore) FindIdleRuns(ctx context.Context, activeBefore time.Time, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status = $1 AND last_activity_at < $2 AND sandbox_id IS NOT NULL
		ORDER BY last_activity_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, string(domain.RunStatusRunning), activeBefore)
}

func (s *PostgresStore) FindRunsStartedBefore(ctx context.Context, status domain.RunStatus, startedBefore time.Time, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, string(status), startedBefore)
}

func (s *PostgresStore) FindExpiredIdleRuns(ctx context.Context, now time.Time, fallback time.Duration, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status = $1 AND sandbox_id IS NOT NULL
		  AND last_activity_at < $2::timestamptz - COALESCE(idle_timeout_ms, $3::bigint) * interval '1 millisecond'
		ORDER BY last_activity_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, string(domain.RunStatusRunning), now, fallback.Milliseconds())
}

func (s *PostgresStore) FindExpiredRunningRuns(ctx context.Context, now time.Time, fallback time.Duration, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
		WHERE status = $1 AND started_at < $2::timestamptz - COALESCE(max_duration_ms, $3::bigint) * interval '1 millisecond'
		ORDER BY started_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryRuns(ctx, query, string(domain.RunStatusRunning), now, fallback.Milliseconds())
}

func (s *PostgresStore) CountRunsByCreatorSince(ctx context.Context, createdBy string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE created_by = $1 AND started_at >= $2`, createdBy, since).Scan(&n)
	return n, err
}

func (s *PostgresStore) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanPgRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var status string
	var sandboxID *string
	var errData []byte

	if err := row.Scan(&run.RunID, &run.ThreadID, &run.WorkspaceID, &run.CreatedBy, &status, &sandboxID,
		&run.StartedAt, &run.LastActivityAt, &run.FinishedAt, &run.MaxDurationMs, &run.IdleTimeoutMs,
		&run.E2BCost, &errData); err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)
	if sandboxID != nil {
		run.SandboxID = *sandboxID
	}
	if len(errData) > 0 {
		var runErr domain.RunError
		if err := json.Unmarshal(errData, &runErr); err != nil {
			return nil, fmt.Errorf("decode run error for %s: %w", run.RunID, err)
		}
		run.Error = &runErr
	}
	return &run, nil
}

func marshalRunErrorJSON(e *domain.RunError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode run error: %w", err)
	}
	return data, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
