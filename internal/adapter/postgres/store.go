package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/toolgate/internal/domain"
	"github.com/Strob0t/toolgate/internal/domain/approval"
	"github.com/Strob0t/toolgate/internal/domain/audit"
	"github.com/Strob0t/toolgate/internal/domain/run"
	"github.com/Strob0t/toolgate/internal/domain/tool"
	"github.com/Strob0t/toolgate/internal/port/database"
)

var _ database.Store = (*Store)(nil)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Tools ---

const toolColumns = `id, name, description, risk_level, executor, command, cwd, timeout_sec,
	args_schema, allowed_paths, undo_tool_id, enabled, created_at, updated_at`

func scanTool(row scannable) (tool.Tool, error) {
	var t tool.Tool
	var schema []byte
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.RiskLevel, &t.Executor, &t.Command, &t.Cwd,
		&t.TimeoutSec, &schema, &t.AllowedPaths, &t.UndoToolID, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if len(schema) > 0 {
		t.ArgsSchema = json.RawMessage(schema)
	}
	return t, err
}

func (s *Store) ListTools(ctx context.Context, enabledOnly bool) ([]tool.Tool, error) {
	q := `SELECT ` + toolColumns + ` FROM tools`
	if enabledOnly {
		q += ` WHERE enabled`
	}
	q += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, q)
	return collect(rows, err, "list tools", scanTool)
}

func (s *Store) GetTool(ctx context.Context, id string) (*tool.Tool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+toolColumns+` FROM tools WHERE id = $1`, id)
	t, err := scanTool(row)
	if err != nil {
		return nil, wrapNotFound(err, "get tool %s", id)
	}
	return &t, nil
}

// UpsertTool inserts or replaces a tool definition by id.
func (s *Store) UpsertTool(ctx context.Context, t *tool.Tool) error {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tools (id, name, description, risk_level, executor, command, cwd, timeout_sec,
			args_schema, allowed_paths, undo_tool_id, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			risk_level = EXCLUDED.risk_level,
			executor = EXCLUDED.executor,
			command = EXCLUDED.command,
			cwd = EXCLUDED.cwd,
			timeout_sec = EXCLUDED.timeout_sec,
			args_schema = EXCLUDED.args_schema,
			allowed_paths = EXCLUDED.allowed_paths,
			undo_tool_id = EXCLUDED.undo_tool_id,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.Description, string(t.RiskLevel), string(t.Executor), textArray(t.Command), t.Cwd,
		t.TimeoutSec, nullJSON(t.ArgsSchema), textArray(t.AllowedPaths), t.UndoToolID, t.Enabled, now,
	)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("upsert tool %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) SetToolEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tools SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	return expectOneRow(tag, err, domain.ErrNotFound, "set tool %s enabled", id)
}

// --- Runs ---

const runColumns = `id, tool_id, args, status, created_by, COALESCE(approval_id::text, ''),
	stdout_path, stderr_path, exit_code, error, created_at, started_at, finished_at`

func scanRun(row scannable) (run.Run, error) {
	var r run.Run
	err := row.Scan(&r.ID, &r.ToolID, &r.Args, &r.Status, &r.CreatedBy, &r.ApprovalID,
		&r.StdoutPath, &r.StderrPath, &r.ExitCode, &r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if r.Args == nil {
		r.Args = map[string]any{}
	}
	return r, err
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertRun(ctx context.Context, q execer, r *run.Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Args == nil {
		r.Args = map[string]any{}
	}
	return q.QueryRow(ctx, `
		INSERT INTO runs (id, tool_id, args, status, created_by, approval_id, stdout_path, stderr_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		r.ID, r.ToolID, r.Args, string(r.Status), r.CreatedBy, nullString(r.ApprovalID),
		r.StdoutPath, r.StderrPath, r.CreatedAt,
	).Scan(&r.CreatedAt)
}

func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	if err := insertRun(ctx, s.pool, r); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// CreateRunWithApproval inserts the approval and its parked run together.
func (s *Store) CreateRunWithApproval(ctx context.Context, r *run.Run, a *approval.Approval) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := insertApproval(ctx, tx, a); err != nil {
		return err
	}

	r.ApprovalID = a.ID
	if err := insertRun(ctx, tx, r); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run with approval: %w", err)
	}
	return nil
}

// RequestRunApproval attaches a new pending approval to a queued run and
// parks the run behind it. A run that is no longer queued yields
// domain.ErrConflict and no approval is written.
func (s *Store) RequestRunApproval(ctx context.Context, a *approval.Approval) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := insertApproval(ctx, tx, a); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
		UPDATE runs SET status = 'pending_approval', approval_id = $2
		WHERE id = $1 AND status = 'queued'`,
		a.ResourceID, a.ID)
	if err := expectOneRow(tag, err, domain.ErrConflict, "park run %s", a.ResourceID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit approval request: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		return nil, wrapNotFound(err, "get run %s", id)
	}
	return &r, nil
}

func (s *Store) ListRuns(ctx context.Context, f run.Filter) ([]run.Run, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if f.ToolID != "" {
		args = append(args, f.ToolID)
		where = append(where, "tool_id = $"+strconv.Itoa(len(args)))
	}
	q := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit, defaultListLimit, maxListLimit))
	q += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	return s.queryRuns(ctx, q, args...)
}

func (s *Store) queryRuns(ctx context.Context, q string, args ...any) ([]run.Run, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	return collect(rows, err, "list runs", scanRun)
}

func (s *Store) ClaimRun(ctx context.Context, id string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = $2 WHERE id = $1 AND status = 'queued'`,
		id, startedAt)
	return expectOneRow(tag, err, domain.ErrConflict, "claim run %s", id)
}

func (s *Store) FinishRun(ctx context.Context, id string, status run.Status, exitCode *int, errMsg string, finishedAt time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish run %s: status %q is not terminal: %w", id, status, domain.ErrValidation)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, exit_code = $3, error = $4, finished_at = $5
		WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'denied')`,
		id, string(status), exitCode, errMsg, nullTime(finishedAt))
	return expectOneRow(tag, err, domain.ErrConflict, "finish run %s", id)
}

func (s *Store) ParkRun(ctx context.Context, id string, status run.Status, errMsg string) error {
	var finishedAt any
	if status.IsTerminal() {
		finishedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, error = $3, finished_at = $4
		WHERE id = $1 AND status IN ('queued', 'pending_approval')`,
		id, string(status), errMsg, finishedAt)
	return expectOneRow(tag, err, domain.ErrConflict, "park run %s", id)
}

func (s *Store) ListStaleQueuedRuns(ctx context.Context, olderThan time.Time, limit int) ([]run.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = 'queued' AND created_at < $1
		 ORDER BY created_at LIMIT $2`,
		olderThan, clampLimit(limit, defaultListLimit, maxListLimit))
}

// ListStaleRunningRuns returns running runs claimed before startedBefore,
// oldest first.
func (s *Store) ListStaleRunningRuns(ctx context.Context, startedBefore time.Time, limit int) ([]run.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at LIMIT $2`,
		startedBefore, clampLimit(limit, defaultListLimit, maxListLimit))
}

// --- Approvals ---

const approvalColumns = `id, resource_type, resource_id, requested_by, risk_level, reason, payload,
	status, decided_at, decided_by, decision_note, created_at`

func insertApproval(ctx context.Context, tx pgx.Tx, a *approval.Approval) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = approval.StatusPending
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO approvals (id, resource_type, resource_id, requested_by, risk_level, reason, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ResourceType, a.ResourceID, a.RequestedBy, a.RiskLevel, a.Reason, nullJSON(a.Payload),
		string(a.Status), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

func scanApproval(row scannable) (approval.Approval, error) {
	var a approval.Approval
	var payload []byte
	err := row.Scan(&a.ID, &a.ResourceType, &a.ResourceID, &a.RequestedBy, &a.RiskLevel, &a.Reason,
		&payload, &a.Status, &a.DecidedAt, &a.DecidedBy, &a.DecisionNote, &a.CreatedAt)
	if len(payload) > 0 {
		a.Payload = json.RawMessage(payload)
	}
	return a, err
}

func (s *Store) GetApproval(ctx context.Context, id string) (*approval.Approval, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id)
	a, err := scanApproval(row)
	if err != nil {
		return nil, wrapNotFound(err, "get approval %s", id)
	}
	return &a, nil
}

func (s *Store) ListApprovals(ctx context.Context, status approval.Status, limit int) ([]approval.Approval, error) {
	q := `SELECT ` + approvalColumns + ` FROM approvals`
	args := []any{}
	if status != "" {
		args = append(args, string(status))
		q += ` WHERE status = $1`
	}
	args = append(args, clampLimit(limit, defaultListLimit, maxListLimit))
	q += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	return collect(rows, err, "list approvals", scanApproval)
}

func (s *Store) GetLatestApprovalFor(ctx context.Context, resourceType, resourceID string) (*approval.Approval, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at DESC LIMIT 1`, resourceType, resourceID)
	a, err := scanApproval(row)
	if err != nil {
		return nil, wrapNotFound(err, "latest approval for %s %s", resourceType, resourceID)
	}
	return &a, nil
}

func (s *Store) ApproveRunApproval(ctx context.Context, id string, d approval.Decision, at time.Time) (*approval.Approval, *run.Run, error) {
	return s.decideRunApproval(ctx, id, approval.StatusApproved, d, at)
}

func (s *Store) DenyRunApproval(ctx context.Context, id string, d approval.Decision, at time.Time) (*approval.Approval, *run.Run, error) {
	return s.decideRunApproval(ctx, id, approval.StatusDenied, d, at)
}

// decideRunApproval records the decision and moves the gated run in one
// transaction. The approval row is locked so concurrent deciders serialize.
func (s *Store) decideRunApproval(ctx context.Context, id string, to approval.Status, d approval.Decision, at time.Time) (*approval.Approval, *run.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	a, err := scanApproval(tx.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, nil, wrapNotFound(err, "lock approval %s", id)
	}
	if a.IsDecided() {
		return nil, nil, fmt.Errorf("approval %s already %s: %w", id, a.Status, domain.ErrConflict)
	}
	if a.ResourceType != approval.ResourceRun {
		return nil, nil, fmt.Errorf("approval %s gates %q, not a run: %w", id, a.ResourceType, domain.ErrValidation)
	}

	_, err = tx.Exec(ctx, `
		UPDATE approvals SET status = $2, decided_at = $3, decided_by = $4, decision_note = $5
		WHERE id = $1`, id, string(to), at, d.Actor, d.Note)
	if err != nil {
		return nil, nil, fmt.Errorf("update approval %s: %w", id, err)
	}
	a.Status = to
	a.DecidedAt = &at
	a.DecidedBy = d.Actor
	a.DecisionNote = d.Note

	var row pgx.Row
	if to == approval.StatusApproved {
		row = tx.QueryRow(ctx, `
			UPDATE runs SET status = 'queued'
			WHERE id = $1 AND status = 'pending_approval'
			RETURNING `+runColumns, a.ResourceID)
	} else {
		row = tx.QueryRow(ctx, `
			UPDATE runs SET status = 'denied', error = $2, finished_at = $3
			WHERE id = $1 AND status IN ('pending_approval', 'queued')
			RETURNING `+runColumns, a.ResourceID, d.Note, at)
	}
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, fmt.Errorf("run %s is not awaiting approval: %w", a.ResourceID, domain.ErrConflict)
		}
		return nil, nil, fmt.Errorf("update run %s: %w", a.ResourceID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit approval decision: %w", err)
	}
	return &a, &r, nil
}

// --- Audit ---

func (s *Store) InsertAuditEvent(ctx context.Context, ev *audit.Event) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var meta any
	if len(ev.Meta) > 0 {
		meta = ev.Meta
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO audit_events (type, action, status, actor_id, resource_type, resource_id, message, meta, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		ev.Type, ev.Action, ev.Status, ev.ActorID, ev.ResourceType, ev.ResourceID, ev.Message, meta,
		ev.RequestID, ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var where []string
	var args []any
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, "type = $"+strconv.Itoa(len(args)))
	}
	if f.ResourceID != "" {
		args = append(args, f.ResourceID)
		where = append(where, "resource_id = $"+strconv.Itoa(len(args)))
	}
	q := `SELECT id, type, action, status, actor_id, resource_type, resource_id, message, meta, request_id, created_at
		FROM audit_events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit, defaultListLimit, maxListLimit))
	q += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	return collect(rows, err, "list audit events", scanEvent)
}

func scanEvent(row scannable) (audit.Event, error) {
	var ev audit.Event
	err := row.Scan(&ev.ID, &ev.Type, &ev.Action, &ev.Status, &ev.ActorID, &ev.ResourceType,
		&ev.ResourceID, &ev.Message, &ev.Meta, &ev.RequestID, &ev.CreatedAt)
	return ev, err
}
