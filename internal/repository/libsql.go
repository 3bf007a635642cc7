package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/opsen/sequent/pkg/schema"
)

// LibSQLRepository implements Repository using libSQL (embedded SQLite fork).
// Workflows are stored as JSON documents with the status denormalized into
// its own column for filtering and cheap status writes.
type LibSQLRepository struct {
	db *sql.DB
}

// NewLibSQLRepository opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/sequent.db".
func NewLibSQLRepository(dbPath string) (*LibSQLRepository, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLRepository{db: db}, nil
}

// Close closes the database.
func (r *LibSQLRepository) Close() error { return r.db.Close() }

// Migrate runs all pending database migrations.
func (r *LibSQLRepository) Migrate(ctx context.Context) error {
	return runMigrations(ctx, r.db)
}

// --- Workflows ---

func (r *LibSQLRepository) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	var doc string
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT doc, status FROM workflows WHERE id = ?`, id,
	).Scan(&doc, &status)
	if err == sql.ErrNoRows {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}

	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(doc), wf); err != nil {
		return nil, storeErr("decode workflow doc", err)
	}
	// The status column is authoritative; SetStatus writes it without
	// rewriting the document.
	wf.Status = schema.WorkflowStatus(status)
	return wf, nil
}

func (r *LibSQLRepository) PutWorkflow(ctx context.Context, wf *schema.Workflow) error {
	if wf == nil || wf.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow id is empty")
	}
	doc, err := json.Marshal(wf)
	if err != nil {
		return storeErr("marshal workflow doc", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO workflows (id, doc, status, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET doc=excluded.doc, status=excluded.status, updated_at=CURRENT_TIMESTAMP`,
		wf.ID, string(doc), string(wf.Status),
	)
	if err != nil {
		return storeErr("put workflow", err)
	}
	return nil
}

func (r *LibSQLRepository) SetStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return storeErr("set workflow status", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

func (r *LibSQLRepository) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	query := `SELECT doc, status FROM workflows`
	var args []any
	var conds []string
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list workflows", err)
	}
	defer rows.Close()

	var out []*schema.Workflow
	for rows.Next() {
		var doc, status string
		if err := rows.Scan(&doc, &status); err != nil {
			return nil, storeErr("scan workflow", err)
		}
		wf := &schema.Workflow{}
		if err := json.Unmarshal([]byte(doc), wf); err != nil {
			return nil, storeErr("decode workflow doc", err)
		}
		wf.Status = schema.WorkflowStatus(status)
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (r *LibSQLRepository) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete workflow", err)
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Scheduled runs ---

func (r *LibSQLRepository) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	if run == nil || run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled run id is empty")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, workflow_id, cron_expression, worker_name, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.CronExpression, run.WorkerName,
		run.Enabled, run.NextRunAt, timeOrNow(run.CreatedAt),
	)
	if err != nil {
		return storeErr("create scheduled run", err)
	}
	return nil
}

func (r *LibSQLRepository) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	run := &ScheduledRun{}
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, cron_expression, worker_name, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.WorkflowID, &run.CronExpression, &run.WorkerName,
		&enabled, &lastRun, &nextRun, &run.LastRunStatus, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("scheduled run", id)
	}
	if err != nil {
		return nil, storeErr("get scheduled run", err)
	}
	run.Enabled = enabled != 0
	if lastRun.Valid {
		run.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		run.NextRunAt = &nextRun.Time
	}
	return run, nil
}

func (r *LibSQLRepository) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.db.ExecContext(ctx,
		`UPDATE scheduled_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return storeErr("update scheduled run", err)
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (r *LibSQLRepository) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	query := `SELECT id, workflow_id, cron_expression, worker_name, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs`
	var args []any
	var conds []string
	if filter.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list scheduled runs", err)
	}
	defer rows.Close()

	var out []*ScheduledRun
	for rows.Next() {
		run := &ScheduledRun{}
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&run.ID, &run.WorkflowID, &run.CronExpression, &run.WorkerName,
			&enabled, &lastRun, &nextRun, &run.LastRunStatus, &run.CreatedAt); err != nil {
			return nil, storeErr("scan scheduled run", err)
		}
		run.Enabled = enabled != 0
		if lastRun.Valid {
			run.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			run.NextRunAt = &nextRun.Time
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *LibSQLRepository) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete scheduled run", err)
	}
	return checkRowsAffected(res, "scheduled run", id)
}

// --- helpers ---

func notFound(kind, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
}

func storeErr(op string, err error) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("rows affected", err)
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

var _ Repository = (*LibSQLRepository)(nil)
