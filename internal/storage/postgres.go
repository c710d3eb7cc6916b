package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool holding workflows, instances,
// executions, batches and the execution event log.
type DB struct {
	pool *pgxpool.Pool
}

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, opts PoolOptions) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Int32("max_conns", config.MaxConns).Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id                  TEXT PRIMARY KEY,
	name                TEXT NOT NULL,
	sql                 TEXT NOT NULL,
	remote_job_id       TEXT NOT NULL DEFAULT '',
	required_parameters TEXT[] NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS instances (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	workspace_id TEXT NOT NULL DEFAULT '',
	token        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS batch_executions (
	id                 TEXT PRIMARY KEY,
	workflow_id        TEXT NOT NULL,
	instance_ids       TEXT[] NOT NULL,
	parameters         JSONB,
	instance_overrides JSONB,
	status             TEXT NOT NULL,
	total_instances    INTEGER NOT NULL DEFAULT 0,
	completed_count    INTEGER NOT NULL DEFAULT 0,
	failed_count       INTEGER NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS batch_executions_status_idx ON batch_executions (status, started_at);

CREATE TABLE IF NOT EXISTS executions (
	id            TEXT PRIMARY KEY,
	workflow_id   TEXT NOT NULL,
	instance_id   TEXT NOT NULL,
	batch_id      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	progress      INTEGER NOT NULL DEFAULT 0,
	job_handle    TEXT NOT NULL DEFAULT '',
	mode          TEXT NOT NULL DEFAULT '',
	trigger       TEXT NOT NULL,
	parameters    JSONB,
	attempts      INTEGER NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	row_count     BIGINT NOT NULL DEFAULT 0,
	runtime_ms    BIGINT NOT NULL DEFAULT 0,
	bytes_scanned BIGINT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	error_kind    TEXT NOT NULL DEFAULT '',
	error_detail  JSONB,
	result        JSONB,
	result_error  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS executions_status_started_idx ON executions (status, started_at);
CREATE INDEX IF NOT EXISTS executions_batch_idx ON executions (batch_id) WHERE batch_id <> '';

CREATE TABLE IF NOT EXISTS execution_events (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	from_status  TEXT NOT NULL,
	to_status    TEXT NOT NULL,
	detail       TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS execution_events_exec_idx ON execution_events (execution_id, created_at);
`

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (db *DB) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	query := `
		SELECT id, name, sql, remote_job_id, required_parameters, created_at, updated_at
		FROM workflows WHERE id = $1`

	var wf Workflow
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&wf.ID, &wf.Name, &wf.SQL, &wf.RemoteJobID, &wf.RequiredParameters,
		&wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return nil, wrapNotFound(err, "workflow", id)
	}
	return &wf, nil
}

func (db *DB) SetWorkflowJobID(ctx context.Context, id, jobID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE workflows SET remote_job_id = $2, updated_at = now() WHERE id = $1`, id, jobID)
	if err != nil {
		return fmt.Errorf("updating workflow %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) GetInstance(ctx context.Context, id string) (*Instance, error) {
	query := `SELECT id, name, endpoint, workspace_id, token FROM instances WHERE id = $1`

	var inst Instance
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&inst.ID, &inst.Name, &inst.Endpoint, &inst.WorkspaceID, &inst.Token,
	)
	if err != nil {
		return nil, wrapNotFound(err, "instance", id)
	}
	return &inst, nil
}

const executionColumns = `id, workflow_id, instance_id, batch_id, status, progress, job_handle, mode,
	trigger, parameters, attempts, started_at, completed_at, duration_ms, row_count, runtime_ms,
	bytes_scanned, error_message, error_kind, error_detail, result, result_error`

func (db *DB) CreateExecution(ctx context.Context, exec *Execution) error {
	query := `INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.WorkflowID, exec.InstanceID, exec.BatchID,
		string(exec.Status), exec.Progress, exec.JobHandle, string(exec.Mode),
		string(exec.Trigger), exec.Parameters, exec.Attempts,
		exec.StartedAt, exec.CompletedAt, exec.DurationMS, exec.RowCount, exec.RuntimeMS,
		exec.BytesScanned, truncateForDB(exec.ErrorMessage, 65535), exec.ErrorKind,
		exec.ErrorDetail, exec.Result, exec.ResultError,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	exec, err := scanExecution(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapNotFound(err, "execution", id)
	}
	return exec, nil
}

func scanExecution(row pgx.Row) (*Execution, error) {
	var (
		exec                  Execution
		status, mode, trigger string
	)
	err := row.Scan(
		&exec.ID, &exec.WorkflowID, &exec.InstanceID, &exec.BatchID,
		&status, &exec.Progress, &exec.JobHandle, &mode,
		&trigger, &exec.Parameters, &exec.Attempts,
		&exec.StartedAt, &exec.CompletedAt, &exec.DurationMS, &exec.RowCount, &exec.RuntimeMS,
		&exec.BytesScanned, &exec.ErrorMessage, &exec.ErrorKind,
		&exec.ErrorDetail, &exec.Result, &exec.ResultError,
	)
	if err != nil {
		return nil, err
	}
	exec.Status = Status(status)
	exec.Mode = SubmitMode(mode)
	exec.Trigger = Trigger(trigger)
	return &exec, nil
}

// UpdateExecution applies u when the current status is one of from (or from is empty).
// The status guard makes the write conditional on what the caller read.
func (db *DB) UpdateExecution(ctx context.Context, id string, from []Status, u ExecutionUpdate) (bool, error) {
	sets, args := executionSets(u)
	if len(sets) == 0 {
		return false, nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	if len(from) > 0 {
		args = append(args, statusStrings(from))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating execution %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM executions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking execution %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return false, nil
}

func executionSets(u ExecutionUpdate) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Progress != nil {
		add("progress", *u.Progress)
	}
	if u.JobHandle != nil {
		add("job_handle", *u.JobHandle)
	}
	if u.Mode != nil {
		add("mode", string(*u.Mode))
	}
	if u.Attempts != nil {
		add("attempts", *u.Attempts)
	}
	if u.CompletedAt != nil {
		add("completed_at", *u.CompletedAt)
	}
	if u.DurationMS != nil {
		add("duration_ms", *u.DurationMS)
	}
	if u.RowCount != nil {
		add("row_count", *u.RowCount)
	}
	if u.RuntimeMS != nil {
		add("runtime_ms", *u.RuntimeMS)
	}
	if u.BytesScanned != nil {
		add("bytes_scanned", *u.BytesScanned)
	}
	if u.ErrorMessage != nil {
		add("error_message", truncateForDB(*u.ErrorMessage, 65535))
	}
	if u.ErrorKind != nil {
		add("error_kind", *u.ErrorKind)
	}
	if u.ErrorDetail != nil {
		add("error_detail", u.ErrorDetail)
	}
	if u.Result != nil {
		add("result", u.Result)
	}
	if u.ResultError != nil {
		add("result_error", *u.ResultError)
	}
	return sets, args
}

// ListExecutions queries executions with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		  AND ($2 = '' OR batch_id = $2)
		  AND ($3 = '' OR workflow_id = $3)
		  AND ($4::timestamptz IS NULL OR started_at >= $4)
		ORDER BY started_at DESC, id
		LIMIT $5 OFFSET $6`

	rows, err := db.pool.Query(ctx, query,
		statusStrings(filter.Statuses), filter.BatchID, filter.WorkflowID, filter.StartedAfter,
		normalizeLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, *exec)
	}

	return results, rows.Err()
}

// CancelBatchExecutions moves every pending or running child of a batch to cancelled in one statement.
func (db *DB) CancelBatchExecutions(ctx context.Context, batchID string, at time.Time) (int, error) {
	query := `
		UPDATE executions
		SET status = $2, completed_at = $3,
			duration_ms = GREATEST(0, (EXTRACT(EPOCH FROM ($3 - started_at)) * 1000)::bigint)
		WHERE batch_id = $1 AND status = ANY($4)`

	tag, err := db.pool.Exec(ctx, query, batchID, string(StatusCancelled), at, statusStrings(ActiveStatuses))
	if err != nil {
		return 0, fmt.Errorf("cancelling executions of batch %s: %w", batchID, err)
	}
	return int(tag.RowsAffected()), nil
}

const batchColumns = `id, workflow_id, instance_ids, parameters, instance_overrides, status,
	total_instances, completed_count, failed_count, error_message, created_at, started_at, completed_at`

func (db *DB) CreateBatch(ctx context.Context, b *BatchExecution) error {
	query := `INSERT INTO batch_executions (` + batchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := db.pool.Exec(ctx, query,
		b.ID, b.WorkflowID, b.InstanceIDs, b.Parameters, b.InstanceOverrides, string(b.Status),
		b.TotalInstances, b.CompletedCount, b.FailedCount, b.ErrorMessage,
		b.CreatedAt, b.StartedAt, b.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}
	return nil
}

func (db *DB) GetBatch(ctx context.Context, id string) (*BatchExecution, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_executions WHERE id = $1`

	b, err := scanBatch(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, wrapNotFound(err, "batch", id)
	}
	return b, nil
}

func scanBatch(row pgx.Row) (*BatchExecution, error) {
	var (
		b      BatchExecution
		status string
	)
	err := row.Scan(
		&b.ID, &b.WorkflowID, &b.InstanceIDs, &b.Parameters, &b.InstanceOverrides, &status,
		&b.TotalInstances, &b.CompletedCount, &b.FailedCount, &b.ErrorMessage,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	return &b, nil
}

func (db *DB) UpdateBatch(ctx context.Context, id string, from []BatchStatus, u BatchUpdate) (bool, error) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.TotalInstances != nil {
		add("total_instances", *u.TotalInstances)
	}
	if u.CompletedCount != nil {
		add("completed_count", *u.CompletedCount)
	}
	if u.FailedCount != nil {
		add("failed_count", *u.FailedCount)
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	if u.StartedAt != nil {
		add("started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		add("completed_at", *u.CompletedAt)
	}
	if len(sets) == 0 {
		return false, nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE batch_executions SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	if len(from) > 0 {
		statuses := make([]string, len(from))
		for i, s := range from {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}

	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("updating batch %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := db.GetBatch(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (db *DB) ListBatches(ctx context.Context, filter BatchFilter) ([]BatchExecution, error) {
	query := `SELECT ` + batchColumns + `
		FROM batch_executions
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR workflow_id = $2)
		  AND ($3::timestamptz IS NULL OR started_at < $3)
		ORDER BY created_at DESC, id
		LIMIT $4 OFFSET $5`

	rows, err := db.pool.Query(ctx, query,
		string(filter.Status), filter.WorkflowID, filter.StartedBefore,
		normalizeLimit(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying batches: %w", err)
	}
	defer rows.Close()

	var results []BatchExecution
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning batch row: %w", err)
		}
		results = append(results, *b)
	}
	return results, rows.Err()
}

// LogEvent inserts an execution status transition.
func (db *DB) LogEvent(ctx context.Context, event *ExecutionEvent) error {
	query := `
		INSERT INTO execution_events (id, execution_id, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := db.pool.Exec(ctx, query,
		event.ID, event.ExecutionID, string(event.From), string(event.To),
		truncateForDB(event.Detail, 4096), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution event: %w", err)
	}
	return nil
}

func wrapNotFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("querying %s %s: %w", kind, id, err)
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
