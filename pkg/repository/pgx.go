package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
)

// Config holds Postgres connection settings. Grounded on the teacher's
// pkg/database/client.go Config struct.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns int32
}

// PGXRepositories opens a pgx connection pool and returns Repositories
// backed by it. The caller is responsible for running schema migrations
// out-of-band (spec.md §1: migrations are an external collaborator).
func PGXRepositories(ctx context.Context, cfg Config) (*Repositories, *pgxpool.Pool, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &Repositories{
		Executions: &pgxExecRepo{pool: pool},
		Traces:     &pgxTraceRepo{pool: pool},
		Logs:       &pgxLogRepo{pool: pool},
	}, pool, nil
}

// NewPGXExecutionRepository wraps an already-open pool, for callers (tests,
// alternate wiring) that manage the pool's lifecycle themselves instead of
// going through PGXRepositories.
func NewPGXExecutionRepository(pool *pgxpool.Pool) ExecutionRepository { return &pgxExecRepo{pool: pool} }

// NewPGXTraceRepository mirrors NewPGXExecutionRepository for traces.
func NewPGXTraceRepository(pool *pgxpool.Pool) TraceRepository { return &pgxTraceRepo{pool: pool} }

// NewPGXLogRepository mirrors NewPGXExecutionRepository for logs.
func NewPGXLogRepository(pool *pgxpool.Pool) LogRepository { return &pgxLogRepo{pool: pool} }

type pgxExecRepo struct{ pool *pgxpool.Pool }

func (r *pgxExecRepo) Create(ctx context.Context, e *model.Execution) error {
	inputs, err := marshalJSON(e.Inputs)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO execution
			(job_id, group_id, group_email, created_by_email, run_name, status, created_at, inputs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.JobID, e.GroupID, e.GroupEmail, e.CreatedByEmail, e.RunName, e.Status, e.CreatedAt, inputs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return coreerr.New(coreerr.AlreadyExists, "job_id already exists in this group")
		}
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (r *pgxExecRepo) Get(ctx context.Context, jobID string, groupIDs []string) (*model.Execution, error) {
	if err := requireFilter(groupIDs); err != nil {
		return nil, err
	}
	row := r.pool.QueryRow(ctx, `
		SELECT job_id, group_id, group_email, created_by_email, run_name, status,
		       is_stopping, stop_reason, created_at, started_at, completed_at,
		       inputs, result, error, partial_results
		FROM execution
		WHERE job_id = $1 AND group_id = ANY($2)`, jobID, groupIDs)
	e, err := scanExecution(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, coreerr.New(coreerr.NotFound, "execution not found")
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return e, nil
}

func (r *pgxExecRepo) List(ctx context.Context, groupIDs []string, filter ExecutionFilter) ([]*model.Execution, error) {
	if err := requireFilter(groupIDs); err != nil {
		return nil, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, group_id, group_email, created_by_email, run_name, status,
		       is_stopping, stop_reason, created_at, started_at, completed_at,
		       inputs, result, error, partial_results
		FROM execution
		WHERE group_id = ANY($1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, groupIDs, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CompareAndSwapStatus implements the single-writer state machine
// (spec.md §4.2) with an explicit transaction: the row is locked with
// SELECT ... FOR UPDATE and its status checked against `from` before the
// UPDATE, so concurrent writers serialize on the row lock and first-writer-
// wins follows from that check.
func (r *pgxExecRepo) CompareAndSwapStatus(ctx context.Context, jobID, groupID string, from []model.Status, to model.Status, mutate func(*model.Execution)) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT job_id, group_id, group_email, created_by_email, run_name, status,
		       is_stopping, stop_reason, created_at, started_at, completed_at,
		       inputs, result, error, partial_results
		FROM execution
		WHERE job_id = $1 AND group_id = $2
		FOR UPDATE`, jobID, groupID)
	e, err := scanExecution(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, coreerr.New(coreerr.NotFound, "execution not found")
		}
		return false, fmt.Errorf("locking execution row: %w", err)
	}

	matched := false
	for _, s := range from {
		if e.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	e.Status = to
	if mutate != nil {
		mutate(e)
	}

	result, err := marshalJSON(e.Result)
	if err != nil {
		return false, err
	}
	partial, err := marshalJSON(e.PartialResults)
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE execution SET
			status = $1, is_stopping = $2, stop_reason = $3,
			started_at = $4, completed_at = $5,
			result = $6, error = $7, partial_results = $8
		WHERE job_id = $9 AND group_id = $10`,
		e.Status, e.IsStopping, e.StopReason, e.StartedAt, e.CompletedAt,
		result, e.Error, partial, jobID, groupID,
	)
	if err != nil {
		return false, fmt.Errorf("updating execution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing transition: %w", err)
	}
	return true, nil
}

func (r *pgxExecRepo) Delete(ctx context.Context, jobID string, groupIDs []string) error {
	if err := requireFilter(groupIDs); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM execution WHERE job_id = $1 AND group_id = ANY($2)`, jobID, groupIDs)
	if err != nil {
		return fmt.Errorf("deleting execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return coreerr.New(coreerr.NotFound, "execution not found")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*model.Execution, error) {
	var e model.Execution
	var inputs, result, partial []byte
	var errMsg *string
	if err := row.Scan(
		&e.JobID, &e.GroupID, &e.GroupEmail, &e.CreatedByEmail, &e.RunName, &e.Status,
		&e.IsStopping, &e.StopReason, &e.CreatedAt, &e.StartedAt, &e.CompletedAt,
		&inputs, &result, &errMsg, &partial,
	); err != nil {
		return nil, err
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	var err error
	if e.Inputs, err = unmarshalJSON(inputs); err != nil {
		return nil, err
	}
	if e.Result, err = unmarshalJSON(result); err != nil {
		return nil, err
	}
	if e.PartialResults, err = unmarshalJSON(partial); err != nil {
		return nil, err
	}
	return &e, nil
}

type pgxTraceRepo struct{ pool *pgxpool.Pool }

func (r *pgxTraceRepo) InsertBatch(ctx context.Context, traces []*model.ExecutionTrace) error {
	if len(traces) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range traces {
		meta, err := marshalJSON(t.TraceMetadata)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO execution_trace
				(job_id, group_id, group_email, event_source, event_context, event_type, output, trace_metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			t.JobID, t.GroupID, t.GroupEmail, t.EventSource, t.EventContext, t.EventType, t.Output, meta, t.CreatedAt,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range traces {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting trace: %w", err)
		}
	}
	return nil
}

func (r *pgxTraceRepo) ListByJob(ctx context.Context, jobID string, groupIDs []string) ([]*model.ExecutionTrace, error) {
	if err := requireFilter(groupIDs); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, group_id, group_email, event_source, event_context, event_type, output, trace_metadata, created_at
		FROM execution_trace
		WHERE job_id = $1 AND group_id = ANY($2)
		ORDER BY id ASC`, jobID, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}
	defer rows.Close()

	var out []*model.ExecutionTrace
	for rows.Next() {
		var t model.ExecutionTrace
		var meta []byte
		if err := rows.Scan(&t.JobID, &t.GroupID, &t.GroupEmail, &t.EventSource, &t.EventContext, &t.EventType, &t.Output, &meta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning trace: %w", err)
		}
		if t.TraceMetadata, err = unmarshalJSON(meta); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *pgxTraceRepo) JobExists(ctx context.Context, jobID, groupID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM execution WHERE job_id = $1 AND group_id = $2)`, jobID, groupID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking job existence: %w", err)
	}
	return exists, nil
}

type pgxLogRepo struct{ pool *pgxpool.Pool }

func (r *pgxLogRepo) InsertBatch(ctx context.Context, logs []*model.ExecutionLog) error {
	if len(logs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, l := range logs {
		batch.Queue(`
			INSERT INTO execution_logs (execution_id, group_id, group_email, content, timestamp)
			VALUES ($1, $2, $3, $4, $5)`,
			l.ExecutionID, l.GroupID, l.GroupEmail, l.Content, l.Timestamp,
		)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range logs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("inserting log: %w", err)
		}
	}
	return nil
}

func (r *pgxLogRepo) ListByExecution(ctx context.Context, executionID string, groupIDs []string) ([]*model.ExecutionLog, error) {
	if err := requireFilter(groupIDs); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT execution_id, group_id, group_email, content, timestamp
		FROM execution_logs
		WHERE execution_id = $1 AND group_id = ANY($2)
		ORDER BY id ASC`, executionID, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("listing logs: %w", err)
	}
	defer rows.Close()

	var out []*model.ExecutionLog
	for rows.Next() {
		var l model.ExecutionLog
		if err := rows.Scan(&l.ExecutionID, &l.GroupID, &l.GroupEmail, &l.Content, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling json field: %w", err)
	}
	return b, nil
}

func unmarshalJSON(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling json field: %w", err)
	}
	return v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
