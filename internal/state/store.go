package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/orieg/yaml-workflow-sub000/pkg/schema"
)

// DBFileName is the state database file inside a run directory.
const DBFileName = "state.db"

// Store persists run state in a libSQL database inside the run directory.
// All writes are synchronous: once a method returns, the state is durable.
type Store struct {
	db        *sql.DB
	workspace string
}

// Open opens (creating if needed) the state database for a run directory
// and applies pending migrations.
func Open(ctx context.Context, workspace string) (*Store, error) {
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, storeErr("create run directory", err)
	}

	dbPath := "file:" + filepath.Join(workspace, DBFileName)
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, storeErr("open state database", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, storeErr("migrate state database", err)
	}

	return &Store{db: db, workspace: workspace}, nil
}

// Workspace returns the run directory this store lives in.
func (s *Store) Workspace() string { return s.workspace }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Exists reports whether a run directory already has a state database.
func Exists(workspace string) bool {
	_, err := os.Stat(filepath.Join(workspace, DBFileName))
	return err == nil
}

// --- Run row ---

// Init creates the single run row, or refreshes its identity when the run
// directory is being reused for a fresh run. Like ResetState, this is a
// reset operation and bypasses the status transition table.
func (s *Store) Init(ctx context.Context, runID, workflow, flow string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run (id, run_id, workflow, flow, status) VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   run_id=excluded.run_id, workflow=excluded.workflow, flow=excluded.flow,
		   status=excluded.status, created_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP`,
		runID, workflow, flow, string(schema.RunStatusNotStarted),
	)
	if err != nil {
		return storeErr("init run", err)
	}
	return nil
}

// Load reads the full run state snapshot.
func (s *Store) Load(ctx context.Context) (*RunState, error) {
	rs := &RunState{
		Steps:   make(map[string]StepRecord),
		Retries: make(map[string]int),
	}

	var status string
	var target sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, workflow, flow, status, error_flow_target, created_at, updated_at FROM run WHERE id = 1`,
	).Scan(&rs.RunID, &rs.Workflow, &rs.Flow, &status, &target, &rs.CreatedAt, &rs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no run recorded in state database")
	}
	if err != nil {
		return nil, storeErr("load run", err)
	}
	rs.Status = schema.RunStatus(status)
	rs.ErrorFlowTarget = target.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT step, status, output, error, updated_at FROM step_outputs`)
	if err != nil {
		return nil, storeErr("load step outputs", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec StepRecord
		var output, errMsg sql.NullString
		if err := rows.Scan(&rec.Name, &rec.Status, &output, &errMsg, &rec.UpdatedAt); err != nil {
			return nil, storeErr("scan step output", err)
		}
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &rec.Output); err != nil {
				return nil, storeErr("unmarshal step output", err)
			}
		}
		rec.Error = errMsg.String
		rs.Steps[rec.Name] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load step outputs", err)
	}

	retryRows, err := s.db.QueryContext(ctx, `SELECT step, count FROM retry_state`)
	if err != nil {
		return nil, storeErr("load retry state", err)
	}
	defer retryRows.Close()

	for retryRows.Next() {
		var step string
		var count int
		if err := retryRows.Scan(&step, &count); err != nil {
			return nil, storeErr("scan retry state", err)
		}
		rs.Retries[step] = count
	}
	if err := retryRows.Err(); err != nil {
		return nil, storeErr("load retry state", err)
	}

	return rs, nil
}

// querier is the subset of *sql.DB and *sql.Tx the status helpers need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// setStatus moves the run to the given status, enforcing the transition
// table. Called with the outer transaction where one is open, so the check
// and the write are atomic.
func setStatus(ctx context.Context, q querier, to schema.RunStatus) error {
	var cur string
	if err := q.QueryRowContext(ctx, `SELECT status FROM run WHERE id = 1`).Scan(&cur); err != nil {
		return storeErr("read run status", err)
	}
	from := schema.RunStatus(cur)
	if !schema.IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"invalid run status transition %s -> %s", from, to)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE run SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`,
		string(to),
	); err != nil {
		return storeErr("set run status", err)
	}
	return nil
}

// SetStatus persists the run status. Invalid transitions (per
// schema.ValidRunTransitions) are rejected with a CONFLICT error.
func (s *Store) SetStatus(ctx context.Context, status schema.RunStatus) error {
	return setStatus(ctx, s.db, status)
}

// SetFlow pins the flow the run executes under.
func (s *Store) SetFlow(ctx context.Context, flow string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run SET flow = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`, flow)
	if err != nil {
		return storeErr("set flow", err)
	}
	return nil
}

// Flow returns the flow pinned at run start.
func (s *Store) Flow(ctx context.Context) (string, error) {
	var flow string
	err := s.db.QueryRowContext(ctx, `SELECT flow FROM run WHERE id = 1`).Scan(&flow)
	if err != nil {
		return "", storeErr("read flow", err)
	}
	return flow, nil
}

// --- Step outcomes ---

// MarkStepSuccess records a successful step with its normalized output and
// clears any retry counter for it.
func (s *Store) MarkStepSuccess(ctx context.Context, step string, output map[string]any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return storeErr("marshal step output", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin step success", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO step_outputs (step, status, output, error, updated_at)
		 VALUES (?, ?, ?, NULL, CURRENT_TIMESTAMP)
		 ON CONFLICT(step) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=NULL, updated_at=CURRENT_TIMESTAMP`,
		step, StepStatusSuccess, string(data),
	); err != nil {
		return storeErr("mark step success", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_state WHERE step = ?`, step); err != nil {
		return storeErr("clear retry state", err)
	}
	// A success moves the run back to in_progress. This is what lets a run
	// with an earlier continue-on-error failure still finish completed.
	if err := setStatus(ctx, tx, schema.RunStatusInProgress); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit step success", err)
	}
	return nil
}

// MarkStepFailed records a failed step with its rendered error message and
// marks the run failed.
func (s *Store) MarkStepFailed(ctx context.Context, step, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin step failure", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO step_outputs (step, status, output, error, updated_at)
		 VALUES (?, ?, NULL, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(step) DO UPDATE SET
		   status=excluded.status, output=NULL, error=excluded.error, updated_at=CURRENT_TIMESTAMP`,
		step, StepStatusFailed, message,
	); err != nil {
		return storeErr("mark step failed", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retry_state WHERE step = ?`, step); err != nil {
		return storeErr("clear retry state", err)
	}
	if err := setStatus(ctx, tx, schema.RunStatusFailed); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit step failure", err)
	}
	return nil
}

// ClearStepRecord removes a step's record, so a re-executed step starts clean.
func (s *Store) ClearStepRecord(ctx context.Context, step string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM step_outputs WHERE step = ?`, step); err != nil {
		return storeErr("clear step record", err)
	}
	return nil
}

// MarkRunCompleted marks the run completed.
func (s *Store) MarkRunCompleted(ctx context.Context) error {
	return s.SetStatus(ctx, schema.RunStatusCompleted)
}

// CompletedOutputs returns the outputs of all successful steps.
func (s *Store) CompletedOutputs(ctx context.Context) (map[string]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, output FROM step_outputs WHERE status = ?`, StepStatusSuccess)
	if err != nil {
		return nil, storeErr("load completed outputs", err)
	}
	defer rows.Close()

	outputs := make(map[string]map[string]any)
	for rows.Next() {
		var step string
		var output sql.NullString
		if err := rows.Scan(&step, &output); err != nil {
			return nil, storeErr("scan completed output", err)
		}
		m := map[string]any{}
		if output.Valid && output.String != "" {
			if err := json.Unmarshal([]byte(output.String), &m); err != nil {
				return nil, storeErr("unmarshal completed output", err)
			}
		}
		outputs[step] = m
	}
	return outputs, rows.Err()
}

// --- Retry counters ---

// StepRetryCount returns the persisted retry count for a step (0 if none).
func (s *Store) StepRetryCount(ctx context.Context, step string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM retry_state WHERE step = ?`, step).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("read retry count", err)
	}
	return count, nil
}

// IncrementStepRetry bumps a step's retry counter and returns the new value.
func (s *Store) IncrementStepRetry(ctx context.Context, step string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_state (step, count) VALUES (?, 1)
		 ON CONFLICT(step) DO UPDATE SET count = count + 1`, step)
	if err != nil {
		return 0, storeErr("increment retry count", err)
	}
	return s.StepRetryCount(ctx, step)
}

// ResetStepRetries clears a step's retry counter.
func (s *Store) ResetStepRetries(ctx context.Context, step string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM retry_state WHERE step = ?`, step); err != nil {
		return storeErr("reset retry count", err)
	}
	return nil
}

// --- Error-flow target ---

// SetErrorFlowTarget records the step an exhausted error policy jumps to.
func (s *Store) SetErrorFlowTarget(ctx context.Context, step string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run SET error_flow_target = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`, step)
	if err != nil {
		return storeErr("set error flow target", err)
	}
	return nil
}

// ErrorFlowTarget returns the pending jump target, or "".
func (s *Store) ErrorFlowTarget(ctx context.Context) (string, error) {
	var target sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT error_flow_target FROM run WHERE id = 1`).Scan(&target)
	if err != nil {
		return "", storeErr("read error flow target", err)
	}
	return target.String, nil
}

// ClearErrorFlowTarget clears the pending jump target.
func (s *Store) ClearErrorFlowTarget(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE run SET error_flow_target = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = 1`)
	if err != nil {
		return storeErr("clear error flow target", err)
	}
	return nil
}

// --- Reset ---

// ResetState wipes step outcomes, retries, the error-flow target, and the
// event history, returning the run to not_started. Used when a caller
// explicitly restarts a run in an existing directory.
func (s *Store) ResetState(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin reset", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM step_outputs`,
		`DELETE FROM retry_state`,
		`DELETE FROM events`,
		`UPDATE run SET status = 'not_started', error_flow_target = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = 1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storeErr("reset state", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit reset", err)
	}
	return nil
}

// --- Helpers ---

func storeErr(op string, err error) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeStateStore, "%s: %v", op, err).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
