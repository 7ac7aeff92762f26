package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tdawe/crewline/internal/run"
)

// CreateExecution inserts a new execution row in PENDING state.
func (s *Store) CreateExecution(ctx context.Context, exec *run.Execution) error {
	if exec == nil {
		return fmt.Errorf("nil execution payload")
	}
	if exec.Status == "" {
		exec.Status = run.StatusPending
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions
		(id, crew_id, client_id, status, current_task_index, cancel_requested, error_message, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.CrewID,
		exec.ClientID,
		string(exec.Status),
		exec.CurrentTaskIndex,
		boolToInt(exec.CancelRequested),
		nullString(exec.ErrorMessage),
		exec.CreatedAt,
		nullTime(exec.StartedAt),
		nullTime(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	return nil
}

// GetExecution fetches a single execution row by id.
// Returns a NOT_FOUND coded error for unknown ids.
func (s *Store) GetExecution(ctx context.Context, id string) (*run.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, crew_id, client_id, status, current_task_index, cancel_requested, error_message, created_at, started_at, completed_at
		FROM executions
		WHERE id = ?
	`, id)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, run.NewError(run.ErrCodeNotFound, id, "execution not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get execution %s: %w", id, err)
	}
	return exec, nil
}

// ListExecutionsByStatus returns executions in any of the given states,
// oldest first. Used by the worker to claim PENDING rows and to resume
// in-flight executions after a restart.
func (s *Store) ListExecutionsByStatus(ctx context.Context, statuses ...run.Status) ([]*run.Execution, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, crew_id, client_id, status, current_task_index, cancel_requested, error_message, created_at, started_at, completed_at
		FROM executions
		WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)
		ORDER BY created_at ASC, id ASC`

	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*run.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}

	return execs, nil
}

// ListActiveExecutionsByCrew returns the crew's non-terminal executions,
// oldest first. Used by the crew stream to snapshot everything in flight
// at connect time.
func (s *Store) ListActiveExecutionsByCrew(ctx context.Context, crewID string) ([]*run.Execution, error) {
	query := `
		SELECT id, crew_id, client_id, status, current_task_index, cancel_requested, error_message, created_at, started_at, completed_at
		FROM executions
		WHERE crew_id = ? AND status IN (?, ?, ?)
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, crewID,
		string(run.StatusPending), string(run.StatusRunning), string(run.StatusWaiting))
	if err != nil {
		return nil, fmt.Errorf("list executions for crew %s: %w", crewID, err)
	}
	defer rows.Close()

	var execs []*run.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}

	return execs, nil
}

// TransitionStatus performs a conditional status transition.
// Returns true iff the row was in `from` and is now in `to`; a false
// return with nil error means another writer got there first (or the
// execution does not exist).
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to run.Status) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions SET status = ? WHERE id = ? AND status = ?
	`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition execution %s %s->%s: %w", id, from, to, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition execution %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// ClaimPending transitions a PENDING execution to RUNNING and stamps
// started_at. The conditional WHERE makes the claim safe against a
// second worker racing for the same row.
func (s *Store) ClaimPending(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, string(run.StatusRunning), startedAt.UTC(), id, string(run.StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim execution %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim execution %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// CompleteExecution moves an execution to a terminal status. A no-op if
// the execution is already terminal (returns false) so that concurrent
// completion paths (engine vs cancel) race safely.
func (s *Store) CompleteExecution(ctx context.Context, id string, status run.Status, errorMessage string, completedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("complete execution %s: %s is not a terminal status", id, status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`,
		string(status),
		nullString(errorMessage),
		completedAt.UTC(),
		id,
		string(run.StatusCompleted), string(run.StatusFailed), string(run.StatusCancelled),
	)
	if err != nil {
		return false, fmt.Errorf("complete execution %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete execution %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// AdvanceTaskIndex records that the engine moved on to the given task.
// The index only moves forward.
func (s *Store) AdvanceTaskIndex(ctx context.Context, id string, taskIndex int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET current_task_index = ?
		WHERE id = ? AND current_task_index < ?
	`, taskIndex, id, taskIndex)
	if err != nil {
		return fmt.Errorf("advance task index for %s: %w", id, err)
	}
	return nil
}

// RequestCancel sets the cancellation flag on a non-terminal execution.
// Returns true if the flag is now set (including repeat requests;
// cancellation is idempotent) and false if the execution is already
// terminal or unknown; callers distinguish those two via GetExecution.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET cancel_requested = 1
		WHERE id = ? AND status NOT IN (?, ?, ?)
	`, id, string(run.StatusCompleted), string(run.StatusFailed), string(run.StatusCancelled))
	if err != nil {
		return false, fmt.Errorf("request cancel for %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("request cancel for %s: rows affected: %w", id, err)
	}
	return n > 0, nil
}

// CancelRequested reads the cancellation flag for an execution.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM executions WHERE id = ?
	`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, run.NewError(run.ErrCodeNotFound, id, "execution not found")
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag for %s: %w", id, err)
	}
	return flag != 0, nil
}

func scanExecution(scanner interface{ Scan(dest ...any) error }) (*run.Execution, error) {
	var (
		exec            run.Execution
		status          string
		cancelRequested int
		errorMessage    sql.NullString
		startedAt       sql.NullTime
		completedAt     sql.NullTime
	)

	err := scanner.Scan(
		&exec.ID,
		&exec.CrewID,
		&exec.ClientID,
		&status,
		&exec.CurrentTaskIndex,
		&cancelRequested,
		&errorMessage,
		&exec.CreatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.Status = run.Status(status)
	exec.CancelRequested = cancelRequested != 0
	if errorMessage.Valid {
		exec.ErrorMessage = errorMessage.String
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		exec.CompletedAt = &t
	}

	return &exec, nil
}

func repeatPlaceholder(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
