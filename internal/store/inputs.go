package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/tdawe/crewline/internal/run"
)

// CreateInputRequest inserts a new unresolved human-input request.
//
// The partial unique index on (execution_id) WHERE resolved_at IS NULL
// rejects a second unresolved request for the same execution; that
// violation is surfaced as an INVALID_STATE coded error since it means
// the caller tried to open a gate while one was already pending.
func (s *Store) CreateInputRequest(ctx context.Context, executionID, prompt string, deadline *time.Time) (*run.InputRequest, error) {
	req := &run.InputRequest{
		ExecutionID: executionID,
		Prompt:      prompt,
		CreatedAt:   time.Now().UTC(),
		Deadline:    deadline,
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO input_requests (execution_id, prompt, created_at, deadline)
		VALUES (?, ?, ?, ?)
	`, executionID, prompt, req.CreatedAt, nullTime(deadline))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, run.NewError(run.ErrCodeInvalidState, executionID,
				"an unresolved input request already exists")
		}
		return nil, fmt.Errorf("insert input request for %s: %w", executionID, err)
	}

	req.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert input request for %s: last insert id: %w", executionID, err)
	}

	return req, nil
}

// GetInputRequest fetches an input request by row id.
func (s *Store) GetInputRequest(ctx context.Context, id int64) (*run.InputRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, prompt, created_at, deadline, resolved_at, answer, outcome
		FROM input_requests
		WHERE id = ?
	`, id)

	req, err := scanInputRequest(row)
	if err == sql.ErrNoRows {
		return nil, run.NewError(run.ErrCodeNotFound, "", fmt.Sprintf("input request %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get input request %d: %w", id, err)
	}
	return req, nil
}

// UnresolvedInputRequest returns the unresolved request for an
// execution, or a NOT_FOUND coded error if none is pending.
func (s *Store) UnresolvedInputRequest(ctx context.Context, executionID string) (*run.InputRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, prompt, created_at, deadline, resolved_at, answer, outcome
		FROM input_requests
		WHERE execution_id = ? AND resolved_at IS NULL
	`, executionID)

	req, err := scanInputRequest(row)
	if err == sql.ErrNoRows {
		return nil, run.NewError(run.ErrCodeNotFound, executionID, "no unresolved input request")
	}
	if err != nil {
		return nil, fmt.Errorf("unresolved input request for %s: %w", executionID, err)
	}
	return req, nil
}

// LatestInputRequest returns the most recent input request for an
// execution regardless of resolution state, or a NOT_FOUND coded error
// if the execution never requested input. Used by losing Resolve
// callers to distinguish "too late" from "never asked".
func (s *Store) LatestInputRequest(ctx context.Context, executionID string) (*run.InputRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, execution_id, prompt, created_at, deadline, resolved_at, answer, outcome
		FROM input_requests
		WHERE execution_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, executionID)

	req, err := scanInputRequest(row)
	if err == sql.ErrNoRows {
		return nil, run.NewError(run.ErrCodeNotFound, executionID, "no input request")
	}
	if err != nil {
		return nil, fmt.Errorf("latest input request for %s: %w", executionID, err)
	}
	return req, nil
}

// ResolveInputRequest performs the single conditional "resolve iff still
// unresolved" write. Exactly one of any number of concurrent callers
// observes resolved=true; the rest observe false and must not treat
// their answer as having taken effect.
//
// answer is nil for timeout and cancellation outcomes.
func (s *Store) ResolveInputRequest(ctx context.Context, executionID string, answer *string, outcome run.InputOutcome) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE input_requests
		SET resolved_at = ?, answer = ?, outcome = ?
		WHERE execution_id = ? AND resolved_at IS NULL
	`, time.Now().UTC(), nullStringPtr(answer), string(outcome), executionID)
	if err != nil {
		return false, fmt.Errorf("resolve input request for %s: %w", executionID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve input request for %s: rows affected: %w", executionID, err)
	}
	return n > 0, nil
}

// ExpireInputRequests resolves every unresolved request whose deadline
// has passed to the timed_out outcome. Each expiry is the same
// conditional write as ResolveInputRequest, so a human answer landing
// in the same instant still wins or loses atomically.
//
// Returns the execution ids whose requests were expired by this sweep.
func (s *Store) ExpireInputRequests(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id FROM input_requests
		WHERE resolved_at IS NULL AND deadline IS NOT NULL AND deadline <= ?
		ORDER BY deadline ASC
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query expired input requests: %w", err)
	}
	defer rows.Close()

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired input request: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired input requests: %w", err)
	}

	var expired []string
	for _, executionID := range candidates {
		resolved, err := s.ResolveInputRequest(ctx, executionID, nil, run.OutcomeTimedOut)
		if err != nil {
			return expired, err
		}
		if resolved {
			expired = append(expired, executionID)
		}
		// resolved=false means a human answer or a cancel won in between;
		// nothing left for the sweep to do for that execution.
	}

	return expired, nil
}

func scanInputRequest(scanner interface{ Scan(dest ...any) error }) (*run.InputRequest, error) {
	var (
		req        run.InputRequest
		deadline   sql.NullTime
		resolvedAt sql.NullTime
		answer     sql.NullString
		outcome    sql.NullString
	)

	err := scanner.Scan(
		&req.ID,
		&req.ExecutionID,
		&req.Prompt,
		&req.CreatedAt,
		&deadline,
		&resolvedAt,
		&answer,
		&outcome,
	)
	if err != nil {
		return nil, err
	}

	req.CreatedAt = req.CreatedAt.UTC()
	if deadline.Valid {
		t := deadline.Time.UTC()
		req.Deadline = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		req.ResolvedAt = &t
	}
	if answer.Valid {
		a := answer.String
		req.Answer = &a
	}
	if outcome.Valid {
		req.Outcome = run.InputOutcome(outcome.String)
	}

	return &req, nil
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
