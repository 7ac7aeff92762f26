package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tdawe/crewline/internal/run"
)

// AppendStage persists a stage and assigns it the next sequence number
// for its execution. Sequence numbers are gap-free from 1 and are the
// sole ordering authority for the execution's stage log.
//
// The seq is computed and the row inserted inside one transaction; the
// (execution_id, seq) primary key rejects a duplicate if a second writer
// ever appends for the same execution concurrently (the engine's task
// loop is the single writer, so this is a safety net, not a sequencer).
func (s *Store) AppendStage(ctx context.Context, executionID string, stage run.Stage) (run.StageRecord, error) {
	rec := run.StageRecord{
		ExecutionID: executionID,
		Stage:       stage,
		CreatedAt:   time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, fmt.Errorf("append stage: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM stages WHERE execution_id = ?
	`, executionID).Scan(&seq)
	if err != nil {
		return rec, fmt.Errorf("append stage: next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stages
		(execution_id, seq, task_index, stage_type, title, content, agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		executionID,
		seq,
		stage.TaskIndex,
		string(stage.Type),
		stage.Title,
		stage.Content,
		nullString(stage.Agent),
		rec.CreatedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("append stage: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return rec, fmt.Errorf("append stage: commit: %w", err)
	}

	rec.Seq = seq
	return rec, nil
}

// ReadStages returns all persisted stages for an execution with
// seq >= fromSeq, in seq order. Used by reconnecting viewers to fill
// gaps and by the gate/engine to re-read history.
func (s *Store) ReadStages(ctx context.Context, executionID string, fromSeq int64) ([]run.StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, seq, task_index, stage_type, title, content, agent, created_at
		FROM stages
		WHERE execution_id = ? AND seq >= ?
		ORDER BY seq ASC
	`, executionID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("read stages for %s: %w", executionID, err)
	}
	defer rows.Close()

	var records []run.StageRecord
	for rows.Next() {
		rec, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages for %s: %w", executionID, err)
	}

	return records, nil
}

// LastSeq returns the highest stage sequence number for an execution,
// or 0 if no stages have been appended.
func (s *Store) LastSeq(ctx context.Context, executionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM stages WHERE execution_id = ?
	`, executionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq for %s: %w", executionID, err)
	}
	return seq, nil
}

func scanStage(rows *sql.Rows) (run.StageRecord, error) {
	var (
		rec       run.StageRecord
		stageType string
		agent     sql.NullString
	)

	err := rows.Scan(
		&rec.ExecutionID,
		&rec.Seq,
		&rec.TaskIndex,
		&stageType,
		&rec.Title,
		&rec.Content,
		&agent,
		&rec.CreatedAt,
	)
	if err != nil {
		return rec, fmt.Errorf("scan stage: %w", err)
	}

	rec.Type = run.StageType(stageType)
	if agent.Valid {
		rec.Agent = agent.String
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	return rec, nil
}
