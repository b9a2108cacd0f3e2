package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manthysbr/comfylink/internal/core/domain"
)

const defaultListLimit = 50

func (r *Repository) SaveRun(ctx context.Context, run domain.Run) error {
	workflowJSON, err := json.Marshal(run.Workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}
	outputs := run.Outputs
	if outputs == nil {
		outputs = []domain.OutputAsset{}
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	query := `
	INSERT INTO runs (id, prompt_id, status, workflow, outputs, error, created_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		prompt_id = excluded.prompt_id,
		status = excluded.status,
		outputs = excluded.outputs,
		error = excluded.error,
		completed_at = excluded.completed_at;
	`
	_, err = r.db.ExecContext(ctx, query,
		string(run.ID), string(run.PromptID), string(run.Status),
		string(workflowJSON), string(outputsJSON), run.Error,
		run.CreatedAt.UTC(), completedAt(run),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, id domain.RunID) (domain.Run, error) {
	query := `SELECT id, prompt_id, status, workflow, outputs, error, created_at, completed_at FROM runs WHERE id = ?`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (r *Repository) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT id, prompt_id, status, workflow, outputs, error, created_at, completed_at FROM runs ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var id, status string
	var promptID sql.NullString
	var workflowJSON, outputsJSON string

	if err := row.Scan(&id, &promptID, &status, &workflowJSON, &outputsJSON, &run.Error, &run.CreatedAt, &run.CompletedAt); err != nil {
		return domain.Run{}, err
	}

	run.ID = domain.RunID(id)
	run.PromptID = domain.PromptID(promptID.String)
	run.Status = domain.RunStatus(status)

	if err := json.Unmarshal([]byte(workflowJSON), &run.Workflow); err != nil {
		return domain.Run{}, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &run.Outputs); err != nil {
		return domain.Run{}, fmt.Errorf("failed to unmarshal outputs: %w", err)
	}
	return run, nil
}

func completedAt(run domain.Run) any {
	if run.CompletedAt == nil {
		return nil
	}
	return run.CompletedAt.UTC()
}
