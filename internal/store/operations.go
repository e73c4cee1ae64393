package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Operation statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusHalted    = "halted"
	StatusFailed    = "failed"
)

type Operation struct {
	ID           string     `json:"id"`
	Target       string     `json:"target"`
	Objective    string     `json:"objective"`
	Status       string     `json:"status"`
	StopReason   string     `json:"stop_reason,omitempty"`
	MaxSteps     int        `json:"max_steps"`
	Steps        int        `json:"steps"`
	InputTokens  int64      `json:"input_tokens"`
	OutputTokens int64      `json:"output_tokens"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

const operationColumns = `id, target, objective, status, stop_reason, max_steps, steps, input_tokens, output_tokens, started_at, ended_at`

func scanOperation(scanner interface {
	Scan(dest ...any) error
}) (*Operation, error) {
	op := &Operation{}
	var reason *string
	err := scanner.Scan(&op.ID, &op.Target, &op.Objective, &op.Status, &reason,
		&op.MaxSteps, &op.Steps, &op.InputTokens, &op.OutputTokens, &op.StartedAt, &op.EndedAt)
	if err != nil {
		return nil, err
	}
	if reason != nil {
		op.StopReason = *reason
	}
	return op, nil
}

func (s *Store) SaveOperation(op *Operation) error {
	if op.Status == "" {
		op.Status = StatusRunning
	}
	_, err := s.db.Exec(`
		INSERT INTO operations (id, target, objective, status, max_steps)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			target = excluded.target,
			objective = excluded.objective,
			status = excluded.status,
			max_steps = excluded.max_steps`,
		op.ID, op.Target, op.Objective, op.Status, op.MaxSteps)
	if err != nil {
		return fmt.Errorf("save operation: %w", err)
	}
	return nil
}

func (s *Store) GetOperation(id string) (*Operation, error) {
	row := s.db.QueryRow(`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

func (s *Store) ListOperations(limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+operationColumns+` FROM operations ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// FinishOperation records the terminal status of an operation.
func (s *Store) FinishOperation(id, status, reason string, steps int) error {
	_, err := s.db.Exec(`
		UPDATE operations
		SET status = ?, stop_reason = ?, steps = ?, ended_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, reason, steps, id)
	if err != nil {
		return fmt.Errorf("finish operation: %w", err)
	}
	return nil
}

func (s *Store) UpdateOperationProgress(id string, steps int, inputTokens, outputTokens int64) error {
	_, err := s.db.Exec(`
		UPDATE operations
		SET steps = ?, input_tokens = MAX(input_tokens, ?), output_tokens = MAX(output_tokens, ?)
		WHERE id = ?`, steps, inputTokens, outputTokens, id)
	if err != nil {
		return fmt.Errorf("update operation progress: %w", err)
	}
	return nil
}

// MarkInterrupted fails operations left running by a previous process.
func (s *Store) MarkInterrupted() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE operations
		SET status = ?, stop_reason = 'interrupted', ended_at = CURRENT_TIMESTAMP
		WHERE status = ?`, StatusFailed, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}
	return res.RowsAffected()
}
