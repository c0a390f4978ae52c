package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/codes"
)

// CreateSubtask inserts a subtask under the task named by input.TaskCode and
// appends it to the task's subtask set in the same transaction.
func (s *Service) CreateSubtask(ctx context.Context, input SubtaskCreateInput) (*Subtask, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, apperr.Validation("subtask title is required",
			apperr.FieldError{Field: "title", Message: "subtask title is required"})
	}

	status := input.Status
	if status == "" {
		status = StatusTodo
	}
	if !status.Valid() {
		return nil, apperr.Validation("invalid status",
			apperr.FieldError{Field: "status", Message: "status must be todo, pending, or completed"})
	}
	assignees := input.Assignees
	if assignees == nil {
		assignees = []int64{}
	}

	taskID, err := s.resolveTaskID(ctx, input.TaskCode)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < codes.MaxInsertAttempts; attempt++ {
		subtask := &Subtask{
			Code:        codes.New(codes.KindSubtask),
			Title:       title,
			Description: input.Description,
			Status:      status,
			TaskID:      taskID,
			Assignees:   assignees,
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO subtasks (code, title, description, status, task_id, assignees)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		`, subtask.Code, subtask.Title, subtask.Description, subtask.Status,
			taskID, pq.Array(subtask.Assignees)).
			Scan(&subtask.ID, &subtask.CreatedAt, &subtask.UpdatedAt)
		if err != nil {
			tx.Rollback()
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				continue
			}
			return nil, fmt.Errorf("failed to create subtask: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET subtasks = array_append(subtasks, $1), updated_at = NOW()
			WHERE id = $2 AND NOT ($1 = ANY(subtasks))
		`, subtask.ID, taskID); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to link subtask to task: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit subtask creation: %w", err)
		}
		return subtask, nil
	}

	return nil, apperr.Conflict("could not allocate a unique subtask code")
}

// GetSubtask loads a subtask by its global code.
func (s *Service) GetSubtask(ctx context.Context, subtaskCode string) (*Subtask, error) {
	return s.getSubtask(ctx, subtaskCode)
}

// UpdateSubtask mutates only the provided fields. The parent task reference
// never changes.
func (s *Service) UpdateSubtask(ctx context.Context, subtaskCode string, input SubtaskUpdateInput) (*Subtask, error) {
	subtask, err := s.getSubtask(ctx, subtaskCode)
	if err != nil {
		return nil, err
	}

	if input.Title != nil && strings.TrimSpace(*input.Title) == "" {
		return nil, apperr.Validation("subtask title is required",
			apperr.FieldError{Field: "title", Message: "subtask title is required"})
	}
	if input.Status != nil && !input.Status.Valid() {
		return nil, apperr.Validation("invalid status",
			apperr.FieldError{Field: "status", Message: "status must be todo, pending, or completed"})
	}

	setClauses := []string{"updated_at = NOW()"}
	args := []interface{}{}
	argPos := 1

	if input.Title != nil {
		setClauses = append(setClauses, fmt.Sprintf("title = $%d", argPos))
		args = append(args, strings.TrimSpace(*input.Title))
		argPos++
	}
	if input.Description != nil {
		setClauses = append(setClauses, fmt.Sprintf("description = $%d", argPos))
		args = append(args, *input.Description)
		argPos++
	}
	if input.Status != nil {
		setClauses = append(setClauses, fmt.Sprintf("status = $%d", argPos))
		args = append(args, *input.Status)
		argPos++
	}
	if input.Assignees != nil {
		setClauses = append(setClauses, fmt.Sprintf("assignees = $%d", argPos))
		args = append(args, pq.Array(*input.Assignees))
		argPos++
	}

	args = append(args, subtask.ID)
	query := fmt.Sprintf("UPDATE subtasks SET %s WHERE id = $%d", strings.Join(setClauses, ", "), argPos)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update subtask: %w", err)
	}

	return s.getSubtask(ctx, subtaskCode)
}

// DeleteSubtask removes a subtask and pulls it from its parent task's subtask
// set in one transaction.
func (s *Service) DeleteSubtask(ctx context.Context, subtaskCode string) error {
	subtask, err := s.getSubtask(ctx, subtaskCode)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET subtasks = array_remove(subtasks, $1), updated_at = NOW() WHERE id = $2
	`, subtask.ID, subtask.TaskID); err != nil {
		return fmt.Errorf("failed to unlink subtask from task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subtasks WHERE id = $1`, subtask.ID); err != nil {
		return fmt.Errorf("failed to delete subtask: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit subtask deletion: %w", err)
	}
	return nil
}

// ListSubtasks returns every subtask, optionally filtered by parent task
// code (empty means all).
func (s *Service) ListSubtasks(ctx context.Context, taskCode string) ([]*Subtask, error) {
	query := `SELECT ` + subtaskColumns + ` FROM subtasks ORDER BY created_at DESC`
	args := []interface{}{}
	if taskCode != "" {
		taskID, err := s.resolveTaskID(ctx, taskCode)
		if err != nil {
			return nil, err
		}
		query = `SELECT ` + subtaskColumns + ` FROM subtasks WHERE task_id = $1 ORDER BY created_at DESC`
		args = append(args, taskID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []*Subtask
	for rows.Next() {
		subtask, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, subtask)
	}
	return subtasks, rows.Err()
}

func (s *Service) getSubtask(ctx context.Context, code string) (*Subtask, error) {
	subtask, err := scanSubtask(s.db.QueryRowContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtasks WHERE code = $1`, code))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("subtask not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subtask: %w", err)
	}
	return subtask, nil
}

func scanSubtask(row rowScanner) (*Subtask, error) {
	subtask := &Subtask{}
	var assignees pq.Int64Array
	err := row.Scan(
		&subtask.ID, &subtask.Code, &subtask.Title, &subtask.Description,
		&subtask.Status, &subtask.TaskID, &assignees,
		&subtask.CreatedAt, &subtask.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	subtask.Assignees = assignees
	return subtask, nil
}
