package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/codes"
	"github.com/taskforge/taskforge/pkg/identity"
	"github.com/taskforge/taskforge/pkg/observability"
)

const uniqueViolation = "23505"

const taskColumns = `id, code, title, description, status, priority, due_date,
       project_id, assignees, subtasks, comments, created_at, updated_at`

const subtaskColumns = `id, code, title, description, status, task_id, assignees, created_at, updated_at`

// ProjectResolver maps a project code to its internal ID. Implemented by
// project.Service.
type ProjectResolver interface {
	ResolveID(ctx context.Context, code string) (int64, error)
}

// Service implements task, subtask, and comment operations over PostgreSQL
type Service struct {
	db       *sql.DB
	projects ProjectResolver
	logger   *observability.Logger
}

// NewService creates a new task service.
func NewService(db *sql.DB, projects ProjectResolver, logger *observability.Logger) *Service {
	return &Service{db: db, projects: projects, logger: logger}
}

// Create inserts a task under the project named by projectCode and appends it
// to the project's task set in the same transaction. Any authenticated caller
// who knows the project code may create tasks; ownership is not checked.
func (s *Service) Create(ctx context.Context, projectCode string, input CreateInput) (*Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, apperr.Validation("task title is required",
			apperr.FieldError{Field: "title", Message: "task title is required"})
	}

	status := input.Status
	if status == "" {
		status = StatusTodo
	}
	if !status.Valid() {
		return nil, apperr.Validation("invalid status",
			apperr.FieldError{Field: "status", Message: "status must be todo, pending, or completed"})
	}
	priority := input.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, apperr.Validation("invalid priority",
			apperr.FieldError{Field: "priority", Message: "priority must be high, medium, or low"})
	}
	assignees := input.Assignees
	if assignees == nil {
		assignees = []int64{}
	}

	projectID, err := s.projects.ResolveID(ctx, projectCode)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < codes.MaxInsertAttempts; attempt++ {
		task := &Task{
			Code:        codes.New(codes.KindTask),
			Title:       title,
			Description: input.Description,
			Status:      status,
			Priority:    priority,
			DueDate:     input.DueDate,
			ProjectID:   projectID,
			Assignees:   assignees,
			Subtasks:    []int64{},
			Comments:    []Comment{},
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO tasks (code, title, description, status, priority, due_date, project_id, assignees, subtasks, comments)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}', '[]')
			RETURNING id, created_at, updated_at
		`, task.Code, task.Title, task.Description, task.Status, task.Priority,
			task.DueDate, projectID, pq.Array(task.Assignees)).
			Scan(&task.ID, &task.CreatedAt, &task.UpdatedAt)
		if err != nil {
			tx.Rollback()
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				continue
			}
			return nil, fmt.Errorf("failed to create task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE projects SET tasks = array_append(tasks, $1), updated_at = NOW()
			WHERE id = $2 AND NOT ($1 = ANY(tasks))
		`, task.ID, projectID); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to link task to project: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit task creation: %w", err)
		}
		return task, nil
	}

	return nil, apperr.Conflict("could not allocate a unique task code")
}

// Get loads a task by code, scoped to the project named by projectCode.
func (s *Service) Get(ctx context.Context, projectCode, taskCode string) (*Detail, error) {
	projectID, err := s.projects.ResolveID(ctx, projectCode)
	if err != nil {
		return nil, err
	}
	task, err := s.getScoped(ctx, taskCode, projectID)
	if err != nil {
		return nil, err
	}
	return s.withAssignees(ctx, task)
}

// List returns the project's tasks, newest first, with assignee display info.
func (s *Service) List(ctx context.Context, projectCode string) ([]*Detail, error) {
	projectID, err := s.projects.ResolveID(ctx, projectCode)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY created_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	details := make([]*Detail, 0, len(tasks))
	for _, task := range tasks {
		detail, err := s.withAssignees(ctx, task)
		if err != nil {
			return nil, err
		}
		details = append(details, detail)
	}
	return details, nil
}

// Update mutates only the provided fields of a project-scoped task. The
// project reference never changes.
func (s *Service) Update(ctx context.Context, projectCode, taskCode string, input UpdateInput) (*Task, error) {
	projectID, err := s.projects.ResolveID(ctx, projectCode)
	if err != nil {
		return nil, err
	}
	task, err := s.getScoped(ctx, taskCode, projectID)
	if err != nil {
		return nil, err
	}

	if input.Title != nil && strings.TrimSpace(*input.Title) == "" {
		return nil, apperr.Validation("task title is required",
			apperr.FieldError{Field: "title", Message: "task title is required"})
	}
	if input.Status != nil && !input.Status.Valid() {
		return nil, apperr.Validation("invalid status",
			apperr.FieldError{Field: "status", Message: "status must be todo, pending, or completed"})
	}
	if input.Priority != nil && !input.Priority.Valid() {
		return nil, apperr.Validation("invalid priority",
			apperr.FieldError{Field: "priority", Message: "priority must be high, medium, or low"})
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
	if input.Priority != nil {
		setClauses = append(setClauses, fmt.Sprintf("priority = $%d", argPos))
		args = append(args, *input.Priority)
		argPos++
	}
	if input.DueDate != nil {
		setClauses = append(setClauses, fmt.Sprintf("due_date = $%d", argPos))
		args = append(args, *input.DueDate)
		argPos++
	}
	if input.Assignees != nil {
		setClauses = append(setClauses, fmt.Sprintf("assignees = $%d", argPos))
		args = append(args, pq.Array(*input.Assignees))
		argPos++
	}

	args = append(args, task.ID)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d", strings.Join(setClauses, ", "), argPos)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	return s.getScoped(ctx, taskCode, projectID)
}

// Delete removes a project-scoped task, its subtasks, and the project's
// back-reference in one transaction. array_remove makes a retried delete
// converge.
func (s *Service) Delete(ctx context.Context, projectCode, taskCode string) error {
	projectID, err := s.projects.ResolveID(ctx, projectCode)
	if err != nil {
		return err
	}
	task, err := s.getScoped(ctx, taskCode, projectID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM subtasks WHERE task_id = $1`, task.ID); err != nil {
		return fmt.Errorf("failed to delete task subtasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET tasks = array_remove(tasks, $1), updated_at = NOW() WHERE id = $2
	`, task.ID, projectID); err != nil {
		return fmt.Errorf("failed to unlink task from project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, task.ID); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task deletion: %w", err)
	}
	return nil
}

func (s *Service) getScoped(ctx context.Context, taskCode string, projectID int64) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE code = $1 AND project_id = $2
	`, taskCode, projectID))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("task not found in this project")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return task, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var (
		dueDate   sql.NullTime
		assignees pq.Int64Array
		subtasks  pq.Int64Array
		comments  []byte
	)
	err := row.Scan(
		&task.ID, &task.Code, &task.Title, &task.Description, &task.Status,
		&task.Priority, &dueDate, &task.ProjectID, &assignees, &subtasks,
		&comments, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if dueDate.Valid {
		t := dueDate.Time
		task.DueDate = &t
	}
	task.Assignees = assignees
	task.Subtasks = subtasks
	if err := json.Unmarshal(comments, &task.Comments); err != nil {
		return nil, fmt.Errorf("failed to decode task comments: %w", err)
	}
	return task, nil
}

func (s *Service) withAssignees(ctx context.Context, task *Task) (*Detail, error) {
	summaries, err := identity.LoadSummaries(ctx, s.db, task.Assignees)
	if err != nil {
		return nil, err
	}

	detail := &Detail{Task: *task}
	detail.AssigneeProfiles = make([]identity.Summary, 0, len(task.Assignees))
	for _, id := range task.Assignees {
		if summary, ok := summaries[id]; ok {
			detail.AssigneeProfiles = append(detail.AssigneeProfiles, summary)
		}
	}
	return detail, nil
}

// resolveTaskID loads a task row ID by global code. Subtask operations use
// this; they are not project-scoped.
func (s *Service) resolveTaskID(ctx context.Context, taskCode string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM tasks WHERE code = $1`, taskCode).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, apperr.NotFound("parent task not found")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve task: %w", err)
	}
	return id, nil
}

// timeNow is a seam for comment timestamps in tests.
var timeNow = time.Now
