package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/codes"
	"github.com/taskforge/taskforge/pkg/identity"
	"github.com/taskforge/taskforge/pkg/observability"
)

const uniqueViolation = "23505"

const projectColumns = `id, code, title, description, tags, owner_id, teammates, tasks, created_at, updated_at`

// Service implements project operations over PostgreSQL
type Service struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewService creates a new project service.
func NewService(db *sql.DB, logger *observability.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Create inserts a project owned by ownerID and appends it to the owner's
// owned set in the same transaction, so a project can never exist without its
// owner's back-reference.
func (s *Service) Create(ctx context.Context, ownerID int64, input CreateInput) (*Project, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, apperr.Validation("title is required",
			apperr.FieldError{Field: "title", Message: "title is required"})
	}

	description := input.Description
	if strings.TrimSpace(description) == "" {
		description = DefaultDescription
	}
	tags := input.Tags
	if tags == nil {
		tags = []string{}
	}

	for attempt := 0; attempt < codes.MaxInsertAttempts; attempt++ {
		project := &Project{
			Code:        codes.New(codes.KindProject),
			Title:       title,
			Description: description,
			Tags:        tags,
			OwnerID:     ownerID,
			Teammates:   []int64{},
			Tasks:       []int64{},
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO projects (code, title, description, tags, owner_id, teammates, tasks)
			VALUES ($1, $2, $3, $4, $5, '{}', '{}')
			RETURNING id, created_at, updated_at
		`, project.Code, project.Title, project.Description, pq.Array(project.Tags), ownerID).
			Scan(&project.ID, &project.CreatedAt, &project.UpdatedAt)
		if err != nil {
			tx.Rollback()
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				continue
			}
			return nil, fmt.Errorf("failed to create project: %w", err)
		}

		if err := identity.AddOwnedProject(ctx, tx, ownerID, project.ID); err != nil {
			tx.Rollback()
			return nil, err
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit project creation: %w", err)
		}
		return project, nil
	}

	return nil, apperr.Conflict("could not allocate a unique project code")
}

// Update mutates only the provided fields. Owner-only; code and owner never
// change.
func (s *Service) Update(ctx context.Context, actorID int64, code string, input UpdateInput) (*Project, error) {
	project, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != actorID {
		return nil, apperr.Forbidden("you are not allowed to edit this project")
	}

	if input.Title != nil && strings.TrimSpace(*input.Title) == "" {
		return nil, apperr.Validation("title is required",
			apperr.FieldError{Field: "title", Message: "title is required"})
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
	if input.Tags != nil {
		setClauses = append(setClauses, fmt.Sprintf("tags = $%d", argPos))
		args = append(args, pq.Array(*input.Tags))
		argPos++
	}

	args = append(args, project.ID)
	query := fmt.Sprintf("UPDATE projects SET %s WHERE id = $%d", strings.Join(setClauses, ", "), argPos)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}

	return s.getByCode(ctx, code)
}

// Delete removes the project and everything hanging off it in one
// transaction: subtasks of its tasks, the tasks, the owner's and every
// teammate's back-reference, then the project row. Nothing dangles afterward.
func (s *Service) Delete(ctx context.Context, actorID int64, code string) error {
	project, err := s.getByCode(ctx, code)
	if err != nil {
		return err
	}
	if project.OwnerID != actorID {
		return apperr.Forbidden("you are not allowed to delete this project")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Children first: subtasks of the project's tasks, then the tasks.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM subtasks WHERE task_id IN (SELECT id FROM tasks WHERE project_id = $1)
	`, project.ID); err != nil {
		return fmt.Errorf("failed to delete project subtasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tasks WHERE project_id = $1
	`, project.ID); err != nil {
		return fmt.Errorf("failed to delete project tasks: %w", err)
	}

	if err := identity.PullProject(ctx, tx, project.OwnerID, project.ID); err != nil {
		return err
	}
	if err := identity.PullProjectFromUsers(ctx, tx, project.Teammates, project.ID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, project.ID); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project deletion: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"project": project.Code,
		"tasks":   len(project.Tasks),
	}).Info("project deleted with cascade")
	return nil
}

// AddTeammate grants a user membership. Owner-only; maintains both the
// project's teammate set and the user's joined set in one transaction.
func (s *Service) AddTeammate(ctx context.Context, actorID int64, code, userCode string) (*Project, error) {
	project, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != actorID {
		return nil, apperr.Forbidden("only the owner can manage teammates")
	}

	var teammateID int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE code = $1`, userCode).Scan(&teammateID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve teammate: %w", err)
	}
	if teammateID == project.OwnerID {
		return nil, apperr.Validation("the owner cannot be a teammate",
			apperr.FieldError{Field: "user", Message: "user already owns this project"})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET teammates = array_append(teammates, $1), updated_at = NOW()
		WHERE id = $2 AND NOT ($1 = ANY(teammates))
	`, teammateID, project.ID); err != nil {
		return nil, fmt.Errorf("failed to add teammate: %w", err)
	}
	if err := identity.AddJoinedProject(ctx, tx, teammateID, project.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit teammate addition: %w", err)
	}

	return s.getByCode(ctx, code)
}

// RemoveTeammate revokes membership. Owner-only; idempotent.
func (s *Service) RemoveTeammate(ctx context.Context, actorID int64, code, userCode string) (*Project, error) {
	project, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != actorID {
		return nil, apperr.Forbidden("only the owner can manage teammates")
	}

	var teammateID int64
	err = s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE code = $1`, userCode).Scan(&teammateID)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve teammate: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE projects SET teammates = array_remove(teammates, $1), updated_at = NOW()
		WHERE id = $2
	`, teammateID, project.ID); err != nil {
		return nil, fmt.Errorf("failed to remove teammate: %w", err)
	}
	if err := identity.PullProject(ctx, tx, teammateID, project.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit teammate removal: %w", err)
	}

	return s.getByCode(ctx, code)
}

// GetByCode loads a project with owner and teammate display info.
func (s *Service) GetByCode(ctx context.Context, code string) (*Detail, error) {
	project, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.withSummaries(ctx, project)
}

// ListForUser returns every project the user owns or has joined.
func (s *Service) ListForUser(ctx context.Context, userID int64) ([]*Detail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE owner_id = $1 OR $1 = ANY(teammates)
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	details := make([]*Detail, 0, len(projects))
	for _, project := range projects {
		detail, err := s.withSummaries(ctx, project)
		if err != nil {
			return nil, err
		}
		details = append(details, detail)
	}
	return details, nil
}

// ResolveID maps a project code to its internal ID. Used by the task service
// to double-scope task lookups.
func (s *Service) ResolveID(ctx context.Context, code string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM projects WHERE code = $1`, code).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, apperr.NotFound("project not found")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve project: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*Project, error) {
	project := &Project{}
	var (
		tags      pq.StringArray
		teammates pq.Int64Array
		tasks     pq.Int64Array
	)
	err := row.Scan(
		&project.ID, &project.Code, &project.Title, &project.Description,
		&tags, &project.OwnerID, &teammates, &tasks,
		&project.CreatedAt, &project.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	project.Tags = tags
	project.Teammates = teammates
	project.Tasks = tasks
	return project, nil
}

func (s *Service) getByCode(ctx context.Context, code string) (*Project, error) {
	project, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE code = $1`, code))
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("project not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return project, nil
}

func (s *Service) withSummaries(ctx context.Context, project *Project) (*Detail, error) {
	ids := append([]int64{project.OwnerID}, project.Teammates...)
	summaries, err := identity.LoadSummaries(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}

	detail := &Detail{Project: *project, Owner: summaries[project.OwnerID]}
	detail.TeammateProfiles = make([]identity.Summary, 0, len(project.Teammates))
	for _, id := range project.Teammates {
		if summary, ok := summaries[id]; ok {
			detail.TeammateProfiles = append(detail.TeammateProfiles, summary)
		}
	}
	return detail, nil
}
