package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/codes"
	"github.com/taskforge/taskforge/pkg/identity"
)

// AddComment appends a comment to a project-scoped task. The comment gets its
// CMT- code at embed time. The read-modify-write of the JSONB list runs under
// a row lock so concurrent appends cannot drop each other.
func (s *Service) AddComment(ctx context.Context, projectCode, taskCode string, authorID int64, text string) ([]Comment, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Validation("comment text is required",
			apperr.FieldError{Field: "text", Message: "comment text is required"})
	}

	projectID, err := s.projects.ResolveID(ctx, projectCode)
	if err != nil {
		return nil, err
	}

	comment := Comment{
		Code:      codes.New(codes.KindComment),
		UserID:    authorID,
		Text:      strings.TrimSpace(text),
		CreatedAt: timeNow().UTC(),
	}

	comments, err := s.mutateComments(ctx, taskCode, projectID, func(existing []Comment) ([]Comment, error) {
		return append(existing, comment), nil
	})
	if err != nil {
		return nil, err
	}
	return comments, nil
}

// DeleteComment removes a comment by code from a project-scoped task: a
// linear scan of the embedded list, under the same row lock as AddComment.
func (s *Service) DeleteComment(ctx context.Context, projectCode, taskCode, commentCode string) ([]Comment, error) {
	projectID, err := s.projects.ResolveID(ctx, projectCode)
	if err != nil {
		return nil, err
	}

	return s.mutateComments(ctx, taskCode, projectID, func(existing []Comment) ([]Comment, error) {
		idx := -1
		for i, c := range existing {
			if c.Code == commentCode {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, apperr.NotFound("comment not found")
		}
		return append(existing[:idx], existing[idx+1:]...), nil
	})
}

// ListComments returns a task's comments with author display info.
func (s *Service) ListComments(ctx context.Context, projectCode, taskCode string) ([]CommentView, error) {
	projectID, err := s.projects.ResolveID(ctx, projectCode)
	if err != nil {
		return nil, err
	}
	task, err := s.getScoped(ctx, taskCode, projectID)
	if err != nil {
		return nil, err
	}

	authorIDs := make([]int64, 0, len(task.Comments))
	for _, c := range task.Comments {
		authorIDs = append(authorIDs, c.UserID)
	}
	summaries, err := identity.LoadSummaries(ctx, s.db, authorIDs)
	if err != nil {
		return nil, err
	}

	views := make([]CommentView, 0, len(task.Comments))
	for _, c := range task.Comments {
		view := CommentView{Comment: c}
		if summary, ok := summaries[c.UserID]; ok {
			view.Author = &summary
		}
		views = append(views, view)
	}
	return views, nil
}

// mutateComments applies fn to the task's comment list inside a transaction,
// locking the row with SELECT ... FOR UPDATE first.
func (s *Service) mutateComments(ctx context.Context, taskCode string, projectID int64, fn func([]Comment) ([]Comment, error)) ([]Comment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		taskID int64
		raw    []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, comments FROM tasks WHERE code = $1 AND project_id = $2 FOR UPDATE
	`, taskCode, projectID).Scan(&taskID, &raw)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("task not found in this project")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock task comments: %w", err)
	}

	var comments []Comment
	if err := json.Unmarshal(raw, &comments); err != nil {
		return nil, fmt.Errorf("failed to decode task comments: %w", err)
	}

	comments, err = fn(comments)
	if err != nil {
		return nil, err
	}
	if comments == nil {
		comments = []Comment{}
	}

	encoded, err := json.Marshal(comments)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task comments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET comments = $1, updated_at = NOW() WHERE id = $2
	`, encoded, taskID); err != nil {
		return nil, fmt.Errorf("failed to store task comments: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit comment mutation: %w", err)
	}
	return comments, nil
}
