package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/observability"
)

type staticResolver struct {
	ids map[string]int64
}

func (r *staticResolver) ResolveID(ctx context.Context, code string) (int64, error) {
	id, ok := r.ids[code]
	if !ok {
		return 0, apperr.NotFound("project not found")
	}
	return id, nil
}

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	resolver := &staticResolver{ids: map[string]int64{"PROJ-AB23CD": 10}}
	service := NewService(db, resolver, observability.NewLogger(observability.ErrorLevel, io.Discard))
	return service, mock, db
}

func taskRows(t *testing.T, comments []Comment) *sqlmock.Rows {
	t.Helper()
	encoded, err := json.Marshal(comments)
	require.NoError(t, err)
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "code", "title", "description", "status", "priority", "due_date",
		"project_id", "assignees", "subtasks", "comments", "created_at", "updated_at",
	}).AddRow(
		int64(30), "TASK-AB23CD", "Ship it", "", "todo", "medium", nil,
		int64(10), pq.Int64Array{7}, pq.Int64Array{}, encoded, now, now,
	)
}

func subtaskRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "code", "title", "description", "status", "task_id", "assignees",
		"created_at", "updated_at",
	}).AddRow(
		int64(40), "SUB-AB23CD", "Cut release", "", "todo", int64(30),
		pq.Int64Array{}, now, now,
	)
}

func TestCreateTask(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()

	t.Run("success links project in one transaction", func(t *testing.T) {
		now := time.Now()
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO tasks`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
				AddRow(int64(30), now, now))
		mock.ExpectExec(`UPDATE projects SET tasks = array_append`).
			WithArgs(int64(30), int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		task, err := service.Create(ctx, "PROJ-AB23CD", CreateInput{Title: "Ship it"})
		require.NoError(t, err)
		assert.Equal(t, int64(30), task.ID)
		assert.Equal(t, int64(10), task.ProjectID)
		assert.Equal(t, StatusTodo, task.Status)
		assert.Equal(t, PriorityMedium, task.Priority)
		assert.Contains(t, task.Code, "TASK-")

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown project", func(t *testing.T) {
		_, err := service.Create(ctx, "PROJ-ZZZZZZ", CreateInput{Title: "Nope"})
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("missing title", func(t *testing.T) {
		_, err := service.Create(ctx, "PROJ-AB23CD", CreateInput{})
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("invalid status", func(t *testing.T) {
		_, err := service.Create(ctx, "PROJ-AB23CD", CreateInput{Title: "X", Status: "done"})
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})
}

func TestGetTaskScoping(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()

	t.Run("found in its project", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE code = \$1 AND project_id = \$2`).
			WithArgs("TASK-AB23CD", int64(10)).
			WillReturnRows(taskRows(t, nil))
		mock.ExpectQuery(`SELECT id, code, full_name, email FROM users WHERE id = ANY\(\$1\)`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "code", "full_name", "email"}).
				AddRow(int64(7), "USER-AB23CD", "Ada Lovelace", "ada@example.com"))

		detail, err := service.Get(ctx, "PROJ-AB23CD", "TASK-AB23CD")
		require.NoError(t, err)
		assert.Equal(t, "TASK-AB23CD", detail.Code)
		require.Len(t, detail.AssigneeProfiles, 1)
		assert.Equal(t, "Ada Lovelace", detail.AssigneeProfiles[0].FullName)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task code alone is not enough", func(t *testing.T) {
		// Same code under a different project resolves to no rows.
		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE code = \$1 AND project_id = \$2`).
			WithArgs("TASK-AB23CD", int64(10)).
			WillReturnError(sql.ErrNoRows)

		_, err := service.Get(ctx, "PROJ-AB23CD", "TASK-AB23CD")
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpdateTaskImmutableProject(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()

	newStatus := StatusCompleted

	mock.ExpectQuery(`SELECT .+ FROM tasks WHERE code = \$1 AND project_id = \$2`).
		WithArgs("TASK-AB23CD", int64(10)).
		WillReturnRows(taskRows(t, nil))
	// Only status and updated_at move; project_id is never in the SET list.
	mock.ExpectExec(`UPDATE tasks SET updated_at = NOW\(\), status = \$1 WHERE id = \$2`).
		WithArgs(newStatus, int64(30)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM tasks WHERE code = \$1 AND project_id = \$2`).
		WithArgs("TASK-AB23CD", int64(10)).
		WillReturnRows(taskRows(t, nil))

	_, err := service.Update(ctx, "PROJ-AB23CD", "TASK-AB23CD", UpdateInput{Status: &newStatus})
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteTaskCascade(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()

	mock.ExpectQuery(`SELECT .+ FROM tasks WHERE code = \$1 AND project_id = \$2`).
		WithArgs("TASK-AB23CD", int64(10)).
		WillReturnRows(taskRows(t, nil))

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM subtasks WHERE task_id = \$1`).
		WithArgs(int64(30)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE projects SET tasks = array_remove`).
		WithArgs(int64(30), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM tasks WHERE id = \$1`).
		WithArgs(int64(30)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, service.Delete(ctx, "PROJ-AB23CD", "TASK-AB23CD"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubtasks(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()

	t.Run("create links parent task", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery(`SELECT id FROM tasks WHERE code = \$1`).
			WithArgs("TASK-AB23CD").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(30)))

		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO subtasks`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
				AddRow(int64(40), now, now))
		mock.ExpectExec(`UPDATE tasks SET subtasks = array_append`).
			WithArgs(int64(40), int64(30)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		subtask, err := service.CreateSubtask(ctx, SubtaskCreateInput{
			TaskCode: "TASK-AB23CD",
			Title:    "Cut release",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(40), subtask.ID)
		assert.Equal(t, int64(30), subtask.TaskID)
		assert.Contains(t, subtask.Code, "SUB-")

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("create with missing parent", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id FROM tasks WHERE code = \$1`).
			WithArgs("TASK-ZZZZZZ").
			WillReturnError(sql.ErrNoRows)

		_, err := service.CreateSubtask(ctx, SubtaskCreateInput{
			TaskCode: "TASK-ZZZZZZ",
			Title:    "Orphan",
		})
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete pulls parent reference first", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM subtasks WHERE code = \$1`).
			WithArgs("SUB-AB23CD").
			WillReturnRows(subtaskRows())

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE tasks SET subtasks = array_remove`).
			WithArgs(int64(40), int64(30)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`DELETE FROM subtasks WHERE id = \$1`).
			WithArgs(int64(40)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, service.DeleteSubtask(ctx, "SUB-AB23CD"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update by global code", func(t *testing.T) {
		newStatus := StatusCompleted

		mock.ExpectQuery(`SELECT .+ FROM subtasks WHERE code = \$1`).
			WithArgs("SUB-AB23CD").
			WillReturnRows(subtaskRows())
		mock.ExpectExec(`UPDATE subtasks SET updated_at = NOW\(\), status = \$1 WHERE id = \$2`).
			WithArgs(newStatus, int64(40)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT .+ FROM subtasks WHERE code = \$1`).
			WithArgs("SUB-AB23CD").
			WillReturnRows(subtaskRows())

		_, err := service.UpdateSubtask(ctx, "SUB-AB23CD", SubtaskUpdateInput{Status: &newStatus})
		require.NoError(t, err)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestComments(t *testing.T) {
	service, mock, db := newMockService(t)
	defer db.Close()
	ctx := context.Background()

	existing := []Comment{
		{Code: "CMT-AB23CD", UserID: 7, Text: "first", CreatedAt: time.Now().UTC()},
	}

	t.Run("add appends under row lock", func(t *testing.T) {
		encoded, err := json.Marshal(existing)
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id, comments FROM tasks WHERE code = \$1 AND project_id = \$2 FOR UPDATE`).
			WithArgs("TASK-AB23CD", int64(10)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "comments"}).AddRow(int64(30), encoded))
		mock.ExpectExec(`UPDATE tasks SET comments = \$1, updated_at = NOW\(\) WHERE id = \$2`).
			WithArgs(sqlmock.AnyArg(), int64(30)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		comments, err := service.AddComment(ctx, "PROJ-AB23CD", "TASK-AB23CD", 7, "second")
		require.NoError(t, err)
		require.Len(t, comments, 2)
		assert.Equal(t, "second", comments[1].Text)
		assert.Contains(t, comments[1].Code, "CMT-")

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("add rejects empty text", func(t *testing.T) {
		_, err := service.AddComment(ctx, "PROJ-AB23CD", "TASK-AB23CD", 7, "  ")
		require.Error(t, err)
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	})

	t.Run("delete scans by code", func(t *testing.T) {
		encoded, err := json.Marshal(existing)
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id, comments FROM tasks WHERE code = \$1 AND project_id = \$2 FOR UPDATE`).
			WithArgs("TASK-AB23CD", int64(10)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "comments"}).AddRow(int64(30), encoded))
		mock.ExpectExec(`UPDATE tasks SET comments = \$1, updated_at = NOW\(\) WHERE id = \$2`).
			WithArgs(sqlmock.AnyArg(), int64(30)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		comments, err := service.DeleteComment(ctx, "PROJ-AB23CD", "TASK-AB23CD", "CMT-AB23CD")
		require.NoError(t, err)
		assert.Empty(t, comments)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("delete unknown comment", func(t *testing.T) {
		encoded, err := json.Marshal(existing)
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id, comments FROM tasks WHERE code = \$1 AND project_id = \$2 FOR UPDATE`).
			WithArgs("TASK-AB23CD", int64(10)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "comments"}).AddRow(int64(30), encoded))
		mock.ExpectRollback()

		_, err = service.DeleteComment(ctx, "PROJ-AB23CD", "TASK-AB23CD", "CMT-ZZZZZZ")
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list joins author display info", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM tasks WHERE code = \$1 AND project_id = \$2`).
			WithArgs("TASK-AB23CD", int64(10)).
			WillReturnRows(taskRows(t, existing))
		mock.ExpectQuery(`SELECT id, code, full_name, email FROM users WHERE id = ANY\(\$1\)`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "code", "full_name", "email"}).
				AddRow(int64(7), "USER-AB23CD", "Ada Lovelace", "ada@example.com"))

		views, err := service.ListComments(ctx, "PROJ-AB23CD", "TASK-AB23CD")
		require.NoError(t, err)
		require.Len(t, views, 1)
		require.NotNil(t, views[0].Author)
		assert.Equal(t, "Ada Lovelace", views[0].Author.FullName)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}
