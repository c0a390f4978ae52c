// Package task implements tasks, their subtasks, and embedded comments.
// Tasks are always addressed scoped by (code, project), so a task code alone
// never reaches across projects. Subtask codes are global. Comments live as a
// JSONB list inside the task row and have no life of their own.
package task

import (
	"time"

	"github.com/taskforge/taskforge/pkg/identity"
)

// Status is the task/subtask progress state.
type Status string

const (
	StatusTodo      Status = "todo"
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusPending, StatusCompleted:
		return true
	}
	return false
}

// Priority orders tasks by urgency.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Comment is a value embedded in its task, never independently addressable.
type Comment struct {
	Code      string    `json:"code"`
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// CommentView is a comment with author display info resolved.
type CommentView struct {
	Comment
	Author *identity.Summary `json:"author,omitempty"`
}

// Task represents one task row.
type Task struct {
	ID          int64      `json:"id"`
	Code        string     `json:"code"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"due_date,omitempty"`

	// ProjectID is set at creation and never changes.
	ProjectID int64     `json:"project_id"`
	Assignees []int64   `json:"assignees"`
	Subtasks  []int64   `json:"subtasks"`
	Comments  []Comment `json:"comments"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Detail is a task with assignee display info resolved.
type Detail struct {
	Task
	AssigneeProfiles []identity.Summary `json:"assignee_profiles"`
}

// Subtask represents one subtask row.
type Subtask struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      Status `json:"status"`

	// TaskID is set at creation and never changes.
	TaskID    int64   `json:"task_id"`
	Assignees []int64 `json:"assignees"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateInput carries the task creation fields.
type CreateInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
	Assignees   []int64    `json:"assignees"`
}

// UpdateInput carries the optional task mutation fields. Code and project
// are immutable and deliberately absent.
type UpdateInput struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Status      *Status    `json:"status,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Assignees   *[]int64   `json:"assignees,omitempty"`
}

// SubtaskCreateInput carries the subtask creation fields; TaskCode names the
// parent.
type SubtaskCreateInput struct {
	TaskCode    string  `json:"task"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Status      Status  `json:"status"`
	Assignees   []int64 `json:"assignees"`
}

// SubtaskUpdateInput carries the optional subtask mutation fields.
type SubtaskUpdateInput struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Status      *Status  `json:"status,omitempty"`
	Assignees   *[]int64 `json:"assignees,omitempty"`
}
