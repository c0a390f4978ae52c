// Package schema bootstraps the database tables on startup.
package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// ddl creates the four tables and their lookup indexes. References between
// records are denormalized bigint arrays plus an embedded JSONB comment list;
// the services maintain them transactionally, so there are no foreign keys to
// fight during cascades.
const ddl = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	code VARCHAR(20) NOT NULL UNIQUE,
	full_name VARCHAR(255) NOT NULL,
	email VARCHAR(255) NOT NULL UNIQUE,
	password_hash VARCHAR(255) NOT NULL,
	role VARCHAR(20) NOT NULL DEFAULT 'user',
	avatar TEXT NOT NULL DEFAULT '',
	refresh_token TEXT,
	refresh_expires_at TIMESTAMP WITH TIME ZONE,
	owned_projects BIGINT[] NOT NULL DEFAULT '{}',
	joined_projects BIGINT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS projects (
	id BIGSERIAL PRIMARY KEY,
	code VARCHAR(20) NOT NULL UNIQUE,
	title VARCHAR(255) NOT NULL,
	description TEXT NOT NULL DEFAULT 'No description yet',
	tags TEXT[] NOT NULL DEFAULT '{}',
	owner_id BIGINT NOT NULL,
	teammates BIGINT[] NOT NULL DEFAULT '{}',
	tasks BIGINT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tasks (
	id BIGSERIAL PRIMARY KEY,
	code VARCHAR(20) NOT NULL UNIQUE,
	title VARCHAR(255) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status VARCHAR(20) NOT NULL DEFAULT 'todo'
		CHECK (status IN ('todo', 'pending', 'completed')),
	priority VARCHAR(20) NOT NULL DEFAULT 'medium'
		CHECK (priority IN ('high', 'medium', 'low')),
	due_date TIMESTAMP WITH TIME ZONE,
	project_id BIGINT NOT NULL,
	assignees BIGINT[] NOT NULL DEFAULT '{}',
	subtasks BIGINT[] NOT NULL DEFAULT '{}',
	comments JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS subtasks (
	id BIGSERIAL PRIMARY KEY,
	code VARCHAR(20) NOT NULL UNIQUE,
	title VARCHAR(255) NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status VARCHAR(20) NOT NULL DEFAULT 'todo'
		CHECK (status IN ('todo', 'pending', 'completed')),
	task_id BIGINT NOT NULL,
	assignees BIGINT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
CREATE INDEX IF NOT EXISTS idx_users_refresh_expires_at ON users(refresh_expires_at)
	WHERE refresh_token IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_projects_owner_id ON projects(owner_id);
CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_project_code ON tasks(project_id, code);
CREATE INDEX IF NOT EXISTS idx_subtasks_task_id ON subtasks(task_id);
`

// Ensure creates any missing tables and indexes. Safe to run on every start.
func Ensure(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
