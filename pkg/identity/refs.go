package identity

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Execer is the subset of *sql.DB and *sql.Tx the reference maintenance
// needs, so cascades can run these statements inside their own transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// AddOwnedProject appends a project to the user's owned set.
func AddOwnedProject(ctx context.Context, q Execer, userID, projectID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE users SET owned_projects = array_append(owned_projects, $1), updated_at = NOW()
		WHERE id = $2 AND NOT ($1 = ANY(owned_projects))
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("failed to add owned project: %w", err)
	}
	return nil
}

// AddJoinedProject appends a project to the user's joined set.
func AddJoinedProject(ctx context.Context, q Execer, userID, projectID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE users SET joined_projects = array_append(joined_projects, $1), updated_at = NOW()
		WHERE id = $2 AND NOT ($1 = ANY(joined_projects))
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("failed to add joined project: %w", err)
	}
	return nil
}

// PullProject removes a project from a user's owned and joined sets.
// array_remove on an absent element is a no-op, so retried cascades converge.
func PullProject(ctx context.Context, q Execer, userID, projectID int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE users
		SET owned_projects = array_remove(owned_projects, $1),
		    joined_projects = array_remove(joined_projects, $1),
		    updated_at = NOW()
		WHERE id = $2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("failed to pull project reference: %w", err)
	}
	return nil
}

// PullProjectFromUsers removes a project from the joined sets of a group of
// users in one statement.
func PullProjectFromUsers(ctx context.Context, q Execer, userIDs []int64, projectID int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		UPDATE users
		SET joined_projects = array_remove(joined_projects, $1), updated_at = NOW()
		WHERE id = ANY($2)
	`, projectID, pq.Array(userIDs))
	if err != nil {
		return fmt.Errorf("failed to pull project reference from teammates: %w", err)
	}
	return nil
}

// Queryer is the read counterpart of Execer.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// LoadSummaries fetches id/code/name/email for the given users, keyed by ID.
// Missing IDs are simply absent from the result.
func LoadSummaries(ctx context.Context, q Queryer, userIDs []int64) (map[int64]Summary, error) {
	out := make(map[int64]Summary, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, code, full_name, email FROM users WHERE id = ANY($1)
	`, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to load user summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.Code, &s.FullName, &s.Email); err != nil {
			return nil, fmt.Errorf("failed to scan user summary: %w", err)
		}
		out[s.ID] = s
	}
	return out, rows.Err()
}
