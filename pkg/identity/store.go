package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/async"
	"github.com/taskforge/taskforge/pkg/avatars"
	"github.com/taskforge/taskforge/pkg/codes"
	"github.com/taskforge/taskforge/pkg/observability"
)

// uniqueViolation is the Postgres error code for unique-constraint failures.
const uniqueViolation = "23505"

const userColumns = `id, code, full_name, email, password_hash, role, avatar,
       refresh_token, refresh_expires_at, owned_projects, joined_projects,
       created_at, updated_at`

// PostgresStore implements the identity store over PostgreSQL
type PostgresStore struct {
	db      *sql.DB
	avatars avatars.Store
	logger  *observability.Logger
}

// NewPostgresStore creates a new identity store. The avatar store may be nil
// when profile images are not served by this deployment.
func NewPostgresStore(db *sql.DB, avatarStore avatars.Store, logger *observability.Logger) *PostgresStore {
	return &PostgresStore{db: db, avatars: avatarStore, logger: logger}
}

// Register creates a new account. The password is bcrypt-hashed before
// storage; the plaintext is never persisted or returned. A generated USER-
// code is assigned on first persistence and retried on the (improbable)
// collision.
func (s *PostgresStore) Register(ctx context.Context, input RegisterInput) (*User, error) {
	fullName := strings.TrimSpace(input.FullName)
	email := NormalizeEmail(input.Email)
	password := input.Password

	var fields []apperr.FieldError
	if fullName == "" {
		fields = append(fields, apperr.FieldError{Field: "fullName", Message: "full name is required"})
	}
	if email == "" {
		fields = append(fields, apperr.FieldError{Field: "email", Message: "email is required"})
	}
	if strings.TrimSpace(password) == "" {
		fields = append(fields, apperr.FieldError{Field: "password", Message: "password is required"})
	}
	if len(fields) > 0 {
		return nil, apperr.Validation("all fields are required", fields...)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	avatar := DefaultAvatar(fullName)

	for attempt := 0; attempt < codes.MaxInsertAttempts; attempt++ {
		user := &User{
			Code:     codes.New(codes.KindUser),
			FullName: fullName,
			Email:    email,
			Role:     RoleUser,
			Avatar:   avatar,
		}

		err = s.db.QueryRowContext(ctx, `
			INSERT INTO users (code, full_name, email, password_hash, role, avatar, owned_projects, joined_projects)
			VALUES ($1, $2, $3, $4, $5, $6, '{}', '{}')
			RETURNING id, created_at, updated_at
		`, user.Code, user.FullName, user.Email, string(hash), user.Role, user.Avatar).
			Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
		if err == nil {
			return user.Sanitized(), nil
		}

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			if strings.Contains(pqErr.Constraint, "email") {
				return nil, &apperr.Error{
					Kind:    apperr.KindConflict,
					Message: "user with this email already exists",
					Fields:  []apperr.FieldError{{Field: "email", Message: "email is already registered"}},
				}
			}
			// Code collision: regenerate and retry.
			continue
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return nil, apperr.Conflict("could not allocate a unique user code")
}

// VerifyCredentials checks an email/password pair and returns the matching
// account. bcrypt comparison is the constant-effort primitive; no further
// timing equalization is attempted.
func (s *PostgresStore) VerifyCredentials(ctx context.Context, email, password string) (*User, error) {
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required",
			apperr.FieldError{Field: "email", Message: "email is required"},
			apperr.FieldError{Field: "password", Message: "password is required"})
	}

	user, err := s.getByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperr.Unauthenticated("invalid credentials")
	}

	return user, nil
}

// ChangePassword verifies the old password before hashing and storing the
// new one.
func (s *PostgresStore) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return apperr.Validation("new password is required",
			apperr.FieldError{Field: "newPassword", Message: "new password is required"})
	}

	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return apperr.Validation("old password is incorrect",
			apperr.FieldError{Field: "oldPassword", Message: "old password is incorrect"})
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2
	`, string(hash), userID)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	return nil
}

// UpdateProfile mutates only the provided fields and returns the sanitized
// result. When the avatar is replaced, the previous store-managed image is
// deleted best-effort; a failed delete is logged, never fatal.
func (s *PostgresStore) UpdateProfile(ctx context.Context, userID int64, input UpdateProfileInput) (*User, error) {
	if input.FullName != nil && strings.TrimSpace(*input.FullName) == "" {
		return nil, apperr.Validation("full name is required",
			apperr.FieldError{Field: "fullName", Message: "full name is required"})
	}

	current, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	setClauses := []string{"updated_at = NOW()"}
	args := []interface{}{}
	argPos := 1

	if input.FullName != nil {
		setClauses = append(setClauses, fmt.Sprintf("full_name = $%d", argPos))
		args = append(args, strings.TrimSpace(*input.FullName))
		argPos++
	}
	if input.Avatar != nil {
		setClauses = append(setClauses, fmt.Sprintf("avatar = $%d", argPos))
		args = append(args, *input.Avatar)
		argPos++
	}

	args = append(args, userID)
	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(setClauses, ", "), argPos)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, apperr.NotFound("user not found")
	}

	if input.Avatar != nil && s.avatars != nil &&
		current.Avatar != "" && current.Avatar != *input.Avatar && s.avatars.Managed(current.Avatar) {
		replaced := current.Avatar
		async.Go(ctx, 10*time.Second, "avatar cleanup", s.logger, func(ctx context.Context) error {
			return s.avatars.Delete(ctx, replaced)
		})
	}

	return s.GetSanitized(ctx, userID)
}

// GetByID loads the full record, credential fields included. Callers outside
// the auth path want GetSanitized.
func (s *PostgresStore) GetByID(ctx context.Context, userID int64) (*User, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
}

// GetSanitized loads a record with credential-sensitive fields stripped.
func (s *PostgresStore) GetSanitized(ctx context.Context, userID int64) (*User, error) {
	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Sanitized(), nil
}

// GetByCode loads a sanitized record by its human-facing code.
func (s *PostgresStore) GetByCode(ctx context.Context, code string) (*User, error) {
	user, err := s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE code = $1`, code)
	if err != nil {
		return nil, err
	}
	return user.Sanitized(), nil
}

func (s *PostgresStore) getByEmail(ctx context.Context, email string) (*User, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg interface{}) (*User, error) {
	user := &User{}
	var (
		refreshToken     sql.NullString
		refreshExpiresAt sql.NullTime
		owned            pq.Int64Array
		joined           pq.Int64Array
	)

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Code, &user.FullName, &user.Email, &user.PasswordHash,
		&user.Role, &user.Avatar, &refreshToken, &refreshExpiresAt,
		&owned, &joined, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if refreshToken.Valid {
		user.RefreshToken = refreshToken.String
	}
	if refreshExpiresAt.Valid {
		t := refreshExpiresAt.Time
		user.RefreshExpiresAt = &t
	}
	user.OwnedProjects = owned
	user.JoinedProjects = joined

	return user, nil
}

// SetRefreshToken unconditionally overwrites the refresh-token slot. This is
// the login path: any previously active session is displaced. The write
// touches only the slot columns so it cannot fail on unrelated field state.
func (s *PostgresStore) SetRefreshToken(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET refresh_token = $1, refresh_expires_at = $2 WHERE id = $3
	`, token, expiresAt, userID)
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperr.NotFound("user not found")
	}
	return nil
}

// SwapRefreshToken replaces the slot only when it still holds the presented
// token. Returns false when another rotation (or a revoke) won the race;
// exactly one of two concurrent swaps with the same presented token can
// succeed.
func (s *PostgresStore) SwapRefreshToken(ctx context.Context, userID int64, presented, next string, expiresAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET refresh_token = $1, refresh_expires_at = $2
		WHERE id = $3 AND refresh_token = $4
	`, next, expiresAt, userID, presented)
	if err != nil {
		return false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// ClearRefreshToken empties the slot (logout). Any previously issued refresh
// token is permanently rejected afterwards.
func (s *PostgresStore) ClearRefreshToken(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET refresh_token = NULL, refresh_expires_at = NULL WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear refresh token: %w", err)
	}
	return nil
}

// ClearExpiredRefreshTokens empties every slot whose recorded expiry has
// passed. Run by the janitor; idempotent.
func (s *PostgresStore) ClearExpiredRefreshTokens(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET refresh_token = NULL, refresh_expires_at = NULL
		WHERE refresh_token IS NOT NULL AND refresh_expires_at < NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired refresh tokens: %w", err)
	}
	return result.RowsAffected()
}
