// Package identity owns user records: registration, credential verification,
// profile updates, and the single refresh-token slot used by the token
// lifecycle manager.
package identity

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// Role represents account-level roles
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User represents a registered account.
//
// PasswordHash and the refresh-token slot never serialize; Sanitized returns
// a copy with them zeroed for handing to callers outside this package.
type User struct {
	ID           int64  `json:"id"`
	Code         string `json:"code"`
	FullName     string `json:"full_name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
	Avatar       string `json:"avatar,omitempty"`

	// Single active session per account: the currently valid refresh token
	// and its expiry, or empty when logged out.
	RefreshToken     string     `json:"-"`
	RefreshExpiresAt *time.Time `json:"-"`

	OwnedProjects  []int64 `json:"owned_projects"`
	JoinedProjects []int64 `json:"joined_projects"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sanitized returns a copy safe to expose: credential fields stripped.
func (u *User) Sanitized() *User {
	c := *u
	c.PasswordHash = ""
	c.RefreshToken = ""
	c.RefreshExpiresAt = nil
	return &c
}

// Summary is the reduced shape embedded in project/task payloads.
type Summary struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// Summary returns the reduced shape for embedding.
func (u *User) Summary() Summary {
	return Summary{ID: u.ID, Code: u.Code, FullName: u.FullName, Email: u.Email}
}

// RegisterInput carries the registration request fields.
type RegisterInput struct {
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UpdateProfileInput carries the optional profile mutation fields.
type UpdateProfileInput struct {
	FullName *string `json:"full_name,omitempty"`
	Avatar   *string `json:"avatar,omitempty"`
}

// DefaultAvatar derives a placeholder avatar from the first letter of the
// user's name.
func DefaultAvatar(fullName string) string {
	initial, _ := utf8.DecodeRuneInString(strings.TrimSpace(fullName))
	if initial == utf8.RuneError {
		initial = '?'
	}
	return fmt.Sprintf("https://ui-avatars.com/api/?name=%s&background=random",
		url.QueryEscape(strings.ToUpper(string(initial))))
}

// NormalizeEmail lower-cases and trims an email for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
