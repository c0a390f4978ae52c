// Package project implements projects and the referential integrity rules
// tying them to their owner, teammates, and contained tasks. Every
// multi-entity mutation runs inside one transaction, and array pulls use
// array_remove so a retried cascade converges to the same end state.
package project

import (
	"time"

	"github.com/taskforge/taskforge/pkg/identity"
)

// Project represents one project and its denormalized reference sets.
type Project struct {
	ID          int64    `json:"id"`
	Code        string   `json:"code"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`

	// Owner is set at creation and never changes.
	OwnerID   int64   `json:"owner_id"`
	Teammates []int64 `json:"teammates"`
	Tasks     []int64 `json:"tasks"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Detail is a project with owner and teammate display info resolved.
type Detail struct {
	Project
	Owner            identity.Summary   `json:"owner"`
	TeammateProfiles []identity.Summary `json:"teammate_profiles"`
}

// CreateInput carries the project creation fields.
type CreateInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// UpdateInput carries the optional project mutation fields. Code and owner
// are immutable and deliberately absent.
type UpdateInput struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// DefaultDescription matches the placeholder assigned when none is supplied.
const DefaultDescription = "No description yet"
