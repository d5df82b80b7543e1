// Package user defines the authorized-user record and its store.
package user

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for user operations.
var (
	// ErrUserNotFound is returned by stores when no user has the id.
	ErrUserNotFound = errors.New("user not found")
	// ErrAuthFailed is returned for any credential mismatch. Callers must
	// not learn which part of the check failed.
	ErrAuthFailed = errors.New("authentication failed")
)

// User is an authorized user.
type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// Store provides user lookup and seeding.
// This interface is defined in the domain to avoid circular imports.
// Implementations: in-memory (dev), SQLite/PostgreSQL (prod).
type Store interface {
	// GetUser returns the user with id, or ErrUserNotFound.
	GetUser(ctx context.Context, id int64) (*User, error)

	// UpsertUser creates the user or updates its username.
	UpsertUser(ctx context.Context, u *User) error

	// ListUsers returns every user ordered by id.
	ListUsers(ctx context.Context) ([]User, error)
}
