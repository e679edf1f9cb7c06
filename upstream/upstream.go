// Package upstream provides the slow data sources behind the read-through
// cache: an in-memory store with simulated latency and a database/sql store.
package upstream

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports a valid lookup with no matching user.
	ErrNotFound = errors.New("upstream: user not found")
	// ErrUnsupportedDriver is returned by OpenSQL for unknown driver names.
	ErrUnsupportedDriver = errors.New("upstream: unsupported driver")
)

// User is the entity served through the cache.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the upstream contract consumed by the user service.
type Store interface {
	// Fetch returns the user with id, or ErrNotFound.
	Fetch(ctx context.Context, id int64) (User, error)
	// Create persists a new user and returns it with its assigned id.
	Create(ctx context.Context, name, email string) (User, error)
}

// SeedUsers returns the fixture users every fresh store starts with.
func SeedUsers() []User {
	return []User{
		{ID: 1, Name: "John Doe", Email: "john@example.com"},
		{ID: 2, Name: "Jane Smith", Email: "jane@example.com"},
		{ID: 3, Name: "Alice Johnson", Email: "alice@example.com"},
	}
}
