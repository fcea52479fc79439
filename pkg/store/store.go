// Package store persists notification records so that events delivered while
// a client was offline can be replayed when it reconnects.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNoTenant is returned when an operation needs a tenant and none was given.
var ErrNoTenant = errors.New("tenant id is required")

// DuplicateWindow is how close in time two records with the same tenant and
// id must be to count as one. Outside it a repeated id is a new occurrence,
// such as an order returning to a status it already had.
const DuplicateWindow = time.Hour

// duplicate reports whether a and b are the same notification.
func duplicate(a, b Record) bool {
	if a.ID != b.ID || a.RestaurantID != b.RestaurantID {
		return false
	}
	gap := a.CreatedAt.Sub(b.CreatedAt)
	return gap > -DuplicateWindow && gap < DuplicateWindow
}

// Record is a normalized notification as kept by durable storage.
type Record struct {
	CreatedAt    time.Time       `json:"created_at"`
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	RestaurantID string          `json:"restaurant_id"`
	EntityID     string          `json:"entity_id"`
	Title        string          `json:"title"`
	Body         string          `json:"body"`
	Data         json.RawMessage `json:"data,omitempty"`
	Read         bool            `json:"read"`
}

// Store is the durable notification store consumed by the dispatcher.
type Store interface {
	// Add persists a record.
	Add(ctx context.Context, r Record) error
	// FetchMissed returns records for the tenant that this store has not handed out before.
	FetchMissed(ctx context.Context, tenantID string) ([]Record, error)
	// Sync pushes locally acknowledged records back to the server.
	Sync(ctx context.Context) error
}

// Backlog is the relay-side view of storage: append and range reads per tenant.
type Backlog interface {
	Add(ctx context.Context, r Record) error
	Since(ctx context.Context, tenantID string, since time.Time) ([]Record, error)
}
