package model

import (
	"context"
	"time"
)

// ── External collaborator ports ──
// The pipeline core depends only on these interfaces; exchange adapters,
// storage and feeds satisfy them.

// Gateway places orders. Fills arrive asynchronously on Fills().
type Gateway interface {
	// Submit places intent. A non-nil error means the order was not accepted.
	Submit(ctx context.Context, intent OrderIntent) (OrderHandle, error)

	// Fills delivers terminal order results.
	Fills() <-chan Fill
}

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	ID            string    `json:"id"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	RowsProcessed int64     `json:"rows_processed"`
	RowsTotal     int64     `json:"rows_total"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SessionStore persists session rows.
type SessionStore interface {
	// EnsureSession creates the row if absent. Existing rows are left as is.
	EnsureSession(ctx context.Context, rec SessionRecord) error

	// SaveSession upserts status and progress.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// LoadSession returns the row, or ok=false if absent.
	LoadSession(ctx context.Context, id string) (SessionRecord, bool, error)
}

// TickSource is a finite or live sequence of ticks ordered by TS per symbol.
type TickSource interface {
	// Run emits ticks into out in batches and returns when the source is
	// exhausted or ctx is cancelled. Run does not close out.
	Run(ctx context.Context, out chan<- []Tick) error

	// Total returns the number of ticks the source will emit, or 0 if unknown.
	Total() int64
}
