package session

import (
	"context"
	"errors"
	"time"
)

// Repository defines the interface for durable session storage.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Find loads a session record by id.
	// Returns (nil, nil) if no record exists.
	// Returns (nil, err) on backend errors.
	Find(ctx context.Context, id string) (*Record, error)

	// Upsert writes rec, replacing any record with the same id.
	Upsert(ctx context.Context, rec *Record) error

	// Close releases any resources held by the repository.
	Close() error
}

// Record is the persisted form of a session. Instruments and Rolls hold the
// JSON encoding of the corresponding State maps.
type Record struct {
	ID          string    `json:"id"`
	Password    string    `json:"password"`
	Instruments string    `json:"instruments"`
	Rolls       string    `json:"rolls"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ErrRepositoryClosed is returned when operations are attempted on a closed
// repository.
var ErrRepositoryClosed = errors.New("session repository is closed")

func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	c := *rec
	return &c
}
