package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record matches
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned when a write would violate a uniqueness rule
	ErrConflict = errors.New("session conflict")

	// ErrInvalidRecord is returned for records missing required fields
	ErrInvalidRecord = errors.New("invalid session record")
)

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, msg)
}

// Store is durable keyed storage of session records.
//
// Within one application name, key, session id and (subject id, session id)
// are each unique. A write that would break one of them fails with
// ErrConflict and leaves the existing record untouched. Reads return
// snapshots.
type Store interface {
	// Create inserts a new record.
	Create(ctx context.Context, rec *Record) error

	// Get returns the record for a key, or ErrNotFound. Expired records
	// are returned until swept; callers check Record.Expired.
	Get(ctx context.Context, applicationName, key string) (*Record, error)

	// UpdateTicket replaces the ticket and expiry of an existing record.
	UpdateTicket(ctx context.Context, applicationName, key string, ticket []byte, expires time.Time) error

	// DeleteByKey removes a record. Deleting a missing key is not an error.
	DeleteByKey(ctx context.Context, applicationName, key string) error

	// DeleteBySubjectAndSession removes every record of the subject with the
	// given IdP session id. An empty sessionID removes all of the subject's
	// records. Returns the number deleted.
	DeleteBySubjectAndSession(ctx context.Context, applicationName, subjectID, sessionID string) (int, error)

	// SweepExpired removes every record whose expiry is at or before now.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
