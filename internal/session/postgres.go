package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore keeps session records in the user_sessions table. The
// table's unique indexes enforce the key, session id and (subject, session
// id) rules so concurrent writers on different nodes cannot overwrite each
// other.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing pool. The schema is
// created by database.Migrate.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Create inserts a new record
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	created := rec.Created
	if created.IsZero() {
		created = now
	}
	renewed := rec.Renewed
	if renewed.IsZero() {
		renewed = created
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_sessions
			(application_name, session_key, subject_id, session_id, ticket, created, renewed, expires)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ApplicationName, rec.Key, rec.SubjectID, nullable(rec.SessionID),
		rec.Ticket, created, renewed, rec.Expires.UTC())
	if err != nil {
		return mapPgError(err, "create session")
	}
	return nil
}

// Get returns the record for key
func (s *PostgresStore) Get(ctx context.Context, applicationName, key string) (*Record, error) {
	var (
		rec Record
		sid *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT application_name, session_key, subject_id, session_id, ticket, created, renewed, expires
		FROM user_sessions
		WHERE application_name = $1 AND session_key = $2
	`, applicationName, key).Scan(
		&rec.ApplicationName, &rec.Key, &rec.SubjectID, &sid,
		&rec.Ticket, &rec.Created, &rec.Renewed, &rec.Expires,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sid != nil {
		rec.SessionID = *sid
	}
	return &rec, nil
}

// UpdateTicket replaces the ticket and expiry of an existing record
func (s *PostgresStore) UpdateTicket(ctx context.Context, applicationName, key string, ticket []byte, expires time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_sessions
		SET ticket = $3, expires = $4, renewed = NOW()
		WHERE application_name = $1 AND session_key = $2
	`, applicationName, key, ticket, expires.UTC())
	if err != nil {
		return mapPgError(err, "update session")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByKey removes a record
func (s *PostgresStore) DeleteByKey(ctx context.Context, applicationName, key string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM user_sessions WHERE application_name = $1 AND session_key = $2",
		applicationName, key)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteBySubjectAndSession removes the subject's records for an IdP session
func (s *PostgresStore) DeleteBySubjectAndSession(ctx context.Context, applicationName, subjectID, sessionID string) (int, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	if sessionID == "" {
		tag, err = s.pool.Exec(ctx,
			"DELETE FROM user_sessions WHERE application_name = $1 AND subject_id = $2",
			applicationName, subjectID)
	} else {
		tag, err = s.pool.Exec(ctx,
			"DELETE FROM user_sessions WHERE application_name = $1 AND subject_id = $2 AND session_id = $3",
			applicationName, subjectID, sessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("delete sessions for subject: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SweepExpired removes expired records
func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM user_sessions WHERE expires <= $1", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mapPgError(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w (%s)", op, ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
