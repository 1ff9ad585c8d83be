// Package pg provides the durable Postgres-backed stores for authorization
// sessions, officer credentials and the officer directory.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"mobigate.org/internal/authz"
	"mobigate.org/internal/credential"
	"mobigate.org/internal/directory"
)

// Store wraps the shared connection pool.
type Store struct {
	db *sql.DB
}

var _ authz.SessionStore = (*Store)(nil)

// Open connects to Postgres and tunes the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing pool (used by tests with sqlmock).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const (
	retryAttempts = 3
	retryDelay    = 50 * time.Millisecond
)

// withRetry re-runs fn on transient failures with bounded backoff. Sentinel
// domain errors pass through untouched.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay << attempt):
		}
	}
	return err
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, authz.ErrNotFound),
		errors.Is(err, authz.ErrVersionConflict),
		errors.Is(err, credential.ErrNoRecord),
		errors.Is(err, directory.ErrNotFound),
		errors.Is(err, sql.ErrNoRows),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

type sessionRow struct {
	Transaction    []byte
	Requirement    []byte
	Authorizations []byte
	ApprovedAt     sql.NullTime
	CancelledAt    sql.NullTime
	CancelReason   sql.NullString
}

func (s *Store) Get(ctx context.Context, id string) (authz.Session, error) {
	var sess authz.Session
	err := withRetry(ctx, func() error {
		var row sessionRow
		err := s.db.QueryRowContext(ctx, `
			select transaction, initiator_role, requirement, status, created_at, expires_at,
			       approved_at, cancelled_at, cancel_reason, authorizations, version
			from authorization_sessions where id=$1
		`, id).Scan(
			&row.Transaction, &sess.InitiatorRole, &row.Requirement, &sess.Status,
			&sess.CreatedAt, &sess.ExpiresAt, &row.ApprovedAt, &row.CancelledAt,
			&row.CancelReason, &row.Authorizations, &sess.Version,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return authz.ErrNotFound
		}
		if err != nil {
			return err
		}
		sess.ID = id
		if err := json.Unmarshal(row.Transaction, &sess.Transaction); err != nil {
			return fmt.Errorf("decode transaction: %w", err)
		}
		if err := json.Unmarshal(row.Requirement, &sess.Requirement); err != nil {
			return fmt.Errorf("decode requirement: %w", err)
		}
		sess.Authorizations = make(map[authz.Role]time.Time)
		if len(row.Authorizations) > 0 {
			if err := json.Unmarshal(row.Authorizations, &sess.Authorizations); err != nil {
				return fmt.Errorf("decode authorizations: %w", err)
			}
		}
		if row.ApprovedAt.Valid {
			at := row.ApprovedAt.Time
			sess.ApprovedAt = &at
		}
		if row.CancelledAt.Valid {
			at := row.CancelledAt.Time
			sess.CancelledAt = &at
		}
		sess.CancelReason = row.CancelReason.String
		return nil
	})
	if err != nil {
		return authz.Session{}, err
	}
	return sess, nil
}

// Put inserts a new session (version 0) or compare-and-swaps an existing one
// on its version column. A stale write fails with ErrVersionConflict so the
// service re-reads; this is the cross-process serialization backstop.
func (s *Store) Put(ctx context.Context, sess authz.Session) error {
	txJSON, err := json.Marshal(sess.Transaction)
	if err != nil {
		return err
	}
	reqJSON, err := json.Marshal(sess.Requirement)
	if err != nil {
		return err
	}
	authJSON, err := json.Marshal(sess.Authorizations)
	if err != nil {
		return err
	}
	var approvedAt, cancelledAt any
	if sess.ApprovedAt != nil {
		approvedAt = *sess.ApprovedAt
	}
	if sess.CancelledAt != nil {
		cancelledAt = *sess.CancelledAt
	}

	return withRetry(ctx, func() error {
		if sess.Version == 0 {
			res, err := s.db.ExecContext(ctx, `
				insert into authorization_sessions
					(id, transaction, initiator_role, requirement, status, created_at, expires_at,
					 approved_at, cancelled_at, cancel_reason, authorizations, version)
				values ($1,$2,$3,$4,$5,$6,$7,$8,$9,nullif($10,''),$11,1)
				on conflict (id) do nothing
			`, sess.ID, txJSON, sess.InitiatorRole, reqJSON, sess.Status, sess.CreatedAt,
				sess.ExpiresAt, approvedAt, cancelledAt, sess.CancelReason, authJSON)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return authz.ErrVersionConflict
			}
			return nil
		}

		res, err := s.db.ExecContext(ctx, `
			update authorization_sessions
			set status=$2, approved_at=$3, cancelled_at=$4, cancel_reason=nullif($5,''),
			    authorizations=$6, version=version+1
			where id=$1 and version=$7
		`, sess.ID, sess.Status, approvedAt, cancelledAt, sess.CancelReason, authJSON, sess.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return authz.ErrVersionConflict
		}
		return nil
	})
}

func (s *Store) ExpiredPending(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, `
			select id from authorization_sessions
			where status=$1 and expires_at <= $2
			order by expires_at asc
		`, authz.StatusPending, now)
		if err != nil {
			return err
		}
		defer rows.Close()
		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
