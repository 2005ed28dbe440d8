// Package repository persists registrations, reservations and the
// certificate request log in PostgreSQL.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrHostnameTaken is returned when a hostname is already registered or
	// reserved.
	ErrHostnameTaken = errors.New("hostname already in use")
	// ErrFingerprintTaken is returned when a key is already bound to a
	// registration.
	ErrFingerprintTaken = errors.New("fingerprint already registered")
	// ErrLogRowCount is returned when a certificate log update touched a
	// number of rows other than one.
	ErrLogRowCount = errors.New("certificate log update affected unexpected row count")
)

const (
	pgUniqueViolation = "23505"

	fingerprintConstraint = "registrations_fingerprint_key"
)

// mapUniqueViolation turns a unique-constraint error into the matching
// sentinel.
func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return err
	}
	if pgErr.ConstraintName == fingerprintConstraint {
		return ErrFingerprintTaken
	}
	return ErrHostnameTaken
}

// lockHostname serializes writers that claim the same hostname across the
// registrations and reservations tables until tx ends.
func lockHostname(ctx context.Context, tx pgx.Tx, hostname string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, hostname); err != nil {
		return fmt.Errorf("lock hostname: %w", err)
	}
	return nil
}

// hostnameClaimed reports whether hostname is registered or held by a live
// reservation. Stale reservations are deleted as a side effect.
func hostnameClaimed(ctx context.Context, tx pgx.Tx, hostname string, reservationTTLSeconds float64) (bool, error) {
	var registered bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM registrations WHERE hostname = $1)`, hostname,
	).Scan(&registered); err != nil {
		return false, fmt.Errorf("check registration: %w", err)
	}
	if registered {
		return true, nil
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM reservations
		 WHERE hostname = $1 AND issued_at < now() - make_interval(secs => $2)`,
		hostname, reservationTTLSeconds,
	); err != nil {
		return false, fmt.Errorf("expire reservation: %w", err)
	}

	var reserved bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM reservations WHERE hostname = $1)`, hostname,
	).Scan(&reserved); err != nil {
		return false, fmt.Errorf("check reservation: %w", err)
	}
	return reserved, nil
}
