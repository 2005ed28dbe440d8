package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sandstorm-io/sandcats/internal/registry/model"
)

// ReservationRepository provides persistence for hostname reservations.
type ReservationRepository struct {
	db  *pgxpool.Pool
	ttl time.Duration
}

// NewReservationRepository creates a new ReservationRepository.
func NewReservationRepository(db *pgxpool.Pool, ttl time.Duration) *ReservationRepository {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &ReservationRepository{db: db, ttl: ttl}
}

// Get returns the reservation for hostname.
func (r *ReservationRepository) Get(ctx context.Context, hostname string) (*model.Reservation, error) {
	var res model.Reservation
	err := r.db.QueryRow(ctx,
		`SELECT hostname, email, token, issued_at, created_at FROM reservations WHERE hostname = $1`,
		hostname,
	).Scan(&res.Hostname, &res.Email, &res.Recovery.Token, &res.Recovery.IssuedAt, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return &res, nil
}

// Create stores a reservation if hostname is neither registered nor held by
// a live reservation.
func (r *ReservationRepository) Create(ctx context.Context, res *model.Reservation) error {
	res.CreatedAt = time.Now().UTC()

	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockHostname(ctx, tx, res.Hostname); err != nil {
			return err
		}
		claimed, err := hostnameClaimed(ctx, tx, res.Hostname, r.ttl.Seconds())
		if err != nil {
			return err
		}
		if claimed {
			return ErrHostnameTaken
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO reservations (hostname, email, token, issued_at, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			res.Hostname, res.Email, res.Recovery.Token, res.Recovery.IssuedAt, res.CreatedAt,
		)
		if err != nil {
			if mapped := mapUniqueViolation(err); mapped != err {
				return mapped
			}
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
}

// Promote consumes the reservation for reg.Hostname, if its token still
// equals token, and inserts reg in the same transaction. The reservation's
// email is copied onto reg. It returns ErrNotFound when the reservation is
// gone or the token no longer matches.
func (r *ReservationRepository) Promote(ctx context.Context, token string, reg *model.Registration) error {
	now := time.Now().UTC()
	reg.CreatedAt, reg.UpdatedAt = now, now

	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockHostname(ctx, tx, reg.Hostname); err != nil {
			return err
		}
		err := tx.QueryRow(ctx,
			`DELETE FROM reservations WHERE hostname = $1 AND token = $2 RETURNING email`,
			reg.Hostname, token,
		).Scan(&reg.Email)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("consume reservation: %w", err)
		}
		return insertRegistration(ctx, tx, reg)
	})
}

// DeleteStale removes reservations older than the configured TTL.
func (r *ReservationRepository) DeleteStale(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM reservations WHERE issued_at < now() - make_interval(secs => $1)`,
		r.ttl.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete stale reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}
