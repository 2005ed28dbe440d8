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

// DefaultReservationTTL is how long a reservation blocks its hostname.
const DefaultReservationTTL = 30 * time.Minute

// RegistrationRepository provides persistence for registrations.
type RegistrationRepository struct {
	db             *pgxpool.Pool
	reservationTTL time.Duration
}

// NewRegistrationRepository creates a new RegistrationRepository.
func NewRegistrationRepository(db *pgxpool.Pool, reservationTTL time.Duration) *RegistrationRepository {
	if reservationTTL <= 0 {
		reservationTTL = DefaultReservationTTL
	}
	return &RegistrationRepository{db: db, reservationTTL: reservationTTL}
}

const registrationColumns = `hostname, ip_address, fingerprint, email, recovery_token, recovery_issued_at, created_at, updated_at`

func scanRegistration(row pgx.Row) (*model.Registration, error) {
	var (
		reg      model.Registration
		token    *string
		issuedAt *time.Time
	)
	if err := row.Scan(&reg.Hostname, &reg.IPAddress, &reg.Fingerprint, &reg.Email,
		&token, &issuedAt, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
		return nil, err
	}
	if token != nil && issuedAt != nil {
		reg.Recovery = &model.RecoveryData{Token: *token, IssuedAt: *issuedAt}
	}
	return &reg, nil
}

// GetByHostname returns the registration for hostname.
func (r *RegistrationRepository) GetByHostname(ctx context.Context, hostname string) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE hostname = $1`, hostname))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get registration: %w", err)
	}
	return reg, nil
}

// GetByFingerprint returns the registration bound to fingerprint.
func (r *RegistrationRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*model.Registration, error) {
	reg, err := scanRegistration(r.db.QueryRow(ctx,
		`SELECT `+registrationColumns+` FROM registrations WHERE fingerprint = $1`, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get registration by fingerprint: %w", err)
	}
	return reg, nil
}

// HostnameAvailable reports whether hostname is neither registered nor held
// by a live reservation. It is a fast pre-check; Create is authoritative.
func (r *RegistrationRepository) HostnameAvailable(ctx context.Context, hostname string) (bool, error) {
	var taken bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM registrations WHERE hostname = $1)
		     OR EXISTS(SELECT 1 FROM reservations
		               WHERE hostname = $1 AND issued_at >= now() - make_interval(secs => $2))`,
		hostname, r.reservationTTL.Seconds(),
	).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check hostname: %w", err)
	}
	return !taken, nil
}

// Create inserts a registration. Hostname uniqueness across registrations and
// reservations is enforced under a per-hostname advisory lock.
func (r *RegistrationRepository) Create(ctx context.Context, reg *model.Registration) error {
	now := time.Now().UTC()
	reg.CreatedAt, reg.UpdatedAt = now, now

	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if err := lockHostname(ctx, tx, reg.Hostname); err != nil {
			return err
		}
		claimed, err := hostnameClaimed(ctx, tx, reg.Hostname, r.reservationTTL.Seconds())
		if err != nil {
			return err
		}
		if claimed {
			return ErrHostnameTaken
		}
		return insertRegistration(ctx, tx, reg)
	})
}

func insertRegistration(ctx context.Context, tx pgx.Tx, reg *model.Registration) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO registrations (hostname, ip_address, fingerprint, email, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		reg.Hostname, reg.IPAddress, reg.Fingerprint, reg.Email, reg.CreatedAt, reg.UpdatedAt,
	)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("insert registration: %w", err)
	}
	return nil
}

// UpdateIP sets the IP address of the registration matching both hostname
// and fingerprint. It returns ErrNotFound when no such pair exists.
func (r *RegistrationRepository) UpdateIP(ctx context.Context, hostname, fingerprint, ip string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE registrations SET ip_address = $3, updated_at = now()
		 WHERE hostname = $1 AND fingerprint = $2`,
		hostname, fingerprint, ip,
	)
	if err != nil {
		return fmt.Errorf("update ip: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRecovery stores a pending recovery token on the registration.
func (r *RegistrationRepository) SetRecovery(ctx context.Context, hostname string, rd model.RecoveryData) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE registrations SET recovery_token = $2, recovery_issued_at = $3, updated_at = now()
		 WHERE hostname = $1`,
		hostname, rd.Token, rd.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("set recovery token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteRecovery rebinds hostname to newFingerprint and clears the
// recovery token, only if the stored token still equals token. A non-empty
// ip replaces the stored address.
func (r *RegistrationRepository) CompleteRecovery(ctx context.Context, hostname, token, newFingerprint, ip string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE registrations
		 SET fingerprint = $3,
		     ip_address = COALESCE(NULLIF($4, ''), ip_address),
		     recovery_token = NULL,
		     recovery_issued_at = NULL,
		     updated_at = now()
		 WHERE hostname = $1 AND recovery_token = $2`,
		hostname, token, newFingerprint, ip,
	)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("complete recovery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MatchesAddress reports whether a registration for hostname currently
// points at ip.
func (r *RegistrationRepository) MatchesAddress(ctx context.Context, hostname, ip string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM registrations WHERE hostname = $1 AND ip_address = $2)`,
		hostname, ip,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("match address: %w", err)
	}
	return ok, nil
}
