package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sandstorm-io/sandcats/internal/registry/model"
)

// CertificateRepository is the append-only log of certificate requests.
type CertificateRepository struct {
	db *pgxpool.Pool
}

// NewCertificateRepository creates a new CertificateRepository.
func NewCertificateRepository(db *pgxpool.Pool) *CertificateRepository {
	return &CertificateRepository{db: db}
}

// LogStart records a pending request. ID and CreatedAt are filled in when
// zero.
func (r *CertificateRepository) LogStart(ctx context.Context, req *model.CertificateRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	req.Status = model.CertStatusPending

	_, err := r.db.Exec(ctx,
		`INSERT INTO certificate_requests
		   (id, created_at, environment, hostname, not_before, not_after, intended_use_days, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.ID, req.CreatedAt, req.Environment, req.Hostname,
		req.NotBefore, req.NotAfter, req.IntendedUseDays, req.Status,
	)
	if err != nil {
		return fmt.Errorf("log certificate request: %w", err)
	}
	return nil
}

// LogSuccess attaches the issued certificate's details to a pending request.
func (r *CertificateRepository) LogSuccess(ctx context.Context, id uuid.UUID, info model.CertificateInfo) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE certificate_requests
		 SET status = $2, serial = $3, subject = $4, start_date = $5, end_date = $6, completed_at = now()
		 WHERE id = $1 AND completed_at IS NULL`,
		id, model.CertStatusIssued, info.Serial, info.Subject, info.StartDate, info.EndDate,
	)
	if err != nil {
		return fmt.Errorf("log certificate success: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %d", ErrLogRowCount, tag.RowsAffected())
	}
	return nil
}

// LogErrors marks a pending request failed with the CA's messages.
func (r *CertificateRepository) LogErrors(ctx context.Context, id uuid.UUID, msgs []string) error {
	if msgs == nil {
		msgs = []string{}
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE certificate_requests
		 SET status = $2, errors = $3, completed_at = now()
		 WHERE id = $1 AND completed_at IS NULL`,
		id, model.CertStatusFailed, msgs,
	)
	if err != nil {
		return fmt.Errorf("log certificate errors: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %d", ErrLogRowCount, tag.RowsAffected())
	}
	return nil
}

// CountValid returns how many issued certificates for hostname are valid at
// the given instant.
func (r *CertificateRepository) CountValid(ctx context.Context, hostname string, at time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM certificate_requests
		 WHERE hostname = $1 AND start_date <= $2 AND end_date >= $2`,
		hostname, at,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count valid certificates: %w", err)
	}
	return n, nil
}
