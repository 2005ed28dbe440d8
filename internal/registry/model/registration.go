// Package model holds the registry's persistent records and error types.
package model

import (
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
)

// TokenLength is the length of recovery and reservation tokens.
const TokenLength = 40

// FingerprintLength is the length of a normalized key fingerprint (hex SHA-1).
const FingerprintLength = 40

// RecoveryData is a single-use, time-boxed token.
type RecoveryData struct {
	Token    string    `json:"-"`
	IssuedAt time.Time `json:"issued_at"`
}

// Matches reports whether token equals the stored one and was issued no more
// than ttl before now.
func (r *RecoveryData) Matches(token string, now time.Time, ttl time.Duration) bool {
	if r == nil || r.Token == "" || len(token) != len(r.Token) {
		return false
	}
	if now.Sub(r.IssuedAt) > ttl {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(r.Token)) == 1
}

// Registration binds a hostname to an IP address and an owning key.
type Registration struct {
	Hostname    string        `json:"hostname"`
	IPAddress   string        `json:"ip_address"`
	Fingerprint string        `json:"fingerprint"`
	Email       string        `json:"email"`
	Recovery    *RecoveryData `json:"recovery,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Reservation is a claim on a hostname redeemable once with its token.
type Reservation struct {
	Hostname  string       `json:"hostname"`
	Email     string       `json:"email"`
	Recovery  RecoveryData `json:"recovery"`
	CreatedAt time.Time    `json:"created_at"`
}

// Certificate request statuses.
const (
	CertStatusPending = "pending"
	CertStatusIssued  = "issued"
	CertStatusFailed  = "failed"
)

// CertificateRequest is one entry of the append-only certificate log.
type CertificateRequest struct {
	ID              uuid.UUID  `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	Environment     string     `json:"environment"`
	Hostname        string     `json:"hostname"`
	NotBefore       *time.Time `json:"not_before,omitempty"`
	NotAfter        time.Time  `json:"not_after"`
	IntendedUseDays int        `json:"intended_use_days"`
	Status          string     `json:"status"`
	Serial          string     `json:"serial,omitempty"`
	Subject         string     `json:"subject,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// CertificateInfo is the CA outcome attached to a successful request.
type CertificateInfo struct {
	Status    string
	Serial    string
	Subject   string
	StartDate time.Time
	EndDate   time.Time
}
