package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sandstorm-io/sandcats/internal/registry/model"
)

// Memory is an in-process store with the same semantics as the PostgreSQL
// repositories. It backs dev mode (database.url = "memory") and tests.
type Memory struct {
	Registrations *MemoryRegistrations
	Reservations  *MemoryReservations
	Certificates  *MemoryCertificates
}

type memoryDB struct {
	mu             sync.Mutex
	now            func() time.Time
	reservationTTL time.Duration
	registrations  map[string]model.Registration
	reservations   map[string]model.Reservation
	certificates   map[uuid.UUID]model.CertificateRequest
}

// NewMemory returns an empty in-memory store.
func NewMemory(reservationTTL time.Duration) *Memory {
	if reservationTTL <= 0 {
		reservationTTL = DefaultReservationTTL
	}
	db := &memoryDB{
		now:            time.Now,
		reservationTTL: reservationTTL,
		registrations:  make(map[string]model.Registration),
		reservations:   make(map[string]model.Reservation),
		certificates:   make(map[uuid.UUID]model.CertificateRequest),
	}
	return &Memory{
		Registrations: &MemoryRegistrations{db: db},
		Reservations:  &MemoryReservations{db: db},
		Certificates:  &MemoryCertificates{db: db},
	}
}

// SetClock replaces the time source used for timestamps and reservation
// expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.Registrations.db.mu.Lock()
	m.Registrations.db.now = now
	m.Registrations.db.mu.Unlock()
}

// claimed must be called with mu held.
func (db *memoryDB) claimed(hostname string) bool {
	if _, ok := db.registrations[hostname]; ok {
		return true
	}
	res, ok := db.reservations[hostname]
	if !ok {
		return false
	}
	if db.now().Sub(res.Recovery.IssuedAt) > db.reservationTTL {
		delete(db.reservations, hostname)
		return false
	}
	return true
}

// insert must be called with mu held.
func (db *memoryDB) insert(reg *model.Registration) error {
	if _, ok := db.registrations[reg.Hostname]; ok {
		return ErrHostnameTaken
	}
	for _, existing := range db.registrations {
		if existing.Fingerprint == reg.Fingerprint {
			return ErrFingerprintTaken
		}
	}
	now := db.now().UTC()
	reg.CreatedAt, reg.UpdatedAt = now, now
	db.registrations[reg.Hostname] = copyRegistration(*reg)
	return nil
}

func copyRegistration(reg model.Registration) model.Registration {
	if reg.Recovery != nil {
		rd := *reg.Recovery
		reg.Recovery = &rd
	}
	return reg
}

// ── Registrations ─────────────────────────────────────────────────────────

// MemoryRegistrations mirrors RegistrationRepository.
type MemoryRegistrations struct{ db *memoryDB }

func (m *MemoryRegistrations) GetByHostname(_ context.Context, hostname string) (*model.Registration, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	reg, ok := m.db.registrations[hostname]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyRegistration(reg)
	return &out, nil
}

func (m *MemoryRegistrations) GetByFingerprint(_ context.Context, fingerprint string) (*model.Registration, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	for _, reg := range m.db.registrations {
		if reg.Fingerprint == fingerprint {
			out := copyRegistration(reg)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryRegistrations) HostnameAvailable(_ context.Context, hostname string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	return !m.db.claimed(hostname), nil
}

func (m *MemoryRegistrations) Create(_ context.Context, reg *model.Registration) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.claimed(reg.Hostname) {
		return ErrHostnameTaken
	}
	return m.db.insert(reg)
}

func (m *MemoryRegistrations) UpdateIP(_ context.Context, hostname, fingerprint, ip string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	reg, ok := m.db.registrations[hostname]
	if !ok || reg.Fingerprint != fingerprint {
		return ErrNotFound
	}
	reg.IPAddress = ip
	reg.UpdatedAt = m.db.now().UTC()
	m.db.registrations[hostname] = reg
	return nil
}

func (m *MemoryRegistrations) SetRecovery(_ context.Context, hostname string, rd model.RecoveryData) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	reg, ok := m.db.registrations[hostname]
	if !ok {
		return ErrNotFound
	}
	reg.Recovery = &rd
	reg.UpdatedAt = m.db.now().UTC()
	m.db.registrations[hostname] = reg
	return nil
}

func (m *MemoryRegistrations) CompleteRecovery(_ context.Context, hostname, token, newFingerprint, ip string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	reg, ok := m.db.registrations[hostname]
	if !ok || reg.Recovery == nil || reg.Recovery.Token != token {
		return ErrNotFound
	}
	for name, other := range m.db.registrations {
		if name != hostname && other.Fingerprint == newFingerprint {
			return ErrFingerprintTaken
		}
	}
	reg.Fingerprint = newFingerprint
	if ip != "" {
		reg.IPAddress = ip
	}
	reg.Recovery = nil
	reg.UpdatedAt = m.db.now().UTC()
	m.db.registrations[hostname] = reg
	return nil
}

func (m *MemoryRegistrations) MatchesAddress(_ context.Context, hostname, ip string) (bool, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	reg, ok := m.db.registrations[hostname]
	return ok && reg.IPAddress == ip, nil
}

// ── Reservations ──────────────────────────────────────────────────────────

// MemoryReservations mirrors ReservationRepository.
type MemoryReservations struct{ db *memoryDB }

func (m *MemoryReservations) Get(_ context.Context, hostname string) (*model.Reservation, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	res, ok := m.db.reservations[hostname]
	if !ok {
		return nil, ErrNotFound
	}
	return &res, nil
}

func (m *MemoryReservations) Create(_ context.Context, res *model.Reservation) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if m.db.claimed(res.Hostname) {
		return ErrHostnameTaken
	}
	res.CreatedAt = m.db.now().UTC()
	m.db.reservations[res.Hostname] = *res
	return nil
}

func (m *MemoryReservations) Promote(_ context.Context, token string, reg *model.Registration) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	res, ok := m.db.reservations[reg.Hostname]
	if !ok || res.Recovery.Token != token {
		return ErrNotFound
	}
	reg.Email = res.Email
	if err := m.db.insert(reg); err != nil {
		return err
	}
	delete(m.db.reservations, reg.Hostname)
	return nil
}

func (m *MemoryReservations) DeleteStale(_ context.Context) (int64, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var n int64
	for name, res := range m.db.reservations {
		if m.db.now().Sub(res.Recovery.IssuedAt) > m.db.reservationTTL {
			delete(m.db.reservations, name)
			n++
		}
	}
	return n, nil
}

// ── Certificates ──────────────────────────────────────────────────────────

// MemoryCertificates mirrors CertificateRepository.
type MemoryCertificates struct{ db *memoryDB }

func (m *MemoryCertificates) LogStart(_ context.Context, req *model.CertificateRequest) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.db.now().UTC()
	}
	req.Status = model.CertStatusPending
	m.db.certificates[req.ID] = *req
	return nil
}

func (m *MemoryCertificates) LogSuccess(_ context.Context, id uuid.UUID, info model.CertificateInfo) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	req, ok := m.db.certificates[id]
	if !ok || req.CompletedAt != nil {
		return ErrLogRowCount
	}
	now := m.db.now().UTC()
	start, end := info.StartDate, info.EndDate
	req.Status = model.CertStatusIssued
	req.Serial = info.Serial
	req.Subject = info.Subject
	req.StartDate, req.EndDate = &start, &end
	req.CompletedAt = &now
	m.db.certificates[id] = req
	return nil
}

func (m *MemoryCertificates) LogErrors(_ context.Context, id uuid.UUID, msgs []string) error {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	req, ok := m.db.certificates[id]
	if !ok || req.CompletedAt != nil {
		return ErrLogRowCount
	}
	now := m.db.now().UTC()
	req.Status = model.CertStatusFailed
	req.Errors = append([]string(nil), msgs...)
	req.CompletedAt = &now
	m.db.certificates[id] = req
	return nil
}

func (m *MemoryCertificates) CountValid(_ context.Context, hostname string, at time.Time) (int, error) {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	n := 0
	for _, req := range m.db.certificates {
		if req.Hostname != hostname || req.StartDate == nil || req.EndDate == nil {
			continue
		}
		if !req.StartDate.After(at) && !req.EndDate.Before(at) {
			n++
		}
	}
	return n, nil
}

// List returns every logged request for hostname.
func (m *MemoryCertificates) List(hostname string) []model.CertificateRequest {
	m.db.mu.Lock()
	defer m.db.mu.Unlock()
	var out []model.CertificateRequest
	for _, req := range m.db.certificates {
		if req.Hostname == hostname {
			out = append(out, req)
		}
	}
	return out
}
