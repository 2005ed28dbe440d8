// Package service implements the registry's identity and authorization
// rules: who may claim, move, recover and certify a hostname.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sandstorm-io/sandcats/internal/ca"
	"github.com/sandstorm-io/sandcats/internal/email"
	"github.com/sandstorm-io/sandcats/internal/hostname"
	"github.com/sandstorm-io/sandcats/internal/ratelimit"
	"github.com/sandstorm-io/sandcats/internal/registry/model"
	"github.com/sandstorm-io/sandcats/internal/registry/repository"
	"github.com/sandstorm-io/sandcats/internal/zone"
	"go.uber.org/zap"
)

// RegistrationStore is the persistence interface for registrations.
// *repository.RegistrationRepository satisfies this interface.
type RegistrationStore interface {
	GetByHostname(ctx context.Context, hostname string) (*model.Registration, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*model.Registration, error)
	HostnameAvailable(ctx context.Context, hostname string) (bool, error)
	Create(ctx context.Context, reg *model.Registration) error
	UpdateIP(ctx context.Context, hostname, fingerprint, ip string) error
	SetRecovery(ctx context.Context, hostname string, rd model.RecoveryData) error
	CompleteRecovery(ctx context.Context, hostname, token, newFingerprint, ip string) error
}

// ReservationStore is the persistence interface for reservations.
// *repository.ReservationRepository satisfies this interface.
type ReservationStore interface {
	Get(ctx context.Context, hostname string) (*model.Reservation, error)
	Create(ctx context.Context, res *model.Reservation) error
	Promote(ctx context.Context, token string, reg *model.Registration) error
	DeleteStale(ctx context.Context) (int64, error)
}

// CertificateLog is the append-only certificate request log.
// *repository.CertificateRepository satisfies this interface.
type CertificateLog interface {
	LogStart(ctx context.Context, req *model.CertificateRequest) error
	LogSuccess(ctx context.Context, id uuid.UUID, info model.CertificateInfo) error
	LogErrors(ctx context.Context, id uuid.UUID, msgs []string) error
	CountValid(ctx context.Context, hostname string, at time.Time) (int, error)
}

// ZoneSyncer publishes a hostname's address. *zone.Synchronizer satisfies
// this interface.
type ZoneSyncer interface {
	Sync(ctx context.Context, hostname, ip string) error
	FQDN(hostname string) string
}

// RecoveryLimiter admits or refuses recovery-token requests per hostname.
// *ratelimit.Limiter satisfies this interface.
type RecoveryLimiter interface {
	Allow(key string) bool
	Release(key string)
}

// Config holds the engine's time windows and quotas.
type Config struct {
	RecoveryTTL     time.Duration // how long a recovery token stays valid
	ReservationTTL  time.Duration // how long a reservation token stays valid
	MaxValidCerts   int           // certificates that may be valid at once per hostname
	CertValidity    time.Duration // requested notAfter offset
	IntendedUseDays int           // recorded alongside each request
	CATimeout       time.Duration // per attempt
}

// DefaultConfig returns the production windows and quotas.
func DefaultConfig() Config {
	return Config{
		RecoveryTTL:     15 * time.Minute,
		ReservationTTL:  repository.DefaultReservationTTL,
		MaxValidCerts:   4,
		CertValidity:    9 * 24 * time.Hour,
		IntendedUseDays: 7,
		CATimeout:       60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecoveryTTL <= 0 {
		c.RecoveryTTL = d.RecoveryTTL
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = d.ReservationTTL
	}
	if c.MaxValidCerts <= 0 {
		c.MaxValidCerts = d.MaxValidCerts
	}
	if c.CertValidity <= 0 {
		c.CertValidity = d.CertValidity
	}
	if c.IntendedUseDays <= 0 {
		c.IntendedUseDays = d.IntendedUseDays
	}
	if c.CATimeout <= 0 {
		c.CATimeout = d.CATimeout
	}
	return c
}

// RegistrationService contains the registry's state machine.
type RegistrationService struct {
	registrations RegistrationStore
	reservations  ReservationStore
	certs         CertificateLog
	zone          ZoneSyncer
	cfg           Config

	policy    *hostname.Policy
	limiter   RecoveryLimiter
	mailer    email.EmailSender
	cas       *ca.Environments    // nil = certificates disabled
	extractor ca.SubjectExtractor // CSR subject parsing
	names     ca.NameExtractor    // every name a CSR asks for
	now       func() time.Time
	onFatal   func(error) // nil = log only
	logger    *zap.Logger
}

// NewRegistrationService creates a RegistrationService with the built-in
// hostname policy, the default recovery limiter and a logging mailer.
// Use the Set* methods to replace them.
func NewRegistrationService(
	registrations RegistrationStore,
	reservations ReservationStore,
	certs CertificateLog,
	syncer ZoneSyncer,
	cfg Config,
	logger *zap.Logger,
) *RegistrationService {
	return &RegistrationService{
		registrations: registrations,
		reservations:  reservations,
		certs:         certs,
		zone:          syncer,
		cfg:           cfg.withDefaults(),
		policy:        hostname.NewPolicy(),
		limiter:       ratelimit.New(ratelimit.DefaultLimit, ratelimit.DefaultWindow),
		mailer:        email.NewNoopSender(logger),
		extractor:     ca.ExtractSubjectName,
		names:         ca.RequestedNames,
		now:           time.Now,
		logger:        logger,
	}
}

// SetPolicy replaces the hostname policy.
func (s *RegistrationService) SetPolicy(p *hostname.Policy) { s.policy = p }

// SetRecoveryLimiter replaces the recovery-token limiter.
func (s *RegistrationService) SetRecoveryLimiter(l RecoveryLimiter) { s.limiter = l }

// SetMailer configures how recovery tokens are delivered.
func (s *RegistrationService) SetMailer(m email.EmailSender) { s.mailer = m }

// SetCertificateAuthorities enables RequestCertificate.
func (s *RegistrationService) SetCertificateAuthorities(envs *ca.Environments) { s.cas = envs }

// SetSubjectExtractor replaces CSR subject parsing.
func (s *RegistrationService) SetSubjectExtractor(fn ca.SubjectExtractor) { s.extractor = fn }

// SetNameExtractor replaces CSR name listing.
func (s *RegistrationService) SetNameExtractor(fn ca.NameExtractor) { s.names = fn }

// SetClock replaces the time source.
func (s *RegistrationService) SetClock(now func() time.Time) { s.now = now }

// SetFatalHandler registers fn to be called when the zone reports a
// consistency error. The server uses it to stop serving.
func (s *RegistrationService) SetFatalHandler(fn func(error)) { s.onFatal = fn }

// ── Requests ──────────────────────────────────────────────────────────────

// RegisterRequest carries the fields of a new registration.
type RegisterRequest struct {
	Hostname    string
	IP          string
	Fingerprint string
	Email       string
}

// RecoverRequest carries the fields of a recovery. IP is optional.
type RecoverRequest struct {
	Hostname    string
	Token       string
	Fingerprint string
	IP          string
}

// RegisterReservedRequest carries the fields that redeem a reservation.
type RegisterReservedRequest struct {
	Hostname    string
	Token       string
	IP          string
	Fingerprint string
}

// ── Operations ────────────────────────────────────────────────────────────

// Register claims a new hostname for the caller's key.
func (s *RegistrationService) Register(ctx context.Context, req RegisterRequest) (*model.Registration, error) {
	name, err := s.checkNewHostname(req.Hostname)
	if err != nil {
		return nil, err
	}
	if err := checkFingerprint(req.Fingerprint); err != nil {
		return nil, err
	}
	if err := checkIP(req.IP); err != nil {
		return nil, err
	}
	if !hostname.ValidEmail(req.Email) {
		return nil, &model.ErrValidation{Msg: model.MsgBadEmail}
	}
	if err := s.precheckAvailable(ctx, name); err != nil {
		return nil, err
	}
	if err := s.precheckFingerprint(ctx, req.Fingerprint); err != nil {
		return nil, err
	}

	reg := &model.Registration{
		Hostname:    name,
		IPAddress:   req.IP,
		Fingerprint: req.Fingerprint,
		Email:       req.Email,
	}
	if err := s.registrations.Create(ctx, reg); err != nil {
		return nil, mapStoreConflict(err, "create registration")
	}

	s.logger.Info("hostname registered",
		zap.String("hostname", name),
		zap.String("ip", req.IP),
	)
	if err := s.sync(ctx, name, req.IP); err != nil {
		return nil, err
	}
	return reg, nil
}

// Update moves a hostname to a new IP. Only the key on file may do so.
func (s *RegistrationService) Update(ctx context.Context, rawHostname, ip, fingerprint string) error {
	name, err := checkExistingHostname(rawHostname)
	if err != nil {
		return err
	}
	if err := checkFingerprint(fingerprint); err != nil {
		return err
	}
	if err := checkIP(ip); err != nil {
		return err
	}

	if err := s.registrations.UpdateIP(ctx, name, fingerprint, ip); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &model.ErrUnauthorized{Msg: model.MsgNotAuthorized, Forbidden: true}
		}
		return fmt.Errorf("update registration: %w", err)
	}

	s.logger.Info("hostname updated", zap.String("hostname", name), zap.String("ip", ip))
	return s.sync(ctx, name, ip)
}

// RequestRecoveryToken emails a fresh recovery token to the address on file.
// Throttled requests return model.ErrRateLimited.
func (s *RegistrationService) RequestRecoveryToken(ctx context.Context, rawHostname string) error {
	name, err := checkExistingHostname(rawHostname)
	if err != nil {
		return err
	}
	reg, err := s.registrations.GetByHostname(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &model.ErrNotFound{Msg: model.MsgNoSuchDomain}
		}
		return fmt.Errorf("get registration: %w", err)
	}
	if !s.limiter.Allow(name) {
		s.logger.Warn("recovery token request throttled", zap.String("hostname", name))
		return model.ErrRateLimited
	}

	// Only delivered tokens count against the window.
	token, err := newToken()
	if err != nil {
		s.limiter.Release(name)
		return err
	}
	if err := s.registrations.SetRecovery(ctx, name, model.RecoveryData{Token: token, IssuedAt: s.now().UTC()}); err != nil {
		s.limiter.Release(name)
		return fmt.Errorf("store recovery token: %w", err)
	}

	subject, body := email.RecoveryMessage(s.zone.FQDN(name), token, s.cfg.RecoveryTTL)
	if err := s.mailer.Send(ctx, reg.Email, subject, body); err != nil {
		s.limiter.Release(name)
		return fmt.Errorf("send recovery token: %w", err)
	}
	s.logger.Info("recovery token sent", zap.String("hostname", name))
	return nil
}

// Recover rebinds a hostname to a new key using an emailed token. The token
// is consumed on success.
func (s *RegistrationService) Recover(ctx context.Context, req RecoverRequest) error {
	name, err := checkExistingHostname(req.Hostname)
	if err != nil {
		return err
	}
	if err := checkFingerprint(req.Fingerprint); err != nil {
		return err
	}
	if len(req.Token) != model.TokenLength {
		return &model.ErrValidation{Msg: model.MsgBadRecoveryToken}
	}
	if req.IP != "" {
		if err := checkIP(req.IP); err != nil {
			return err
		}
	}

	reg, err := s.registrations.GetByHostname(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &model.ErrNotFound{Msg: model.MsgNoSuchDomain}
		}
		return fmt.Errorf("get registration: %w", err)
	}
	if !reg.Recovery.Matches(req.Token, s.now(), s.cfg.RecoveryTTL) {
		return &model.ErrUnauthorized{Msg: model.MsgBadRecoveryToken}
	}

	newIP := ""
	if req.IP != "" && req.IP != reg.IPAddress {
		newIP = req.IP
	}
	if err := s.registrations.CompleteRecovery(ctx, name, req.Token, req.Fingerprint, newIP); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return &model.ErrUnauthorized{Msg: model.MsgBadRecoveryToken}
		case errors.Is(err, repository.ErrFingerprintTaken):
			return &model.ErrValidation{Msg: model.MsgFingerprintTaken}
		}
		return fmt.Errorf("complete recovery: %w", err)
	}

	s.logger.Info("hostname recovered", zap.String("hostname", name))
	if newIP == "" {
		return nil
	}
	return s.sync(ctx, name, newIP)
}

// Reserve holds a hostname for later redemption and returns the claim token.
func (s *RegistrationService) Reserve(ctx context.Context, rawHostname, addr string) (string, error) {
	name, err := s.checkNewHostname(rawHostname)
	if err != nil {
		return "", err
	}
	if !hostname.ValidEmail(addr) {
		return "", &model.ErrValidation{Msg: model.MsgBadEmail}
	}
	if err := s.precheckAvailable(ctx, name); err != nil {
		return "", err
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}
	res := &model.Reservation{
		Hostname: name,
		Email:    addr,
		Recovery: model.RecoveryData{Token: token, IssuedAt: s.now().UTC()},
	}
	if err := s.reservations.Create(ctx, res); err != nil {
		return "", mapStoreConflict(err, "create reservation")
	}

	s.logger.Info("hostname reserved", zap.String("hostname", name))
	return token, nil
}

// RegisterReserved turns a reservation into a registration for the caller's
// key.
func (s *RegistrationService) RegisterReserved(ctx context.Context, req RegisterReservedRequest) (*model.Registration, error) {
	name, err := checkExistingHostname(req.Hostname)
	if err != nil {
		return nil, err
	}
	if err := checkFingerprint(req.Fingerprint); err != nil {
		return nil, err
	}
	if err := checkIP(req.IP); err != nil {
		return nil, err
	}

	res, err := s.reservations.Get(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &model.ErrUnauthorized{Msg: model.MsgBadReservation}
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if !res.Recovery.Matches(req.Token, s.now(), s.cfg.ReservationTTL) {
		return nil, &model.ErrUnauthorized{Msg: model.MsgBadReservation}
	}
	if err := s.precheckFingerprint(ctx, req.Fingerprint); err != nil {
		return nil, err
	}

	reg := &model.Registration{
		Hostname:    name,
		IPAddress:   req.IP,
		Fingerprint: req.Fingerprint,
	}
	if err := s.reservations.Promote(ctx, req.Token, reg); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &model.ErrUnauthorized{Msg: model.MsgBadReservation}
		}
		return nil, mapStoreConflict(err, "promote reservation")
	}

	s.logger.Info("reservation redeemed", zap.String("hostname", name), zap.String("ip", req.IP))
	if err := s.sync(ctx, name, req.IP); err != nil {
		return nil, err
	}
	return reg, nil
}

// SweepReservations deletes reservations whose token has expired.
func (s *RegistrationService) SweepReservations(ctx context.Context) (int64, error) {
	n, err := s.reservations.DeleteStale(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep reservations: %w", err)
	}
	return n, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────

func (s *RegistrationService) checkNewHostname(raw string) (string, error) {
	name, err := s.policy.Check(raw)
	switch {
	case errors.Is(err, hostname.ErrBlacklisted):
		return "", &model.ErrValidation{Msg: model.MsgHostnameTaken}
	case err != nil:
		return "", &model.ErrValidation{Msg: model.MsgBadHostname}
	}
	return name, nil
}

// checkExistingHostname applies syntax rules only; blacklisted names cannot
// exist in the store.
func checkExistingHostname(raw string) (string, error) {
	name := hostname.Normalize(raw)
	if err := hostname.Syntax(name); err != nil {
		return "", &model.ErrValidation{Msg: model.MsgBadHostname}
	}
	return name, nil
}

func checkFingerprint(fp string) error {
	if fp == "" {
		return &model.ErrValidation{Msg: model.MsgNoClientCert}
	}
	return nil
}

func checkIP(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return &model.ErrValidation{Msg: model.MsgBadIP}
	}
	return nil
}

func (s *RegistrationService) precheckAvailable(ctx context.Context, name string) error {
	ok, err := s.registrations.HostnameAvailable(ctx, name)
	if err != nil {
		return fmt.Errorf("check hostname: %w", err)
	}
	if !ok {
		return &model.ErrValidation{Msg: model.MsgHostnameTaken}
	}
	return nil
}

func (s *RegistrationService) precheckFingerprint(ctx context.Context, fp string) error {
	_, err := s.registrations.GetByFingerprint(ctx, fp)
	switch {
	case err == nil:
		return &model.ErrValidation{Msg: model.MsgFingerprintTaken}
	case errors.Is(err, repository.ErrNotFound):
		return nil
	}
	return fmt.Errorf("check fingerprint: %w", err)
}

func mapStoreConflict(err error, op string) error {
	switch {
	case errors.Is(err, repository.ErrHostnameTaken):
		return &model.ErrValidation{Msg: model.MsgHostnameTaken}
	case errors.Is(err, repository.ErrFingerprintTaken):
		return &model.ErrValidation{Msg: model.MsgFingerprintTaken}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// sync publishes hostname -> ip. The identity store has already been
// updated; a failure here leaves DNS stale until the next Update.
func (s *RegistrationService) sync(ctx context.Context, name, ip string) error {
	err := s.zone.Sync(ctx, name, ip)
	if err == nil {
		return nil
	}
	if errors.Is(err, zone.ErrConsistency) {
		s.logger.Error("zone consistency error", zap.String("hostname", name), zap.Error(err))
		if s.onFatal != nil {
			s.onFatal(err)
		}
	}
	return fmt.Errorf("sync zone: %w", err)
}

func newToken() (string, error) {
	b := make([]byte, model.TokenLength/2)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
