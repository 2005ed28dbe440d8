package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sandstorm-io/sandcats/internal/ca"
	"github.com/sandstorm-io/sandcats/internal/registry/model"
	"github.com/sandstorm-io/sandcats/internal/registry/repository"
	"go.uber.org/zap"
)

// CertificateRequest carries the fields of a certificate request. CSR may
// be PEM or DER.
type CertificateRequest struct {
	Hostname    string
	Fingerprint string
	CSR         []byte
}

// RequestCertificate asks the hostname's CA for a certificate covering
// hostname.base or *.hostname.base. Every name in the CSR must be one of
// those two. The caller must hold the key on file,
// and fewer than MaxValidCerts certificates may be valid for the hostname.
func (s *RegistrationService) RequestCertificate(ctx context.Context, req CertificateRequest) (*ca.Certificate, error) {
	name, err := checkExistingHostname(req.Hostname)
	if err != nil {
		return nil, err
	}
	if err := checkFingerprint(req.Fingerprint); err != nil {
		return nil, err
	}

	reg, err := s.registrations.GetByHostname(ctx, name)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, &model.ErrUnauthorized{Msg: model.MsgNotAuthorized, Forbidden: true}
	case err != nil:
		return nil, fmt.Errorf("get registration: %w", err)
	case reg.Fingerprint != req.Fingerprint:
		return nil, &model.ErrUnauthorized{Msg: model.MsgNotAuthorized, Forbidden: true}
	}

	subject, err := s.extractor(req.CSR)
	if err != nil {
		s.logger.Info("rejecting unparseable CSR", zap.String("hostname", name), zap.Error(err))
		return nil, &model.ErrValidation{Msg: model.MsgBadCSR}
	}
	fqdn := s.zone.FQDN(name)
	if !strings.EqualFold(subject, fqdn) && !strings.EqualFold(subject, "*."+fqdn) {
		return nil, &model.ErrUnauthorized{Msg: model.MsgBadCSR, Forbidden: true}
	}
	names, err := s.names(req.CSR)
	if err != nil {
		return nil, &model.ErrValidation{Msg: model.MsgBadCSR}
	}
	if err := ca.CheckNames(names, fqdn); err != nil {
		s.logger.Info("rejecting CSR for foreign names", zap.String("hostname", name), zap.Error(err))
		return nil, &model.ErrUnauthorized{Msg: model.MsgBadCSR, Forbidden: true}
	}

	now := s.now().UTC()
	valid, err := s.certs.CountValid(ctx, name, now)
	if err != nil {
		return nil, fmt.Errorf("count certificates: %w", err)
	}
	if valid >= s.cfg.MaxValidCerts {
		return nil, &model.ErrUnauthorized{Msg: model.MsgTooManyCerts}
	}

	if s.cas == nil {
		return nil, &model.ErrUpstream{Msg: "certificate issuance unavailable", Err: ca.ErrNoClient}
	}
	env, client, err := s.cas.For(name)
	if err != nil {
		return nil, &model.ErrUpstream{Msg: "certificate issuance unavailable", Err: err}
	}
	der, err := ca.DecodeCSR(req.CSR)
	if err != nil {
		return nil, &model.ErrValidation{Msg: model.MsgBadCSR}
	}

	entry := &model.CertificateRequest{
		CreatedAt:       now,
		Environment:     string(env),
		Hostname:        name,
		NotAfter:        now.Add(s.cfg.CertValidity),
		IntendedUseDays: s.cfg.IntendedUseDays,
	}
	if err := s.certs.LogStart(ctx, entry); err != nil {
		return nil, fmt.Errorf("log certificate request: %w", err)
	}

	order := &ca.Order{Hostname: fqdn, CSR: der, NotAfter: entry.NotAfter}
	cert, err := s.issue(ctx, client, order)
	if err != nil {
		msgs := problemMessages(err)
		s.logger.Error("certificate issuance failed",
			zap.String("hostname", name),
			zap.String("environment", string(env)),
			zap.Strings("problems", msgs),
			zap.Error(err),
		)
		if logErr := s.certs.LogErrors(context.WithoutCancel(ctx), entry.ID, msgs); logErr != nil {
			s.logger.Error("log certificate failure", zap.String("id", entry.ID.String()), zap.Error(logErr))
		}
		return nil, &model.ErrUpstream{Msg: "certificate authority request failed", Err: err}
	}

	info := model.CertificateInfo{
		Status:    cert.Status,
		Serial:    cert.Serial,
		Subject:   cert.Subject,
		StartDate: cert.NotBefore,
		EndDate:   cert.NotAfter,
	}
	if err := s.certs.LogSuccess(context.WithoutCancel(ctx), entry.ID, info); err != nil {
		return nil, fmt.Errorf("log certificate success: %w", err)
	}

	s.logger.Info("certificate issued",
		zap.String("hostname", name),
		zap.String("environment", string(env)),
		zap.String("serial", cert.Serial),
		zap.Time("not_after", cert.NotAfter),
	)
	return cert, nil
}

// issue calls the CA, retrying once when the first attempt timed out. Each
// attempt gets its own deadline.
func (s *RegistrationService) issue(ctx context.Context, client ca.Client, order *ca.Order) (*ca.Certificate, error) {
	cert, err := s.attempt(ctx, client, order)
	if err == nil || !ca.IsTimeout(err) || ctx.Err() != nil {
		return cert, err
	}
	s.logger.Warn("CA request timed out, retrying", zap.String("hostname", order.Hostname), zap.Error(err))
	return s.attempt(ctx, client, order)
}

func (s *RegistrationService) attempt(ctx context.Context, client ca.Client, order *ca.Order) (*ca.Certificate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CATimeout)
	defer cancel()
	return client.Issue(ctx, order)
}

func problemMessages(err error) []string {
	var caErr *ca.Error
	if errors.As(err, &caErr) {
		return caErr.Messages()
	}
	return []string{err.Error()}
}
