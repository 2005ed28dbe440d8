package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
)

// TXTPresenter publishes DNS-01 challenge records. *zone.Synchronizer
// implements it.
type TXTPresenter interface {
	PresentTXT(ctx context.Context, fqdn, value string) error
	CleanupTXT(ctx context.Context, fqdn string) error
}

// ACMEConfig configures an ACMEAuthority.
type ACMEConfig struct {
	DirectoryURL string
	Email        string
	// Propagation is how long to wait after publishing a TXT record before
	// asking the CA to validate it.
	Propagation time.Duration
	// SendValidity passes the order's NotAfter to the CA. Not every CA
	// accepts it.
	SendValidity bool
}

// ACMEAuthority obtains certificates from an ACME CA, answering DNS-01
// challenges in our own zone.
type ACMEAuthority struct {
	client *acme.Client
	cfg    ACMEConfig
	dns    TXTPresenter
	logger *zap.Logger

	// waitTXT, when set, replaces the fixed propagation delay.
	waitTXT func(ctx context.Context, fqdn, value string) error

	regMu      sync.Mutex
	registered bool
}

// NewACMEAuthority creates an authority using accountKey for the ACME
// account.
func NewACMEAuthority(cfg ACMEConfig, accountKey crypto.Signer, dns TXTPresenter, logger *zap.Logger) *ACMEAuthority {
	return &ACMEAuthority{
		client: &acme.Client{Key: accountKey, DirectoryURL: cfg.DirectoryURL, UserAgent: "sandcats-registry"},
		cfg:    cfg,
		dns:    dns,
		logger: logger,
	}
}

// SetPropagationWaiter makes the authority poll for the challenge record with
// fn instead of sleeping for cfg.Propagation. cfg.Propagation then bounds
// the wait.
func (a *ACMEAuthority) SetPropagationWaiter(fn func(ctx context.Context, fqdn, value string) error) {
	a.waitTXT = fn
}

// LoadOrCreateAccountKey reads a PEM EC key from path, generating and
// saving one if the file does not exist.
func LoadOrCreateAccountKey(path string) (crypto.Signer, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		block, _ := pem.Decode(b)
		if block == nil {
			return nil, fmt.Errorf("decode account key %s", path)
		}
		return x509.ParseECPrivateKey(block.Bytes)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read account key: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create account key dir: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return nil, fmt.Errorf("write account key: %w", err)
	}
	return key, nil
}

func (a *ACMEAuthority) ensureAccount(ctx context.Context) error {
	a.regMu.Lock()
	defer a.regMu.Unlock()
	if a.registered {
		return nil
	}

	acct := &acme.Account{}
	if a.cfg.Email != "" {
		acct.Contact = []string{"mailto:" + a.cfg.Email}
	}
	_, err := a.client.Register(ctx, acct, acme.AcceptTOS)
	if err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return fmt.Errorf("acme register: %w", convertACMEError(err))
	}
	a.registered = true
	a.logger.Info("ACME account ready", zap.String("directory", a.cfg.DirectoryURL))
	return nil
}

// Issue runs a full ACME order for the CSR's names.
func (a *ACMEAuthority) Issue(ctx context.Context, order *Order) (*Certificate, error) {
	csr, err := ParseCSR(order.CSR)
	if err != nil {
		return nil, &Error{Problems: []Problem{{Code: "badCSR", Message: err.Error()}}, Err: err}
	}
	names, err := orderNames(csr, order.Hostname)
	if err != nil {
		return nil, &Error{Problems: []Problem{{Code: "badCSR", Message: err.Error()}}, Err: err}
	}

	if err := a.ensureAccount(ctx); err != nil {
		return nil, err
	}

	var opts []acme.OrderOption
	if a.cfg.SendValidity && !order.NotAfter.IsZero() {
		opts = append(opts, acme.WithOrderNotAfter(order.NotAfter))
	}
	o, err := a.client.AuthorizeOrder(ctx, acme.DomainIDs(names...), opts...)
	if err != nil {
		return nil, fmt.Errorf("acme authorize order: %w", convertACMEError(err))
	}

	for _, zurl := range o.AuthzURLs {
		if err := a.authorize(ctx, zurl); err != nil {
			return nil, err
		}
	}

	if _, err := a.client.WaitOrder(ctx, o.URI); err != nil {
		return nil, fmt.Errorf("acme wait order: %w", convertACMEError(err))
	}
	chain, _, err := a.client.CreateOrderCert(ctx, o.FinalizeURL, csr.Raw, true)
	if err != nil {
		return nil, fmt.Errorf("acme finalize: %w", convertACMEError(err))
	}
	if len(chain) == 0 {
		return nil, &Error{Problems: []Problem{{Code: "emptyChain", Message: "CA returned no certificates"}}}
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	out := &Certificate{
		Status:    "issued",
		Serial:    strings.ToUpper(leaf.SerialNumber.Text(16)),
		Subject:   leaf.Subject.CommonName,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		CertPEM:   string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: chain[0]})),
	}
	for _, der := range chain[1:] {
		out.ChainPEM = append(out.ChainPEM, string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})))
	}
	return out, nil
}

func (a *ACMEAuthority) authorize(ctx context.Context, zurl string) error {
	z, err := a.client.GetAuthorization(ctx, zurl)
	if err != nil {
		return fmt.Errorf("acme get authorization: %w", convertACMEError(err))
	}
	if z.Status == acme.StatusValid {
		return nil
	}

	var chal *acme.Challenge
	for _, c := range z.Challenges {
		if c.Type == "dns-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return &Error{Problems: []Problem{{Code: "noDNS01", Message: "no dns-01 challenge offered for " + z.Identifier.Value}}}
	}

	value, err := a.client.DNS01ChallengeRecord(chal.Token)
	if err != nil {
		return fmt.Errorf("acme challenge record: %w", err)
	}
	record := "_acme-challenge." + strings.TrimPrefix(z.Identifier.Value, "*.")
	if err := a.dns.PresentTXT(ctx, record, value); err != nil {
		return fmt.Errorf("publish challenge record: %w", err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.dns.CleanupTXT(cctx, record); err != nil {
			a.logger.Warn("failed to remove challenge record", zap.String("record", record), zap.Error(err))
		}
	}()

	if err := a.awaitPropagation(ctx, record, value); err != nil {
		return err
	}

	if _, err := a.client.Accept(ctx, chal); err != nil {
		return fmt.Errorf("acme accept: %w", convertACMEError(err))
	}
	if _, err := a.client.WaitAuthorization(ctx, z.URI); err != nil {
		return fmt.Errorf("acme wait authorization: %w", convertACMEError(err))
	}
	return nil
}

func (a *ACMEAuthority) awaitPropagation(ctx context.Context, record, value string) error {
	if a.waitTXT == nil {
		if a.cfg.Propagation <= 0 {
			return nil
		}
		select {
		case <-time.After(a.cfg.Propagation):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if a.cfg.Propagation > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Propagation)
		defer cancel()
	}
	if err := a.waitTXT(ctx, record, value); err != nil {
		return fmt.Errorf("challenge record propagation: %w", err)
	}
	return nil
}

// convertACMEError turns ACME protocol errors into *Error, leaving timeouts
// and transport errors untouched so they keep their classification.
func convertACMEError(err error) error {
	if IsTimeout(err) {
		return err
	}

	var ae *acme.Error
	if errors.As(err, &ae) {
		out := &Error{Err: err, Problems: []Problem{{Code: ae.ProblemType, Message: ae.Detail}}}
		for _, sp := range ae.Subproblems {
			out.Problems = append(out.Problems, Problem{Code: sp.Type, Message: sp.Detail})
		}
		return out
	}

	var aze *acme.AuthorizationError
	if errors.As(err, &aze) {
		out := &Error{Err: err}
		for _, e := range aze.Errors {
			out.Problems = append(out.Problems, Problem{Code: "authorization:" + aze.Identifier, Message: e.Error()})
		}
		return out
	}

	var oe *acme.OrderError
	if errors.As(err, &oe) {
		return &Error{Err: err, Problems: []Problem{{Code: "order", Message: "order is " + oe.Status}}}
	}
	return err
}
