package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	localCertFile = "ca.crt"
	localKeyFile  = "ca.key"
)

// LocalAuthority is a self-managed CA kept on disk. It signs CSRs directly
// and is meant for development environments.
type LocalAuthority struct {
	dir  string
	name string
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// NewLocalAuthority returns an authority that keeps its files in dir.
// Call LoadOrCreate before Issue.
func NewLocalAuthority(dir, name string) *LocalAuthority {
	if name == "" {
		name = "Dynamic Hostname Dev CA"
	}
	return &LocalAuthority{dir: dir, name: name}
}

// LoadOrCreate loads the CA from disk, generating it on first use.
func (a *LocalAuthority) LoadOrCreate() error {
	if err := a.load(); err == nil {
		return nil
	}
	return a.create()
}

func (a *LocalAuthority) load() error {
	certPEM, err := os.ReadFile(filepath.Join(a.dir, localCertFile))
	if err != nil {
		return fmt.Errorf("read CA cert: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(a.dir, localKeyFile))
	if err != nil {
		return fmt.Errorf("read CA key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("decode CA cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return fmt.Errorf("decode CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}

	a.cert, a.key = cert, key
	return nil
}

func (a *LocalAuthority) create() error {
	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return fmt.Errorf("create CA dir %q: %w", a.dir, err)
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: a.name},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse CA certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(a.dir, localCertFile), certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(a.dir, localKeyFile), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	a.cert, a.key = cert, key
	return nil
}

// CertPEM returns the CA certificate.
func (a *LocalAuthority) CertPEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw}))
}

// Issue signs the order's CSR.
func (a *LocalAuthority) Issue(ctx context.Context, order *Order) (*Certificate, error) {
	if a.cert == nil {
		return nil, fmt.Errorf("local CA not loaded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	csr, err := ParseCSR(order.CSR)
	if err != nil {
		return nil, &Error{Problems: []Problem{{Code: "badCSR", Message: err.Error()}}, Err: err}
	}
	names, err := orderNames(csr, order.Hostname)
	if err != nil {
		return nil, &Error{Problems: []Problem{{Code: "badCSR", Message: err.Error()}}, Err: err}
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	notBefore := order.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().UTC().Add(-time.Minute)
	}
	notAfter := order.NotAfter
	if notAfter.After(a.cert.NotAfter) {
		notAfter = a.cert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: csr.Subject.CommonName},
		DNSNames:     names,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, csr.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}

	return &Certificate{
		Status:    "issued",
		Serial:    strings.ToUpper(serial.Text(16)),
		Subject:   cert.Subject.CommonName,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		CertPEM:   string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		ChainPEM:  []string{a.CertPEM()},
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
