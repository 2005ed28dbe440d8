package client

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // the registry keys hosts by SHA-1 fingerprint
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Identity files inside a key directory.
const (
	certFile = "id_rsa.private_combined"
	keyFile  = "id_rsa"
)

// CertBundle holds the PEM-encoded client key and the self-signed
// certificate presented to the registry. The certificate's fingerprint is
// what the registry binds a hostname to.
type CertBundle struct {
	CertPEM       string
	PrivateKeyPEM string
}

// GenerateIdentity creates a fresh RSA key and a long-lived self-signed
// client certificate for it.
func GenerateIdentity() (*CertBundle, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "sandcats client"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(20, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return &CertBundle{
		CertPEM:       string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})),
	}, nil
}

// Fingerprint returns the lowercase hex SHA-1 of the bundle's certificate,
// as the registry's TLS terminator reports it.
func (b *CertBundle) Fingerprint() (string, error) {
	block, _ := pem.Decode([]byte(b.CertPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return "", errors.New("no certificate in bundle")
	}
	sum := sha1.Sum(block.Bytes) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}

// CSR builds a PEM certificate signing request for fqdn and *.fqdn signed by
// the bundle's key.
func (b *CertBundle) CSR(fqdn string) ([]byte, error) {
	block, _ := pem.Decode([]byte(b.PrivateKeyPEM))
	if block == nil {
		return nil, errors.New("no private key in bundle")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: fqdn},
		DNSNames: []string{fqdn, "*." + fqdn},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// Save writes the bundle into dir with owner-only permissions.
func (b *CertBundle) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, keyFile), []byte(b.PrivateKeyPEM), 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, certFile), []byte(b.CertPEM), 0o600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

// LoadCertBundle reads the key and certificate written by Save.
func LoadCertBundle(dir string) (*CertBundle, error) {
	read := func(name string) (string, error) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		return string(b), nil
	}

	cert, err := read(certFile)
	if err != nil {
		return nil, err
	}
	key, err := read(keyFile)
	if err != nil {
		return nil, err
	}
	return &CertBundle{CertPEM: cert, PrivateKeyPEM: key}, nil
}

// LoadOrGenerate loads the bundle in dir, creating and saving one first if
// none exists.
func LoadOrGenerate(dir string) (*CertBundle, error) {
	b, err := LoadCertBundle(dir)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	b, err = GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := b.Save(dir); err != nil {
		return nil, err
	}
	return b, nil
}

// WithCertDir loads the bundle in dir and configures mTLS with it.
//
//	c, err := client.New(registryURL, client.WithCertDir(keyDir))
func WithCertDir(dir string) Option {
	return func(c *Client) error {
		bundle, err := LoadCertBundle(dir)
		if err != nil {
			return fmt.Errorf("load cert bundle from %q: %w", dir, err)
		}
		return WithMTLS(bundle.CertPEM, bundle.PrivateKeyPEM, "")(c)
	}
}
