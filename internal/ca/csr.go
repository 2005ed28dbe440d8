package ca

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ErrBadCSR is returned for input that is not a valid, self-signed CSR.
var ErrBadCSR = errors.New("invalid certificate signing request")

// SubjectExtractor returns the subject name a CSR asks for.
type SubjectExtractor func(csr []byte) (string, error)

// NameExtractor returns every DNS name a CSR asks for.
type NameExtractor func(csr []byte) ([]string, error)

// DecodeCSR accepts a PEM or raw DER request and returns the DER bytes.
func DecodeCSR(in []byte) ([]byte, error) {
	if block, _ := pem.Decode(in); block != nil {
		if block.Type != "CERTIFICATE REQUEST" && block.Type != "NEW CERTIFICATE REQUEST" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrBadCSR, block.Type)
		}
		return block.Bytes, nil
	}
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrBadCSR)
	}
	return in, nil
}

// ParseCSR decodes and verifies a CSR.
func ParseCSR(in []byte) (*x509.CertificateRequest, error) {
	der, err := DecodeCSR(in)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrBadCSR, err)
	}
	return csr, nil
}

// ExtractSubjectName returns the common name of the CSR's subject.
func ExtractSubjectName(in []byte) (string, error) {
	csr, err := ParseCSR(in)
	if err != nil {
		return "", err
	}
	if csr.Subject.CommonName == "" {
		return "", fmt.Errorf("%w: no subject common name", ErrBadCSR)
	}
	return csr.Subject.CommonName, nil
}

// RequestedNames returns the CSR's DNS SANs followed by its common name.
func RequestedNames(in []byte) ([]string, error) {
	csr, err := ParseCSR(in)
	if err != nil {
		return nil, err
	}
	names := append([]string(nil), csr.DNSNames...)
	if csr.Subject.CommonName != "" {
		names = append(names, csr.Subject.CommonName)
	}
	return names, nil
}

// CheckNames returns an error wrapping ErrBadCSR unless every name is host
// or *.host, compared case-insensitively.
func CheckNames(names []string, host string) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: no names in request", ErrBadCSR)
	}
	host = strings.ToLower(host)
	for _, n := range names {
		n = strings.ToLower(n)
		if n != host && n != "*."+host {
			return fmt.Errorf("%w: name %q not allowed for %s", ErrBadCSR, n, host)
		}
	}
	return nil
}

// csrNames returns the DNS names a CSR covers, falling back to the CN.
func csrNames(csr *x509.CertificateRequest) []string {
	if len(csr.DNSNames) > 0 {
		return csr.DNSNames
	}
	if csr.Subject.CommonName != "" {
		return []string{csr.Subject.CommonName}
	}
	return nil
}

// orderNames returns the CSR's names, lowercased, after checking that each
// one is host or *.host.
func orderNames(csr *x509.CertificateRequest, host string) ([]string, error) {
	names := csrNames(csr)
	if err := CheckNames(names, host); err != nil {
		return nil, err
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	return out, nil
}
