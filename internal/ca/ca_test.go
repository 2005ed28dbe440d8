package ca_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sandstorm-io/sandcats/internal/ca"
)

func makeCSR(t *testing.T, cn string, dnsNames ...string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: dnsNames,
	}, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func TestExtractSubjectName(t *testing.T) {
	csr := makeCSR(t, "alice.sandcats.example")
	got, err := ca.ExtractSubjectName(csr)
	if err != nil {
		t.Fatalf("ExtractSubjectName: %v", err)
	}
	if got != "alice.sandcats.example" {
		t.Errorf("got %q", got)
	}

	block, _ := pem.Decode(csr)
	got, err = ca.ExtractSubjectName(block.Bytes)
	if err != nil || got != "alice.sandcats.example" {
		t.Errorf("DER input: got %q, %v", got, err)
	}
}

func TestExtractSubjectName_rejectsGarbage(t *testing.T) {
	for _, in := range [][]byte{
		nil,
		[]byte("not a csr"),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1, 2, 3}}),
	} {
		if _, err := ca.ExtractSubjectName(in); !errors.Is(err, ca.ErrBadCSR) {
			t.Errorf("ExtractSubjectName(%q): expected ErrBadCSR, got %v", in, err)
		}
	}
}

func TestExtractSubjectName_requiresCommonName(t *testing.T) {
	if _, err := ca.ExtractSubjectName(makeCSR(t, "", "alice.sandcats.example")); !errors.Is(err, ca.ErrBadCSR) {
		t.Errorf("expected ErrBadCSR, got %v", err)
	}
}

func TestRequestedNamesAndCheck(t *testing.T) {
	names, err := ca.RequestedNames(makeCSR(t, "alice.sandcats.example", "*.alice.sandcats.example", "bob.sandcats.example"))
	if err != nil {
		t.Fatalf("RequestedNames: %v", err)
	}
	if len(names) != 3 || names[2] != "alice.sandcats.example" {
		t.Errorf("names = %v", names)
	}
	if err := ca.CheckNames(names, "alice.sandcats.example"); !errors.Is(err, ca.ErrBadCSR) {
		t.Errorf("foreign SAN: got %v", err)
	}
	if err := ca.CheckNames(names[:1], "ALICE.sandcats.example"); err != nil {
		t.Errorf("wildcard: %v", err)
	}
	if err := ca.CheckNames(nil, "alice.sandcats.example"); !errors.Is(err, ca.ErrBadCSR) {
		t.Errorf("empty: got %v", err)
	}
}

func TestLocalAuthority_issue(t *testing.T) {
	dir := t.TempDir()
	la := ca.NewLocalAuthority(dir, "")
	if err := la.LoadOrCreate(); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	csrPEM := makeCSR(t, "*.alice.sandcats.example", "*.alice.sandcats.example", "alice.sandcats.example")
	der, err := ca.DecodeCSR(csrPEM)
	if err != nil {
		t.Fatal(err)
	}
	notAfter := time.Now().Add(9 * 24 * time.Hour).Truncate(time.Second)

	cert, err := la.Issue(context.Background(), &ca.Order{Hostname: "alice.sandcats.example", CSR: der, NotAfter: notAfter})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if cert.Subject != "*.alice.sandcats.example" {
		t.Errorf("Subject = %q", cert.Subject)
	}
	if !cert.NotAfter.Equal(notAfter.UTC()) {
		t.Errorf("NotAfter = %v, want %v", cert.NotAfter, notAfter)
	}
	if len(cert.ChainPEM) != 1 {
		t.Fatalf("expected CA cert in chain")
	}

	block, _ := pem.Decode([]byte(cert.CertPEM))
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM([]byte(cert.ChainPEM[0]))
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "www.alice.sandcats.example", Roots: pool}); err != nil {
		t.Errorf("issued certificate does not verify: %v", err)
	}

	// A second authority over the same directory reuses the stored CA.
	again := ca.NewLocalAuthority(dir, "")
	if err := again.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	if again.CertPEM() != la.CertPEM() {
		t.Error("expected CA to be reloaded from disk")
	}
}

func TestLocalAuthority_badCSR(t *testing.T) {
	la := ca.NewLocalAuthority(t.TempDir(), "")
	if err := la.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	_, err := la.Issue(context.Background(), &ca.Order{CSR: []byte("garbage")})
	var caErr *ca.Error
	if !errors.As(err, &caErr) {
		t.Fatalf("expected *ca.Error, got %v", err)
	}
	if len(caErr.Messages()) == 0 {
		t.Error("expected problem messages")
	}
}

func TestLocalAuthority_rejectsForeignNames(t *testing.T) {
	la := ca.NewLocalAuthority(t.TempDir(), "")
	if err := la.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	der, err := ca.DecodeCSR(makeCSR(t, "alice.sandcats.example", "alice.sandcats.example", "bob.sandcats.example"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = la.Issue(context.Background(), &ca.Order{Hostname: "alice.sandcats.example", CSR: der})
	if !errors.Is(err, ca.ErrBadCSR) {
		t.Fatalf("expected ErrBadCSR for a foreign SAN, got %v", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTimeout(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{&net.OpError{Op: "dial", Err: timeoutErr{}}, true},
		{errors.New("boom"), false},
		{&ca.Error{Problems: []ca.Problem{{Code: "rejected", Message: "no"}}}, false},
		{context.Canceled, false},
	}
	for _, c := range cases {
		if got := ca.IsTimeout(c.err); got != c.want {
			t.Errorf("IsTimeout(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

type nopClient struct{ name string }

func (nopClient) Issue(context.Context, *ca.Order) (*ca.Certificate, error) { return nil, nil }

func TestEnvironments_routing(t *testing.T) {
	envs := ca.NewEnvironments(ca.Prod, []string{"Tester"}, []string{"vip"})
	envs.Set(ca.Prod, nopClient{"prod"})

	if got := envs.EnvFor("tester"); got != ca.Dev {
		t.Errorf("tester -> %s, want dev", got)
	}
	if got := envs.EnvFor("vip"); got != ca.Prod {
		t.Errorf("vip -> %s, want prod", got)
	}
	if got := envs.EnvFor("anyone"); got != ca.Prod {
		t.Errorf("anyone -> %s, want default prod", got)
	}

	if _, _, err := envs.For("tester"); !errors.Is(err, ca.ErrNoClient) {
		t.Errorf("expected ErrNoClient for unconfigured dev, got %v", err)
	}
	env, c, err := envs.For("anyone")
	if err != nil || env != ca.Prod || c.(nopClient).name != "prod" {
		t.Errorf("For(anyone) = %v, %v, %v", env, c, err)
	}
}
