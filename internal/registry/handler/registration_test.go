package handler_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sandstorm-io/sandcats/internal/ca"
	"github.com/sandstorm-io/sandcats/internal/registry/handler"
	"github.com/sandstorm-io/sandcats/internal/registry/model"
	"github.com/sandstorm-io/sandcats/internal/registry/repository"
	"github.com/sandstorm-io/sandcats/internal/registry/service"
	"go.uber.org/zap"
)

const baseDomain = "sandcats.test"

type stubSyncer struct {
	mu   sync.Mutex
	last map[string]string
}

func (s *stubSyncer) Sync(_ context.Context, hostname, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		s.last = make(map[string]string)
	}
	s.last[hostname] = ip
	return nil
}

func (s *stubSyncer) FQDN(hostname string) string { return hostname + "." + baseDomain }

func (s *stubSyncer) IP(hostname string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[hostname]
}

type captureMailer struct {
	mu   sync.Mutex
	body string
}

func (m *captureMailer) Send(_ context.Context, _, _, body string) error {
	m.mu.Lock()
	m.body = body
	m.mu.Unlock()
	return nil
}

type testEnv struct {
	router *gin.Engine
	mem    *repository.Memory
	syncer *stubSyncer
	mailer *captureMailer
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := repository.NewMemory(30 * time.Minute)
	syncer := &stubSyncer{}
	mailer := &captureMailer{}
	svc := service.NewRegistrationService(mem.Registrations, mem.Reservations, mem.Certificates,
		syncer, service.DefaultConfig(), zap.NewNop())
	svc.SetMailer(mailer)

	local := ca.NewLocalAuthority(t.TempDir(), "")
	if err := local.LoadOrCreate(); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	envs := ca.NewEnvironments(ca.Dev, nil, nil)
	envs.Set(ca.Dev, local)
	svc.SetCertificateAuthorities(envs)

	r := gin.New()
	handler.NewRegistrationHandler(svc, zap.NewNop()).Register(r)
	return &testEnv{router: r, mem: mem, syncer: syncer, mailer: mailer}
}

type call struct {
	method      string
	path        string
	form        url.Values
	ip          string
	fingerprint string
	accept      string
	noSand      bool
}

func (e *testEnv) do(c call) *httptest.ResponseRecorder {
	if c.method == "" {
		c.method = http.MethodPost
	}
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if !c.noSand {
		req.Header.Set("X-Sand", "cats")
	}
	if c.fingerprint != "" {
		req.Header.Set(handler.DefaultFingerprintHeader, c.fingerprint)
	}
	if c.accept != "" {
		req.Header.Set("Accept", c.accept)
	}
	if c.ip == "" {
		c.ip = "1.2.3.4"
	}
	req.RemoteAddr = c.ip + ":40000"
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return body
}

const (
	fpAliceColons = "AA:AA:AA:AA:AA:AA:AA:AA:AA:AA:AA:AA:AA:AA:AA:AA:AA:AA:AA:AA"
	fpAlice       = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	fpBob         = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func (e *testEnv) registerAlice(t *testing.T) {
	t.Helper()
	w := e.do(call{path: "/register", fingerprint: fpAliceColons,
		form: url.Values{"rawHostname": {"alice"}, "email": {"alice@example.com"}}})
	if w.Code != http.StatusOK {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
}

// ── Tests ──────────────────────────────────────────────────────────────────

func TestRegister_200(t *testing.T) {
	e := setupTestRouter(t)
	e.registerAlice(t)

	reg, err := e.mem.Registrations.GetByHostname(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetByHostname: %v", err)
	}
	if reg.Fingerprint != fpAlice {
		t.Errorf("fingerprint not normalized: %q", reg.Fingerprint)
	}
	if reg.IPAddress != "1.2.3.4" || e.syncer.IP("alice") != "1.2.3.4" {
		t.Errorf("ip not recorded: %+v", reg)
	}
}

func TestRegister_jsonBody(t *testing.T) {
	e := setupTestRouter(t)
	w := e.do(call{path: "/register", fingerprint: fpAlice,
		form: url.Values{"rawHostname": {"alice"}, "email": {"alice@example.com"}}})
	body := decode(t, w)
	if body["success"] != true || body["text"] != model.MsgRegistered {
		t.Errorf("body: %v", body)
	}
}

func TestRegister_textPlain(t *testing.T) {
	e := setupTestRouter(t)
	w := e.do(call{path: "/register", fingerprint: fpAlice, accept: "text/plain, */*",
		form: url.Values{"rawHostname": {"alice"}, "email": {"alice@example.com"}}})
	if w.Code != http.StatusOK || w.Body.String() != model.MsgRegistered {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}

func TestRegister_400(t *testing.T) {
	e := setupTestRouter(t)
	e.registerAlice(t)

	tests := []struct {
		name string
		c    call
		msg  string
	}{
		{"bad hostname", call{path: "/register", fingerprint: fpBob, form: url.Values{"rawHostname": {"-bad"}, "email": {"b@example.com"}}}, model.MsgBadHostname},
		{"taken", call{path: "/register", fingerprint: fpBob, form: url.Values{"rawHostname": {"alice"}, "email": {"b@example.com"}}}, model.MsgHostnameTaken},
		{"no client cert", call{path: "/register", form: url.Values{"rawHostname": {"bob"}, "email": {"b@example.com"}}}, model.MsgNoClientCert},
		{"bad email", call{path: "/register", fingerprint: fpBob, form: url.Values{"rawHostname": {"bob"}, "email": {"nope"}}}, model.MsgBadEmail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(tc.c)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			if body := decode(t, w); body["success"] != false || body["text"] != tc.msg {
				t.Errorf("body: %v", body)
			}
		})
	}
}

func TestAntiForgery_403(t *testing.T) {
	e := setupTestRouter(t)
	w := e.do(call{path: "/register", fingerprint: fpAlice, noSand: true,
		form: url.Values{"rawHostname": {"alice"}, "email": {"alice@example.com"}}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if _, err := e.mem.Registrations.GetByHostname(context.Background(), "alice"); err == nil {
		t.Error("request without X-Sand was processed")
	}
}

func TestMustPost_403(t *testing.T) {
	e := setupTestRouter(t)
	for _, path := range []string{"/register", "/update", "/reserve", "/getcertificate"} {
		w := e.do(call{method: http.MethodGet, path: path, accept: "text/plain"})
		if w.Code != http.StatusForbidden || w.Body.String() != "Must POST." {
			t.Errorf("%s: got %d %q", path, w.Code, w.Body.String())
		}
	}
}

func TestUpdate(t *testing.T) {
	e := setupTestRouter(t)
	e.registerAlice(t)

	w := e.do(call{path: "/update", fingerprint: fpBob, ip: "5.5.5.5", form: url.Values{"rawHostname": {"alice"}}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("wrong key: expected 403, got %d", w.Code)
	}
	if e.syncer.IP("alice") != "1.2.3.4" {
		t.Error("rejected update changed DNS")
	}

	w = e.do(call{path: "/update", fingerprint: fpAlice, ip: "5.5.5.5", form: url.Values{"rawHostname": {"alice"}}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if e.syncer.IP("alice") != "5.5.5.5" {
		t.Errorf("DNS not updated: %q", e.syncer.IP("alice"))
	}
}

func TestRecoveryFlow(t *testing.T) {
	e := setupTestRouter(t)
	e.registerAlice(t)

	for i, want := range []bool{true, true, false} {
		w := e.do(call{path: "/sendrecoverytoken", form: url.Values{"rawHostname": {"alice"}}})
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
		body := decode(t, w)
		if body["success"] != want {
			t.Errorf("request %d: success = %v, want %v (%v)", i+1, body["success"], want, body["text"])
		}
		if !want && body["text"] != model.MsgRecoveryRateLimited {
			t.Errorf("throttled text: %v", body["text"])
		}
	}

	var token string
	for _, line := range strings.Split(e.mailer.body, "\n") {
		if l := strings.TrimSpace(line); len(l) == model.TokenLength {
			token = l
		}
	}
	if token == "" {
		t.Fatalf("no token in mail: %q", e.mailer.body)
	}

	form := url.Values{"rawHostname": {"alice"}, "recoveryToken": {token}}
	w := e.do(call{path: "/recover", fingerprint: fpBob, form: form})
	if w.Code != http.StatusOK {
		t.Fatalf("recover: %d %s", w.Code, w.Body.String())
	}
	w = e.do(call{path: "/recover", fingerprint: fpBob, form: form})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replayed token: expected 400, got %d", w.Code)
	}
}

func TestSendRecoveryToken_unknown(t *testing.T) {
	e := setupTestRouter(t)
	w := e.do(call{path: "/sendrecoverytoken", form: url.Values{"rawHostname": {"ghost"}}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if body := decode(t, w); body["text"] != model.MsgNoSuchDomain {
		t.Errorf("text: %v", body["text"])
	}
}

func TestReserveAndRegisterReserved(t *testing.T) {
	e := setupTestRouter(t)

	// Reserve needs neither X-Sand nor a key, and is open to any origin.
	req := httptest.NewRequest(http.MethodPost, "/reserve",
		strings.NewReader(url.Values{"rawHostname": {"bakery"}, "email": {"owner@example.com"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", "https://hosting.example.com")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("reserve: %d %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	token, _ := decode(t, w)["token"].(string)
	if len(token) != model.TokenLength {
		t.Fatalf("token: %q", token)
	}

	w = e.do(call{path: "/registerreserved", fingerprint: fpAlice, ip: "7.7.7.7",
		form: url.Values{"rawHostname": {"bakery"}, "domainReservationToken": {"wrong"}}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("wrong token: expected 400, got %d", w.Code)
	}

	w = e.do(call{path: "/registerreserved", fingerprint: fpAlice, ip: "7.7.7.7",
		form: url.Values{"rawHostname": {"bakery"}, "domainReservationToken": {token}}})
	if w.Code != http.StatusOK {
		t.Fatalf("registerreserved: %d %s", w.Code, w.Body.String())
	}
	reg, err := e.mem.Registrations.GetByHostname(context.Background(), "bakery")
	if err != nil || reg.Email != "owner@example.com" || reg.IPAddress != "7.7.7.7" {
		t.Errorf("registration: %+v %v", reg, err)
	}
}

func TestReserve_preflight(t *testing.T) {
	e := setupTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/reserve", nil)
	req.Header.Set("Origin", "https://hosting.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func makeCSR(t *testing.T, cn string) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func TestGetCertificate(t *testing.T) {
	e := setupTestRouter(t)
	e.registerAlice(t)

	w := e.do(call{path: "/getcertificate", fingerprint: fpAlice, form: url.Values{
		"rawHostname":               {"alice"},
		"certificateSigningRequest": {makeCSR(t, "*.alice."+baseDomain)},
	}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	cert, _ := body["cert"].(string)
	if !strings.HasPrefix(cert, "-----BEGIN CERTIFICATE-----") {
		t.Errorf("cert: %q", cert)
	}
	if chain, _ := body["chain"].([]any); len(chain) != 1 {
		t.Errorf("chain: %v", body["chain"])
	}

	w = e.do(call{path: "/getcertificate", fingerprint: fpAlice, form: url.Values{
		"rawHostname":               {"alice"},
		"certificateSigningRequest": {makeCSR(t, "bob."+baseDomain)},
	}})
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign subject: expected 403, got %d", w.Code)
	}

	w = e.do(call{path: "/getcertificate", fingerprint: fpAlice, form: url.Values{
		"rawHostname":               {"alice"},
		"certificateSigningRequest": {"not a csr"},
	}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("garbage CSR: expected 400, got %d", w.Code)
	}
}

func TestGetCertificate_textPlain(t *testing.T) {
	e := setupTestRouter(t)
	e.registerAlice(t)

	w := e.do(call{path: "/getcertificate", fingerprint: fpAlice, accept: "text/plain", form: url.Values{
		"rawHostname":               {"alice"},
		"certificateSigningRequest": {makeCSR(t, "alice."+baseDomain)},
	}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if n := strings.Count(w.Body.String(), "-----BEGIN CERTIFICATE-----"); n != 2 {
		t.Errorf("expected leaf and CA in bundle, found %d certificates", n)
	}
}

func TestIPRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := handler.NewIPRateLimiter(1, 2)
	r := gin.New()
	r.Use(l.Middleware())
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/x", nil)
		req.RemoteAddr = "9.9.9.9:1"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes: %v", codes)
	}
	if n := l.Cleanup(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("Cleanup removed %d, want 1", n)
	}
}
