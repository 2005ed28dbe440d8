package dns_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/sandstorm-io/sandcats/internal/dns"
)

// txtServer answers TXT queries from a mutable map.
type txtServer struct {
	mu      sync.Mutex
	records map[string]string
}

func (s *txtServer) set(name, value string) {
	s.mu.Lock()
	s.records[mdns.Fqdn(name)] = value
	s.mu.Unlock()
}

func (s *txtServer) ServeDNS(w mdns.ResponseWriter, req *mdns.Msg) {
	m := new(mdns.Msg)
	m.SetReply(req)
	m.Authoritative = true
	q := req.Question[0]
	s.mu.Lock()
	v, ok := s.records[q.Name]
	s.mu.Unlock()
	if ok && q.Qtype == mdns.TypeTXT {
		m.Answer = append(m.Answer, &mdns.TXT{
			Hdr: mdns.RR_Header{Name: q.Name, Rrtype: mdns.TypeTXT, Class: mdns.ClassINET, Ttl: 1},
			Txt: []string{v},
		})
	} else if !ok {
		m.Rcode = mdns.RcodeNameError
	}
	_ = w.WriteMsg(m)
}

func startServer(t *testing.T) (*txtServer, string) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h := &txtServer{records: make(map[string]string)}
	started := make(chan struct{})
	srv := &mdns.Server{PacketConn: pc, Handler: h, NotifyStartedFunc: func() { close(started) }}
	go srv.ActivateAndServe() //nolint:errcheck
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return h, pc.LocalAddr().String()
}

func TestCheckTXT(t *testing.T) {
	srv, addr := startServer(t)
	p := dns.NewPropagationChecker([]string{addr}, 10*time.Millisecond)
	ctx := context.Background()

	err := p.CheckTXT(ctx, "_acme-challenge.alice.sandcats.test", "v1")
	if !errors.Is(err, dns.ErrNotPropagated) {
		t.Fatalf("missing record: got %v", err)
	}

	srv.set("_acme-challenge.alice.sandcats.test", "v0")
	if err := p.CheckTXT(ctx, "_acme-challenge.alice.sandcats.test", "v1"); !errors.Is(err, dns.ErrNotPropagated) {
		t.Errorf("wrong value: got %v", err)
	}

	srv.set("_acme-challenge.alice.sandcats.test", "v1")
	if err := p.CheckTXT(ctx, "_acme-challenge.alice.sandcats.test", "v1"); err != nil {
		t.Errorf("present record: %v", err)
	}
}

func TestWaitTXT_succeedsOncePublished(t *testing.T) {
	srv, addr := startServer(t)
	p := dns.NewPropagationChecker([]string{addr}, 10*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		srv.set("_acme-challenge.bob.sandcats.test", "token")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.WaitTXT(ctx, "_acme-challenge.bob.sandcats.test", "token"); err != nil {
		t.Fatalf("WaitTXT: %v", err)
	}
}

func TestWaitTXT_respectsDeadline(t *testing.T) {
	_, addr := startServer(t)
	p := dns.NewPropagationChecker([]string{addr}, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	err := p.WaitTXT(ctx, "_acme-challenge.never.sandcats.test", "token")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}
