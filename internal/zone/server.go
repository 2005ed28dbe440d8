package zone

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

// Server answers DNS queries for the zone straight from the backend.
type Server struct {
	backend Backend
	zone    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewServer returns an authoritative server for zone.
func NewServer(backend Backend, zone string, logger *zap.Logger) *Server {
	return &Server{
		backend: backend,
		zone:    normalizeName(zone),
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// ListenAndServe serves UDP and TCP on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := dns.NewServeMux()
	mux.Handle(dns.Fqdn(s.zone), s)
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeRefused)
		_ = w.WriteMsg(m)
	})

	errc := make(chan error, 2)
	servers := []*dns.Server{
		{Addr: addr, Net: "udp", Handler: mux},
		{Addr: addr, Net: "tcp", Handler: mux},
	}
	for _, srv := range servers {
		go func(srv *dns.Server) {
			if err := srv.ListenAndServe(); err != nil {
				errc <- fmt.Errorf("dns/%s listen: %w", srv.Net, err)
			}
		}(srv)
	}
	s.logger.Info("authoritative DNS listening", zap.String("addr", addr), zap.String("zone", s.zone))

	select {
	case <-ctx.Done():
	case err := <-errc:
		for _, srv := range servers {
			_ = srv.Shutdown()
		}
		return err
	}
	for _, srv := range servers {
		_ = srv.ShutdownContext(context.Background())
	}
	return nil
}

// ServeDNS implements dns.Handler.
func (s *Server) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := w.WriteMsg(s.Resolve(ctx, req)); err != nil {
		s.logger.Debug("dns write", zap.Error(err))
	}
}

// Resolve builds the response to req.
func (s *Server) Resolve(ctx context.Context, req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	if len(req.Question) != 1 {
		resp.Rcode = dns.RcodeFormatError
		return resp
	}
	q := req.Question[0]
	name := normalizeName(q.Name)
	if name != s.zone && !strings.HasSuffix(name, "."+s.zone) {
		resp.Rcode = dns.RcodeRefused
		resp.Authoritative = false
		return resp
	}

	recs, err := s.lookup(ctx, name)
	if err != nil {
		s.logger.Warn("dns lookup failed", zap.String("name", name), zap.Error(err))
		resp.Rcode = dns.RcodeServerFailure
		return resp
	}

	for _, rec := range recs {
		if q.Qtype != dns.TypeANY && dns.StringToType[rec.Type] != q.Qtype {
			continue
		}
		rr, err := toRR(q.Name, rec)
		if err != nil {
			s.logger.Warn("skipping unparsable record", zap.Int64("id", rec.ID), zap.Error(err))
			continue
		}
		resp.Answer = append(resp.Answer, rr)
	}

	if len(resp.Answer) == 0 {
		if len(recs) == 0 {
			resp.Rcode = dns.RcodeNameError
		}
		if soa := s.soa(ctx); soa != nil {
			resp.Ns = append(resp.Ns, soa)
		}
	}
	return resp
}

// lookup returns records for name, falling back to the wildcard one level up.
func (s *Server) lookup(ctx context.Context, name string) ([]Record, error) {
	recs, err := s.backend.Lookup(ctx, name)
	if err != nil || len(recs) > 0 || name == s.zone {
		return recs, err
	}
	_, parent, ok := strings.Cut(name, ".")
	if !ok || parent == s.zone {
		return nil, nil
	}
	return s.backend.Lookup(ctx, "*."+parent)
}

func (s *Server) soa(ctx context.Context) dns.RR {
	recs, err := s.backend.Lookup(ctx, s.zone)
	if err != nil {
		return nil
	}
	for _, rec := range recs {
		if rec.Type == "SOA" {
			rr, err := toRR(s.zone, rec)
			if err == nil {
				return rr
			}
		}
	}
	return nil
}

var errUnsupportedType = errors.New("unsupported record type")

func toRR(owner string, rec Record) (dns.RR, error) {
	switch rec.Type {
	case "A", "AAAA", "TXT", "NS", "SOA", "CNAME":
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedType, rec.Type)
	}
	content := rec.Content
	if rec.Type == "NS" || rec.Type == "CNAME" {
		content = dns.Fqdn(content)
	}
	if rec.Type == "SOA" {
		soa, err := ParseSOA(content)
		if err != nil {
			return nil, err
		}
		soa.PrimaryNS = dns.Fqdn(soa.PrimaryNS)
		soa.Hostmaster = dns.Fqdn(soa.Hostmaster)
		content = soa.String()
	}
	return dns.NewRR(fmt.Sprintf("%s %d IN %s %s", dns.Fqdn(owner), rec.TTL, rec.Type, content))
}
