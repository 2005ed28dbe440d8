// Package zone keeps the DNS zone in step with registration state. It writes
// to a PowerDNS-compatible record store and can also serve that store
// directly as an authoritative DNS server.
package zone

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrConsistency is returned when an SOA serial bump touched a number of
// rows other than one, or when the serial cannot grow without wrapping. The zone can no longer be trusted and the process
// should stop serving.
var ErrConsistency = errors.New("zone consistency failure")

// Config describes the zone the synchronizer owns.
type Config struct {
	Zone        string   // base domain, e.g. "sandcats.io"
	TTL         int      // TTL for host records
	Nameservers []string // defaults to ns1.<zone>, ns2.<zone>
	Hostmaster  string   // defaults to hostmaster.<zone>
	ApexIP      string   // defaults to 127.0.0.1
}

func (c Config) withDefaults() Config {
	c.Zone = normalizeName(c.Zone)
	if c.TTL <= 0 {
		c.TTL = 60
	}
	if len(c.Nameservers) == 0 {
		c.Nameservers = []string{"ns1." + c.Zone, "ns2." + c.Zone}
	}
	if c.Hostmaster == "" {
		c.Hostmaster = "hostmaster." + c.Zone
	}
	if c.ApexIP == "" {
		c.ApexIP = "127.0.0.1"
	}
	return c
}

// Synchronizer turns (hostname, IP) bindings into record mutations.
type Synchronizer struct {
	backend Backend
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	domainID int64
}

// NewSynchronizer creates a Synchronizer for cfg.Zone.
func NewSynchronizer(backend Backend, cfg Config, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{backend: backend, cfg: cfg.withDefaults(), logger: logger}
}

// Zone returns the base domain.
func (s *Synchronizer) Zone() string { return s.cfg.Zone }

// FQDN returns hostname.<zone>.
func (s *Synchronizer) FQDN(hostname string) string {
	return hostname + "." + s.cfg.Zone
}

// EnsureZone creates the zone and its apex A, SOA and NS records if the
// zone does not exist yet.
func (s *Synchronizer) EnsureZone(ctx context.Context) error {
	id, err := s.backend.DomainID(ctx, s.cfg.Zone)
	if err == nil {
		s.setDomainID(id)
		return nil
	}
	if !errors.Is(err, ErrZoneNotFound) {
		return err
	}

	id, err = s.backend.CreateDomain(ctx, s.cfg.Zone)
	if err != nil {
		return err
	}

	recs := []Record{
		{Name: s.cfg.Zone, Type: "A", Content: s.cfg.ApexIP},
		{Name: s.cfg.Zone, Type: "SOA", Content: initialSOA(s.cfg.Nameservers[0], s.cfg.Hostmaster).String()},
	}
	for _, ns := range s.cfg.Nameservers {
		recs = append(recs, Record{Name: s.cfg.Zone, Type: "NS", Content: ns})
	}
	for i := range recs {
		recs[i].DomainID = id
		recs[i].TTL = s.cfg.TTL
		if err := s.backend.CreateRecord(ctx, &recs[i]); err != nil {
			return fmt.Errorf("seed zone %s: %w", s.cfg.Zone, err)
		}
	}

	s.setDomainID(id)
	s.logger.Info("zone created", zap.String("zone", s.cfg.Zone), zap.Int64("domain_id", id))
	return nil
}

// Sync points hostname.<zone> and *.hostname.<zone> at ip and bumps the
// zone serial. Any other records under those two names are removed.
func (s *Synchronizer) Sync(ctx context.Context, hostname, ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return fmt.Errorf("sync %s: not an IPv4 address: %q", hostname, ip)
	}
	ip = parsed.To4().String()

	id, err := s.zoneID(ctx)
	if err != nil {
		return err
	}

	fqdn := s.FQDN(hostname)
	names := []string{fqdn, "*." + fqdn}
	for _, name := range names {
		if _, err := s.backend.DeleteRecords(ctx, id, name, ""); err != nil {
			return fmt.Errorf("sync %s: %w", hostname, err)
		}
	}
	for _, name := range names {
		rec := &Record{DomainID: id, Name: name, Type: "A", Content: ip, TTL: s.cfg.TTL}
		if err := s.backend.CreateRecord(ctx, rec); err != nil {
			return fmt.Errorf("sync %s: %w", hostname, err)
		}
	}

	if err := s.bumpSerial(ctx, id); err != nil {
		return err
	}

	s.logger.Info("zone synced", zap.String("hostname", hostname), zap.String("ip", ip))
	return nil
}

// PresentTXT publishes a TXT record at fqdn, replacing any existing one.
func (s *Synchronizer) PresentTXT(ctx context.Context, fqdn, value string) error {
	id, err := s.zoneID(ctx)
	if err != nil {
		return err
	}
	if !s.inZone(fqdn) {
		return fmt.Errorf("present txt: %s is outside zone %s", fqdn, s.cfg.Zone)
	}
	if _, err := s.backend.DeleteRecords(ctx, id, fqdn, "TXT"); err != nil {
		return err
	}
	rec := &Record{DomainID: id, Name: fqdn, Type: "TXT", Content: `"` + value + `"`, TTL: s.cfg.TTL}
	if err := s.backend.CreateRecord(ctx, rec); err != nil {
		return err
	}
	return s.bumpSerial(ctx, id)
}

// CleanupTXT removes TXT records at fqdn.
func (s *Synchronizer) CleanupTXT(ctx context.Context, fqdn string) error {
	id, err := s.zoneID(ctx)
	if err != nil {
		return err
	}
	n, err := s.backend.DeleteRecords(ctx, id, fqdn, "TXT")
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return s.bumpSerial(ctx, id)
}

func (s *Synchronizer) bumpSerial(ctx context.Context, id int64) error {
	var before, after uint32
	rows, err := s.backend.UpdateSOA(ctx, id, func(content string) (string, error) {
		soa, err := ParseSOA(content)
		if err != nil {
			return "", err
		}
		before = soa.Serial
		if soa.Serial == math.MaxUint32 {
			return "", fmt.Errorf("%w: soa serial for %s exhausted", ErrConsistency, s.cfg.Zone)
		}
		soa.Serial++
		after = soa.Serial
		return soa.String(), nil
	})
	if err != nil {
		return fmt.Errorf("bump soa serial: %w", err)
	}
	if rows != 1 {
		s.logger.Error("SOA serial bump touched unexpected row count",
			zap.String("zone", s.cfg.Zone),
			zap.Int64("rows", rows),
		)
		return fmt.Errorf("%w: soa update for %s affected %d rows", ErrConsistency, s.cfg.Zone, rows)
	}
	s.logger.Debug("soa serial bumped", zap.Uint32("from", before), zap.Uint32("to", after))
	return nil
}

func (s *Synchronizer) zoneID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	id := s.domainID
	s.mu.Unlock()
	if id != 0 {
		return id, nil
	}
	id, err := s.backend.DomainID(ctx, s.cfg.Zone)
	if err != nil {
		return 0, fmt.Errorf("zone %s: %w", s.cfg.Zone, err)
	}
	s.setDomainID(id)
	return id, nil
}

func (s *Synchronizer) setDomainID(id int64) {
	s.mu.Lock()
	s.domainID = id
	s.mu.Unlock()
}

func (s *Synchronizer) inZone(name string) bool {
	name = normalizeName(name)
	return name == s.cfg.Zone || strings.HasSuffix(name, "."+s.cfg.Zone)
}
