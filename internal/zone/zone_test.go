package zone_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/miekg/dns"
	"github.com/sandstorm-io/sandcats/internal/zone"
	"go.uber.org/zap"
)

const testZone = "sandcats-dev.example"

func newBackend(t *testing.T) *zone.GormBackend {
	t.Helper()
	b, err := zone.OpenSQLite(filepath.Join(t.TempDir(), "zone.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newSync(t *testing.T, b zone.Backend) *zone.Synchronizer {
	t.Helper()
	s := zone.NewSynchronizer(b, zone.Config{Zone: testZone, TTL: 60}, zap.NewNop())
	if err := s.EnsureZone(context.Background()); err != nil {
		t.Fatalf("EnsureZone: %v", err)
	}
	return s
}

func serial(t *testing.T, b zone.Backend) uint32 {
	t.Helper()
	recs, err := b.Lookup(context.Background(), testZone)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if r.Type == "SOA" {
			soa, err := zone.ParseSOA(r.Content)
			if err != nil {
				t.Fatal(err)
			}
			return soa.Serial
		}
	}
	t.Fatal("no SOA record")
	return 0
}

func aRecords(t *testing.T, b zone.Backend, name string) []zone.Record {
	t.Helper()
	recs, err := b.Lookup(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	var out []zone.Record
	for _, r := range recs {
		if r.Type == "A" {
			out = append(out, r)
		}
	}
	return out
}

func TestParseSOA_roundTrip(t *testing.T) {
	in := "ns1.example.com hostmaster.example.com 42 60 60 604800 60"
	soa, err := zone.ParseSOA(in)
	if err != nil {
		t.Fatalf("ParseSOA: %v", err)
	}
	if soa.Serial != 42 || soa.Expire != 604800 {
		t.Errorf("unexpected fields: %+v", soa)
	}
	if soa.String() != in {
		t.Errorf("String() = %q, want %q", soa.String(), in)
	}
}

func TestParseSOA_rejectsWrongFieldCount(t *testing.T) {
	if _, err := zone.ParseSOA("ns1.example.com hostmaster.example.com 1 60 60 604800"); err == nil {
		t.Error("expected error for 6 fields")
	}
	if _, err := zone.ParseSOA("ns1 hm x 60 60 604800 60"); err == nil {
		t.Error("expected error for non-numeric serial")
	}
}

func TestEnsureZone_seedsApexRecords(t *testing.T) {
	b := newBackend(t)
	newSync(t, b)

	recs, err := b.Lookup(context.Background(), testZone)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]int{}
	for _, r := range recs {
		types[r.Type]++
	}
	if types["A"] != 1 || types["SOA"] != 1 || types["NS"] != 2 {
		t.Errorf("unexpected apex record set: %v", types)
	}
	if got := serial(t, b); got != 1 {
		t.Errorf("initial serial = %d, want 1", got)
	}
}

func TestEnsureZone_idempotent(t *testing.T) {
	b := newBackend(t)
	newSync(t, b)
	newSync(t, b)

	recs, _ := b.Lookup(context.Background(), testZone)
	if len(recs) != 4 {
		t.Errorf("expected 4 apex records after two EnsureZone calls, got %d", len(recs))
	}
}

func TestSync_createsHostAndWildcard(t *testing.T) {
	b := newBackend(t)
	s := newSync(t, b)
	before := serial(t, b)

	if err := s.Sync(context.Background(), "x", "1.2.3.4"); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	for _, name := range []string{"x." + testZone, "*.x." + testZone} {
		recs := aRecords(t, b, name)
		if len(recs) != 1 {
			t.Fatalf("%s: expected 1 A record, got %d", name, len(recs))
		}
		if recs[0].Content != "1.2.3.4" {
			t.Errorf("%s: content = %q", name, recs[0].Content)
		}
	}
	if after := serial(t, b); after <= before {
		t.Errorf("serial did not increase: %d -> %d", before, after)
	}
}

func TestSync_repeatedIsIdempotentExceptSerial(t *testing.T) {
	b := newBackend(t)
	s := newSync(t, b)
	ctx := context.Background()

	if err := s.Sync(ctx, "x", "1.2.3.4"); err != nil {
		t.Fatal(err)
	}
	first := serial(t, b)
	if err := s.Sync(ctx, "x", "1.2.3.4"); err != nil {
		t.Fatal(err)
	}

	if n := len(aRecords(t, b, "x."+testZone)); n != 1 {
		t.Errorf("expected 1 A record after resync, got %d", n)
	}
	if got := serial(t, b); got != first+1 {
		t.Errorf("serial = %d, want %d", got, first+1)
	}
}

func TestSync_replacesOtherRecordTypes(t *testing.T) {
	b := newBackend(t)
	s := newSync(t, b)
	ctx := context.Background()

	id, _ := b.DomainID(ctx, testZone)
	_ = b.CreateRecord(ctx, &zone.Record{DomainID: id, Name: "x." + testZone, Type: "TXT", Content: `"stale"`, TTL: 60})

	if err := s.Sync(ctx, "x", "5.6.7.8"); err != nil {
		t.Fatal(err)
	}
	recs, _ := b.Lookup(ctx, "x."+testZone)
	if len(recs) != 1 || recs[0].Type != "A" || recs[0].Content != "5.6.7.8" {
		t.Errorf("unexpected records after sync: %+v", recs)
	}
}

func TestSync_rejectsNonIPv4(t *testing.T) {
	s := newSync(t, newBackend(t))
	if err := s.Sync(context.Background(), "x", "::1"); err == nil {
		t.Error("expected error for IPv6 address")
	}
	if err := s.Sync(context.Background(), "x", "not-an-ip"); err == nil {
		t.Error("expected error for garbage address")
	}
}

func TestSync_concurrentSerialStillIncreases(t *testing.T) {
	b := newBackend(t)
	s := newSync(t, b)
	before := serial(t, b)

	var wg sync.WaitGroup
	for _, h := range []string{"a1", "a2", "a3", "a4"} {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			if err := s.Sync(context.Background(), h, "10.0.0.1"); err != nil {
				t.Errorf("Sync(%s): %v", h, err)
			}
		}(h)
	}
	wg.Wait()

	if got := serial(t, b); got != before+4 {
		t.Errorf("serial = %d, want %d", got, before+4)
	}
}

// soaCountBackend wraps a backend and reports a fixed SOA row count.
type soaCountBackend struct {
	zone.Backend
	rows int64
}

func (b soaCountBackend) UpdateSOA(_ context.Context, _ int64, _ func(string) (string, error)) (int64, error) {
	return b.rows, nil
}

func TestSync_consistencyErrorOnUnexpectedRowCount(t *testing.T) {
	for _, rows := range []int64{0, 2} {
		b := newBackend(t)
		newSync(t, b)
		s := zone.NewSynchronizer(soaCountBackend{Backend: b, rows: rows}, zone.Config{Zone: testZone}, zap.NewNop())

		err := s.Sync(context.Background(), "x", "1.2.3.4")
		if !errors.Is(err, zone.ErrConsistency) {
			t.Errorf("rows=%d: expected ErrConsistency, got %v", rows, err)
		}
	}
}

// fixedSOABackend hands a fixed SOA to the serial bump.
type fixedSOABackend struct {
	zone.Backend
	content string
}

func (b fixedSOABackend) UpdateSOA(_ context.Context, _ int64, modify func(string) (string, error)) (int64, error) {
	if _, err := modify(b.content); err != nil {
		return 0, err
	}
	return 1, nil
}

func TestSync_serialExhaustedIsConsistencyError(t *testing.T) {
	b := newBackend(t)
	newSync(t, b)
	s := zone.NewSynchronizer(fixedSOABackend{
		Backend: b,
		content: "ns1." + testZone + " hostmaster." + testZone + " 4294967295 60 60 604800 60",
	}, zone.Config{Zone: testZone}, zap.NewNop())

	err := s.Sync(context.Background(), "x", "1.2.3.4")
	if !errors.Is(err, zone.ErrConsistency) {
		t.Errorf("expected ErrConsistency, got %v", err)
	}
}

func TestPresentAndCleanupTXT(t *testing.T) {
	b := newBackend(t)
	s := newSync(t, b)
	ctx := context.Background()
	name := "_acme-challenge.alice." + testZone

	if err := s.PresentTXT(ctx, name, "token-value"); err != nil {
		t.Fatalf("PresentTXT: %v", err)
	}
	recs, _ := b.Lookup(ctx, name)
	if len(recs) != 1 || recs[0].Content != `"token-value"` {
		t.Fatalf("unexpected TXT records: %+v", recs)
	}

	if err := s.CleanupTXT(ctx, name); err != nil {
		t.Fatalf("CleanupTXT: %v", err)
	}
	recs, _ = b.Lookup(ctx, name)
	if len(recs) != 0 {
		t.Errorf("expected TXT removed, got %+v", recs)
	}

	if err := s.PresentTXT(ctx, "_acme-challenge.other.example", "v"); err == nil {
		t.Error("expected error for name outside the zone")
	}
}

func TestServer_resolvesHostAndWildcard(t *testing.T) {
	b := newBackend(t)
	s := newSync(t, b)
	ctx := context.Background()
	if err := s.Sync(ctx, "alice", "9.8.7.6"); err != nil {
		t.Fatal(err)
	}
	srv := zone.NewServer(b, testZone, zap.NewNop())

	for _, qname := range []string{"alice." + testZone + ".", "www.alice." + testZone + "."} {
		req := new(dns.Msg)
		req.SetQuestion(qname, dns.TypeA)
		resp := srv.Resolve(ctx, req)
		if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 1 {
			t.Fatalf("%s: rcode=%d answers=%d", qname, resp.Rcode, len(resp.Answer))
		}
		a, ok := resp.Answer[0].(*dns.A)
		if !ok || a.A.String() != "9.8.7.6" {
			t.Errorf("%s: unexpected answer %v", qname, resp.Answer[0])
		}
	}
}

func TestServer_nxdomainAndRefused(t *testing.T) {
	b := newBackend(t)
	newSync(t, b)
	srv := zone.NewServer(b, testZone, zap.NewNop())

	req := new(dns.Msg)
	req.SetQuestion("nobody."+testZone+".", dns.TypeA)
	resp := srv.Resolve(context.Background(), req)
	if resp.Rcode != dns.RcodeNameError {
		t.Errorf("rcode = %d, want NXDOMAIN", resp.Rcode)
	}
	if len(resp.Ns) != 1 {
		t.Errorf("expected SOA in authority section")
	}

	req = new(dns.Msg)
	req.SetQuestion("example.org.", dns.TypeA)
	if resp := srv.Resolve(context.Background(), req); resp.Rcode != dns.RcodeRefused {
		t.Errorf("rcode = %d, want REFUSED", resp.Rcode)
	}
}

func TestServer_soaQuery(t *testing.T) {
	b := newBackend(t)
	newSync(t, b)
	srv := zone.NewServer(b, testZone, zap.NewNop())

	req := new(dns.Msg)
	req.SetQuestion(testZone+".", dns.TypeSOA)
	resp := srv.Resolve(context.Background(), req)
	if len(resp.Answer) != 1 {
		t.Fatalf("expected 1 SOA answer, got %d", len(resp.Answer))
	}
	soa, ok := resp.Answer[0].(*dns.SOA)
	if !ok || soa.Serial != 1 || soa.Ns != "ns1."+testZone+"." {
		t.Errorf("unexpected SOA: %v", resp.Answer[0])
	}
}
