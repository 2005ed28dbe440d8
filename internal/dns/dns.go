// Package dns checks that a TXT record published in the zone is visible on
// every authoritative nameserver before an ACME CA is asked to validate it.
package dns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ErrNotPropagated is returned when a nameserver does not yet serve the
// expected record.
var ErrNotPropagated = errors.New("record not propagated")

// PropagationChecker queries a fixed set of nameservers directly.
type PropagationChecker struct {
	nameservers []string // host:port
	interval    time.Duration
	client      *mdns.Client
}

// NewPropagationChecker creates a checker for nameservers. Entries without a
// port get :53.
func NewPropagationChecker(nameservers []string, interval time.Duration) *PropagationChecker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ns := make([]string, 0, len(nameservers))
	for _, n := range nameservers {
		if !strings.Contains(n, ":") {
			n += ":53"
		}
		ns = append(ns, n)
	}
	return &PropagationChecker{
		nameservers: ns,
		interval:    interval,
		client:      &mdns.Client{Net: "udp", Timeout: 2 * time.Second},
	}
}

// CheckTXT asks each nameserver once whether fqdn carries a TXT record equal
// to value.
func (p *PropagationChecker) CheckTXT(ctx context.Context, fqdn, value string) error {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(fqdn), mdns.TypeTXT)
	m.RecursionDesired = false

	for _, ns := range p.nameservers {
		resp, _, err := p.client.ExchangeContext(ctx, m, ns)
		if err != nil {
			return fmt.Errorf("query %s for %s: %w", ns, fqdn, err)
		}
		if !hasTXT(resp, value) {
			return fmt.Errorf("%w: %s at %s", ErrNotPropagated, fqdn, ns)
		}
	}
	return nil
}

// WaitTXT polls until every nameserver serves the record or ctx is done.
func (p *PropagationChecker) WaitTXT(ctx context.Context, fqdn, value string) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		err := p.CheckTXT(ctx, fqdn, value)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w (last: %v)", fqdn, ctx.Err(), err)
		case <-ticker.C:
		}
	}
}

func hasTXT(resp *mdns.Msg, value string) bool {
	if resp == nil || resp.Rcode != mdns.RcodeSuccess {
		return false
	}
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*mdns.TXT); ok && strings.Join(txt.Txt, "") == value {
			return true
		}
	}
	return false
}
