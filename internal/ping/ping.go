// Package ping implements the UDP liveness protocol. A client sends
// "<hostname> <challenge>" with a 16-byte challenge. The server echoes the
// challenge only when the sender's address differs from the one on record,
// which tells the client to call /update.
package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sandstorm-io/sandcats/internal/hostname"
	"go.uber.org/zap"
)

// ChallengeLength is the exact size of a challenge in bytes.
const ChallengeLength = 16

// maxPacket bounds what a well-formed packet can be.
const maxPacket = hostname.MaxLength + 1 + ChallengeLength

const (
	outcomeMalformed   = "malformed"
	outcomeMatch       = "match"
	outcomeMismatch    = "mismatch"
	outcomeLookupError = "lookup_error"
)

var packetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sandcats_ping_packets_total",
	Help: "UDP ping packets by outcome.",
}, []string{"outcome"})

// AddressLookup reports whether hostname is registered at ip.
// *repository.RegistrationRepository satisfies this interface.
type AddressLookup interface {
	MatchesAddress(ctx context.Context, hostname, ip string) (bool, error)
}

// ParsePacket splits a ping into hostname and challenge. ok is false for
// anything malformed.
func ParsePacket(pkt []byte) (name string, challenge []byte, ok bool) {
	if len(pkt) > maxPacket {
		return "", nil, false
	}
	i := bytes.IndexByte(pkt, ' ')
	if i <= 0 {
		return "", nil, false
	}
	challenge = pkt[i+1:]
	if len(challenge) != ChallengeLength {
		return "", nil, false
	}
	name = hostname.Normalize(string(pkt[:i]))
	if hostname.Syntax(name) != nil {
		return "", nil, false
	}
	return name, challenge, true
}

// Responder answers pings.
type Responder struct {
	store   AddressLookup
	timeout time.Duration
	logger  *zap.Logger
}

// NewResponder creates a Responder with a 2 second lookup timeout.
func NewResponder(store AddressLookup, logger *zap.Logger) *Responder {
	return &Responder{store: store, timeout: 2 * time.Second, logger: logger}
}

// SetLookupTimeout bounds each store lookup.
func (r *Responder) SetLookupTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Handle returns the reply for a packet from ip, or nil for silence.
func (r *Responder) Handle(ctx context.Context, pkt []byte, ip net.IP) []byte {
	name, challenge, ok := ParsePacket(pkt)
	if !ok || ip == nil {
		packetsTotal.WithLabelValues(outcomeMalformed).Inc()
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	match, err := r.store.MatchesAddress(ctx, name, ip.String())
	if err != nil {
		packetsTotal.WithLabelValues(outcomeLookupError).Inc()
		r.logger.Warn("ping lookup failed", zap.String("hostname", name), zap.Error(err))
		return nil
	}
	if match {
		packetsTotal.WithLabelValues(outcomeMatch).Inc()
		return nil
	}
	packetsTotal.WithLabelValues(outcomeMismatch).Inc()
	return append([]byte(nil), challenge...)
}

// Serve reads packets from conn until ctx is done, handling each in its own
// goroutine. It closes conn on return.
func (r *Responder) Serve(ctx context.Context, conn net.PacketConn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	buf := make([]byte, 512)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ping read: %w", err)
		}
		udp, ok := addr.(*net.UDPAddr)
		if !ok || n > maxPacket {
			packetsTotal.WithLabelValues(outcomeMalformed).Inc()
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := r.Handle(ctx, pkt, udp.IP)
			if reply == nil {
				return
			}
			if _, err := conn.WriteTo(reply, udp); err != nil && ctx.Err() == nil {
				r.logger.Debug("ping reply failed", zap.Stringer("to", udp), zap.Error(err))
			}
		}()
	}
}

// ListenAndServe listens on the UDP address addr and calls Serve.
func (r *Responder) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("ping listen: %w", err)
	}
	r.logger.Info("ping responder listening", zap.String("addr", conn.LocalAddr().String()))
	return r.Serve(ctx, conn)
}

// ── Client side ───────────────────────────────────────────────────────────

const challengeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewChallenge returns a random printable 16-byte challenge.
func NewChallenge() ([]byte, error) {
	b := make([]byte, ChallengeLength)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	for i := range b {
		b[i] = challengeAlphabet[int(b[i])%len(challengeAlphabet)]
	}
	return b, nil
}

// Probe pings server for name and reports whether the server echoed the
// challenge, meaning the registered address is stale. Silence until ctx's
// deadline (or wait, whichever is first) means the address is current.
func Probe(ctx context.Context, server, name string, wait time.Duration) (stale bool, err error) {
	challenge, err := NewChallenge()
	if err != nil {
		return false, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server)
	if err != nil {
		return false, fmt.Errorf("ping dial: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(wait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, err
	}

	pkt := append([]byte(name+" "), challenge...)
	if _, err := conn.Write(pkt); err != nil {
		return false, fmt.Errorf("ping send: %w", err)
	}

	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("ping read: %w", err)
		}
		if bytes.Equal(buf[:n], challenge) {
			return true, nil
		}
	}
}
