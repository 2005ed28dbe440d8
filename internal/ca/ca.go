// Package ca issues certificates for registered hostnames. It defines the
// Client interface the registry calls, a local self-managed authority for
// development, and an ACME authority that proves control through DNS-01
// records in our own zone.
package ca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Order is one certificate request sent to a CA.
type Order struct {
	Hostname  string
	CSR       []byte // DER
	NotBefore time.Time
	NotAfter  time.Time
}

// Certificate is what a CA returns for a successful order.
type Certificate struct {
	Status    string
	Serial    string
	Subject   string
	NotBefore time.Time
	NotAfter  time.Time
	CertPEM   string
	ChainPEM  []string
}

// Client issues certificates. Issue may block for a long time; callers
// bound it with ctx.
type Client interface {
	Issue(ctx context.Context, order *Order) (*Certificate, error)
}

// Problem is one structured error reported by a CA.
type Problem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is a CA-reported failure.
type Error struct {
	Problems []Problem
	Err      error
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Code+": "+p.Message)
	}
	msg := "ca error"
	if len(parts) > 0 {
		msg += ": " + strings.Join(parts, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Messages flattens the problem list for logging and storage.
func (e *Error) Messages() []string {
	out := make([]string, 0, len(e.Problems)+1)
	for _, p := range e.Problems {
		out = append(out, fmt.Sprintf("%s: %s", p.Code, p.Message))
	}
	if len(out) == 0 && e.Err != nil {
		out = append(out, e.Err.Error())
	}
	return out
}

// IsTimeout reports whether err is a timeout, either a context deadline or a
// network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Env names a CA environment.
type Env string

const (
	Dev  Env = "dev"
	Prod Env = "prod"
)

// ErrNoClient is returned when no client is configured for an environment.
var ErrNoClient = errors.New("no CA client configured for environment")

// Environments holds one Client per environment and decides which
// environment serves a given hostname.
type Environments struct {
	def     Env
	dev     map[string]struct{}
	prod    map[string]struct{}
	clients map[Env]Client
}

// NewEnvironments creates the routing table. Hostnames listed in devHosts or
// prodHosts are pinned; every other hostname uses def.
func NewEnvironments(def Env, devHosts, prodHosts []string) *Environments {
	e := &Environments{
		def:     def,
		dev:     make(map[string]struct{}, len(devHosts)),
		prod:    make(map[string]struct{}, len(prodHosts)),
		clients: make(map[Env]Client),
	}
	for _, h := range devHosts {
		e.dev[strings.ToLower(h)] = struct{}{}
	}
	for _, h := range prodHosts {
		e.prod[strings.ToLower(h)] = struct{}{}
	}
	return e
}

// Set installs the client for env.
func (e *Environments) Set(env Env, c Client) {
	e.clients[env] = c
}

// EnvFor returns the environment hostname is routed to.
func (e *Environments) EnvFor(hostname string) Env {
	hostname = strings.ToLower(hostname)
	if _, ok := e.dev[hostname]; ok {
		return Dev
	}
	if _, ok := e.prod[hostname]; ok {
		return Prod
	}
	return e.def
}

// For returns the environment and client for hostname.
func (e *Environments) For(hostname string) (Env, Client, error) {
	env := e.EnvFor(hostname)
	c, ok := e.clients[env]
	if !ok {
		return env, nil, fmt.Errorf("%w: %s", ErrNoClient, env)
	}
	return env, c, nil
}
