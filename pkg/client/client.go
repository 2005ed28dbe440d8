package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sandstorm-io/sandcats/internal/ping"
)

const (
	sandHeader        = "X-Sand"
	sandValue         = "cats"
	fingerprintHeader = "X-Client-Certificate-Fingerprint"
)

// Response is the registry's reply to any endpoint.
type Response struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`

	// Token is set by Reserve.
	Token string `json:"token,omitempty"`

	// Cert, Chain, Serial and NotAfter are set by GetCertificate.
	Cert     string    `json:"cert,omitempty"`
	Chain    []string  `json:"chain,omitempty"`
	Serial   string    `json:"serial,omitempty"`
	NotAfter time.Time `json:"not_after,omitempty"`
}

// Error is returned when the registry answers with success=false. Text is
// the human-readable explanation the registry sent.
type Error struct {
	StatusCode int
	Text       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("registry error %d: %s", e.StatusCode, e.Text)
}

// IsRateLimited reports whether err is the registry refusing a recovery
// token because too many were sent recently.
func IsRateLimited(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.StatusCode == http.StatusOK
}

// Client talks to a sandcats registry.
type Client struct {
	registryBase string
	httpClient   *http.Client
	fingerprint  string
	pingAddr     string
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithMTLS presents certPEM/keyPEM as the client certificate. The registry's
// TLS terminator derives the key fingerprint from it. caPEM, when non-empty,
// replaces the system roots for verifying the registry.
func WithMTLS(certPEM, keyPEM, caPEM string) Option {
	return func(c *Client) error {
		cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
		if err != nil {
			return fmt.Errorf("load client key pair: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		if caPEM != "" {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM([]byte(caPEM)) {
				return fmt.Errorf("parse CA certificate")
			}
			tlsCfg.RootCAs = pool
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
			Timeout:   90 * time.Second,
		}
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification. Applied
// after WithMTLS it keeps the client certificate.
// Only use this in development against a locally-generated CA.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		if tr, ok := c.httpClient.Transport.(*http.Transport); ok && tr.TLSClientConfig != nil {
			tr.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec
			return nil
		}
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 90 * time.Second,
		}
		return nil
	}
}

// WithFingerprint sends fp in the fingerprint header directly. This only
// works against a registry reached without a TLS terminator, as in local
// development.
func WithFingerprint(fp string) Option {
	return func(c *Client) error {
		c.fingerprint = fp
		return nil
	}
}

// WithPingAddr sets the UDP address used by Ping. It defaults to the
// registry host on port 8080.
func WithPingAddr(addr string) Option {
	return func(c *Client) error {
		c.pingAddr = addr
		return nil
	}
}

// New creates a Client for the registry at registryBase.
//
//	c, err := client.New("https://sandcats.example",
//	    client.WithMTLS(certPEM, keyPEM, ""),
//	)
func New(registryBase string, opts ...Option) (*Client, error) {
	c := &Client{
		registryBase: strings.TrimRight(registryBase, "/"),
		httpClient:   &http.Client{Timeout: 90 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if c.pingAddr == "" {
		u, err := url.Parse(c.registryBase)
		if err != nil {
			return nil, fmt.Errorf("parse registry URL: %w", err)
		}
		c.pingAddr = u.Hostname() + ":8080"
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(registryBase string, opts ...Option) *Client {
	c, err := New(registryBase, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Register claims hostname for this client's key at the caller's address.
func (c *Client) Register(ctx context.Context, hostname, email string) (*Response, error) {
	return c.post(ctx, "/register", url.Values{
		"rawHostname": {hostname},
		"email":       {email},
	})
}

// Update points hostname at the caller's current address.
func (c *Client) Update(ctx context.Context, hostname string) (*Response, error) {
	return c.post(ctx, "/update", url.Values{"rawHostname": {hostname}})
}

// SendRecoveryToken asks the registry to email a recovery token to the
// address on file for hostname.
func (c *Client) SendRecoveryToken(ctx context.Context, hostname string) (*Response, error) {
	return c.post(ctx, "/sendrecoverytoken", url.Values{"rawHostname": {hostname}})
}

// Recover rebinds hostname to this client's key using an emailed token.
func (c *Client) Recover(ctx context.Context, hostname, token string) (*Response, error) {
	return c.post(ctx, "/recover", url.Values{
		"rawHostname":   {hostname},
		"recoveryToken": {token},
	})
}

// Reserve holds hostname for later redemption and returns the token. It
// needs no client key.
func (c *Client) Reserve(ctx context.Context, hostname, email string) (string, error) {
	resp, err := c.post(ctx, "/reserve", url.Values{
		"rawHostname": {hostname},
		"email":       {email},
	})
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// RegisterReserved redeems a reservation token for this client's key.
func (c *Client) RegisterReserved(ctx context.Context, hostname, token string) (*Response, error) {
	return c.post(ctx, "/registerreserved", url.Values{
		"rawHostname":            {hostname},
		"domainReservationToken": {token},
	})
}

// GetCertificate submits a PEM or base64 DER CSR for hostname and returns
// the issued certificate and chain.
func (c *Client) GetCertificate(ctx context.Context, hostname string, csr []byte) (*Response, error) {
	return c.post(ctx, "/getcertificate", url.Values{
		"rawHostname":               {hostname},
		"certificateSigningRequest": {string(csr)},
	})
}

// Ping asks the registry's UDP responder whether hostname still points at
// this machine. stale is true when the client should call Update.
func (c *Client) Ping(ctx context.Context, hostname string, wait time.Duration) (stale bool, err error) {
	return ping.Probe(ctx, c.pingAddr, hostname, wait)
}

// post sends form to path and decodes the reply. A reply with
// success=false becomes *Error.
func (c *Client) post(ctx context.Context, path string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.registryBase+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(sandHeader, sandValue)
	if c.fingerprint != "" {
		req.Header.Set(fingerprintHeader, c.fingerprint)
	}

	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("registry returned HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}
	if !resp.Success {
		return &resp, &Error{StatusCode: status, Text: resp.Text}
	}
	return &resp, nil
}

// doStatusBody executes req and returns the status code and body.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
