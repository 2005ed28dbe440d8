// Package hostname implements the naming policy for registrable hostnames:
// syntax rules, the built-in blacklist and the operator-reserved list.
package hostname

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxLength is the longest hostname a caller may register.
const MaxLength = 20

var (
	// ErrInvalid is returned for hostnames that break the syntax rules.
	ErrInvalid = errors.New("invalid hostname")
	// ErrBlacklisted is returned for hostnames on the blacklist.
	ErrBlacklisted = errors.New("hostname is blacklisted")
)

var validChars = regexp.MustCompile(`^[0-9a-z-]+$`)

// Normalize lowercases and trims a raw hostname as supplied by a client.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Syntax checks length, charset and hyphen placement of an already
// normalized hostname.
func Syntax(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalid)
	case len(name) > MaxLength:
		return fmt.Errorf("%w: longer than %d characters", ErrInvalid, MaxLength)
	case !validChars.MatchString(name):
		return fmt.Errorf("%w: only a-z, 0-9 and - are allowed", ErrInvalid)
	case strings.HasPrefix(name, "-"), strings.HasSuffix(name, "-"):
		return fmt.Errorf("%w: may not start or end with a hyphen", ErrInvalid)
	case strings.Contains(name, "--"):
		return fmt.Errorf("%w: may not contain two hyphens in a row", ErrInvalid)
	}
	return nil
}

// Policy combines the syntax rules with the built-in blacklist and any
// operator-reserved names. The zero value is not usable; call NewPolicy.
type Policy struct {
	reserved map[string]struct{}
}

// NewPolicy returns a Policy that rejects the built-in blacklist plus extra.
func NewPolicy(extra ...string) *Policy {
	p := &Policy{reserved: make(map[string]struct{}, len(builtin)+len(extra))}
	for _, n := range builtin {
		p.reserved[n] = struct{}{}
	}
	for _, n := range extra {
		if n = Normalize(n); n != "" {
			p.reserved[n] = struct{}{}
		}
	}
	return p
}

// Check normalizes raw and validates it. It returns the normalized name.
func (p *Policy) Check(raw string) (string, error) {
	name := Normalize(raw)
	if err := Syntax(name); err != nil {
		return "", err
	}
	if p.Blacklisted(name) {
		return "", ErrBlacklisted
	}
	return name, nil
}

// Blacklisted reports whether name is reserved.
func (p *Policy) Blacklisted(name string) bool {
	_, ok := p.reserved[name]
	return ok
}

type reservedFile struct {
	Reserved []string `yaml:"reserved"`
}

// LoadReserved reads operator-reserved names from a YAML file of the form
//
//	reserved:
//	  - status
//	  - billing
func LoadReserved(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read reserved names: %w", err)
	}
	var f reservedFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse reserved names %s: %w", path, err)
	}
	return f.Reserved, nil
}

// ValidEmail reports whether addr is a single bare address with a dotted
// domain part.
func ValidEmail(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return false
	}
	at := strings.LastIndex(addr, "@")
	domain := addr[at+1:]
	return strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}
