package zone

import (
	"fmt"
	"strconv"
	"strings"
)

// SOA is the content of a zone's SOA record as stored in the backend:
// seven space-separated fields.
type SOA struct {
	PrimaryNS   string
	Hostmaster  string // admin mailbox with the @ written as a dot
	Serial      uint32
	Refresh     uint32
	Retry       uint32
	Expire      uint32
	NegativeTTL uint32
}

// ParseSOA parses stored SOA content.
func ParseSOA(content string) (SOA, error) {
	f := strings.Fields(content)
	if len(f) != 7 {
		return SOA{}, fmt.Errorf("soa: expected 7 fields, got %d in %q", len(f), content)
	}
	nums := make([]uint32, 5)
	for i, s := range f[2:] {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return SOA{}, fmt.Errorf("soa: field %d: %w", i+3, err)
		}
		nums[i] = uint32(n)
	}
	return SOA{
		PrimaryNS:   f[0],
		Hostmaster:  f[1],
		Serial:      nums[0],
		Refresh:     nums[1],
		Retry:       nums[2],
		Expire:      nums[3],
		NegativeTTL: nums[4],
	}, nil
}

// String formats the SOA for storage.
func (s SOA) String() string {
	return fmt.Sprintf("%s %s %d %d %d %d %d",
		s.PrimaryNS, s.Hostmaster, s.Serial, s.Refresh, s.Retry, s.Expire, s.NegativeTTL)
}

// initialSOA is the SOA written when a zone is first created.
func initialSOA(primary, hostmaster string) SOA {
	return SOA{
		PrimaryNS:   primary,
		Hostmaster:  hostmaster,
		Serial:      1,
		Refresh:     60,
		Retry:       60,
		Expire:      604800,
		NegativeTTL: 60,
	}
}
